package toolloop

import (
	"encoding/json"
	"slices"
	"sync"
)

// Role of a message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ItemType discriminates ConversationItem.
type ItemType string

const (
	ItemMessage        ItemType = "message"
	ItemFunctionCall   ItemType = "function_call"
	ItemFunctionResult ItemType = "function_result"
)

// ConversationItem is one entry of the conversation replayed to the remote service.
// Only the fields of its Type are set:
//   - message: Role, Content
//   - function_call: ID, CallID, Name, Arguments
//   - function_result: CallID, Name, Result
type ConversationItem struct {
	Type      ItemType        `json:"type" validate:"required,oneof=message function_call function_result"`
	Role      Role            `json:"role,omitempty" validate:"omitempty,oneof=system user assistant"`
	Content   string          `json:"content,omitempty"`
	ID        string          `json:"id,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty" validate:"required_if=Type function_call"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// NewMessage returns a message item.
func NewMessage(role Role, content string) ConversationItem {
	return ConversationItem{Type: ItemMessage, Role: role, Content: content}
}

// SystemMessage returns a system message item.
func SystemMessage(content string) ConversationItem { return NewMessage(RoleSystem, content) }

// UserMessage returns a user message item.
func UserMessage(content string) ConversationItem { return NewMessage(RoleUser, content) }

// AssistantMessage returns an assistant message item.
func AssistantMessage(content string) ConversationItem { return NewMessage(RoleAssistant, content) }

// NewFunctionCall returns the item recording a call requested by the model.
func NewFunctionCall(call ToolCall) ConversationItem {
	return ConversationItem{
		Type:      ItemFunctionCall,
		ID:        call.ID,
		CallID:    call.CallID,
		Name:      call.Name,
		Arguments: call.Arguments,
	}
}

// NewFunctionResult returns the item carrying a tool's output back to the model.
func NewFunctionResult(call ToolCall, result json.RawMessage) ConversationItem {
	return ConversationItem{
		Type:   ItemFunctionResult,
		CallID: call.CallID,
		Name:   call.Name,
		Result: result,
	}
}

// conversation is the append-only item sequence owned by one run. The lock lets the run
// hand out snapshots while its worker goroutine is still appending.
type conversation struct {
	mu    sync.Mutex
	items []ConversationItem
}

func newConversation(initial []ConversationItem) *conversation {
	return &conversation{items: slices.Clone(initial)}
}

func (c *conversation) append(items ...ConversationItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, items...)
}

func (c *conversation) snapshot() []ConversationItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.items)
}
