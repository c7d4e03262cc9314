// Package chat implements toolloop.Adapter for OpenAI-compatible Chat Completions endpoints,
// reusing the wire types of github.com/sashabaranov/go-openai.
package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/skosovsky/toolloop"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	endpoint       = "/chat/completions"
)

// Adapter speaks POST {base}/chat/completions.
type Adapter struct {
	provider string
	baseURL  string
	apiKey   string
	extra    []toolloop.Header
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL points the adapter at any OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) {
		a.baseURL = strings.TrimRight(url, "/")
	}
}

// WithProviderName changes the name reported in errors, logs and transcripts.
func WithProviderName(name string) Option {
	return func(a *Adapter) {
		a.provider = name
	}
}

// WithHeader adds a header sent after the authentication header.
func WithHeader(key, value string) Option {
	return func(a *Adapter) {
		a.extra = append(a.extra, toolloop.Header{Key: key, Value: value})
	}
}

// New returns a Chat Completions adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{provider: "chat", baseURL: DefaultBaseURL, apiKey: apiKey}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Provider() string { return a.provider }
func (a *Adapter) BaseURL() string { return a.baseURL }
func (a *Adapter) Endpoint(_ string) string { return endpoint }
func (a *Adapter) NewResponse() any { return &openai.ChatCompletionResponse{} }

func (a *Adapter) Headers() []toolloop.Header {
	return append([]toolloop.Header{{Key: "Authorization", Value: "Bearer " + a.apiKey}}, a.extra...)
}

// BuildRequest converts the conversation into chat messages. Consecutive function calls
// become the ToolCalls of a single assistant message; each result is a tool message.
func (a *Adapter) BuildRequest(
	req *toolloop.StructuredRequest, format toolloop.Format, conversation []toolloop.ConversationItem,
) (any, error) {
	msgs, err := toMessages(conversation)
	if err != nil {
		return nil, err
	}
	rf, err := responseFormat(format)
	if err != nil {
		return nil, err
	}
	out := &openai.ChatCompletionRequest{
		Model:          req.Model,
		Messages:       msgs,
		ResponseFormat: rf,
	}
	if tc := req.ToolConfig; tc != nil {
		for _, t := range tc.Tools {
			out.Tools = append(out.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Strict:      t.Strict,
					Parameters:  t.Parameters,
				},
			})
		}
		switch tc.Choice.Mode {
		case "":
		case toolloop.ToolChoiceFunction:
			out.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: tc.Choice.Name},
			}
		default:
			out.ToolChoice = string(tc.Choice.Mode)
		}
		if tc.ParallelToolCalls != nil && len(tc.Tools) > 0 {
			out.ParallelToolCalls = *tc.ParallelToolCalls
		}
	}
	if g := req.Generation; g != nil {
		if g.MaxTokens != nil {
			out.MaxTokens = *g.MaxTokens
		}
		if g.Temperature != nil {
			out.Temperature = float32(*g.Temperature)
		}
		if g.TopP != nil {
			out.TopP = float32(*g.TopP)
		}
	}
	return out, nil
}

func toMessages(items []toolloop.ConversationItem) ([]openai.ChatCompletionMessage, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(items))
	for _, it := range items {
		switch it.Type {
		case toolloop.ItemMessage:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: string(it.Role), Content: it.Content})
		case toolloop.ItemFunctionCall:
			args := string(it.Arguments)
			if args == "" {
				args = "{}"
			}
			call := openai.ToolCall{
				ID:       it.CallID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: it.Name, Arguments: args},
			}
			if n := len(msgs); n > 0 && msgs[n-1].Role == openai.ChatMessageRoleAssistant && len(msgs[n-1].ToolCalls) > 0 {
				msgs[n-1].ToolCalls = append(msgs[n-1].ToolCalls, call)
				continue
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{call},
			})
		case toolloop.ItemFunctionResult:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    string(it.Result),
				ToolCallID: it.CallID,
			})
		default:
			return nil, &toolloop.ConfigError{Field: "conversation", Message: fmt.Sprintf("unknown item type %q", it.Type)}
		}
	}
	return msgs, nil
}

func responseFormat(format toolloop.Format) (*openai.ChatCompletionResponseFormat, error) {
	if format.IsText() {
		return nil, nil
	}
	schema, err := json.Marshal(format.Schema)
	if err != nil {
		return nil, &toolloop.ConfigError{Field: "format", Message: err.Error()}
	}
	return &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   format.Name,
			Schema: json.RawMessage(schema),
			Strict: format.Strict,
		},
	}, nil
}

func (a *Adapter) choice(resp any) (*openai.ChatCompletionResponse, *openai.ChatCompletionChoice, error) {
	r, ok := resp.(*openai.ChatCompletionResponse)
	if !ok {
		return nil, nil, toolloop.UnexpectedResponse(a.provider, resp)
	}
	if len(r.Choices) == 0 {
		return nil, nil, &toolloop.ProviderError{Provider: a.provider, Message: "response has no choices"}
	}
	return r, &r.Choices[0], nil
}

// ExtractFunctionCalls returns the tool calls of the first choice. Arguments keep their wire
// form, a JSON string.
func (a *Adapter) ExtractFunctionCalls(resp any) ([]toolloop.FunctionCallData, error) {
	_, ch, err := a.choice(resp)
	if err != nil {
		return nil, err
	}
	calls := make([]toolloop.FunctionCallData, 0, len(ch.Message.ToolCalls))
	for _, tc := range ch.Message.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			return nil, &toolloop.ParseError{Payload: tc.Function.Arguments, Err: err}
		}
		calls = append(calls, toolloop.FunctionCallData{
			ID:        tc.ID,
			CallID:    tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return calls, nil
}

// ParseResponse returns the content of the first choice. A refusal or a content filter stop
// fails the run.
func (a *Adapter) ParseResponse(resp any) (*toolloop.ProviderResponse, error) {
	r, ch, err := a.choice(resp)
	if err != nil {
		return nil, err
	}
	if ch.Message.Refusal != "" {
		return nil, toolloop.Refusal(ch.Message.Refusal)
	}
	if ch.FinishReason == openai.FinishReasonContentFilter {
		return nil, toolloop.Refusal("blocked by content filter")
	}
	return &toolloop.ProviderResponse{
		ID:       r.ID,
		Model:    r.Model,
		Provider: a.provider,
		Text:     ch.Message.Content,
		Usage: toolloop.Usage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		},
	}, nil
}

var _ toolloop.Adapter = (*Adapter)(nil)
