package toolloop

import (
	"encoding/json"
	"fmt"
)

// Adapter translates between the internal request model and one vendor's wire format.
// The loop never looks inside wire values; it only passes them between the Adapter and
// the Transport. Add a backend by implementing Adapter, never by branching in the loop.
type Adapter interface {
	// Provider names the backend for logs, errors and transcripts.
	Provider() string
	// BaseURL is prefixed to Endpoint to build the request URL.
	BaseURL() string
	// Endpoint returns the path for model.
	Endpoint(model string) string
	// Headers returns the authentication header followed by provider extras.
	Headers() []Header
	// BuildRequest returns the JSON-serializable wire request for the conversation so far.
	BuildRequest(req *StructuredRequest, format Format, conversation []ConversationItem) (any, error)
	// NewResponse returns a pointer the Transport decodes the wire response into.
	NewResponse() any
	// ExtractFunctionCalls returns the calls requested by the model; empty means final answer.
	ExtractFunctionCalls(resp any) ([]FunctionCallData, error)
	// ParseResponse returns the final content of a response without calls.
	ParseResponse(resp any) (*ProviderResponse, error)
}

// FunctionCallData is a call as found on the wire. Arguments holds the raw wire value:
// either a JSON object or a JSON string containing the encoded object.
type FunctionCallData struct {
	ID        string
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// Usage counts tokens of one response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderResponse is the final content of a run as parsed by the Adapter.
type ProviderResponse struct {
	ID       string
	Model    string
	Provider string
	Text     string
	Usage    Usage
}

// UnexpectedResponse reports a wire value of the wrong Go type handed to an adapter.
func UnexpectedResponse(provider string, resp any) error {
	return &ProviderError{Provider: provider, Message: fmt.Sprintf("unexpected response type %T", resp)}
}

// Refusal reports that the model declined to answer.
func Refusal(reason string) error {
	return &APIError{Message: "model refused to respond: " + reason}
}
