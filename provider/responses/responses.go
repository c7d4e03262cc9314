// Package responses implements toolloop.Adapter for the Responses API spoken by OpenAI and
// OpenRouter.
package responses

import (
	"fmt"
	"strings"

	"github.com/skosovsky/toolloop"
)

const (
	OpenAIBaseURL     = "https://api.openai.com/v1"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	endpoint          = "/responses"
)

// Adapter speaks POST {base}/responses. It is immutable and safe for concurrent use.
type Adapter struct {
	provider string
	baseURL  string
	apiKey   string
	extra    []toolloop.Header
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL points the adapter at a compatible server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) {
		a.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHeader adds a header sent after the authentication header.
func WithHeader(key, value string) Option {
	return func(a *Adapter) {
		a.extra = append(a.extra, toolloop.Header{Key: key, Value: value})
	}
}

// New returns an adapter for OpenAI.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{provider: "openai", baseURL: OpenAIBaseURL, apiKey: apiKey}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewOpenRouter returns an adapter for OpenRouter. referer and title are the optional
// attribution headers OpenRouter shows on its leaderboards.
func NewOpenRouter(apiKey, referer, title string, opts ...Option) *Adapter {
	a := &Adapter{provider: "openrouter", baseURL: OpenRouterBaseURL, apiKey: apiKey}
	if referer != "" {
		a.extra = append(a.extra, toolloop.Header{Key: "HTTP-Referer", Value: referer})
	}
	if title != "" {
		a.extra = append(a.extra, toolloop.Header{Key: "X-Title", Value: title})
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Provider() string { return a.provider }
func (a *Adapter) BaseURL() string { return a.baseURL }
func (a *Adapter) Endpoint(_ string) string { return endpoint }
func (a *Adapter) NewResponse() any { return &Response{} }

func (a *Adapter) Headers() []toolloop.Header {
	headers := make([]toolloop.Header, 0, len(a.extra)+1)
	headers = append(headers, toolloop.Header{Key: "Authorization", Value: "Bearer " + a.apiKey})
	return append(headers, a.extra...)
}

// BuildRequest maps the conversation onto input items and attaches tools, sampling and format.
func (a *Adapter) BuildRequest(
	req *toolloop.StructuredRequest, format toolloop.Format, conversation []toolloop.ConversationItem,
) (any, error) {
	input, err := convertItems(conversation)
	if err != nil {
		return nil, err
	}
	out := &Request{Model: req.Model, Input: input, Text: textConfig(format)}
	if tc := req.ToolConfig; tc != nil {
		for _, t := range tc.Tools {
			out.Tools = append(out.Tools, FunctionTool{
				Type:        "function",
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
				Strict:      t.Strict,
			})
		}
		out.ToolChoice = toolChoice(tc.Choice)
		out.ParallelToolCalls = tc.ParallelToolCalls
	}
	if g := req.Generation; g != nil {
		out.MaxOutputTokens = g.MaxTokens
		out.Temperature = g.Temperature
		out.TopP = g.TopP
	}
	return out, nil
}

func convertItems(items []toolloop.ConversationItem) ([]InputItem, error) {
	out := make([]InputItem, 0, len(items))
	for _, it := range items {
		switch it.Type {
		case toolloop.ItemMessage:
			out = append(out, InputItem{Type: "message", Role: string(it.Role), Content: it.Content})
		case toolloop.ItemFunctionCall:
			args := string(it.Arguments)
			if args == "" {
				args = "{}"
			}
			out = append(out, InputItem{
				Type:      "function_call",
				ID:        it.ID,
				CallID:    it.CallID,
				Name:      it.Name,
				Arguments: args,
			})
		case toolloop.ItemFunctionResult:
			out = append(out, InputItem{
				Type:   "function_call_output",
				CallID: it.CallID,
				Output: string(it.Result),
			})
		default:
			return nil, &toolloop.ConfigError{Field: "conversation", Message: fmt.Sprintf("unknown item type %q", it.Type)}
		}
	}
	return out, nil
}

func textConfig(format toolloop.Format) *TextConfig {
	if format.IsText() {
		return &TextConfig{Format: TextFormat{Type: "text"}}
	}
	strict := format.Strict
	return &TextConfig{Format: TextFormat{
		Type:   "json_schema",
		Name:   format.Name,
		Schema: format.Schema,
		Strict: &strict,
	}}
}

func toolChoice(c toolloop.ToolChoice) any {
	switch c.Mode {
	case "":
		return nil
	case toolloop.ToolChoiceFunction:
		return FunctionChoice{Type: "function", Name: c.Name}
	default:
		return string(c.Mode)
	}
}

// ExtractFunctionCalls returns every function_call output item in order.
func (a *Adapter) ExtractFunctionCalls(resp any) ([]toolloop.FunctionCallData, error) {
	r, ok := resp.(*Response)
	if !ok {
		return nil, toolloop.UnexpectedResponse(a.provider, resp)
	}
	var calls []toolloop.FunctionCallData
	for _, item := range r.Output {
		if item.Type != "function_call" {
			continue
		}
		calls = append(calls, toolloop.FunctionCallData{
			ID:        item.ID,
			CallID:    item.CallID,
			Name:      item.Name,
			Arguments: item.Arguments,
		})
	}
	return calls, nil
}

// ParseResponse concatenates the output_text parts of the message items. A refusal part
// fails the run.
func (a *Adapter) ParseResponse(resp any) (*toolloop.ProviderResponse, error) {
	r, ok := resp.(*Response)
	if !ok {
		return nil, toolloop.UnexpectedResponse(a.provider, resp)
	}
	if r.Error != nil {
		return nil, &toolloop.APIError{Message: r.Error.Message}
	}
	var text strings.Builder
	found := false
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			switch part.Type {
			case "refusal":
				return nil, toolloop.Refusal(part.Refusal)
			case "output_text":
				text.WriteString(part.Text)
				found = true
			}
		}
	}
	if !found {
		return nil, &toolloop.ProviderError{Provider: a.provider, Message: "response has no output text"}
	}
	out := &toolloop.ProviderResponse{ID: r.ID, Model: r.Model, Provider: a.provider, Text: text.String()}
	if r.Usage != nil {
		out.Usage = toolloop.Usage{
			PromptTokens:     r.Usage.InputTokens,
			CompletionTokens: r.Usage.OutputTokens,
			TotalTokens:      r.Usage.TotalTokens,
		}
	}
	return out, nil
}

var _ toolloop.Adapter = (*Adapter)(nil)
