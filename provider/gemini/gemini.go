// Package gemini implements toolloop.Adapter for the Gemini generateContent REST endpoint.
// Content, tool and response values are the wire types of google.golang.org/genai.
package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/skosovsky/toolloop"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Request is the generateContent body.
type Request struct {
	Contents          []*genai.Content  `json:"contents"`
	SystemInstruction *genai.Content    `json:"systemInstruction,omitempty"`
	Tools             []*genai.Tool     `json:"tools,omitempty"`
	ToolConfig        *genai.ToolConfig `json:"toolConfig,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// GenerationConfig carries sampling and structured-output settings.
type GenerationConfig struct {
	MaxOutputTokens    int32          `json:"maxOutputTokens,omitempty"`
	Temperature        *float32       `json:"temperature,omitempty"`
	TopP               *float32       `json:"topP,omitempty"`
	ResponseMIMEType   string         `json:"responseMimeType,omitempty"`
	ResponseJSONSchema map[string]any `json:"responseJsonSchema,omitempty"`
}

func (g *GenerationConfig) empty() bool {
	return g.MaxOutputTokens == 0 && g.Temperature == nil && g.TopP == nil &&
		g.ResponseMIMEType == "" && g.ResponseJSONSchema == nil
}

// Adapter speaks POST {base}/models/{model}:generateContent.
type Adapter struct {
	baseURL string
	apiKey  string
	newID   func() string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL points the adapter at another API root.
func WithBaseURL(url string) Option {
	return func(a *Adapter) {
		a.baseURL = strings.TrimRight(url, "/")
	}
}

// WithIDGenerator replaces the generator of ids for calls the service sends without one.
func WithIDGenerator(fn func() string) Option {
	return func(a *Adapter) {
		a.newID = fn
	}
}

// New returns a Gemini adapter authenticated with an API key.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{baseURL: DefaultBaseURL, apiKey: apiKey, newID: uuid.NewString}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Provider() string { return "gemini" }
func (a *Adapter) BaseURL() string { return a.baseURL }
func (a *Adapter) NewResponse() any { return &genai.GenerateContentResponse{} }

func (a *Adapter) Endpoint(model string) string {
	return "/models/" + strings.TrimPrefix(model, "models/") + ":generateContent"
}

func (a *Adapter) Headers() []toolloop.Header {
	return []toolloop.Header{{Key: "x-goog-api-key", Value: a.apiKey}}
}

// BuildRequest maps system messages onto systemInstruction and everything else onto
// contents. Consecutive calls share one model turn; consecutive results share one user turn.
// Gemini has no switch for parallel calls, so ParallelToolCalls only affects execution.
func (a *Adapter) BuildRequest(
	req *toolloop.StructuredRequest, format toolloop.Format, conversation []toolloop.ConversationItem,
) (any, error) {
	out := &Request{}
	var system []string
	for _, it := range conversation {
		switch it.Type {
		case toolloop.ItemMessage:
			if it.Role == toolloop.RoleSystem {
				system = append(system, it.Content)
				continue
			}
			role := genai.RoleUser
			if it.Role == toolloop.RoleAssistant {
				role = genai.RoleModel
			}
			out.Contents = append(out.Contents, &genai.Content{Role: string(role), Parts: []*genai.Part{{Text: it.Content}}})
		case toolloop.ItemFunctionCall:
			args := map[string]any{}
			if len(it.Arguments) > 0 {
				if err := json.Unmarshal(it.Arguments, &args); err != nil {
					return nil, &toolloop.ParseError{Payload: string(it.Arguments), Err: err}
				}
			}
			part := &genai.Part{FunctionCall: &genai.FunctionCall{ID: it.CallID, Name: it.Name, Args: args}}
			out.Contents = appendPart(out.Contents, genai.RoleModel, part, func(p *genai.Part) bool { return p.FunctionCall != nil })
		case toolloop.ItemFunctionResult:
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       it.CallID,
				Name:     it.Name,
				Response: resultMap(it.Result),
			}}
			out.Contents = appendPart(out.Contents, genai.RoleUser, part, func(p *genai.Part) bool { return p.FunctionResponse != nil })
		default:
			return nil, &toolloop.ConfigError{Field: "conversation", Message: fmt.Sprintf("unknown item type %q", it.Type)}
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}

	if tc := req.ToolConfig; tc != nil {
		if len(tc.Tools) > 0 {
			decls := make([]*genai.FunctionDeclaration, 0, len(tc.Tools))
			for _, t := range tc.Tools {
				decls = append(decls, &genai.FunctionDeclaration{
					Name:                 t.Name,
					Description:          t.Description,
					ParametersJsonSchema: t.Parameters,
				})
			}
			out.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		}
		out.ToolConfig = toolConfig(tc.Choice)
	}

	gen := &GenerationConfig{}
	if g := req.Generation; g != nil {
		if g.MaxTokens != nil {
			gen.MaxOutputTokens = int32(*g.MaxTokens)
		}
		if g.Temperature != nil {
			gen.Temperature = genai.Ptr(float32(*g.Temperature))
		}
		if g.TopP != nil {
			gen.TopP = genai.Ptr(float32(*g.TopP))
		}
	}
	if !format.IsText() {
		gen.ResponseMIMEType = "application/json"
		gen.ResponseJSONSchema = format.Schema
	}
	if !gen.empty() {
		out.GenerationConfig = gen
	}
	return out, nil
}

// appendPart adds part to the last content when it has role and already holds parts of
// the same kind, otherwise it opens a new content.
func appendPart(contents []*genai.Content, role genai.Role, part *genai.Part, same func(*genai.Part) bool) []*genai.Content {
	if n := len(contents); n > 0 {
		last := contents[n-1]
		if last.Role == string(role) && len(last.Parts) > 0 && same(last.Parts[0]) {
			last.Parts = append(last.Parts, part)
			return contents
		}
	}
	return append(contents, &genai.Content{Role: string(role), Parts: []*genai.Part{part}})
}

// resultMap returns an object result as is and wraps anything else under "result".
func resultMap(result json.RawMessage) map[string]any {
	var obj map[string]any
	if json.Unmarshal(result, &obj) == nil && obj != nil {
		return obj
	}
	var v any
	if len(result) > 0 {
		_ = json.Unmarshal(result, &v)
	}
	return map[string]any{"result": v}
}

func toolConfig(c toolloop.ToolChoice) *genai.ToolConfig {
	var cfg genai.FunctionCallingConfig
	switch c.Mode {
	case "":
		return nil
	case toolloop.ToolChoiceNone:
		cfg.Mode = genai.FunctionCallingConfigModeNone
	case toolloop.ToolChoiceRequired:
		cfg.Mode = genai.FunctionCallingConfigModeAny
	case toolloop.ToolChoiceFunction:
		cfg.Mode = genai.FunctionCallingConfigModeAny
		cfg.AllowedFunctionNames = []string{c.Name}
	default:
		cfg.Mode = genai.FunctionCallingConfigModeAuto
	}
	return &genai.ToolConfig{FunctionCallingConfig: &cfg}
}

// ExtractFunctionCalls returns the function call parts of the first candidate. Calls without
// an id get a generated one so results can be correlated.
func (a *Adapter) ExtractFunctionCalls(resp any) ([]toolloop.FunctionCallData, error) {
	r, ok := resp.(*genai.GenerateContentResponse)
	if !ok {
		return nil, toolloop.UnexpectedResponse(a.Provider(), resp)
	}
	if len(r.Candidates) == 0 || r.Candidates[0].Content == nil {
		return nil, nil
	}
	var calls []toolloop.FunctionCallData
	for _, p := range r.Candidates[0].Content.Parts {
		if p == nil || p.FunctionCall == nil {
			continue
		}
		args, err := json.Marshal(p.FunctionCall.Args)
		if err != nil {
			return nil, &toolloop.ParseError{Payload: fmt.Sprint(p.FunctionCall.Args), Err: err}
		}
		if p.FunctionCall.Args == nil {
			args = []byte("{}")
		}
		id := p.FunctionCall.ID
		if id == "" {
			id = a.newID()
		}
		calls = append(calls, toolloop.FunctionCallData{ID: id, CallID: id, Name: p.FunctionCall.Name, Arguments: args})
	}
	return calls, nil
}

// refusalReasons are finish reasons meaning the answer was withheld.
var refusalReasons = map[genai.FinishReason]bool{
	genai.FinishReasonSafety:            true,
	genai.FinishReasonRecitation:        true,
	genai.FinishReasonBlocklist:         true,
	genai.FinishReasonProhibitedContent: true,
	genai.FinishReasonSPII:              true,
}

// ParseResponse concatenates the text parts of the first candidate, skipping thoughts.
func (a *Adapter) ParseResponse(resp any) (*toolloop.ProviderResponse, error) {
	r, ok := resp.(*genai.GenerateContentResponse)
	if !ok {
		return nil, toolloop.UnexpectedResponse(a.Provider(), resp)
	}
	if len(r.Candidates) == 0 {
		if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
			return nil, toolloop.Refusal("prompt blocked: " + string(r.PromptFeedback.BlockReason))
		}
		return nil, &toolloop.ProviderError{Provider: a.Provider(), Message: "no response candidates returned"}
	}
	cand := r.Candidates[0]
	if refusalReasons[cand.FinishReason] {
		return nil, toolloop.Refusal("blocked by safety filters (" + string(cand.FinishReason) + ")")
	}
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		return nil, &toolloop.ProviderError{Provider: a.Provider(), Message: "no content parts in response"}
	}
	var text strings.Builder
	for _, p := range cand.Content.Parts {
		if p != nil && !p.Thought {
			text.WriteString(p.Text)
		}
	}
	out := &toolloop.ProviderResponse{
		ID:       r.ResponseID,
		Model:    r.ModelVersion,
		Provider: a.Provider(),
		Text:     text.String(),
	}
	if u := r.UsageMetadata; u != nil {
		out.Usage = toolloop.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

var _ toolloop.Adapter = (*Adapter)(nil)
