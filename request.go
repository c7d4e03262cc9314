package toolloop

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ToolChoiceMode is the policy the model follows when tools are available.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolChoice selects the tool policy. Name is used with ToolChoiceFunction only.
type ToolChoice struct {
	Mode ToolChoiceMode `validate:"omitempty,oneof=auto none required function"`
	Name string         `validate:"required_if=Mode function"`
}

// ToolConfig is the tool part of a request: the descriptors sent to the model and the
// registry that executes the calls it makes. ParallelToolCalls nil means true.
type ToolConfig struct {
	Tools             []ToolSchema `validate:"dive"`
	Choice            ToolChoice
	ParallelToolCalls *bool
	Registry          *Registry `validate:"-"`
}

// Parallel reports whether calls of one round may run concurrently.
func (tc *ToolConfig) Parallel() bool {
	return tc == nil || tc.ParallelToolCalls == nil || *tc.ParallelToolCalls
}

// GenerationConfig holds optional sampling parameters; nil fields are not sent.
type GenerationConfig struct {
	MaxTokens   *int     `validate:"omitempty,gt=0"`
	Temperature *float64 `validate:"omitempty,gte=0,lte=2"`
	TopP        *float64 `validate:"omitempty,gt=0,lte=1"`
}

// StructuredRequest is everything a run needs besides the result Format.
// It is read-only for the loop; the loop copies Messages before appending.
type StructuredRequest struct {
	Model      string             `validate:"required"`
	Messages   []ConversationItem `validate:"required,min=1,dive"`
	ToolConfig *ToolConfig
	Generation *GenerationConfig
}

// Validate checks the request and reports the first problem as a ConfigError.
func (r *StructuredRequest) Validate() error {
	if r == nil {
		return &ConfigError{Message: "request must not be nil"}
	}
	if err := validate.Struct(r); err != nil {
		return toConfigError(err)
	}
	for i, m := range r.Messages {
		if m.Type == ItemMessage && m.Role == "" {
			return &ConfigError{Field: fmt.Sprintf("Messages[%d].Role", i), Message: "message role is required"}
		}
	}
	if tc := r.ToolConfig; tc != nil && len(tc.Tools) > 0 && tc.Registry == nil {
		return &ConfigError{Field: "ToolConfig.Registry", Message: "tools declared without a registry to execute them"}
	}
	return nil
}

// registry returns the registry that executes calls, or nil.
func (r *StructuredRequest) registry() *Registry {
	if r.ToolConfig == nil {
		return nil
	}
	return r.ToolConfig.Registry
}

func toConfigError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		msg := "failed on " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		return &ConfigError{Field: fe.Namespace(), Message: msg}
	}
	return &ConfigError{Message: err.Error()}
}

// RequestBuilder assembles a StructuredRequest fluently. Nothing is checked until Build.
type RequestBuilder struct {
	req      StructuredRequest
	registry *Registry
	choice   ToolChoice
	parallel *bool
	gen      GenerationConfig
	hasGen   bool
}

// NewRequest starts a request for model.
func NewRequest(model string) *RequestBuilder {
	return &RequestBuilder{req: StructuredRequest{Model: model}}
}

// System appends a system message.
func (b *RequestBuilder) System(text string) *RequestBuilder {
	return b.Messages(SystemMessage(text))
}

// User appends a user message.
func (b *RequestBuilder) User(text string) *RequestBuilder {
	return b.Messages(UserMessage(text))
}

// Assistant appends an assistant message.
func (b *RequestBuilder) Assistant(text string) *RequestBuilder {
	return b.Messages(AssistantMessage(text))
}

// Messages appends arbitrary conversation items (e.g. a saved history).
func (b *RequestBuilder) Messages(items ...ConversationItem) *RequestBuilder {
	b.req.Messages = append(b.req.Messages, items...)
	return b
}

// Tools offers every tool of reg to the model and executes calls through it.
func (b *RequestBuilder) Tools(reg *Registry) *RequestBuilder {
	b.registry = reg
	return b
}

// ToolChoice sets the tool policy.
func (b *RequestBuilder) ToolChoice(choice ToolChoice) *RequestBuilder {
	b.choice = choice
	return b
}

// ParallelToolCalls enables or disables concurrent execution of one round's calls.
func (b *RequestBuilder) ParallelToolCalls(enabled bool) *RequestBuilder {
	b.parallel = &enabled
	return b
}

// MaxTokens caps the length of each model answer.
func (b *RequestBuilder) MaxTokens(n int) *RequestBuilder {
	b.gen.MaxTokens = &n
	b.hasGen = true
	return b
}

// Temperature sets the sampling temperature.
func (b *RequestBuilder) Temperature(t float64) *RequestBuilder {
	b.gen.Temperature = &t
	b.hasGen = true
	return b
}

// TopP sets nucleus sampling.
func (b *RequestBuilder) TopP(p float64) *RequestBuilder {
	b.gen.TopP = &p
	b.hasGen = true
	return b
}

// Build validates and returns the request. Validation failures are ConfigErrors.
func (b *RequestBuilder) Build() (*StructuredRequest, error) {
	req := b.req
	if b.registry != nil || b.choice.Mode != "" || b.parallel != nil {
		tc := &ToolConfig{Choice: b.choice, ParallelToolCalls: b.parallel, Registry: b.registry}
		if b.registry != nil {
			tc.Tools = b.registry.Schemas()
		}
		req.ToolConfig = tc
	}
	if b.hasGen {
		gen := b.gen
		req.Generation = &gen
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}
