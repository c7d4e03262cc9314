package responses

import "encoding/json"

// Request is the body of POST /responses.
type Request struct {
	Model             string         `json:"model"`
	Input             []InputItem    `json:"input"`
	Instructions      string         `json:"instructions,omitempty"`
	MaxOutputTokens   *int           `json:"max_output_tokens,omitempty"`
	Temperature       *float64       `json:"temperature,omitempty"`
	TopP              *float64       `json:"top_p,omitempty"`
	ParallelToolCalls *bool          `json:"parallel_tool_calls,omitempty"`
	Text              *TextConfig    `json:"text,omitempty"`
	ToolChoice        any            `json:"tool_choice,omitempty"`
	Tools             []FunctionTool `json:"tools,omitempty"`
}

// InputItem is a message, a function_call or a function_call_output. Arguments and Output
// are JSON documents encoded as strings.
type InputItem struct {
	Type      string `json:"type"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

// TextConfig selects the answer format.
type TextConfig struct {
	Format TextFormat `json:"format"`
}

// TextFormat is {"type":"text"} or a named json_schema.
type TextFormat struct {
	Type   string         `json:"type"`
	Name   string         `json:"name,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
	Strict *bool          `json:"strict,omitempty"`
}

// FunctionTool declares one callable function.
type FunctionTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
	Strict      bool           `json:"strict"`
}

// FunctionChoice forces one named function.
type FunctionChoice struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Response is the body returned by POST /responses.
type Response struct {
	ID     string       `json:"id"`
	Model  string       `json:"model"`
	Status string       `json:"status,omitempty"`
	Output []OutputItem `json:"output"`
	Usage  *Usage       `json:"usage,omitempty"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// OutputItem is a message or a function_call. Arguments is kept raw: providers send a JSON
// string, some compatible servers an object.
type OutputItem struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Role      string          `json:"role,omitempty"`
	Content   []ContentPart   `json:"content,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentPart is output_text or refusal.
type ContentPart struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Refusal string `json:"refusal,omitempty"`
}

// Usage counts tokens.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}
