package gemini_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/genai"

	"github.com/skosovsky/toolloop"
	"github.com/skosovsky/toolloop/provider/gemini"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreAnyFunction("internal/poll.runtime_pollWait"),
	)
}

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func addRegistry(t *testing.T) *toolloop.Registry {
	t.Helper()
	add, err := toolloop.NewTool("add", "Add two integers", func(_ context.Context, a addArgs) (int, error) {
		return a.A + a.B, nil
	})
	require.NoError(t, err)
	reg := toolloop.NewRegistry()
	require.NoError(t, reg.Register(add))
	return reg
}

func TestAdapter_Endpoint(t *testing.T) {
	a := gemini.New("g-key")
	assert.Equal(t, "gemini", a.Provider())
	assert.Equal(t, gemini.DefaultBaseURL, a.BaseURL())
	assert.Equal(t, "/models/gemini-2.0-flash:generateContent", a.Endpoint("gemini-2.0-flash"))
	assert.Equal(t, "/models/gemini-2.0-flash:generateContent", a.Endpoint("models/gemini-2.0-flash"))
	assert.Equal(t, []toolloop.Header{{Key: "x-goog-api-key", Value: "g-key"}}, a.Headers())
}

func TestAdapter_BuildRequest(t *testing.T) {
	req, err := toolloop.NewRequest("gemini-2.0-flash").
		System("be terse").
		User("add").
		Tools(addRegistry(t)).
		ToolChoice(toolloop.ToolChoice{Mode: toolloop.ToolChoiceFunction, Name: "add"}).
		Temperature(0.2).
		Build()
	require.NoError(t, err)
	format, err := toolloop.FormatFromSchema("n", map[string]any{"type": "integer"}, true)
	require.NoError(t, err)

	c1 := toolloop.ToolCall{CallID: "c1", Name: "add", Arguments: json.RawMessage(`{"a":1,"b":2}`)}
	c2 := toolloop.ToolCall{CallID: "c2", Name: "add", Arguments: json.RawMessage(`{"a":3,"b":4}`)}
	items := append(req.Messages,
		toolloop.NewFunctionCall(c1),
		toolloop.NewFunctionCall(c2),
		toolloop.NewFunctionResult(c1, json.RawMessage(`3`)),
		toolloop.NewFunctionResult(c2, json.RawMessage(`{"sum":7}`)),
	)
	wire, err := gemini.New("k").BuildRequest(req, format, items)
	require.NoError(t, err)
	r, ok := wire.(*gemini.Request)
	require.True(t, ok)

	require.NotNil(t, r.SystemInstruction)
	assert.Equal(t, "be terse", r.SystemInstruction.Parts[0].Text)

	require.Len(t, r.Contents, 3)
	assert.Equal(t, "user", r.Contents[0].Role)
	assert.Equal(t, "model", r.Contents[1].Role)
	require.Len(t, r.Contents[1].Parts, 2)
	assert.Equal(t, "c2", r.Contents[1].Parts[1].FunctionCall.ID)
	assert.InDelta(t, 3.0, r.Contents[1].Parts[1].FunctionCall.Args["a"], 1e-9)
	assert.Equal(t, "user", r.Contents[2].Role)
	require.Len(t, r.Contents[2].Parts, 2)
	assert.Equal(t, map[string]any{"result": float64(3)}, r.Contents[2].Parts[0].FunctionResponse.Response)
	assert.Equal(t, map[string]any{"sum": float64(7)}, r.Contents[2].Parts[1].FunctionResponse.Response)

	require.Len(t, r.Tools, 1)
	require.Len(t, r.Tools[0].FunctionDeclarations, 1)
	assert.Equal(t, "add", r.Tools[0].FunctionDeclarations[0].Name)
	require.NotNil(t, r.ToolConfig)
	assert.Equal(t, genai.FunctionCallingConfigModeAny, r.ToolConfig.FunctionCallingConfig.Mode)
	assert.Equal(t, []string{"add"}, r.ToolConfig.FunctionCallingConfig.AllowedFunctionNames)

	require.NotNil(t, r.GenerationConfig)
	assert.Equal(t, "application/json", r.GenerationConfig.ResponseMIMEType)
	assert.Equal(t, "object", r.GenerationConfig.ResponseJSONSchema["type"])
	require.NotNil(t, r.GenerationConfig.Temperature)
	assert.InDelta(t, 0.2, *r.GenerationConfig.Temperature, 1e-6)
}

func TestAdapter_BuildRequest_PlainText(t *testing.T) {
	req, err := toolloop.NewRequest("m").User("hi").Assistant("hello").User("again").Build()
	require.NoError(t, err)
	wire, err := gemini.New("k").BuildRequest(req, toolloop.TextFormat(), req.Messages)
	require.NoError(t, err)
	r := wire.(*gemini.Request)
	assert.Nil(t, r.SystemInstruction)
	assert.Nil(t, r.GenerationConfig)
	assert.Nil(t, r.ToolConfig)
	require.Len(t, r.Contents, 3)
	assert.Equal(t, []string{"user", "model", "user"}, []string{r.Contents[0].Role, r.Contents[1].Role, r.Contents[2].Role})
}

func decode(t *testing.T, a *gemini.Adapter, body string) any {
	t.Helper()
	resp := a.NewResponse()
	require.NoError(t, json.Unmarshal([]byte(body), resp))
	return resp
}

func TestAdapter_ExtractFunctionCalls_GeneratesMissingIDs(t *testing.T) {
	a := gemini.New("k", gemini.WithIDGenerator(func() string { return "generated" }))
	resp := decode(t, a, `{"candidates":[{"content":{"role":"model","parts":[`+
		`{"functionCall":{"name":"add","args":{"a":1,"b":2}}},`+
		`{"functionCall":{"id":"given","name":"add"}}]}}]}`)
	calls, err := a.ExtractFunctionCalls(resp)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "generated", calls[0].CallID)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(calls[0].Arguments))
	assert.Equal(t, "given", calls[1].ID)
	assert.JSONEq(t, `{}`, string(calls[1].Arguments))

	calls, err = a.ExtractFunctionCalls(decode(t, a, `{"candidates":[]}`))
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestAdapter_ParseResponse(t *testing.T) {
	a := gemini.New("k")
	out, err := a.ParseResponse(decode(t, a, `{"responseId":"r1","modelVersion":"gemini-2.0-flash",`+
		`"candidates":[{"finishReason":"STOP","content":{"role":"model","parts":[`+
		`{"text":"thinking","thought":true},{"text":"4"},{"text":"2"}]}}],`+
		`"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":1,"totalTokenCount":6}}`))
	require.NoError(t, err)
	assert.Equal(t, "42", out.Text)
	assert.Equal(t, "r1", out.ID)
	assert.Equal(t, "gemini-2.0-flash", out.Model)
	assert.Equal(t, toolloop.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6}, out.Usage)

	var ae *toolloop.APIError
	_, err = a.ParseResponse(decode(t, a, `{"candidates":[{"finishReason":"SAFETY","content":{"parts":[]}}]}`))
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, ae.Error(), "safety")

	_, err = a.ParseResponse(decode(t, a, `{"promptFeedback":{"blockReason":"SAFETY"}}`))
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, ae.Error(), "prompt blocked")

	var pe *toolloop.ProviderError
	_, err = a.ParseResponse(decode(t, a, `{"candidates":[]}`))
	require.ErrorAs(t, err, &pe)
	_, err = a.ParseResponse(decode(t, a, `{"candidates":[{"finishReason":"STOP","content":{"parts":[]}}]}`))
	require.ErrorAs(t, err, &pe)
}

func TestAdapter_EndToEnd(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-goog-api-key"))
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)
		mu.Lock()
		bodies = append(bodies, body)
		n := len(bodies)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[`+
				`{"functionCall":{"name":"add","args":{"a":20,"b":22}}}]}}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"candidates":[{"finishReason":"STOP","content":{"role":"model","parts":[{"text":"{\"value\":42}"}]}}]}`)
	}))
	t.Cleanup(srv.Close)

	logger := slog.New(slog.DiscardHandler)
	client, err := toolloop.NewClient(
		gemini.New("k", gemini.WithBaseURL(srv.URL), gemini.WithIDGenerator(func() string { return "call-1" })),
		toolloop.WithLogger(logger),
		toolloop.WithTransport(toolloop.NewTransport(
			toolloop.WithRetryDelays(time.Millisecond, 5*time.Millisecond),
			toolloop.WithTransportLogger(logger),
		)),
	)
	require.NoError(t, err)
	req, err := toolloop.NewRequest("gemini-test").User("20+22").Tools(addRegistry(t)).Build()
	require.NoError(t, err)

	resp, err := toolloop.Complete[int](context.Background(), client, req)
	require.NoError(t, err)
	assert.Equal(t, 42, resp.Value)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	contents := bodies[1]["contents"].([]any)
	require.Len(t, contents, 3)
	last := contents[2].(map[string]any)
	part := last["parts"].([]any)[0].(map[string]any)["functionResponse"].(map[string]any)
	assert.Equal(t, "call-1", part["id"])
	assert.Equal(t, "add", part["name"])
	assert.Equal(t, map[string]any{"result": float64(42)}, part["response"])
}
