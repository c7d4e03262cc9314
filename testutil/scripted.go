package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/skosovsky/toolloop"
)

// WireRequest is the body the scripted Adapter sends: the whole conversation plus the
// names of the offered tools.
type WireRequest struct {
	Model    string                      `json:"model"`
	Items    []toolloop.ConversationItem `json:"items"`
	Tools    []string                    `json:"tools,omitempty"`
	Format   string                      `json:"format,omitempty"`
	Schema   map[string]any              `json:"schema,omitempty"`
	Parallel bool                        `json:"parallel"`
}

// WireCall is one function call in a scripted reply.
type WireCall struct {
	ID        string          `json:"id"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Call returns a call whose arguments are a JSON object.
func Call(id, name, args string) WireCall {
	return WireCall{ID: "fc_" + id, CallID: id, Name: name, Arguments: json.RawMessage(args)}
}

// StringCall returns a call whose arguments are a JSON string holding the object,
// the way OpenAI-style backends send them.
func StringCall(id, name, args string) WireCall {
	return WireCall{ID: "fc_" + id, CallID: id, Name: name, Arguments: json.RawMessage(strconv.Quote(args))}
}

// Reply is one scripted answer. Status, when set, makes the server answer with that HTTP
// status instead; Delay holds the answer back (the request context still cancels it).
type Reply struct {
	ID     string        `json:"id"`
	Text   string        `json:"text,omitempty"`
	Calls  []WireCall    `json:"calls,omitempty"`
	Status int           `json:"-"`
	Delay  time.Duration `json:"-"`
}

// Adapter speaks the scripted wire format.
type Adapter struct {
	URL string
	Key string
}

func (a *Adapter) Provider() string             { return "scripted" }
func (a *Adapter) BaseURL() string              { return a.URL }
func (a *Adapter) Endpoint(model string) string { return "/v1/" + model }

func (a *Adapter) Headers() []toolloop.Header {
	return []toolloop.Header{{Key: "Authorization", Value: "Bearer " + a.Key}}
}

func (a *Adapter) BuildRequest(
	req *toolloop.StructuredRequest, format toolloop.Format, items []toolloop.ConversationItem,
) (any, error) {
	w := &WireRequest{
		Model:    req.Model,
		Items:    items,
		Format:   format.Name,
		Schema:   format.Schema,
		Parallel: req.ToolConfig.Parallel(),
	}
	if req.ToolConfig != nil {
		for _, t := range req.ToolConfig.Tools {
			w.Tools = append(w.Tools, t.Name)
		}
	}
	return w, nil
}

func (a *Adapter) NewResponse() any { return &Reply{} }

func (a *Adapter) ExtractFunctionCalls(resp any) ([]toolloop.FunctionCallData, error) {
	r, ok := resp.(*Reply)
	if !ok {
		return nil, toolloop.UnexpectedResponse(a.Provider(), resp)
	}
	out := make([]toolloop.FunctionCallData, 0, len(r.Calls))
	for _, c := range r.Calls {
		out = append(out, toolloop.FunctionCallData{ID: c.ID, CallID: c.CallID, Name: c.Name, Arguments: c.Arguments})
	}
	return out, nil
}

func (a *Adapter) ParseResponse(resp any) (*toolloop.ProviderResponse, error) {
	r, ok := resp.(*Reply)
	if !ok {
		return nil, toolloop.UnexpectedResponse(a.Provider(), resp)
	}
	if r.Text == "" {
		return nil, &toolloop.ProviderError{Provider: a.Provider(), Message: "empty reply"}
	}
	return &toolloop.ProviderResponse{ID: r.ID, Provider: a.Provider(), Text: r.Text}, nil
}

var _ toolloop.Adapter = (*Adapter)(nil)

// Server replays Replies in order and records every request. Once the script is exhausted
// the last reply repeats.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	replies  []Reply
	next     int
	requests []WireRequest
	headers  []http.Header
}

// NewServer starts a scripted server closed at the end of the test.
func NewServer(tb testing.TB, replies ...Reply) *Server {
	tb.Helper()
	s := &Server{replies: replies}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	tb.Cleanup(s.Close)
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	var req WireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":{"message":"bad request body"}}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.headers = append(s.headers, r.Header.Clone())
	reply := Reply{Text: "{}"}
	if len(s.replies) > 0 {
		reply = s.replies[min(s.next, len(s.replies)-1)]
		s.next++
	}
	s.mu.Unlock()

	if reply.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(reply.Delay):
		}
	}
	if reply.Status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(reply.Status)
		_, _ = w.Write([]byte(`{"error":{"message":"scripted failure"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

// Adapter returns an Adapter pointed at the server.
func (s *Server) Adapter() *Adapter {
	return &Adapter{URL: s.URL, Key: "test-key"}
}

// Requests returns the requests received so far.
func (s *Server) Requests() []WireRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WireRequest(nil), s.requests...)
}

// Headers returns the headers of the requests received so far.
func (s *Server) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}
