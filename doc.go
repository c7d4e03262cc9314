// Package toolloop drives a multi-turn exchange with a remote language model until it returns
// a final structured answer, executing the tool calls the model requests along the way.
//
// # Overview
//
// A run repeats one round trip: build the wire request from the conversation so far
// (Adapter), POST it with retry and backoff (Transport), extract the function calls from the
// answer, execute them (Registry) and append calls and results to the conversation. A round
// trip without calls ends the run; its content is decoded into the caller's type, unwrapping
// the {"value": ...} envelope used for non-object result types (Format, Unwrap).
//
// Every run owns a Guard bounding the number of round trips and the total wall-clock time.
//
// # Key concepts
//
//   - Single source of truth: the schema reflected from a tool's argument type is both sent to
//     the model and used to validate the arguments it sends back.
//   - Parallel rounds append every call before any result; sequential rounds append
//     call/result pairs. Any tool failure ends the run.
//   - Backends live in provider/... packages behind the Adapter interface.
//
// # Example
//
//	type AddArgs struct {
//	    A int `json:"a"`
//	    B int `json:"b"`
//	}
//	add, _ := toolloop.NewTool("add", "Add two integers", func(_ context.Context, a AddArgs) (int, error) {
//	    return a.A + a.B, nil
//	})
//	reg := toolloop.NewRegistry()
//	_ = reg.Register(add)
//	req, _ := toolloop.NewRequest("gpt-4o-mini").User("What is 2+3?").Tools(reg).Build()
//	client, _ := toolloop.NewClient(responses.New(apiKey))
//	res, err := toolloop.Complete[int](ctx, client, req)
package toolloop
