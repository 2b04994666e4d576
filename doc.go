// Package jsonrpc implements the connection substrate underneath
// editor/tooling protocols such as language servers: two peers exchanging
// typed requests, notifications, and progress over a duplex message
// stream with no shared memory.
//
// A Connection turns an abstract MessageReader/MessageWriter pair into a
// request/response/notification API with correlation IDs, cancellation
// propagation, and ordered dispatch. The wire protocol is JSON-RPC 2.0;
// byte-level framing lives in the supplied transports (Content-Length
// framed streams, child-process stdio, in-process pipes) or in your own
// MessageReader/MessageWriter implementation.
//
// # Basic Usage
//
// Create a connection over a framed stream and start listening:
//
//	conn := jsonrpc.NewConnection(
//	    jsonrpc.NewStreamMessageReader(stdout),
//	    jsonrpc.NewStreamMessageWriter(stdin),
//	    jsonrpc.WithLogger(slog.Default()),
//	)
//	if err := conn.Listen(); err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Dispose()
//
//	result, err := conn.SendRequest(ctx, "textDocument/hover", params)
//
// Typed helpers decode params and results for you:
//
//	jsonrpc.HandleRequest(conn, "add", func(ctx context.Context, p AddParams) (int, error) {
//	    return p.A + p.B, nil
//	})
//
//	sum, err := jsonrpc.Call[AddParams, int](ctx, conn, "add", AddParams{A: 2, B: 3})
//
// # Cancellation
//
// Cancelling the context passed to SendRequest sends one best-effort
// $/cancelRequest notification; the call still settles with the peer's
// eventual reply. Inbound cancellation notifications cancel the context
// injected into the matching request handler. Cancellation is cooperative
// on both sides: handlers must observe their context, nothing is
// forcibly terminated.
//
// # Progress
//
// Progress streams are multiplexed over the reserved $/progress method
// and routed by token, independent of the method namespace:
//
//	token := jsonrpc.NewProgressToken()
//	dispose := conn.OnProgress(token, func(value json.RawMessage) { ... })
//	defer dispose.Dispose()
//
// # Lifecycle and Errors
//
// A connection moves from new to listening, to closed when the stream
// ends or fails, and to disposed. Failures surface through rejected
// calls and the OnError/OnClose events; a failure local to one request
// never affects others. Disposing rejects every pending request with
// ErrConnectionDisposed so no call is left unresolved.
package jsonrpc
