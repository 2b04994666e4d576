package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int32

const (
	// StateNew is the state before Listen. Sending is already allowed;
	// responses cannot arrive until listening starts.
	StateNew ConnectionState = iota
	// StateListening means the read loop is pumping the reader.
	StateListening
	// StateClosed means the stream ended or failed. Local registrations
	// survive, but all sends fail.
	StateClosed
	// StateDisposed is terminal: resources released, registries cleared.
	StateDisposed
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateListening:
		return "listening"
	case StateClosed:
		return "closed"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Connection turns a duplex message stream into a typed
// request/response/notification/progress API with correlation IDs,
// cancellation propagation, and ordered dispatch.
//
// A Connection is safe for concurrent use. Outbound messages are written
// in call order. Inbound messages are dispatched in arrival order on a
// single goroutine; request handlers run on their own goroutines, so
// responses to concurrently handled requests may be written out of order.
type Connection struct {
	log    *slog.Logger
	reader MessageReader
	writer MessageWriter

	// nextID allocates outbound request IDs. Inbound IDs are peer-assigned
	// and live in their own namespace.
	nextID atomic.Int64

	// writeMu serializes writes so outbound order matches call order.
	writeMu      sync.Mutex
	writerClosed bool

	stateMu sync.Mutex
	state   ConnectionState

	// pending maps outstanding outbound request IDs to their waiters.
	// Every entry is settled exactly once: by a matching response, by
	// close, or by dispose.
	pendingMu sync.Mutex
	pending   map[ID]*pendingRequest

	// inFlight tracks inbound requests whose handlers are running, for
	// cancellation notifications.
	inFlightMu sync.Mutex
	inFlight   map[ID]*inFlightRequest

	handlersMu           sync.Mutex
	requestHandlers      *handlerRegistry[RequestHandler]
	notificationHandlers *handlerRegistry[NotificationHandler]
	requestFallback      *registration[GenericRequestHandler]
	notificationFallback *registration[GenericNotificationHandler]

	progress *progressRouter
	trace    traceState

	errorEvent     emitter[ErrorEvent]
	closeEvent     emitter[struct{}]
	unhandledEvent emitter[*Message]
	disposeEvent   emitter[struct{}]

	// readCtx is cancelled on dispose to unblock the reader.
	readCtx    context.Context
	readCancel context.CancelFunc

	done        chan struct{}
	closeOnce   sync.Once
	disposeOnce sync.Once

	loopWg    sync.WaitGroup
	handlerWg sync.WaitGroup
}

// pendingRequest is an entry of the correlation table.
type pendingRequest struct {
	id     ID
	method string
	ch     chan pendingResult
}

// pendingResult settles a pending request: either the peer's response
// message or a local connection-level error.
type pendingResult struct {
	msg *Message
	err error
}

// NewConnection creates a connection over the given reader and writer.
// Call Listen to start dispatching inbound messages.
func NewConnection(reader MessageReader, writer MessageWriter, opts ...Option) *Connection {
	options := applyOptions(opts)

	readCtx, readCancel := context.WithCancel(context.Background())

	log := options.logger.With("component", "connection", "conn", ulid.Make().String())

	c := &Connection{
		log:                  log,
		reader:               reader,
		writer:               writer,
		pending:              make(map[ID]*pendingRequest, 10),
		inFlight:             make(map[ID]*inFlightRequest, 10),
		requestHandlers:      newHandlerRegistry[RequestHandler](),
		notificationHandlers: newHandlerRegistry[NotificationHandler](),
		progress:             newProgressRouter(log),
		readCtx:              readCtx,
		readCancel:           readCancel,
		done:                 make(chan struct{}),
	}

	if options.traceLevel != TraceOff && options.tracer != nil {
		c.trace.set(options.traceLevel, options.tracer)
	}

	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	return c.state
}

// Done returns a channel closed when the connection closes or is
// disposed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Listen starts the read loop. It returns immediately; inbound messages
// are dispatched on a background goroutine until the stream ends, fails,
// or the connection is disposed. Calling Listen twice returns
// ErrAlreadyListening.
func (c *Connection) Listen() error {
	c.stateMu.Lock()

	switch c.state {
	case StateListening:
		c.stateMu.Unlock()

		return ErrAlreadyListening
	case StateClosed:
		c.stateMu.Unlock()

		return ErrConnectionClosed
	case StateDisposed:
		c.stateMu.Unlock()

		return ErrConnectionDisposed
	case StateNew:
	}

	c.state = StateListening
	c.stateMu.Unlock()

	c.loopWg.Add(1)

	go c.readLoop()

	c.log.Debug("connection listening")

	return nil
}

// SendRequest sends a request and blocks until the peer responds or the
// connection closes. Params may be nil, a json.RawMessage, or any
// marshallable value. The result is the peer's raw result payload; an
// error response is returned as a *ResponseError.
//
// Cancelling ctx after the request was written does not abandon it:
// one $/cancelRequest notification is sent and the call still settles
// with the peer's eventual reply (typically a request-cancelled error)
// or with connection closure.
func (c *Connection) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	if err := c.sendable(); err != nil {
		return nil, err
	}

	id := NewIntID(c.nextID.Add(1))
	pr := &pendingRequest{id: id, method: method, ch: make(chan pendingResult, 1)}

	// Register before writing so a response can never arrive first.
	c.pendingMu.Lock()
	c.pending[id] = pr
	c.pendingMu.Unlock()

	c.log.Debug("sending request", "id", id, "method", method)

	if err := c.write(ctx, NewRequest(id, method, raw)); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()

		return nil, err
	}

	select {
	case res := <-pr.ch:
		return c.settleRequest(pr, res)

	case <-c.done:
		return c.drainOrCloseErr(pr)

	case <-ctx.Done():
		// Best-effort cancellation; the pending entry stays registered
		// and the peer is expected to still reply.
		c.sendCancelNotification(id)

		select {
		case res := <-pr.ch:
			return c.settleRequest(pr, res)
		case <-c.done:
			return c.drainOrCloseErr(pr)
		}
	}
}

// settleRequest converts a pending result into the caller-visible form.
func (c *Connection) settleRequest(pr *pendingRequest, res pendingResult) (json.RawMessage, error) {
	if res.err != nil {
		c.log.Debug("request settled locally", "id", pr.id, "error", res.err)

		return nil, res.err
	}

	if res.msg.Error != nil {
		c.log.Debug("request settled with error response", "id", pr.id, "code", res.msg.Error.Code)

		return nil, res.msg.Error
	}

	c.log.Debug("request settled", "id", pr.id)

	return res.msg.Result, nil
}

// drainOrCloseErr resolves the done-channel race: a result delivered just
// before closure wins over the closure error.
func (c *Connection) drainOrCloseErr(pr *pendingRequest) (json.RawMessage, error) {
	select {
	case res := <-pr.ch:
		return c.settleRequest(pr, res)
	default:
	}

	c.pendingMu.Lock()
	delete(c.pending, pr.id)
	c.pendingMu.Unlock()

	if c.State() == StateDisposed {
		return nil, ErrConnectionDisposed
	}

	return nil, ErrConnectionClosed
}

// SendNotification sends a fire-and-forget notification. Params may be
// nil, a json.RawMessage, or any marshallable value.
func (c *Connection) SendNotification(ctx context.Context, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	if err := c.sendable(); err != nil {
		return err
	}

	c.log.Debug("sending notification", "method", method)

	return c.write(ctx, NewNotification(method, raw))
}

// OnRequest registers a handler for inbound requests with the given
// method. Registering a second handler for the same method replaces the
// first. The returned Disposable deregisters exactly this handler;
// disposing twice is a no-op.
func (c *Connection) OnRequest(method string, handler RequestHandler) Disposable {
	c.handlersMu.Lock()
	reg := c.requestHandlers.register(method, handler)
	c.handlersMu.Unlock()

	return newDisposable(func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()

		c.requestHandlers.unregister(method, reg)
	})
}

// OnNotification registers a handler for inbound notifications with the
// given method. Same replacement and disposal semantics as OnRequest.
func (c *Connection) OnNotification(method string, handler NotificationHandler) Disposable {
	c.handlersMu.Lock()
	reg := c.notificationHandlers.register(method, handler)
	c.handlersMu.Unlock()

	return newDisposable(func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()

		c.notificationHandlers.unregister(method, reg)
	})
}

// OnRequestFallback registers a catch-all handler invoked for requests no
// method-keyed handler matches. Without one, such requests are answered
// with a method-not-found error. Registering again replaces the previous
// fallback.
func (c *Connection) OnRequestFallback(handler GenericRequestHandler) Disposable {
	c.handlersMu.Lock()
	reg := &registration[GenericRequestHandler]{handler: handler}
	c.requestFallback = reg
	c.handlersMu.Unlock()

	return newDisposable(func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()

		if c.requestFallback == reg {
			c.requestFallback = nil
		}
	})
}

// OnNotificationFallback registers a catch-all handler for notifications
// no method-keyed handler matches. Without one, such notifications fire
// the unhandled-notification event.
func (c *Connection) OnNotificationFallback(handler GenericNotificationHandler) Disposable {
	c.handlersMu.Lock()
	reg := &registration[GenericNotificationHandler]{handler: handler}
	c.notificationFallback = reg
	c.handlersMu.Unlock()

	return newDisposable(func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()

		if c.notificationFallback == reg {
			c.notificationFallback = nil
		}
	})
}

// OnError subscribes to connection errors: transport failures, protocol
// errors, and response write failures. Delivery is synchronous from the
// dispatch context.
func (c *Connection) OnError(fn func(ErrorEvent)) Disposable {
	return c.errorEvent.on(fn)
}

// OnClose subscribes to the close event, fired once when the stream ends
// or fails. Dispose without a prior close does not fire it.
func (c *Connection) OnClose(fn func()) Disposable {
	return c.closeEvent.on(func(struct{}) { fn() })
}

// OnUnhandledNotification subscribes to notifications no handler matched.
func (c *Connection) OnUnhandledNotification(fn func(msg *Message)) Disposable {
	return c.unhandledEvent.on(fn)
}

// OnDispose subscribes to the dispose event, fired exactly once.
func (c *Connection) OnDispose(fn func()) Disposable {
	return c.disposeEvent.on(func(struct{}) { fn() })
}

// End shuts down the writer side after letting in-flight request handlers
// flush their responses. Inbound traffic continues until the peer closes
// its side. Subsequent sends fail with ErrWriterClosed. End must not be
// called from inside a request handler.
func (c *Connection) End() {
	c.handlerWg.Wait()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.writerClosed {
		c.writerClosed = true

		if err := c.writer.Close(); err != nil {
			c.log.Debug("writer close failed", "error", err)
		}

		c.log.Debug("writer side ended")
	}
}

// Dispose releases the connection: it rejects all pending requests with
// ErrConnectionDisposed, cancels in-flight handlers, closes the reader
// and writer, clears all registries, and fires the dispose event exactly
// once. Dispose is idempotent and terminal.
func (c *Connection) Dispose() {
	c.disposeOnce.Do(func() {
		c.log.Debug("disposing connection")

		c.stateMu.Lock()
		c.state = StateDisposed
		c.stateMu.Unlock()

		c.readCancel()

		c.writeMu.Lock()
		c.writerClosed = true
		c.writeMu.Unlock()

		if err := c.reader.Close(); err != nil {
			c.log.Debug("reader close failed", "error", err)
		}

		if err := c.writer.Close(); err != nil {
			c.log.Debug("writer close failed", "error", err)
		}

		c.cancelAllInFlight()
		c.rejectPending(ErrConnectionDisposed)

		c.handlersMu.Lock()
		c.requestHandlers.clear()
		c.notificationHandlers.clear()
		c.requestFallback = nil
		c.notificationFallback = nil
		c.handlersMu.Unlock()

		c.progress.clear()

		c.closeOnce.Do(func() { close(c.done) })

		c.disposeEvent.fire(struct{}{})

		c.errorEvent.clear()
		c.closeEvent.clear()
		c.unhandledEvent.clear()
		c.disposeEvent.clear()
	})
}

// sendable rejects sends on closed or disposed connections.
func (c *Connection) sendable() error {
	switch c.State() {
	case StateClosed:
		return ErrConnectionClosed
	case StateDisposed:
		return ErrConnectionDisposed
	default:
		return nil
	}
}

// write serializes one message onto the writer. Holding writeMu across
// the trace call and the write keeps trace order equal to wire order.
func (c *Connection) write(ctx context.Context, msg *Message) error {
	c.writeMu.Lock()

	if c.writerClosed {
		c.writeMu.Unlock()

		return ErrWriterClosed
	}

	c.traceMessage(TraceSend, msg)
	err := c.writer.Write(ctx, msg)

	c.writeMu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A failing writer is a transport failure; the connection closes.
		c.log.Debug("write failed", "error", err)
		c.closeWithError(fmt.Errorf("write: %w", err))

		return err
	}

	return nil
}

// readLoop pumps the reader and dispatches inbound messages until the
// stream ends, fails, or the connection is disposed.
func (c *Connection) readLoop() {
	defer c.loopWg.Done()
	defer c.log.Debug("read loop stopped")

	for {
		msg, err := c.reader.Read(c.readCtx)
		if err != nil {
			var protoErr *ProtocolError

			switch {
			case errors.As(err, &protoErr):
				// Malformed message: surface and keep reading.
				c.fireError(protoErr, nil)

				continue
			case errors.Is(err, io.EOF):
				c.log.Debug("reader reached end of stream")
				c.closeWithError(nil)

				return
			case c.readCtx.Err() != nil:
				// Dispose path; teardown already ran.
				return
			default:
				c.closeWithError(fmt.Errorf("read: %w", err))

				return
			}
		}

		c.dispatch(msg)
	}
}

// dispatch classifies one inbound message and routes it.
func (c *Connection) dispatch(msg *Message) {
	c.traceMessage(TraceReceive, msg)

	switch msg.Kind() {
	case KindResponse:
		c.handleResponse(msg)
	case KindRequest:
		c.handleRequest(msg)
	case KindNotification:
		c.handleNotification(msg)
	default:
		c.fireError(&ProtocolError{Err: errors.New("message is neither request, response, nor notification")}, msg)
	}
}

// handleResponse claims the matching pending request and settles it.
// Responses with no matching entry are logged and dropped.
func (c *Connection) handleResponse(msg *Message) {
	c.pendingMu.Lock()

	pr, exists := c.pending[msg.ID]
	if exists {
		delete(c.pending, msg.ID)
	}

	c.pendingMu.Unlock()

	if !exists {
		c.log.Debug("response with unknown id dropped", "id", msg.ID)

		return
	}

	// The channel is buffered and the entry was claimed above, so this
	// never blocks and never delivers twice.
	pr.ch <- pendingResult{msg: msg}
}

// handleRequest resolves the handler for an inbound request and runs it
// on its own goroutine, so slow handlers never stall dispatch and
// responses may be written out of request-arrival order.
func (c *Connection) handleRequest(msg *Message) {
	c.handlersMu.Lock()
	handler, exact := c.requestHandlers.lookup(msg.Method)
	fallback := c.requestFallback
	c.handlersMu.Unlock()

	if !exact && fallback == nil {
		c.log.Debug("request for unregistered method", "id", msg.ID, "method", msg.Method)
		c.writeResponse(NewErrorResponse(msg.ID, NewResponseError(CodeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method))))

		return
	}

	opCtx, cancel := context.WithCancel(c.readCtx)
	op := &inFlightRequest{id: msg.ID, method: msg.Method, cancel: cancel, startTime: time.Now()}

	c.inFlightMu.Lock()
	c.inFlight[msg.ID] = op
	c.inFlightMu.Unlock()

	c.handlerWg.Add(1)

	go func() {
		defer c.handlerWg.Done()
		defer func() {
			c.inFlightMu.Lock()
			op.completed = true
			delete(c.inFlight, msg.ID)
			c.inFlightMu.Unlock()

			cancel()
		}()

		var (
			result any
			err    error
		)

		if exact {
			result, err = invokeRequestHandler(opCtx, func(ctx context.Context) (any, error) {
				return handler(ctx, msg.Params)
			})
		} else {
			result, err = invokeRequestHandler(opCtx, func(ctx context.Context) (any, error) {
				return fallback.handler(ctx, msg.Method, msg.Params)
			})
		}

		if opCtx.Err() != nil && c.State() == StateDisposed {
			// Nothing left to write to.
			return
		}

		if errors.Is(opCtx.Err(), context.Canceled) {
			c.log.Debug("handler cancelled", "id", msg.ID, "method", msg.Method)
			c.writeResponse(NewErrorResponse(msg.ID, NewResponseError(CodeRequestCancelled, "request cancelled")))

			return
		}

		if err != nil {
			var respErr *ResponseError
			if !errors.As(err, &respErr) {
				respErr = NewResponseError(CodeInternalError, err.Error())
			}

			c.log.Debug("handler returned error", "id", msg.ID, "method", msg.Method, "code", respErr.Code)
			c.writeResponse(NewErrorResponse(msg.ID, respErr))

			return
		}

		rawResult, marshalErr := marshalResult(result)
		if marshalErr != nil {
			c.writeResponse(NewErrorResponse(msg.ID, NewResponseError(CodeInternalError, fmt.Sprintf("marshal result: %v", marshalErr))))

			return
		}

		c.writeResponse(NewResponse(msg.ID, rawResult))
	}()
}

// invokeRequestHandler runs a handler, converting a panic into an
// internal error so one faulty handler cannot take down the connection.
func invokeRequestHandler(ctx context.Context, invoke func(ctx context.Context) (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewResponseError(CodeInternalError, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	return invoke(ctx)
}

// writeResponse writes a handler's response. Failures surface through the
// error event; they do not affect other requests.
func (c *Connection) writeResponse(msg *Message) {
	if err := c.write(context.Background(), msg); err != nil {
		c.log.Debug("failed to write response", "id", msg.ID, "error", err)
		c.fireError(fmt.Errorf("write response for %s: %w", msg.ID, err), msg)
	}
}

// handleNotification routes an inbound notification: reserved methods
// first, then the method-keyed registry, then the fallback, and finally
// the unhandled-notification event. Handlers run synchronously on the
// dispatch goroutine, preserving arrival order.
func (c *Connection) handleNotification(msg *Message) {
	switch msg.Method {
	case MethodCancelRequest:
		c.handleCancelNotification(msg.Params)

		return
	case MethodProgress:
		c.progress.dispatch(msg.Params)

		return
	}

	c.handlersMu.Lock()
	handler, exact := c.notificationHandlers.lookup(msg.Method)
	fallback := c.notificationFallback
	c.handlersMu.Unlock()

	switch {
	case exact:
		invokeNotificationHandler(c.log, msg, func() { handler(msg.Params) })
	case fallback != nil:
		invokeNotificationHandler(c.log, msg, func() { fallback.handler(msg.Method, msg.Params) })
	default:
		c.log.Debug("unhandled notification", "method", msg.Method)
		c.unhandledEvent.fire(msg)
	}
}

// invokeNotificationHandler isolates notification handler panics.
func invokeNotificationHandler(log *slog.Logger, msg *Message, invoke func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("notification handler panicked", "method", msg.Method, "panic", r)
		}
	}()

	invoke()
}

// fireError surfaces a non-fatal or fatal error through the error event.
func (c *Connection) fireError(err error, msg *Message) {
	c.log.Debug("connection error", "error", err)
	c.errorEvent.fire(ErrorEvent{Err: err, Message: msg})
}

// closeWithError transitions to Closed, rejects all pending requests, and
// fires the error (when err is non-nil) and close events. A connection
// that is already closed or disposed is left alone.
func (c *Connection) closeWithError(err error) {
	c.stateMu.Lock()

	if c.state == StateClosed || c.state == StateDisposed {
		c.stateMu.Unlock()

		return
	}

	c.state = StateClosed
	c.stateMu.Unlock()

	if err != nil {
		c.fireError(err, nil)
	}

	c.rejectPending(ErrConnectionClosed)

	c.closeOnce.Do(func() { close(c.done) })

	c.log.Debug("connection closed", "error", err)
	c.closeEvent.fire(struct{}{})
}

// rejectPending settles every outstanding request with err.
func (c *Connection) rejectPending(err error) {
	c.pendingMu.Lock()
	entries := c.pending
	c.pending = make(map[ID]*pendingRequest)
	c.pendingMu.Unlock()

	for _, pr := range entries {
		pr.ch <- pendingResult{err: err}
	}
}

// marshalParams prepares outbound params: nil passes through untouched,
// raw JSON is used as-is, anything else is marshalled.
func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(params)
	}
}

// marshalResult prepares a handler result for the response message.
func marshalResult(result any) (json.RawMessage, error) {
	switch r := result.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return r, nil
	default:
		return json.Marshal(result)
	}
}
