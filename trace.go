package jsonrpc

import (
	"log/slog"
	"sync"
)

// TraceLevel controls how much of the message traffic reaches the tracer.
type TraceLevel int

const (
	// TraceOff disables tracing.
	TraceOff TraceLevel = iota
	// TraceMessages traces message kinds, methods, and IDs.
	TraceMessages
	// TraceVerbose additionally includes params, results, and errors.
	TraceVerbose
)

// String returns the level name.
func (l TraceLevel) String() string {
	switch l {
	case TraceMessages:
		return "messages"
	case TraceVerbose:
		return "verbose"
	default:
		return "off"
	}
}

// TraceDirection tells whether a traced message was sent or received.
type TraceDirection string

const (
	// TraceSend marks outbound messages.
	TraceSend TraceDirection = "send"
	// TraceReceive marks inbound messages.
	TraceReceive TraceDirection = "receive"
)

// TraceEntry describes one traced message. Payload carries the params of a
// request or notification, or the result of a response, and is only
// populated at TraceVerbose.
type TraceEntry struct {
	Direction TraceDirection
	Kind      MessageKind
	Method    string
	ID        ID
	Payload   []byte
	Error     *ResponseError
}

// Tracer receives an entry for every message the connection sends or
// receives while tracing is enabled. Tracing never alters message content
// or ordering, and a panicking tracer is isolated from the connection.
type Tracer interface {
	Trace(entry TraceEntry)
}

// TracerFunc adapts a function to the Tracer interface.
type TracerFunc func(entry TraceEntry)

// Trace implements Tracer.
func (f TracerFunc) Trace(entry TraceEntry) { f(entry) }

// NewSlogTracer returns a Tracer that writes entries to log at debug
// level.
func NewSlogTracer(log *slog.Logger) Tracer {
	return TracerFunc(func(entry TraceEntry) {
		attrs := []any{
			"direction", string(entry.Direction),
			"kind", entry.Kind.String(),
		}

		if entry.Method != "" {
			attrs = append(attrs, "method", entry.Method)
		}

		if entry.ID.IsValid() {
			attrs = append(attrs, "id", entry.ID)
		}

		if entry.Payload != nil {
			attrs = append(attrs, "payload", string(entry.Payload))
		}

		if entry.Error != nil {
			attrs = append(attrs, "error", entry.Error.Error())
		}

		log.Debug("trace", attrs...)
	})
}

// traceState holds the connection's current tracer configuration.
type traceState struct {
	mu     sync.Mutex
	level  TraceLevel
	tracer Tracer
}

func (t *traceState) set(level TraceLevel, tracer Tracer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.level = level
	t.tracer = tracer
}

func (t *traceState) get() (TraceLevel, Tracer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.level, t.tracer
}

// SetTrace configures tracing. TraceOff or a nil tracer disables it.
func (c *Connection) SetTrace(level TraceLevel, tracer Tracer) {
	c.trace.set(level, tracer)
}

// traceMessage reports one message to the tracer, if any. Tracer panics
// are swallowed so a faulty sink cannot break the connection.
func (c *Connection) traceMessage(direction TraceDirection, msg *Message) {
	level, tracer := c.trace.get()
	if level == TraceOff || tracer == nil {
		return
	}

	entry := TraceEntry{
		Direction: direction,
		Kind:      msg.Kind(),
		Method:    msg.Method,
		ID:        msg.ID,
		Error:     msg.Error,
	}

	if level == TraceVerbose {
		if msg.Params != nil {
			entry.Payload = msg.Params
		} else if msg.Result != nil {
			entry.Payload = msg.Result
		}
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("tracer panicked", "panic", r)
		}
	}()

	tracer.Trace(entry)
}
