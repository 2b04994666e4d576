package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// MethodProgress is the reserved notification method carrying incremental
// progress updates. All progress streams share this one method; routing is
// by token, not by method name.
const MethodProgress = "$/progress"

// ProgressToken identifies one progress stream. Tokens share the
// string-or-number wire shape of request IDs but live in an independent
// namespace chosen by the caller.
type ProgressToken = ID

// NewProgressToken returns a fresh, collision-free string token.
func NewProgressToken() ProgressToken {
	return NewStringID(uuid.NewString())
}

// ProgressHandler receives the values of one progress stream.
type ProgressHandler func(value json.RawMessage)

// progressParams is the payload of a progress notification.
type progressParams struct {
	Token ProgressToken   `json:"token"`
	Value json.RawMessage `json:"value"`
}

// progressRouter demultiplexes progress notifications by token. At most
// one handler is active per token; registering again replaces the previous
// handler. Values for tokens nobody registered are dropped.
type progressRouter struct {
	mu      sync.Mutex
	byToken map[ProgressToken]*registration[ProgressHandler]
	log     *slog.Logger
}

func newProgressRouter(log *slog.Logger) *progressRouter {
	return &progressRouter{
		byToken: make(map[ProgressToken]*registration[ProgressHandler], 8),
		log:     log,
	}
}

func (r *progressRouter) register(token ProgressToken, handler ProgressHandler) Disposable {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := &registration[ProgressHandler]{handler: handler}
	r.byToken[token] = reg

	return newDisposable(func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.byToken[token] == reg {
			delete(r.byToken, token)
		}
	})
}

// dispatch routes one decoded progress payload. The handler runs outside
// the router lock so it may register or dispose handlers itself.
func (r *progressRouter) dispatch(raw json.RawMessage) {
	var params progressParams
	if err := json.Unmarshal(raw, &params); err != nil || !params.Token.IsValid() {
		r.log.Debug("progress notification with unusable params")

		return
	}

	r.mu.Lock()
	reg, ok := r.byToken[params.Token]
	r.mu.Unlock()

	if !ok {
		r.log.Debug("progress for unknown token dropped", "token", params.Token)

		return
	}

	reg.handler(params.Value)
}

func (r *progressRouter) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.byToken)
}

// OnProgress registers a handler for one progress token. Registering a
// second handler for the same token replaces the first. The returned
// Disposable stops delivery; disposing twice is a no-op.
func (c *Connection) OnProgress(token ProgressToken, handler ProgressHandler) Disposable {
	return c.progress.register(token, handler)
}

// SendProgress sends one progress value for the given token. The value is
// marshalled as the notification's payload.
func (c *Connection) SendProgress(ctx context.Context, token ProgressToken, value any) error {
	rawValue, err := marshalParams(value)
	if err != nil {
		return fmt.Errorf("marshal progress value: %w", err)
	}

	params, err := json.Marshal(progressParams{Token: token, Value: rawValue})
	if err != nil {
		return fmt.Errorf("marshal progress params: %w", err)
	}

	if err := c.sendable(); err != nil {
		return err
	}

	return c.write(ctx, NewNotification(MethodProgress, params))
}
