package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// RequestHandler serves an inbound request for one method. The context is
// cancelled if the peer sends a cancellation notification for the request;
// honoring it is cooperative. The returned value is marshalled into the
// response. Returning a *ResponseError sends that error verbatim; any
// other error becomes an internal-error response.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler serves an inbound notification for one method.
// Notifications never produce a response, so there is nothing to return.
type NotificationHandler func(params json.RawMessage)

// GenericRequestHandler is the catch-all request handler form, invoked
// with the method name for requests no method-keyed handler matches.
type GenericRequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// GenericNotificationHandler is the catch-all notification handler form.
type GenericNotificationHandler func(method string, params json.RawMessage)

// registration is the table entry for one registered handler. Entries are
// compared by pointer so that disposing a replaced registration does not
// remove its successor.
type registration[H any] struct {
	handler H
}

// handlerRegistry maps method names to handlers of one kind. Registration
// is last-wins: registering a second handler for a method replaces the
// first.
type handlerRegistry[H any] struct {
	byMethod map[string]*registration[H]
}

func newHandlerRegistry[H any]() *handlerRegistry[H] {
	return &handlerRegistry[H]{byMethod: make(map[string]*registration[H], 16)}
}

// register installs a handler and returns an undo func for the Disposable.
// The caller holds the connection's handler lock.
func (r *handlerRegistry[H]) register(method string, handler H) *registration[H] {
	reg := &registration[H]{handler: handler}
	r.byMethod[method] = reg

	return reg
}

func (r *handlerRegistry[H]) unregister(method string, reg *registration[H]) {
	if r.byMethod[method] == reg {
		delete(r.byMethod, method)
	}
}

// lookup resolves a method to its registered handler, if any.
func (r *handlerRegistry[H]) lookup(method string) (H, bool) {
	if reg, ok := r.byMethod[method]; ok {
		return reg.handler, true
	}

	var zero H

	return zero, false
}

func (r *handlerRegistry[H]) clear() {
	clear(r.byMethod)
}

// HandleRequest registers a typed one-argument request handler. Params are
// decoded into P before the handler runs; requests whose params do not
// decode are answered with an invalid-params error without invoking the
// handler.
func HandleRequest[P, R any](c *Connection, method string, handler func(ctx context.Context, params P) (R, error)) Disposable {
	return c.OnRequest(method, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, NewResponseError(CodeInvalidParams, fmt.Sprintf("invalid params for %q: %v", method, err))
			}
		}

		return handler(ctx, params)
	})
}

// HandleCall registers a typed zero-argument request handler for methods
// that take no params.
func HandleCall[R any](c *Connection, method string, handler func(ctx context.Context) (R, error)) Disposable {
	return c.OnRequest(method, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return handler(ctx)
	})
}

// HandleNotification registers a typed notification handler. Notifications
// whose params do not decode into P are dropped.
func HandleNotification[P any](c *Connection, method string, handler func(params P)) Disposable {
	return c.OnNotification(method, func(raw json.RawMessage) {
		var params P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &params); err != nil {
				return
			}
		}

		handler(params)
	})
}

// Call sends a typed request and decodes the result into R.
func Call[P, R any](ctx context.Context, c *Connection, method string, params P) (R, error) {
	var result R

	raw, err := c.SendRequest(ctx, method, params)
	if err != nil {
		return result, err
	}

	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &result); err != nil {
			return result, fmt.Errorf("decode %q result: %w", method, err)
		}
	}

	return result, nil
}
