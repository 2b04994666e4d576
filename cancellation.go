package jsonrpc

import (
	"context"
	"encoding/json"
	"time"
)

// MethodCancelRequest is the reserved notification method conveying the ID
// of a request the sender no longer wants answered. Cancellation is
// advisory: the receiver still replies to the original request, typically
// with a request-cancelled error.
const MethodCancelRequest = "$/cancelRequest"

// cancelParams is the payload of a cancellation notification.
type cancelParams struct {
	ID ID `json:"id"`
}

// inFlightRequest tracks an inbound request whose handler is running, so a
// later cancellation notification can reach it. The completed flag closes
// the race between cancellation and natural completion: once set, a cancel
// notification for the ID is a no-op.
type inFlightRequest struct {
	id        ID
	method    string
	cancel    context.CancelFunc
	startTime time.Time
	completed bool
}

// sendCancelNotification writes a best-effort cancellation notification
// for an outbound request. The pending entry stays registered: the peer is
// expected to still reply, and that reply settles the call.
func (c *Connection) sendCancelNotification(id ID) {
	params, err := json.Marshal(cancelParams{ID: id})
	if err != nil {
		return
	}

	// The caller's context is already done, so the write gets a fresh one.
	if err := c.write(context.Background(), NewNotification(MethodCancelRequest, params)); err != nil {
		c.log.Debug("failed to send cancel notification", "id", id, "error", err)

		return
	}

	c.log.Debug("sent cancel notification", "id", id)
}

// handleCancelNotification reacts to an inbound $/cancelRequest. If the
// target handler is still running its context is cancelled; if it already
// completed, or was never seen, nothing happens.
func (c *Connection) handleCancelNotification(raw json.RawMessage) {
	var params cancelParams
	if err := json.Unmarshal(raw, &params); err != nil || !params.ID.IsValid() {
		c.log.Debug("cancel notification with unusable params")

		return
	}

	c.inFlightMu.Lock()
	op, exists := c.inFlight[params.ID]

	alreadyCompleted := exists && op.completed
	if exists && !alreadyCompleted {
		op.cancel()
	}
	c.inFlightMu.Unlock()

	c.log.Debug("cancel notification processed",
		"id", params.ID,
		"found", exists,
		"already_completed", alreadyCompleted,
	)
}

// cancelAllInFlight cancels every running handler. Called on dispose.
func (c *Connection) cancelAllInFlight() {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()

	for _, op := range c.inFlight {
		if !op.completed {
			op.cancel()
		}
	}
}
