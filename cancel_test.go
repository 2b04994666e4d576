package jsonrpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboundCancel_SendsOneNotificationAndStillSettles(t *testing.T) {
	conn, peer := newTestConn(t)

	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan error, 1)

	go func() {
		_, err := conn.SendRequest(ctx, "slow", nil)
		result <- err
	}()

	req := readMessage(t, peer)
	require.Equal(t, "slow", req.Method)

	// Trigger the token before the peer responds.
	cancel()

	cancelMsg := readMessage(t, peer)
	require.Equal(t, MethodCancelRequest, cancelMsg.Method)
	assert.True(t, cancelMsg.IsNotification())

	var params cancelParams
	require.NoError(t, json.Unmarshal(cancelMsg.Params, &params))
	assert.Equal(t, req.ID, params.ID)

	// The call is still pending: it settles only with the peer's reply.
	select {
	case err := <-result:
		t.Fatalf("request settled before the peer replied: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	writeMessage(t, peer, NewErrorResponse(req.ID, NewResponseError(CodeRequestCancelled, "request cancelled")))

	err := <-result
	assert.True(t, IsRequestCancelled(err), "expected request-cancelled rejection, got %v", err)

	// Exactly one cancel notification was written: the next outbound
	// message is a fresh notification, not a second $/cancelRequest.
	require.NoError(t, conn.SendNotification(context.Background(), "marker", nil))
	assert.Equal(t, "marker", readMessage(t, peer).Method)
}

func TestInboundCancel_CancelsRunningHandler(t *testing.T) {
	conn, peer := newTestConn(t)

	started := make(chan struct{})
	cancelled := make(chan struct{})

	conn.OnRequest("long", func(ctx context.Context, _ json.RawMessage) (any, error) {
		close(started)

		select {
		case <-ctx.Done():
			close(cancelled)

			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "finished", nil
		}
	})

	writeMessage(t, peer, NewRequest(NewIntID(1), "long", nil))

	<-started

	params, err := json.Marshal(cancelParams{ID: NewIntID(1)})
	require.NoError(t, err)
	writeMessage(t, peer, NewNotification(MethodCancelRequest, params))

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context was not cancelled")
	}

	resp := readMessage(t, peer)
	require.True(t, resp.IsResponse())
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeRequestCancelled, resp.Error.Code)
}

func TestInboundCancel_AfterCompletionIsNoOp(t *testing.T) {
	conn, peer := newTestConn(t)

	conn.OnRequest("quick", func(_ context.Context, _ json.RawMessage) (any, error) {
		return "done", nil
	})

	writeMessage(t, peer, NewRequest(NewIntID(1), "quick", nil))

	resp := readMessage(t, peer)
	require.Nil(t, resp.Error)

	// The handler has completed; a late cancellation changes nothing.
	params, err := json.Marshal(cancelParams{ID: NewIntID(1)})
	require.NoError(t, err)
	writeMessage(t, peer, NewNotification(MethodCancelRequest, params))

	// The connection stays healthy and writes nothing in reaction.
	require.NoError(t, conn.SendNotification(context.Background(), "marker", nil))
	assert.Equal(t, "marker", readMessage(t, peer).Method)
}

func TestInboundCancel_UnknownIDIsNoOp(t *testing.T) {
	conn, peer := newTestConn(t)

	params, err := json.Marshal(cancelParams{ID: NewIntID(404)})
	require.NoError(t, err)
	writeMessage(t, peer, NewNotification(MethodCancelRequest, params))

	require.NoError(t, conn.SendNotification(context.Background(), "marker", nil))
	assert.Equal(t, "marker", readMessage(t, peer).Method)
}

func TestDispose_CancelsInFlightHandlers(t *testing.T) {
	conn, peer := newTestConn(t)

	started := make(chan struct{})
	cancelled := make(chan struct{})

	conn.OnRequest("long", func(ctx context.Context, _ json.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)

		return nil, ctx.Err()
	})

	writeMessage(t, peer, NewRequest(NewIntID(1), "long", nil))

	<-started

	conn.Dispose()

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler not cancelled on dispose")
	}
}
