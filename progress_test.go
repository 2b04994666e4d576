package jsonrpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func progressNotification(t *testing.T, token ProgressToken, value string) *Message {
	t.Helper()

	params, err := json.Marshal(progressParams{Token: token, Value: json.RawMessage(value)})
	require.NoError(t, err)

	return NewNotification(MethodProgress, params)
}

func TestProgress_RoutedByToken(t *testing.T) {
	conn, peer := newTestConn(t)

	t1 := make(chan string, 4)
	conn.OnProgress(NewStringID("T1"), func(value json.RawMessage) { t1 <- string(value) })

	writeMessage(t, peer, progressNotification(t, NewStringID("T2"), `"not for t1"`))
	writeMessage(t, peer, progressNotification(t, NewStringID("T1"), `"first"`))
	writeMessage(t, peer, progressNotification(t, NewStringID("T1"), `"second"`))

	assert.JSONEq(t, `"first"`, <-t1)
	assert.JSONEq(t, `"second"`, <-t1)

	select {
	case v := <-t1:
		t.Fatalf("received value for another token: %s", v)
	default:
	}
}

func TestProgress_NumericAndStringTokensAreDistinct(t *testing.T) {
	conn, peer := newTestConn(t)

	numeric := make(chan string, 1)
	conn.OnProgress(NewIntID(1), func(value json.RawMessage) { numeric <- string(value) })

	// Token "1" (string) is not token 1 (number).
	writeMessage(t, peer, progressNotification(t, NewStringID("1"), `"string token"`))
	writeMessage(t, peer, progressNotification(t, NewIntID(1), `"numeric token"`))

	assert.JSONEq(t, `"numeric token"`, <-numeric)

	select {
	case v := <-numeric:
		t.Fatalf("string token leaked into numeric stream: %s", v)
	default:
	}
}

func TestProgress_DisposalStopsDelivery(t *testing.T) {
	conn, peer := newTestConn(t)

	values := make(chan string, 2)
	dispose := conn.OnProgress(NewStringID("T1"), func(value json.RawMessage) { values <- string(value) })

	writeMessage(t, peer, progressNotification(t, NewStringID("T1"), `1`))
	assert.Equal(t, "1", <-values)

	dispose.Dispose()

	writeMessage(t, peer, progressNotification(t, NewStringID("T1"), `2`))

	// Synchronize on an unrelated round trip, then verify nothing arrived.
	require.NoError(t, conn.SendNotification(context.Background(), "marker", nil))
	readMessage(t, peer)

	select {
	case v := <-values:
		t.Fatalf("value delivered after disposal: %s", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProgress_LastRegistrationWins(t *testing.T) {
	conn, peer := newTestConn(t)

	first := make(chan string, 1)
	second := make(chan string, 1)

	conn.OnProgress(NewStringID("T1"), func(value json.RawMessage) { first <- string(value) })
	conn.OnProgress(NewStringID("T1"), func(value json.RawMessage) { second <- string(value) })

	writeMessage(t, peer, progressNotification(t, NewStringID("T1"), `42`))

	assert.Equal(t, "42", <-second)

	select {
	case <-first:
		t.Fatal("replaced handler still receiving")
	default:
	}
}

func TestProgress_UnknownTokenDropped(t *testing.T) {
	conn, peer := newTestConn(t)

	writeMessage(t, peer, progressNotification(t, NewStringID("nobody"), `1`))

	// The connection survives and keeps dispatching.
	require.NoError(t, conn.SendNotification(context.Background(), "marker", nil))
	assert.Equal(t, "marker", readMessage(t, peer).Method)
}

func TestSendProgress_WireShape(t *testing.T) {
	conn, peer := newTestConn(t)

	token := NewStringID("job-1")
	require.NoError(t, conn.SendProgress(context.Background(), token, map[string]int{"percent": 50}))

	msg := readMessage(t, peer)
	require.True(t, msg.IsNotification())
	assert.Equal(t, MethodProgress, msg.Method)

	var params progressParams
	require.NoError(t, json.Unmarshal(msg.Params, &params))
	assert.Equal(t, token, params.Token)
	assert.JSONEq(t, `{"percent":50}`, string(params.Value))
}

func TestNewProgressToken_Unique(t *testing.T) {
	a := NewProgressToken()
	b := NewProgressToken()

	assert.True(t, a.IsValid())
	assert.NotEqual(t, a, b)
}
