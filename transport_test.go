package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(body string) string {
	return fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
}

func TestStreamTransport_RoundTrip(t *testing.T) {
	var buf bytes.Buffer

	writer := NewStreamMessageWriter(&buf)
	require.NoError(t, writer.Write(context.Background(), NewRequest(NewIntID(1), "add", json.RawMessage(`{"a":2,"b":3}`))))
	require.NoError(t, writer.Write(context.Background(), NewNotification("ping", nil)))

	reader := NewStreamMessageReader(&buf)

	first, err := reader.Read(context.Background())
	require.NoError(t, err)
	assert.True(t, first.IsRequest())
	assert.Equal(t, "add", first.Method)
	assert.Equal(t, NewIntID(1), first.ID)
	assert.JSONEq(t, `{"a":2,"b":3}`, string(first.Params))

	second, err := reader.Read(context.Background())
	require.NoError(t, err)
	assert.True(t, second.IsNotification())
	assert.Equal(t, "ping", second.Method)

	_, err = reader.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamReader_BadBodyIsRecoverable(t *testing.T) {
	input := frame(`{not json`) + frame(`{"jsonrpc":"2.0","method":"after"}`)
	reader := NewStreamMessageReader(strings.NewReader(input))

	_, err := reader.Read(context.Background())

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)

	// The bad body was consumed in full, so the next frame decodes fine.
	msg, err := reader.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "after", msg.Method)
}

func TestStreamReader_HeaderErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing content length", "Content-Type: application/json\r\n\r\n{}"},
		{"malformed header line", "garbage without a colon\r\n\r\n"},
		{"negative length", "Content-Length: -5\r\n\r\n"},
		{"non-numeric length", "Content-Length: lots\r\n\r\n"},
		{"oversized length", "Content-Length: 999999999999\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := NewStreamMessageReader(strings.NewReader(tt.input))

			_, err := reader.Read(context.Background())
			require.Error(t, err)

			var protoErr *ProtocolError
			assert.False(t, errors.As(err, &protoErr), "header corruption must be fatal, not a ProtocolError")
		})
	}
}

func TestStreamReader_ToleratesExtraHeaders(t *testing.T) {
	body := `{"jsonrpc":"2.0","method":"m"}`
	input := fmt.Sprintf("Content-Type: application/vscode-jsonrpc; charset=utf-8\r\ncontent-length: %d\r\n\r\n%s", len(body), body)

	reader := NewStreamMessageReader(strings.NewReader(input))

	msg, err := reader.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m", msg.Method)
}

func TestStreamReader_TruncatedBody(t *testing.T) {
	reader := NewStreamMessageReader(strings.NewReader("Content-Length: 100\r\n\r\n{}"))

	_, err := reader.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestPipe_RoundTrip(t *testing.T) {
	a, b := NewPipe()

	require.NoError(t, a.Write(context.Background(), NewNotification("hello", nil)))

	msg, err := b.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Method)
}

func TestPipe_CloseSignalsEOFAfterDrain(t *testing.T) {
	a, b := NewPipe()

	require.NoError(t, a.Write(context.Background(), NewNotification("last", nil)))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	msg, err := b.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "last", msg.Method)

	_, err = b.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	assert.Error(t, a.Write(context.Background(), NewNotification("late", nil)))
}

func TestPipe_ReadHonorsContext(t *testing.T) {
	_, b := NewPipe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
