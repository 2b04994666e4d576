package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes defined by JSON-RPC 2.0 plus the connection-protocol
// extensions used for cancellation.
const (
	// CodeParseError indicates the peer sent unparseable JSON.
	CodeParseError int64 = -32700
	// CodeInvalidRequest indicates a structurally invalid message.
	CodeInvalidRequest int64 = -32600
	// CodeMethodNotFound indicates a request for an unregistered method.
	CodeMethodNotFound int64 = -32601
	// CodeInvalidParams indicates params that do not decode into the
	// handler's parameter type.
	CodeInvalidParams int64 = -32602
	// CodeInternalError indicates a handler failure.
	CodeInternalError int64 = -32603

	// CodeRequestCancelled is replied for a request whose handler was
	// cancelled via a cancellation notification.
	CodeRequestCancelled int64 = -32800
	// CodeContentModified indicates a result that became invalid before it
	// could be delivered.
	CodeContentModified int64 = -32801
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrConnectionClosed indicates the underlying stream ended or failed.
	// Pending requests are rejected with it when the connection closes.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrConnectionDisposed indicates the connection was disposed.
	ErrConnectionDisposed = errors.New("connection disposed")

	// ErrAlreadyListening indicates Listen was called twice.
	ErrAlreadyListening = errors.New("connection already listening")

	// ErrWriterClosed indicates the writer side was shut down via End.
	ErrWriterClosed = errors.New("writer side closed")
)

// ResponseError is the JSON-RPC error object carried by error responses.
// It doubles as a Go error so handler code can return one directly and
// callers of SendRequest can inspect the code with errors.As.
type ResponseError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewResponseError builds a ResponseError without attached data.
func NewResponseError(code int64, message string) *ResponseError {
	return &ResponseError{Code: code, Message: message}
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("jsonrpc: %s (code %d)", e.Message, e.Code)
}

// IsRequestCancelled reports whether err is a peer response carrying the
// request-cancelled code, so callers can special-case cancelled requests.
func IsRequestCancelled(err error) bool {
	var respErr *ResponseError

	return errors.As(err, &respErr) && respErr.Code == CodeRequestCancelled
}

// ProtocolError indicates a message that arrived but could not be used:
// unparseable JSON or an invalid field combination. Protocol errors are
// surfaced through the error event and the message is dropped; they never
// close the connection.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ProcessError indicates a server child process exited abnormally.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("server process failed (exit %d): %v", e.ExitCode, e.Err)
	}

	return fmt.Sprintf("server process failed (exit %d): %s", e.ExitCode, e.Stderr)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Compile-time verification of the error implementations.
var (
	_ error = (*ResponseError)(nil)
	_ error = (*ProtocolError)(nil)
	_ error = (*ProcessError)(nil)
)
