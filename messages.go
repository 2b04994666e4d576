package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC protocol version carried by every message.
const Version = "2.0"

// ID is a JSON-RPC request identifier. The wire format allows either a
// string or a number; ID round-trips both without loss. The zero ID is
// invalid and marshals to nothing, which is how notifications omit it.
//
// ID is comparable and usable as a map key.
type ID struct {
	str      string
	num      int64
	isString bool
	valid    bool
}

// NewIntID returns a numeric request ID.
func NewIntID(n int64) ID {
	return ID{num: n, valid: true}
}

// NewStringID returns a string request ID.
func NewStringID(s string) ID {
	return ID{str: s, isString: true, valid: true}
}

// IsValid reports whether the ID is present. Responses and requests carry
// valid IDs; notifications do not.
func (id ID) IsValid() bool { return id.valid }

// IsZero implements the encoding/json omitzero check.
func (id ID) IsZero() bool { return !id.valid }

// String renders the ID for logs and trace output.
func (id ID) String() string {
	switch {
	case !id.valid:
		return "<none>"
	case id.isString:
		return strconv.Quote(id.str)
	default:
		return strconv.FormatInt(id.num, 10)
	}
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if !id.valid {
		return []byte("null"), nil
	}

	if id.isString {
		return json.Marshal(id.str)
	}

	return json.Marshal(id.num)
}

// UnmarshalJSON implements json.Unmarshaler, accepting strings and numbers.
func (id *ID) UnmarshalJSON(data []byte) error {
	*id = ID{}

	if string(data) == "null" {
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("unmarshal id: %w", err)
		}

		*id = NewStringID(s)

		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("unmarshal id: %w", err)
	}

	*id = NewIntID(n)

	return nil
}

// MessageKind classifies a decoded message.
type MessageKind int

const (
	// KindInvalid marks a message that is none of the three variants.
	KindInvalid MessageKind = iota
	// KindRequest is a call expecting a response.
	KindRequest
	// KindNotification is fire-and-forget.
	KindNotification
	// KindResponse settles a previously sent request.
	KindResponse
)

// String returns the kind name used in logs and trace entries.
func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Message is the JSON-RPC 2.0 wire message, a tagged variant covering
// requests, responses, and notifications. Which fields are populated
// determines the kind:
//
//   - Request: ID, Method, and optionally Params
//   - Notification: Method and optionally Params, no ID
//   - Response: ID and either Result or Error, no Method
//
// Params and Result stay raw at this layer; decoding into concrete types
// happens in handler wrappers.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id,omitzero"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// NewRequest builds a request message.
func NewRequest(id ID, method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewNotification builds a notification message.
func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: Version, Method: method, Params: params}
}

// NewResponse builds a successful response for the given request ID.
// A nil result is sent as an explicit JSON null so the message still
// classifies as a response on the peer side.
func NewResponse(id ID, result json.RawMessage) *Message {
	if result == nil {
		result = json.RawMessage("null")
	}

	return &Message{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds an error response for the given request ID.
func NewErrorResponse(id ID, respErr *ResponseError) *Message {
	return &Message{JSONRPC: Version, ID: id, Error: respErr}
}

// Kind classifies the message. Messages that populate an impossible field
// combination (for example a method together with a result) are invalid.
func (m *Message) Kind() MessageKind {
	switch {
	case m.Method != "" && m.Result == nil && m.Error == nil:
		if m.ID.IsValid() {
			return KindRequest
		}

		return KindNotification
	case m.Method == "" && m.ID.IsValid() && (m.Result != nil || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// IsRequest reports whether the message is a request.
func (m *Message) IsRequest() bool { return m.Kind() == KindRequest }

// IsNotification reports whether the message is a notification.
func (m *Message) IsNotification() bool { return m.Kind() == KindNotification }

// IsResponse reports whether the message is a response.
func (m *Message) IsResponse() bool { return m.Kind() == KindResponse }
