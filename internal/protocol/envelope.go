// Package protocol defines the JSON-RPC envelope exchanged with the tool
// server and with push-channel clients, plus newline framing helpers.
//
// Outbound envelopes always carry "jsonrpc":"2.0". Inbound ones may state the
// version under "jsonrpc", under the legacy "version" key, or not at all.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Version is the JSON-RPC protocol version stamped on every outbound envelope.
const Version = mcp.JSONRPC_VERSION

// Kind classifies an envelope.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k Kind) String() string {
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

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so a tool server error can be
// returned to callers unchanged.
func (e *RPCError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// Envelope is one JSON-RPC request, response or notification. Params and
// Result are kept opaque.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *mcp.RequestId  `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// UnmarshalJSON accepts the protocol version under either "jsonrpc" or the
// older "version" key.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type plain Envelope
	var aux struct {
		plain
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = Envelope(aux.plain)
	if e.JSONRPC == "" {
		e.JSONRPC = aux.Version
	}
	return nil
}

// NewRequest builds a request envelope with a string id.
func NewRequest(id, method string, params json.RawMessage) *Envelope {
	rid := mcp.NewRequestId(id)
	return &Envelope{JSONRPC: Version, ID: &rid, Method: method, Params: params}
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params json.RawMessage) *Envelope {
	return &Envelope{JSONRPC: Version, Method: method, Params: params}
}

// NewResult builds a success response for id.
func NewResult(id *mcp.RequestId, result json.RawMessage) *Envelope {
	if result == nil {
		result = json.RawMessage("null")
	}
	return &Envelope{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds an error response for id. id may be nil when the
// request could not be parsed far enough to recover it.
func NewErrorResponse(id *mcp.RequestId, code int, message string) *Envelope {
	return &Envelope{JSONRPC: Version, ID: id, Error: &RPCError{Code: code, Message: message}}
}

// HasID reports whether the envelope carries a non-null id.
func (e *Envelope) HasID() bool {
	return e.ID != nil && !e.ID.IsNil()
}

// Key returns the correlation key for the envelope's id, or "" if it has none.
func (e *Envelope) Key() string {
	if !e.HasID() {
		return ""
	}
	return IDKey(*e.ID)
}

// IDKey returns a map key for a request id that keeps string and numeric ids
// distinct.
func IDKey(id mcp.RequestId) string {
	return id.String()
}

// Kind classifies the envelope by which members are present.
func (e *Envelope) Kind() Kind {
	switch {
	case e.Method != "" && e.HasID():
		if e.Result != nil || e.Error != nil {
			return KindInvalid
		}
		return KindRequest
	case e.Method != "":
		if e.Result != nil || e.Error != nil {
			return KindInvalid
		}
		return KindNotification
	case e.HasID():
		if (e.Result != nil) == (e.Error != nil) {
			return KindInvalid
		}
		return KindResponse
	default:
		return KindInvalid
	}
}

// Validate checks the envelope shape.
func (e *Envelope) Validate() error {
	if e.JSONRPC != Version {
		return fmt.Errorf("unsupported jsonrpc version %q", e.JSONRPC)
	}
	if e.Kind() == KindInvalid {
		return fmt.Errorf("envelope is neither a request, a response nor a notification")
	}
	return nil
}

// Parse decodes and validates a single envelope. An envelope without a
// version key is taken to be the current version.
func Parse(data []byte) (*Envelope, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	// Some tool servers omit the version altogether; a stated version must
	// still be ours.
	if env.JSONRPC == "" {
		env.JSONRPC = Version
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Marshal serializes an envelope.
func Marshal(env *Envelope) ([]byte, error) {
	if env.JSONRPC == "" {
		env.JSONRPC = Version
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope: %w", err)
	}
	return data, nil
}

// MarshalLine serializes an envelope as one newline-terminated line.
// encoding/json escapes control characters, so the result never contains an
// embedded newline.
func MarshalLine(env *Envelope) ([]byte, error) {
	data, err := Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
