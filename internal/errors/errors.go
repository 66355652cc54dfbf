// Package errors provides structured error types for the bridge.
//
// Every failure the bridge surfaces to a caller is a *BridgeError carrying a
// category (Type) and a stable Code. Callers match on categories with the
// standard library's errors.Is against the predefined Err* values, and the
// transport layer maps them to HTTP status codes and JSON-RPC error codes.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeSpawn      ErrorType = "spawn"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeSession    ErrorType = "session"
	ErrorTypeReconnect  ErrorType = "reconnect"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeProtocol   ErrorType = "protocol"
	ErrorTypeInternal   ErrorType = "internal"
)

// Error codes
const (
	CodeSpawnFailed          = "SPAWN_FAILED"
	CodeRequestTimeout       = "REQUEST_TIMEOUT"
	CodeConnectionLost       = "CONNECTION_LOST"
	CodeInvalidSession       = "INVALID_SESSION"
	CodeMaxReconnectAttempts = "MAX_RECONNECT_ATTEMPTS"
	CodeInvalidInput         = "INVALID_INPUT"
	CodeInvalidEnvelope      = "INVALID_ENVELOPE"
	CodeQueueFull            = "QUEUE_FULL"
	CodeDuplicateID          = "DUPLICATE_ID"
	CodeInternal             = "INTERNAL_ERROR"
)

// JSON-RPC error codes used for bridge failures, in the implementation-defined
// server error range.
const (
	RPCCodeTimeout        = -32001
	RPCCodeConnectionLost = -32002
	RPCCodeInvalidSession = -32003
	RPCCodeUnavailable    = -32004
	RPCCodeInvalidRequest = -32600
	RPCCodeInternal       = -32603
)

// BridgeError is the base error type for all bridge errors
type BridgeError struct {
	Type       ErrorType
	Code       string
	Message    string
	Underlying error
	Details    map[string]interface{}
	Timestamp  time.Time
}

// Error implements the error interface
func (e *BridgeError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Type, e.Code, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *BridgeError) Unwrap() error {
	return e.Underlying
}

// Is reports whether target is a BridgeError with the same type and code.
func (e *BridgeError) Is(target error) bool {
	if t, ok := target.(*BridgeError); ok {
		return e.Type == t.Type && e.Code == t.Code
	}
	return false
}

// WithDetails adds details to the error
func (e *BridgeError) WithDetails(key string, value interface{}) *BridgeError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(errorType ErrorType, code, message string, underlying error) *BridgeError {
	return &BridgeError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Underlying: underlying,
		Timestamp:  time.Now(),
	}
}

// SpawnError reports that the tool server process could not be started or
// died during warm-up.
func SpawnError(message string, underlying error) *BridgeError {
	return newError(ErrorTypeSpawn, CodeSpawnFailed, message, underlying)
}

// TimeoutError reports that no response arrived for id before its deadline.
func TimeoutError(id string, after time.Duration) *BridgeError {
	return newError(ErrorTypeTimeout, CodeRequestTimeout,
		fmt.Sprintf("no response for request %s within %s", id, after), nil).
		WithDetails("request_id", id)
}

// ConnectionLostError reports that the tool server went away while a request
// was outstanding.
func ConnectionLostError(reason string, underlying error) *BridgeError {
	return newError(ErrorTypeConnection, CodeConnectionLost, reason, underlying)
}

// InvalidSessionError reports an unknown or expired session id.
func InvalidSessionError(sessionID string) *BridgeError {
	msg := "session id is required"
	if sessionID != "" {
		msg = fmt.Sprintf("unknown or expired session %q", sessionID)
	}
	return newError(ErrorTypeSession, CodeInvalidSession, msg, nil).
		WithDetails("session_id", sessionID)
}

// MaxReconnectAttemptsError reports that the reconnect budget is exhausted.
func MaxReconnectAttemptsError(attempts int, underlying error) *BridgeError {
	return newError(ErrorTypeReconnect, CodeMaxReconnectAttempts,
		fmt.Sprintf("tool server unavailable after %d reconnect attempts", attempts), underlying).
		WithDetails("attempts", attempts)
}

// QueueFullError reports back-pressure: a bounded outbound buffer had no
// room for another message.
func QueueFullError(message string) *BridgeError {
	return newError(ErrorTypeConnection, CodeQueueFull, message, nil)
}

// ValidationError creates a validation error
func ValidationError(code, message string, underlying error) *BridgeError {
	return newError(ErrorTypeValidation, code, message, underlying)
}

// ProtocolError creates a protocol-related error
func ProtocolError(code, message string, underlying error) *BridgeError {
	return newError(ErrorTypeProtocol, code, message, underlying)
}

// InternalError creates an internal error
func InternalError(code, message string, underlying error) *BridgeError {
	return newError(ErrorTypeInternal, code, message, underlying)
}

// Predefined error instances, for matching with errors.Is.
var (
	ErrSpawn                = &BridgeError{Type: ErrorTypeSpawn, Code: CodeSpawnFailed, Message: "Tool server failed to start"}
	ErrTimeout              = &BridgeError{Type: ErrorTypeTimeout, Code: CodeRequestTimeout, Message: "Request timed out"}
	ErrConnectionLost       = &BridgeError{Type: ErrorTypeConnection, Code: CodeConnectionLost, Message: "Connection to tool server lost"}
	ErrInvalidSession       = &BridgeError{Type: ErrorTypeSession, Code: CodeInvalidSession, Message: "Invalid session"}
	ErrMaxReconnectAttempts = &BridgeError{Type: ErrorTypeReconnect, Code: CodeMaxReconnectAttempts, Message: "Reconnect attempts exhausted"}
	ErrQueueFull            = &BridgeError{Type: ErrorTypeConnection, Code: CodeQueueFull, Message: "Message queue is full"}
	ErrDuplicateID          = &BridgeError{Type: ErrorTypeProtocol, Code: CodeDuplicateID, Message: "Request id already outstanding"}
	ErrInvalidEnvelope      = &BridgeError{Type: ErrorTypeProtocol, Code: CodeInvalidEnvelope, Message: "Invalid JSON-RPC envelope"}
	ErrInvalidInput         = &BridgeError{Type: ErrorTypeValidation, Code: CodeInvalidInput, Message: "Invalid input"}
)

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if be, ok := As(err); ok {
		return be.Type == errorType
	}
	return false
}

// GetCode extracts the error code from an error
func GetCode(err error) string {
	if be, ok := As(err); ok {
		return be.Code
	}
	return CodeInternal
}

// As finds the first *BridgeError in err's chain.
func As(err error) (*BridgeError, bool) {
	var be *BridgeError
	if stderrors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// HTTPStatus maps an error to the status code the HTTP front end returns.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	be, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch be.Type {
	case ErrorTypeSession:
		return http.StatusUnauthorized
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeConnection, ErrorTypeSpawn, ErrorTypeReconnect:
		return http.StatusBadGateway
	case ErrorTypeValidation, ErrorTypeProtocol:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// RPCCode maps an error to a JSON-RPC error code for push-channel replies.
func RPCCode(err error) int {
	be, ok := As(err)
	if !ok {
		return RPCCodeInternal
	}
	switch be.Type {
	case ErrorTypeTimeout:
		return RPCCodeTimeout
	case ErrorTypeConnection:
		return RPCCodeConnectionLost
	case ErrorTypeSession:
		return RPCCodeInvalidSession
	case ErrorTypeSpawn, ErrorTypeReconnect:
		return RPCCodeUnavailable
	case ErrorTypeValidation, ErrorTypeProtocol:
		return RPCCodeInvalidRequest
	default:
		return RPCCodeInternal
	}
}

// LogAttrs returns slog attributes for the error
func (e *BridgeError) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("error_type", string(e.Type)),
		slog.String("error_code", e.Code),
		slog.String("error_message", e.Message),
	}
	if e.Underlying != nil {
		attrs = append(attrs, slog.String("underlying_error", e.Underlying.Error()))
	}
	for key, value := range e.Details {
		attrs = append(attrs, slog.Any("error_detail_"+key, value))
	}
	return attrs
}
