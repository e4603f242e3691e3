// Package errors provides standardized error codes for the host application.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (validation, session, transport, auth)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by API clients for programmatic
// error handling. Human-readable messages are provided alongside codes.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error codes by domain.
// These are stable identifiers that API clients can rely on for error handling.
const (
	// Validation domain - malformed caller input, never retried
	CodeIdentityInvalid  = "validation.identity_invalid"  // Missing or malformed identity
	CodeRecipientMissing = "validation.recipient_missing" // Send without a recipient
	CodeContentMissing   = "validation.content_missing"   // Send without content
	CodeBodyInvalid      = "validation.body_invalid"      // Request body could not be decoded

	// Session domain - operation not valid for the current lifecycle state
	CodeSessionNotConnected = "session.not_connected" // Send while state != CONNECTED
	CodeSessionLimitReached = "session.limit_reached" // Registry is full

	// Transport domain - failures reported by the transport collaborator
	CodeTransportTransient        = "transport.transient"         // Connection dropped, will be retried
	CodeTransportRetriesExhausted = "transport.retries_exhausted" // Reconnection bound exceeded
	CodeTransportOpenFailed       = "transport.open_failed"       // Could not open a transport handle
	CodeTransportSendFailed       = "transport.send_failed"       // Underlying send failed
	CodeTransportLoggedOut        = "transport.logged_out"        // Remote side ended the pairing

	// Pairing domain
	CodePairingRenderFailed = "pairing.render_failed" // Challenge could not be turned into an artifact

	// Auth domain - credential rejection and API access
	CodeAuthRejected = "auth.rejected" // Transport rejected the stored credentials
	CodeAuthRequired = "auth.required" // API bearer token missing
	CodeAuthInvalid  = "auth.invalid"  // API bearer token does not match

	// Rate limiting
	CodeRateLimited = "request.rate_limited" // Too many requests

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// Kind groups error codes by how callers should react to them.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindPrecondition Kind = "precondition"
	KindTransient    Kind = "transient"
	KindTerminalAuth Kind = "terminal_auth"
	KindInternal     Kind = "internal"
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "session.not_connected")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// KindOf classifies an error code.
// Unrecognized codes are treated as internal errors.
func KindOf(code string) Kind {
	switch code {
	case CodeIdentityInvalid, CodeRecipientMissing, CodeContentMissing, CodeBodyInvalid:
		return KindValidation
	case CodeSessionNotConnected, CodeSessionLimitReached, CodeRateLimited, CodeAuthRequired, CodeAuthInvalid:
		return KindPrecondition
	case CodeTransportTransient, CodeTransportRetriesExhausted, CodeTransportOpenFailed:
		return KindTransient
	case CodeAuthRejected, CodeTransportLoggedOut:
		return KindTerminalAuth
	default:
		return KindInternal
	}
}

// KindOfError classifies an error by its code.
func KindOfError(err error) Kind {
	return KindOf(GetCode(err))
}

// HTTPStatus maps an error to the status code returned by the HTTP surface.
func HTTPStatus(err error) int {
	code := GetCode(err)
	switch code {
	case CodeAuthRequired, CodeAuthInvalid:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTransportSendFailed:
		return http.StatusBadGateway
	}

	switch KindOf(code) {
	case KindValidation:
		return http.StatusBadRequest
	case KindPrecondition:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindTerminalAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Response is the JSON body of every error returned by the HTTP surface.
type Response struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// WriteJSON writes err as a Response with the status from HTTPStatus.
func WriteJSON(w http.ResponseWriter, err error) {
	code, msg := ToCodeAndMessage(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err))
	json.NewEncoder(w).Encode(Response{ErrorCode: code, Message: msg})
}

// Common error constructors for frequently used error types.

// IdentityInvalid creates a "validation.identity_invalid" error.
func IdentityInvalid(reason string) *CodedError {
	return New(CodeIdentityInvalid, fmt.Sprintf("invalid identity: %s", reason))
}

// RecipientMissing creates a "validation.recipient_missing" error.
func RecipientMissing() *CodedError {
	return New(CodeRecipientMissing, "recipient is required")
}

// ContentMissing creates a "validation.content_missing" error.
func ContentMissing() *CodedError {
	return New(CodeContentMissing, "message content is required")
}

// BodyInvalid creates a "validation.body_invalid" error.
func BodyInvalid(cause error) *CodedError {
	return Wrap(CodeBodyInvalid, "invalid JSON body", cause)
}

// NotConnected creates a "session.not_connected" error naming the current state.
func NotConnected(identity, state string) *CodedError {
	return New(CodeSessionNotConnected, fmt.Sprintf("session %s is %s, not CONNECTED", identity, state))
}

// LimitReached creates a "session.limit_reached" error.
func LimitReached(max int) *CodedError {
	return New(CodeSessionLimitReached, fmt.Sprintf("maximum number of sessions reached (%d)", max))
}

// Transient creates a "transport.transient" error.
func Transient(detail string) *CodedError {
	msg := "transport connection dropped"
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, detail)
	}
	return New(CodeTransportTransient, msg)
}

// RetriesExhausted creates a "transport.retries_exhausted" error.
func RetriesExhausted(attempts int) *CodedError {
	return New(CodeTransportRetriesExhausted, fmt.Sprintf("gave up reconnecting after %d attempts", attempts))
}

// OpenFailed creates a "transport.open_failed" error.
func OpenFailed(cause error) *CodedError {
	return Wrap(CodeTransportOpenFailed, "failed to open transport", cause)
}

// SendFailed creates a "transport.send_failed" error.
func SendFailed(cause error) *CodedError {
	return Wrap(CodeTransportSendFailed, "failed to send message", cause)
}

// LoggedOut creates a "transport.logged_out" error.
func LoggedOut(detail string) *CodedError {
	msg := "session was logged out"
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, detail)
	}
	return New(CodeTransportLoggedOut, msg)
}

// RenderFailed creates a "pairing.render_failed" error.
func RenderFailed(cause error) *CodedError {
	return Wrap(CodePairingRenderFailed, "failed to render pairing artifact", cause)
}

// AuthRejected creates an "auth.rejected" error.
// The stored credentials are gone; the caller must start a fresh session.
func AuthRejected(detail string) *CodedError {
	msg := "credentials rejected, start a new session to pair again"
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, detail)
	}
	return New(CodeAuthRejected, msg)
}

// AuthRequired creates an "auth.required" error.
func AuthRequired() *CodedError {
	return New(CodeAuthRequired, "missing bearer token")
}

// AuthInvalid creates an "auth.invalid" error.
func AuthInvalid() *CodedError {
	return New(CodeAuthInvalid, "invalid bearer token")
}

// RateLimited creates a "request.rate_limited" error.
func RateLimited() *CodedError {
	return New(CodeRateLimited, "too many requests, try again later")
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
