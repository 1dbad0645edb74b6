package proxyerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a proxy failure. Every error that crosses a package
// boundary inside the daemon is one of these kinds; the transport layer maps
// them onto HTTP statuses and the OpenAI error envelope.
type Kind int

const (
	// InvalidRequest is a client-caused failure. Never retried.
	InvalidRequest Kind = iota
	// BackendUnavailable means the backend could not be reached at the
	// transport level. Surfaced immediately, never retried.
	BackendUnavailable
	// BackendTimeout means the request deadline elapsed while waiting on the
	// backend. Never retried.
	BackendTimeout
	// ContextExpired means the backend rejected a stale conversation
	// context. The orchestrator retries this exactly once with a fresh
	// context before surfacing it.
	ContextExpired
	// Upstream is a well-formed application error from the backend, passed
	// through with minimal reshaping.
	Upstream
	// Internal is an invariant violation inside the proxy. Always logged;
	// callers only ever see a generic message.
	Internal
)

func (k Kind) String() string {
	switch k {
	case InvalidRequest:
		return "invalid_request_error"
	case BackendUnavailable:
		return "backend_unavailable"
	case BackendTimeout:
		return "backend_timeout"
	case ContextExpired:
		return "context_expired"
	case Upstream:
		return "upstream_error"
	case Internal:
		return "internal_error"
	default:
		return "internal_error"
	}
}

// Error is the tagged error type carried through the orchestrator.
type Error struct {
	Kind    Kind
	Code    string // optional machine-readable code, e.g. backend error code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with the given kind and message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records err as its cause.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// WithCode attaches a machine-readable code and returns the error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// As extracts an *Error from err. Anything that is not already an *Error is
// treated as Internal so that the transport always has a renderable kind.
func As(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: Internal, Message: "internal proxy error", cause: err}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// HTTPStatus maps the error kind to the status the transport should return.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case InvalidRequest:
		return http.StatusBadRequest
	case BackendUnavailable:
		return http.StatusBadGateway
	case BackendTimeout:
		return http.StatusGatewayTimeout
	case ContextExpired:
		return http.StatusConflict
	case Upstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// envelope is the OpenAI-compatible error body. Clients written against the
// OpenAI API expect exactly this shape.
type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Envelope renders the error as the OpenAI error body. Internal errors are
// redacted to a generic message so bugs never leak detail to callers.
func (e *Error) Envelope() interface{} {
	msg := e.Message
	if e.Kind == Internal {
		msg = "internal proxy error"
	}
	return envelope{Error: envelopeBody{
		Type:    e.Kind.String(),
		Message: msg,
		Code:    e.Code,
	}}
}
