// Package apierr defines the proxy's error kinds as a single coded error
// type, translated to an HTTP status and {"error": "..."} body at the
// HTTP edge (the router's /registry handler and the proxy engine).
package apierr

import (
	"fmt"
	"net/http"
)

// Kind classifies an error for transport translation.
type Kind string

const (
	NotFound                    Kind = "not-found"
	BadRequest                  Kind = "bad-request"
	PermissionDenied            Kind = "permission-denied"
	ProxyAuthenticationRequired Kind = "proxy-authentication-required"
	Conflict                    Kind = "conflict"
	Unprocessable               Kind = "unprocessable"
	ServiceUnavailable          Kind = "service-unavailable"
	UpstreamFailure             Kind = "upstream-failure"
	Internal                    Kind = "internal"
)

// httpStatus maps each Kind to the HTTP status the root router emits.
var httpStatus = map[Kind]int{
	NotFound:                    http.StatusNotFound,
	BadRequest:                  http.StatusBadRequest,
	PermissionDenied:            http.StatusForbidden,
	ProxyAuthenticationRequired: http.StatusProxyAuthRequired,
	Conflict:                    http.StatusConflict,
	Unprocessable:               http.StatusUnprocessableEntity,
	ServiceUnavailable:          http.StatusServiceUnavailable,
	UpstreamFailure:             http.StatusBadGateway,
	Internal:                    http.StatusInternalServerError,
}

// State is an out-of-band marker distinguishing sub-cases of a Kind,
// e.g. "token_expired" within BadRequest.
type State string

const (
	NoState      State = ""
	TokenExpired State = "token_expired"
)

// CodedError is the error type every component in this repo returns
// instead of an ad-hoc error string, so that transport translation is
// left to the HTTP edge: the router's writeError for /registry and the
// proxy Engine's writeError for /proxy/.
type CodedError struct {
	Kind    Kind
	State   State
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CodedError) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code this error's Kind maps to.
func (e *CodedError) HTTPStatus() int {
	if code, ok := httpStatus[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// New builds a CodedError with no cause.
func New(kind Kind, msg string) *CodedError {
	return &CodedError{Kind: kind, Message: msg}
}

// Wrap builds a CodedError around an existing error.
func Wrap(kind Kind, msg string, cause error) *CodedError {
	return &CodedError{Kind: kind, Message: msg, Cause: cause}
}

// WithState attaches a State marker (e.g. TokenExpired) and returns e.
func (e *CodedError) WithState(s State) *CodedError {
	e.State = s
	return e
}

// As reports whether err is (or wraps) a *CodedError, returning it.
func As(err error) (*CodedError, bool) {
	ce, ok := err.(*CodedError)
	if ok {
		return ce, true
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return As(u.Unwrap())
	}
	return nil, false
}
