package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
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
	for kind, status := range cases {
		err := New(kind, "boom")
		assert.Equal(t, status, err.HTTPStatus())
	}
}

func TestUnknownKindDefaultsToInternal(t *testing.T) {
	err := &CodedError{Kind: Kind("made-up")}
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus())
}

func TestWrapPreservesCauseAndUnwraps(t *testing.T) {
	cause := errors.New("underlying failure")
	err := Wrap(Internal, "wrapper message", cause)

	assert.Equal(t, "wrapper message: underlying failure", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestNewHasNoCause(t *testing.T) {
	err := New(BadRequest, "bad input")
	assert.Equal(t, "bad input", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestWithStateMutatesAndReturnsSelf(t *testing.T) {
	err := New(BadRequest, "expired").WithState(TokenExpired)
	assert.Equal(t, TokenExpired, err.State)
}

func TestAsFindsCodedErrorThroughWrapping(t *testing.T) {
	coded := New(Conflict, "conflict!")
	wrapped := fmt.Errorf("context: %w", coded)

	got, ok := As(wrapped)
	require.True(t, ok)
	assert.Same(t, coded, got)
}

func TestAsFailsForPlainError(t *testing.T) {
	_, ok := As(errors.New("plain"))
	assert.False(t, ok)
}
