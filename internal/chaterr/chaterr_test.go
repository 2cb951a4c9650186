package chaterr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindStatusAndCode(t *testing.T) {
	tests := []struct {
		kind      Kind
		status    int
		code      string
		retryable bool
	}{
		{Validation, http.StatusBadRequest, "invalid_request", false},
		{RateLimited, http.StatusTooManyRequests, "rate_limited", true},
		{Timeout, http.StatusGatewayTimeout, "timeout", true},
		{Unavailable, http.StatusServiceUnavailable, "service_unavailable", true},
		{Rejected, http.StatusInternalServerError, "upstream_rejected", false},
		{Fatal, http.StatusInternalServerError, "internal_error", false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.status, tt.kind.Status())
			assert.Equal(t, tt.code, tt.kind.Code())
			assert.Equal(t, tt.retryable, tt.kind.Retryable())

			back, ok := KindFromCode(tt.code)
			require.True(t, ok)
			assert.Equal(t, tt.kind, back)
		})
	}
}

func TestKindFromCodeUnknown(t *testing.T) {
	k, ok := KindFromCode("teapot")
	assert.False(t, ok)
	assert.Equal(t, Fatal, k)
}

func TestKindFromStatus(t *testing.T) {
	assert.Equal(t, Validation, KindFromStatus(400))
	assert.Equal(t, RateLimited, KindFromStatus(429))
	assert.Equal(t, Unavailable, KindFromStatus(502))
	assert.Equal(t, Unavailable, KindFromStatus(503))
	assert.Equal(t, Timeout, KindFromStatus(504))
	assert.Equal(t, Fatal, KindFromStatus(500))
	assert.Equal(t, Fatal, KindFromStatus(418))
}

func TestKindOfWrapped(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("sending: %w", Wrap(Unavailable, "busy", cause))

	assert.Equal(t, Unavailable, KindOf(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, Fatal, KindOf(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}
