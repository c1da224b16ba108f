package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain error", err: errors.New("boom"), want: KindInternal},
		{name: "typed", err: New(KindConflict, "dup"), want: KindConflict},
		{name: "wrapped typed", err: fmt.Errorf("link: %w", New(KindNotFound, "no code")), want: KindNotFound},
		{name: "typed with cause", err: Wrap(KindUpstreamFailure, "db down", context.DeadlineExceeded), want: KindUpstreamFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorIsAndUnwrap(t *testing.T) {
	err := Wrap(KindUpstreamFailure, "ledger unavailable", context.DeadlineExceeded)

	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, errors.Is(err, New(KindUpstreamFailure, "")))
	assert.False(t, errors.Is(err, New(KindConflict, "")))
	assert.Equal(t, "ledger unavailable: context deadline exceeded", err.Error())
}

func TestMessageHidesInternalDetails(t *testing.T) {
	assert.Equal(t, "code not found", Message(New(KindNotFound, "code not found")))
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), Message(errors.New("pq: relation missing")))
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), Message(Wrap(KindInternal, "secret detail", nil)))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(KindUnauthorized))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(KindForbidden))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindConflict))
	assert.Equal(t, http.StatusPaymentRequired, HTTPStatus(KindInsufficientBalance))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(KindUpstreamFailure))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(KindRateLimited))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindInternal))
}

func TestBodyOf(t *testing.T) {
	b := BodyOf(New(KindConflict, "order already uploaded"))
	assert.Equal(t, KindConflict, b.Error.Kind)
	assert.Equal(t, "order already uploaded", b.Error.Message)

	b = BodyOf(errors.New("dial tcp: refused"))
	assert.Equal(t, KindInternal, b.Error.Kind)
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), b.Error.Message)
}
