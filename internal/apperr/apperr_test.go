// SPDX-License-Identifier: MIT

package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassOf(t *testing.T) {
	err := Validationf("user_idea too short")
	assert.Equal(t, ClassValidation, ClassOf(err))

	wrapped := fmt.Errorf("handler: %w", err)
	assert.Equal(t, ClassValidation, ClassOf(wrapped))

	assert.Equal(t, ClassInternal, ClassOf(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{CircuitOpen("generation", time.Second), true},
		{Timeout("job deadline"), true},
		{Upstream("download", errors.New("exit status 1")), true},
		{PermanentUpstream("download", "login required"), false},
		{Validationf("bad url"), false},
		{AccessDenied("blocked"), false},
		{QuotaExceeded("hourly quota", time.Minute), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Retryable(tc.err), "%v", tc.err)
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Validationf("x")))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(AccessDenied("x")))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(QuotaExceeded("x", time.Minute)))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(Unavailable(errors.New("redis down"), "quota store")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestRetryAfterOf(t *testing.T) {
	d, ok := RetryAfterOf(QuotaExceeded("quota", 90*time.Second))
	assert.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	_, ok = RetryAfterOf(Validationf("x"))
	assert.False(t, ok)
}
