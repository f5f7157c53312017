package syncerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusRoundTrip(t *testing.T) {
	classes := []error{ErrUnauthorized, ErrConflict, ErrPrecondition, ErrNotFound, ErrInvalidArgument, ErrTransient}
	for _, class := range classes {
		wrapped := fmt.Errorf("append failed: %w", class)
		code := HTTPStatus(wrapped)
		back := FromHTTPStatus(code, wrapped.Error())
		assert.True(t, errors.Is(back, class), "class %v lost through status %d", class, code)
	}
}

func TestHTTPStatus_Unknown(t *testing.T) {
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestFromHTTPStatus_TransientCodes(t *testing.T) {
	assert.True(t, Retriable(FromHTTPStatus(http.StatusBadGateway, "")))
	assert.True(t, Retriable(FromHTTPStatus(http.StatusTooManyRequests, "slow down")))
	assert.False(t, Retriable(FromHTTPStatus(http.StatusForbidden, "")))
	assert.Error(t, FromHTTPStatus(http.StatusTeapot, "teapot"))
}
