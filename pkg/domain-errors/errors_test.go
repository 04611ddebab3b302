package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasCode(t *testing.T) {
	t.Run("matches outer code", func(t *testing.T) {
		err := New(CodeProtocol, "select failed")
		assert.True(t, HasCode(err, CodeProtocol))
		assert.False(t, HasCode(err, CodeTransport))
	})

	t.Run("matches inner code through fmt wrapping", func(t *testing.T) {
		inner := New(CodeTransport, "reader gone")
		outer := Wrap(fmt.Errorf("connect: %w", inner), CodeInternal, "session aborted")
		assert.True(t, HasCode(outer, CodeInternal))
		assert.True(t, HasCode(outer, CodeTransport))
	})

	t.Run("plain error has no code", func(t *testing.T) {
		assert.False(t, HasCode(errors.New("boom"), CodeInternal))
		assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	})
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, CodeInternal, "ignored"))

	cause := errors.New("short read")
	err := Wrap(cause, CodeDecode, "photo")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "photo: short read", err.Error())
	assert.True(t, Is(err))
}

func TestToHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, ToHTTPStatus(CodeUnauthorized))
	assert.Equal(t, http.StatusTooManyRequests, ToHTTPStatus(CodeRateLimited))
	assert.Equal(t, http.StatusForbidden, ToHTTPStatus(CodeForbidden))
	assert.Equal(t, http.StatusInternalServerError, ToHTTPStatus(CodeEncryptionConfig))
}
