package metadata

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIPFromRequest(t *testing.T) {
	t.Run("forwarded chain uses first hop", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("X-Forwarded-For", "10.0.0.7, 172.16.0.1")
		assert.Equal(t, "10.0.0.7", ClientIPFromRequest(r))
	})

	t.Run("real ip header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("X-Real-IP", " 10.0.0.8 ")
		assert.Equal(t, "10.0.0.8", ClientIPFromRequest(r))
	})

	t.Run("remote addr ipv6", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.RemoteAddr = "[::1]:51234"
		assert.Equal(t, "::1", ClientIPFromRequest(r))
	})
}

func TestClientMetadata(t *testing.T) {
	var gotIP, gotUA, gotOrigin string
	h := ClientMetadata(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotIP = GetClientIP(r.Context())
		gotUA = GetUserAgent(r.Context())
		gotOrigin = GetOrigin(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "127.0.0.1:40000"
	r.Header.Set("User-Agent", "kiosk/1.0")
	r.Header.Set("Origin", "http://localhost:3000")
	h.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, "127.0.0.1", gotIP)
	assert.Equal(t, "kiosk/1.0", gotUA)
	assert.Equal(t, "http://localhost:3000", gotOrigin)
}
