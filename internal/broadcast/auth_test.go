package broadcast

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/suite"
	"golang.org/x/crypto/bcrypt"

	dErrors "cardreader/pkg/domain-errors"
)

type AuthenticatorSuite struct {
	suite.Suite
	auth *Authenticator
}

func TestAuthenticatorSuite(t *testing.T) {
	suite.Run(t, new(AuthenticatorSuite))
}

func (s *AuthenticatorSuite) SetupTest() {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key-5678"), bcrypt.MinCost)
	s.Require().NoError(err)
	s.auth, err = NewAuthenticator(AuthConfig{
		Enabled:     true,
		APIKeys:     []string{"plain-key-1234", string(hash)},
		TokenSecret: "s3cret",
	}, nil)
	s.Require().NoError(err)
}

func (s *AuthenticatorSuite) request(mutate func(r *http.Request)) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	mutate(r)
	return r
}

func (s *AuthenticatorSuite) TestCredentialSources() {
	token, err := s.auth.IssueToken("kiosk-1", time.Minute)
	s.Require().NoError(err)

	cases := []struct {
		name    string
		mutate  func(r *http.Request)
		method  string
		subject string
	}{
		{"header api key", func(r *http.Request) { r.Header.Set("X-API-Key", "plain-key-1234") }, MethodAPIKey, "key:****1234"},
		{"bcrypt api key", func(r *http.Request) { r.Header.Set("X-API-Key", "hashed-key-5678") }, MethodAPIKey, "key:****5678"},
		{"bearer api key", func(r *http.Request) { r.Header.Set("Authorization", "Bearer plain-key-1234") }, MethodAPIKey, "key:****1234"},
		{"bearer token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, MethodToken, "kiosk-1"},
		{"query api key", func(r *http.Request) { r.URL.RawQuery = "api_key=plain-key-1234" }, MethodAPIKey, "key:****1234"},
		{"query token", func(r *http.Request) { r.URL.RawQuery = "token=" + token }, MethodToken, "kiosk-1"},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			p, err := s.auth.Authenticate(s.request(tc.mutate))
			s.Require().NoError(err)
			s.Equal(tc.method, p.Method)
			s.Equal(tc.subject, p.Subject)
		})
	}
}

func (s *AuthenticatorSuite) TestRejections() {
	expired, err := IssueToken([]byte("s3cret"), "kiosk-1", -time.Minute)
	s.Require().NoError(err)
	wrongKey, err := IssueToken([]byte("other"), "kiosk-1", time.Minute)
	s.Require().NoError(err)
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte("s3cret"))
	s.Require().NoError(err)

	cases := map[string]func(r *http.Request){
		"missing":           func(*http.Request) {},
		"wrong key":         func(r *http.Request) { r.Header.Set("X-API-Key", "nope") },
		"expired token":     func(r *http.Request) { r.URL.RawQuery = "token=" + expired },
		"foreign token":     func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+wrongKey) },
		"token without exp": func(r *http.Request) { r.URL.RawQuery = "token=" + noExp },
	}
	for name, mutate := range cases {
		s.Run(name, func() {
			_, err := s.auth.Authenticate(s.request(mutate))
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
		})
	}
}

func (s *AuthenticatorSuite) TestConfiguration() {
	s.Run("enabled without credentials is rejected", func() {
		_, err := NewAuthenticator(AuthConfig{Enabled: true}, nil)
		s.Error(err)
	})

	s.Run("disabled admits anonymously", func() {
		a, err := NewAuthenticator(AuthConfig{}, nil)
		s.Require().NoError(err)
		s.False(a.Enabled())
		p, err := a.Authenticate(httptest.NewRequest(http.MethodGet, "/ws", nil))
		s.Require().NoError(err)
		s.Equal(MethodAnonymous, p.Method)
	})
}
