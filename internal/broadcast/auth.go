package broadcast

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	dErrors "cardreader/pkg/domain-errors"
)

const (
	MethodAPIKey    = "api_key"
	MethodToken     = "token"
	MethodAnonymous = "anonymous"
)

// AuthConfig selects how subscribers prove who they are. API keys may be
// stored plain or as bcrypt hashes ("$2a$...").
type AuthConfig struct {
	Enabled     bool
	APIKeys     []string
	TokenSecret string
}

// Principal is the authenticated identity of a subscriber.
type Principal struct {
	Method  string
	Subject string
}

type Authenticator struct {
	enabled bool
	plain   [][]byte
	hashed  [][]byte
	secret  []byte
}

// NewAuthenticator fails when authentication is enabled with nothing to
// authenticate against.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{enabled: cfg.Enabled, secret: []byte(cfg.TokenSecret)}
	if !cfg.Enabled {
		logger.Warn("subscriber authentication disabled; any local client can read card data")
		return a, nil
	}
	for _, k := range cfg.APIKeys {
		k = strings.TrimSpace(k)
		switch {
		case k == "":
		case strings.HasPrefix(k, "$2"):
			a.hashed = append(a.hashed, []byte(k))
		default:
			a.plain = append(a.plain, []byte(k))
		}
	}
	if len(a.plain) == 0 && len(a.hashed) == 0 && len(a.secret) == 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "authentication enabled but no api keys or token secret configured")
	}
	return a, nil
}

// Enabled reports whether credentials are checked.
func (a *Authenticator) Enabled() bool { return a.enabled }

// Authenticate checks the request's credential. Failures are CodeUnauthorized.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	if !a.enabled {
		return Principal{Method: MethodAnonymous}, nil
	}
	cred, fromToken := credential(r)
	if cred == "" {
		return Principal{}, dErrors.New(dErrors.CodeUnauthorized, "missing credential")
	}
	if len(a.secret) > 0 && (fromToken || strings.Count(cred, ".") == 2) {
		p, err := a.verifyToken(cred)
		if err == nil {
			return p, nil
		}
		if fromToken {
			return Principal{}, dErrors.Wrap(err, dErrors.CodeUnauthorized, "invalid token")
		}
	}
	if a.matchAPIKey(cred) {
		return Principal{Method: MethodAPIKey, Subject: keyFingerprint(cred)}, nil
	}
	return Principal{}, dErrors.New(dErrors.CodeUnauthorized, "invalid credential")
}

// IssueToken signs an HS256 subscriber token.
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	return IssueToken(a.secret, subject, ttl)
}

func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", dErrors.New(dErrors.CodeBadRequest, "token secret not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (a *Authenticator) verifyToken(raw string) (Principal, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, err
	}
	return Principal{Method: MethodToken, Subject: claims.Subject}, nil
}

// matchAPIKey compares against every configured key so timing does not
// reveal which one matched.
func (a *Authenticator) matchAPIKey(cred string) bool {
	c := []byte(cred)
	matched := 0
	for _, k := range a.plain {
		matched |= subtle.ConstantTimeCompare(k, c)
	}
	for _, h := range a.hashed {
		if bcrypt.CompareHashAndPassword(h, c) == nil {
			matched = 1
		}
	}
	return matched == 1
}

// credential extracts the presented secret. fromToken is true when the
// caller explicitly presented a bearer or token value.
func credential(r *http.Request) (cred string, fromToken bool) {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k, false
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if v, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(v), strings.Count(v, ".") == 2
		}
	}
	q := r.URL.Query()
	if k := q.Get("api_key"); k != "" {
		return k, false
	}
	if t := q.Get("token"); t != "" {
		return t, true
	}
	return "", false
}

func keyFingerprint(key string) string {
	if len(key) <= 4 {
		return "key:****"
	}
	return "key:****" + key[len(key)-4:]
}
