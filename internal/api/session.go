package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	errs "github.com/patchbay-proxy/patchbay/internal/errors"
)

// sessionCookie carries the operator token between requests.
const sessionCookie = "patchbay_session"

// sessions issues and verifies operator tokens. A single shared password
// gates the dashboard; tokens are short-lived HMAC JWTs.
type sessions struct {
	secret   []byte
	password string
	ttl      time.Duration
}

func newSessions(secret, password string, ttl time.Duration) *sessions {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &sessions{secret: []byte(secret), password: password, ttl: ttl}
}

// login exchanges the operator password for a signed token.
func (s *sessions) login(password string) (string, time.Time, error) {
	if subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) != 1 {
		return "", time.Time{}, errs.ErrAuth
	}

	expires := time.Now().Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, expires, nil
}

// verify checks a token's signature and expiry.
func (s *sessions) verify(token string) error {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !parsed.Valid {
		return errs.ErrAuth
	}
	return nil
}

// authenticate checks the request's session token, read from the session
// cookie or a bearer header.
func (s *sessions) authenticate(r *http.Request) error {
	token := ""
	if c, err := r.Cookie(sessionCookie); err == nil {
		token = c.Value
	}
	if token == "" {
		const prefix = "Bearer "
		if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
			token = h[len(prefix):]
		}
	}
	if token == "" {
		return errs.ErrAuth
	}
	return s.verify(token)
}
