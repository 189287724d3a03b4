package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MinKeyBytes is the minimum accepted HMAC key size.
const MinKeyBytes = 32

// QueryParam carries the token for clients that cannot set headers on a WebSocket upgrade.
const QueryParam = "token"

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// KeyFromString trims raw and enforces the minimum key size.
func KeyFromString(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if len(b) < MinKeyBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}

// SubjectVerifier signs and verifies subject tokens.
type SubjectVerifier struct {
	key []byte
	now func() time.Time
}

// NewSubjectVerifier constructs a verifier with key (see KeyFromString).
func NewSubjectVerifier(key []byte) (*SubjectVerifier, error) {
	if len(key) == 0 {
		return nil, ErrHMACKeyMissing
	}
	if len(key) < MinKeyBytes {
		return nil, ErrHMACKeyTooShort
	}
	return &SubjectVerifier{
		key: append([]byte(nil), key...),
		now: time.Now,
	}, nil
}

// WithClock returns a copy of v using now as its time source (tests).
func (v *SubjectVerifier) WithClock(now func() time.Time) *SubjectVerifier {
	cp := *v
	cp.now = now
	return &cp
}

// Sign issues a token for subject valid until expiresAt.
func (v *SubjectVerifier) Sign(subject string, expiresAt time.Time) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", ErrInvalidToken
	}
	exp := strconv.FormatInt(expiresAt.Unix(), 10)
	sig := HashHMACSHA256Hex(subject+"|"+exp, v.key)
	return base64.RawURLEncoding.EncodeToString([]byte(subject)) + "." + exp + "." + sig, nil
}

// Verify returns the subject bound to tok.
func (v *SubjectVerifier) Verify(tok string) (string, error) {
	parts := strings.Split(strings.TrimSpace(tok), ".")
	if len(parts) != 3 {
		return "", ErrInvalidToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(raw) == 0 {
		return "", ErrInvalidToken
	}
	subject := string(raw)

	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", ErrInvalidToken
	}

	want := HashHMACSHA256Hex(subject+"|"+parts[1], v.key)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(parts[2]))) {
		return "", ErrInvalidToken
	}
	if !v.now().Before(time.Unix(exp, 0)) {
		return "", ErrExpiredToken
	}
	return subject, nil
}

// Authenticate reads the token from "Authorization: Bearer" or the token query parameter.
func (v *SubjectVerifier) Authenticate(r *http.Request) (string, error) {
	tok := ""
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			tok = strings.TrimSpace(h[len(prefix):])
		}
	}
	if tok == "" {
		tok = strings.TrimSpace(r.URL.Query().Get(QueryParam))
	}
	if tok == "" {
		return "", ErrMissingToken
	}
	return v.Verify(tok)
}
