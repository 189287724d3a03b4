package app

import (
	"testing"
	"time"

	"beacon/cmd/security/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignSubjectToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tok, err := signSubjectToken(AuthConfig{SubjectTokenKey: testTokenKey}, "alice", time.Hour, now)
	require.NoError(t, err)

	key, err := token.KeyFromString(testTokenKey)
	require.NoError(t, err)
	v, err := token.NewSubjectVerifier(key)
	require.NoError(t, err)

	subject, err := v.WithClock(func() time.Time { return now.Add(30 * time.Minute) }).Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", subject)

	_, err = v.WithClock(func() time.Time { return now.Add(2 * time.Hour) }).Verify(tok)
	assert.ErrorIs(t, err, token.ErrExpiredToken)
}

func TestSignSubjectToken_MissingKey(t *testing.T) {
	_, err := signSubjectToken(AuthConfig{}, "alice", time.Hour, time.Now())
	assert.ErrorIs(t, err, token.ErrHMACKeyMissing)
}

func TestIssueSubjectToken_FromEnv(t *testing.T) {
	t.Setenv("BEACON_AUTH_SUBJECT_TOKEN_KEY", testTokenKey)

	tok, err := IssueSubjectToken("", "bob", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
}
