package app

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"beacon/cmd/security/token"
)

// RunArgs carries CLI overrides. Empty fields keep the configured values.
type RunArgs struct {
	ConfigFile string
	LogLevel   string
	LogFormat  string
}

// Run is the CLI entrypoint used by cmd/beacon.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run(args RunArgs) error {
	cfg, err := LoadConfig(args.ConfigFile)
	if err != nil {
		return err
	}
	cfg = args.apply(cfg)

	log := NewLogger(cfg.Log.Level, cfg.Log.Format)

	a, err := New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}

func (r RunArgs) apply(cfg Config) Config {
	if v := strings.TrimSpace(r.LogLevel); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(r.LogFormat); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	return cfg
}

// IssueSubjectToken signs a subject token with the configured auth.subject_token_key.
func IssueSubjectToken(configFile, subject string, ttl time.Duration) (string, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return "", err
	}
	return signSubjectToken(cfg.Auth, subject, ttl, time.Now())
}

func signSubjectToken(cfg AuthConfig, subject string, ttl time.Duration, now time.Time) (string, error) {
	key, err := token.KeyFromString(cfg.SubjectTokenKey)
	if err != nil {
		return "", fmt.Errorf("auth.subject_token_key: %w", err)
	}
	v, err := token.NewSubjectVerifier(key)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return v.Sign(subject, now.Add(ttl))
}
