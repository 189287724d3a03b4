// Package app wires the Beacon runtime: config, logging, HTTP routes, the notification hub and admission control.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"beacon/cmd/internal/ratelimit"
	"beacon/cmd/internal/realtime"
	"beacon/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

type dbStore struct {
	pool *pgxpool.Pool
}

func (s dbStore) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// notificationBackend is what the app needs from a notification store: the hub's state
// operations plus inserts for the producer hook.
type notificationBackend interface {
	realtime.NotificationStore
	realtime.NotificationWriter
}

// App is the Beacon runtime: it owns HTTP server wiring, the hub, the limiter and their backing resources.
type App struct {
	cfg Config
	log Logger

	store  Store
	dbPool *pgxpool.Pool
	rdb    *redis.Client

	metrics *prometheus.Registry

	notifications notificationBackend
	hub           *realtime.Hub
	limiter       *ratelimit.Limiter
	ws            *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.Log.Level, cfg.Log.Format)
	}
	ctx := context.Background()

	auth, err := newAuthenticator(cfg.Auth, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	st, dbPool, notifications, err := newStore(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}

	rdb, deliveries, err := newDeliveryLog(ctx, cfg.Redis, log)
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}

	hub := realtime.NewHub(log, realtime.HubConfig{
		SendQueueSize:          cfg.WS.SendQueueSize,
		HeartbeatTimeout:       cfg.Heartbeat.Timeout,
		HeartbeatSweepInterval: cfg.Heartbeat.SweepInterval,
	}, notifications, deliveries, realtime.WithMetrics(realtime.NewMetrics(reg)))

	limiter := ratelimit.New(log, ratelimit.Config{
		DefaultRequestsPerMinute: cfg.RateLimit.DefaultRequestsPerMinute,
		MaxFailedLogins:          cfg.RateLimit.MaxFailedLogins,
		LockoutDuration:          cfg.RateLimit.LockoutDuration,
		FingerprintBuckets:       cfg.RateLimit.FingerprintBuckets,
		CompactInterval:          cfg.RateLimit.CompactInterval,
	}, ratelimit.WithMetrics(ratelimit.NewMetrics(reg)))

	auth = lockoutAuthenticator{next: auth, limiter: limiter, trustProxy: cfg.RateLimit.TrustProxy, log: log}

	ws := realtime.NewWSGateway(log, hub, auth, realtime.GatewayConfig{
		OriginRequired:  cfg.WS.OriginRequired,
		AllowedOrigins:  cfg.WS.AllowedOrigins,
		DevInsecure:     cfg.WS.DevInsecure,
		WriteTimeout:    cfg.WS.WriteTimeout,
		ReadIdleTimeout: cfg.WS.ReadIdleTimeout,
		PingInterval:    cfg.WS.PingInterval,
		PingTimeout:     cfg.WS.PingTimeout,
		FrameRate:       cfg.WS.FrameRate,
		FrameBurst:      cfg.WS.FrameBurst,
	})

	return &App{
		cfg:           cfg,
		log:           log,
		store:         st,
		dbPool:        dbPool,
		rdb:           rdb,
		metrics:       reg,
		notifications: notifications,
		hub:           hub,
		limiter:       limiter,
		ws:            ws,
	}, nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)

	var h http.Handler = mux
	if a.cfg.RateLimit.Enabled {
		h = WithAdmissionControl(h, a.limiter, a.cfg.RateLimit.TrustProxy, a.log)
	}
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server and background loops and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.HTTP.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.HTTP.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.HTTP.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.HTTP.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.HTTP.MaxHeaderBytes, 1<<20),
	}

	bgCtx, stopBG := context.WithCancel(ctx)
	defer stopBG()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.hub.Run(bgCtx)
	}()
	go func() {
		defer wg.Done()
		a.limiter.Run(bgCtx)
	}()

	baseURL := runtimeBaseURL(a.cfg.HTTP.Addr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTP.Addr,
		"base_url", baseURL,
		"ws_url", wsBaseURL(baseURL)+"/ws",
		"db_enabled", a.dbPool != nil,
		"redis_enabled", a.rdb != nil,
		"ratelimit_enabled", a.cfg.RateLimit.Enabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			runErr = err
		}
	}

	stopBG()
	wg.Wait()
	a.Close(shutdownCtx)

	if runErr == nil {
		a.log.Info("server.stopped")
	}
	return runErr
}

// Close drops every connection and releases DB and Redis resources.
func (a *App) Close(ctx context.Context) {
	a.hub.Close()

	if err := a.store.Close(ctx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between the Postgres-backed notification store and the in-memory dev store.
func newStore(ctx context.Context, cfg DatabaseConfig, log Logger) (Store, *pgxpool.Pool, notificationBackend, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, realtime.NewInMemoryNotificationStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	// The app owns the pool; the store only borrows it.
	ns, err := realtime.NewPostgresNotificationStore(pool, realtime.WithSchema(cfg.Schema))
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	if cfg.EnsureSchema {
		if err := ns.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		log.Info("db.schema.ensured", "schema", cfg.Schema)
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.Schema)
	return dbStore{pool: pool}, pool, ns, nil
}

// newDeliveryLog selects the Redis delivery log when redis.addr is set, otherwise a no-op log.
func newDeliveryLog(ctx context.Context, cfg RedisConfig, log Logger) (*redis.Client, realtime.DeliveryLog, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		log.Info("redis.disabled.nop_delivery_log")
		return nil, realtime.NopDeliveryLog{}, nil
	}

	rdb, err := NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	log.Info("redis.enabled.delivery_log", "addr", cfg.Addr, "prefix", cfg.KeyPrefix)
	return rdb, realtime.NewRedisDeliveryLog(rdb,
		realtime.WithDeliveryPrefix(cfg.KeyPrefix),
		realtime.WithDeliveryTTL(cfg.DeliveryTTL),
	), nil
}

// newAuthenticator prefers signed subject tokens; the header authenticator is a dev fallback.
func newAuthenticator(cfg AuthConfig, log Logger) (realtime.Authenticator, error) {
	if strings.TrimSpace(cfg.SubjectTokenKey) != "" {
		key, err := token.KeyFromString(cfg.SubjectTokenKey)
		if err != nil {
			return nil, err
		}
		v, err := token.NewSubjectVerifier(key)
		if err != nil {
			return nil, err
		}
		log.Info("auth.subject_token.enabled")
		return v, nil
	}

	header := strings.TrimSpace(cfg.DevSubjectHeader)
	if header == "" {
		return nil, ErrNoAuthenticator
	}
	log.Warn("auth.dev_subject_header.enabled", "header", header)
	return realtime.HeaderAuthenticator{Header: header}, nil
}

// lockoutAuthenticator feeds authentication outcomes into the limiter's lockout tracker,
// keyed by client address. Admission control then rejects locked-out addresses before they reach auth again.
type lockoutAuthenticator struct {
	next       realtime.Authenticator
	limiter    *ratelimit.Limiter
	trustProxy bool
	log        Logger
}

func (a lockoutAuthenticator) Authenticate(r *http.Request) (string, error) {
	addr := clientAddress(r, a.trustProxy)

	subject, err := a.next.Authenticate(r)
	if err != nil {
		if a.limiter.RecordFailedLogin(addr) {
			a.log.Info("auth.fail.locked", "address", addr, "retry_after_s", a.limiter.RemainingLockoutSeconds(addr))
		}
		return "", err
	}
	a.limiter.RecordSuccessfulLogin(addr)
	return subject, nil
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	case strings.Contains(base, "://"):
		return base
	default:
		return "ws://" + base
	}
}
