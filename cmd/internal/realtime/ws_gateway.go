package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "beacon/shared/contracts/notify/v1"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// Subprotocol is the only WebSocket subprotocol the gateway accepts.
const Subprotocol = "beacon.notify.v1"

const (
	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 10 * time.Minute
	wsDefaultPingInterval = 25 * time.Second
	wsDefaultPingTimeout  = 5 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsDefaultFrameRate  = 10
	wsDefaultFrameBurst = 20

	wsMaxPingFailures = 3
)

// GatewayConfig controls the WebSocket transport.
type GatewayConfig struct {
	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	// AllowedOrigins is the origin allowlist ("*" allows any origin).
	AllowedOrigins []string
	// DevInsecure disables websocket.Accept's own origin verification. Dev only.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	PingInterval    time.Duration
	PingTimeout     time.Duration

	// FrameRate and FrameBurst bound inbound frames per connection (token bucket).
	FrameRate  float64
	FrameBurst int
}

// DefaultGatewayConfig returns secure defaults: Origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:  true,
		AllowedOrigins:  []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:    wsDefaultWriteTimeout,
		ReadIdleTimeout: wsDefaultReadIdle,
		PingInterval:    wsDefaultPingInterval,
		PingTimeout:     wsDefaultPingTimeout,
		FrameRate:       wsDefaultFrameRate,
		FrameBurst:      wsDefaultFrameBurst,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.FrameRate <= 0 {
		c.FrameRate = d.FrameRate
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = d.FrameBurst
	}
	return c
}

// WSGateway is the WebSocket entrypoint for Beacon notifications.
//
// It enforces origin policy, authentication, subprotocol selection and inbound
// frame limits, registers the connection with the Hub and routes decoded frames
// to the ProtocolHandler.
type WSGateway struct {
	log  *slog.Logger
	hub  *Hub
	auth Authenticator
	cfg  GatewayConfig

	// Derived for websocket.Accept origin checks.
	originPatterns []string
}

// NewWSGateway constructs a gateway. auth must not be nil.
func NewWSGateway(log *slog.Logger, hub *Hub, auth Authenticator, cfg GatewayConfig) *WSGateway {
	log = orDefaultLogger(log)
	if hub == nil {
		hub = NewHub(log, HubConfig{}, nil, nil)
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		hub:            hub,
		auth:           auth,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the connection loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if g.auth == nil {
		g.log.Error("ws.reject.auth", "err", "no authenticator configured")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	subject, err := g.auth.Authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := ws.Subprotocol(); sp != Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	ws.SetReadLimit(maxFrameBytes)

	conn, err := g.hub.Connect(subject)
	if err != nil {
		g.log.Error("ws.register.fail", "subject", subject, "err", err)
		_ = ws.Close(websocket.StatusInternalError, "register failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. Unregistering closes conn, which stops the writer and heartbeat goroutines.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Disconnect(conn.ID)
			_ = ws.Close(code, reason)
			cancel()
		})
	}

	g.send(conn, g.hub.NewEnvelope(v1.TypeConnected, v1.ConnectedPayload{ConnectionID: conn.ID, Subject: conn.Subject}))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				// Pruned by the dispatcher or evicted by the heartbeat sweep.
				shutdown(websocket.StatusGoingAway, "connection closed")
				return
			case env := <-conn.Outbound():
				if err := writeEnvelope(ctx, ws, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "connection_id", conn.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)

		t := time.NewTicker(g.cfg.PingInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case <-t.C:
				pctx, pcancel := context.WithTimeout(ctx, g.cfg.PingTimeout)
				err := ws.Ping(pctx)
				pcancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "connection_id", conn.ID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "ping failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(g.cfg.FrameRate), g.cfg.FrameBurst)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, ws)
		readCancel()

		badJSON := false
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				badJSON = true
			default:
				g.log.Info("ws.read.fail", "connection_id", conn.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		// Every received frame counts against the budget, malformed ones included.
		if !limiter.Allow() {
			g.log.Warn("ws.frame.rate_limited", "connection_id", conn.ID, "subject", conn.Subject)
			// Written directly so the error precedes the close frame.
			errEnv := g.hub.NewEnvelope(v1.TypeError, v1.ErrorPayload{Code: CodeRateLimited, Message: "too many frames"})
			if err := writeEnvelope(ctx, ws, errEnv, g.cfg.WriteTimeout); err != nil {
				g.log.Info("ws.write.fail", "connection_id", conn.ID, "type", errEnv.Type, "err", err)
			}
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if badJSON {
			g.sendError(conn, CodeBadJSON, "invalid JSON")
			continue readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(conn, CodeBadEnvelope, err.Error())
			continue readLoop
		}

		frame, err := v1.DecodeFrame(env)
		if err != nil {
			g.sendError(conn, CodeBadPayload, err.Error())
			continue readLoop
		}

		if err := g.hub.Handle(ctx, conn, frame); err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				shutdown(websocket.StatusGoingAway, "connection closed")
				break readLoop
			}
			g.log.Error("ws.handle.fail", "connection_id", conn.ID, "type", frame.FrameType(), "err", err)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-pingDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- send helpers ----

func (g *WSGateway) send(conn *Connection, env v1.Envelope) {
	if err := conn.TrySend(env); err != nil {
		g.log.Debug("ws.enqueue.drop", "connection_id", conn.ID, "type", env.Type, "err", err)
	}
}

func (g *WSGateway) sendError(conn *Connection, code, msg string) {
	g.send(conn, g.hub.NewEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}))
}

// ---- envelope IO ----

var errBadJSON = errors.New("bad json")

func readEnvelope(ctx context.Context, ws *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := ws.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, ws *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into websocket.Accept host patterns so both layers agree.
// "*" maps to the "*" pattern.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			seen["*"] = struct{}{}
			continue
		}
		if h := originHostOnly(a); h != "" {
			seen[h] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
