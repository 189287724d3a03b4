// Package main provides a CI-friendly WebSocket smoke test for Beacon.
//
// It validates:
//   - handshake + subprotocol selection
//   - connected frame with connection id
//   - ping -> pong
//   - subscribe -> subscriptions
//   - POST /internal/notify -> notification on the target subject only
//   - mark_read -> ack
//   - broadcast with exclusion
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"beacon/cmd/security/token"
	v1 "beacon/shared/contracts/notify/v1"

	"github.com/coder/websocket"
	"github.com/urfave/cli/v2"
)

const (
	defaultSubprotocol = "beacon.notify.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeArgs struct {
	WSURL         string
	NotifyURL     string
	Origin        string
	SubjectHeader string
	TokenKey      string
	NotifyToken   string
	Timeout       time.Duration
	Verbose       bool
}

type smokeClient struct {
	name         string
	subject      string
	conn         *websocket.Conn
	connectionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var args smokeArgs

	app := &cli.App{
		Name:  "ws-smoke",
		Usage: "end-to-end smoke test against a running Beacon server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "ws://127.0.0.1:8080/ws", Usage: "WebSocket URL", Destination: &args.WSURL},
			&cli.StringFlag{Name: "notify-url", Value: "http://127.0.0.1:8080/internal/notify", Usage: "Producer hook URL", Destination: &args.NotifyURL},
			&cli.StringFlag{Name: "origin", Value: "http://localhost", Usage: "Origin header to send (browser-like WS handshake)", Destination: &args.Origin},
			&cli.StringFlag{Name: "subject-header", Value: "X-Beacon-Subject", Usage: "Dev subject header (ignored when --token-key is set)", Destination: &args.SubjectHeader},
			&cli.StringFlag{Name: "token-key", EnvVars: []string{"BEACON_AUTH_SUBJECT_TOKEN_KEY"}, Usage: "HMAC key used to sign subject tokens", Destination: &args.TokenKey},
			&cli.StringFlag{Name: "notify-token", EnvVars: []string{"BEACON_AUTH_NOTIFY_TOKEN"}, Usage: "Bearer token for the producer hook", Destination: &args.NotifyToken},
			&cli.DurationFlag{Name: "timeout", Value: 7 * time.Second, Usage: "Per-step timeout", Destination: &args.Timeout},
			&cli.BoolFlag{Name: "v", Usage: "Verbose output", Destination: &args.Verbose},
		},
		Action: func(_ *cli.Context) error {
			return runSmoke(args)
		},
	}

	if err := app.Run(os.Args); err != nil {
		fatalf("%v", err)
	}
}

func runSmoke(args smokeArgs) error {
	if err := validateWSURL(args.WSURL); err != nil {
		return fmt.Errorf("invalid --url: %w", err)
	}
	if err := validateOrigin(args.Origin); err != nil {
		return fmt.Errorf("invalid --origin: %w", err)
	}

	root := context.Background()
	run := fmt.Sprintf("%d", time.Now().UnixNano())

	a := mustConnect(root, "A", "smoke-a-"+run, args)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", "smoke-b-"+run, args)
	defer closeWS(b.conn)

	if args.Verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.connectionID, b.connectionID, args.Origin)
	}

	mustWriteWithTimeout(root, a.conn, v1.Envelope{V: v1.Version, Type: v1.TypePing, TS: time.Now().UTC()}, args.Timeout)
	a.mustReadUntilType(root, v1.TypePong, args.Timeout, nil)

	mustWriteWithTimeout(root, a.conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSubscribe,
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.Subscribe{Categories: []string{"smoke"}}),
	}, args.Timeout)
	subs := a.mustReadUntilType(root, v1.TypeSubscriptions, args.Timeout, nil)
	var sp v1.SubscriptionsPayload
	if err := json.Unmarshal(subs.Payload, &sp); err != nil || len(sp.Categories) != 1 || sp.Categories[0] != "smoke" {
		return fmt.Errorf("subscriptions: unexpected payload %s", subs.Payload)
	}

	notificationID := "smoke-n-" + run
	delivered := mustNotify(root, args, map[string]any{
		"subject": a.subject,
		"persist": true,
		"notification": map[string]any{
			"id":       notificationID,
			"category": "smoke",
			"title":    "beacon smoke",
		},
	})
	if delivered != 1 {
		return fmt.Errorf("notify: delivered=%d want 1", delivered)
	}
	mustAssertNotification(root, a, notificationID, args.Timeout)
	mustAssertNoType(root, b, v1.TypeNotification, 750*time.Millisecond)

	mustWriteWithTimeout(root, a.conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMarkRead,
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.MarkRead{NotificationID: notificationID}),
	}, args.Timeout)
	ack := a.mustReadUntilType(root, v1.TypeAck, args.Timeout, nil)
	var ap v1.AckPayload
	if err := json.Unmarshal(ack.Payload, &ap); err != nil || ap.NotificationID != notificationID {
		return fmt.Errorf("mark_read ack: unexpected payload %s", ack.Payload)
	}

	broadcastID := "smoke-b-" + run
	mustNotify(root, args, map[string]any{
		"broadcast":       true,
		"exclude_subject": a.subject,
		"notification": map[string]any{
			"id":    broadcastID,
			"title": "beacon smoke broadcast",
		},
	})
	mustAssertNotification(root, b, broadcastID, args.Timeout)
	mustAssertNoType(root, a, v1.TypeNotification, 750*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s notification_id=%s broadcast_id=%s\n", a.connectionID, b.connectionID, notificationID, broadcastID)
	return nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

// authHeaders signs a subject token when a key is available, otherwise uses the dev subject header.
func authHeaders(subject string, args smokeArgs) http.Header {
	h := http.Header{}
	if strings.TrimSpace(args.TokenKey) != "" {
		key, err := token.KeyFromString(args.TokenKey)
		if err != nil {
			fatalf("token key: %v", err)
		}
		v, err := token.NewSubjectVerifier(key)
		if err != nil {
			fatalf("token key: %v", err)
		}
		tok, err := v.Sign(subject, time.Now().Add(10*time.Minute))
		if err != nil {
			fatalf("sign token (%s): %v", subject, err)
		}
		h.Set("Authorization", "Bearer "+tok)
		return h
	}
	h.Set(args.SubjectHeader, subject)
	return h
}

func mustConnect(parent context.Context, name, subject string, args smokeArgs) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, args.Timeout)
	defer cancel()

	h := authHeaders(subject, args)
	if strings.TrimSpace(args.Origin) != "" {
		h.Set("Origin", args.Origin)
	}

	conn, resp, err := websocket.Dial(ctx, args.WSURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:    name,
		subject: subject,
		conn:    conn,
		inbox:   make(chan v1.Envelope, 512),
		errCh:   make(chan error, 1),
	}
	c.startReadLoop()

	env := c.mustReadUntilType(parent, v1.TypeConnected, args.Timeout, nil)

	var p v1.ConnectedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal connected payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("connected missing connection_id (%s)", name)
	}
	if p.Subject != subject {
		fatalf("connected subject mismatch (%s): got=%q want=%q", name, p.Subject, subject)
	}
	c.connectionID = p.ConnectionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

type notifyResult struct {
	NotificationID string `json:"notification_id"`
	Delivered      int    `json:"delivered"`
}

func mustNotify(parent context.Context, args smokeArgs, body map[string]any) int {
	ctx, cancel := context.WithTimeout(parent, args.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, args.NotifyURL, bytes.NewReader(mustJSON(body)))
	if err != nil {
		fatalf("notify request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(args.NotifyToken) != "" {
		req.Header.Set("Authorization", "Bearer "+args.NotifyToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("notify: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusAccepted {
		fatalf("notify: status=%d body=%s", resp.StatusCode, raw)
	}
	var res notifyResult
	if err := json.Unmarshal(raw, &res); err != nil {
		fatalf("notify: decode response: %v", err)
	}
	return res.Delivered
}

func mustAssertNotification(parent context.Context, c *smokeClient, notificationID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeNotification, stepTimeout, nil)

	var p v1.NotificationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal notification payload (%s): %v", c.name, err)
	}
	var n struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(p.Notification, &n); err != nil {
		fatalf("unmarshal notification (%s): %v", c.name, err)
	}
	if n.ID != notificationID {
		fatalf("notification id mismatch (%s): got=%q want=%q", c.name, n.ID, notificationID)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
