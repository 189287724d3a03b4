package app

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"beacon/cmd/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
		wantClass  string
	}{
		{status: 200, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "2xx"},
		{status: 302, wantLevel: slog.LevelInfo, wantResult: "redirect", wantClass: "3xx"},
		{status: 404, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 429, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 503, wantLevel: slog.LevelError, wantResult: "server_error", wantClass: "5xx"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.wantLevel || result != tc.wantResult {
			t.Fatalf("status=%d level=%v result=%q; want level=%v result=%q", tc.status, level, result, tc.wantLevel, tc.wantResult)
		}
		if got := statusClass(tc.status); got != tc.wantClass {
			t.Fatalf("statusClass(%d)=%q want=%q", tc.status, got, tc.wantClass)
		}
	}
	if got := statusClass(42); got != "unknown" {
		t.Fatalf("statusClass(42)=%q want unknown", got)
	}
}

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestWithRequestLogging_PreservesHijacker(t *testing.T) {
	t.Parallel()

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Errorf("wrapped writer lost http.Hijacker")
			return
		}
		_, _, _ = hj.Hijack()
	}), discardLogger())

	rec := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if !rec.hijacked {
		t.Fatalf("Hijack was not forwarded")
	}
}

func TestWithRequestLogging_RecordsStatus(t *testing.T) {
	t.Parallel()

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}), discardLogger())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/pot", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status=%d want %d", rr.Code, http.StatusTeapot)
	}
}

func newTestLimiter(t *testing.T, rpm int, now time.Time) *ratelimit.Limiter {
	t.Helper()
	return ratelimit.New(discardLogger(), ratelimit.Config{
		DefaultRequestsPerMinute: rpm,
		MaxFailedLogins:          5,
		LockoutDuration:          300 * time.Second,
	}, ratelimit.WithClock(func() time.Time { return now }))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func decodeErrorBody(t *testing.T, rr *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error
}

func TestWithAdmissionControl_RateLimited(t *testing.T) {
	lim := newTestLimiter(t, 2, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	h := WithAdmissionControl(okHandler(), lim, false, discardLogger())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/stats", nil)
		req.RemoteAddr = "192.0.2.10:5555"
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
		if i == 2 {
			assert.Equal(t, "60", rr.Header().Get("Retry-After"))
			assert.Equal(t, "rate_limited", decodeErrorBody(t, rr).Code)
		}
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	// A different address has its own window.
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.RemoteAddr = "192.0.2.11:5555"
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestWithAdmissionControl_LockedOut(t *testing.T) {
	lim := newTestLimiter(t, 100, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	for i := 0; i < 5; i++ {
		lim.RecordFailedLogin("192.0.2.20")
	}
	h := WithAdmissionControl(okHandler(), lim, false, discardLogger())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/notify", nil)
	req.RemoteAddr = "192.0.2.20:4000"
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "300", rr.Header().Get("Retry-After"))
	body := decodeErrorBody(t, rr)
	assert.Equal(t, "locked_out", body.Code)
	assert.Equal(t, 300, body.RetryAfterS)
	assert.Equal(t, 0, lim.Stats().ActiveKeys, "locked requests must not consume window slots")
}

func TestWithAdmissionControl_ExemptProbes(t *testing.T) {
	lim := newTestLimiter(t, 1, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	h := WithAdmissionControl(okHandler(), lim, false, discardLogger())

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusNoContent, rr.Code)
	}
	assert.Equal(t, 0, lim.Stats().ActiveKeys)
}

func TestWithAdmissionControl_NilLimiter(t *testing.T) {
	h := WithAdmissionControl(okHandler(), nil, false, discardLogger())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestClientAddress(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "garbage, 203.0.113.7, 10.0.0.2")
	req.Header.Set("X-Real-IP", "198.51.100.1")

	assert.Equal(t, "10.0.0.1", clientAddress(req, false), "proxy headers ignored unless trusted")
	assert.Equal(t, "203.0.113.7", clientAddress(req, true))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "198.51.100.1", clientAddress(req, true))

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	bare.RemoteAddr = "not-an-addr"
	assert.Equal(t, "not-an-addr", clientAddress(bare, false))
}
