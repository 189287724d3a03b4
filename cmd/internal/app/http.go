package app

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"beacon/cmd/internal/ratelimit"
	"beacon/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxNotifyBodyBytes = 64 << 10

func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", a.handleReady)

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{Registry: a.metrics}))

	mux.HandleFunc("GET /stats", a.handleStats)
	mux.HandleFunc("POST /internal/notify", a.handleNotify)

	mux.HandleFunc("GET /ws", a.ws.HandleWS)
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Readiness.RequireDB && a.dbPool == nil {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}
	if a.dbPool != nil {
		if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.db.not_ready", "err", err)
			return
		}
	}

	if a.cfg.Readiness.RequireRedis && a.rdb == nil {
		http.Error(w, "redis not configured", http.StatusServiceUnavailable)
		return
	}
	if a.rdb != nil {
		if err := PingRedis(r.Context(), a.rdb, 2*time.Second); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.redis.not_ready", "err", err)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

type statsResponse struct {
	Connections realtime.ConnectionStats `json:"connections"`
	RateLimit   ratelimit.Stats          `json:"ratelimit"`
}

func (a *App) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Connections: a.hub.ConnectionStats(),
		RateLimit:   a.limiter.Stats(),
	})
}

// notifyRequest is the producer hook body. Either Subject or Broadcast must be set.
// Persist applies to personal notifications only; it is rejected together with Broadcast.
type notifyRequest struct {
	Subject        string                `json:"subject"`
	Broadcast      bool                  `json:"broadcast"`
	ExcludeSubject string                `json:"exclude_subject"`
	Persist        bool                  `json:"persist"`
	Notification   realtime.Notification `json:"notification"`
}

type notifyResponse struct {
	NotificationID string `json:"notification_id"`
	Delivered      int    `json:"delivered"`
}

func (a *App) handleNotify(w http.ResponseWriter, r *http.Request) {
	if !a.notifyAuthorized(r) {
		a.limiter.RecordFailedLogin(clientAddress(r, a.cfg.RateLimit.TrustProxy))
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid notify token", 0)
		return
	}

	var req notifyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNotifyBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_json", "invalid request body", 0)
		return
	}

	now := time.Now().UTC()
	n := req.Notification
	n.Category = strings.ToLower(strings.TrimSpace(n.Category))
	if strings.TrimSpace(n.Title) == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_notification", "notification.title is required", 0)
		return
	}
	if strings.TrimSpace(n.ID) == "" {
		id, err := realtime.NewULID(now)
		if err != nil {
			a.log.Error("notify.id.fail", "err", err)
			writeJSONError(w, http.StatusInternalServerError, "internal", "could not assign id", 0)
			return
		}
		n.ID = id
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}

	if req.Broadcast {
		if req.Persist {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "persist is not supported with broadcast", 0)
			return
		}
		sent := a.hub.BroadcastNotification(r.Context(), n, strings.TrimSpace(req.ExcludeSubject))
		writeJSON(w, http.StatusAccepted, notifyResponse{NotificationID: n.ID, Delivered: sent})
		return
	}

	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_subject", "subject is required unless broadcast is set", 0)
		return
	}

	if req.Persist {
		if err := a.notifications.Insert(r.Context(), subject, n); err != nil {
			a.log.Error("notify.persist.fail", "notification_id", n.ID, "subject", subject, "err", err)
			if errors.Is(err, realtime.ErrInvalidInput) || errors.Is(err, realtime.ErrInvalidSubject) {
				writeJSONError(w, http.StatusBadRequest, "bad_notification", err.Error(), 0)
				return
			}
			writeJSONError(w, http.StatusServiceUnavailable, "store_unavailable", "notification store unavailable", 0)
			return
		}
	}

	sent := a.hub.SendNotification(r.Context(), n, subject)
	writeJSON(w, http.StatusAccepted, notifyResponse{NotificationID: n.ID, Delivered: sent})
}

// notifyAuthorized checks "Authorization: Bearer <auth.notify_token>" when a token is configured.
// A matching token clears the caller's failure history.
func (a *App) notifyAuthorized(r *http.Request) bool {
	want := strings.TrimSpace(a.cfg.Auth.NotifyToken)
	if want == "" {
		return true
	}
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return false
	}
	got := strings.TrimSpace(h[len(prefix):])
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return false
	}
	a.limiter.RecordSuccessfulLogin(clientAddress(r, a.cfg.RateLimit.TrustProxy))
	return true
}
