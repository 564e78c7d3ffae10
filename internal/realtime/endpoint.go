// Package realtime implements the endpoint that receives push
// notifications from the Graph server and turns them into cache
// invalidations, plus the subscription registrar that provisions those
// pushes.
package realtime

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/graphproxy/internal/app"
	"github.com/wudi/graphproxy/internal/logging"
	"github.com/wudi/graphproxy/internal/metrics"
)

// Invalidator is the cache surface the receiver needs.
type Invalidator interface {
	Invalidate(appID, url string)
}

// Receiver handles subscription validation (GET) and update deliveries
// (POST). For each user entry in an update, a change to a subscribed field
// invalidates the user's direct entry and each changed subscribed
// connection is invalidated individually.
type Receiver struct {
	cache       Invalidator
	apps        *app.Registry
	verifyToken string
}

// NewReceiver creates a Receiver. verifyToken must match the token the
// registrar sends when subscribing.
func NewReceiver(cache Invalidator, apps *app.Registry, verifyToken string) *Receiver {
	return &Receiver{cache: cache, apps: apps, verifyToken: verifyToken}
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rc.handleValidate(w, r)
	case http.MethodPost:
		rc.handleUpdate(w, r)
	default:
		forbidden(w)
	}
}

// handleValidate answers the subscription handshake: echo hub.challenge
// when hub.mode is "subscribe" and hub.verify_token matches ours.
func (rc *Receiver) handleValidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	logging.Info("validating subscription")

	if q.Get("hub.mode") != "subscribe" {
		badRequest(w, "expecting hub.mode")
		return
	}
	if q.Get("hub.verify_token") != rc.verifyToken {
		forbidden(w)
		return
	}
	challenge := q.Get("hub.challenge")
	if challenge == "" {
		badRequest(w, "Missing challenge")
		return
	}
	success(w, challenge)
}

type updateEntry struct {
	UID           string    `json:"uid"`
	ChangedFields *[]string `json:"changed_fields"`
}

// handleUpdate applies one update delivery. The app id is the path; the
// body is authenticated against the app secret via X-Hub-Signature.
func (rc *Receiver) handleUpdate(w http.ResponseWriter, r *http.Request) {
	appID := strings.Trim(r.URL.Path, "/")
	ap := rc.apps.Get(appID)
	if ap == nil {
		metrics.UpdatesRejected.WithLabelValues("unknown_app").Inc()
		notFound(w)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		badRequest(w, "Could not read body")
		return
	}

	sig := r.Header.Get("X-Hub-Signature")
	if sig == "" {
		logging.Info("received update with missing signature", zap.String("app", appID))
		metrics.UpdatesRejected.WithLabelValues("missing_signature").Inc()
		forbidden(w)
		return
	}
	sig = strings.TrimPrefix(sig, "sha1=")

	if ap.Secret != "" {
		mac := hmac.New(sha1.New, []byte(ap.Secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(sig), []byte(expected)) {
			logging.Warn("received update with invalid signature",
				zap.String("app", appID),
				zap.String("signature", sig),
			)
			metrics.UpdatesRejected.WithLabelValues("bad_signature").Inc()
			badRequest(w, "Invalid signature.")
			return
		}
	}

	var updates struct {
		Entry *[]updateEntry `json:"entry"`
	}
	if err := json.Unmarshal(body, &updates); err != nil {
		metrics.UpdatesRejected.WithLabelValues("bad_json").Inc()
		badRequest(w, "Expected JSON.")
		return
	}
	if updates.Entry == nil {
		metrics.UpdatesRejected.WithLabelValues("missing_fields").Inc()
		badRequest(w, "Missing fields")
		return
	}
	logging.Info("received a realtime update",
		zap.String("app", appID),
		zap.Int("entries", len(*updates.Entry)),
	)

	for _, entry := range *updates.Entry {
		if entry.UID == "" || entry.ChangedFields == nil {
			metrics.UpdatesRejected.WithLabelValues("missing_fields").Inc()
			badRequest(w, "Missing fields")
			return
		}
		for _, changed := range *entry.ChangedFields {
			if ap.HasField(changed) {
				rc.cache.Invalidate(appID, entry.UID)
				break
			}
		}
		for _, changed := range *entry.ChangedFields {
			if ap.HasConn(changed) {
				rc.cache.Invalidate(appID, entry.UID+"/"+changed)
			}
		}
	}

	metrics.UpdatesReceived.Inc()
	success(w, "Updates successfully handled")
}

func success(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(message))
}

func badRequest(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusBadRequest)
	if message == "" {
		message = "This is not a valid update"
	}
	w.Write([]byte(message))
}

func forbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte("Request validation failed"))
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte("The requested application was not found on this server"))
}
