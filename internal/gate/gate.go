// Package gate decides cache eligibility for proxied Graph API requests
// and routes them to the cache engine or straight upstream.
package gate

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/graphproxy/internal/app"
	"github.com/wudi/graphproxy/internal/logging"
	"github.com/wudi/graphproxy/internal/metrics"
	"github.com/wudi/graphproxy/internal/upstream"
)

// UserFields is the assumed field set when a direct-user request names
// none.
var UserFields = []string{
	"first_name", "last_name", "name", "hometown", "location",
	"about", "bio", "relationship_status", "significant_other",
	"work", "education", "gender",
}

// connectionsBlacklist lists connections known not to deliver realtime
// updates; requests for them are never cached.
var connectionsBlacklist = map[string]struct{}{
	"home": {}, "tagged": {}, "posts": {}, "likes": {}, "photos": {},
	"albums": {}, "videos": {}, "groups": {}, "notes": {}, "events": {},
	"inbox": {}, "outbox": {}, "updates": {},
}

// invalidateMap names the sibling connections whose cached entries a write
// to a connection may have changed.
var invalidateMap = map[string][]string{
	"feed":  {"statuses", "feed", "links"},
	"links": {"feed", "links"},
}

// Cache is the engine surface the gate depends on. The test suite
// substitutes a recording fake.
type Cache interface {
	HandleRequest(ctx context.Context, query url.Values, path, rawQuery string, ap *app.App, fetch upstream.Fetcher) (*upstream.Response, error)
	Invalidate(appID, url string)
}

// Validator is an optional opaque predicate over inbound requests.
type Validator func(*http.Request) bool

// Config wires a Gate.
type Config struct {
	Validator Validator
	Cache     Cache
	Apps      *app.Registry
	Fetcher   upstream.Fetcher
}

// Gate is the proxy endpoint handler.
//
// A request bypasses the cache when any of these hold: it asks for a field
// outside the app's realtime subscription, it is not a GET, the targeted
// user has not been seen for the app yet, the URI is not a user or direct
// user connection, or a configured validator rejects it. Non-GET requests
// additionally trigger opportunistic invalidation of entries they likely
// changed.
type Gate struct {
	validator Validator
	cache     Cache
	apps      *app.Registry
	fetch     upstream.Fetcher
}

// New creates a Gate.
func New(cfg Config) *Gate {
	return &Gate{
		validator: cfg.Validator,
		cache:     cfg.Cache,
		apps:      cfg.Apps,
		fetch:     cfg.Fetcher,
	}
}

func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uriParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	query := r.URL.Query()

	if g.validator != nil && !g.validator(r) {
		writeText(w, http.StatusForbidden, "Failed to validate request\n")
		return
	}

	// Determine the viewer context and application from the access token.
	var ap *app.App
	var pieces [4]string
	if vs := query["access_token"]; len(vs) > 0 {
		if parsed, ok := app.ParseAccessToken(vs[0]); ok {
			pieces = parsed
			ap = g.apps.Get(pieces[0])
		} else {
			ap = g.apps.Default()
		}
	}

	// /me is not a stable cache key; substitute the token's uid.
	if strings.EqualFold(uriParts[0], "me") && pieces[2] != "" {
		uriParts[0] = pieces[2]
	}
	path := strings.Join(uriParts, "/")

	if ap == nil {
		ap = g.apps.Default()
	}
	if ap == nil {
		logging.Info("bypassing cache due to missing application settings")
		g.passThrough(w, r, path, "no_app")
		return
	}

	// Non-GETs typically change the results of subsequent GETs, so
	// invalidate opportunistically before passing through.
	if r.Method != http.MethodGet {
		g.invalidateForPost(ap, uriParts)
		g.passThrough(w, r, path, "mutation")
		return
	}

	fields := UserFields
	if vs := query["fields"]; len(vs) > 0 {
		fields = strings.Split(vs[0], ",")
	}

	if !ap.CheckUser(pieces[2], uriParts[0], g.apps.Default()) {
		logging.Info("bypassing cache since user not known to be app user",
			zap.String("app", ap.ID),
			zap.String("requestee", uriParts[0]),
		)
		g.passThrough(w, r, path, "unknown_user")
		return
	}
	if cannotCache(uriParts) {
		logging.Info("bypassing cache because the URI is not cacheable",
			zap.String("path", path),
		)
		g.passThrough(w, r, path, "uncacheable_uri")
		return
	}
	if !ap.CheckRequest(uriParts, fields) {
		logging.Info("bypassing cache since the app rejected the request",
			zap.String("app", ap.ID),
			zap.String("path", path),
		)
		g.passThrough(w, r, path, "app_rejected")
		return
	}

	if g.cache == nil {
		logging.Warn("cache does not exist, passing request through")
		g.passThrough(w, r, path, "no_cache")
		return
	}

	resp, err := g.cache.HandleRequest(r.Context(), query, path, r.URL.RawQuery, ap, g.fetch)
	if err != nil {
		logging.Error("cache request failed", zap.Error(err))
		internalError(w)
		return
	}
	writeResponse(w, resp)
}

// cannotCache rules out URIs that can never be cached: anything deeper
// than a direct connection, and blacklisted connections.
func cannotCache(uriParts []string) bool {
	if len(uriParts) > 2 {
		return true
	}
	if len(uriParts) == 2 {
		if _, ok := connectionsBlacklist[uriParts[1]]; ok {
			return true
		}
	}
	return false
}

// invalidateForPost drops the cache entries a write likely affected. A
// POST to a user's feed can change the contents of statuses and links, so
// those are dropped proactively rather than waiting for a realtime push.
func (g *Gate) invalidateForPost(ap *app.App, uriParts []string) {
	if g.cache == nil || len(uriParts) != 2 {
		return
	}
	siblings, ok := invalidateMap[uriParts[1]]
	if !ok {
		return
	}
	for _, sibling := range siblings {
		g.cache.Invalidate(ap.ID, uriParts[0]+"/"+sibling)
	}
}

// passThrough forwards the request upstream verbatim and mirrors the
// response back.
func (g *Gate) passThrough(w http.ResponseWriter, r *http.Request, path, reason string) {
	metrics.Passthroughs.WithLabelValues(reason).Inc()
	resp, err := g.fetch.Fetch(r.Context(), r.Method, path, r.URL.RawQuery, r.Body)
	if err != nil {
		logging.Error("pass-through failed", zap.Error(err))
		metrics.UpstreamErrors.Inc()
		internalError(w)
		return
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp *upstream.Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	w.Write([]byte(body))
}

func internalError(w http.ResponseWriter) {
	writeText(w, http.StatusInternalServerError, "An internal error occurred\n")
}
