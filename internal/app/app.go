// Package app holds per-application policy: the fields and connections an
// application is subscribed to for realtime updates, its credentials, and
// the set of users observed for it.
package app

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/graphproxy/internal/config"
	"github.com/wudi/graphproxy/internal/logging"
)

// DefaultID is the application used when a request carries no usable token.
const DefaultID = "default"

// App manages one application's settings and cache-eligibility policy.
//
// CheckUser adds the requestor to the app's seen users and reports whether
// the requestee has been seen before: only users known to have added the
// app will be covered by realtime updates, so only their data is safe to
// cache. CheckRequest ensures the request only touches data that is part
// of the app's realtime subscription.
type App struct {
	ID     string
	Cred   string
	Secret string

	goodFields map[string]struct{}
	goodConns  map[string]struct{}

	mu    sync.Mutex
	users map[string]struct{}
}

// New builds an App from its config record. Blacklists are subtracted from
// whitelists, so good fields and bad fields never intersect.
func New(cfg config.AppConfig) *App {
	a := &App{
		ID:         cfg.AppID,
		Cred:       cfg.AppCred,
		Secret:     cfg.AppSecret,
		goodFields: make(map[string]struct{}),
		goodConns:  make(map[string]struct{}),
		users:      make(map[string]struct{}),
	}
	for _, f := range cfg.WhitelistFields {
		a.goodFields[f] = struct{}{}
	}
	for _, c := range cfg.WhitelistConnections {
		a.goodConns[c] = struct{}{}
	}
	for _, f := range cfg.BlacklistFields {
		delete(a.goodFields, f)
	}
	for _, c := range cfg.BlacklistConnections {
		delete(a.goodConns, c)
	}
	return a
}

// CheckUser adds requestor to the app's known users and reports whether
// requestee is already known. When def is a distinct app, the same update
// is applied to it for its side effect, since the default context receives
// updates for these users too.
func (a *App) CheckUser(requestor, requestee string, def *App) bool {
	a.mu.Lock()
	a.users[requestor] = struct{}{}
	_, ok := a.users[requestee]
	a.mu.Unlock()

	if def != nil && def != a {
		def.CheckUser(requestor, requestee, nil)
	}
	return ok
}

// CheckRequest reports whether a request is cacheable under this app's
// subscription. One path segment means a direct field request, two means a
// connection request. Anything else falls back to pass-through.
func (a *App) CheckRequest(pathParts, fields []string) bool {
	switch len(pathParts) {
	case 1:
		for _, f := range fields {
			if _, ok := a.goodFields[f]; !ok {
				logging.Debug("field not in app subscription",
					zap.String("app", a.ID),
					zap.String("field", f),
				)
				return false
			}
		}
		return true
	case 2:
		_, ok := a.goodConns[pathParts[1]]
		return ok
	}
	return false
}

// HasField reports whether name is a subscribed scalar field.
func (a *App) HasField(name string) bool {
	_, ok := a.goodFields[name]
	return ok
}

// HasConn reports whether name is a subscribed connection.
func (a *App) HasConn(name string) bool {
	_, ok := a.goodConns[name]
	return ok
}

// FieldList returns the subscribed fields in sorted order.
func (a *App) FieldList() []string {
	return sortedKeys(a.goodFields)
}

// ConnList returns the subscribed connections in sorted order.
func (a *App) ConnList() []string {
	return sortedKeys(a.goodConns)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Registry is the immutable app-id to App mapping built at startup.
type Registry struct {
	apps map[string]*App
}

// NewRegistry builds the registry from config. When no "default" app is
// configured, one is synthesized whose subscription is the intersection of
// every configured app's fields and connections.
func NewRegistry(cfgs []config.AppConfig) *Registry {
	apps := make(map[string]*App, len(cfgs)+1)
	for _, c := range cfgs {
		apps[c.AppID] = New(c)
	}
	if _, ok := apps[DefaultID]; !ok {
		def := &App{
			ID:         DefaultID,
			goodFields: intersect(apps, func(a *App) map[string]struct{} { return a.goodFields }),
			goodConns:  intersect(apps, func(a *App) map[string]struct{} { return a.goodConns }),
			users:      make(map[string]struct{}),
		}
		apps[DefaultID] = def
	}
	return &Registry{apps: apps}
}

func intersect(apps map[string]*App, pick func(*App) map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	first := true
	for _, a := range apps {
		set := pick(a)
		if first {
			for k := range set {
				out[k] = struct{}{}
			}
			first = false
			continue
		}
		for k := range out {
			if _, ok := set[k]; !ok {
				delete(out, k)
			}
		}
	}
	return out
}

// Get returns the app with the exact id, or nil.
func (r *Registry) Get(id string) *App {
	return r.apps[id]
}

// Lookup returns the app with the given id, falling back to the default
// app, or nil when neither exists.
func (r *Registry) Lookup(id string) *App {
	if a, ok := r.apps[id]; ok {
		return a
	}
	return r.apps[DefaultID]
}

// Default returns the default app, or nil.
func (r *Registry) Default() *App {
	return r.apps[DefaultID]
}

// All returns every registered app.
func (r *Registry) All() []*App {
	out := make([]*App, 0, len(r.apps))
	for _, a := range r.apps {
		out = append(out, a)
	}
	return out
}

// ParseAccessToken splits a user access token of the form "A|B-C|D" into
// its four pieces (app id, key, user id, signature). It fails on any token
// that does not produce exactly four pieces; such tokens are treated as
// anonymous by callers.
func ParseAccessToken(token string) ([4]string, bool) {
	first, rest, found := strings.Cut(token, "-")
	if !found {
		return [4]string{}, false
	}
	parts := append(strings.Split(first, "|"), strings.Split(rest, "|")...)
	if len(parts) != 4 {
		return [4]string{}, false
	}
	return [4]string{parts[0], parts[1], parts[2], parts[3]}, true
}
