// Package cache implements the two-tier response cache for Graph API
// requests. Entries are indexed first by path and application (bounded by
// an LRU), then by user and access-token-less query string inside a
// content-deduplicating map.
package cache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wudi/graphproxy/internal/app"
	"github.com/wudi/graphproxy/internal/logging"
	"github.com/wudi/graphproxy/internal/metrics"
	"github.com/wudi/graphproxy/internal/upstream"
)

// Entry is one cached response. Direct-user responses carry a field table
// parsed from the upstream JSON body and are projected per request;
// connection responses carry the raw body.
type Entry struct {
	StatusCode int
	Status     string
	Header     http.Header
	Table      map[string]json.RawMessage
	Body       []byte
}

// Engine caches Graph API responses. The outer LRU is keyed by
// path + "__" + appID; each outer entry is a DedupMap keyed by
// uid + "__" + canonical remaining query.
//
// One mutex guards the outer LRU, DedupMap installation, and DedupMap
// reads/writes. It is never held across an upstream fetch. Concurrent
// misses on the same fingerprint share one fetch via singleflight.
type Engine struct {
	mu     sync.Mutex
	lru    *LRU[*DedupMap]
	flight singleflight.Group
}

// NewEngine creates an Engine whose outer LRU holds up to size entries.
func NewEngine(size int) *Engine {
	return &Engine{lru: NewLRU[*DedupMap](size)}
}

// fetchOutcome is what one shared upstream fetch produced: either a cached
// entry, or a raw response that must not be cached (non-200, or a
// connection fetch whose response is returned verbatim).
type fetchOutcome struct {
	entry *Entry
	raw   *upstream.Response
}

// HandleRequest satisfies a request the gate has already ruled cacheable.
// query is the decoded query, path the URL path without a leading slash,
// rawQuery the original encoded query string. On a miss the response is
// fetched from upstream via fetch and, on success, stored.
func (e *Engine) HandleRequest(ctx context.Context, query url.Values, path, rawQuery string, ap *app.App, fetch upstream.Fetcher) (*upstream.Response, error) {
	var token string
	appID, uid := "0", "0"
	if vs := query["access_token"]; len(vs) > 0 {
		token = vs[0]
		if pieces, ok := app.ParseAccessToken(token); ok {
			appID, uid = pieces[0], pieces[2]
		}
		query.Del("access_token")
	}

	// Direct user requests are stored as field tables so any field subset
	// can be served from one superset fetch; connection requests are
	// stored raw.
	useTable := !strings.Contains(path, "/")
	var fields string
	if useTable {
		if vs := query["fields"]; len(vs) > 0 {
			fields = vs[0]
			query.Del("fields")
		}
	}

	key := path + "__" + appID
	subkey := uid + "__" + query.Encode()
	logging.Debug("cache lookup",
		zap.String("key", key),
		zap.String("subkey", subkey),
	)

	e.mu.Lock()
	dict, ok := e.lru.Get(key)
	if !ok {
		dict = NewDedupMap()
		e.lru.Put(key, dict)
	}
	ent, hit := dict.Get(subkey)
	e.mu.Unlock()

	if hit {
		metrics.CacheHits.Inc()
		return respond(ent, useTable, fields), nil
	}
	metrics.CacheMisses.Inc()

	// Detach the fetch from the first caller's cancellation so a client
	// disconnect does not fail the shared result.
	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := e.flight.Do(key+"\x00"+subkey, func() (interface{}, error) {
		if useTable {
			return e.fetchTable(fetchCtx, query, path, token, ap, dict, subkey, fetch)
		}
		return e.fetchConnection(fetchCtx, path, rawQuery, dict, subkey, fetch)
	})
	if err != nil {
		metrics.UpstreamErrors.Inc()
		return nil, err
	}

	out := v.(*fetchOutcome)
	if out.raw != nil {
		return out.raw, nil
	}
	return respond(out.entry, useTable, fields), nil
}

// fetchTable fetches a direct-user object with the fields widened to the
// app's whole subscription, so one upstream fetch serves every field
// subset requested by any user of the app.
func (e *Engine) fetchTable(ctx context.Context, query url.Values, path, token string, ap *app.App, dict *DedupMap, subkey string, fetch upstream.Fetcher) (*fetchOutcome, error) {
	fq := url.Values{}
	for k, vs := range query {
		fq[k] = vs
	}
	fq.Set("fields", strings.Join(ap.FieldList(), ","))
	if token != "" {
		fq.Set("access_token", token)
	}

	resp, err := fetch.Fetch(ctx, http.MethodGet, path, fq.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		// Errors are propagated verbatim and never cached.
		return &fetchOutcome{raw: resp}, nil
	}

	e.mu.Lock()
	if dict.ContainsHash(resp.Body) {
		// An identical body is already parsed; reuse its table.
		dict.PutRef(subkey, resp.Body)
	} else {
		hdr := resp.Header.Clone()
		// The projection is re-serialized, so the upstream length is wrong.
		hdr.Del("Content-Length")
		dict.Put(subkey, &Entry{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Header:     hdr,
			Table:      parseTable(resp.Body),
		}, resp.Body)
	}
	ent, _ := dict.Get(subkey)
	e.mu.Unlock()

	return &fetchOutcome{entry: ent}, nil
}

// fetchConnection fetches a connection request with its original query
// string and caches the raw response on 200.
func (e *Engine) fetchConnection(ctx context.Context, path, rawQuery string, dict *DedupMap, subkey string, fetch upstream.Fetcher) (*fetchOutcome, error) {
	resp, err := fetch.Fetch(ctx, http.MethodGet, path, rawQuery, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		e.mu.Lock()
		dict.Put(subkey, &Entry{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Header:     resp.Header.Clone(),
			Body:       resp.Body,
		}, resp.Body)
		e.mu.Unlock()
	}
	return &fetchOutcome{raw: resp}, nil
}

// Invalidate removes the cached entries for url under the given app and
// under the anonymous context. Missing keys are ignored: the same upstream
// object is cached once per owning app and once for the null app.
func (e *Engine) Invalidate(appID, url string) {
	logging.Debug("invalidating", zap.String("url", url), zap.String("app", appID))
	e.mu.Lock()
	e.lru.Delete(url + "__" + appID)
	e.lru.Delete(url + "__0")
	e.mu.Unlock()
	metrics.CacheInvalidations.Inc()
}

// Len returns the number of outer cache entries.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lru.Len()
}

// Contains reports whether an outer entry exists for key. Test hook; does
// not touch recency.
func (e *Engine) Contains(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lru.Contains(key)
}

func respond(ent *Entry, useTable bool, fields string) *upstream.Response {
	body := ent.Body
	if useTable {
		body = projectFields(ent.Table, fields)
	}
	return &upstream.Response{
		StatusCode: ent.StatusCode,
		Status:     ent.Status,
		Header:     ent.Header.Clone(),
		Body:       body,
	}
}

// parseTable converts a JSON object body into a field table. A body that
// fails to parse yields an empty table; the raw body is still served to
// the original requester through the dedup map's stored value.
func parseTable(body []byte) map[string]json.RawMessage {
	table := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &table); err != nil {
		return make(map[string]json.RawMessage)
	}
	return table
}

// projectFields serializes the requested fields out of a table. With no
// requested fields, every key not starting with an underscore is returned.
func projectFields(table map[string]json.RawMessage, fields string) []byte {
	out := make(map[string]json.RawMessage)
	if fields != "" {
		for _, f := range strings.Split(fields, ",") {
			if v, ok := table[f]; ok {
				out[f] = v
			}
		}
	} else {
		for k, v := range table {
			if !strings.HasPrefix(k, "_") {
				out[k] = v
			}
		}
	}
	body, _ := json.Marshal(out)
	return body
}
