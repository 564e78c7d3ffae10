package cache

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/wudi/graphproxy/internal/app"
	"github.com/wudi/graphproxy/internal/config"
	"github.com/wudi/graphproxy/internal/upstream"
)

// fakeFetcher records upstream calls and replies from a canned table.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   []string // "path?rawQuery"
	status  int
	body    string
	headers http.Header
	delay   time.Duration
}

func (f *fakeFetcher) Fetch(ctx context.Context, method, path, rawQuery string, body io.Reader) (*upstream.Response, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, path+"?"+rawQuery)
	f.mu.Unlock()

	status := f.status
	if status == 0 {
		status = 200
	}
	hdr := http.Header{"Content-Type": {"application/json"}}
	for k, vs := range f.headers {
		hdr[k] = vs
	}
	return &upstream.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     hdr,
		Body:       []byte(f.body),
	}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testApp(t *testing.T, fields ...string) *app.App {
	t.Helper()
	return app.New(config.AppConfig{
		AppID:                "42",
		WhitelistFields:      fields,
		WhitelistConnections: []string{"feed", "statuses", "links"},
	})
}

func userQuery(token, fields string) url.Values {
	q := url.Values{}
	if token != "" {
		q.Set("access_token", token)
	}
	if fields != "" {
		q.Set("fields", fields)
	}
	return q
}

func TestEngineUserRequestMissAndProjection(t *testing.T) {
	e := NewEngine(10)
	f := &fakeFetcher{
		body:    `{"name":"X","about":"Y","_internal":"Z"}`,
		headers: http.Header{"Content-Length": {"40"}},
	}
	ap := testApp(t, "name", "about")

	resp, err := e.HandleRequest(context.Background(), userQuery("42|s-u1|t", "name"), "u1", "", ap, f)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != `{"name":"X"}` {
		t.Errorf("body = %s, want {\"name\":\"X\"}", resp.Body)
	}
	if got := resp.Header.Get("Content-Length"); got != "" {
		t.Errorf("Content-Length not stripped, got %q", got)
	}

	// The upstream fetch is widened to the app's whole subscription and
	// keeps the token.
	if f.callCount() != 1 {
		t.Fatalf("upstream calls = %d, want 1", f.callCount())
	}
	sent, _ := url.ParseQuery(f.calls[0][len("u1?"):])
	if got := sent.Get("fields"); got != "about,name" {
		t.Errorf("expanded fields = %q, want about,name", got)
	}
	if got := sent.Get("access_token"); got != "42|s-u1|t" {
		t.Errorf("access_token = %q, want original token", got)
	}

	if !e.Contains("u1__42") {
		t.Error("expected outer entry u1__42")
	}
}

func TestEngineSecondFieldSubsetServedFromCache(t *testing.T) {
	e := NewEngine(10)
	f := &fakeFetcher{body: `{"name":"X","about":"Y","_internal":"Z"}`}
	ap := testApp(t, "name", "about")

	if _, err := e.HandleRequest(context.Background(), userQuery("42|s-u1|t", "name"), "u1", "", ap, f); err != nil {
		t.Fatal(err)
	}
	resp, err := e.HandleRequest(context.Background(), userQuery("42|s-u1|t", "about"), "u1", "", ap, f)
	if err != nil {
		t.Fatal(err)
	}

	if f.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1 (second request must not refetch)", f.callCount())
	}
	if string(resp.Body) != `{"about":"Y"}` {
		t.Errorf("body = %s, want {\"about\":\"Y\"}", resp.Body)
	}
}

func TestEngineNoFieldsReturnsNonUnderscoreKeys(t *testing.T) {
	e := NewEngine(10)
	f := &fakeFetcher{body: `{"name":"X","about":"Y","_internal":"Z"}`}
	ap := testApp(t, "name", "about")

	resp, err := e.HandleRequest(context.Background(), userQuery("42|s-u1|t", ""), "u1", "", ap, f)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != `{"about":"Y","name":"X"}` {
		t.Errorf("body = %s, want all non-underscore fields", resp.Body)
	}
}

func TestEngineAnonymousRequestUsesNullContext(t *testing.T) {
	e := NewEngine(10)
	f := &fakeFetcher{body: `{"name":"X"}`}
	ap := testApp(t, "name")

	if _, err := e.HandleRequest(context.Background(), url.Values{}, "u1", "", ap, f); err != nil {
		t.Fatal(err)
	}
	if !e.Contains("u1__0") {
		t.Error("expected anonymous entry under u1__0")
	}
}

func TestEngineIdenticalBodiesShareOneTable(t *testing.T) {
	e := NewEngine(10)
	f := &fakeFetcher{body: `{"name":"X"}`}
	ap := testApp(t, "name")

	if _, err := e.HandleRequest(context.Background(), userQuery("42|s-u1|t", "name"), "u1", "", ap, f); err != nil {
		t.Fatal(err)
	}
	if _, err := e.HandleRequest(context.Background(), userQuery("42|s-u2|t", "name"), "u1", "", ap, f); err != nil {
		t.Fatal(err)
	}

	e.mu.Lock()
	dict, ok := e.lru.Get("u1__42")
	e.mu.Unlock()
	if !ok {
		t.Fatal("expected outer entry")
	}
	if dict.Len() != 2 {
		t.Errorf("subkeys = %d, want 2", dict.Len())
	}
	if dict.DistinctBodies() != 1 {
		t.Errorf("distinct bodies = %d, want 1", dict.DistinctBodies())
	}
}

func TestEngineConnectionRequestCachedRaw(t *testing.T) {
	e := NewEngine(10)
	f := &fakeFetcher{body: `{"data":[{"message":"hi"}]}`}
	ap := testApp(t, "name")

	raw := "access_token=42%7Cs-u1%7Ct"
	q := userQuery("42|s-u1|t", "")

	resp, err := e.HandleRequest(context.Background(), q, "u1/feed", raw, ap, f)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != `{"data":[{"message":"hi"}]}` {
		t.Errorf("unexpected body: %s", resp.Body)
	}
	// The connection fetch uses the original query string verbatim.
	if f.calls[0] != "u1/feed?"+raw {
		t.Errorf("upstream call = %q", f.calls[0])
	}

	resp2, err := e.HandleRequest(context.Background(), userQuery("42|s-u1|t", ""), "u1/feed", raw, ap, f)
	if err != nil {
		t.Fatal(err)
	}
	if f.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1", f.callCount())
	}
	if string(resp2.Body) != string(resp.Body) {
		t.Error("cached connection body differs")
	}
}

func TestEngineNon200NotCached(t *testing.T) {
	e := NewEngine(10)
	f := &fakeFetcher{status: 404, body: `{"error":"unknown"}`}
	ap := testApp(t, "name")

	resp, err := e.HandleRequest(context.Background(), userQuery("42|s-u1|t", "name"), "u1", "", ap, f)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 404 {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if string(resp.Body) != `{"error":"unknown"}` {
		t.Errorf("error body not propagated verbatim: %s", resp.Body)
	}

	// A retry hits upstream again.
	if _, err := e.HandleRequest(context.Background(), userQuery("42|s-u1|t", "name"), "u1", "", ap, f); err != nil {
		t.Fatal(err)
	}
	if f.callCount() != 2 {
		t.Errorf("upstream calls = %d, want 2", f.callCount())
	}
}

func TestEngineInvalidateCoversAppAndNullContext(t *testing.T) {
	e := NewEngine(10)
	f := &fakeFetcher{body: `{"name":"X"}`}
	ap := testApp(t, "name")

	if _, err := e.HandleRequest(context.Background(), userQuery("42|s-u1|t", "name"), "u1", "", ap, f); err != nil {
		t.Fatal(err)
	}
	if _, err := e.HandleRequest(context.Background(), url.Values{}, "u1", "", ap, f); err != nil {
		t.Fatal(err)
	}
	if !e.Contains("u1__42") || !e.Contains("u1__0") {
		t.Fatal("expected both entries present before invalidation")
	}

	e.Invalidate("42", "u1")

	if e.Contains("u1__42") || e.Contains("u1__0") {
		t.Error("expected both entries removed")
	}

	// The next request is a miss.
	if _, err := e.HandleRequest(context.Background(), userQuery("42|s-u1|t", "name"), "u1", "", ap, f); err != nil {
		t.Fatal(err)
	}
	if f.callCount() != 3 {
		t.Errorf("upstream calls = %d, want 3", f.callCount())
	}
}

func TestEngineInvalidateMissingKeysIsNoop(t *testing.T) {
	e := NewEngine(10)
	e.Invalidate("42", "u1/statuses")
	e.Invalidate("42", "u1/feed")
	if e.Len() != 0 {
		t.Errorf("Len() = %d, want 0", e.Len())
	}
}

func TestEngineUnparseableBodyYieldsEmptyTable(t *testing.T) {
	e := NewEngine(10)
	f := &fakeFetcher{body: `not json`}
	ap := testApp(t, "name")

	resp, err := e.HandleRequest(context.Background(), userQuery("42|s-u1|t", "name"), "u1", "", ap, f)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != `{}` {
		t.Errorf("body = %s, want empty projection", resp.Body)
	}
}

func TestEngineConcurrentMissesShareOneFetch(t *testing.T) {
	e := NewEngine(10)
	f := &fakeFetcher{body: `{"name":"X"}`, delay: 50 * time.Millisecond}
	ap := testApp(t, "name")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.HandleRequest(context.Background(), userQuery("42|s-u1|t", "name"), "u1", "", ap, f); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if f.callCount() > 1 {
		t.Errorf("upstream calls = %d, want 1 shared fetch", f.callCount())
	}
}

func TestProjectFields(t *testing.T) {
	table := parseTable([]byte(`{"name":"X","about":"Y","_internal":"Z"}`))

	tests := []struct {
		fields string
		want   string
	}{
		{"name", `{"name":"X"}`},
		{"name,about", `{"about":"Y","name":"X"}`},
		{"name,missing", `{"name":"X"}`},
		{"", `{"about":"Y","name":"X"}`},
	}
	for _, tt := range tests {
		if got := string(projectFields(table, tt.fields)); got != tt.want {
			t.Errorf("projectFields(%q) = %s, want %s", tt.fields, got, tt.want)
		}
	}
}
