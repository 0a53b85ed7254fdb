package modelvault

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/modelvault/modelvault/cache"
	"github.com/modelvault/modelvault/derivative"
)

// testOrigin is an origin handler whose responses can be swapped and
// broken mid-test.
type testOrigin struct {
	bodies map[string]*atomic.Value // path -> string
	broken atomic.Bool
}

func newTestOrigin(pages map[string]string) *testOrigin {
	o := &testOrigin{bodies: make(map[string]*atomic.Value)}
	for path, body := range pages {
		v := &atomic.Value{}
		v.Store(body)
		o.bodies[path] = v
	}
	return o
}

func (o *testOrigin) set(path, body string) {
	o.bodies[path].Store(body)
}

func (o *testOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if o.broken.Load() {
		http.Error(w, "origin down", http.StatusBadGateway)
		return
	}
	v, ok := o.bodies[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write([]byte(v.Load().(string)))
}

func newTestWorker(t *testing.T, origin http.Handler, cfg WorkerConfig) *Worker {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = cache.NewStore(cache.NewMemory(), "test-v1")
	}
	logger := zerolog.Nop()
	cfg.Logger = &logger
	w := NewWorker(cfg)
	w.Middleware(origin)
	return w
}

func activate(t *testing.T, w *Worker) {
	t.Helper()
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := w.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
	return rec
}

func TestInstallPrecachesShell(t *testing.T) {
	origin := newTestOrigin(map[string]string{"/": "index", "/app.js": "js"})
	w := newTestWorker(t, origin, WorkerConfig{StaticURLs: []string{"/", "/app.js"}})
	activate(t, w)

	// the shell serves from cache even with the origin down
	origin.broken.Store(true)
	rec := get(t, w, "/app.js")
	if rec.Code != http.StatusOK || rec.Body.String() != "js" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Status") != "Modelvault; hit" {
		t.Fatalf("Cache-Status = %q", rec.Header().Get("Cache-Status"))
	}
}

func TestInstallFailureRevertsAndRetries(t *testing.T) {
	origin := newTestOrigin(map[string]string{"/": "index"})
	w := newTestWorker(t, origin, WorkerConfig{StaticURLs: []string{"/", "/missing.js"}})

	if err := w.Install(context.Background()); err == nil {
		t.Fatal("install succeeded with a missing precache URL")
	}
	if w.State() != StateUninstalled {
		t.Fatalf("state after failed install = %s", w.State())
	}
	if w.store.Has("/missing.js") {
		t.Fatal("failed precache URL ended up cached")
	}

	// retryable once the origin can serve everything
	v := &atomic.Value{}
	v.Store("js")
	origin.bodies["/missing.js"] = v
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("retried install: %v", err)
	}
}

func TestInterceptMissPassesThroughUncached(t *testing.T) {
	origin := newTestOrigin(map[string]string{"/": "index", "/other": "other"})
	w := newTestWorker(t, origin, WorkerConfig{StaticURLs: []string{"/"}})
	activate(t, w)

	rec := get(t, w, "/other")
	if rec.Code != http.StatusOK || rec.Body.String() != "other" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if w.store.Has("/other") {
		t.Fatal("a pass-through response was cached")
	}
}

func TestInterceptIgnoresQueryString(t *testing.T) {
	origin := newTestOrigin(map[string]string{"/app.js": "js"})
	w := newTestWorker(t, origin, WorkerConfig{StaticURLs: []string{"/app.js"}})
	activate(t, w)

	origin.broken.Store(true)
	rec := get(t, w, "/app.js?version=2.0")
	if rec.Code != http.StatusOK || rec.Body.String() != "js" {
		t.Fatalf("query-varied request missed the cache: %d %q", rec.Code, rec.Body.String())
	}
}

func TestTokenServesNetworkFirst(t *testing.T) {
	origin := newTestOrigin(map[string]string{"/api/token": "stale-token"})
	w := newTestWorker(t, origin, WorkerConfig{APIURLs: []string{"/api/token"}})
	activate(t, w)

	origin.set("/api/token", "fresh-token")
	rec := get(t, w, "/api/token")
	if rec.Body.String() != "fresh-token" {
		t.Fatalf("token body = %q, want the network response", rec.Body.String())
	}
	if rec.Header().Get("Cache-Status") != "" {
		t.Fatal("network token response stamped as a cache hit")
	}

	// the network success did not overwrite the precached grant
	b, ok, err := w.store.Match("/api/token")
	if err != nil || !ok {
		t.Fatalf("match: ok=%v err=%v", ok, err)
	}
	res, err := bytesToResponse(b)
	if err != nil {
		t.Fatalf("stored response: %v", err)
	}
	defer res.Body.Close()
	if body, _ := io.ReadAll(res.Body); string(body) != "stale-token" {
		t.Fatalf("stored token = %q", body)
	}
}

func TestTokenFallsBackToCacheWhenOriginDown(t *testing.T) {
	origin := newTestOrigin(map[string]string{"/api/token": "last-token"})
	w := newTestWorker(t, origin, WorkerConfig{APIURLs: []string{"/api/token"}})
	activate(t, w)

	origin.broken.Store(true)
	rec := get(t, w, "/api/token")
	if rec.Code != http.StatusOK || rec.Body.String() != "last-token" {
		t.Fatalf("got %d %q, want the cached grant", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Status") != "Modelvault; hit" {
		t.Fatalf("Cache-Status = %q", rec.Header().Get("Cache-Status"))
	}
}

func TestHitRefreshesPrecachedURL(t *testing.T) {
	origin := newTestOrigin(map[string]string{"/api/models": `["a"]`})
	w := newTestWorker(t, origin, WorkerConfig{APIURLs: []string{"/api/models"}})
	activate(t, w)

	origin.set("/api/models", `["a","b"]`)
	rec := get(t, w, "/api/models")
	// the hit serves the old entry; the refresh lands afterwards
	if rec.Body.String() != `["a"]` {
		t.Fatalf("hit body = %q", rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		b, ok, _ := w.store.Match("/api/models")
		if ok {
			if res, err := bytesToResponse(b); err == nil {
				body, _ := io.ReadAll(res.Body)
				res.Body.Close()
				if string(body) == `["a","b"]` {
					return
				}
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("background refresh never updated the entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRefreshFailureKeepsOldEntry(t *testing.T) {
	origin := newTestOrigin(map[string]string{"/api/models": `["a"]`})
	w := newTestWorker(t, origin, WorkerConfig{APIURLs: []string{"/api/models"}})
	activate(t, w)

	origin.broken.Store(true)
	rec := get(t, w, "/api/models")
	if rec.Body.String() != `["a"]` {
		t.Fatalf("hit body = %q", rec.Body.String())
	}

	// give the best-effort refresh a moment to fail
	time.Sleep(100 * time.Millisecond)
	rec = get(t, w, "/api/models")
	if rec.Body.String() != `["a"]` {
		t.Fatalf("entry after failed refresh = %q", rec.Body.String())
	}
}

func TestRegistrySwapClaimsTraffic(t *testing.T) {
	origin := newTestOrigin(map[string]string{"/shell": "first"})
	reg := NewRegistry(origin, zerolog.Nop())

	// before any worker registers, the origin serves bare
	if rec := get(t, reg, "/shell"); rec.Body.String() != "first" {
		t.Fatalf("bare origin body = %q", rec.Body.String())
	}

	logger := zerolog.Nop()
	w1 := NewWorker(WorkerConfig{
		Store:      cache.NewStore(cache.NewMemory(), "gen-1"),
		StaticURLs: []string{"/shell"},
		Logger:     &logger,
	})
	if err := reg.Register(context.Background(), w1); err != nil {
		t.Fatalf("register w1: %v", err)
	}

	origin.set("/shell", "second")
	w2 := NewWorker(WorkerConfig{
		Store:      cache.NewStore(cache.NewMemory(), "gen-2"),
		StaticURLs: []string{"/shell"},
		Logger:     &logger,
	})
	if err := reg.Register(context.Background(), w2); err != nil {
		t.Fatalf("register w2: %v", err)
	}

	if reg.Active() != w2 {
		t.Fatal("the replacement worker is not the active one")
	}
	origin.broken.Store(true)
	rec := get(t, reg, "/shell")
	if rec.Body.String() != "second" {
		t.Fatalf("post-swap body = %q, want the new generation's entry", rec.Body.String())
	}
}

func TestRegistryKeepsOldWorkerOnFailedInstall(t *testing.T) {
	origin := newTestOrigin(map[string]string{"/shell": "body"})
	reg := NewRegistry(origin, zerolog.Nop())

	logger := zerolog.Nop()
	w1 := NewWorker(WorkerConfig{
		Store:      cache.NewStore(cache.NewMemory(), "gen-1"),
		StaticURLs: []string{"/shell"},
		Logger:     &logger,
	})
	if err := reg.Register(context.Background(), w1); err != nil {
		t.Fatalf("register w1: %v", err)
	}

	w2 := NewWorker(WorkerConfig{
		Store:      cache.NewStore(cache.NewMemory(), "gen-2"),
		StaticURLs: []string{"/shell", "/missing"},
		Logger:     &logger,
	})
	if err := reg.Register(context.Background(), w2); err == nil {
		t.Fatal("register succeeded despite a failed install")
	}
	if reg.Active() != w1 {
		t.Fatal("failed install displaced the active worker")
	}
}

// newModelWorker wires a worker against an upstream test server for the
// task tests. The returned URL is the upstream base.
func newModelWorker(t *testing.T, upstream http.Handler, origin http.Handler) (*Worker, string) {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	client := derivative.NewClient(srv.URL, srv.URL, srv.Client(), zerolog.Nop())
	service := derivative.NewService(client, zerolog.Nop())
	if origin == nil {
		origin = http.NotFoundHandler()
	}
	w := newTestWorker(t, origin, WorkerConfig{
		Service: service,
		Client:  srv.Client(),
	})
	activate(t, w)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	return w, srv.URL
}

// modelUpstream serves one model's manifest and derivative payloads the
// way the design-data and derivative services would.
func modelUpstream(manifest string, payloads map[string]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/manifest") || strings.HasPrefix(r.URL.Path, "/manifest/") {
			w.Write([]byte(manifest))
			return
		}
		if body, ok := payloads[r.URL.Path]; ok {
			w.Write([]byte(body))
			return
		}
		http.NotFound(w, r)
	})
}
