package modelvault

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/modelvault/modelvault/cache"
	"github.com/modelvault/modelvault/token"
)

func newTestFrontend(t *testing.T) (*Frontend, *Worker) {
	t.Helper()
	manifest, payloads := modelFixture(t)
	mux := http.NewServeMux()
	mux.Handle("/", modelUpstream(manifest, payloads))
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token": "tok", "expires_in": 3600}`))
	})
	worker, base := newModelWorker(t, mux, nil)
	tokens := token.NewProvider(base+"/token", http.DefaultClient, zerolog.Nop())
	return NewFrontend(worker, tokens, zerolog.Nop()), worker
}

func TestFrontendCacheUpdatesStatus(t *testing.T) {
	f, _ := newTestFrontend(t)
	if st := f.Status("model-a"); st != StatusAbsent {
		t.Fatalf("initial status = %s", st)
	}

	var seen []ModelStatus
	f.OnChange = func(urn string, st ModelStatus) { seen = append(seen, st) }

	urls, err := f.CacheModel(context.Background(), "model-a")
	if err != nil {
		t.Fatalf("cache model: %v", err)
	}
	if len(urls) == 0 {
		t.Fatal("cache model returned no urls")
	}
	if st := f.Status("model-a"); st != StatusCached {
		t.Fatalf("status after caching = %s", st)
	}
	// pending while the task ran, then the re-derived result
	if len(seen) != 2 || seen[0] != StatusPending || seen[1] != StatusCached {
		t.Fatalf("status changes = %v", seen)
	}
}

func TestFrontendClearRevertsStatus(t *testing.T) {
	f, _ := newTestFrontend(t)
	if _, err := f.CacheModel(context.Background(), "model-a"); err != nil {
		t.Fatalf("cache model: %v", err)
	}
	if _, err := f.ClearModel(context.Background(), "model-a"); err != nil {
		t.Fatalf("clear model: %v", err)
	}
	if st := f.Status("model-a"); st != StatusAbsent {
		t.Fatalf("status after clear = %s", st)
	}
}

func TestFrontendFailedTaskStillSettlesStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token": "tok", "expires_in": 3600}`))
	})
	worker, base := newModelWorker(t, mux, nil)
	tokens := token.NewProvider(base+"/token", http.DefaultClient, zerolog.Nop())
	f := NewFrontend(worker, tokens, zerolog.Nop())

	if _, err := f.CacheModel(context.Background(), "model-a"); err == nil {
		t.Fatal("cache model succeeded against a dead upstream")
	}
	if st := f.Status("model-a"); st != StatusAbsent {
		t.Fatalf("status after failed task = %s, want absent", st)
	}
}

func TestFrontendRegisterActivatesWorker(t *testing.T) {
	manifest, payloads := modelFixture(t)
	srv := httptest.NewServer(modelUpstream(manifest, payloads))
	t.Cleanup(srv.Close)

	logger := zerolog.Nop()
	worker := NewWorker(WorkerConfig{
		Store:  cache.NewStore(cache.NewMemory(), "test-v1"),
		Client: srv.Client(),
		Logger: &logger,
	})
	tokens := token.NewProvider(srv.URL+"/token", srv.Client(), zerolog.Nop())
	f := NewFrontend(worker, tokens, zerolog.Nop())

	reg := NewRegistry(newTestOrigin(nil), zerolog.Nop())
	if err := f.Register(context.Background(), reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if worker.State() != StateActive {
		t.Fatalf("worker state = %s", worker.State())
	}
	if reg.Active() != worker {
		t.Fatal("registry did not activate the frontend's worker")
	}
}
