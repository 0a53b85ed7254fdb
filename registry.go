package modelvault

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Registry owns the application's handler chain. Until a worker is
// registered it serves the origin bare; afterwards every request flows
// through the active worker's interception. A newly activated worker
// claims all traffic at the swap, in flight or not, and the worker it
// replaces is stopped without draining.
type Registry struct {
	origin http.Handler
	log    zerolog.Logger

	active atomic.Pointer[Worker]

	mu         sync.Mutex
	stopActive context.CancelFunc
}

func NewRegistry(origin http.Handler, logger zerolog.Logger) *Registry {
	return &Registry{origin: origin, log: logger}
}

// Register installs and activates w, swaps it in as the interceptor for
// all traffic, and starts its task dispatcher. A failed install leaves
// the previous worker (if any) in place.
func (g *Registry) Register(ctx context.Context, w *Worker) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	w.Middleware(g.origin)
	if err := w.Install(ctx); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if err := w.Activate(); err != nil {
		return fmt.Errorf("activate: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	go w.Run(runCtx)

	g.active.Store(w)
	if g.stopActive != nil {
		g.stopActive()
	}
	g.stopActive = cancel
	g.log.Info().Str("cache", w.store.Name()).Msg("worker registered and active")
	return nil
}

// Active returns the worker currently claiming traffic, or nil.
func (g *Registry) Active() *Worker {
	return g.active.Load()
}

func (g *Registry) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if w := g.active.Load(); w != nil {
		w.ServeHTTP(rw, r)
		return
	}
	g.origin.ServeHTTP(rw, r)
}
