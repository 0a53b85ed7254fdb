package modelvault

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/modelvault/modelvault/cache"
	"github.com/modelvault/modelvault/derivative"
)

// State is the lifecycle state of a Worker.
type State int32

const (
	StateUninstalled State = iota
	StateInstalling
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// refreshTimeout bounds one opportunistic background refresh.
const refreshTimeout = 30 * time.Second

// WorkerConfig wires a Worker's collaborators together.
type WorkerConfig struct {
	// Store holds the cached responses.
	Store *cache.Store
	// Service resolves models into their cacheable URL sets.
	Service *derivative.Service
	// StaticURLs and APIURLs are precached during install and refreshed
	// opportunistically whenever they serve from cache.
	StaticURLs []string
	APIURLs    []string
	// TokenPath identifies token-endpoint requests by URL suffix.
	// Defaults to "/api/token".
	TokenPath string
	// Rewrites canonicalize proxied routes to their upstream URLs.
	Rewrites []Rewrite
	// Client performs absolute-URL fetches. http.DefaultClient if nil.
	Client *http.Client
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Metrics may be nil.
	Metrics *Metrics
}

// Worker is the cache controller. It precaches the application shell when
// installed, intercepts all application traffic once active, and runs the
// explicit cache tasks delivered over the message protocol.
type Worker struct {
	store   *cache.Store
	service *derivative.Service
	keyer   Keyer
	fetch   *fetcher
	log     zerolog.Logger
	metrics *Metrics

	tokenPath  string
	precache   []string
	refreshSet map[string]bool

	state atomic.Int32
	tasks chan *Task
}

func NewWorker(cfg WorkerConfig) *Worker {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("cache", cfg.Store.Name()).Logger()

	precache := make([]string, 0, len(cfg.StaticURLs)+len(cfg.APIURLs))
	precache = append(precache, cfg.StaticURLs...)
	precache = append(precache, cfg.APIURLs...)
	refresh := make(map[string]bool, len(precache))
	for _, u := range precache {
		refresh[u] = true
	}

	tokenPath := cfg.TokenPath
	if tokenPath == "" {
		tokenPath = "/api/token"
	}

	return &Worker{
		store:      cfg.Store,
		service:    cfg.Service,
		keyer:      NewKeyer(cfg.Rewrites),
		fetch:      newFetcher(cfg.Client),
		log:        logger,
		metrics:    cfg.Metrics,
		tokenPath:  tokenPath,
		precache:   precache,
		refreshSet: refresh,
		tasks:      make(chan *Task),
	}
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.log.Debug().Stringer("state", s).Msg("worker state changed")
}

// Middleware wraps the origin handler with the worker's interception. The
// handler is also how install and refresh reach the application shell.
func (w *Worker) Middleware(next http.Handler) http.Handler {
	w.fetch.origin = next
	return w
}

// Install precaches the configured shell and API URLs. The fetches run
// concurrently and install succeeds only if every one of them lands: a
// partially precached shell is worse offline than none. A failed install
// reverts to uninstalled and can be retried.
func (w *Worker) Install(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateUninstalled), int32(StateInstalling)) {
		return fmt.Errorf("install from state %s", w.State())
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, u := range w.precache {
		g.Go(func() error {
			res, err := w.fetch.get(ctx, u, "")
			if err != nil {
				return fmt.Errorf("precache %s: %w", u, err)
			}
			if !res.ok() {
				return fmt.Errorf("precache %s: status %d", u, res.status)
			}
			if err := w.store.Put(u, res.bytes); err != nil {
				return fmt.Errorf("store %s: %w", u, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.setState(StateUninstalled)
		return err
	}
	w.log.Info().Int("urls", len(w.precache)).Msg("precache installed")
	return nil
}

// Activate marks the worker active. The registry swaps traffic over right
// after, so there is no waiting state in between: activation claims every
// open page.
func (w *Worker) Activate() error {
	if !w.state.CompareAndSwap(int32(StateInstalling), int32(StateActivating)) {
		return fmt.Errorf("activate from state %s", w.State())
	}
	w.setState(StateActive)
	return nil
}

// ServeHTTP intercepts one application request.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	url := w.keyer.CanonicalURL(r)
	logger := w.log.With().Str("url", url).Logger()

	if strings.HasSuffix(url, w.tokenPath) {
		w.serveToken(rw, r, url, logger)
		return
	}

	if b, ok, err := w.store.Match(url); err != nil {
		logger.Error().Err(err).Msg("cache lookup failed")
	} else if ok {
		w.metrics.Intercept(OutcomeHit)
		w.writeSerialized(rw, b, true, logger)
		if w.refreshSet[url] {
			go w.refresh(url)
		}
		return
	}

	// a miss passes through untouched: only install and explicit cache
	// tasks introduce new URLs
	w.metrics.Intercept(OutcomeMiss)
	w.fetch.origin.ServeHTTP(rw, r)
}

// serveToken handles token-endpoint requests network-first. Whatever the
// network answers is relayed as-is and deliberately not written to the
// cache; only when the network path is down (transport failure, or the
// relay reporting its upstream gone with a 5xx) does the precached grant
// serve, letting the viewer start offline with its last token.
func (w *Worker) serveToken(rw http.ResponseWriter, r *http.Request, url string, logger zerolog.Logger) {
	res, err := w.fetch.do(r)
	if err == nil && res.status < http.StatusInternalServerError {
		w.metrics.Intercept(OutcomeTokenNetwork)
		w.writeSerialized(rw, res.bytes, false, logger)
		return
	}
	if err != nil {
		logger.Warn().Err(err).Msg("token fetch failed, trying cache")
	} else {
		logger.Warn().Int("status", res.status).Msg("token endpoint unavailable, trying cache")
	}

	b, ok, merr := w.store.Match(url)
	if merr != nil || !ok {
		w.metrics.Intercept(OutcomeMiss)
		http.Error(rw, "token unavailable", http.StatusServiceUnavailable)
		return
	}
	w.metrics.Intercept(OutcomeTokenFallback)
	w.writeSerialized(rw, b, true, logger)
}

// writeSerialized sends a stored-form response to the client.
func (w *Worker) writeSerialized(rw http.ResponseWriter, b []byte, hit bool, logger zerolog.Logger) {
	res, err := bytesToResponse(b)
	if err != nil {
		logger.Error().Err(err).Msg("stored response unreadable")
		http.Error(rw, "cache entry unreadable", http.StatusInternalServerError)
		return
	}
	defer res.Body.Close()
	copyHeader(rw.Header(), res.Header)
	if hit {
		rw.Header().Set("Cache-Status", cacheStatusHit)
	}
	rw.WriteHeader(res.StatusCode)
	n, err := io.Copy(rw, res.Body)
	if err != nil {
		logger.Error().Err(err).Msg("could not write response body to client")
	}
	logger.Trace().Int64("bytes", n).Bool("hit", hit).Msg("response sent")
}

// refresh re-fetches one precached URL after it served from cache.
// Strictly best-effort: on any failure the previous entry stays put and
// the viewer never hears about it.
func (w *Worker) refresh(url string) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	res, err := w.fetch.get(ctx, url, "")
	if err != nil {
		w.log.Warn().Str("url", url).Err(err).Msg("refresh failed")
		return
	}
	if !res.ok() {
		w.log.Warn().Str("url", url).Int("status", res.status).Msg("refresh skipped")
		return
	}
	if err := w.store.Put(url, res.bytes); err != nil {
		w.log.Warn().Str("url", url).Err(err).Msg("refresh store failed")
		return
	}
	w.metrics.Refresh()
	w.log.Trace().Str("url", url).Msg("refreshed")
}
