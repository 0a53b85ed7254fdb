package modelvault

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Op is a protocol operation understood by the worker.
type Op string

const (
	OpCacheURN   Op = "CACHE_URN"
	OpClearURN   Op = "CLEAR_URN"
	OpListCaches Op = "LIST_CACHES"
)

// fetchParallelism caps concurrent downloads per cache task. Large models
// resolve to hundreds of derivative files.
const fetchParallelism = 8

// Task is one protocol message to the worker.
type Task struct {
	ID          string `json:"id"`
	Op          Op     `json:"operation"`
	URN         string `json:"urn,omitempty"`
	AccessToken string `json:"access_token,omitempty"`

	reply chan Reply
}

// Reply answers exactly one Task: either ok with the URL list the
// operation produced, or an error.
type Reply struct {
	Status string   `json:"status,omitempty"`
	URLs   []string `json:"urls,omitempty"`
	Error  string   `json:"error,omitempty"`
}

func okReply(urls []string) Reply { return Reply{Status: "ok", URLs: urls} }

func errReply(err error) Reply { return Reply{Error: err.Error()} }

// Err surfaces an error reply as an error value.
func (r Reply) Err() error {
	if r.Error != "" {
		return fmt.Errorf("%s", r.Error)
	}
	return nil
}

// Do submits one task and waits for its reply. It is the in-process
// client side of the message protocol.
func (w *Worker) Do(ctx context.Context, op Op, urn, accessToken string) ([]string, error) {
	if w.State() != StateActive {
		return nil, fmt.Errorf("worker not active (state %s)", w.State())
	}
	t := &Task{
		ID:          uuid.NewString(),
		Op:          op,
		URN:         urn,
		AccessToken: accessToken,
		reply:       make(chan Reply, 1),
	}
	select {
	case w.tasks <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-t.reply:
		return rep.URLs, rep.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run dispatches protocol tasks until ctx is canceled. Tasks run
// independently of each other and of the intercept path: a cache task
// with hundreds of downloads in flight must not delay a clear, a list, or
// an intercepted request. Clear and cache racing on the same urn is
// allowed, deletes and writes interleave and the last write wins.
func (w *Worker) Run(ctx context.Context) {
	w.log.Debug().Msg("task dispatcher running")
	for {
		select {
		case <-ctx.Done():
			w.log.Debug().Msg("task dispatcher stopped")
			return
		case t := <-w.tasks:
			go w.serveTask(ctx, t)
		}
	}
}

// serveTask answers one task, exactly once. The reply send sits in a
// defer next to a recover, so even a panicking operation produces an
// error reply instead of a hung caller.
func (w *Worker) serveTask(ctx context.Context, t *Task) {
	logger := w.log.With().
		Str("task", t.ID).
		Str("op", string(t.Op)).
		Str("urn", t.URN).
		Logger()

	rep := Reply{}
	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("task panicked")
			rep = errReply(fmt.Errorf("internal: %v", p))
		}
		w.metrics.Task(t.Op, rep.Err())
		t.reply <- rep
	}()

	urls, err := w.performTask(ctx, t)
	if err != nil {
		logger.Warn().Err(err).Msg("task failed")
		rep = errReply(err)
		return
	}
	logger.Debug().Int("urls", len(urls)).Msg("task done")
	rep = okReply(urls)
}

func (w *Worker) performTask(ctx context.Context, t *Task) ([]string, error) {
	switch t.Op {
	case OpCacheURN:
		return w.cacheURN(ctx, t.URN, t.AccessToken)
	case OpClearURN:
		return w.clearURN(t.URN)
	case OpListCaches:
		return w.store.Keys()
	default:
		return nil, fmt.Errorf("unknown operation %q", t.Op)
	}
}

// cacheURN resolves the model's complete URL set and fetches all of it
// into the store. All-or-nothing: any enumeration or fetch failure fails
// the task. Writes that completed before the failure stay (there is no
// rollback), but the reply never claims partial success.
func (w *Worker) cacheURN(ctx context.Context, urn, accessToken string) ([]string, error) {
	if urn == "" {
		return nil, fmt.Errorf("no urn given")
	}
	derivs, err := w.service.ListFiles(ctx, urn, accessToken)
	if err != nil {
		return nil, fmt.Errorf("list files for %s: %w", urn, err)
	}
	urls := w.service.CacheableURLs(urn, derivs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallelism)
	for _, u := range urls {
		g.Go(func() error {
			res, err := w.fetch.get(gctx, u, accessToken)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			if !res.ok() {
				return fmt.Errorf("fetch %s: status %d", u, res.status)
			}
			if err := w.store.Put(u, res.bytes); err != nil {
				return fmt.Errorf("store %s: %w", u, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

// clearURN deletes every cached URL containing urn and returns the
// deleted list. Clearing a model that was never cached is a no-op with an
// empty result.
func (w *Worker) clearURN(urn string) ([]string, error) {
	if urn == "" {
		return nil, fmt.Errorf("no urn given")
	}
	keys, err := w.store.Keys()
	if err != nil {
		return nil, err
	}
	deleted := make([]string, 0)
	for _, u := range keys {
		if !strings.Contains(u, urn) {
			continue
		}
		ok, err := w.store.Delete(u)
		if err != nil {
			return nil, err
		}
		if ok {
			deleted = append(deleted, u)
		}
	}
	return deleted, nil
}
