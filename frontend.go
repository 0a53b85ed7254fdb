package modelvault

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/modelvault/modelvault/token"
)

// ModelStatus is the per-model indicator the viewer page renders.
type ModelStatus string

const (
	StatusPending ModelStatus = "pending"
	StatusCached  ModelStatus = "cached"
	StatusAbsent  ModelStatus = "absent"
)

// Frontend is the foreground controller: it registers the worker, relays
// the user-facing cache actions to it over the message protocol, and
// tracks the per-model status shown next to each model.
type Frontend struct {
	worker *Worker
	tokens *token.Provider
	log    zerolog.Logger

	// OnChange, when set, is notified after every status change.
	OnChange func(urn string, status ModelStatus)

	mu     sync.Mutex
	status map[string]ModelStatus
}

func NewFrontend(worker *Worker, tokens *token.Provider, logger zerolog.Logger) *Frontend {
	return &Frontend{
		worker: worker,
		tokens: tokens,
		log:    logger,
		status: make(map[string]ModelStatus),
	}
}

// Register installs and activates the worker through the registry so it
// starts claiming traffic.
func (f *Frontend) Register(ctx context.Context, reg *Registry) error {
	return reg.Register(ctx, f.worker)
}

// CacheModel makes urn fully available offline and returns the URL list
// now cached for it.
func (f *Frontend) CacheModel(ctx context.Context, urn string) ([]string, error) {
	f.setStatus(urn, StatusPending)
	tok, _, err := f.tokens.Token(ctx)
	if err != nil {
		f.refreshStatus(ctx, urn)
		return nil, fmt.Errorf("obtain access token: %w", err)
	}
	urls, err := f.worker.Do(ctx, OpCacheURN, urn, tok)
	f.refreshStatus(ctx, urn)
	return urls, err
}

// ClearModel removes urn's cached URLs and returns the removed list.
func (f *Frontend) ClearModel(ctx context.Context, urn string) ([]string, error) {
	f.setStatus(urn, StatusPending)
	urls, err := f.worker.Do(ctx, OpClearURN, urn, "")
	f.refreshStatus(ctx, urn)
	return urls, err
}

// ListCached returns every URL in the active cache generation.
func (f *Frontend) ListCached(ctx context.Context) ([]string, error) {
	return f.worker.Do(ctx, OpListCaches, "", "")
}

// Status returns the last rendered status for urn.
func (f *Frontend) Status(urn string) ModelStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.status[urn]; ok {
		return st
	}
	return StatusAbsent
}

func (f *Frontend) setStatus(urn string, st ModelStatus) {
	f.mu.Lock()
	prev, had := f.status[urn]
	f.status[urn] = st
	f.mu.Unlock()
	if had && prev == st {
		return
	}
	f.log.Debug().Str("urn", urn).Str("status", string(st)).Msg("model status")
	if f.OnChange != nil {
		f.OnChange(urn, st)
	}
}

// refreshStatus re-derives the indicator for urn from what is actually
// cached. It runs after every task reply, success and failure alike, so
// the page never shows a stale pending state.
func (f *Frontend) refreshStatus(ctx context.Context, urn string) {
	urls, err := f.worker.Do(ctx, OpListCaches, "", "")
	if err != nil {
		f.log.Warn().Err(err).Str("urn", urn).Msg("status refresh failed")
		f.setStatus(urn, StatusAbsent)
		return
	}
	st := StatusAbsent
	for _, u := range urls {
		if strings.Contains(u, urn) {
			st = StatusCached
			break
		}
	}
	f.setStatus(urn, st)
}
