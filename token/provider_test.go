package token

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFresh(t *testing.T) {
	now := time.Now()
	if !Fresh(now, now.Add(time.Second)) {
		t.Fatal("a token expiring in the future is fresh")
	}
	if Fresh(now, now) {
		t.Fatal("a token is stale at its expiry instant")
	}
	if Fresh(now, now.Add(-time.Second)) {
		t.Fatal("an expired token is stale")
	}
}

func TestTokenCachesUntilExpiry(t *testing.T) {
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := fetches.Add(1)
		fmt.Fprintf(w, `{"access_token": "tok-%d", "expires_in": 3600}`, n)
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, srv.Client(), zerolog.Nop())
	clock := time.Now()
	p.now = func() time.Time { return clock }

	tok, ttl, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "tok-1" || ttl != time.Hour {
		t.Fatalf("got %q ttl %v", tok, ttl)
	}

	// a second call within the lifetime reuses the grant
	clock = clock.Add(30 * time.Minute)
	tok, ttl, err = p.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "tok-1" {
		t.Fatalf("refetched early: %q", tok)
	}
	if ttl != 30*time.Minute {
		t.Fatalf("remaining ttl = %v", ttl)
	}

	// past the expiry instant it refreshes
	clock = clock.Add(30 * time.Minute)
	tok, _, err = p.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "tok-2" {
		t.Fatalf("expected a refresh, got %q", tok)
	}
	if got := fetches.Load(); got != 2 {
		t.Fatalf("fetch count = %d", got)
	}
}

func TestTokenEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, srv.Client(), zerolog.Nop())
	if _, _, err := p.Token(context.Background()); err == nil {
		t.Fatal("expected an error from a failing endpoint")
	}
}
