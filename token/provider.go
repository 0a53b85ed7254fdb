package token

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
)

// Fresh is the refresh policy: a token is usable strictly before its
// expiry instant.
func Fresh(now, expiresAt time.Time) bool {
	return now.Before(expiresAt)
}

// Grant is the issuance payload of the token collaborator, and of the
// /api/token relay that hands it on to the viewer.
type Grant struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Provider hands out viewer access tokens, fetching a new one from the
// collaborator endpoint only when the cached one has expired. It is safe
// for concurrent use; concurrent callers share one refresh.
type Provider struct {
	url        string
	httpClient *http.Client
	log        zerolog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

func NewProvider(url string, httpClient *http.Client, log zerolog.Logger) *Provider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Provider{url: url, httpClient: httpClient, log: log, now: time.Now}
}

// Token returns a usable access token together with its remaining
// lifetime.
func (p *Provider) Token(ctx context.Context) (string, time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if p.token != "" && Fresh(now, p.expiresAt) {
		return p.token, p.expiresAt.Sub(now), nil
	}
	g, err := p.fetch(ctx)
	if err != nil {
		return "", 0, err
	}
	p.token = g.AccessToken
	p.expiresAt = now.Add(time.Duration(g.ExpiresIn) * time.Second)
	p.log.Debug().Time("expiresAt", p.expiresAt).Msg("access token refreshed")
	return p.token, p.expiresAt.Sub(now), nil
}

func (p *Provider) fetch(ctx context.Context) (*Grant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, err
	}
	res, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch access token: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch access token: %s", res.Status)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read access token: %w", err)
	}
	var g Grant
	if err := sonic.Unmarshal(body, &g); err != nil {
		return nil, fmt.Errorf("decode access token: %w", err)
	}
	if g.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access_token")
	}
	return &g, nil
}
