package derivative

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
)

// Client fetches manifests and payloads from the design-data and
// derivative services.
type Client struct {
	designDataURL string
	derivativeURL string
	httpClient    *http.Client
	log           zerolog.Logger
}

func NewClient(designDataURL, derivativeURL string, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		designDataURL: strings.TrimSuffix(designDataURL, "/"),
		derivativeURL: strings.TrimSuffix(derivativeURL, "/"),
		httpClient:    httpClient,
		log:           log,
	}
}

// ManifestURL is the derivative-service manifest URL for a model. The urn
// goes in raw: the viewer requests it unencoded, and cache keys have to
// match what the viewer will ask for.
func (c *Client) ManifestURL(urn string) string {
	return c.derivativeURL + "/manifest/" + urn
}

// DerivativeURL is the download URL for one derivative path. Unlike the
// manifest URL the path is percent-encoded, again matching the viewer.
func (c *Client) DerivativeURL(path string) string {
	return c.derivativeURL + "/derivatives/" + url.PathEscape(path)
}

// Manifest fetches and decodes the design-data manifest for a model.
func (c *Client) Manifest(ctx context.Context, urn, accessToken string) (*Manifest, error) {
	body, err := c.get(ctx, c.designDataURL+"/"+urn+"/manifest", accessToken)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest for %s: %w", urn, err)
	}
	var m Manifest
	if err := sonic.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode manifest for %s: %w", urn, err)
	}
	return &m, nil
}

// ResolveDerivatives fetches the model's manifest and flattens it into
// cacheable derivative descriptors. A manifest without a derivatives list
// resolves to an empty slice.
func (c *Client) ResolveDerivatives(ctx context.Context, urn, accessToken string) ([]Derivative, error) {
	m, err := c.Manifest(ctx, urn, accessToken)
	if err != nil {
		return nil, err
	}
	return collectNodes(m.Derivatives), nil
}

// Download fetches one derivative payload by its path.
func (c *Client) Download(ctx context.Context, path, accessToken string) ([]byte, error) {
	return c.get(ctx, c.DerivativeURL(path), accessToken)
}

func (c *Client) get(ctx context.Context, rawURL, accessToken string) ([]byte, error) {
	c.log.Trace().Str("url", rawURL).Msg("fetching")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: %s", rawURL, res.Status)
	}
	body := io.Reader(res.Body)
	// manifests may arrive gzipped outside of transport negotiation
	if res.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(res.Body)
		if err != nil {
			return nil, fmt.Errorf("GET %s: %w", rawURL, err)
		}
		defer gz.Close()
		body = gz
	}
	return io.ReadAll(body)
}
