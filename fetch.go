package modelvault

import (
	"context"
	"fmt"
	"net/http"
)

// fetcher retrieves URLs on behalf of the worker. Absolute URLs go out
// through the HTTP client; rootless paths run against the origin handler
// directly, which lets install precache the application shell before the
// listener is even up.
type fetcher struct {
	client *http.Client
	origin http.Handler
}

func newFetcher(client *http.Client) *fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &fetcher{client: client}
}

// fetched is one response in stored form.
type fetched struct {
	status int
	bytes  []byte
}

func (f fetched) ok() bool { return f.status >= 200 && f.status < 300 }

// get fetches url with optional bearer auth.
func (f *fetcher) get(ctx context.Context, url, accessToken string) (fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fetched{}, err
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return f.do(req)
}

// do dispatches a request by its URL form and returns the serialized
// response.
func (f *fetcher) do(req *http.Request) (fetched, error) {
	if req.URL.IsAbs() {
		res, err := f.client.Do(req)
		if err != nil {
			return fetched{}, err
		}
		defer res.Body.Close()
		b, err := responseToBytes(res)
		if err != nil {
			return fetched{}, fmt.Errorf("serialize response for %s: %w", req.URL, err)
		}
		return fetched{status: res.StatusCode, bytes: b}, nil
	}
	if f.origin == nil {
		return fetched{}, fmt.Errorf("no origin handler for %s", req.URL)
	}
	rs := NewResponseSaver()
	f.origin.ServeHTTP(rs, req)
	return fetched{status: rs.StatusCode(), bytes: rs.Response()}, nil
}
