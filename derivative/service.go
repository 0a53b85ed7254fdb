package derivative

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Service resolves models into their full cacheable file sets.
type Service struct {
	client *Client
	log    zerolog.Logger
}

func NewService(client *Client, log zerolog.Logger) *Service {
	return &Service{client: client, log: log}
}

// ListFiles resolves the manifest for urn and enumerates every
// derivative's files. Enumerations run concurrently and isolated: one
// derivative failing neither stops nor taints its siblings. The returned
// slice holds every derivative that enumerated cleanly; the error joins
// one entry per failed derivative, so a failure stays distinguishable
// from a successful empty enumeration.
func (s *Service) ListFiles(ctx context.Context, urn, accessToken string) ([]Derivative, error) {
	derivs, err := s.client.ResolveDerivatives(ctx, urn, accessToken)
	if err != nil {
		return nil, err
	}

	files := make([][]string, len(derivs))
	errs := make([]error, len(derivs))
	var wg sync.WaitGroup
	for i := range derivs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fs, err := s.client.EnumerateFiles(ctx, derivs[i], accessToken)
			if err != nil {
				errs[i] = fmt.Errorf("derivative %s: %w", derivs[i].GUID, err)
				return
			}
			files[i] = fs
		}(i)
	}
	wg.Wait()

	enumerated := make([]Derivative, 0, len(derivs))
	for i, d := range derivs {
		if errs[i] != nil {
			s.log.Warn().Str("urn", urn).Str("guid", d.GUID).Err(errs[i]).Msg("enumeration failed")
			continue
		}
		d.Files = files[i]
		enumerated = append(enumerated, d)
	}
	return enumerated, errors.Join(errs...)
}

// CacheableURLs flattens a resolved model into the URL set a cache task
// fetches: the manifest URL itself, every derivative's payload URL, and
// every enumerated file resolved against its derivative's base path.
func (s *Service) CacheableURLs(urn string, derivs []Derivative) []string {
	urls := []string{s.client.ManifestURL(urn)}
	for _, d := range derivs {
		urls = append(urls, s.client.DerivativeURL(d.URN))
		for _, f := range d.Files {
			urls = append(urls, s.client.DerivativeURL(d.BasePath+f))
		}
	}
	return urls
}
