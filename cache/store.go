package cache

import (
	"sort"
	"strings"
)

// Store gives a Provider URL-keyed semantics under a named generation.
// Keys are laid out as "<generation>\t<url>", so renaming the generation
// orphans every old entry without touching it: lookups simply stop
// matching. Orphaned rows stay in the database until cleaned up out of
// band.
type Store struct {
	provider Provider
	name     string
}

// NewStore binds provider to the cache generation name, for example
// "modelvault-v1".
func NewStore(provider Provider, name string) *Store {
	return &Store{provider: provider, name: name}
}

func (s *Store) Name() string { return s.name }

func (s *Store) key(url string) string {
	return s.name + "\t" + url
}

func (s *Store) urlOf(key string) string {
	return strings.TrimPrefix(key, s.name+"\t")
}

// Put stores a serialized response under url, replacing any previous entry
// for the same url in this generation.
func (s *Store) Put(url string, response []byte) error {
	return s.provider.Put(s.key(url), response)
}

// Match returns the response stored for url, ignoring query strings: an
// exact hit wins, otherwise an entry whose URL differs from the request
// only in its query string serves. Responses are stored under their full
// URL either way.
func (s *Store) Match(url string) ([]byte, bool, error) {
	if b, ok, err := s.provider.Get(s.key(url)); ok || err != nil {
		return b, ok, err
	}
	base := stripQuery(url)
	entries, err := s.provider.All(s.key(base))
	if err != nil {
		return nil, false, err
	}
	for _, e := range entries {
		if stripQuery(s.urlOf(e.Key)) == base {
			return e.Bytes, true, nil
		}
	}
	return nil, false, nil
}

// Delete removes the entry stored for exactly url and reports whether
// there was one.
func (s *Store) Delete(url string) (bool, error) {
	key := s.key(url)
	if !s.provider.Has(key) {
		return false, nil
	}
	if err := s.provider.Delete(key); err != nil {
		return false, err
	}
	return true, nil
}

// Keys returns every URL cached in this generation, sorted.
func (s *Store) Keys() ([]string, error) {
	urls := make([]string, 0)
	err := s.provider.Keys(s.name+"\t", func(key string) {
		urls = append(urls, s.urlOf(key))
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(urls)
	return urls, nil
}

func (s *Store) Has(url string) bool {
	return s.provider.Has(s.key(url))
}

func (s *Store) Close() error { return s.provider.Close() }

func stripQuery(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}
