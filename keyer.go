package modelvault

import (
	"net/http"
	"strings"
)

// Rewrite maps a local route prefix to the upstream URL it proxies to.
// Cache tasks store derivative payloads under their upstream URLs, so the
// intercept has to canonicalize proxied requests to the same form for
// lookups to hit.
type Rewrite struct {
	Prefix string `yaml:"prefix" validate:"required"`
	Target string `yaml:"target" validate:"required,url"`
}

// Keyer derives the canonical URL an intercepted request is matched and
// stored under.
type Keyer struct {
	rewrites []Rewrite
}

func NewKeyer(rewrites []Rewrite) Keyer {
	rs := make([]Rewrite, len(rewrites))
	copy(rs, rewrites)
	for i := range rs {
		rs[i].Prefix = strings.TrimSuffix(rs[i].Prefix, "/")
		rs[i].Target = strings.TrimSuffix(rs[i].Target, "/")
	}
	return Keyer{rewrites: rs}
}

// CanonicalURL returns the cache key URL for a request. Absolute URLs
// pass through, configured route prefixes map onto their upstream URL,
// anything else keys by path and query. The escaped request path is used
// throughout: derivative URLs percent-encode their payload path and keys
// have to match byte for byte.
func (k Keyer) CanonicalURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	uri := r.URL.RequestURI()
	for _, rw := range k.rewrites {
		if strings.HasPrefix(uri, rw.Prefix+"/") {
			return rw.Target + strings.TrimPrefix(uri, rw.Prefix)
		}
	}
	return uri
}
