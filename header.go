package modelvault

import "net/http"

// Cache-Status header value stamped on responses served from the store,
// in RFC 9211 form.
const cacheStatusHit = "Modelvault; hit"

// copyHeader copies headers onto a response, dropping the forwarding
// headers an upstream proxy may have baked into the stored copy. Some
// clients refuse responses carrying them.
func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if k == "X-Forwarded-For" || k == "X-Forwarded-Proto" || k == "X-Forwarded-Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
