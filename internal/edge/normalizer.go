// Package edge canonicalizes inbound requests before any origin
// contact. The canonical path it produces is the cache key for every
// downstream layer, so equivalent requests must collapse to one path.
package edge

import (
	"net/http"
	"net/url"

	"github.com/dunamismax/pixelserve/internal/imageops"
)

// Normalize rewrites a request path plus query parameters into the
// canonical form <path>/<operations> or <path>/original. Query ordering
// and unsupported parameters never influence the result.
func Normalize(requestPath string, query url.Values, accept string) string {
	if len(requestPath) > 1 && requestPath[len(requestPath)-1] == '/' {
		requestPath = requestPath[:len(requestPath)-1]
	}

	// A path with no source segment cannot be canonicalized; leave it
	// alone so the handler rejects it.
	if requestPath == "" || requestPath == "/" {
		return "/"
	}

	if len(query) == 0 {
		return requestPath + "/" + imageops.OriginalToken
	}

	ops := operationsFromQuery(query, accept)
	return requestPath + "/" + ops.PathSegment()
}

func operationsFromQuery(query url.Values, accept string) imageops.OperationSet {
	ops := imageops.Parse(joinRecognized(query))
	if ops.Format == imageops.FormatAuto {
		ops.Format = imageops.Negotiate(accept)
	}
	return ops
}

// joinRecognized re-serializes only the four recognized keys, in the
// fixed field order, so the permissive parser sees one uniform shape for
// both path tokens and query parameters.
func joinRecognized(query url.Values) string {
	token := ""
	for _, key := range []string{"format", "quality", "width", "height"} {
		value := query.Get(key)
		if value == "" {
			continue
		}
		if token != "" {
			token += ","
		}
		token += key + "=" + value
	}
	return token
}

// Middleware rewrites each GET request to its canonical path and strips
// all query parameters before handing off. Stripping is unconditional:
// downstream caching must key on the path alone.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			r.URL.Path = Normalize(r.URL.Path, r.URL.Query(), r.Header.Get("Accept"))
			r.URL.RawQuery = ""
		}
		next.ServeHTTP(w, r)
	})
}
