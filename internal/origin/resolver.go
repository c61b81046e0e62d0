// Package origin resolves original image bytes: the primary object
// store first, then an allow-listed remote URL as a pull-through
// fallback. The two allow-list gates are the security boundary that
// keeps the fallback from becoming an open proxy.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnavailable is returned when neither the primary store nor the
// remote fallback can supply the source. Callers map it to a 404.
var ErrUnavailable = errors.New("origin unavailable")

type ObjectReader interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, string, error)
}

type HostMatcher interface {
	MatchHost(host string) bool
	MatchURL(raw string) bool
}

type Resolver struct {
	store       ObjectReader
	remoteHosts HostMatcher
	refererList HostMatcher
	httpClient  *http.Client
	logger      *log.Logger
}

func NewResolver(logger *log.Logger, store ObjectReader, remoteHosts, refererList HostMatcher, fetchTimeout time.Duration) *Resolver {
	if fetchTimeout <= 0 {
		fetchTimeout = 20 * time.Second
	}
	return &Resolver{
		store:       store,
		remoteHosts: remoteHosts,
		refererList: refererList,
		httpClient:  &http.Client{Timeout: fetchTimeout},
		logger:      logger,
	}
}

// Resolve fetches the source bytes and content type for sourcePath.
// Store errors are swallowed and advance to the remote fallback; they
// never abort the request on their own.
func (r *Resolver) Resolve(ctx context.Context, sourcePath, referer string, requireReferer bool) ([]byte, string, error) {
	if r.store != nil {
		key := strings.TrimPrefix(sourcePath, "/")
		data, contentType, err := r.store.ReadObject(ctx, key)
		if err == nil {
			return data, contentType, nil
		}
		r.logger.Printf("primary store miss key=%s err=%v", key, err)
	}

	return r.resolveRemote(ctx, sourcePath, referer, requireReferer)
}

func (r *Resolver) resolveRemote(ctx context.Context, sourcePath, referer string, requireReferer bool) ([]byte, string, error) {
	if requireReferer && !r.refererList.MatchURL(referer) {
		r.logger.Printf("referer rejected referer=%q path=%s", referer, sourcePath)
		return nil, "", ErrUnavailable
	}

	remoteURL, err := decodeRemoteURL(sourcePath)
	if err != nil {
		return nil, "", ErrUnavailable
	}
	if !r.remoteHosts.MatchHost(remoteURL.Host) {
		r.logger.Printf("remote host rejected host=%s", remoteURL.Host)
		return nil, "", ErrUnavailable
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL.String(), nil)
	if err != nil {
		return nil, "", ErrUnavailable
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Printf("remote fetch failed url=%s err=%v", remoteURL, err)
		return nil, "", ErrUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.logger.Printf("remote fetch status url=%s status=%d", remoteURL, resp.StatusCode)
		return nil, "", ErrUnavailable
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		r.logger.Printf("remote body read failed url=%s err=%v", remoteURL, err)
		return nil, "", ErrUnavailable
	}

	return data, resp.Header.Get("Content-Type"), nil
}

// decodeRemoteURL treats the source path as a URL-encoded absolute URL,
// e.g. /https%3A%2F%2Fimg.example.com%2Fcat.jpg.
func decodeRemoteURL(sourcePath string) (*url.URL, error) {
	decoded, err := url.QueryUnescape(strings.TrimPrefix(sourcePath, "/"))
	if err != nil {
		return nil, fmt.Errorf("decode source path: %w", err)
	}

	parsed, err := url.Parse(decoded)
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, errors.New("remote url has no host")
	}
	return parsed, nil
}
