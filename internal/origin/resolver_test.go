package origin

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/pixelserve/internal/allowlist"
)

type fakeStore struct {
	data        []byte
	contentType string
	err         error
}

func (f *fakeStore) ReadObject(_ context.Context, _ string) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.data, f.contentType, nil
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestResolvePrimaryStoreHit(t *testing.T) {
	store := &fakeStore{data: []byte("jpeg-bytes"), contentType: "image/jpeg"}
	r := NewResolver(testLogger(), store, allowlist.New(nil), allowlist.New(nil), time.Second)

	data, contentType, err := r.Resolve(context.Background(), "/photos/cat.jpg", "", false)
	if err != nil {
		t.Fatalf("expected store hit, got error: %v", err)
	}
	if string(data) != "jpeg-bytes" || contentType != "image/jpeg" {
		t.Fatalf("unexpected result data=%q type=%q", data, contentType)
	}
}

func TestResolveFallsBackToRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	store := &fakeStore{err: errors.New("no such key")}
	remote := allowlist.New([]string{"127.0.0.1"})
	r := NewResolver(testLogger(), store, remote, allowlist.New(nil), time.Second)

	sourcePath := "/" + url.QueryEscape(srv.URL+"/cat.png")
	data, contentType, err := r.Resolve(context.Background(), sourcePath, "", false)
	if err != nil {
		t.Fatalf("expected remote fallback to succeed, got %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("unexpected body %q", data)
	}
	if contentType != "image/png" {
		t.Fatalf("expected remote content type, got %q", contentType)
	}
}

func TestResolveRejectsUnlistedRemoteHostWithoutFetch(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store := &fakeStore{err: errors.New("no such key")}
	remote := allowlist.New([]string{"cdn.example.com"})
	r := NewResolver(testLogger(), store, remote, allowlist.New(nil), time.Second)

	sourcePath := "/" + url.QueryEscape(srv.URL+"/cat.png")
	_, _, err := r.Resolve(context.Background(), sourcePath, "", false)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatal("expected no outbound fetch for unlisted host")
	}
}

func TestResolveRefererGateBlocksBeforeFetch(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store := &fakeStore{err: errors.New("no such key")}
	remote := allowlist.New([]string{"127.0.0.1"})
	referers := allowlist.New([]string{"trusted.example.com"})
	r := NewResolver(testLogger(), store, remote, referers, time.Second)

	sourcePath := "/" + url.QueryEscape(srv.URL+"/cat.png")
	_, _, err := r.Resolve(context.Background(), sourcePath, "https://evil.test/page", true)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatal("expected no outbound fetch when referer is rejected")
	}
}

func TestResolveRefererAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	store := &fakeStore{err: errors.New("no such key")}
	remote := allowlist.New([]string{"127.0.0.1"})
	referers := allowlist.New([]string{"trusted.example.com"})
	r := NewResolver(testLogger(), store, remote, referers, time.Second)

	sourcePath := "/" + url.QueryEscape(srv.URL+"/cat.jpg")
	_, _, err := r.Resolve(context.Background(), sourcePath, "https://trusted.example.com/gallery", true)
	if err != nil {
		t.Fatalf("expected allowed referer to pass, got %v", err)
	}
}

func TestResolveNonURLSourceFails(t *testing.T) {
	store := &fakeStore{err: errors.New("no such key")}
	r := NewResolver(testLogger(), store, allowlist.New([]string{"*"}), allowlist.New(nil), time.Second)

	_, _, err := r.Resolve(context.Background(), "/photos/cat.jpg", "", false)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for non-URL source, got %v", err)
	}
}

func TestResolveRemoteErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store := &fakeStore{err: errors.New("no such key")}
	r := NewResolver(testLogger(), store, allowlist.New([]string{"127.0.0.1"}), allowlist.New(nil), time.Second)

	sourcePath := "/" + url.QueryEscape(srv.URL+"/missing.jpg")
	_, _, err := r.Resolve(context.Background(), sourcePath, "", false)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for remote 404, got %v", err)
	}
}
