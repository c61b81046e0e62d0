package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/pixelserve/internal/imageops"
	"github.com/dunamismax/pixelserve/internal/origin"
)

// SourceResolver supplies original bytes for a canonical path's source
// segment. Failures are reported as origin.ErrUnavailable.
type SourceResolver interface {
	Resolve(ctx context.Context, sourcePath, referer string, requireReferer bool) ([]byte, string, error)
}

// CacheWriter persists transformed variants keyed by canonical path.
type CacheWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string, metadata map[string]string) error
}

// Result is the terminal response mapping for one delivery request. The
// stages thread it forward; any failure short-circuits straight here.
type Result struct {
	Status       int
	Body         []byte
	ContentType  string
	CacheControl string
	Location     string
	Timing       *Trace

	SourceBytes  int
	OutputBytes  int
	Oversized    bool
	CacheWritten bool
}

type Service struct {
	logger       *log.Logger
	resolver     SourceResolver
	transformer  Transformer
	cache        CacheWriter
	cacheControl string
	maxBytes     int64
}

// NewService builds the transformation service. A nil cache disables
// variant caching and with it the redirect strategy for oversized
// outputs.
func NewService(logger *log.Logger, resolver SourceResolver, cache CacheWriter, cacheControl string, maxBytes int64) (*Service, error) {
	if resolver == nil {
		return nil, errors.New("source resolver is required")
	}

	transformer, err := newTransformer()
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}

	return &Service{
		logger:       logger,
		resolver:     resolver,
		transformer:  transformer,
		cache:        cache,
		cacheControl: cacheControl,
		maxBytes:     maxBytes,
	}, nil
}

// Deliver runs the linear pipeline for one canonical path:
// resolve, decode/transform, size check, cache write, respond.
func (s *Service) Deliver(ctx context.Context, canonicalPath, referer string) Result {
	timing := &Trace{}

	sourcePath, opsToken, ok := splitCanonicalPath(canonicalPath)
	if !ok {
		return Result{Status: http.StatusBadRequest, Timing: timing}
	}

	ops := imageops.Parse(opsToken)
	requireReferer := opsToken != imageops.OriginalToken

	downloadStart := time.Now()
	source, sourceType, err := s.resolver.Resolve(ctx, sourcePath, referer, requireReferer)
	timing.Add(phaseDownload, time.Since(downloadStart))
	if err != nil {
		s.logger.Printf("source unavailable path=%s err=%v", sourcePath, err)
		if errors.Is(err, origin.ErrUnavailable) {
			return Result{Status: http.StatusNotFound, Timing: timing}
		}
		// Anything else breaks the resolver contract and is an
		// infrastructure fault, not a missing source.
		return Result{Status: http.StatusInternalServerError, Timing: timing}
	}

	transformStart := time.Now()
	body, contentType, err := s.transform(ctx, source, sourceType, ops)
	timing.Add(phaseTransform, time.Since(transformStart))
	if err != nil {
		s.logger.Printf("transform failed path=%s err=%v", canonicalPath, err)
		return Result{Status: http.StatusInternalServerError, Timing: timing}
	}

	result := Result{
		Status:       http.StatusOK,
		Body:         body,
		ContentType:  contentType,
		CacheControl: s.cacheControl,
		Timing:       timing,
		SourceBytes:  len(source),
		OutputBytes:  len(body),
		Oversized:    s.maxBytes > 0 && int64(len(body)) > s.maxBytes,
	}

	if s.cache != nil {
		uploadStart := time.Now()
		err := s.cache.WriteObject(ctx, strings.TrimPrefix(canonicalPath, "/"), body, contentType, map[string]string{
			"Cache-Control": s.cacheControl,
		})
		timing.Add(phaseUpload, time.Since(uploadStart))
		if err != nil {
			// Cache unavailability never fails the request; the bytes
			// are still served inline.
			s.logger.Printf("cache write failed key=%s err=%v", canonicalPath, err)
		} else {
			result.CacheWritten = true
		}
	}

	if result.Oversized {
		return s.respondOversized(result, sourcePath, ops)
	}
	return result
}

// respondOversized applies the size policy: redirect the edge back at
// the cached variant when the write succeeded, refuse inline delivery
// otherwise.
func (s *Service) respondOversized(result Result, sourcePath string, ops imageops.OperationSet) Result {
	if result.CacheWritten {
		location := sourcePath
		if query := ops.QueryString(); query != "" {
			location += "?" + query
		}
		result.Status = http.StatusFound
		result.Location = location
		result.CacheControl = "private,no-store"
		result.Body = nil
		result.ContentType = ""
		return result
	}

	s.logger.Printf("oversized output refused path=%s bytes=%d max=%d", sourcePath, result.OutputBytes, s.maxBytes)
	result.Status = http.StatusForbidden
	result.Body = nil
	result.ContentType = ""
	result.CacheControl = ""
	return result
}

// transform applies the operation set and resolves the output encoding.
// With no effective operations and a recognized image source type the
// original bytes pass through untouched.
func (s *Service) transform(ctx context.Context, source []byte, sourceType string, ops imageops.OperationSet) ([]byte, string, error) {
	target, warn := resolveTarget(ops, sourceType)
	if warn {
		s.logger.Printf("source content type %q is not an image; forcing png output", sourceType)
	}

	if target == "" {
		// Passthrough: same format, no resize, nothing to do.
		return source, sourceType, nil
	}

	opts := TransformOptions{
		Width:  ops.Width,
		Height: ops.Height,
		Format: target,
	}
	if imageops.IsLossy(target) {
		opts.Quality = ops.Quality
	}

	body, err := s.transformer.Transform(ctx, source, opts)
	if err != nil {
		return nil, "", err
	}
	return body, imageops.ContentTypeForFormat(target), nil
}

// resolveTarget picks the concrete output format, or "" for byte
// passthrough. warn flags the PNG fallback taken for non-image
// sources.
func resolveTarget(ops imageops.OperationSet, sourceType string) (target string, warn bool) {
	if ops.Format != "" {
		if ops.Format == imageops.FormatSVG {
			return imageops.FormatPNG, false
		}
		return ops.Format, false
	}

	sourceFormat := imageops.FormatForContentType(sourceType)
	switch {
	case sourceFormat == imageops.FormatSVG:
		return imageops.FormatPNG, false
	case sourceFormat == "":
		return imageops.FormatPNG, true
	case ops.HasResize():
		return sourceFormat, false
	default:
		return "", false
	}
}

// splitCanonicalPath separates /<source...>/<operations> produced by the
// edge normalizer.
func splitCanonicalPath(canonicalPath string) (sourcePath, opsToken string, ok bool) {
	idx := strings.LastIndex(canonicalPath, "/")
	if idx <= 0 || idx == len(canonicalPath)-1 {
		return "", "", false
	}
	return canonicalPath[:idx], canonicalPath[idx+1:], true
}
