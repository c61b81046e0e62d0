package imageops

import (
	"strconv"
	"strings"
)

// MaxDimension caps requested width and height. Values above it are
// clamped silently rather than rejected.
const MaxDimension = 4000

// OriginalToken is the canonical path suffix for untransformed delivery.
const OriginalToken = "original"

const (
	FormatAuto = "auto"
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatWebP = "webp"
	FormatAVIF = "avif"
	FormatGIF  = "gif"
	FormatSVG  = "svg"
)

// OperationSet is the validated, typed form of a request's transform
// parameters. Zero-valued fields are absent; an entirely zero set means
// passthrough of the original bytes.
type OperationSet struct {
	Width   int
	Height  int
	Format  string
	Quality int
}

func (o OperationSet) IsEmpty() bool {
	return o.Width == 0 && o.Height == 0 && o.Format == "" && o.Quality == 0
}

func (o OperationSet) HasResize() bool {
	return o.Width > 0 || o.Height > 0
}

// Tokens serializes the present fields in the fixed field order
// format, quality, width, height as key=value pairs.
func (o OperationSet) Tokens() []string {
	var tokens []string
	if o.Format != "" {
		tokens = append(tokens, "format="+o.Format)
	}
	if o.Quality > 0 {
		tokens = append(tokens, "quality="+strconv.Itoa(o.Quality))
	}
	if o.Width > 0 {
		tokens = append(tokens, "width="+strconv.Itoa(o.Width))
	}
	if o.Height > 0 {
		tokens = append(tokens, "height="+strconv.Itoa(o.Height))
	}
	return tokens
}

// PathSegment renders the canonical operation list, or the original token
// when no operations are present.
func (o OperationSet) PathSegment() string {
	tokens := o.Tokens()
	if len(tokens) == 0 {
		return OriginalToken
	}
	return strings.Join(tokens, ",")
}

// QueryString renders the operations as &-joined query parameters for the
// oversized-redirect Location target.
func (o OperationSet) QueryString() string {
	return strings.Join(o.Tokens(), "&")
}

// Parse builds an OperationSet from a comma-separated key=value list.
// Parsing is permissive: unknown keys and malformed or non-positive
// values are ignored so a bad parameter degrades to passthrough instead
// of failing the request.
func Parse(operationsToken string) OperationSet {
	var ops OperationSet
	if operationsToken == "" || operationsToken == OriginalToken {
		return ops
	}

	for _, pair := range strings.Split(operationsToken, ",") {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "width":
			ops.Width = parseDimension(value)
		case "height":
			ops.Height = parseDimension(value)
		case "format":
			ops.Format = NormalizeFormat(value)
		case "quality":
			ops.Quality = parseQuality(value)
		}
	}
	return ops
}

func parseDimension(value string) int {
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return 0
	}
	if parsed > MaxDimension {
		return MaxDimension
	}
	return parsed
}

func parseQuality(value string) int {
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 || parsed > 100 {
		return 0
	}
	return parsed
}

// NormalizeFormat maps a format token to its canonical name, or "" for
// unrecognized tokens.
func NormalizeFormat(token string) string {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "jpg", "jpeg":
		return FormatJPEG
	case "png":
		return FormatPNG
	case "webp":
		return FormatWebP
	case "avif":
		return FormatAVIF
	case "gif":
		return FormatGIF
	case "svg":
		return FormatSVG
	case "auto":
		return FormatAuto
	default:
		return ""
	}
}

// Negotiate picks an output format from the client Accept signal when
// the request asked for format=auto. Ordering is a fixed preference,
// first match wins: AVIF, then WebP, then the JPEG default.
func Negotiate(accept string) string {
	switch {
	case strings.Contains(accept, "image/avif"):
		return FormatAVIF
	case strings.Contains(accept, "image/webp"):
		return FormatWebP
	default:
		return FormatJPEG
	}
}

// ContentTypeForFormat resolves a format token to its concrete MIME type.
// Unrecognized tokens fall back to JPEG.
func ContentTypeForFormat(format string) string {
	switch NormalizeFormat(format) {
	case FormatPNG, FormatSVG:
		// SVG output is rasterized; callers always receive PNG for it.
		return "image/png"
	case FormatGIF:
		return "image/gif"
	case FormatWebP:
		return "image/webp"
	case FormatAVIF:
		return "image/avif"
	default:
		return "image/jpeg"
	}
}

// IsLossy reports whether quality applies to the given format token.
func IsLossy(format string) bool {
	switch NormalizeFormat(format) {
	case FormatJPEG, FormatWebP, FormatAVIF:
		return true
	default:
		return false
	}
}

// FormatForContentType maps an image MIME type back to a format token,
// or "" when the content type is not a recognized image type.
func FormatForContentType(contentType string) string {
	mime, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(contentType)), ";")
	switch strings.TrimSpace(mime) {
	case "image/jpeg", "image/jpg":
		return FormatJPEG
	case "image/png":
		return FormatPNG
	case "image/webp":
		return FormatWebP
	case "image/avif":
		return FormatAVIF
	case "image/gif":
		return FormatGIF
	case "image/svg+xml":
		return FormatSVG
	default:
		return ""
	}
}
