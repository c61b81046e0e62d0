package pipeline

import (
	"context"
)

// TransformOptions carries a fully resolved transform: the target format
// is always a concrete codec name and quality is set only when the
// target is lossy.
type TransformOptions struct {
	Width   int
	Height  int
	Format  string
	Quality int
}

// Transformer is the codec capability: decode, resize, orientation
// correction, and encode are its concern; the service owns everything
// else.
type Transformer interface {
	Transform(ctx context.Context, input []byte, opts TransformOptions) ([]byte, error)
}

// fitScale computes the uniform scale factor that fits srcW x srcH into
// the requested bounds, never upscaling past the requested dimensions on
// either axis. A zero bound leaves that axis unconstrained.
func fitScale(srcW, srcH, targetW, targetH int) float64 {
	scale := 1.0
	if targetW > 0 && srcW > 0 {
		scale = float64(targetW) / float64(srcW)
	}
	if targetH > 0 && srcH > 0 {
		hScale := float64(targetH) / float64(srcH)
		if targetW == 0 || hScale < scale {
			scale = hScale
		}
	}
	return scale
}
