package pii

import (
	"context"
)

// Detector segments a text and tags named entities, returning spans with
// offsets into that exact text.
type Detector interface {
	GetName() string
	Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error)
	Close() error
}
