// Package imaging produces visually redacted copies of images: every OCR
// token that carries personal data is painted over with an opaque block.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/Reynem/anonymizer/ocr"
)

// Status distinguishes the three possible outcomes of ProcessImage, so
// callers cannot mistake "nothing found" for "an error occurred".
type Status int

// ProcessImage outcomes.
const (
	StatusRedacted Status = iota
	StatusNothingToRedact
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRedacted:
		return "redacted"
	case StatusNothingToRedact:
		return "nothing_to_redact"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Result is the outcome of one image redaction.
type Result struct {
	Status Status
	// OutputPath is the written file, set only when Status is StatusRedacted.
	OutputPath string
	// Reason describes the failure when Status is StatusFailed.
	Reason string
}

// Predicate answers whether a recognized text fragment carries personal data.
// It is normally the text anonymizer's ContainsPersonalData.
type Predicate interface {
	ContainsPersonalData(ctx context.Context, text string) (bool, error)
}

// Redactor combines an OCR engine with a PII predicate.
type Redactor struct {
	engine      ocr.Engine
	predicate   Predicate
	uniqueNames bool
}

// Option configures a Redactor.
type Option func(*Redactor)

// WithUniqueNames appends a random suffix to output file names. The fixed
// anon_<basename> convention is not unique across directories, so concurrent
// redactions of same-named inputs need this.
func WithUniqueNames() Option {
	return func(r *Redactor) { r.uniqueNames = true }
}

// NewRedactor creates a Redactor over the given engine and predicate.
func NewRedactor(engine ocr.Engine, predicate Predicate, opts ...Option) *Redactor {
	r := &Redactor{engine: engine, predicate: predicate}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ProcessImage redacts the image at path and writes the result next to it as
// anon_<basename>. The source file is never modified. Failures at any stage
// — read, decode, OCR, predicate, write — are absorbed here and reported as
// StatusFailed: image I/O and the OCR model are the least predictable
// dependencies, and they must never crash the caller.
func (r *Redactor) ProcessImage(ctx context.Context, path string) Result {
	raw, err := os.ReadFile(path) // #nosec G304 - path is the caller's explicit input file
	if err != nil {
		return r.fail(fmt.Errorf("read image: %w", err))
	}

	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return r.fail(fmt.Errorf("decode image: %w", err))
	}

	tokens, err := r.engine.Recognize(ctx, raw)
	if err != nil {
		return r.fail(fmt.Errorf("ocr: %w", err))
	}

	var rects []image.Rectangle
	for _, tok := range tokens {
		hit, err := r.predicate.ContainsPersonalData(ctx, tok.Text)
		if err != nil {
			return r.fail(fmt.Errorf("pii check: %w", err))
		}
		if hit {
			rects = append(rects, tok.BoundingRect())
		}
	}

	if len(rects) == 0 {
		return Result{Status: StatusNothingToRedact}
	}

	redacted := paintRects(src, rects)
	outPath := r.outputPath(path)
	if err := writeImage(outPath, redacted, format); err != nil {
		return r.fail(fmt.Errorf("write %s: %w", outPath, err))
	}

	log.Printf("[ImageRedactor] Redacted %d region(s): %s", len(rects), outPath)
	return Result{Status: StatusRedacted, OutputPath: outPath}
}

func (r *Redactor) fail(err error) Result {
	log.Printf("[ImageRedactor] Processing failed: %v", err)
	sentry.CaptureException(err)
	return Result{Status: StatusFailed, Reason: err.Error()}
}

// paintRects copies src and fills every rectangle with opaque black. The
// source image is never mutated.
func paintRects(src image.Image, rects []image.Rectangle) *image.RGBA {
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	block := image.NewUniform(color.Black)
	for _, rect := range rects {
		draw.Draw(dst, rect.Intersect(bounds), block, image.Point{}, draw.Src)
	}
	return dst
}

// outputPath derives the output file name: anon_<basename> beside the
// source, with an optional unique suffix.
func (r *Redactor) outputPath(srcPath string) string {
	dir, base := filepath.Split(srcPath)
	name := "anon_" + base
	if r.uniqueNames {
		ext := filepath.Ext(base)
		stem := strings.TrimSuffix(base, ext)
		name = fmt.Sprintf("anon_%s_%s%s", stem, uuid.NewString()[:8], ext)
	}
	return filepath.Join(dir, name)
}

// writeImage encodes img to path in the source image's format. Unrecognized
// formats fall back to PNG.
func writeImage(path string, img image.Image, format string) error {
	f, err := os.Create(path) // #nosec G304 - derived from the caller's input path
	if err != nil {
		return err
	}

	switch format {
	case "jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
	case "bmp":
		err = bmp.Encode(f, img)
	case "tiff":
		err = tiff.Encode(f, img, nil)
	default:
		err = png.Encode(f, img)
	}

	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
