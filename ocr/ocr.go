// Package ocr is the perception boundary of the image pipeline: it extracts
// positioned text fragments from encoded images. No PII logic lives here.
package ocr

import (
	"context"
	"image"
)

// Token is a single recognized text fragment from an image.
type Token struct {
	// Corners are the four corners of the recognized region in pixel
	// coordinates, in top-left, top-right, bottom-right, bottom-left order.
	// They are not necessarily axis-aligned (rotated or skewed text).
	Corners [4]image.Point
	// Text is the recognized string.
	Text string
	// Confidence is the recognition confidence in [0, 1].
	Confidence float64
}

// BoundingRect returns the axis-aligned bounding box of the token's corners.
func (t Token) BoundingRect() image.Rectangle {
	minX, minY := t.Corners[0].X, t.Corners[0].Y
	maxX, maxY := minX, minY
	for _, p := range t.Corners[1:] {
		if p.X < minX {
			minX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y > maxY {
			maxY = p.Y
		}
	}
	return image.Rect(minX, minY, maxX, maxY)
}

// Engine is the OCR provider contract: one encoded image in, an ordered
// sequence of tokens out. Unreadable input is reported to the caller, never
// concealed.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, img []byte) ([]Token, error)
}

// RectCorners converts an axis-aligned rectangle into the four-corner form
// used by Token.
func RectCorners(r image.Rectangle) [4]image.Point {
	return [4]image.Point{
		{r.Min.X, r.Min.Y},
		{r.Max.X, r.Min.Y},
		{r.Max.X, r.Max.Y},
		{r.Min.X, r.Max.Y},
	}
}
