package imaging

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Reynem/anonymizer/ocr"
)

type fakeEngine struct {
	tokens []ocr.Token
	err    error
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Recognize(ctx context.Context, img []byte) ([]ocr.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tokens, nil
}

type fakePredicate struct {
	hits map[string]bool
	err  error
}

func (f *fakePredicate) ContainsPersonalData(ctx context.Context, text string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.hits[text], nil
}

// writeTestPNG writes a 100x60 opaque image with a deterministic gradient so
// pixel comparisons catch overdraw outside the redacted regions.
func writeTestPNG(t *testing.T, path string) image.Image {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 100, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 100; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 2), G: uint8(y * 4), B: 200, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("failed to write test image: %v", err)
	}
	return img
}

func lineToken(text string, rect image.Rectangle) ocr.Token {
	return ocr.Token{Corners: ocr.RectCorners(rect), Text: text, Confidence: 0.9}
}

func TestProcessImage_Redacted(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "doc.png")
	original := writeTestPNG(t, srcPath)

	region := image.Rect(10, 10, 40, 30)
	r := NewRedactor(
		&fakeEngine{tokens: []ocr.Token{
			lineToken("ИИН 123456789012", region),
			lineToken("обычный текст", image.Rect(10, 40, 90, 55)),
		}},
		&fakePredicate{hits: map[string]bool{"ИИН 123456789012": true}},
	)

	result := r.ProcessImage(context.Background(), srcPath)
	if result.Status != StatusRedacted {
		t.Fatalf("status = %v, want StatusRedacted (reason: %s)", result.Status, result.Reason)
	}
	if result.OutputPath != filepath.Join(dir, "anon_doc.png") {
		t.Fatalf("output path = %q, want anon_doc.png beside the source", result.OutputPath)
	}

	outFile, err := os.Open(result.OutputPath)
	if err != nil {
		t.Fatalf("output file missing: %v", err)
	}
	defer outFile.Close()

	out, err := png.Decode(outFile)
	if err != nil {
		t.Fatalf("failed to decode output: %v", err)
	}

	for y := 0; y < 60; y++ {
		for x := 0; x < 100; x++ {
			gotR, gotG, gotB, _ := out.At(x, y).RGBA()
			if image.Pt(x, y).In(region) {
				if gotR != 0 || gotG != 0 || gotB != 0 {
					t.Fatalf("pixel (%d,%d) inside region not black: %v", x, y, out.At(x, y))
				}
				continue
			}
			wantR, wantG, wantB, _ := original.At(x, y).RGBA()
			if gotR != wantR || gotG != wantG || gotB != wantB {
				t.Fatalf("pixel (%d,%d) outside region changed: got %v want %v",
					x, y, out.At(x, y), original.At(x, y))
			}
		}
	}

	// Source must be untouched.
	srcFile, err := os.Open(srcPath)
	if err != nil {
		t.Fatalf("source file missing: %v", err)
	}
	defer srcFile.Close()
	src, err := png.Decode(srcFile)
	if err != nil {
		t.Fatalf("failed to decode source: %v", err)
	}
	sr, sg, sb, _ := src.At(15, 15).RGBA()
	or, og, ob, _ := original.At(15, 15).RGBA()
	if sr != or || sg != og || sb != ob {
		t.Error("source image was modified")
	}
}

func TestProcessImage_NothingToRedact(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "doc.png")
	writeTestPNG(t, srcPath)

	r := NewRedactor(
		&fakeEngine{tokens: []ocr.Token{
			lineToken("погода сегодня солнечная", image.Rect(10, 10, 90, 25)),
		}},
		&fakePredicate{hits: map[string]bool{}},
	)

	result := r.ProcessImage(context.Background(), srcPath)
	if result.Status != StatusNothingToRedact {
		t.Fatalf("status = %v, want StatusNothingToRedact", result.Status)
	}
	if result.OutputPath != "" {
		t.Errorf("no output path expected, got %q", result.OutputPath)
	}

	if _, err := os.Stat(filepath.Join(dir, "anon_doc.png")); !os.IsNotExist(err) {
		t.Error("no output file must be written when nothing is redacted")
	}
}

func TestProcessImage_Failures(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "doc.png")
	writeTestPNG(t, srcPath)

	token := lineToken("ИИН 123456789012", image.Rect(10, 10, 40, 30))

	testCases := []struct {
		name      string
		path      string
		engine    *fakeEngine
		predicate *fakePredicate
	}{
		{
			name:      "missing file",
			path:      filepath.Join(dir, "absent.png"),
			engine:    &fakeEngine{},
			predicate: &fakePredicate{},
		},
		{
			name:      "ocr failure",
			path:      srcPath,
			engine:    &fakeEngine{err: errors.New("tesseract unavailable")},
			predicate: &fakePredicate{},
		},
		{
			name:      "predicate failure",
			path:      srcPath,
			engine:    &fakeEngine{tokens: []ocr.Token{token}},
			predicate: &fakePredicate{err: errors.New("model not loaded")},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRedactor(tc.engine, tc.predicate)

			result := r.ProcessImage(context.Background(), tc.path)
			if result.Status != StatusFailed {
				t.Errorf("status = %v, want StatusFailed", result.Status)
			}
			if result.Reason == "" {
				t.Error("failed result must carry a reason")
			}
			if result.OutputPath != "" {
				t.Errorf("failed result must carry no output path, got %q", result.OutputPath)
			}
		})
	}
}

func TestProcessImage_UndecodableImage(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "broken.png")
	if err := os.WriteFile(srcPath, []byte("this is not an image"), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	r := NewRedactor(&fakeEngine{}, &fakePredicate{})

	result := r.ProcessImage(context.Background(), srcPath)
	if result.Status != StatusFailed {
		t.Errorf("status = %v, want StatusFailed", result.Status)
	}
}

func TestProcessImage_UniqueNames(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "doc.png")
	writeTestPNG(t, srcPath)

	r := NewRedactor(
		&fakeEngine{tokens: []ocr.Token{
			lineToken("ivanov@test.kz", image.Rect(5, 5, 60, 20)),
		}},
		&fakePredicate{hits: map[string]bool{"ivanov@test.kz": true}},
		WithUniqueNames(),
	)

	result := r.ProcessImage(context.Background(), srcPath)
	if result.Status != StatusRedacted {
		t.Fatalf("status = %v, want StatusRedacted (reason: %s)", result.Status, result.Reason)
	}

	base := filepath.Base(result.OutputPath)
	if !strings.HasPrefix(base, "anon_doc_") || !strings.HasSuffix(base, ".png") {
		t.Errorf("unique output name = %q, want anon_doc_<suffix>.png", base)
	}
	if base == "anon_doc.png" {
		t.Error("unique naming must not collide with the plain output name")
	}
	if _, err := os.Stat(result.OutputPath); err != nil {
		t.Errorf("output file missing: %v", err)
	}
}

func TestStatusString(t *testing.T) {
	testCases := []struct {
		status   Status
		expected string
	}{
		{StatusRedacted, "redacted"},
		{StatusNothingToRedact, "nothing_to_redact"},
		{StatusFailed, "failed"},
	}

	for _, tc := range testCases {
		if got := tc.status.String(); got != tc.expected {
			t.Errorf("Status(%d).String() = %q, want %q", tc.status, got, tc.expected)
		}
	}
}
