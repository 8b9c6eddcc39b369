package pii

import (
	"context"
	"fmt"
	"sort"
	"strings"

	detectors "github.com/Reynem/anonymizer/pii/detectors"
)

// DetectorProvider yields the process-wide NER detector. It is normally a
// ModelManager, which lets tests inject deterministic doubles.
type DetectorProvider interface {
	GetDetector() (detectors.Detector, error)
}

// Anonymizer is the top-level text redactor: a deterministic pattern pass
// over the rule set followed by a model-driven entity pass.
type Anonymizer struct {
	provider DetectorProvider
}

// NewAnonymizer creates an Anonymizer backed by the given detector provider.
func NewAnonymizer(provider DetectorProvider) *Anonymizer {
	return &Anonymizer{provider: provider}
}

// tokenForEntity maps an entity type to its replacement token and category.
// The mapping is exhaustive over the closed EntityType set; unknown types
// report false and are left untouched.
func tokenForEntity(t detectors.EntityType) (string, Category, bool) {
	switch t {
	case detectors.EntityPerson:
		return TokenName, CategoryName, true
	case detectors.EntityOrganization:
		return TokenOrg, CategoryOrg, true
	case detectors.EntityLocation:
		return TokenPlace, CategoryPlace, true
	}
	return "", "", false
}

// AnonymizeText redacts all detected PII in text. The pattern pass runs first,
// line by line; the entity pass then annotates the pattern-pass output and
// substitutes entity spans from last to first. An empty input yields an empty
// string; a model failure propagates as a hard error.
func (a *Anonymizer) AnonymizeText(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", nil
	}

	// Pattern pass. Rules operate per line so word-anchored patterns behave
	// the same across a multi-line document.
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = RedactLine(line)
	}
	preprocessed := strings.Join(lines, "\n")

	// Entity pass over the pattern-pass output; offsets are relative to
	// preprocessed, never to the original text.
	entities, err := a.annotate(ctx, preprocessed)
	if err != nil {
		return "", err
	}

	// Substitute right to left. All spans were computed against one immutable
	// snapshot, so applying edits in descending-start order keeps every
	// not-yet-applied offset valid.
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].StartPos > entities[j].StartPos
	})

	result := preprocessed
	for _, e := range entities {
		if e.StartPos < 0 || e.EndPos > len(result) || e.StartPos >= e.EndPos {
			continue
		}
		token, _, _ := tokenForEntity(e.Type)
		result = result[:e.StartPos] + token + result[e.EndPos:]
	}

	return result, nil
}

// ContainsPersonalData reports whether text carries any detectable PII. The
// cheap pattern rules are checked first and short-circuit before the more
// expensive entity model is consulted. No redaction is performed.
func (a *Anonymizer) ContainsPersonalData(ctx context.Context, text string) (bool, error) {
	if text == "" {
		return false, nil
	}

	for _, r := range defaultRules {
		if r.Match(text) {
			return true, nil
		}
	}

	entities, err := a.annotate(ctx, text)
	if err != nil {
		return false, err
	}
	return len(entities) > 0, nil
}

// Detect computes the ordered, non-overlapping spans of all detectable PII in
// text without redacting it. Pattern spans are resolved first and entity
// spans cannot claim text a pattern rule already covers. The spans index into
// the returned Text and become invalid if it is edited.
func (a *Anonymizer) Detect(ctx context.Context, text string) (DetectionResult, error) {
	result := DetectionResult{Text: text}
	if text == "" {
		return result, nil
	}

	base := 0
	for _, line := range strings.Split(text, "\n") {
		for _, s := range DetectLine(line) {
			s.Start += base
			s.Stop += base
			result.Spans = append(result.Spans, s)
		}
		base += len(line) + 1
	}

	entities, err := a.annotate(ctx, text)
	if err != nil {
		return DetectionResult{}, err
	}
	for _, e := range entities {
		if overlapsAny(result.Spans, e.StartPos, e.EndPos) {
			continue
		}
		_, category, _ := tokenForEntity(e.Type)
		result.Spans = append(result.Spans, Span{
			Start:    e.StartPos,
			Stop:     e.EndPos,
			Category: category,
			Source:   SourceEntity,
		})
	}

	sort.Slice(result.Spans, func(i, j int) bool {
		return result.Spans[i].Start < result.Spans[j].Start
	})
	return result, nil
}

// DetectionResult holds the ordered non-overlapping spans detected over Text.
type DetectionResult struct {
	Text  string
	Spans []Span
}

// CategoryCounts returns how many spans were detected per category.
func (r DetectionResult) CategoryCounts() map[string]int {
	counts := make(map[string]int)
	for _, s := range r.Spans {
		counts[string(s.Category)]++
	}
	return counts
}

// annotate runs the entity model over text and keeps only spans whose type
// belongs to the closed PERSON/ORGANIZATION/LOCATION set.
func (a *Anonymizer) annotate(ctx context.Context, text string) ([]detectors.Entity, error) {
	detector, err := a.provider.GetDetector()
	if err != nil {
		return nil, fmt.Errorf("get detector: %w", err)
	}

	out, err := detector.Detect(ctx, detectors.DetectorInput{Text: text})
	if err != nil {
		return nil, fmt.Errorf("entity detection: %w", err)
	}

	entities := make([]detectors.Entity, 0, len(out.Entities))
	for _, e := range out.Entities {
		if _, _, ok := tokenForEntity(e.Type); ok {
			entities = append(entities, e)
		}
	}
	return entities, nil
}
