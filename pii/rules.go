package pii

import (
	"regexp"
	"sort"
)

// Category classifies the kind of personal data a rule or entity span covers.
type Category string

// Detection categories.
const (
	CategoryID      Category = "ID"
	CategoryName    Category = "NAME"
	CategoryAccount Category = "ACCOUNT"
	CategoryPhone   Category = "PHONE"
	CategoryEmail   Category = "EMAIL"
	CategoryAddress Category = "ADDRESS"
	CategoryOrg     Category = "ORG"
	CategoryPlace   Category = "PLACE"
)

// Replacement token vocabulary. Tokens are bracketed short words that no rule
// re-matches and the entity model does not tag, which keeps redaction
// idempotent under repeated passes.
const (
	TokenID      = "[ID]"
	TokenName    = "[NAME]"
	TokenAccount = "[ACCOUNT]"
	TokenPhone   = "[PHONE]"
	TokenEmail   = "[EMAIL]"
	TokenAddress = "[ADDRESS]"
	TokenOrg     = "[ORG]"
	TokenPlace   = "[PLACE]"
)

// Source records which pipeline stage produced a span.
type Source int

// Span sources.
const (
	SourcePattern Source = iota
	SourceEntity
)

// Span is a half-open [Start, Stop) byte range into a specific text snapshot.
// Spans are offsets, not owned ranges: they become invalid as soon as the
// text they were computed from is edited.
type Span struct {
	Start    int
	Stop     int
	Category Category
	Source   Source
}

// Rule is one deterministic detector: a compiled pattern plus the category
// and replacement token for its matches.
type Rule struct {
	Category Category
	Token    string
	re       *regexp.Regexp
	// guarded marks rules whose pattern carries a one-character left guard in
	// group 1 and the actual match in group 2. RE2's \b is ASCII-only and
	// cannot word-bound Cyrillic text, so Cyrillic-anchored rules emulate the
	// boundary this way; the guard character is preserved on substitution.
	guarded bool
}

// defaultRules is the pattern rule set in mandatory application order.
// Narrow numeric rules run before the broad name/address heuristics, and the
// IBAN rule runs before the card rule so an IBAN's digit tail is consumed
// exactly once. Each rule operates on the output of the previous one.
var defaultRules = []Rule{
	{
		// National identifier (IIN): exactly 12 consecutive digits.
		Category: CategoryID,
		Token:    TokenID,
		re:       regexp.MustCompile(`\b\d{12}\b`),
	},
	{
		// Cyrillic personal name: 2-3 capitalized words.
		Category: CategoryName,
		Token:    TokenName,
		re:       regexp.MustCompile(`(^|[^А-Яа-яЁё])([А-ЯЁ][а-яё]+(?:\s+[А-ЯЁ][а-яё]+){1,2})`),
		guarded:  true,
	},
	{
		// Latin personal name: 2-3 capitalized words.
		Category: CategoryName,
		Token:    TokenName,
		re:       regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+){1,2}\b`),
	},
	{
		// Kazakhstani IBAN: KZ followed by 18 alphanumerics.
		Category: CategoryAccount,
		Token:    TokenAccount,
		re:       regexp.MustCompile(`(?i)\bKZ[A-Z0-9]{18}\b`),
	},
	{
		// Payment card number: 16 digits, optionally grouped in fours.
		Category: CategoryAccount,
		Token:    TokenAccount,
		re:       regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`),
	},
	{
		// Phone number in Kazakhstani international format.
		Category: CategoryPhone,
		Token:    TokenPhone,
		re:       regexp.MustCompile(`\+?7[\s\-]?\(?\d{3}\)?[\s\-]?\d{3}[\s\-]?\d{2}[\s\-]?\d{2}`),
	},
	{
		// Email address.
		Category: CategoryEmail,
		Token:    TokenEmail,
		re:       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	},
	{
		// Postal address: street/house/apartment keyword followed by a greedy
		// run of address characters.
		Category: CategoryAddress,
		Token:    TokenAddress,
		re:       regexp.MustCompile(`(?i)(^|[^а-яёa-z0-9])((?:улица|ул|проспект|пр|дом|д|квартира|кв)\.?\s+[А-Яа-яЁё0-9\s.,\-/]+)`),
		guarded:  true,
	},
}

// Rules returns the pattern rule set in application order. The returned slice
// is shared and must not be modified.
func Rules() []Rule {
	return defaultRules
}

// Match reports whether the rule matches anywhere in text.
func (r Rule) Match(text string) bool {
	return r.re.MatchString(text)
}

// apply substitutes every match of the rule in line with its token.
func (r Rule) apply(line string) string {
	if r.guarded {
		return r.re.ReplaceAllString(line, "${1}"+r.Token)
	}
	return r.re.ReplaceAllString(line, r.Token)
}

// matchIndexes returns the (start, stop) byte offsets of every match,
// excluding the guard character for guarded rules.
func (r Rule) matchIndexes(line string) [][]int {
	if !r.guarded {
		return r.re.FindAllStringIndex(line, -1)
	}
	var out [][]int
	for _, m := range r.re.FindAllStringSubmatchIndex(line, -1) {
		// Group 2 holds the actual match.
		out = append(out, []int{m[4], m[5]})
	}
	return out
}

// RedactLine applies every rule in order, each operating on the output of the
// previous one. Earlier substitutions are therefore immune to being
// re-matched by later, broader rules.
func RedactLine(line string) string {
	result := line
	for _, r := range defaultRules {
		result = r.apply(result)
	}
	return result
}

// DetectLine returns the spans matched on line, resolved in rule order: a
// later rule cannot claim text already covered by an earlier rule. Spans are
// sorted by start offset and do not overlap.
func DetectLine(line string) []Span {
	var spans []Span
	for _, r := range defaultRules {
		for _, m := range r.matchIndexes(line) {
			if overlapsAny(spans, m[0], m[1]) {
				continue
			}
			spans = append(spans, Span{
				Start:    m[0],
				Stop:     m[1],
				Category: r.Category,
				Source:   SourcePattern,
			})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	return spans
}

func overlapsAny(spans []Span, start, stop int) bool {
	for _, s := range spans {
		if start < s.Stop && stop > s.Start {
			return true
		}
	}
	return false
}
