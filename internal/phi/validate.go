package phi

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Gap is a PHI-shaped span found outside any token after pseudonymization.
// It is a warning only: detection is best effort and callers decide whether
// to block. Sample is masked so a Gap is safe to log.
type Gap struct {
	Type   PHIType `json:"type"`
	Offset int     `json:"offset"`
	Sample string  `json:"sample"`
}

// residualShapes are deliberately looser than the catalog so they catch
// variants the catalog did not tokenize.
var residualShapes = []struct {
	phiType PHIType
	re      *regexp.Regexp
}{
	{PHIEmail, regexp.MustCompile(`[^\s@\[\]]+@[^\s@\[\]]+\.[A-Za-z]{2,}`)},
	{PHISSN, regexp.MustCompile(`\b\d{3}[- ]\d{2}[- ]\d{4}\b`)},
	{PHIPhone, regexp.MustCompile(`\(?\b\d{3}\)?[-.\s]?\d{3}[-.\s]\d{4}\b`)},
	{PHIDate, regexp.MustCompile(`\b\d{1,4}[-/.]\d{1,2}[-/.]\d{1,4}\b`)},
}

// Validate re-scans pseudonymized text and reports residual PHI-shaped spans,
// ordered by offset. Spans inside tokens are ignored.
func Validate(text string) []Gap {
	protected := bracketedToken.FindAllStringIndex(text, -1)
	var gaps []Gap
	seen := make(map[int]bool)
	for _, shape := range residualShapes {
		for _, loc := range shape.re.FindAllStringIndex(text, -1) {
			if overlaps(protected, loc[0], loc[1]) || seen[loc[0]] {
				continue
			}
			seen[loc[0]] = true
			gaps = append(gaps, Gap{Type: shape.phiType, Offset: loc[0], Sample: mask(text[loc[0]:loc[1]])})
		}
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i].Offset < gaps[j].Offset })
	return gaps
}

// mask keeps the shape of s: digits become '#', letters 'x'.
func mask(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsDigit(r):
			return '#'
		case unicode.IsLetter(r):
			return 'x'
		}
		return r
	}, s)
}
