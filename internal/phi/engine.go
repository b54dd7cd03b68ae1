// Package phi detects protected health information in clinical text and
// replaces each occurrence with a reversible bracketed token such as
// [NAME:1]. The TokenMap produced alongside the text is the only place the
// original values live; rehydration swaps the tokens back.
package phi

import (
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"clinical-phi-guard/internal/logger"
	"clinical-phi-guard/internal/metrics"
)

// Engine runs the catalog over text. It is stateless apart from the catalog
// and is safe for concurrent use; all per-encounter state is in the TokenMap.
type Engine struct {
	catalog *Catalog
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewEngine returns an Engine. log and m may be nil.
func NewEngine(c *Catalog, log *logger.Logger, m *metrics.Metrics) *Engine {
	if c == nil {
		c = NewCatalog()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{catalog: c, log: log, metrics: m}
}

// Pseudonymize replaces every detected PHI occurrence in text with its
// token, extending m (a nil m starts a fresh map). Detection never fails:
// text with nothing recognisable comes back unchanged.
func (e *Engine) Pseudonymize(text string, m *TokenMap) (string, *TokenMap) {
	if m == nil {
		m = NewTokenMap()
	}
	start := time.Now()
	before := m.Len()

	out := text
	for _, p := range e.catalog.patterns {
		out = e.replace(out, p.re, p.group, p.phiType, m, nil)
	}
	for _, r := range e.catalog.names {
		rule := r
		out = e.replace(out, rule.re, 1, PHIName, m, func(text string, start, end int) int {
			candidate := text[start:end]
			if !wordEndsAt(text, end) {
				// The span stopped inside a word ("Jane Doe3"); never
				// tokenize half of it.
				candidate = dropLastWord(candidate)
			}
			return e.catalog.acceptName(candidate, rule)
		})
	}
	out = e.replaceKnownNames(out, m)

	if e.metrics != nil {
		e.metrics.RecordPseudonymizeLatency(time.Since(start))
	}
	e.log.Debugf("pseudonymize", "%d chars, %d new tokens, map size %d", len(text), m.Len()-before, m.Len())
	return out, m
}

// accept returns the accepted length of the candidate text[start:end], or 0
// to skip it.
type accept func(text string, start, end int) int

// replace substitutes every match of re (capture group g) that does not
// overlap an existing token.
func (e *Engine) replace(text string, re *regexp.Regexp, g int, typ PHIType, m *TokenMap, ok accept) string {
	matches := re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	protected := bracketedToken.FindAllStringIndex(text, -1)

	var buf []byte
	last := 0
	for _, loc := range matches {
		start, end := loc[2*g], loc[2*g+1]
		if start < 0 || start == end || overlaps(protected, start, end) {
			continue
		}
		if ok != nil {
			n := ok(text, start, end)
			if n == 0 {
				continue
			}
			end = start + n
		}
		tok, created := m.Tokenize(typ, text[start:end])
		if e.metrics != nil {
			e.metrics.RecordToken(string(typ), created)
		}
		buf = append(buf, text[last:start]...)
		buf = append(buf, tok.Bracketed()...)
		last = end
	}
	if buf == nil {
		return text
	}
	buf = append(buf, text[last:]...)
	return string(buf)
}

// replaceKnownNames tokenizes names already in the map wherever they recur,
// so a name introduced once ("my name is Jane Roe") is also caught in later
// text that mentions it without a context marker.
func (e *Engine) replaceKnownNames(text string, m *TokenMap) string {
	names := m.ValuesOf(PHIName)
	if len(names) == 0 {
		return text
	}
	// Longest first: "Jane Roe" must win over a separately known "Jane".
	sort.SliceStable(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	for _, name := range names {
		re, err := regexp.Compile(regexp.QuoteMeta(name))
		if err != nil {
			continue
		}
		text = e.replace(text, re, 0, PHIName, m, isolated)
	}
	return text
}

// isolated accepts text[start:end] only when it is a whole word run.
func isolated(text string, start, end int) int {
	if !wordStartsAt(text, start) || !wordEndsAt(text, end) {
		return 0
	}
	return end - start
}

// wordRune reports whether r continues a word. \b in regexp is ASCII-only,
// so accented names need this instead.
func wordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}

func wordStartsAt(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !wordRune(r)
}

func wordEndsAt(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !wordRune(r)
}

func dropLastWord(s string) string {
	i := strings.LastIndexAny(s, " \t")
	if i < 0 {
		return ""
	}
	return strings.TrimRight(s[:i], " \t")
}

func overlaps(spans [][]int, start, end int) bool {
	for _, s := range spans {
		if start < s[1] && s[0] < end {
			return true
		}
	}
	return false
}

// Rehydrate replaces every [TYPE:N] token found in m with its original
// value in a single pass. Tokens absent from m are left as they are, so the
// call is idempotent once no known tokens remain.
func (e *Engine) Rehydrate(text string, m *TokenMap) string {
	if m == nil || m.Len() == 0 {
		return text
	}
	replaced := 0
	out := bracketedToken.ReplaceAllStringFunc(text, func(s string) string {
		tok, err := ParseToken(s[1 : len(s)-1])
		if err != nil {
			return s
		}
		v, ok := m.Lookup(tok)
		if !ok {
			return s
		}
		replaced++
		return v
	})
	if e.metrics != nil {
		e.metrics.Rehydrations.Add(1)
		e.metrics.TokensRehydrated.Add(int64(replaced))
	}
	return out
}
