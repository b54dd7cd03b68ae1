package phi

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// pattern pairs a compiled regex with its PHI type. group selects the
// capture holding the value; 0 means the whole match. A labelled identifier
// such as "MRN: 00123456" tokenizes only the number and keeps the label.
// Labels must be followed by a separator so "since" never reads as "SIN".
type pattern struct {
	re      *regexp.Regexp
	phiType PHIType
	group   int
}

// nameRule is a context marker followed by a capitalised name span in
// capture group 1.
type nameRule struct {
	re       *regexp.Regexp
	minWords int
	titled   bool // introduced by an honorific
}

// nameWord is one capitalised name word in any script: "Smith", "María",
// "McDonald", "O'Brien", "Smith-Jones".
const nameWord = `\p{Lu}(?:[\p{Ll}\p{Mn}]+(?:\p{Lu}[\p{Ll}\p{Mn}]+)?|['’]\p{Lu}[\p{Ll}\p{Mn}]+)(?:-\p{Lu}[\p{Ll}\p{Mn}]+)?`

const months = `(?:Jan(?:uary)?|Feb(?:ruary)?|Mar(?:ch)?|Apr(?:il)?|May|June?|July?|Aug(?:ust)?|Sep(?:t(?:ember)?)?|Oct(?:ober)?|Nov(?:ember)?|Dec(?:ember)?)`

// Catalog is the fixed, ordered set of PHI detectors plus the context-aware
// name detector and its stoplists. Structured identifiers always run before
// name detection.
type Catalog struct {
	patterns []pattern
	names    []nameRule
	stop     Stoplist
}

// NewCatalog compiles the built-in detectors with the default stoplist.
func NewCatalog() *Catalog {
	c := &Catalog{stop: DefaultStoplist()}
	c.compilePatterns()
	return c
}

func (c *Catalog) compilePatterns() {
	specs := []struct {
		expr    string
		phiType PHIType
		group   int
	}{
		{`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, PHIEmail, 0},
		{`\b(?i:MRN|medical\s+record(?:\s+(?:no\.?|number|#))?|chart\s*(?:no\.?|number|#))[\s:#.]+([A-Za-z]{0,3}-?\d{4,12})\b`, PHIMRN, 1},
		{`\b(?i:health\s*card(?:\s*(?:no\.?|number|#))?|HCN|NHS(?:\s*(?:no\.?|number))?|medicare(?:\s*(?:no\.?|number|#))?|OHIP(?:\s*(?:no\.?|number|#))?|PHN)[\s:#.]+(\d[\d -]{6,14}\d)\b`, PHIHealthID, 1},
		{`\bRAMQ[\s:#.]+([A-Z]{4}[ ]?\d{4}[ ]?\d{4})\b`, PHIHealthID, 1},
		{`\b(?i:SIN|SSN|social\s+(?:insurance|security)\s+(?:no\.?|number|#)|passport(?:\s*(?:no\.?|number|#))?|driver'?s\s+licen[cs]e(?:\s*(?:no\.?|number|#))?)[\s:#.]+([A-Za-z]{0,2}\d[\d -]{4,12}\d)\b`, PHIGovID, 1},
		{`\b\d{3}-\d{2}-\d{4}\b`, PHISSN, 0},
		{`(?:\+1[-.\s]?)?(?:\(\d{3}\)\s?|\b\d{3}[-.\s])\d{3}[-.\s]\d{4}\b`, PHIPhone, 0},
		{`\b\d{4}-\d{2}-\d{2}\b`, PHIDate, 0},
		{`\b\d{1,2}/\d{1,2}/\d{2,4}\b`, PHIDate, 0},
		{`\b` + months + `\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}\b`, PHIDate, 0},
		{`\b\d{1,2}(?:st|nd|rd|th)?\s+` + months + `\.?,?\s+\d{4}\b`, PHIDate, 0},
		{`\b\d{1,5}\s+(?:[A-Z][A-Za-z'.-]*\s+){1,4}(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Crescent|Cres|Way|Place|Pl|Terrace|Parkway|Pkwy|Highway|Hwy)\b`, PHIAddress, 0},
		{`\b\d{5}(?:-\d{4})?\b`, PHIPostal, 0},
		{`\b[ABCEGHJ-NPRSTVXY]\d[ABCEGHJ-NPRSTV-Z][ -]?\d[ABCEGHJ-NPRSTV-Z]\d\b`, PHIPostal, 0},
	}
	for _, s := range specs {
		re, err := regexp.Compile(s.expr)
		if err != nil {
			panic(fmt.Sprintf("phi: compile %s pattern %q: %v", s.phiType, s.expr, err))
		}
		c.patterns = append(c.patterns, pattern{re: re, phiType: s.phiType, group: s.group})
	}

	span := func(min, max int) string {
		return `(` + nameWord + fmt.Sprintf(`(?:[ \t]+%s){%d,%d}`, nameWord, min-1, max-1) + `)`
	}
	rules := []struct {
		expr     string
		minWords int
		titled   bool
	}{
		{`\b(?:Mr|Mrs|Ms|Miss|Mx|Dr|Prof)\.?[ \t]+` + span(1, 3), 1, true},
		{`\b(?:[Pp]atient|[Pp]t\.?|[Nn]ame:?|[Nn]amed|[Cc]lient|[Ss]on|[Dd]aughter|[Ww]ife|[Hh]usband|[Mm]other|[Ff]ather)[ \t]+` + span(2, 3), 2, false},
		{`\b(?i:my\s+name\s+is|i\s+am|i'm|this\s+is|call\s+me)[ \t]+` + span(1, 3), 1, false},
	}
	for _, r := range rules {
		c.names = append(c.names, nameRule{re: regexp.MustCompile(r.expr), minWords: r.minWords, titled: r.titled})
	}
}

// Stoplist holds the hand-curated, English-only word lists that keep the
// name detector away from clinical vocabulary. All entries are lower case.
type Stoplist struct {
	// Eponyms are person-derived medical terms ("crohn", "bell's palsy").
	Eponyms []string `yaml:"eponyms"`
	// ClinicalTerms are head nouns that mark a span as a condition.
	ClinicalTerms []string `yaml:"clinicalTerms"`
	// CommonWords are capitalised words that start sentences, not names.
	CommonWords []string `yaml:"commonWords"`
}

// DefaultStoplist returns the built-in lists.
func DefaultStoplist() Stoplist {
	return Stoplist{
		Eponyms: []string{
			"addison", "alzheimer", "asperger", "barrett", "behcet", "bell", "bell palsy",
			"buerger", "burkitt", "chagas", "charcot", "crohn", "crohn disease", "cushing",
			"creutzfeldt", "jakob", "creutzfeldt jakob", "dupuytren", "ehlers", "danlos",
			"ehlers danlos", "fallot", "graves", "guillain", "barre", "guillain barre",
			"hashimoto", "hodgkin", "huntington", "kaposi", "kawasaki", "korsakoff",
			"lou gehrig", "gehrig", "marfan", "meniere", "munchausen", "osgood", "schlatter",
			"paget", "parkinson", "peyronie", "raynaud", "reiter", "reye", "sjogren",
			"stevens johnson", "tay sachs", "tourette", "wegener", "wernicke", "whipple",
			"wilms", "apgar", "babinski", "glasgow", "kussmaul", "epstein barr",
			"down syndrome", "turner syndrome", "wilson disease",
		},
		ClinicalTerms: []string{
			"disease", "syndrome", "palsy", "lymphoma", "sarcoma", "tumor", "tumour",
			"disorder", "dementia", "sign", "reflex", "score", "scale", "test",
			"fracture", "phenomenon", "anomaly", "virus", "ulcer", "esophagus",
			"tetralogy", "thyroiditis", "encephalopathy", "neuroma", "contracture",
		},
		CommonWords: []string{
			"the", "this", "that", "he", "she", "they", "his", "her", "their", "and", "or",
			"with", "without", "has", "had", "was", "is", "will", "not", "no", "yes",
			"reports", "denies", "presents", "presented", "states", "complains",
			"history", "today", "yesterday", "tomorrow", "follow", "up", "chest", "pain",
			"blood", "pressure", "doctor", "nurse", "patient", "mom", "dad", "here",
			"feeling", "fine", "well", "good", "okay", "sorry", "sure", "going", "back",
			"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
			"emergency", "room", "clinic", "hospital", "allergies", "medications",
			"diabetic", "pregnant", "allergic", "asthmatic", "epileptic", "hypertensive",
			"anemic", "anaemic", "diabetes", "sick", "ill", "tired", "dizzy", "nauseous",
			"worried", "scared", "afraid", "concerned", "calling", "new", "married",
			"single", "divorced", "widowed", "retired", "unemployed", "vegetarian",
			"vegan", "overweight", "depressed", "anxious",
		},
	}
}

// LoadStoplistFile reads additional stoplist entries from a YAML file with
// the keys eponyms, clinicalTerms and commonWords.
func LoadStoplistFile(path string) (Stoplist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Stoplist{}, fmt.Errorf("read stoplist %s: %w", path, err)
	}
	var s Stoplist
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Stoplist{}, fmt.Errorf("parse stoplist %s: %w", path, err)
	}
	return s, nil
}

// Extend merges extra entries into the catalog's stoplist.
func (c *Catalog) Extend(extra Stoplist) {
	c.stop.Eponyms = append(c.stop.Eponyms, lowerAll(extra.Eponyms)...)
	c.stop.ClinicalTerms = append(c.stop.ClinicalTerms, lowerAll(extra.ClinicalTerms)...)
	c.stop.CommonWords = append(c.stop.CommonWords, lowerAll(extra.CommonWords)...)
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var wordSpan = regexp.MustCompile(`\S+`)

// acceptName decides whether candidate is a personal name. It returns the
// length of the accepted prefix of candidate (trailing common words are
// trimmed) or 0 to reject.
func (c *Catalog) acceptName(candidate string, rule nameRule) int {
	locs := wordSpan.FindAllStringIndex(candidate, -1)
	if len(locs) == 0 {
		return 0
	}
	words := make([]string, len(locs))
	for i, l := range locs {
		words[i] = normalizeWord(candidate[l[0]:l[1]])
	}

	if contains(c.stop.CommonWords, words[0]) {
		return 0
	}
	keep := len(words)
	for keep > 0 && contains(c.stop.CommonWords, words[keep-1]) {
		keep--
	}
	if keep < rule.minWords {
		return 0
	}
	words = words[:keep]

	// "Mr. Parkinson" is a person; a bare "Parkinson" after "this is" is not.
	if !rule.titled && contains(c.stop.Eponyms, strings.Join(words, " ")) {
		return 0
	}
	allEponyms := true
	for _, w := range words {
		if contains(c.stop.ClinicalTerms, w) {
			return 0
		}
		if !contains(c.stop.Eponyms, w) {
			allEponyms = false
		}
	}
	if allEponyms && !rule.titled {
		return 0
	}
	return locs[keep-1][1]
}

// normalizeWord lower-cases w and strips a possessive suffix.
func normalizeWord(w string) string {
	w = strings.ToLower(w)
	for _, suffix := range []string{"'s", "’s"} {
		w = strings.TrimSuffix(w, suffix)
	}
	return w
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
