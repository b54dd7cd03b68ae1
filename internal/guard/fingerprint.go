package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrInsufficientDemographics is returned when neither a last name nor a
// date of birth is available to fingerprint.
var ErrInsufficientDemographics = errors.New("guard: not enough demographics to fingerprint")

// Demographics are the fields a fingerprint is derived from, as read from
// the record system's patient banner.
type Demographics struct {
	LastName  string `json:"lastName"`
	FirstName string `json:"firstName"`
	DOB       string `json:"dob"`
	MRN       string `json:"mrn"`
}

// Patient is a fingerprint plus the preview shown to the operator. The
// preview never contains full identifiers.
type Patient struct {
	FP      string `json:"fp"`
	Preview string `json:"preview"`
}

var dobLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"20060102",
}

// Fingerprint derives the non-reversible patient fingerprint: a SHA-256 hex
// digest of last|first|dob|mrn-last4 after normalisation (accents folded,
// lower case, whitespace collapsed, DOB as YYYY-MM-DD).
func Fingerprint(d Demographics) (Patient, error) {
	last := normalizeName(d.LastName)
	first := normalizeName(d.FirstName)
	dob, dobOK := normalizeDOB(d.DOB)
	mrn := lastDigits(d.MRN, 4)
	if last == "" && dob == "" {
		return Patient{}, ErrInsufficientDemographics
	}

	sum := sha256.Sum256([]byte(strings.Join([]string{last, first, dob, mrn}, "|")))
	return Patient{
		FP:      hex.EncodeToString(sum[:]),
		Preview: preview(first, last, dob, dobOK, mrn),
	}, nil
}

func fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// normalizeName folds accents, lower-cases, drops punctuation and collapses
// whitespace: "  O'Brien-Núñez " and "obrien nunez" normalise alike.
func normalizeName(s string) string {
	s = strings.ToLower(fold(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// normalizeDOB returns the date as YYYY-MM-DD. An unparseable value is kept,
// lower-cased and trimmed, so the same banner text still fingerprints the
// same way; ok reports whether it parsed.
func normalizeDOB(s string) (string, bool) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "", false
	}
	for _, layout := range dobLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return strings.ToLower(s), false
}

func lastDigits(s string, n int) string {
	var digits []rune
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) > n {
		digits = digits[len(digits)-n:]
	}
	return string(digits)
}

// preview renders initials, the birth year and the MRN tail, e.g.
// "J.D. DOB 1985-**-** MRN ***4567".
func preview(first, last, dob string, dobOK bool, mrn string) string {
	var parts []string
	var initials string
	for _, name := range []string{first, last} {
		if name != "" {
			initials += strings.ToUpper(string([]rune(name)[0])) + "."
		}
	}
	if initials != "" {
		parts = append(parts, initials)
	}
	if dobOK {
		parts = append(parts, "DOB "+dob[:4]+"-**-**")
	} else if dob != "" {
		parts = append(parts, "DOB ****")
	}
	if mrn != "" {
		parts = append(parts, "MRN ***"+mrn)
	}
	return strings.Join(parts, " ")
}
