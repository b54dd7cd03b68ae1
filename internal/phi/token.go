package phi

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PHIType classifies the kind of protected health information found.
type PHIType string

// Supported PHI types, in catalog priority order.
const (
	PHIEmail    PHIType = "EMAIL"
	PHIMRN      PHIType = "MRN"
	PHIHealthID PHIType = "HEALTH_ID"
	PHIGovID    PHIType = "GOV_ID"
	PHISSN      PHIType = "SSN"
	PHIPhone    PHIType = "PHONE"
	PHIDate     PHIType = "DATE"
	PHIAddress  PHIType = "ADDRESS"
	PHIPostal   PHIType = "POSTAL"
	PHIName     PHIType = "NAME"
)

// Types lists every PHI type the catalog can emit.
var Types = []PHIType{
	PHIEmail, PHIMRN, PHIHealthID, PHIGovID, PHISSN,
	PHIPhone, PHIDate, PHIAddress, PHIPostal, PHIName,
}

// Token identifies one tokenized value within a TokenMap. Its serialized
// form is TYPE:INDEX; in text it always appears bracketed as [TYPE:INDEX].
type Token struct {
	Type  PHIType
	Index int
}

func (t Token) String() string {
	return string(t.Type) + ":" + strconv.Itoa(t.Index)
}

// Bracketed returns the placeholder written into pseudonymized text.
func (t Token) Bracketed() string {
	return "[" + t.String() + "]"
}

// bracketedToken matches a placeholder in text. No catalog pattern can match
// inside it: the bracket syntax is reserved for engine output.
var bracketedToken = regexp.MustCompile(`\[([A-Z][A-Z_]*):([1-9][0-9]*)\]`)

// ParseToken parses the unbracketed TYPE:INDEX form.
func ParseToken(s string) (Token, error) {
	typ, idx, ok := strings.Cut(s, ":")
	if !ok || typ == "" {
		return Token{}, fmt.Errorf("phi: malformed token %q", s)
	}
	for _, r := range typ {
		if (r < 'A' || r > 'Z') && r != '_' {
			return Token{}, fmt.Errorf("phi: malformed token type in %q", s)
		}
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 1 || idx[0] == '0' {
		return Token{}, fmt.Errorf("phi: malformed token index in %q", s)
	}
	return Token{Type: PHIType(typ), Index: n}, nil
}

// FindTokens returns every well-formed placeholder in text, in order of
// appearance. Repeats are kept.
func FindTokens(text string) []Token {
	var out []Token
	for _, s := range bracketedToken.FindAllString(text, -1) {
		if tok, err := ParseToken(s[1 : len(s)-1]); err == nil {
			out = append(out, tok)
		}
	}
	return out
}
