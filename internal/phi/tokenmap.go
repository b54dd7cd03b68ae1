package phi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// Entry is one token -> original value pair.
type Entry struct {
	Token Token
	Value string
}

// TokenMap is the ordered token -> plaintext mapping for one encounter.
//
// A value is tokenized at most once: a repeated identical value reuses its
// token. Indexes are 1-based and allocated per type without gaps. The next
// index per type is cached and rebuilt whenever the map is decoded, which
// keeps allocation stable across resumed sessions.
//
// TokenMap is safe for concurrent use; the zero value is an empty map.
type TokenMap struct {
	mu      sync.Mutex
	entries []Entry
	byToken map[Token]int
	byValue map[string]Token
	last    map[PHIType]int
}

// NewTokenMap returns an empty map.
func NewTokenMap() *TokenMap {
	m := &TokenMap{}
	m.init()
	return m
}

func (m *TokenMap) init() {
	if m.byToken != nil {
		return
	}
	m.byToken = make(map[Token]int)
	m.byValue = make(map[string]Token)
	m.last = make(map[PHIType]int)
}

// Tokenize returns the token for value, allocating the next free index for
// typ when value has not been seen. The scan and the insert happen under one
// lock. created reports whether a new entry was added.
func (m *TokenMap) Tokenize(typ PHIType, value string) (tok Token, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	if existing, ok := m.byValue[value]; ok {
		return existing, false
	}
	tok = Token{Type: typ, Index: m.last[typ] + 1}
	m.insertLocked(tok, value)
	return tok, true
}

func (m *TokenMap) insertLocked(tok Token, value string) {
	m.byToken[tok] = len(m.entries)
	if _, dup := m.byValue[value]; !dup {
		m.byValue[value] = tok
	}
	m.entries = append(m.entries, Entry{Token: tok, Value: value})
	if tok.Index > m.last[tok.Type] {
		m.last[tok.Type] = tok.Index
	}
}

// Lookup returns the original value for tok.
func (m *TokenMap) Lookup(tok Token) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byToken[tok]
	if !ok {
		return "", false
	}
	return m.entries[i].Value, true
}

// TokenFor returns the token already assigned to value.
func (m *TokenMap) TokenFor(value string) (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.byValue[value]
	return tok, ok
}

// Len returns the number of entries.
func (m *TokenMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Entries returns a copy of the entries in insertion order.
func (m *TokenMap) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// ValuesOf returns the values tokenized as typ, in insertion order.
func (m *TokenMap) ValuesOf(typ PHIType) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		if e.Token.Type == typ {
			out = append(out, e.Value)
		}
	}
	return out
}

// CountByType returns the number of entries per type.
func (m *TokenMap) CountByType() map[PHIType]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[PHIType]int)
	for _, e := range m.entries {
		out[e.Token.Type]++
	}
	return out
}

// Equal reports whether both maps hold the same entries in the same order.
func (m *TokenMap) Equal(other *TokenMap) bool {
	a, b := m.Entries(), other.Entries()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the map as a JSON object whose key order is the
// insertion order. This is the canonical byte form sealed by mapcipher.
func (m *TokenMap) MarshalJSON() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Token.String())
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON replaces the map contents, preserving the object's key order
// and rebuilding the per-type index counters.
func (m *TokenMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	t, err := dec.Token()
	if err != nil {
		return fmt.Errorf("phi: decode token map: %w", err)
	}
	if d, ok := t.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("phi: decode token map: expected object")
	}

	fresh := NewTokenMap()
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return fmt.Errorf("phi: decode token map: %w", err)
		}
		key, _ := kt.(string)
		tok, err := ParseToken(key)
		if err != nil {
			return err
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("phi: decode value of %s: %w", key, err)
		}
		if _, dup := fresh.byToken[tok]; dup {
			return fmt.Errorf("phi: duplicate token %s", key)
		}
		fresh.insertLocked(tok, value)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("phi: decode token map: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = fresh.entries
	m.byToken = fresh.byToken
	m.byValue = fresh.byValue
	m.last = fresh.last
	return nil
}
