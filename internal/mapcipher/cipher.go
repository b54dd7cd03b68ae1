// Package mapcipher seals token maps at rest with an authenticated cipher.
//
// A sealed map is the JSON object {"encrypted": base64, "iv": base64}. Every
// Seal draws a fresh 96-bit nonce. Open either returns the complete map or a
// *DecryptionError; it never returns partial data.
package mapcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"clinical-phi-guard/internal/metrics"
	"clinical-phi-guard/internal/phi"
)

// Supported algorithms.
const (
	AESGCM   = "aes-256-gcm"
	ChaCha20 = "chacha20-poly1305"
)

const (
	// KeySize is the key length in bytes for every supported algorithm.
	KeySize = 32
	// NonceSize is the IV length in bytes.
	NonceSize = 12
)

// ErrDecryption is matched by every *DecryptionError.
var ErrDecryption = errors.New("mapcipher: decryption failed")

// DecryptionError reports why a sealed map could not be opened: wrong key,
// tampered ciphertext, malformed encoding or a bad IV.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mapcipher: decryption failed: %s: %v", e.Reason, e.Err)
	}
	return "mapcipher: decryption failed: " + e.Reason
}

func (e *DecryptionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDecryption}
	}
	return []error{ErrDecryption, e.Err}
}

// Key is a 256-bit symmetric key.
type Key [KeySize]byte

// NewKey returns a key from crypto/rand.
func NewKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return Key{}, fmt.Errorf("mapcipher: generate key: %w", err)
	}
	return k, nil
}

// SealedMap is the persisted form of an encrypted token map.
type SealedMap struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
}

// Cipher seals and opens token maps with one AEAD algorithm.
type Cipher struct {
	algorithm string
	newAEAD   func(key []byte) (cipher.AEAD, error)
	metrics   *metrics.Metrics
}

// New returns a Cipher for algorithm (AESGCM or ChaCha20). m may be nil.
func New(algorithm string, m *metrics.Metrics) (*Cipher, error) {
	c := &Cipher{algorithm: algorithm, metrics: m}
	switch algorithm {
	case AESGCM, "":
		c.algorithm = AESGCM
		c.newAEAD = newAESGCM
	case ChaCha20:
		c.newAEAD = chacha20poly1305.New
	default:
		return nil, fmt.Errorf("mapcipher: unknown algorithm %q", algorithm)
	}
	return c, nil
}

// Algorithm returns the configured algorithm name.
func (c *Cipher) Algorithm() string { return c.algorithm }

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts the canonical JSON form of m under key.
func (c *Cipher) Seal(m *phi.TokenMap, key Key) (SealedMap, error) {
	start := time.Now()
	plaintext, err := json.Marshal(m)
	if err != nil {
		return SealedMap{}, fmt.Errorf("mapcipher: encode map: %w", err)
	}
	defer clear(plaintext)

	aead, err := c.newAEAD(key[:])
	if err != nil {
		return SealedMap{}, fmt.Errorf("mapcipher: %s: %w", c.algorithm, err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return SealedMap{}, fmt.Errorf("mapcipher: generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	if c.metrics != nil {
		c.metrics.MapsSealed.Add(1)
		c.metrics.RecordSealLatency(time.Since(start))
	}
	return SealedMap{
		Encrypted: base64.StdEncoding.EncodeToString(ciphertext),
		IV:        base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// Open authenticates and decrypts s under key.
func (c *Cipher) Open(s SealedMap, key Key) (*phi.TokenMap, error) {
	m, err := c.open(s, key)
	if c.metrics != nil {
		if err != nil {
			c.metrics.DecryptFailures.Add(1)
		} else {
			c.metrics.MapsOpened.Add(1)
		}
	}
	return m, err
}

func (c *Cipher) open(s SealedMap, key Key) (*phi.TokenMap, error) {
	nonce, err := base64.StdEncoding.DecodeString(s.IV)
	if err != nil {
		return nil, &DecryptionError{Reason: "decode iv", Err: err}
	}
	if len(nonce) != NonceSize {
		return nil, &DecryptionError{Reason: fmt.Sprintf("iv must be %d bytes, got %d", NonceSize, len(nonce))}
	}
	ciphertext, err := base64.StdEncoding.DecodeString(s.Encrypted)
	if err != nil {
		return nil, &DecryptionError{Reason: "decode ciphertext", Err: err}
	}

	aead, err := c.newAEAD(key[:])
	if err != nil {
		return nil, &DecryptionError{Reason: c.algorithm, Err: err}
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &DecryptionError{Reason: "authentication failed", Err: err}
	}
	defer clear(plaintext)

	m := phi.NewTokenMap()
	if err := json.Unmarshal(plaintext, m); err != nil {
		return nil, &DecryptionError{Reason: "decode map", Err: err}
	}
	return m, nil
}
