// Package audit is the tamper-evident ledger of PHI-relevant events.
//
// Each entry is one JSON line signed with HMAC-SHA256 over the canonical
// encoding of every other field. Entries are independent: there is no
// chaining, so a damaged line invalidates only itself.
package audit

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// EventType names a ledger event.
type EventType string

// Ledger event types.
const (
	EventEncounterStarted  EventType = "encounter_started"
	EventEncounterResumed  EventType = "encounter_resumed"
	EventEncounterEnded    EventType = "encounter_ended"
	EventPHITokenized      EventType = "phi_tokenized"
	EventResidualPHI       EventType = "residual_phi_detected"
	EventPHIRehydrated     EventType = "phi_rehydrated"
	EventMapSealed         EventType = "token_map_sealed"
	EventMapOpened         EventType = "token_map_opened"
	EventMapOpenFailed     EventType = "token_map_open_failed"
	EventPatientObserved   EventType = "patient_observed"
	EventPatientConfirmed  EventType = "patient_confirmed"
	EventGuardCleared      EventType = "guard_cleared"
	EventGuardRefused      EventType = "guard_refused"
	EventGuardBypassed     EventType = "guard_bypassed"
	EventNoteInserted      EventType = "note_inserted"
	EventNoteInsertFailed  EventType = "note_insert_failed"
	EventIntegrityVerified EventType = "integrity_verified"
)

// fingerprintPrefixLen is how much of a patient fingerprint the ledger keeps.
const fingerprintPrefixLen = 16

// Event is what callers hand to Append. Empty strings become JSON null.
type Event struct {
	Type               EventType
	EncounterID        string
	UserID             string
	PatientFingerprint string
	IPAddress          string
	Metadata           map[string]any
}

// Entry is one signed ledger line. Field order is the wire order and the
// order the signature covers.
type Entry struct {
	Timestamp          string          `json:"timestamp"`
	EventType          EventType       `json:"eventType"`
	EncounterID        *string         `json:"encounterId"`
	UserID             *string         `json:"userId"`
	PatientFingerprint *string         `json:"patientFingerprint"`
	IPAddress          *string         `json:"ipAddress"`
	Metadata           json.RawMessage `json:"metadata"`
	PID                int             `json:"pid"`
	Hostname           string          `json:"hostname"`
	Signature          string          `json:"signature,omitempty"`
}

// Time parses the entry timestamp.
func (e Entry) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

// canonical is the signed byte form: the entry without its signature.
func (e Entry) canonical() ([]byte, error) {
	e.Signature = ""
	return json.Marshal(e)
}

func sign(secret []byte, e Entry) (string, error) {
	data, err := e.canonical()
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// verify recomputes the signature and compares in constant time.
func verify(secret []byte, e Entry) bool {
	want, err := sign(secret, e)
	if err != nil {
		return false
	}
	// Compare the hex text, not decoded bytes: "AB" and "ab" are different
	// lines on disk.
	return hmac.Equal([]byte(e.Signature), []byte(want))
}

// matchesLine reports whether line is exactly the encoding of e. JSON keys
// decode case-insensitively, so a signature check alone would accept an
// edited key name.
func (e Entry) matchesLine(line []byte) bool {
	enc, err := json.Marshal(e)
	if err != nil {
		return false
	}
	return bytes.Equal(enc, bytes.TrimSpace(line))
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func fingerprintPrefix(fp string) string {
	if len(fp) > fingerprintPrefixLen {
		return fp[:fingerprintPrefixLen]
	}
	return fp
}
