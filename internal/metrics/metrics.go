// Package metrics provides lightweight, lock-minimal counters for the PHI
// protection pipeline.
//
// Counters use sync/atomic so hot paths (tokenization, ledger appends, guard
// checks) incur no mutex contention. Latency statistics use a single mutex
// per dimension.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// knownPHITypes lists all PHI type strings the engine can produce.
// Used to pre-populate per-type counter maps in New() so Snapshot() can
// iterate a fixed set without racing on map writes.
var knownPHITypes = []string{
	"EMAIL", "MRN", "HEALTH_ID", "GOV_ID", "SSN",
	"PHONE", "DATE", "ADDRESS", "POSTAL", "NAME",
}

// knownRefusals lists the guard decisions that block a write.
var knownRefusals = []string{"missing", "unconfirmed", "mismatch"}

// Metrics holds all runtime counters for a running instance.
// The zero value is NOT valid for the per-type maps; use New().
type Metrics struct {
	// Encounter lifecycle
	EncountersStarted atomic.Int64
	EncountersEnded   atomic.Int64

	// Token volume
	TokensRehydrated atomic.Int64
	Rehydrations     atomic.Int64
	ResidualGaps     atomic.Int64

	// Maps are written only in New(); concurrent reads are safe without a lock.
	tokensIssued map[string]*atomic.Int64
	tokensReused map[string]*atomic.Int64

	// Map cipher
	MapsSealed      atomic.Int64
	MapsOpened      atomic.Int64
	DecryptFailures atomic.Int64
	KeysDiscarded   atomic.Int64

	// Audit ledger
	LedgerAppends  atomic.Int64
	LedgerFailures atomic.Int64
	LedgerBuffered atomic.Int64 // lines currently held by the buffer policy
	LedgerDropped  atomic.Int64

	// Identity guard
	GuardAllowed  atomic.Int64
	GuardBypassed atomic.Int64
	guardRefused  map[string]*atomic.Int64

	// Management API
	RequestsTotal atomic.Int64
	RequestsAuth  atomic.Int64

	pseudoMu   sync.Mutex
	pseudoStat latencyStats

	sealMu   sync.Mutex
	sealStat latencyStats

	startTime time.Time
}

// New returns a new Metrics with the start time recorded and per-type
// counter maps pre-populated.
func New() *Metrics {
	m := &Metrics{
		startTime:    time.Now(),
		tokensIssued: make(map[string]*atomic.Int64, len(knownPHITypes)),
		tokensReused: make(map[string]*atomic.Int64, len(knownPHITypes)),
		guardRefused: make(map[string]*atomic.Int64, len(knownRefusals)),
	}
	for _, t := range knownPHITypes {
		m.tokensIssued[t] = new(atomic.Int64)
		m.tokensReused[t] = new(atomic.Int64)
	}
	for _, k := range knownRefusals {
		m.guardRefused[k] = new(atomic.Int64)
	}
	return m
}

// RecordToken counts one match of the given PHI type. created reports
// whether a new token was allocated or an existing one reused.
// Unknown types are silently ignored.
func (m *Metrics) RecordToken(phiType string, created bool) {
	counters := m.tokensReused
	if created {
		counters = m.tokensIssued
	}
	if c, ok := counters[phiType]; ok {
		c.Add(1)
	}
}

// RecordGuardRefusal counts one blocked write by decision kind.
func (m *Metrics) RecordGuardRefusal(kind string) {
	if c, ok := m.guardRefused[kind]; ok {
		c.Add(1)
	}
}

// RecordPseudonymizeLatency records the duration of one pseudonymization pass.
func (m *Metrics) RecordPseudonymizeLatency(d time.Duration) {
	m.pseudoMu.Lock()
	m.pseudoStat.record(float64(d.Microseconds()) / 1000.0)
	m.pseudoMu.Unlock()
}

// RecordSealLatency records the duration of one seal of a token map.
func (m *Metrics) RecordSealLatency(d time.Duration) {
	m.sealMu.Lock()
	m.sealStat.record(float64(d.Microseconds()) / 1000.0)
	m.sealMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.pseudoMu.Lock()
	pseudo := m.pseudoStat.snapshot()
	m.pseudoMu.Unlock()

	m.sealMu.Lock()
	seal := m.sealStat.snapshot()
	m.sealMu.Unlock()

	return Snapshot{
		Encounters: EncounterSnapshot{
			Started: m.EncountersStarted.Load(),
			Ended:   m.EncountersEnded.Load(),
		},
		Tokens: TokenSnapshot{
			Issued:       nonZero(m.tokensIssued),
			Reused:       nonZero(m.tokensReused),
			Rehydrated:   m.TokensRehydrated.Load(),
			Rehydrations: m.Rehydrations.Load(),
			ResidualGaps: m.ResidualGaps.Load(),
		},
		Cipher: CipherSnapshot{
			Sealed:          m.MapsSealed.Load(),
			Opened:          m.MapsOpened.Load(),
			DecryptFailures: m.DecryptFailures.Load(),
			KeysDiscarded:   m.KeysDiscarded.Load(),
		},
		Ledger: LedgerSnapshot{
			Appends:  m.LedgerAppends.Load(),
			Failures: m.LedgerFailures.Load(),
			Buffered: m.LedgerBuffered.Load(),
			Dropped:  m.LedgerDropped.Load(),
		},
		Guard: GuardSnapshot{
			Allowed:  m.GuardAllowed.Load(),
			Bypassed: m.GuardBypassed.Load(),
			Refused:  nonZero(m.guardRefused),
		},
		Requests: RequestSnapshot{
			Total: m.RequestsTotal.Load(),
			Auth:  m.RequestsAuth.Load(),
		},
		Latency: LatencyGroup{
			PseudonymizeMs: pseudo,
			SealMs:         seal,
		},
		UptimeSecs: time.Since(m.startTime).Seconds(),
	}
}

func nonZero(counters map[string]*atomic.Int64) map[string]int64 {
	out := make(map[string]int64, len(counters))
	for k, c := range counters {
		if n := c.Load(); n > 0 {
			out[k] = n
		}
	}
	return out
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Encounters EncounterSnapshot `json:"encounters"`
	Tokens     TokenSnapshot     `json:"tokens"`
	Cipher     CipherSnapshot    `json:"cipher"`
	Ledger     LedgerSnapshot    `json:"ledger"`
	Guard      GuardSnapshot     `json:"guard"`
	Requests   RequestSnapshot   `json:"requests"`
	Latency    LatencyGroup      `json:"latency"`
	UptimeSecs float64           `json:"uptimeSecs"`
}

// EncounterSnapshot holds encounter lifecycle counters.
type EncounterSnapshot struct {
	Started int64 `json:"started"`
	Ended   int64 `json:"ended"`
}

// TokenSnapshot holds token volume counters.
type TokenSnapshot struct {
	// Per-type counts (only types with non-zero counts appear).
	Issued map[string]int64 `json:"issued,omitempty"`
	Reused map[string]int64 `json:"reused,omitempty"`

	Rehydrated   int64 `json:"rehydrated"`
	Rehydrations int64 `json:"rehydrations"`
	ResidualGaps int64 `json:"residualGaps"`
}

// CipherSnapshot holds map cipher counters.
type CipherSnapshot struct {
	Sealed          int64 `json:"sealed"`
	Opened          int64 `json:"opened"`
	DecryptFailures int64 `json:"decryptFailures"`
	KeysDiscarded   int64 `json:"keysDiscarded"`
}

// LedgerSnapshot holds audit ledger counters.
type LedgerSnapshot struct {
	Appends  int64 `json:"appends"`
	Failures int64 `json:"failures"`
	Buffered int64 `json:"buffered"`
	Dropped  int64 `json:"dropped"`
}

// GuardSnapshot holds identity guard counters.
type GuardSnapshot struct {
	Allowed  int64            `json:"allowed"`
	Bypassed int64            `json:"bypassed"`
	Refused  map[string]int64 `json:"refused,omitempty"`
}

// RequestSnapshot holds management API counters.
type RequestSnapshot struct {
	Total int64 `json:"total"`
	Auth  int64 `json:"auth"`
}

// LatencyGroup groups the latency dimensions.
type LatencyGroup struct {
	PseudonymizeMs LatencySnapshot `json:"pseudonymizeMs"`
	SealMs         LatencySnapshot `json:"sealMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
