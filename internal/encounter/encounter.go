// Package encounter ties the PHI pipeline together for one clinical
// encounter: text is pseudonymized against the encounter's token map, the
// map is sealed at rest under a per-encounter key, notes are rehydrated and
// written only after the identity guard allows it, and every step lands in
// the audit ledger.
package encounter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"clinical-phi-guard/internal/audit"
	"clinical-phi-guard/internal/guard"
	"clinical-phi-guard/internal/kvstore"
	"clinical-phi-guard/internal/logger"
	"clinical-phi-guard/internal/mapcipher"
	"clinical-phi-guard/internal/metrics"
	"clinical-phi-guard/internal/phi"
)

var (
	// ErrUnknownEncounter is returned for an id with no live session.
	ErrUnknownEncounter = errors.New("encounter: unknown encounter")
	// ErrEncounterExists is returned by Start for an id already in use.
	ErrEncounterExists = errors.New("encounter: already started")
)

// Warnings are audit writes that failed during an operation. The operation
// itself succeeded; callers surface these to the operator.
type Warnings []*audit.LedgerWriteFailure

func (w *Warnings) add(res audit.AppendResult) {
	if res.Warning != nil {
		*w = append(*w, res.Warning)
	}
}

// Err joins the warnings into one error, or returns nil.
func (w Warnings) Err() error {
	errs := make([]error, len(w))
	for i, f := range w {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Deps are the collaborators a Manager needs. Logger and Metrics may be nil.
type Deps struct {
	Engine  *phi.Engine
	Cipher  *mapcipher.Cipher
	Keys    *mapcipher.KeyManager
	Maps    *mapcipher.MapStore
	Ledger  *audit.Ledger
	Guard   *guard.Guard
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	// UserID is recorded on every ledger entry.
	UserID string
}

// Manager owns the live encounter sessions.
type Manager struct {
	engine  *phi.Engine
	cipher  *mapcipher.Cipher
	keys    *mapcipher.KeyManager
	maps    *mapcipher.MapStore
	ledger  *audit.Ledger
	guard   *guard.Guard
	log     *logger.Logger
	metrics *metrics.Metrics
	userID  string

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager validates deps and returns a Manager.
func NewManager(d Deps) (*Manager, error) {
	switch {
	case d.Engine == nil:
		return nil, errors.New("encounter: nil engine")
	case d.Cipher == nil:
		return nil, errors.New("encounter: nil cipher")
	case d.Keys == nil:
		return nil, errors.New("encounter: nil key manager")
	case d.Maps == nil:
		return nil, errors.New("encounter: nil map store")
	case d.Ledger == nil:
		return nil, errors.New("encounter: nil ledger")
	case d.Guard == nil:
		return nil, errors.New("encounter: nil guard")
	}
	log := d.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		engine:   d.Engine,
		cipher:   d.Cipher,
		keys:     d.Keys,
		maps:     d.Maps,
		ledger:   d.Ledger,
		guard:    d.Guard,
		log:      log,
		metrics:  d.Metrics,
		userID:   d.UserID,
		sessions: make(map[string]*Session),
	}, nil
}

func (m *Manager) audit(ctx context.Context, w *Warnings, ev audit.Event) {
	ev.UserID = m.userID
	w.add(m.ledger.Append(ctx, ev))
}

// Start opens a new encounter. An empty id gets a random UUID. patientFP,
// when known, is recorded on the encounter's ledger entries.
func (m *Manager) Start(ctx context.Context, id, patientFP string) (*Session, Warnings, error) {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrEncounterExists, id)
	}
	if _, err := m.keys.GetOrCreate(id); err != nil {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("encounter: key for %s: %w", id, err)
	}
	s := newSession(m, id, patientFP, phi.NewTokenMap())
	m.sessions[id] = s
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.EncountersStarted.Add(1)
	}
	var w Warnings
	m.audit(ctx, &w, audit.Event{
		Type:               audit.EventEncounterStarted,
		EncounterID:        id,
		PatientFingerprint: patientFP,
		Metadata:           map[string]any{"cipher": m.cipher.Algorithm()},
	})
	m.log.Infof("start", "encounter %s started", id)
	return s, w, nil
}

// Resume reopens an encounter from its sealed map. The session is returned
// as-is when it is still live. Keys never leave the process, so after a
// restart the sealed map cannot be opened and ErrKeyUnavailable is returned.
func (m *Manager) Resume(ctx context.Context, id string) (*Session, Warnings, error) {
	var w Warnings
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, w, nil
	}

	key, ok := m.keys.Get(id)
	if !ok {
		m.openFailed(ctx, &w, id, "key unavailable")
		return nil, w, fmt.Errorf("encounter %s: %w", id, mapcipher.ErrKeyUnavailable)
	}
	sealed, err := m.maps.Load(ctx, id)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, w, fmt.Errorf("%w: %s", ErrUnknownEncounter, id)
	}
	if err != nil {
		m.openFailed(ctx, &w, id, "load")
		return nil, w, err
	}
	tokens, err := m.cipher.Open(sealed, key)
	if err != nil {
		m.openFailed(ctx, &w, id, "decrypt")
		return nil, w, err
	}

	s := newSession(m, id, "", tokens)
	m.sessions[id] = s
	m.audit(ctx, &w, audit.Event{
		Type:        audit.EventMapOpened,
		EncounterID: id,
		Metadata:    map[string]any{"tokens": tokens.Len()},
	})
	m.audit(ctx, &w, audit.Event{Type: audit.EventEncounterResumed, EncounterID: id})
	m.log.Infof("resume", "encounter %s resumed with %d tokens", id, tokens.Len())
	return s, w, nil
}

func (m *Manager) openFailed(ctx context.Context, w *Warnings, id, reason string) {
	m.log.Warnf("resume", "encounter %s: cannot open token map (%s)", id, reason)
	m.audit(ctx, w, audit.Event{
		Type:        audit.EventMapOpenFailed,
		EncounterID: id,
		Metadata:    map[string]any{"reason": reason},
	})
}

// Get returns the live session for id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncounter, id)
	}
	return s, nil
}

// Active returns the ids of live sessions.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// End closes an encounter: the session is dropped, its key is zeroed and
// its sealed map deleted. The token map cannot be recovered afterwards.
func (m *Manager) End(ctx context.Context, id string) (Warnings, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncounter, id)
	}
	return m.end(ctx, s)
}

func (m *Manager) end(ctx context.Context, s *Session) (Warnings, error) {
	n, elapsed := s.close()
	m.keys.Discard(s.id)
	var w Warnings
	err := m.maps.Delete(ctx, s.id)
	if err != nil {
		m.log.Warnf("end", "encounter %s: sealed map not deleted: %v", s.id, err)
	}
	if m.metrics != nil {
		m.metrics.EncountersEnded.Add(1)
	}
	m.audit(ctx, &w, audit.Event{
		Type:               audit.EventEncounterEnded,
		EncounterID:        s.id,
		PatientFingerprint: s.patientFP,
		Metadata:           map[string]any{"tokens": n, "durationMs": elapsed.Milliseconds()},
	})
	m.log.Infof("end", "encounter %s ended (%d tokens)", s.id, n)
	return w, err
}

// Teardown ends every live encounter, discards any remaining keys and
// flushes the ledger. It returns the number of encounters ended.
func (m *Manager) Teardown(ctx context.Context) int {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		if _, err := m.end(ctx, s); err != nil {
			m.log.Warnf("teardown", "encounter %s: %v", s.id, err)
		}
	}
	if n := m.keys.DiscardAll(); n > 0 {
		m.log.Infof("teardown", "discarded %d orphaned keys", n)
	}
	if err := m.ledger.Flush(ctx); err != nil {
		m.log.Warnf("teardown", "ledger flush: %v", err)
	}
	return len(sessions)
}

// ObservePatient records the patient currently displayed.
func (m *Manager) ObservePatient(ctx context.Context, p guard.Patient) (Warnings, error) {
	if err := m.guard.Observe(ctx, p.FP, p.Preview); err != nil {
		return nil, err
	}
	var w Warnings
	m.audit(ctx, &w, audit.Event{Type: audit.EventPatientObserved, PatientFingerprint: p.FP})
	return w, nil
}

// ConfirmPatient records the operator's confirmation of p.
func (m *Manager) ConfirmPatient(ctx context.Context, p guard.Patient) (Warnings, error) {
	if err := m.guard.Confirm(ctx, p.FP, p.Preview); err != nil {
		return nil, err
	}
	var w Warnings
	m.audit(ctx, &w, audit.Event{Type: audit.EventPatientConfirmed, PatientFingerprint: p.FP})
	return w, nil
}

// ClearPatient drops the confirmation.
func (m *Manager) ClearPatient(ctx context.Context) (Warnings, error) {
	if err := m.guard.Clear(ctx); err != nil {
		return nil, err
	}
	var w Warnings
	m.audit(ctx, &w, audit.Event{Type: audit.EventGuardCleared})
	return w, nil
}

// CheckPatient reports the guard decision without writing anything.
func (m *Manager) CheckPatient(ctx context.Context) (guard.Decision, error) {
	return m.guard.CheckBeforeWrite(ctx)
}
