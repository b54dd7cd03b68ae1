package encounter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"clinical-phi-guard/internal/audit"
	"clinical-phi-guard/internal/guard"
	"clinical-phi-guard/internal/mapcipher"
	"clinical-phi-guard/internal/phi"
)

// Inserter writes a finished note into the record system. The text it
// receives contains real identifiers.
type Inserter interface {
	Insert(ctx context.Context, text string) error
}

// InserterFunc adapts a function to Inserter.
type InserterFunc func(ctx context.Context, text string) error

func (f InserterFunc) Insert(ctx context.Context, text string) error { return f(ctx, text) }

// errOtherPatient refuses a write when the confirmed patient is not the one
// the encounter was started for.
var errOtherPatient = errors.New("confirmed patient differs from encounter patient")

// InsertOptions tune Insert.
type InsertOptions struct {
	// BypassGuard skips the check that the confirmed patient is the one the
	// encounter was started for. It never overrides a guard refusal: the
	// observed patient must still be confirmed. The bypass is audited with
	// Reason.
	BypassGuard bool
	Reason      string
}

// PseudonymizeResult is the outcome of Session.Pseudonymize.
type PseudonymizeResult struct {
	Text      string
	NewTokens map[phi.PHIType]int
	Gaps      []phi.Gap
	Warnings  Warnings
}

// RehydrateResult is the outcome of Session.Rehydrate.
type RehydrateResult struct {
	Text       string
	Rehydrated int
	Unknown    int
	Warnings   Warnings
}

// InsertResult is the outcome of Session.Insert. Inserted is false when the
// guard refused; Decision says why.
type InsertResult struct {
	Decision guard.Decision
	Inserted bool
	Bypassed bool
	Warnings Warnings
}

// Session is one live encounter. Its methods are safe for concurrent use.
type Session struct {
	m         *Manager
	id        string
	patientFP string
	started   time.Time

	mu     sync.Mutex
	tokens *phi.TokenMap
	ended  bool
}

func newSession(m *Manager, id, patientFP string, tokens *phi.TokenMap) *Session {
	return &Session{m: m, id: id, patientFP: patientFP, started: time.Now(), tokens: tokens}
}

// ID returns the encounter id.
func (s *Session) ID() string { return s.id }

// TokenCount returns the number of tokens in the encounter's map.
func (s *Session) TokenCount() int { return s.tokens.Len() }

// Tokens returns the live token map. Callers must not retain it past End.
func (s *Session) Tokens() *phi.TokenMap { return s.tokens }

func (s *Session) close() (int, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	return s.tokens.Len(), time.Since(s.started)
}

func (s *Session) checkLive() error {
	if s.ended {
		return fmt.Errorf("%w: %s has ended", ErrUnknownEncounter, s.id)
	}
	return nil
}

func (s *Session) event(typ audit.EventType, md map[string]any) audit.Event {
	return audit.Event{Type: typ, EncounterID: s.id, PatientFingerprint: s.patientFP, Metadata: md}
}

// Pseudonymize tokenizes text against the encounter map, then re-scans the
// output for residual identifier shapes. Residual findings are warnings and
// never block.
func (s *Session) Pseudonymize(ctx context.Context, text string) (PseudonymizeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return PseudonymizeResult{}, err
	}

	before := s.tokens.CountByType()
	out, _ := s.m.engine.Pseudonymize(text, s.tokens)
	res := PseudonymizeResult{Text: out, NewTokens: map[phi.PHIType]int{}}
	counts := map[string]int{}
	for typ, n := range s.tokens.CountByType() {
		if d := n - before[typ]; d > 0 {
			res.NewTokens[typ] = d
			counts[string(typ)] = d
		}
	}
	s.m.audit(ctx, &res.Warnings, s.event(audit.EventPHITokenized, map[string]any{
		"chars":     len(text),
		"newTokens": counts,
		"mapSize":   s.tokens.Len(),
	}))

	res.Gaps = phi.Validate(out)
	if len(res.Gaps) > 0 {
		if s.m.metrics != nil {
			s.m.metrics.ResidualGaps.Add(int64(len(res.Gaps)))
		}
		// Offsets and shapes only; samples stay out of the ledger.
		found := make([]map[string]any, len(res.Gaps))
		for i, g := range res.Gaps {
			found[i] = map[string]any{"type": g.Type, "offset": g.Offset}
		}
		s.m.audit(ctx, &res.Warnings, s.event(audit.EventResidualPHI, map[string]any{"gaps": found}))
		s.m.log.Warnf("pseudonymize", "encounter %s: %d residual identifier shapes", s.id, len(res.Gaps))
	}
	return res, nil
}

// Rehydrate restores original values for every token the encounter knows.
func (s *Session) Rehydrate(ctx context.Context, text string) (RehydrateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return RehydrateResult{}, err
	}
	res := s.rehydrateLocked(text)
	s.m.audit(ctx, &res.Warnings, s.event(audit.EventPHIRehydrated, map[string]any{
		"rehydrated": res.Rehydrated,
		"unknown":    res.Unknown,
	}))
	return res, nil
}

func (s *Session) rehydrateLocked(text string) RehydrateResult {
	res := RehydrateResult{Text: s.m.engine.Rehydrate(text, s.tokens)}
	for _, tok := range phi.FindTokens(text) {
		if _, ok := s.tokens.Lookup(tok); ok {
			res.Rehydrated++
		} else {
			res.Unknown++
		}
	}
	return res
}

// Persist seals the token map under the encounter key and stores it.
func (s *Session) Persist(ctx context.Context) (Warnings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return nil, err
	}
	key, ok := s.m.keys.Get(s.id)
	if !ok {
		return nil, fmt.Errorf("encounter %s: %w", s.id, mapcipher.ErrKeyUnavailable)
	}
	sealed, err := s.m.cipher.Seal(s.tokens, key)
	if err != nil {
		return nil, err
	}
	if err := s.m.maps.Save(ctx, s.id, sealed); err != nil {
		return nil, err
	}
	var w Warnings
	s.m.audit(ctx, &w, s.event(audit.EventMapSealed, map[string]any{
		"tokens":    s.tokens.Len(),
		"algorithm": s.m.cipher.Algorithm(),
	}))
	return w, nil
}

// Insert rehydrates text and hands it to ins, but only once the identity
// guard allows the write. The check and the write run under the guard lock.
// A refusal is not an error: it comes back in InsertResult.Decision.
func (s *Session) Insert(ctx context.Context, text string, ins Inserter, opts InsertOptions) (InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return InsertResult{}, err
	}
	plain := s.rehydrateLocked(text)
	write := func(ctx context.Context, d guard.Decision) error {
		if !opts.BypassGuard && s.patientFP != "" && d.Confirmed.FP != s.patientFP {
			return errOtherPatient
		}
		return ins.Insert(ctx, plain.Text)
	}

	var res InsertResult
	var err error
	res.Decision, err = s.m.guard.Do(ctx, write)
	if errors.Is(err, errOtherPatient) {
		res.Decision.Kind = guard.RefuseMismatch
		err = nil
	}
	if !res.Decision.Allowed() {
		ev := s.event(audit.EventGuardRefused, map[string]any{
			"decision":        res.Decision.Kind,
			"bypassRequested": opts.BypassGuard,
		})
		if res.Decision.Observed != nil {
			ev.PatientFingerprint = res.Decision.Observed.FP
		}
		s.m.audit(ctx, &res.Warnings, ev)
		s.m.log.Infof("insert", "encounter %s: write refused (%s)", s.id, res.Decision.Kind)
		if err != nil {
			return res, fmt.Errorf("encounter %s: guard: %w", s.id, err)
		}
		return res, nil
	}
	if opts.BypassGuard {
		res.Bypassed = true
		if s.m.metrics != nil {
			s.m.metrics.GuardBypassed.Add(1)
		}
		ev := s.event(audit.EventGuardBypassed, map[string]any{"reason": opts.Reason})
		ev.PatientFingerprint = res.Decision.Observed.FP
		s.m.audit(ctx, &res.Warnings, ev)
		s.m.log.Warnf("insert", "encounter %s: encounter patient check skipped (%s)", s.id, opts.Reason)
	}

	fp := s.patientFP
	if res.Decision.Observed != nil {
		fp = res.Decision.Observed.FP
	}
	if err != nil {
		ev := s.event(audit.EventNoteInsertFailed, map[string]any{"error": errorClass(err)})
		ev.PatientFingerprint = fp
		s.m.audit(ctx, &res.Warnings, ev)
		return res, fmt.Errorf("encounter %s: insert: %w", s.id, err)
	}
	res.Inserted = true
	ev := s.event(audit.EventNoteInserted, map[string]any{
		"chars":      len(plain.Text),
		"rehydrated": plain.Rehydrated,
		"bypassed":   res.Bypassed,
	})
	ev.PatientFingerprint = fp
	s.m.audit(ctx, &res.Warnings, ev)
	return res, nil
}

// errorClass keeps inserter error text out of the ledger, since record
// system messages can echo field content.
func errorClass(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "failed"
}
