// Package guard is the identity interlock consulted before any PHI-writing
// action. A write is allowed only when the patient currently on screen has
// been explicitly confirmed by the operator.
//
// The last observed patient lives in a session-scoped store, one record per
// context; the confirmed patient lives in a durable store.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"clinical-phi-guard/internal/kvstore"
	"clinical-phi-guard/internal/logger"
	"clinical-phi-guard/internal/metrics"
)

// State is the guard's current standing.
type State string

const (
	StateMissing     State = "missing"     // no patient observed this session
	StateUnconfirmed State = "unconfirmed" // observed, nothing confirmed
	StateMismatch    State = "mismatch"    // confirmed differs from observed
	StateConfirmed   State = "confirmed"   // observed == confirmed
)

// Kind is the outcome of CheckBeforeWrite.
type Kind string

const (
	Allow             Kind = "allow"
	RefuseMissing     Kind = "missing"
	RefuseUnconfirmed Kind = "unconfirmed"
	RefuseMismatch    Kind = "mismatch"
)

// Decision is a typed guard answer. Refusals carry the observed and
// confirmed patients so the caller can prompt for confirmation using only
// previews.
type Decision struct {
	Kind      Kind     `json:"kind"`
	Observed  *Patient `json:"observed,omitempty"`
	Confirmed *Patient `json:"confirmed,omitempty"`
}

// Allowed reports whether the write may proceed.
func (d Decision) Allowed() bool { return d.Kind == Allow }

type observedRecord struct {
	FP         string    `json:"fp"`
	Preview    string    `json:"preview"`
	ObservedAt time.Time `json:"observedAt"`
}

type confirmedRecord struct {
	FP          string    `json:"fp"`
	Preview     string    `json:"preview"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

const confirmedKey = "confirmed"

// Options configures a Guard.
type Options struct {
	// ContextID names the observation slot, e.g. one browser tab or window.
	ContextID string
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Guard serialises every read and write of guard state behind one mutex.
type Guard struct {
	mu        sync.Mutex
	session   kvstore.Store
	durable   kvstore.Store
	contextID string
	log       *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New returns a Guard over the given stores.
func New(session, durable kvstore.Store, opts Options) *Guard {
	g := &Guard{
		session:   session,
		durable:   durable,
		contextID: opts.ContextID,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	if g.contextID == "" {
		g.contextID = "default"
	}
	if g.log == nil {
		g.log = logger.Nop()
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

func (g *Guard) observedKey() string { return "observed:" + g.contextID }

// Observe records the patient currently displayed.
func (g *Guard) Observe(ctx context.Context, fp, preview string) error {
	if fp == "" {
		return errors.New("guard: empty fingerprint")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.putLocked(ctx, g.session, g.observedKey(), observedRecord{FP: fp, Preview: preview, ObservedAt: g.now().UTC()})
}

// Unobserve forgets the displayed patient, e.g. after navigating away from
// the chart.
func (g *Guard) Unobserve(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session.Remove(ctx, g.observedKey())
}

// Confirm persists fp as the operator-confirmed patient. It always leaves the
// guard Confirmed: the observation is set to the same patient, since the
// operator is confirming what is on screen.
func (g *Guard) Confirm(ctx context.Context, fp, preview string) error {
	if fp == "" {
		return errors.New("guard: empty fingerprint")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now().UTC()
	if err := g.putLocked(ctx, g.durable, confirmedKey, confirmedRecord{FP: fp, Preview: preview, ConfirmedAt: now}); err != nil {
		return err
	}
	if err := g.putLocked(ctx, g.session, g.observedKey(), observedRecord{FP: fp, Preview: preview, ObservedAt: now}); err != nil {
		return err
	}
	g.log.Infof("confirm", "patient confirmed (fp %s…)", short(fp))
	return nil
}

// Clear drops the confirmation. The guard becomes Unconfirmed, or Missing
// when nothing is observed.
func (g *Guard) Clear(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.durable.Remove(ctx, confirmedKey); err != nil {
		return fmt.Errorf("guard: clear confirmation: %w", err)
	}
	g.log.Info("clear", "patient confirmation cleared")
	return nil
}

// State returns the current state.
func (g *Guard) State(ctx context.Context) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, err := g.decideLocked(ctx)
	if err != nil {
		return "", err
	}
	switch d.Kind {
	case Allow:
		return StateConfirmed, nil
	case RefuseMismatch:
		return StateMismatch, nil
	case RefuseUnconfirmed:
		return StateUnconfirmed, nil
	}
	return StateMissing, nil
}

// CheckBeforeWrite returns Allow only when the observed patient equals the
// confirmed one. The error is non-nil only when guard state is unreadable;
// callers must then treat the write as refused.
func (g *Guard) CheckBeforeWrite(ctx context.Context) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, err := g.decideLocked(ctx)
	if err == nil {
		g.record(d)
	}
	return d, err
}

// Do checks the guard and, only on Allow, runs write with the decision while
// still holding the guard lock, so no observation or confirmation can land
// between the check and the write. write is not called on refusal.
func (g *Guard) Do(ctx context.Context, write func(context.Context, Decision) error) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, err := g.decideLocked(ctx)
	if err != nil {
		return d, err
	}
	g.record(d)
	if !d.Allowed() {
		return d, nil
	}
	return d, write(ctx, d)
}

func (g *Guard) record(d Decision) {
	if g.metrics == nil {
		return
	}
	if d.Allowed() {
		g.metrics.GuardAllowed.Add(1)
	} else {
		g.metrics.RecordGuardRefusal(string(d.Kind))
	}
}

func (g *Guard) decideLocked(ctx context.Context) (Decision, error) {
	var obs observedRecord
	hasObs, err := g.getLocked(ctx, g.session, g.observedKey(), &obs)
	if err != nil {
		return Decision{Kind: RefuseMissing}, err
	}
	var conf confirmedRecord
	hasConf, err := g.getLocked(ctx, g.durable, confirmedKey, &conf)
	if err != nil {
		return Decision{Kind: RefuseMissing}, err
	}

	var d Decision
	if hasObs {
		d.Observed = &Patient{FP: obs.FP, Preview: obs.Preview}
	}
	if hasConf {
		d.Confirmed = &Patient{FP: conf.FP, Preview: conf.Preview}
	}
	switch {
	case !hasObs:
		d.Kind = RefuseMissing
	case !hasConf:
		d.Kind = RefuseUnconfirmed
	case obs.FP != conf.FP:
		d.Kind = RefuseMismatch
	default:
		d.Kind = Allow
	}
	return d, nil
}

func (g *Guard) getLocked(ctx context.Context, s kvstore.Store, key string, v any) (bool, error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("guard: read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		// A corrupt record is treated as absent: the guard fails closed.
		g.log.Warnf("read", "discarding unreadable %s record: %v", key, err)
		return false, nil
	}
	return true, nil
}

func (g *Guard) putLocked(ctx context.Context, s kvstore.Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("guard: encode %s: %w", key, err)
	}
	if err := s.Set(ctx, key, data); err != nil {
		return fmt.Errorf("guard: write %s: %w", key, err)
	}
	return nil
}

func short(fp string) string {
	if len(fp) > 8 {
		return fp[:8]
	}
	return fp
}
