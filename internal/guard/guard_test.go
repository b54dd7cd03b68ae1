package guard

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"clinical-phi-guard/internal/kvstore"
	"clinical-phi-guard/internal/metrics"
)

func newTestGuard(t *testing.T) (*Guard, *kvstore.Memory, *kvstore.Memory) {
	t.Helper()
	session, durable := kvstore.NewMemory(), kvstore.NewMemory()
	return New(session, durable, Options{ContextID: "tab-1"}), session, durable
}

func mustCheck(t *testing.T, g *Guard) Decision {
	t.Helper()
	d, err := g.CheckBeforeWrite(context.Background())
	if err != nil {
		t.Fatalf("CheckBeforeWrite: %v", err)
	}
	return d
}

// TestGuardGatingScenario walks observe -> confirm -> observe-other.
func TestGuardGatingScenario(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGuard(t)

	if d := mustCheck(t, g); d.Kind != RefuseMissing {
		t.Fatalf("fresh guard: got %s, want missing", d.Kind)
	}

	if err := g.Observe(ctx, "fp-e2e", "E2E Patient"); err != nil {
		t.Fatal(err)
	}
	if d := mustCheck(t, g); d.Kind != RefuseUnconfirmed || d.Observed == nil || d.Observed.FP != "fp-e2e" {
		t.Fatalf("after observe: %+v", d)
	}

	if err := g.Confirm(ctx, "fp-e2e", "E2E Patient"); err != nil {
		t.Fatal(err)
	}
	if d := mustCheck(t, g); !d.Allowed() {
		t.Fatalf("after confirm: %+v", d)
	}

	// Re-observing the same patient keeps Confirmed.
	if err := g.Observe(ctx, "fp-e2e", "E2E Patient"); err != nil {
		t.Fatal(err)
	}
	if s, _ := g.State(ctx); s != StateConfirmed {
		t.Errorf("same patient re-observed: state %s", s)
	}

	if err := g.Observe(ctx, "fp-other", "Other Patient"); err != nil {
		t.Fatal(err)
	}
	d := mustCheck(t, g)
	if d.Kind != RefuseMismatch {
		t.Fatalf("after observing another patient: got %s, want mismatch", d.Kind)
	}
	if d.Observed.FP != "fp-other" || d.Observed.Preview != "Other Patient" {
		t.Errorf("mismatch must carry the observed patient: %+v", d.Observed)
	}
	if d.Confirmed.FP != "fp-e2e" {
		t.Errorf("mismatch must carry the confirmed patient: %+v", d.Confirmed)
	}
}

func TestConfirm_AlwaysMovesToConfirmed(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGuard(t)
	g.Observe(ctx, "fp-a", "A") //nolint:errcheck // memory store
	g.Confirm(ctx, "fp-b", "B") //nolint:errcheck // memory store
	if s, _ := g.State(ctx); s != StateConfirmed {
		t.Errorf("confirm of a different patient: state %s, want confirmed", s)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGuard(t)
	g.Confirm(ctx, "fp-a", "A") //nolint:errcheck // memory store

	if err := g.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if s, _ := g.State(ctx); s != StateUnconfirmed {
		t.Errorf("clear with observation: state %s, want unconfirmed", s)
	}

	if err := g.Unobserve(ctx); err != nil {
		t.Fatal(err)
	}
	if err := g.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if s, _ := g.State(ctx); s != StateMissing {
		t.Errorf("clear without observation: state %s, want missing", s)
	}
}

func TestObserve_RejectsEmptyFingerprint(t *testing.T) {
	g, _, _ := newTestGuard(t)
	if err := g.Observe(context.Background(), "", "x"); err == nil {
		t.Error("expected error")
	}
	if err := g.Confirm(context.Background(), "", "x"); err == nil {
		t.Error("expected error")
	}
}

func TestContextsAreSeparate(t *testing.T) {
	ctx := context.Background()
	session, durable := kvstore.NewMemory(), kvstore.NewMemory()
	tab1 := New(session, durable, Options{ContextID: "tab-1"})
	tab2 := New(session, durable, Options{ContextID: "tab-2"})

	tab1.Confirm(ctx, "fp-a", "A") //nolint:errcheck // memory store
	if d := mustCheck(t, tab2); d.Kind != RefuseMissing {
		t.Errorf("tab-2 has observed nothing: got %s", d.Kind)
	}
	tab2.Observe(ctx, "fp-b", "B") //nolint:errcheck // memory store
	if d := mustCheck(t, tab2); d.Kind != RefuseMismatch {
		t.Errorf("tab-2 shows another patient: got %s", d.Kind)
	}
	if d := mustCheck(t, tab1); !d.Allowed() {
		t.Errorf("tab-1 still shows the confirmed patient: got %s", d.Kind)
	}
}

func TestConfirmationIsDurable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	db, err := kvstore.OpenBolt(path, "guard")
	if err != nil {
		t.Fatal(err)
	}
	g := New(kvstore.NewMemory(), db.Bucket("guard"), Options{})
	if err := g.Confirm(ctx, "fp-a", "A"); err != nil {
		t.Fatal(err)
	}
	db.Close() //nolint:errcheck // reopened below

	db, err = kvstore.OpenBolt(path, "guard")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close() //nolint:errcheck // test cleanup

	// New session: nothing observed yet, confirmation survives.
	g = New(kvstore.NewMemory(), db.Bucket("guard"), Options{})
	d := mustCheck(t, g)
	if d.Kind != RefuseMissing || d.Confirmed == nil || d.Confirmed.FP != "fp-a" {
		t.Fatalf("after restart: %+v", d)
	}
	g.Observe(ctx, "fp-a", "A") //nolint:errcheck // memory store
	if d := mustCheck(t, g); !d.Allowed() {
		t.Errorf("same patient after restart: %+v", d)
	}
}

func TestCorruptRecordFailsClosed(t *testing.T) {
	ctx := context.Background()
	g, session, durable := newTestGuard(t)
	if err := g.Confirm(ctx, "fp-a", "A"); err != nil {
		t.Fatal(err)
	}
	if err := durable.Set(ctx, confirmedKey, []byte("{garbage")); err != nil {
		t.Fatal(err)
	}
	if d := mustCheck(t, g); d.Kind != RefuseUnconfirmed {
		t.Errorf("corrupt confirmation: got %s", d.Kind)
	}
	session.Set(ctx, "observed:tab-1", []byte("[]")) //nolint:errcheck // memory store
	if d := mustCheck(t, g); d.Kind != RefuseMissing {
		t.Errorf("corrupt observation: got %s", d.Kind)
	}
}

type failingStore struct{ kvstore.Store }

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("store offline")
}

func TestCheckBeforeWrite_StoreErrorRefuses(t *testing.T) {
	g := New(failingStore{kvstore.NewMemory()}, kvstore.NewMemory(), Options{})
	d, err := g.CheckBeforeWrite(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if d.Allowed() {
		t.Error("an unreadable store must not allow writes")
	}
}

func TestDo(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGuard(t)

	called := false
	d, err := g.Do(ctx, func(context.Context, Decision) error { called = true; return nil })
	if err != nil || called || d.Kind != RefuseMissing {
		t.Fatalf("refused Do: kind=%s called=%v err=%v", d.Kind, called, err)
	}

	g.Confirm(ctx, "fp-a", "A") //nolint:errcheck // memory store
	writeErr := errors.New("field not found")
	d, err = g.Do(ctx, func(context.Context, Decision) error { called = true; return writeErr })
	if !called || !d.Allowed() || !errors.Is(err, writeErr) {
		t.Errorf("allowed Do: kind=%s called=%v err=%v", d.Kind, called, err)
	}
}

// TestDo_ObservationCannotInterleave runs observers concurrently with Do;
// every write that runs must see the confirmed patient still observed.
func TestDo_ObservationCannotInterleave(t *testing.T) {
	ctx := context.Background()
	g, session, _ := newTestGuard(t)
	g.Confirm(ctx, "fp-a", "A") //nolint:errcheck // memory store

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			fp := "fp-a"
			if i%2 == 0 {
				fp = "fp-b"
			}
			g.Observe(ctx, fp, "") //nolint:errcheck // memory store
		}(i)
		go func() {
			defer wg.Done()
			g.Do(ctx, func(ctx context.Context, _ Decision) error { //nolint:errcheck // checked inside
				data, err := session.Get(ctx, "observed:tab-1")
				if err != nil {
					t.Error(err)
					return nil
				}
				var rec observedRecord
				if err := json.Unmarshal(data, &rec); err != nil || rec.FP != "fp-a" {
					t.Errorf("write ran while %q was observed", rec.FP)
				}
				return nil
			})
		}()
	}
	wg.Wait()
}

func TestGuardMetrics(t *testing.T) {
	ctx := context.Background()
	reg := metrics.New()
	g := New(kvstore.NewMemory(), kvstore.NewMemory(), Options{Metrics: reg})

	mustCheck(t, g)
	g.Observe(ctx, "fp-a", "A") //nolint:errcheck // memory store
	mustCheck(t, g)
	g.Confirm(ctx, "fp-a", "A") //nolint:errcheck // memory store
	mustCheck(t, g)

	s := reg.Snapshot().Guard
	if s.Allowed != 1 || s.Refused["missing"] != 1 || s.Refused["unconfirmed"] != 1 {
		t.Errorf("guard counters: %+v", s)
	}
}
