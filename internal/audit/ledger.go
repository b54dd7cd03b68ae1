package audit

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"clinical-phi-guard/internal/logger"
	"clinical-phi-guard/internal/metrics"
)

// Failure policies for unwritable ledgers.
const (
	// PolicyBestEffort drops a line the sink refused. The caller still gets
	// a warning.
	PolicyBestEffort = "best-effort"
	// PolicyBuffer keeps refused lines in memory, up to a limit, and retries
	// them in order before the next append and on Flush.
	PolicyBuffer = "buffer"
)

// DefaultBufferLimit bounds the lines held by PolicyBuffer.
const DefaultBufferLimit = 1000

// LedgerWriteFailure reports an entry that could not be written. It is a
// warning, not an error: the action being audited has already happened.
type LedgerWriteFailure struct {
	Entry    Entry
	Err      error
	Buffered bool // held for retry under PolicyBuffer
}

func (f *LedgerWriteFailure) Error() string {
	state := "dropped"
	if f.Buffered {
		state = "buffered"
	}
	return fmt.Sprintf("audit: write %s entry (%s): %v", f.Entry.EventType, state, f.Err)
}

func (f *LedgerWriteFailure) Unwrap() error { return f.Err }

// AppendResult is what Append returns. Warning is nil when the line reached
// the sink.
type AppendResult struct {
	Entry   Entry
	Warning *LedgerWriteFailure
}

// Options configures a Ledger.
type Options struct {
	// Secret keys the HMAC. When empty a random per-process secret is
	// generated, which makes entries unverifiable after a restart.
	Secret      []byte
	Policy      string
	BufferLimit int
	// OnFailure, when set, is called after every failed write, outside the
	// ledger lock.
	OnFailure func(*LedgerWriteFailure)
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
	// Now overrides the clock; tests only.
	Now func() time.Time
}

// Ledger signs events and appends them to a Sink.
type Ledger struct {
	sink      Sink
	secret    []byte
	policy    string
	limit     int
	onFailure func(*LedgerWriteFailure)
	log       *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	pid       int
	hostname  string

	mu      sync.Mutex
	pending [][]byte
}

// New returns a Ledger writing to sink.
func New(sink Sink, opts Options) (*Ledger, error) {
	if sink == nil {
		return nil, errors.New("audit: nil sink")
	}
	l := &Ledger{
		sink:      sink,
		secret:    opts.Secret,
		policy:    opts.Policy,
		limit:     opts.BufferLimit,
		onFailure: opts.OnFailure,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		pid:       os.Getpid(),
	}
	if l.log == nil {
		l.log = logger.Nop()
	}
	if l.now == nil {
		l.now = time.Now
	}
	switch l.policy {
	case "":
		l.policy = PolicyBestEffort
	case PolicyBestEffort, PolicyBuffer:
	default:
		return nil, fmt.Errorf("audit: unknown failure policy %q", l.policy)
	}
	if l.limit <= 0 {
		l.limit = DefaultBufferLimit
	}
	if len(l.secret) == 0 {
		l.secret = make([]byte, 32)
		if _, err := rand.Read(l.secret); err != nil {
			return nil, fmt.Errorf("audit: generate secret: %w", err)
		}
		l.log.Warn("init", "no audit secret configured; using a per-process secret, entries will not verify after restart")
	}
	if h, err := os.Hostname(); err == nil {
		l.hostname = h
	}
	return l, nil
}

// Append stamps, signs and writes ev. It never returns an error: a write
// failure comes back as AppendResult.Warning and goes to the logger and the
// OnFailure hook.
func (l *Ledger) Append(ctx context.Context, ev Event) AppendResult {
	entry, line, err := l.build(ev)
	if err != nil {
		// Unencodable metadata; nothing reaches the sink.
		return l.fail(AppendResult{Entry: entry, Warning: &LedgerWriteFailure{Entry: entry, Err: err}})
	}

	l.mu.Lock()
	werr := ctx.Err()
	if werr == nil {
		l.retryPendingLocked()
		if len(l.pending) > 0 {
			// Keep order: older buffered lines must land first.
			werr = errors.New("earlier entries still pending")
		} else {
			werr = l.sink.Append(line)
		}
	}
	var res AppendResult
	res.Entry = entry
	if werr != nil {
		res.Warning = &LedgerWriteFailure{Entry: entry, Err: werr}
		if l.policy == PolicyBuffer && len(l.pending) < l.limit {
			l.pending = append(l.pending, line)
			res.Warning.Buffered = true
		}
		l.updateBufferedLocked()
	} else if l.metrics != nil {
		l.metrics.LedgerAppends.Add(1)
	}
	l.mu.Unlock()

	if res.Warning != nil {
		return l.fail(res)
	}
	return res
}

func (l *Ledger) fail(res AppendResult) AppendResult {
	w := res.Warning
	if l.metrics != nil {
		l.metrics.LedgerFailures.Add(1)
		if !w.Buffered {
			l.metrics.LedgerDropped.Add(1)
		}
	}
	l.log.Warnf("append", "ledger write failed for %s: %v (buffered=%t)", w.Entry.EventType, w.Err, w.Buffered)
	if l.onFailure != nil {
		l.onFailure(w)
	}
	return res
}

func (l *Ledger) build(ev Event) (Entry, []byte, error) {
	entry := Entry{
		Timestamp:          l.now().UTC().Format(time.RFC3339Nano),
		EventType:          ev.Type,
		EncounterID:        optional(ev.EncounterID),
		UserID:             optional(ev.UserID),
		PatientFingerprint: optional(fingerprintPrefix(ev.PatientFingerprint)),
		IPAddress:          optional(ev.IPAddress),
		Metadata:           json.RawMessage(`{}`),
		PID:                l.pid,
		Hostname:           l.hostname,
	}
	if len(ev.Metadata) > 0 {
		md, err := json.Marshal(ev.Metadata)
		if err != nil {
			return entry, nil, fmt.Errorf("encode metadata: %w", err)
		}
		entry.Metadata = md
	}
	sig, err := sign(l.secret, entry)
	if err != nil {
		return entry, nil, fmt.Errorf("sign entry: %w", err)
	}
	entry.Signature = sig
	line, err := json.Marshal(entry)
	if err != nil {
		return entry, nil, fmt.Errorf("encode entry: %w", err)
	}
	return entry, append(line, '\n'), nil
}

// retryPendingLocked writes buffered lines in order, stopping at the first
// failure.
func (l *Ledger) retryPendingLocked() {
	for len(l.pending) > 0 {
		if err := l.sink.Append(l.pending[0]); err != nil {
			return
		}
		l.pending[0] = nil
		l.pending = l.pending[1:]
		if l.metrics != nil {
			l.metrics.LedgerAppends.Add(1)
		}
	}
	l.updateBufferedLocked()
}

func (l *Ledger) updateBufferedLocked() {
	if l.metrics != nil {
		l.metrics.LedgerBuffered.Store(int64(len(l.pending)))
	}
}

// Flush retries buffered lines. It returns an error if any remain.
func (l *Ledger) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retryPendingLocked()
	if n := len(l.pending); n > 0 {
		return fmt.Errorf("audit: %d entries still pending", n)
	}
	return nil
}

// Pending returns the number of buffered lines.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Close flushes what it can and closes the sink. Lines still buffered are
// lost and reported in the returned error.
func (l *Ledger) Close() error {
	flushErr := l.Flush(context.Background())
	if err := l.sink.Close(); err != nil {
		return err
	}
	return flushErr
}

// Filter selects entries in Query. Zero fields match everything.
type Filter struct {
	EncounterID string
	EventType   EventType
	Since       time.Time
	Until       time.Time
	Limit       int
}

func (f Filter) match(e Entry, ts time.Time) bool {
	if f.EncounterID != "" && (e.EncounterID == nil || *e.EncounterID != f.EncounterID) {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if !f.Since.IsZero() && ts.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ts.After(f.Until) {
		return false
	}
	return true
}

// Query reads the whole ledger, skips malformed lines, applies f and
// returns matches newest first, truncated to f.Limit when positive.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := l.sink.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("audit: read ledger: %w", err)
	}

	type stamped struct {
		entry Entry
		ts    time.Time
	}
	var out []stamped
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		ts, err := e.Time()
		if err != nil {
			continue
		}
		if f.match(e, ts) {
			out = append(out, stamped{e, ts})
		}
	}

	// Later lines win ties.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ts.After(out[j].ts) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}

	entries := make([]Entry, len(out))
	for i, s := range out {
		entries[i] = s.entry
	}
	return entries, nil
}

// Report is the result of VerifyIntegrity. InvalidLines holds 1-based line
// numbers.
type Report struct {
	Valid        int   `json:"valid"`
	Invalid      int   `json:"invalid"`
	Total        int   `json:"total"`
	InvalidLines []int `json:"invalidLines,omitempty"`
}

// VerifyIntegrity recomputes every entry's signature. Malformed lines and
// mismatches are counted as invalid; the scan never stops early.
func (l *Ledger) VerifyIntegrity(ctx context.Context) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	data, err := l.sink.ReadAll()
	if err != nil {
		return Report{}, fmt.Errorf("audit: read ledger: %w", err)
	}

	var r Report
	for i, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		r.Total++
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || !verify(l.secret, e) || !e.matchesLine(line) {
			r.Invalid++
			r.InvalidLines = append(r.InvalidLines, i+1)
			continue
		}
		r.Valid++
	}
	if r.Invalid > 0 {
		l.log.Warnf("verify", "%d of %d ledger entries failed verification", r.Invalid, r.Total)
	} else {
		l.log.Infof("verify", "%d ledger entries verified", r.Total)
	}
	return r, nil
}
