// Package management provides the loopback HTTP API through which the
// browser extension drives the PHI pipeline.
//
// Endpoints:
//
//	GET  /status              - health, uptime, live encounters
//	GET  /metrics             - counter snapshot
//	POST /encounters/start    - {"id":"...","patientFingerprint":"..."}; id optional
//	POST /encounters/end      - {"id":"..."}
//	POST /encounters/persist  - {"id":"..."}
//	POST /encounters/resume   - {"id":"..."}
//	POST /pseudonymize        - {"encounterId":"...","text":"..."}
//	POST /rehydrate           - {"encounterId":"...","text":"..."}
//	POST /notes/insert        - {"encounterId":"...","text":"...","bypassGuard":false,"reason":""}
//	GET  /audit               - ?encounter=&event=&since=&until=&limit=
//	GET  /audit/verify        - integrity report
//	POST /guard/observe       - {"fp":"...","preview":"..."} or {"demographics":{...}}
//	POST /guard/confirm       - same body as observe
//	POST /guard/clear
//	GET  /guard/check
package management

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/netutil"

	"clinical-phi-guard/internal/audit"
	"clinical-phi-guard/internal/config"
	"clinical-phi-guard/internal/encounter"
	"clinical-phi-guard/internal/guard"
	"clinical-phi-guard/internal/logger"
	"clinical-phi-guard/internal/mapcipher"
	"clinical-phi-guard/internal/metrics"
	"clinical-phi-guard/internal/phi"
)

// maxBody bounds request bodies; transcripts are the largest payload.
const maxBody = 4 << 20

// Server is the management API server.
type Server struct {
	cfg        *config.Config
	startTime  time.Time
	encounters *encounter.Manager
	ledger     *audit.Ledger
	token      string           // bearer token for auth; empty = no auth
	metrics    *metrics.Metrics // nil = no metrics
	log        *logger.Logger
}

// New creates a management server. m and log may be nil.
func New(cfg *config.Config, mgr *encounter.Manager, ledger *audit.Ledger, m *metrics.Metrics, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		cfg:        cfg,
		startTime:  time.Now(),
		encounters: mgr,
		ledger:     ledger,
		token:      cfg.ManagementToken,
		metrics:    m,
		log:        log,
	}
	if s.token != "" {
		s.log.Info("init", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("POST /encounters/start", s.handleStart)
	mux.HandleFunc("POST /encounters/end", s.handleEnd)
	mux.HandleFunc("POST /encounters/persist", s.handlePersist)
	mux.HandleFunc("POST /encounters/resume", s.handleResume)
	mux.HandleFunc("POST /pseudonymize", s.handlePseudonymize)
	mux.HandleFunc("POST /rehydrate", s.handleRehydrate)
	mux.HandleFunc("POST /notes/insert", s.handleInsert)
	mux.HandleFunc("GET /audit", s.handleAuditQuery)
	mux.HandleFunc("GET /audit/verify", s.handleAuditVerify)
	mux.HandleFunc("POST /guard/observe", s.handleObserve)
	mux.HandleFunc("POST /guard/confirm", s.handleConfirm)
	mux.HandleFunc("POST /guard/clear", s.handleClear)
	mux.HandleFunc("GET /guard/check", s.handleCheck)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics != nil {
			s.metrics.RequestsTotal.Add(1)
		}
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			if s.metrics != nil {
				s.metrics.RequestsAuth.Add(1)
			}
			s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status           string `json:"status"`
		Uptime           string `json:"uptime"`
		ActiveEncounters int    `json:"activeEncounters"`
		Cipher           string `json:"cipher"`
		LedgerPath       string `json:"ledgerPath"`
		LedgerPending    int    `json:"ledgerPending"`
	}
	s.writeJSON(w, http.StatusOK, response{
		Status:           "running",
		Uptime:           time.Since(s.startTime).Round(time.Second).String(),
		ActiveEncounters: len(s.encounters.Active()),
		Cipher:           s.cfg.Cipher,
		LedgerPath:       s.cfg.LedgerPath,
		LedgerPending:    s.ledger.Pending(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// --- encounters ---

type encounterRequest struct {
	ID                 string `json:"id"`
	PatientFingerprint string `json:"patientFingerprint"`
}

type encounterResponse struct {
	ID       string   `json:"id"`
	Tokens   int      `json:"tokens"`
	Warnings []string `json:"warnings,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req encounterRequest
	if !decode(w, r, &req) {
		return
	}
	sess, warn, err := s.encounters.Start(r.Context(), req.ID, req.PatientFingerprint)
	if err != nil {
		s.writeError(w, "start", err)
		return
	}
	s.writeJSON(w, http.StatusOK, encounterResponse{ID: sess.ID(), Warnings: warnings(warn)})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req encounterRequest
	if !decodeID(w, r, &req) {
		return
	}
	warn, err := s.encounters.End(r.Context(), req.ID)
	if err != nil && errors.Is(err, encounter.ErrUnknownEncounter) {
		s.writeError(w, "end", err)
		return
	}
	// A sealed map that could not be deleted is logged by End; the key is
	// gone either way, so the encounter is over.
	s.writeJSON(w, http.StatusOK, encounterResponse{ID: req.ID, Warnings: warnings(warn)})
}

func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	var req encounterRequest
	if !decodeID(w, r, &req) {
		return
	}
	sess, err := s.encounters.Get(req.ID)
	if err != nil {
		s.writeError(w, "persist", err)
		return
	}
	warn, err := sess.Persist(r.Context())
	if err != nil {
		s.writeError(w, "persist", err)
		return
	}
	s.writeJSON(w, http.StatusOK, encounterResponse{ID: req.ID, Tokens: sess.TokenCount(), Warnings: warnings(warn)})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req encounterRequest
	if !decodeID(w, r, &req) {
		return
	}
	sess, warn, err := s.encounters.Resume(r.Context(), req.ID)
	if err != nil {
		s.writeError(w, "resume", err)
		return
	}
	s.writeJSON(w, http.StatusOK, encounterResponse{ID: req.ID, Tokens: sess.TokenCount(), Warnings: warnings(warn)})
}

// --- text ---

type textRequest struct {
	EncounterID string `json:"encounterId"`
	Text        string `json:"text"`
	BypassGuard bool   `json:"bypassGuard"`
	Reason      string `json:"reason"`
}

func (s *Server) session(w http.ResponseWriter, r *http.Request, action string, req *textRequest) (*encounter.Session, bool) {
	if !decode(w, r, req) {
		return nil, false
	}
	if req.EncounterID == "" {
		http.Error(w, "invalid request: need \"encounterId\"", http.StatusBadRequest)
		return nil, false
	}
	sess, err := s.encounters.Get(req.EncounterID)
	if err != nil {
		s.writeError(w, action, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) handlePseudonymize(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	sess, ok := s.session(w, r, "pseudonymize", &req)
	if !ok {
		return
	}
	res, err := sess.Pseudonymize(r.Context(), req.Text)
	if err != nil {
		s.writeError(w, "pseudonymize", err)
		return
	}
	type response struct {
		Text      string              `json:"text"`
		NewTokens map[phi.PHIType]int `json:"newTokens"`
		Gaps      []phi.Gap           `json:"gaps"`
		Warnings  []string            `json:"warnings,omitempty"`
	}
	gaps := res.Gaps
	if gaps == nil {
		gaps = []phi.Gap{}
	}
	s.writeJSON(w, http.StatusOK, response{Text: res.Text, NewTokens: res.NewTokens, Gaps: gaps, Warnings: warnings(res.Warnings)})
}

func (s *Server) handleRehydrate(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	sess, ok := s.session(w, r, "rehydrate", &req)
	if !ok {
		return
	}
	res, err := sess.Rehydrate(r.Context(), req.Text)
	if err != nil {
		s.writeError(w, "rehydrate", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"text":       res.Text,
		"rehydrated": res.Rehydrated,
		"unknown":    res.Unknown,
		"warnings":   warnings(res.Warnings),
	})
}

// handleInsert gates a note write. The extension performs the DOM write
// itself, so the "inserter" here releases the rehydrated text in the
// response, and only when the guard allows it.
func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	sess, ok := s.session(w, r, "insert", &req)
	if !ok {
		return
	}
	var released string
	release := encounter.InserterFunc(func(_ context.Context, text string) error {
		released = text
		return nil
	})
	res, err := sess.Insert(r.Context(), req.Text, release, encounter.InsertOptions{
		BypassGuard: req.BypassGuard,
		Reason:      req.Reason,
	})
	if err != nil {
		s.writeError(w, "insert", err)
		return
	}
	type response struct {
		Inserted bool           `json:"inserted"`
		Bypassed bool           `json:"bypassed,omitempty"`
		Decision guard.Decision `json:"decision"`
		Text     string         `json:"text,omitempty"`
		Warnings []string       `json:"warnings,omitempty"`
	}
	status := http.StatusOK
	if !res.Inserted {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, response{
		Inserted: res.Inserted,
		Bypassed: res.Bypassed,
		Decision: res.Decision,
		Text:     released,
		Warnings: warnings(res.Warnings),
	})
}

// --- audit ---

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := s.ledger.Query(r.Context(), f)
	if err != nil {
		s.writeError(w, "audit", err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		EncounterID: q.Get("encounter"),
		EventType:   audit.EventType(q.Get("event")),
	}
	var err error
	if v := q.Get("since"); v != "" {
		if f.Since, err = time.Parse(time.RFC3339, v); err != nil {
			return f, fmt.Errorf("invalid since: %w", err)
		}
	}
	if v := q.Get("until"); v != "" {
		if f.Until, err = time.Parse(time.RFC3339, v); err != nil {
			return f, fmt.Errorf("invalid until: %w", err)
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
	}
	return f, nil
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	rep, err := s.ledger.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, "verify", err)
		return
	}
	s.ledger.Append(r.Context(), audit.Event{
		Type:     audit.EventIntegrityVerified,
		Metadata: map[string]any{"valid": rep.Valid, "invalid": rep.Invalid, "total": rep.Total},
	})
	s.writeJSON(w, http.StatusOK, rep)
}

// --- guard ---

type patientRequest struct {
	FP           string              `json:"fp"`
	Preview      string              `json:"preview"`
	Demographics *guard.Demographics `json:"demographics"`
}

// patient resolves a request to a fingerprint. Raw demographics are
// fingerprinted here and never stored.
func (req patientRequest) patient() (guard.Patient, error) {
	if req.Demographics != nil {
		return guard.Fingerprint(*req.Demographics)
	}
	if req.FP == "" {
		return guard.Patient{}, errors.New("need \"fp\" or \"demographics\"")
	}
	return guard.Patient{FP: req.FP, Preview: req.Preview}, nil
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	s.handlePatient(w, r, "observe", s.encounters.ObservePatient)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.handlePatient(w, r, "confirm", s.encounters.ConfirmPatient)
}

func (s *Server) handlePatient(w http.ResponseWriter, r *http.Request, action string,
	apply func(context.Context, guard.Patient) (encounter.Warnings, error)) {
	var req patientRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := req.patient()
	if err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	warn, err := apply(r.Context(), p)
	if err != nil {
		s.writeError(w, action, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"patient": p, "warnings": warnings(warn)})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	warn, err := s.encounters.ClearPatient(r.Context())
	if err != nil {
		s.writeError(w, "clear", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cleared": true, "warnings": warnings(warn)})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	d, err := s.encounters.CheckPatient(r.Context())
	if err != nil {
		s.writeError(w, "check", err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

// --- helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request: malformed JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func decodeID(w http.ResponseWriter, r *http.Request, req *encounterRequest) bool {
	if !decode(w, r, req) {
		return false
	}
	if req.ID == "" {
		http.Error(w, "invalid request: need {\"id\":\"...\"}", http.StatusBadRequest)
		return false
	}
	return true
}

func warnings(w encounter.Warnings) []string {
	if len(w) == 0 {
		return nil
	}
	out := make([]string, len(w))
	for i, f := range w {
		out[i] = f.Error()
	}
	return out
}

// writeError maps pipeline errors to status codes. Error text never carries
// PHI: every package keeps values out of its messages.
func (s *Server) writeError(w http.ResponseWriter, action string, err error) {
	var status int
	switch {
	case errors.Is(err, encounter.ErrUnknownEncounter):
		status = http.StatusNotFound
	case errors.Is(err, encounter.ErrEncounterExists):
		status = http.StatusConflict
	case errors.Is(err, mapcipher.ErrKeyUnavailable):
		status = http.StatusGone
	case errors.Is(err, mapcipher.ErrDecryption):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		s.log.Errorf(action, "%v", err)
	} else {
		s.log.Debugf(action, "%v", err)
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("encode", "JSON encode error: %v", err)
	}
}

// ListenAndServe serves the API on the configured loopback address until
// ctx is cancelled, then shuts down gracefully. At most
// cfg.ManagementMaxConns connections are served at once.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.ManagementPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("management: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.ManagementMaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.ManagementMaxConns)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Infof("listen", "listening on %s", ln.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
