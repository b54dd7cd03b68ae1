package management

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"clinical-phi-guard/internal/audit"
	"clinical-phi-guard/internal/config"
	"clinical-phi-guard/internal/encounter"
	"clinical-phi-guard/internal/guard"
	"clinical-phi-guard/internal/kvstore"
	"clinical-phi-guard/internal/mapcipher"
	"clinical-phi-guard/internal/metrics"
	"clinical-phi-guard/internal/phi"
)

func testConfig() *config.Config {
	return &config.Config{
		LedgerPath:         "memory",
		Cipher:             config.CipherAESGCM,
		BindAddress:        "127.0.0.1",
		ManagementPort:     8781,
		ManagementMaxConns: 4,
	}
}

func newTestServer(t *testing.T, token string) (*Server, *metrics.Metrics) {
	t.Helper()
	cfg := testConfig()
	cfg.ManagementToken = token
	reg := metrics.New()
	ledger, err := audit.New(audit.NewMemorySink(), audit.Options{Secret: []byte("management-test"), Metrics: reg})
	if err != nil {
		t.Fatal(err)
	}
	c, err := mapcipher.New(cfg.Cipher, reg)
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := encounter.NewManager(encounter.Deps{
		Engine:  phi.NewEngine(nil, nil, reg),
		Cipher:  c,
		Keys:    mapcipher.NewKeyManager(reg),
		Maps:    mapcipher.NewMapStore(kvstore.NewMemory()),
		Ledger:  ledger,
		Guard:   guard.New(kvstore.NewMemory(), kvstore.NewMemory(), guard.Options{Metrics: reg}),
		Metrics: reg,
	})
	if err != nil {
		t.Fatal(err)
	}
	return New(cfg, mgr, ledger, reg, nil), reg
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
	}
}

func TestStatus_OK(t *testing.T) {
	srv, _ := newTestServer(t, "")
	w := do(t, srv.Handler(), http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	decodeBody(t, w, &resp)
	if resp["status"] != "running" {
		t.Errorf("expected status=running, got %v", resp["status"])
	}
}

func TestAuth(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"no token configured", "", "", http.StatusOK},
		{"valid token", "secret123", "Bearer secret123", http.StatusOK},
		{"wrong token", "secret123", "Bearer wrong", http.StatusUnauthorized},
		{"missing header", "secret123", "", http.StatusUnauthorized},
		{"wrong scheme", "secret123", "Basic secret123", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, reg := newTestServer(t, tt.token)
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
			if tt.want == http.StatusUnauthorized && reg.RequestsAuth.Load() != 1 {
				t.Error("rejected request not counted")
			}
		})
	}
}

func TestWrongMethod(t *testing.T) {
	srv, _ := newTestServer(t, "")
	if w := do(t, srv.Handler(), http.MethodGet, "/pseudonymize", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}
}

// TestEncounterFlow drives one encounter end to end over HTTP.
func TestEncounterFlow(t *testing.T) {
	srv, _ := newTestServer(t, "")
	h := srv.Handler()

	w := do(t, h, http.MethodPost, "/encounters/start", `{"id":"enc-1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodPost, "/pseudonymize", `{"encounterId":"enc-1","text":"Dr. Alice Smith, phone 555-123-4567."}`)
	if w.Code != http.StatusOK {
		t.Fatalf("pseudonymize: %d %s", w.Code, w.Body.String())
	}
	var ps struct {
		Text      string         `json:"text"`
		NewTokens map[string]int `json:"newTokens"`
		Gaps      []phi.Gap      `json:"gaps"`
	}
	decodeBody(t, w, &ps)
	if ps.Text != "Dr. [NAME:1], phone [PHONE:1]." {
		t.Errorf("pseudonymized text: %q", ps.Text)
	}
	if ps.NewTokens["NAME"] != 1 || ps.Gaps == nil {
		t.Errorf("response: %+v", ps)
	}

	w = do(t, h, http.MethodPost, "/rehydrate", `{"encounterId":"enc-1","text":"Call [NAME:1] at [PHONE:1]."}`)
	var rh map[string]any
	decodeBody(t, w, &rh)
	if rh["text"] != "Call Alice Smith at 555-123-4567." {
		t.Errorf("rehydrate: %v", rh)
	}

	if w = do(t, h, http.MethodPost, "/encounters/persist", `{"id":"enc-1"}`); w.Code != http.StatusOK {
		t.Errorf("persist: %d %s", w.Code, w.Body.String())
	}
	if w = do(t, h, http.MethodPost, "/encounters/resume", `{"id":"enc-1"}`); w.Code != http.StatusOK {
		t.Errorf("resume: %d %s", w.Code, w.Body.String())
	}
	if w = do(t, h, http.MethodPost, "/encounters/end", `{"id":"enc-1"}`); w.Code != http.StatusOK {
		t.Errorf("end: %d %s", w.Code, w.Body.String())
	}
	if w = do(t, h, http.MethodPost, "/pseudonymize", `{"encounterId":"enc-1","text":"x"}`); w.Code != http.StatusNotFound {
		t.Errorf("pseudonymize after end: expected 404, got %d", w.Code)
	}
	if w = do(t, h, http.MethodPost, "/encounters/resume", `{"id":"enc-1"}`); w.Code != http.StatusGone {
		t.Errorf("resume after end: expected 410, got %d", w.Code)
	}
}

func TestEncounterErrors(t *testing.T) {
	srv, _ := newTestServer(t, "")
	h := srv.Handler()
	tests := []struct {
		name, path, body string
		want             int
	}{
		{"malformed JSON", "/encounters/start", `{`, http.StatusBadRequest},
		{"end without id", "/encounters/end", `{}`, http.StatusBadRequest},
		{"end unknown", "/encounters/end", `{"id":"nope"}`, http.StatusNotFound},
		{"persist unknown", "/encounters/persist", `{"id":"nope"}`, http.StatusNotFound},
		{"text without encounter", "/pseudonymize", `{"text":"x"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, http.MethodPost, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	do(t, h, http.MethodPost, "/encounters/start", `{"id":"dup"}`)
	if w := do(t, h, http.MethodPost, "/encounters/start", `{"id":"dup"}`); w.Code != http.StatusConflict {
		t.Errorf("duplicate start: expected 409, got %d", w.Code)
	}
}

func TestInsertGatedByGuard(t *testing.T) {
	srv, _ := newTestServer(t, "")
	h := srv.Handler()
	do(t, h, http.MethodPost, "/encounters/start", `{"id":"enc-1"}`)
	do(t, h, http.MethodPost, "/pseudonymize", `{"encounterId":"enc-1","text":"Mr. John Doe"}`)

	insert := `{"encounterId":"enc-1","text":"Note for [NAME:1]."}`
	w := do(t, h, http.MethodPost, "/notes/insert", insert)
	if w.Code != http.StatusConflict {
		t.Fatalf("insert without patient: expected 409, got %d", w.Code)
	}
	var refused struct {
		Inserted bool           `json:"inserted"`
		Decision guard.Decision `json:"decision"`
		Text     string         `json:"text"`
	}
	decodeBody(t, w, &refused)
	if refused.Inserted || refused.Decision.Kind != guard.RefuseMissing || refused.Text != "" {
		t.Errorf("refusal leaked or misreported: %+v", refused)
	}

	demo := `{"demographics":{"lastName":"Doe","firstName":"John","dob":"1980-01-02","mrn":"12345678"}}`
	if w = do(t, h, http.MethodPost, "/guard/observe", demo); w.Code != http.StatusOK {
		t.Fatalf("observe: %d %s", w.Code, w.Body.String())
	}
	if w = do(t, h, http.MethodPost, "/guard/confirm", demo); w.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/guard/check", "")
	var d guard.Decision
	decodeBody(t, w, &d)
	if !d.Allowed() || d.Observed.Preview != "J.D. DOB 1980-**-** MRN ***5678" {
		t.Errorf("check after confirm: %+v", d)
	}

	w = do(t, h, http.MethodPost, "/notes/insert", insert)
	var ok struct {
		Inserted bool   `json:"inserted"`
		Text     string `json:"text"`
	}
	decodeBody(t, w, &ok)
	if w.Code != http.StatusOK || !ok.Inserted || ok.Text != "Note for John Doe." {
		t.Errorf("allowed insert: %d %+v", w.Code, ok)
	}

	do(t, h, http.MethodPost, "/guard/clear", "")
	w = do(t, h, http.MethodGet, "/guard/check", "")
	decodeBody(t, w, &d)
	if d.Kind != guard.RefuseUnconfirmed {
		t.Errorf("after clear: %+v", d)
	}
}

func TestGuardObserve_BadRequest(t *testing.T) {
	srv, _ := newTestServer(t, "")
	h := srv.Handler()
	if w := do(t, h, http.MethodPost, "/guard/observe", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty patient: expected 400, got %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/guard/observe", `{"demographics":{"firstName":"Jo"}}`); w.Code != http.StatusBadRequest {
		t.Errorf("insufficient demographics: expected 400, got %d", w.Code)
	}
}

func TestAuditEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, "")
	h := srv.Handler()
	do(t, h, http.MethodPost, "/encounters/start", `{"id":"enc-1"}`)
	do(t, h, http.MethodPost, "/encounters/start", `{"id":"enc-2"}`)

	w := do(t, h, http.MethodGet, "/audit?encounter=enc-2", "")
	var entries []audit.Entry
	decodeBody(t, w, &entries)
	if len(entries) != 1 || *entries[0].EncounterID != "enc-2" {
		t.Errorf("filtered query: %+v", entries)
	}

	if w = do(t, h, http.MethodGet, "/audit?limit=x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
	if w = do(t, h, http.MethodGet, "/audit?since=yesterday", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad since: expected 400, got %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/audit/verify", "")
	var rep audit.Report
	decodeBody(t, w, &rep)
	if rep.Total != 2 || rep.Valid != 2 || rep.Invalid != 0 {
		t.Errorf("verify: %+v", rep)
	}

	w = do(t, h, http.MethodGet, "/audit?event=integrity_verified", "")
	decodeBody(t, w, &entries)
	if len(entries) != 1 {
		t.Errorf("verification run not audited: %+v", entries)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")
	h := srv.Handler()
	do(t, h, http.MethodPost, "/encounters/start", `{}`)
	w := do(t, h, http.MethodGet, "/metrics", "")
	var snap metrics.Snapshot
	decodeBody(t, w, &snap)
	if snap.Encounters.Started != 1 || snap.Requests.Total != 2 {
		t.Errorf("snapshot: %+v", snap)
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	srv, _ := newTestServer(t, "")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/status"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never answered: %v", err)
	}
	resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestInsertBypassCannotOverrideMismatch(t *testing.T) {
	srv, _ := newTestServer(t, "")
	h := srv.Handler()
	do(t, h, http.MethodPost, "/encounters/start", `{"id":"enc-1"}`)
	do(t, h, http.MethodPost, "/pseudonymize", `{"encounterId":"enc-1","text":"Mr. John Doe"}`)
	do(t, h, http.MethodPost, "/guard/confirm", `{"fp":"fp-e2e","preview":"E2E"}`)
	do(t, h, http.MethodPost, "/guard/observe", `{"fp":"fp-other","preview":"Other"}`)

	w := do(t, h, http.MethodPost, "/notes/insert", `{"encounterId":"enc-1","text":"Note for [NAME:1].","bypassGuard":true,"reason":"urgent"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	var res struct {
		Inserted bool           `json:"inserted"`
		Bypassed bool           `json:"bypassed"`
		Decision guard.Decision `json:"decision"`
		Text     string         `json:"text"`
	}
	decodeBody(t, w, &res)
	if res.Inserted || res.Bypassed || res.Decision.Kind != guard.RefuseMismatch || res.Text != "" {
		t.Errorf("bypass released text for the wrong patient: %+v", res)
	}
}
