package httpapi

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"custodyledger/internal/core"
	anchormem "custodyledger/internal/infra/anchor/memory"
	blobmem "custodyledger/internal/infra/blob/memory"
	"custodyledger/internal/infra/persistence/memory"
	"custodyledger/internal/report"
	"custodyledger/pkg/domain"
)

type fixture struct {
	handler *Handler
	anchor  *anchormem.Anchor
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	anchor := anchormem.New()
	ledger := core.NewLedger(memory.NewStore(), anchor)
	exporter := report.NewExporter(ledger, blobmem.New())
	return fixture{handler: NewHandler(ledger, exporter, nil), anchor: anchor}
}

func (f fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCustodyFlowOverHTTP(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/materials", `{"materialId":"Mat1","description":"sample","initialHolder":"A"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	created := decodeBody[materialBody](t, rec)
	if created.MaterialID != "Mat1" || created.Description != "sample" || created.Anchor.Status != core.AnchorAnchored {
		t.Fatalf("unexpected create body %+v", created)
	}
	// Record fields sit at the top level next to the anchor outcome.
	flat := decodeBody[map[string]any](t, rec)
	if flat["materialId"] != "Mat1" || flat["currentHolder"] != "A" || flat["anchor"] == nil || flat["material"] != nil {
		t.Fatalf("unexpected create shape %+v", flat)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("missing request id header")
	}

	rec = f.do(t, http.MethodPost, "/api/materials/Mat1/transfers", `{"from":{"name":"A"},"to":{"name":"B","location":{"lat":1.5,"lng":2.5}},"notes":"sealed"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("transfer: %d %s", rec.Code, rec.Body)
	}
	tr := decodeBody[transferBody](t, rec)
	if tr.Sequence != 1 || tr.Material.CurrentHolder != "B" || tr.Status != domain.StatusInTransit || tr.Anchor.Status != core.AnchorAnchored {
		t.Fatalf("unexpected transfer body %+v", tr)
	}
	if flat := decodeBody[map[string]any](t, rec); flat["sequence"] != float64(1) || flat["notes"] != "sealed" || flat["transfer"] != nil {
		t.Fatalf("unexpected transfer shape %+v", flat)
	}
	rec = f.do(t, http.MethodPost, "/api/materials/Mat1/transfers", `{"from":{"name":"B"},"to":{"name":"C"},"status":"Delivered","timestamp":1750000000}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("transfer 2: %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodGet, "/api/materials/Mat1/transfers", "")
	history := decodeBody[[]domain.Transfer](t, rec)
	if len(history) != 2 || history[0].Sequence != 1 || history[1].Sequence != 2 || history[1].Timestamp != 1750000000 {
		t.Fatalf("unexpected history %+v", history)
	}
	rec = f.do(t, http.MethodGet, "/api/materials/Mat1/status", "")
	if st := decodeBody[statusBody](t, rec); st.Status != domain.StatusDelivered {
		t.Fatalf("unexpected status %+v", st)
	}
	rec = f.do(t, http.MethodGet, "/api/materials/Mat1", "")
	if m := decodeBody[domain.Material](t, rec); m.LastSequence != 2 || m.CurrentHolder != "C" {
		t.Fatalf("unexpected material %+v", m)
	}
	rec = f.do(t, http.MethodGet, "/api/materials", "")
	if list := decodeBody[[]domain.Material](t, rec); len(list) != 1 {
		t.Fatalf("unexpected list %+v", list)
	}

	rec = f.do(t, http.MethodPost, "/api/materials/Mat1/quarantine", "")
	if st := decodeBody[statusBody](t, rec); rec.Code != http.StatusOK || st.Status != domain.StatusQuarantined || st.MaterialID != "Mat1" {
		t.Fatalf("quarantine: %d %+v", rec.Code, st)
	}
	rec = f.do(t, http.MethodPost, "/api/materials/Mat1/transfers", `{"to":{"name":"D"}}`)
	if body := decodeBody[errorBody](t, rec); rec.Code != http.StatusConflict || body.Kind != string(domain.KindConflict) {
		t.Fatalf("expected conflict on quarantined material, got %d %+v", rec.Code, body)
	}

	rec = f.do(t, http.MethodPost, "/api/materials/Mat1/reconcile", "")
	if rep := decodeBody[core.ReconcileReport](t, rec); rec.Code != http.StatusOK || !rep.Consistent() || rep.TransferCount != 2 {
		t.Fatalf("reconcile: %d %+v", rec.Code, rep)
	}
}

func TestAnchorFailureStillCreated(t *testing.T) {
	f := newFixture(t)
	f.anchor.FailWith(errors.New("rpc unavailable"))
	rec := f.do(t, http.MethodPost, "/api/materials", `{}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	res := decodeBody[materialBody](t, rec)
	if res.MaterialID != "Mat1" || res.Anchor.Status != core.AnchorFailed || res.Anchor.Warning == "" {
		t.Fatalf("expected generated id and anchor warning, got %+v", res)
	}
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodPost, "/api/materials", `{"materialId":"Mat1"}`); rec.Code != http.StatusCreated {
		t.Fatalf("seed: %d", rec.Code)
	}
	cases := []struct {
		name, method, path, body string
		status                   int
		kind                     domain.ErrorKind
		id                       string
	}{
		{"duplicate", http.MethodPost, "/api/materials", `{"materialId":"Mat1"}`, http.StatusConflict, domain.KindDuplicateKey, "Mat1"},
		{"unknown material", http.MethodGet, "/api/materials/ghost", "", http.StatusNotFound, domain.KindNotFound, "ghost"},
		{"unknown transfer target", http.MethodPost, "/api/materials/ghost/transfers", `{"to":{"name":"B"}}`, http.StatusNotFound, domain.KindNotFound, "ghost"},
		{"bad json", http.MethodPost, "/api/materials/Mat1/transfers", `{"to":`, http.StatusBadRequest, domain.KindInvalidRequest, "Mat1"},
		{"missing holder", http.MethodPost, "/api/materials/Mat1/transfers", `{}`, http.StatusBadRequest, domain.KindInvalidRequest, "Mat1"},
		{"empty history", http.MethodGet, "/api/materials/Mat1/export/csv", "", http.StatusNotFound, domain.KindEmptyHistory, "Mat1"},
		{"bad format", http.MethodGet, "/api/materials/Mat1/export/docx", "", http.StatusBadRequest, domain.KindInvalidRequest, "Mat1"},
		{"signer without key", http.MethodPost, "/api/signers", `{"role":"courier"}`, http.StatusBadRequest, domain.KindInvalidRequest, ""},
	}
	for _, tc := range cases {
		rec := f.do(t, tc.method, tc.path, tc.body)
		if rec.Code != tc.status {
			t.Fatalf("%s: status %d, want %d (%s)", tc.name, rec.Code, tc.status, rec.Body)
		}
		body := decodeBody[errorBody](t, rec)
		if body.Kind != string(tc.kind) || body.ID != tc.id || body.Error == "" {
			t.Fatalf("%s: unexpected error body %+v", tc.name, body)
		}
	}
}

func TestSigners(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/signers", `{"pubkey":"Key1","role":"courier"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, http.MethodPost, "/api/signers", `{"pubkey":"Key1"}`); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate signer: %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/signers", "")
	if list := decodeBody[[]domain.Signer](t, rec); len(list) != 1 || list[0].Role != "courier" {
		t.Fatalf("unexpected signers %+v", list)
	}
}

func TestExportEndpoints(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/materials", `{"materialId":"Mat1","initialHolder":"A"}`)
	f.do(t, http.MethodPost, "/api/materials/Mat1/transfers", `{"from":{"name":"A"},"to":{"name":"B"}}`)

	rec := f.do(t, http.MethodGet, "/api/materials/Mat1/export/csv", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "text/csv" {
		t.Fatalf("csv: %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "Mat1-seq-1.csv") || rec.Header().Get("X-Custody-Sequence") != "1" {
		t.Fatalf("unexpected export headers %v", rec.Header())
	}
	rows, err := csv.NewReader(bytes.NewReader(rec.Body.Bytes())).ReadAll()
	if err != nil || len(rows) != 2 || rows[0][0] != "materialId" {
		t.Fatalf("unexpected csv %v %v", rows, err)
	}

	rec = f.do(t, http.MethodGet, "/api/materials/Mat1/export/pdf", "")
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") || !strings.Contains(rec.Body.String(), "Transfer #1") {
		t.Fatalf("pdf: %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodGet, "/api/materials/Mat1/export/xlsx?link=true", "")
	link := decodeBody[map[string]any](t, rec)
	if rec.Code != http.StatusOK || link["url"] != "memory://exports/Mat1/seq-1-in-transit.xlsx" {
		t.Fatalf("link: %d %+v", rec.Code, link)
	}
}

func TestExportDisabledAndUnknownRoute(t *testing.T) {
	ledger := core.NewLedger(memory.NewStore(), nil)
	h := NewHandler(ledger, nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/materials/Mat1/export/csv", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without exporter, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nothing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown route, got %d", rec.Code)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/materials", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Header().Get(RequestIDHeader) != "req-123" {
		t.Fatalf("request id not echoed: %q", rec.Header().Get(RequestIDHeader))
	}
}
