package core

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"custodyledger/internal/infra/persistence/memory"
	"custodyledger/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusRecorderCountsOperationsAndAnchorWarnings(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	_, _, anchor := newTestLedger(t)
	ledger := NewLedger(memory.NewStore(), anchor, WithMetrics(rec))
	if _, err := ledger.CreateMaterial(ctx, CreateMaterialRequest{MaterialID: "Mat1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	anchor.FailWith(errors.New("down"))
	if _, err := ledger.RecordTransfer(ctx, transferReq("Mat1", "A", "B", domain.StatusInTransit)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := ledger.RecordTransfer(ctx, transferReq("ghost", "A", "B", domain.StatusInTransit)); err == nil {
		t.Fatalf("expected not found")
	}

	if got := testutil.ToFloat64(rec.results.WithLabelValues("create_material", "success")); got != 1 {
		t.Fatalf("create_material success = %v", got)
	}
	if got := testutil.ToFloat64(rec.results.WithLabelValues("record_transfer", "success")); got != 1 {
		t.Fatalf("record_transfer success = %v", got)
	}
	if got := testutil.ToFloat64(rec.results.WithLabelValues("record_transfer", "error")); got != 1 {
		t.Fatalf("record_transfer error = %v", got)
	}
	if got := testutil.ToFloat64(rec.anchorWarnings); got != 1 {
		t.Fatalf("anchor warnings = %v", got)
	}
	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestOpenLedgerStoreDrivers(t *testing.T) {
	ctx := context.Background()
	store, err := OpenLedgerStore(ctx, StorageConfig{Driver: StorageMemory})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	_ = store.Close()
	store, err = OpenLedgerStore(ctx, StorageConfig{SQLitePath: filepath.Join(t.TempDir(), "ledger.db")})
	if err != nil {
		t.Fatalf("default sqlite: %v", err)
	}
	_ = store.Close()
	if _, err := OpenLedgerStore(ctx, StorageConfig{Driver: "mongo"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestOpenAnchorDrivers(t *testing.T) {
	a, err := OpenAnchor(AnchorConfig{})
	if err != nil || a != nil {
		t.Fatalf("expected disabled anchor, got %v (%v)", a, err)
	}
	a, err = OpenAnchor(AnchorConfig{Driver: AnchorMemory})
	if err != nil || a == nil {
		t.Fatalf("expected memory anchor, got %v (%v)", a, err)
	}
	if _, err := OpenAnchor(AnchorConfig{Driver: AnchorSolana, AuthorityKeypair: filepath.Join(t.TempDir(), "missing.json")}); err == nil {
		t.Fatalf("expected missing keypair error")
	}
	if _, err := OpenAnchor(AnchorConfig{Driver: "ethereum"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
