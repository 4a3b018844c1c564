// Package storetest holds the behavioural contract every ledger store backend
// is expected to satisfy. Backend test suites call Run with a constructor.
package storetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"custodyledger/pkg/domain"
)

// Factory returns a fresh, empty store for a single subtest.
type Factory func(t *testing.T) domain.LedgerStore

// Run executes the ledger store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	t.Run("CreateAndGetMaterial", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("DuplicateMaterialLeavesOriginal", func(t *testing.T) { testDuplicateMaterial(t, newStore(t)) })
	t.Run("ReserveUnknownMaterial", func(t *testing.T) { testReserveUnknown(t, newStore(t)) })
	t.Run("ConcurrentReservationsAreDistinct", func(t *testing.T) { testConcurrentReserve(t, newStore(t)) })
	t.Run("AppendRejectsDuplicateSequence", func(t *testing.T) { testAppendDuplicate(t, newStore(t)) })
	t.Run("AppendUnknownMaterial", func(t *testing.T) { testAppendUnknown(t, newStore(t)) })
	t.Run("TransfersOrderedBySequence", func(t *testing.T) { testTransfersOrdered(t, newStore(t)) })
	t.Run("HolderUpdateIsMonotonic", func(t *testing.T) { testHolderMonotonic(t, newStore(t)) })
	t.Run("QuarantineSticks", func(t *testing.T) { testQuarantineSticks(t, newStore(t)) })
	t.Run("Signers", func(t *testing.T) { testSigners(t, newStore(t)) })
}

func mustCreate(t *testing.T, s domain.LedgerStore, id, holder string) domain.Material {
	t.Helper()
	m, err := s.CreateMaterial(context.Background(), domain.Material{
		MaterialID:    id,
		Description:   "sealed source",
		Metadata:      map[string]any{"isotope": "Cs-137"},
		CurrentHolder: holder,
		Status:        domain.StatusInTransit,
	})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return m
}

func testCreateAndGet(t *testing.T, s domain.LedgerStore) {
	ctx := context.Background()
	created := mustCreate(t, s, "Mat1", "A")
	if created.LastSequence != 0 || created.ReservedSequence != 0 {
		t.Fatalf("expected zero sequences, got %+v", created)
	}
	got, err := s.GetMaterial(ctx, "Mat1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentHolder != "A" || got.Status != domain.StatusInTransit || got.Metadata["isotope"] != "Cs-137" {
		t.Fatalf("unexpected material %+v", got)
	}
	if _, err := s.GetMaterial(ctx, "Mat404"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	n, err := s.CountMaterials(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}
	mustCreate(t, s, "Mat0", "Z")
	list, err := s.ListMaterials(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].MaterialID != "Mat0" || list[1].MaterialID != "Mat1" {
		t.Fatalf("unexpected listing %+v", list)
	}
}

func testDuplicateMaterial(t *testing.T, s domain.LedgerStore) {
	ctx := context.Background()
	mustCreate(t, s, "Mat1", "A")
	_, err := s.CreateMaterial(ctx, domain.Material{MaterialID: "Mat1", CurrentHolder: "B", Status: domain.StatusDelivered})
	if !errors.Is(err, domain.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key, got %v", err)
	}
	got, err := s.GetMaterial(ctx, "Mat1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentHolder != "A" || got.Status != domain.StatusInTransit {
		t.Fatalf("original record modified: %+v", got)
	}
}

func testReserveUnknown(t *testing.T, s domain.LedgerStore) {
	if _, err := s.ReserveNextSequence(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testConcurrentReserve(t *testing.T, s domain.LedgerStore) {
	ctx := context.Background()
	mustCreate(t, s, "Mat1", "A")
	const workers = 24
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make([]int64, 0, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := s.ReserveNextSequence(ctx, "Mat1")
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			mu.Lock()
			seen = append(seen, seq)
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
	if len(seen) != workers {
		t.Fatalf("expected %d reservations, got %d", workers, len(seen))
	}
	for i, seq := range seen {
		if seq != int64(i+1) {
			t.Fatalf("reservations not contiguous and distinct: %v", seen)
		}
	}
}

func testAppendDuplicate(t *testing.T, s domain.LedgerStore) {
	ctx := context.Background()
	mustCreate(t, s, "Mat1", "A")
	tr := domain.Transfer{MaterialID: "Mat1", Sequence: 1, To: domain.Holder{Name: "B"}, Status: domain.StatusInTransit, Timestamp: 1700000000}
	if _, err := s.AppendTransfer(ctx, tr); err != nil {
		t.Fatalf("append: %v", err)
	}
	tr.To.Name = "X"
	if _, err := s.AppendTransfer(ctx, tr); !errors.Is(err, domain.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key, got %v", err)
	}
	list, err := s.ListTransfers(ctx, "Mat1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].To.Name != "B" {
		t.Fatalf("committed transfer mutated: %+v", list)
	}
}

func testAppendUnknown(t *testing.T, s domain.LedgerStore) {
	_, err := s.AppendTransfer(context.Background(), domain.Transfer{MaterialID: "ghost", Sequence: 1})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testTransfersOrdered(t *testing.T, s domain.LedgerStore) {
	ctx := context.Background()
	mustCreate(t, s, "Mat1", "A")
	for _, seq := range []int64{3, 1, 2} {
		tr := domain.Transfer{MaterialID: "Mat1", Sequence: seq, From: domain.Holder{Name: "A"}, To: domain.Holder{Name: "B", Location: domain.Location{Lat: 1.5, Lng: -2.25}}, Status: domain.StatusInTransit}
		if _, err := s.AppendTransfer(ctx, tr); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}
	first, err := s.ListTransfers(ctx, "Mat1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, tr := range first {
		if tr.Sequence != int64(i+1) {
			t.Fatalf("unexpected order %+v", first)
		}
	}
	if first[0].To.Location.Lng != -2.25 {
		t.Fatalf("location not persisted: %+v", first[0].To)
	}
	first[0].Notes = "mutated"
	second, err := s.ListTransfers(ctx, "Mat1")
	if err != nil {
		t.Fatalf("list again: %v", err)
	}
	if second[0].Notes == "mutated" {
		t.Fatalf("listing shares state between calls")
	}
	if _, err := s.ListTransfers(ctx, "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testHolderMonotonic(t *testing.T, s domain.LedgerStore) {
	ctx := context.Background()
	mustCreate(t, s, "Mat1", "A")
	if _, err := s.UpdateMaterialHolder(ctx, "Mat1", "C", 2, domain.StatusDelivered); err != nil {
		t.Fatalf("update: %v", err)
	}
	m, err := s.UpdateMaterialHolder(ctx, "Mat1", "B", 1, domain.StatusInTransit)
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if m.CurrentHolder != "C" || m.LastSequence != 2 || m.Status != domain.StatusDelivered {
		t.Fatalf("stale update moved material backwards: %+v", m)
	}
	if m.ReservedSequence < m.LastSequence {
		t.Fatalf("reserved %d trails committed %d", m.ReservedSequence, m.LastSequence)
	}
	next, err := s.ReserveNextSequence(ctx, "Mat1")
	if err != nil || next != 3 {
		t.Fatalf("next reservation = %d, %v", next, err)
	}
	if _, err := s.UpdateMaterialHolder(ctx, "ghost", "X", 1, domain.StatusInTransit); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testQuarantineSticks(t *testing.T, s domain.LedgerStore) {
	ctx := context.Background()
	mustCreate(t, s, "Mat1", "A")
	for i := 0; i < 2; i++ {
		m, err := s.SetStatus(ctx, "Mat1", domain.StatusQuarantined)
		if err != nil {
			t.Fatalf("set status #%d: %v", i, err)
		}
		if m.Status != domain.StatusQuarantined {
			t.Fatalf("unexpected status %q", m.Status)
		}
	}
	m, err := s.UpdateMaterialHolder(ctx, "Mat1", "B", 1, domain.StatusDelivered)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if m.Status != domain.StatusQuarantined || m.CurrentHolder != "B" {
		t.Fatalf("quarantine lost on holder update: %+v", m)
	}
	if _, err := s.SetStatus(ctx, "ghost", domain.StatusQuarantined); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testSigners(t *testing.T, s domain.LedgerStore) {
	ctx := context.Background()
	if _, err := s.CreateSigner(ctx, domain.Signer{Pubkey: "pkB", Role: "courier"}); err != nil {
		t.Fatalf("create signer: %v", err)
	}
	if _, err := s.CreateSigner(ctx, domain.Signer{Pubkey: "pkA", Role: "officer"}); err != nil {
		t.Fatalf("create signer: %v", err)
	}
	if _, err := s.CreateSigner(ctx, domain.Signer{Pubkey: "pkA", Role: "other"}); !errors.Is(err, domain.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key, got %v", err)
	}
	list, err := s.ListSigners(ctx)
	if err != nil {
		t.Fatalf("list signers: %v", err)
	}
	if len(list) != 2 || list[0].Pubkey != "pkA" || list[0].Role != "officer" {
		t.Fatalf("unexpected signers %+v", list)
	}
}
