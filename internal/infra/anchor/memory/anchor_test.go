package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"custodyledger/pkg/domain"
)

func TestInitializeTwiceIsRejected(t *testing.T) {
	ctx := context.Background()
	a := New()
	first, err := a.InitializeMaterial(ctx, "Mat1")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if first.Signature == "" || first.Address != Address("Mat1") {
		t.Fatalf("unexpected receipt %+v", first)
	}
	if _, err := a.InitializeMaterial(ctx, "Mat1"); !errors.Is(err, domain.ErrAnchor) {
		t.Fatalf("expected anchor error on double init, got %v", err)
	}
}

func TestRecordTransferEnforcesSequence(t *testing.T) {
	ctx := context.Background()
	a := New()
	if _, err := a.RecordTransfer(ctx, "Mat1", 1, "B"); !errors.Is(err, domain.ErrAnchor) {
		t.Fatalf("expected rejection before init, got %v", err)
	}
	if _, err := a.InitializeMaterial(ctx, "Mat1"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := a.RecordTransfer(ctx, "Mat1", 2, "C"); err == nil {
		t.Fatalf("expected out of order rejection")
	}
	if _, err := a.RecordTransfer(ctx, "Mat1", 1, "B"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := a.RecordTransfer(ctx, "Mat1", 1, "B"); !errors.Is(err, domain.ErrAnchorRejected) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
	acc, ok := a.Account("Mat1")
	if !ok || acc.LastSequence != 1 || acc.CurrentHolder != "B" {
		t.Fatalf("unexpected account %+v", acc)
	}
}

func TestFailureAndDelayInjection(t *testing.T) {
	a := New()
	a.FailWith(errors.New("rpc unavailable"))
	if _, err := a.InitializeMaterial(context.Background(), "Mat1"); !errors.Is(err, domain.ErrAnchor) {
		t.Fatalf("expected injected failure, got %v", err)
	} else if errors.Is(err, domain.ErrAnchorRejected) {
		t.Fatalf("transport failure must not read as a rejection")
	}
	if _, ok := a.Account("Mat1"); ok {
		t.Fatalf("failed call must not create state")
	}
	a.FailWith(nil)
	a.SetDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := a.InitializeMaterial(ctx, "Mat1")
	if !errors.Is(err, domain.ErrAnchor) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout anchor error, got %v", err)
	}
}
