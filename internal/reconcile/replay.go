// Package reconcile re-submits a material's committed custody history to the
// anchor. It is the recovery path for anchor writes that degraded to warnings.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"custodyledger/pkg/domain"
)

// Source is the read side of the ledger the replayer walks.
type Source interface {
	GetMaterial(ctx context.Context, materialID string) (domain.Material, error)
	ListTransfers(ctx context.Context, materialID string) ([]domain.Transfer, error)
}

// Step outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Step is one replayed anchor instruction. Sequence 0 is the account
// initialization.
type Step struct {
	Sequence  int64  `json:"sequence"`
	Outcome   string `json:"outcome"`
	Signature string `json:"signature,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Report summarises a replay. Rejected steps are instructions the anchor
// refused, normally because they were applied earlier.
type Report struct {
	MaterialID string `json:"materialId"`
	Steps      []Step `json:"steps"`
	Applied    int    `json:"applied"`
	Rejected   int    `json:"rejected"`
	// Halted is set when a transport failure stopped the replay early.
	Halted bool `json:"halted"`
}

// Replayer drives the anchor from the ledger store.
type Replayer struct {
	source  Source
	anchor  domain.Anchor
	logger  *slog.Logger
	timeout time.Duration
}

// NewReplayer returns a replayer bounding each anchor call by timeout.
func NewReplayer(source Source, anchor domain.Anchor, logger *slog.Logger, timeout time.Duration) *Replayer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Replayer{source: source, anchor: anchor, logger: logger, timeout: timeout}
}

// Replay initializes the material account and records every committed
// transfer in sequence order. Transfers above the material's lastSequence
// are left for Ledger.Reconcile to commit first.
func (r *Replayer) Replay(ctx context.Context, materialID string) (Report, error) {
	if r.anchor == nil {
		return Report{}, domain.InvalidRequest(domain.EntityMaterial, materialID, "anchor is disabled")
	}
	m, err := r.source.GetMaterial(ctx, materialID)
	if err != nil {
		return Report{}, err
	}
	transfers, err := r.source.ListTransfers(ctx, materialID)
	if err != nil {
		return Report{}, err
	}
	rep := Report{MaterialID: m.MaterialID}
	if !r.step(ctx, &rep, 0, func(ctx context.Context) (domain.AnchorReceipt, error) {
		return r.anchor.InitializeMaterial(ctx, m.MaterialID)
	}) {
		return rep, nil
	}
	for _, t := range transfers {
		if t.Sequence > m.LastSequence {
			break
		}
		if !r.step(ctx, &rep, t.Sequence, func(ctx context.Context) (domain.AnchorReceipt, error) {
			return r.anchor.RecordTransfer(ctx, t.MaterialID, t.Sequence, t.To.Name)
		}) {
			break
		}
	}
	r.logger.Info("anchor replay finished", "material_id", m.MaterialID,
		"applied", rep.Applied, "rejected", rep.Rejected, "halted", rep.Halted)
	return rep, nil
}

// step runs one call and reports whether the replay should continue.
func (r *Replayer) step(ctx context.Context, rep *Report, seq int64, call func(context.Context) (domain.AnchorReceipt, error)) bool {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	receipt, err := call(callCtx)
	cancel()
	s := Step{Sequence: seq}
	switch {
	case err == nil:
		s.Outcome, s.Signature = OutcomeApplied, receipt.Signature
		rep.Applied++
	case errors.Is(err, domain.ErrAnchorRejected):
		s.Outcome, s.Detail = OutcomeRejected, err.Error()
		rep.Rejected++
	default:
		s.Outcome, s.Detail = OutcomeFailed, err.Error()
		rep.Halted = true
		r.logger.Warn("anchor replay halted", "material_id", rep.MaterialID, "sequence", seq, "error", err)
	}
	rep.Steps = append(rep.Steps, s)
	return !rep.Halted
}
