package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custodyledger/pkg/domain"
)

// TransferResult is a committed transfer, the material after the holder
// update and the anchor outcome.
type TransferResult struct {
	Transfer domain.Transfer `json:"transfer"`
	Material domain.Material `json:"material"`
	Anchor   AnchorOutcome   `json:"anchor"`
}

// RecordTransfer appends the next custody transfer for a material.
//
// The sequence is reserved atomically before the record is written, so
// concurrent transfers for one material receive distinct numbers in
// reservation order. The material's holder and lastSequence move only after
// the transfer row exists. The anchor write comes last and cannot roll back
// the local commit.
func (l *Ledger) RecordTransfer(ctx context.Context, req RecordTransferRequest) (res TransferResult, err error) {
	started := time.Now()
	defer func() { l.observe(ctx, "record_transfer", started, err) }()

	req, err = req.Normalize(l.now().Unix())
	if err != nil {
		return TransferResult{}, err
	}
	current, err := l.store.GetMaterial(ctx, req.MaterialID)
	if err != nil {
		return TransferResult{}, err
	}
	if current.Status == domain.StatusQuarantined {
		return TransferResult{}, domain.NewError(domain.KindConflict, domain.EntityMaterial, req.MaterialID,
			errors.New("material is quarantined"))
	}

	seq, err := l.store.ReserveNextSequence(ctx, req.MaterialID)
	if err != nil {
		return TransferResult{}, err
	}
	transfer := domain.Transfer{
		MaterialID: req.MaterialID,
		Sequence:   seq,
		From:       req.From,
		To:         req.To,
		Timestamp:  *req.Timestamp,
		Notes:      req.Notes,
		Status:     req.Status,
	}
	transfer, err = l.store.AppendTransfer(ctx, transfer)
	if err != nil {
		l.logger.Warn("transfer append failed; sequence left unused",
			"material_id", req.MaterialID, "sequence", seq, "err", err)
		if errors.Is(err, domain.ErrDuplicateKey) {
			return TransferResult{}, domain.NewError(domain.KindConflict, domain.EntityTransfer,
				fmt.Sprintf("%s#%d", req.MaterialID, seq), err)
		}
		return TransferResult{}, err
	}

	material, err := l.store.UpdateMaterialHolder(ctx, req.MaterialID, req.To.Name, seq, req.Status)
	if err != nil {
		l.logger.Error("holder update failed after append; reconcile required",
			"material_id", req.MaterialID, "sequence", seq, "err", err)
		return TransferResult{}, fmt.Errorf("update holder for %s#%d: %w", req.MaterialID, seq, err)
	}
	l.logger.Info("transfer recorded",
		"material_id", req.MaterialID, "sequence", seq, "from", req.From.Name, "to", req.To.Name, "status", req.Status)

	outcome := l.runAnchor(ctx, "anchor_record_transfer", req.MaterialID, func(actx context.Context, a domain.Anchor) (domain.AnchorReceipt, error) {
		return a.RecordTransfer(actx, req.MaterialID, seq, req.To.Name)
	})
	return TransferResult{Transfer: transfer, Material: material, Anchor: outcome}, nil
}
