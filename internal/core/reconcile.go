package core

import (
	"context"
	"time"
)

// ReconcileReport describes the relationship between a material record and
// its transfer history.
type ReconcileReport struct {
	MaterialID       string `json:"materialId"`
	TransferCount    int    `json:"transferCount"`
	MaxAppended      int64  `json:"maxAppended"`
	LastSequence     int64  `json:"lastSequence"`
	ReservedSequence int64  `json:"reservedSequence"`
	// Gaps lists sequences below MaxAppended that have no transfer record.
	Gaps []int64 `json:"gaps"`
	// Unused counts reservations above MaxAppended without a record yet.
	Unused   int64 `json:"unused"`
	Repaired bool  `json:"repaired"`
	// PreviousLastSequence is set when a repair moved lastSequence forward.
	PreviousLastSequence int64 `json:"previousLastSequence,omitempty"`
}

// Consistent reports whether the history is contiguous and fully applied.
func (r ReconcileReport) Consistent() bool {
	return len(r.Gaps) == 0 && r.Unused == 0 && !r.Repaired
}

// Reconcile detects a stale lastSequence (a transfer appended without its
// holder update) and repairs it from the highest transfer. Consumed
// sequences without a transfer are reported, never reused.
func (l *Ledger) Reconcile(ctx context.Context, materialID string) (rep ReconcileReport, err error) {
	started := time.Now()
	defer func() { l.observe(ctx, "reconcile", started, err) }()

	m, err := l.store.GetMaterial(ctx, materialID)
	if err != nil {
		return ReconcileReport{}, err
	}
	transfers, err := l.store.ListTransfers(ctx, materialID)
	if err != nil {
		return ReconcileReport{}, err
	}
	rep = ReconcileReport{
		MaterialID:       materialID,
		TransferCount:    len(transfers),
		LastSequence:     m.LastSequence,
		ReservedSequence: m.ReservedSequence,
		Gaps:             []int64{},
	}
	var next int64 = 1
	for _, t := range transfers {
		for ; next < t.Sequence; next++ {
			rep.Gaps = append(rep.Gaps, next)
		}
		next = t.Sequence + 1
		rep.MaxAppended = t.Sequence
	}
	if rep.ReservedSequence > rep.MaxAppended {
		rep.Unused = rep.ReservedSequence - rep.MaxAppended
	}

	if m.LastSequence < rep.MaxAppended {
		last := transfers[len(transfers)-1]
		updated, err := l.store.UpdateMaterialHolder(ctx, materialID, last.To.Name, last.Sequence, last.Status)
		if err != nil {
			return rep, err
		}
		rep.Repaired = true
		rep.PreviousLastSequence = m.LastSequence
		rep.LastSequence = updated.LastSequence
		rep.ReservedSequence = updated.ReservedSequence
		l.logger.Warn("repaired stale lastSequence",
			"material_id", materialID, "from", m.LastSequence, "to", updated.LastSequence)
	}
	if len(rep.Gaps) > 0 {
		l.logger.Warn("sequence gaps detected", "material_id", materialID, "gaps", rep.Gaps)
	}
	return rep, nil
}

// ReconcileAll reconciles every material in id order.
func (l *Ledger) ReconcileAll(ctx context.Context) ([]ReconcileReport, error) {
	materials, err := l.store.ListMaterials(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]ReconcileReport, 0, len(materials))
	for _, m := range materials {
		rep, err := l.Reconcile(ctx, m.MaterialID)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}
