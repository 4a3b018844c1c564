package core

import (
	"context"
	"time"

	"custodyledger/pkg/domain"
)

// Anchor outcome states.
const (
	AnchorAnchored = "anchored"
	AnchorFailed   = "failed"
	AnchorSkipped  = "skipped"
)

// AnchorOutcome reports the anchor half of a dual write. A failed outcome
// never invalidates the committed local record it accompanies.
type AnchorOutcome struct {
	Status    string `json:"status"`
	Signature string `json:"signature,omitempty"`
	Address   string `json:"address,omitempty"`
	Warning   string `json:"warning,omitempty"`
}

// Warned reports whether the anchor write failed.
func (o AnchorOutcome) Warned() bool { return o.Status == AnchorFailed }

func (l *Ledger) runAnchor(ctx context.Context, op, materialID string, call func(context.Context, domain.Anchor) (domain.AnchorReceipt, error)) AnchorOutcome {
	if l.anchor == nil {
		return AnchorOutcome{Status: AnchorSkipped}
	}
	started := time.Now()
	actx, cancel := context.WithTimeout(ctx, l.anchorTimeout)
	defer cancel()
	receipt, err := call(actx, l.anchor)
	l.observe(ctx, op, started, err)
	if err != nil {
		l.logger.Warn("anchor write failed; local record kept",
			"op", op, "material_id", materialID, "err", err)
		return AnchorOutcome{Status: AnchorFailed, Warning: err.Error()}
	}
	return AnchorOutcome{Status: AnchorAnchored, Signature: receipt.Signature, Address: receipt.Address}
}
