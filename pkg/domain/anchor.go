package domain

import "context"

// AnchorReceipt identifies a transaction accepted by the anchor program.
type AnchorReceipt struct {
	Signature string `json:"signature"`
	Address   string `json:"address"`
}

// Anchor mirrors material and transfer events to an external append-only
// ledger. Implementations hold no state between calls.
type Anchor interface {
	InitializeMaterial(ctx context.Context, materialID string) (AnchorReceipt, error)
	RecordTransfer(ctx context.Context, materialID string, sequence int64, newHolder string) (AnchorReceipt, error)
}
