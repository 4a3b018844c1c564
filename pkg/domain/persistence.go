package domain

import "context"

// LedgerStore is the durable store for materials, transfers and signers.
// Implementations must be safe for concurrent use.
type LedgerStore interface {
	CreateMaterial(ctx context.Context, m Material) (Material, error)
	GetMaterial(ctx context.Context, id string) (Material, error)
	ListMaterials(ctx context.Context) ([]Material, error)
	CountMaterials(ctx context.Context) (int, error)
	// ReserveNextSequence atomically increments the material's reservation
	// counter and returns the new value. Consumed values are never reused.
	ReserveNextSequence(ctx context.Context, id string) (int64, error)
	AppendTransfer(ctx context.Context, t Transfer) (Transfer, error)
	// UpdateMaterialHolder sets holder, lastSequence and status together. A
	// sequence lower than the stored lastSequence leaves the material as is,
	// and a quarantined material keeps its status.
	UpdateMaterialHolder(ctx context.Context, id, holder string, sequence int64, status Status) (Material, error)
	SetStatus(ctx context.Context, id string, status Status) (Material, error)
	// ListTransfers returns a fresh slice ordered by ascending sequence.
	ListTransfers(ctx context.Context, id string) ([]Transfer, error)
	CreateSigner(ctx context.Context, s Signer) (Signer, error)
	ListSigners(ctx context.Context) ([]Signer, error)
	Close() error
}
