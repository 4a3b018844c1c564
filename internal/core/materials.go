package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custodyledger/pkg/domain"
)

const maxIDAttempts = 16

// MaterialResult is a committed material plus the anchor outcome.
type MaterialResult struct {
	Material domain.Material `json:"material"`
	Anchor   AnchorOutcome   `json:"anchor"`
}

// CreateMaterial persists a new material in In-Transit with lastSequence 0,
// then initializes its anchor account. A duplicate id fails with DuplicateKey
// and leaves the existing record untouched.
func (l *Ledger) CreateMaterial(ctx context.Context, req CreateMaterialRequest) (res MaterialResult, err error) {
	started := time.Now()
	defer func() { l.observe(ctx, "create_material", started, err) }()
	if err := req.Validate(); err != nil {
		return MaterialResult{}, err
	}
	m := domain.Material{
		MaterialID:    req.MaterialID,
		Description:   req.Description,
		Metadata:      domain.CloneMetadata(req.Metadata),
		CurrentHolder: req.InitialHolder,
		Status:        domain.StatusInTransit,
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	var created domain.Material
	if req.MaterialID != "" {
		created, err = l.store.CreateMaterial(ctx, m)
	} else {
		created, err = l.createGenerated(ctx, m)
	}
	if err != nil {
		return MaterialResult{}, err
	}
	l.logger.Info("material created", "material_id", created.MaterialID, "holder", created.CurrentHolder)
	outcome := l.runAnchor(ctx, "anchor_initialize_material", created.MaterialID, func(actx context.Context, a domain.Anchor) (domain.AnchorReceipt, error) {
		return a.InitializeMaterial(actx, created.MaterialID)
	})
	return MaterialResult{Material: created, Anchor: outcome}, nil
}

// createGenerated assigns Mat<N> with N one past the current material count,
// moving forward past ids that are already taken.
func (l *Ledger) createGenerated(ctx context.Context, m domain.Material) (domain.Material, error) {
	count, err := l.store.CountMaterials(ctx)
	if err != nil {
		return domain.Material{}, err
	}
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		m.MaterialID = fmt.Sprintf("Mat%d", count+1+attempt)
		created, err := l.store.CreateMaterial(ctx, m)
		if errors.Is(err, domain.ErrDuplicateKey) {
			continue
		}
		return created, err
	}
	return domain.Material{}, domain.NewError(domain.KindDuplicateKey, domain.EntityMaterial, m.MaterialID,
		fmt.Errorf("no free generated id after %d attempts", maxIDAttempts))
}

// Quarantine sets the status to Quarantined regardless of the current state.
// Repeating the call is a successful no-op.
func (l *Ledger) Quarantine(ctx context.Context, materialID string) (m domain.Material, err error) {
	started := time.Now()
	defer func() { l.observe(ctx, "quarantine", started, err) }()
	m, err = l.store.SetStatus(ctx, materialID, domain.StatusQuarantined)
	if err != nil {
		return domain.Material{}, err
	}
	l.logger.Info("material quarantined", "material_id", materialID)
	return m, nil
}

// GetMaterial returns a single material.
func (l *Ledger) GetMaterial(ctx context.Context, materialID string) (domain.Material, error) {
	return l.store.GetMaterial(ctx, materialID)
}

// ListMaterials returns every material ordered by id.
func (l *Ledger) ListMaterials(ctx context.Context) ([]domain.Material, error) {
	return l.store.ListMaterials(ctx)
}

// GetStatus returns the material status.
func (l *Ledger) GetStatus(ctx context.Context, materialID string) (domain.Status, error) {
	m, err := l.store.GetMaterial(ctx, materialID)
	if err != nil {
		return "", err
	}
	return m.Status, nil
}

// ListTransfers returns the custody history ordered by sequence.
func (l *Ledger) ListTransfers(ctx context.Context, materialID string) ([]domain.Transfer, error) {
	return l.store.ListTransfers(ctx, materialID)
}

// RegisterSigner adds a signer to the registry.
func (l *Ledger) RegisterSigner(ctx context.Context, signer domain.Signer) (domain.Signer, error) {
	if signer.Pubkey == "" {
		return domain.Signer{}, domain.InvalidRequest(domain.EntitySigner, "", "pubkey is required")
	}
	return l.store.CreateSigner(ctx, signer)
}

// ListSigners returns the registered signers.
func (l *Ledger) ListSigners(ctx context.Context) ([]domain.Signer, error) {
	return l.store.ListSigners(ctx)
}
