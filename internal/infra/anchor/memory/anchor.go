// Package memory implements an in-process anchor that mirrors the on-chain
// custody program: one account per material, created once, whose sequence
// only advances by one per recorded transfer.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"custodyledger/pkg/domain"
)

var _ domain.Anchor = (*Anchor)(nil)

// Account is the mirrored on-chain state of a material.
type Account struct {
	MaterialID    string
	CurrentHolder string
	LastSequence  int64
}

// Anchor is safe for concurrent use.
type Anchor struct {
	mu       sync.Mutex
	accounts map[string]Account
	txCount  uint64
	failWith error
	delay    time.Duration
}

// New returns an empty in-process anchor.
func New() *Anchor {
	return &Anchor{accounts: make(map[string]Account)}
}

// FailWith makes every subsequent call fail with err until cleared with nil.
func (a *Anchor) FailWith(err error) {
	a.mu.Lock()
	a.failWith = err
	a.mu.Unlock()
}

// SetDelay makes every call wait d (or until ctx is done) before applying.
func (a *Anchor) SetDelay(d time.Duration) {
	a.mu.Lock()
	a.delay = d
	a.mu.Unlock()
}

// Account returns the mirrored account for materialID.
func (a *Anchor) Account(materialID string) (Account, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc, ok := a.accounts[materialID]
	return acc, ok
}

// InitializeMaterial creates the material account; a second call is rejected.
func (a *Anchor) InitializeMaterial(ctx context.Context, materialID string) (domain.AnchorReceipt, error) {
	return a.apply(ctx, materialID, func() error {
		if _, exists := a.accounts[materialID]; exists {
			return fmt.Errorf("%w: account already exists", domain.ErrAnchorRejected)
		}
		a.accounts[materialID] = Account{MaterialID: materialID}
		return nil
	})
}

// RecordTransfer advances the account to sequence. Only last+1 is accepted,
// so replaying an applied transfer is rejected without side effects.
func (a *Anchor) RecordTransfer(ctx context.Context, materialID string, sequence int64, newHolder string) (domain.AnchorReceipt, error) {
	return a.apply(ctx, materialID, func() error {
		acc, ok := a.accounts[materialID]
		if !ok {
			return fmt.Errorf("%w: account not initialized", domain.ErrAnchorRejected)
		}
		switch {
		case sequence <= acc.LastSequence:
			return fmt.Errorf("%w: sequence %d already recorded", domain.ErrAnchorRejected, sequence)
		case sequence != acc.LastSequence+1:
			return fmt.Errorf("%w: sequence %d out of order, expected %d", domain.ErrAnchorRejected, sequence, acc.LastSequence+1)
		}
		acc.LastSequence = sequence
		acc.CurrentHolder = newHolder
		a.accounts[materialID] = acc
		return nil
	})
}

func (a *Anchor) apply(ctx context.Context, materialID string, fn func() error) (domain.AnchorReceipt, error) {
	a.mu.Lock()
	delay, failWith := a.delay, a.failWith
	a.mu.Unlock()
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.AnchorReceipt{}, domain.NewError(domain.KindAnchor, domain.EntityMaterial, materialID, ctx.Err())
		case <-timer.C:
		}
	}
	if failWith != nil {
		return domain.AnchorReceipt{}, domain.NewError(domain.KindAnchor, domain.EntityMaterial, materialID, failWith)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := fn(); err != nil {
		return domain.AnchorReceipt{}, domain.NewError(domain.KindAnchor, domain.EntityMaterial, materialID, err)
	}
	a.txCount++
	return domain.AnchorReceipt{Signature: a.signature(materialID), Address: Address(materialID)}, nil
}

func (a *Anchor) signature(materialID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", materialID, a.txCount)))
	return hex.EncodeToString(sum[:])
}

// Address is the deterministic account address of a material.
func Address(materialID string) string {
	sum := sha256.Sum256([]byte("material/" + materialID))
	return hex.EncodeToString(sum[:16])
}
