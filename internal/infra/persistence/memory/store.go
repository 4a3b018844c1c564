// Package memory provides an in-memory implementation of the ledger store
// used for tests and ephemeral environments. Its Snapshot form is also the
// layout of the JSON buckets older SQLite databases were written in.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"custodyledger/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.LedgerStore = (*Store)(nil)

type (
	// Material aliases domain.Material for in-memory persistence operations.
	Material = domain.Material
	// Transfer aliases domain.Transfer.
	Transfer = domain.Transfer
	// Signer aliases domain.Signer.
	Signer = domain.Signer
)

type memoryState struct {
	materials map[string]Material
	// transfers is keyed by material id, each slice kept ordered by sequence.
	transfers map[string][]Transfer
	signers   map[string]Signer
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Materials map[string]Material   `json:"materials"`
	Transfers map[string][]Transfer `json:"transfers"`
	Signers   map[string]Signer     `json:"signers"`
}

func newMemoryState() memoryState {
	return memoryState{
		materials: make(map[string]Material),
		transfers: make(map[string][]Transfer),
		signers:   make(map[string]Signer),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Materials: make(map[string]Material, len(state.materials)),
		Transfers: make(map[string][]Transfer, len(state.transfers)),
		Signers:   make(map[string]Signer, len(state.signers)),
	}
	for k, v := range state.materials {
		s.Materials[k] = v.Clone()
	}
	for k, v := range state.transfers {
		s.Transfers[k] = cloneTransfers(v)
	}
	for k, v := range state.signers {
		s.Signers[k] = v
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Materials {
		state.materials[k] = v.Clone()
	}
	for k, v := range s.Transfers {
		ts := cloneTransfers(v)
		sort.Slice(ts, func(i, j int) bool { return ts[i].Sequence < ts[j].Sequence })
		state.transfers[k] = ts
	}
	for k, v := range s.Signers {
		state.signers[k] = v
	}
	return state
}

func cloneTransfers(in []Transfer) []Transfer {
	out := make([]Transfer, len(in))
	copy(out, in)
	return out
}

// Store is an in-memory ledger store. A single mutex serialises writers; the
// per-material sequence counter is therefore linearizable.
type Store struct {
	mu    sync.RWMutex
	state memoryState
	nowFn func() time.Time
}

// NewStore constructs an empty in-memory ledger store.
func NewStore() *Store {
	return &Store{
		state: newMemoryState(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock used for record timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.nowFn = fn
	s.mu.Unlock()
}

// ExportState returns a deep copy of the current state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// CreateMaterial inserts a new material with zeroed sequence counters.
func (s *Store) CreateMaterial(_ context.Context, m Material) (Material, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state.materials[m.MaterialID]; exists {
		return Material{}, domain.DuplicateKey(domain.EntityMaterial, m.MaterialID)
	}
	now := s.nowFn()
	m = m.Clone()
	m.LastSequence = 0
	m.ReservedSequence = 0
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.state.materials[m.MaterialID] = m
	return m.Clone(), nil
}

// GetMaterial returns a copy of the material.
func (s *Store) GetMaterial(_ context.Context, id string) (Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.state.materials[id]
	if !ok {
		return Material{}, domain.NotFound(domain.EntityMaterial, id)
	}
	return m.Clone(), nil
}

// ListMaterials returns all materials ordered by id.
func (s *Store) ListMaterials(_ context.Context) ([]Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Material, 0, len(s.state.materials))
	for _, m := range s.state.materials {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MaterialID < out[j].MaterialID })
	return out, nil
}

// CountMaterials returns the number of stored materials.
func (s *Store) CountMaterials(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.materials), nil
}

// ReserveNextSequence increments the reservation counter under the write lock.
func (s *Store) ReserveNextSequence(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.state.materials[id]
	if !ok {
		return 0, domain.NotFound(domain.EntityMaterial, id)
	}
	if m.ReservedSequence < m.LastSequence {
		m.ReservedSequence = m.LastSequence
	}
	m.ReservedSequence++
	s.state.materials[id] = m
	return m.ReservedSequence, nil
}

// AppendTransfer stores a transfer, rejecting reuse of (materialId, sequence).
func (s *Store) AppendTransfer(_ context.Context, t Transfer) (Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.materials[t.MaterialID]; !ok {
		return Transfer{}, domain.NotFound(domain.EntityMaterial, t.MaterialID)
	}
	existing := s.state.transfers[t.MaterialID]
	idx := sort.Search(len(existing), func(i int) bool { return existing[i].Sequence >= t.Sequence })
	if idx < len(existing) && existing[idx].Sequence == t.Sequence {
		return Transfer{}, domain.DuplicateKey(domain.EntityTransfer, transferKey(t.MaterialID, t.Sequence))
	}
	if t.RecordedAt.IsZero() {
		t.RecordedAt = s.nowFn()
	}
	existing = append(existing, Transfer{})
	copy(existing[idx+1:], existing[idx:])
	existing[idx] = t
	s.state.transfers[t.MaterialID] = existing
	return t, nil
}

// UpdateMaterialHolder applies the holder change carried by a committed transfer.
func (s *Store) UpdateMaterialHolder(_ context.Context, id, holder string, sequence int64, status domain.Status) (Material, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.state.materials[id]
	if !ok {
		return Material{}, domain.NotFound(domain.EntityMaterial, id)
	}
	if sequence < m.LastSequence {
		return m.Clone(), nil
	}
	m.CurrentHolder = holder
	m.LastSequence = sequence
	if m.ReservedSequence < sequence {
		m.ReservedSequence = sequence
	}
	if m.Status != domain.StatusQuarantined && status != "" {
		m.Status = status
	}
	m.UpdatedAt = s.nowFn()
	s.state.materials[id] = m
	return m.Clone(), nil
}

// SetStatus overwrites the material status.
func (s *Store) SetStatus(_ context.Context, id string, status domain.Status) (Material, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.state.materials[id]
	if !ok {
		return Material{}, domain.NotFound(domain.EntityMaterial, id)
	}
	if m.Status != status {
		m.Status = status
		m.UpdatedAt = s.nowFn()
		s.state.materials[id] = m
	}
	return m.Clone(), nil
}

// ListTransfers returns the material's transfers ordered by sequence.
func (s *Store) ListTransfers(_ context.Context, id string) ([]Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.state.materials[id]; !ok {
		return nil, domain.NotFound(domain.EntityMaterial, id)
	}
	return cloneTransfers(s.state.transfers[id]), nil
}

// CreateSigner registers a signer keyed by public key.
func (s *Store) CreateSigner(_ context.Context, signer Signer) (Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state.signers[signer.Pubkey]; exists {
		return Signer{}, domain.DuplicateKey(domain.EntitySigner, signer.Pubkey)
	}
	if signer.CreatedAt.IsZero() {
		signer.CreatedAt = s.nowFn()
	}
	s.state.signers[signer.Pubkey] = signer
	return signer, nil
}

// ListSigners returns signers ordered by public key.
func (s *Store) ListSigners(_ context.Context) ([]Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Signer, 0, len(s.state.signers))
	for _, v := range s.state.signers {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pubkey < out[j].Pubkey })
	return out, nil
}

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

func transferKey(materialID string, sequence int64) string {
	return materialID + "#" + strconv.FormatInt(sequence, 10)
}
