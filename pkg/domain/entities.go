// Package domain defines the custody ledger entities, value types, error
// taxonomy and the contracts implemented by persistence and anchor backends.
package domain

import (
	"encoding/json"
	"time"
)

// EntityType identifies the type of record stored in the ledger.
type EntityType string

// Supported entity type identifiers used in errors and persistence buckets.
const (
	// EntityMaterial identifies a tracked material record.
	EntityMaterial EntityType = "material"
	// EntityTransfer identifies a custody transfer record.
	EntityTransfer EntityType = "transfer"
	// EntitySigner identifies a registered signer record.
	EntitySigner EntityType = "signer"
)

// Status represents the custody state of a material.
type Status string

// Material statuses. Quarantined has no exit transition.
const (
	StatusInTransit   Status = "In-Transit"
	StatusDelivered   Status = "Delivered"
	StatusQuarantined Status = "Quarantined"
)

// Valid reports whether s is a recognised material status.
func (s Status) Valid() bool {
	switch s {
	case StatusInTransit, StatusDelivered, StatusQuarantined:
		return true
	}
	return false
}

// TransferStatus reports whether s may be supplied on a transfer. Quarantine is
// only reachable through the dedicated operation.
func (s Status) TransferStatus() bool {
	return s == StatusInTransit || s == StatusDelivered
}

// Location is a geographic coordinate attached to a holder.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Holder describes a party taking part in a custody handover.
type Holder struct {
	Name     string   `json:"name"`
	Location Location `json:"location"`
}

// Material is a tracked physical item subject to custody transfer.
type Material struct {
	MaterialID    string         `json:"materialId"`
	Description   string         `json:"description"`
	Metadata      map[string]any `json:"metadata"`
	CurrentHolder string         `json:"currentHolder"`
	Status        Status         `json:"status"`
	// LastSequence is the highest committed transfer sequence.
	LastSequence int64 `json:"lastSequence"`
	// ReservedSequence is the highest sequence handed out by the reservation
	// counter. It never trails LastSequence.
	ReservedSequence int64     `json:"reservedSequence"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the material.
func (m Material) Clone() Material {
	cp := m
	cp.Metadata = CloneMetadata(m.Metadata)
	return cp
}

// Transfer is one custody handover, identified by (MaterialID, Sequence).
type Transfer struct {
	MaterialID string    `json:"materialId"`
	Sequence   int64     `json:"sequence"`
	From       Holder    `json:"from"`
	To         Holder    `json:"to"`
	Timestamp  int64     `json:"timestamp"`
	Notes      string    `json:"notes"`
	Status     Status    `json:"status"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Signer is a registered party authorised to countersign custody events.
type Signer struct {
	Pubkey    string    `json:"pubkey"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// CloneMetadata deep copies an opaque metadata map through its JSON form so
// nested maps and slices are never shared between callers.
func CloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
