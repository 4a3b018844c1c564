package core

import (
	"strings"
	"unicode"

	"custodyledger/pkg/domain"
)

// MaxMaterialIDLength keeps ids usable as a single anchor address seed.
const MaxMaterialIDLength = 32

// CreateMaterialRequest carries the fields accepted when registering a
// material. MaterialID is generated as Mat<N> when empty.
type CreateMaterialRequest struct {
	MaterialID    string         `json:"materialId,omitempty"`
	Description   string         `json:"description,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	InitialHolder string         `json:"initialHolder,omitempty"`
}

// Validate checks the request schema.
func (r CreateMaterialRequest) Validate() error {
	if r.MaterialID == "" {
		return nil
	}
	return validateMaterialID(r.MaterialID)
}

// RecordTransferRequest carries one custody handover. Timestamp defaults to
// the current unix time and Status to In-Transit.
type RecordTransferRequest struct {
	MaterialID string        `json:"materialId"`
	From       domain.Holder `json:"from"`
	To         domain.Holder `json:"to"`
	Timestamp  *int64        `json:"timestamp,omitempty"`
	Notes      string        `json:"notes,omitempty"`
	Status     domain.Status `json:"status,omitempty"`
}

// Normalize applies documented defaults and validates the request.
func (r RecordTransferRequest) Normalize(nowUnix int64) (RecordTransferRequest, error) {
	if strings.TrimSpace(r.MaterialID) == "" {
		return r, domain.InvalidRequest(domain.EntityTransfer, "", "materialId is required")
	}
	if strings.TrimSpace(r.To.Name) == "" {
		return r, domain.InvalidRequest(domain.EntityTransfer, r.MaterialID, "to.name is required")
	}
	if r.Status == "" {
		r.Status = domain.StatusInTransit
	}
	if !r.Status.TransferStatus() {
		return r, domain.InvalidRequest(domain.EntityTransfer, r.MaterialID, "status %q is not a transfer status", r.Status)
	}
	if r.Timestamp == nil {
		ts := nowUnix
		r.Timestamp = &ts
	} else if *r.Timestamp < 0 {
		return r, domain.InvalidRequest(domain.EntityTransfer, r.MaterialID, "timestamp must not be negative")
	}
	if err := validateLocation(r.MaterialID, "from", r.From.Location); err != nil {
		return r, err
	}
	if err := validateLocation(r.MaterialID, "to", r.To.Location); err != nil {
		return r, err
	}
	return r, nil
}

func validateMaterialID(id string) error {
	if len(id) > MaxMaterialIDLength {
		return domain.InvalidRequest(domain.EntityMaterial, id, "materialId longer than %d bytes", MaxMaterialIDLength)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || r == '/' || !unicode.IsPrint(r) {
			return domain.InvalidRequest(domain.EntityMaterial, id, "materialId contains %q", r)
		}
	}
	return nil
}

func validateLocation(materialID, field string, loc domain.Location) error {
	if loc.Lat < -90 || loc.Lat > 90 || loc.Lng < -180 || loc.Lng > 180 {
		return domain.InvalidRequest(domain.EntityTransfer, materialID, "%s.location out of range", field)
	}
	return nil
}
