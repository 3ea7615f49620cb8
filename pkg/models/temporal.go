// Package models contains domain types for ekaya-clinical.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit family names. One per entity family; stored on every audit row.
const (
	FamilyMrn                  = "mrn"
	FamilyHospitalVisit        = "hospital_visit"
	FamilyLabNumber            = "lab_number"
	FamilyLabTestDefinition    = "lab_test_definition"
	FamilyLabBatteryElement    = "lab_battery_element"
	FamilyLabOrder             = "lab_order"
	FamilyLabResult            = "lab_result"
	FamilyVisitObservationType = "visit_observation_type"
	FamilyVisitObservation     = "visit_observation"
	FamilyWaveform             = "waveform"
)

// Temporal holds the surrogate id and bitemporal columns shared by every
// current-state entity. ValidFrom and StoredFrom describe the entity's creation
// and are never moved by later updates.
type Temporal struct {
	ID           uuid.UUID `json:"id"`
	SourceSystem string    `json:"source_system"`
	ValidFrom    time.Time `json:"valid_from"`
	StoredFrom   time.Time `json:"stored_from"`
}

// Meta returns the bitemporal header. Promoted onto every entity that embeds Temporal.
func (t *Temporal) Meta() *Temporal {
	return t
}

// Entity is implemented by the pointer type of every current-state family.
type Entity[E any] interface {
	Meta() *Temporal
	// Clone returns a deep value copy. Mutating the copy must never affect the original.
	Clone() E
	Family() string
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
