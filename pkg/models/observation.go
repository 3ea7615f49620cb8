package models

import (
	"time"

	"github.com/google/uuid"
)

// Observation value types.
const (
	ValueTypeNumeric = "numeric"
	ValueTypeText    = "text"
	ValueTypeDate    = "date"
)

// VisitObservationType describes a kind of flowsheet row. Rows created from
// the live interface only carry InterfaceID; rows created from the reporting
// database only carry IDInApplication. A mapping event merges the two.
type VisitObservationType struct {
	Temporal
	InterfaceID           *string    `json:"interface_id,omitempty"`
	IDInApplication       *string    `json:"id_in_application,omitempty"`
	SourceObservationType string     `json:"source_observation_type"`
	Name                  *string    `json:"name,omitempty"`
	DisplayName           *string    `json:"display_name,omitempty"`
	Description           *string    `json:"description,omitempty"`
	PrimaryDataType       *string    `json:"primary_data_type,omitempty"`
	CreationTime          *time.Time `json:"creation_time,omitempty"`
}

func (t *VisitObservationType) Family() string { return FamilyVisitObservationType }

func (t *VisitObservationType) Clone() *VisitObservationType {
	out := *t
	out.InterfaceID = clonePtr(t.InterfaceID)
	out.IDInApplication = clonePtr(t.IDInApplication)
	out.Name = clonePtr(t.Name)
	out.DisplayName = clonePtr(t.DisplayName)
	out.Description = clonePtr(t.Description)
	out.PrimaryDataType = clonePtr(t.PrimaryDataType)
	out.CreationTime = clonePtr(t.CreationTime)
	return &out
}

// ObservationTypeKey is the composite lookup key of a VisitObservationType.
// A nil identifier is a wildcard, so a key with only InterfaceID also finds a
// merged row that carries both identifiers.
type ObservationTypeKey struct {
	InterfaceID           *string
	IDInApplication       *string
	SourceObservationType string
}

// Matches reports whether t is found by k.
func (k ObservationTypeKey) Matches(t *VisitObservationType) bool {
	if t.SourceObservationType != k.SourceObservationType {
		return false
	}
	if k.InterfaceID == nil && k.IDInApplication == nil {
		return false
	}
	if k.InterfaceID != nil && (t.InterfaceID == nil || *t.InterfaceID != *k.InterfaceID) {
		return false
	}
	if k.IDInApplication != nil && (t.IDInApplication == nil || *t.IDInApplication != *k.IDInApplication) {
		return false
	}
	return true
}

// CacheKey flattens the key for map lookups.
func (k ObservationTypeKey) CacheKey() string {
	return deref(k.InterfaceID) + "\x00" + deref(k.IDInApplication) + "\x00" + k.SourceObservationType
}

// VisitObservation is one flowsheet value recorded for a visit.
type VisitObservation struct {
	Temporal
	HospitalVisitID        uuid.UUID  `json:"hospital_visit_id"`
	VisitObservationTypeID uuid.UUID  `json:"visit_observation_type_id"`
	ObservationDatetime    time.Time  `json:"observation_datetime"`
	ValueAsNumber          *float64   `json:"value_as_number,omitempty"`
	ValueAsText            *string    `json:"value_as_text,omitempty"`
	ValueAsDate            *time.Time `json:"value_as_date,omitempty"`
	Unit                   *string    `json:"unit,omitempty"`
	Comment                *string    `json:"comment,omitempty"`
}

func (o *VisitObservation) Family() string { return FamilyVisitObservation }

func (o *VisitObservation) Clone() *VisitObservation {
	out := *o
	out.ValueAsNumber = clonePtr(o.ValueAsNumber)
	out.ValueAsText = clonePtr(o.ValueAsText)
	out.ValueAsDate = clonePtr(o.ValueAsDate)
	out.Unit = clonePtr(o.Unit)
	out.Comment = clonePtr(o.Comment)
	return &out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
