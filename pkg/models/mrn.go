package models

import "slices"

// Mrn is a patient identity keyed by medical record number. Aliases holds
// record numbers retired into this one by patient merges, so lookups by a
// retired number still land here.
type Mrn struct {
	Temporal
	Mrn       string   `json:"mrn"`
	NhsNumber *string  `json:"nhs_number,omitempty"`
	Aliases   []string `json:"aliases,omitempty"`
}

func (m *Mrn) Family() string { return FamilyMrn }

func (m *Mrn) Clone() *Mrn {
	out := *m
	out.NhsNumber = clonePtr(m.NhsNumber)
	out.Aliases = slices.Clone(m.Aliases)
	return &out
}

// Answers reports whether mrn names this record, directly or by alias.
func (m *Mrn) Answers(mrn string) bool {
	return m.Mrn == mrn || slices.Contains(m.Aliases, mrn)
}
