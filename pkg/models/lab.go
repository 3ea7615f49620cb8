package models

import (
	"time"

	"github.com/google/uuid"
)

// LabNumber is a specimen identifier for one patient. SpecimenType is fixed at
// creation; a later event disagreeing with it is an inconsistency, not an update.
type LabNumber struct {
	Temporal
	MrnID             uuid.UUID  `json:"mrn_id"`
	HospitalVisitID   *uuid.UUID `json:"hospital_visit_id,omitempty"`
	InternalLabNumber string     `json:"internal_lab_number"`
	ExternalLabNumber string     `json:"external_lab_number"`
	SpecimenType      string     `json:"specimen_type"`
}

func (l *LabNumber) Family() string { return FamilyLabNumber }

func (l *LabNumber) Clone() *LabNumber {
	out := *l
	out.HospitalVisitID = clonePtr(l.HospitalVisitID)
	return &out
}

// LabTestDefinition describes one test as coded by a lab provider.
type LabTestDefinition struct {
	Temporal
	LabProvider   string  `json:"lab_provider"`
	LabDepartment string  `json:"lab_department"`
	TestLabCode   string  `json:"test_lab_code"`
	Name          *string `json:"name,omitempty"`
}

func (d *LabTestDefinition) Family() string { return FamilyLabTestDefinition }

func (d *LabTestDefinition) Clone() *LabTestDefinition {
	out := *d
	out.Name = clonePtr(d.Name)
	return &out
}

// LabBatteryElement links a battery code to one of the tests it contains.
type LabBatteryElement struct {
	Temporal
	BatteryCode         string    `json:"battery_code"`
	LabTestDefinitionID uuid.UUID `json:"lab_test_definition_id"`
	LabProvider         string    `json:"lab_provider"`
}

func (e *LabBatteryElement) Family() string { return FamilyLabBatteryElement }

func (e *LabBatteryElement) Clone() *LabBatteryElement {
	out := *e
	return &out
}

// LabOrder is one battery element ordered against a lab number.
type LabOrder struct {
	Temporal
	LabBatteryElementID uuid.UUID  `json:"lab_battery_element_id"`
	LabNumberID         uuid.UUID  `json:"lab_number_id"`
	OrderDatetime       time.Time  `json:"order_datetime"`
	RequestDatetime     *time.Time `json:"request_datetime,omitempty"`
	SampleDatetime      *time.Time `json:"sample_datetime,omitempty"`
	ClinicalInformation *string    `json:"clinical_information,omitempty"`
}

func (o *LabOrder) Family() string { return FamilyLabOrder }

func (o *LabOrder) Clone() *LabOrder {
	out := *o
	out.RequestDatetime = clonePtr(o.RequestDatetime)
	out.SampleDatetime = clonePtr(o.SampleDatetime)
	out.ClinicalInformation = clonePtr(o.ClinicalInformation)
	return &out
}

// LabResult is the value reported for one test of an order.
type LabResult struct {
	Temporal
	LabOrderID          uuid.UUID `json:"lab_order_id"`
	LabTestDefinitionID uuid.UUID `json:"lab_test_definition_id"`
	ValueAsNumber       *float64  `json:"value_as_number,omitempty"`
	ValueAsText         *string   `json:"value_as_text,omitempty"`
	Units               *string   `json:"units,omitempty"`
	AbnormalFlag        *string   `json:"abnormal_flag,omitempty"`
	ResultStatus        *string   `json:"result_status,omitempty"`
	ResultLastModified  time.Time `json:"result_last_modified"`
}

func (r *LabResult) Family() string { return FamilyLabResult }

func (r *LabResult) Clone() *LabResult {
	out := *r
	out.ValueAsNumber = clonePtr(r.ValueAsNumber)
	out.ValueAsText = clonePtr(r.ValueAsText)
	out.Units = clonePtr(r.Units)
	out.AbnormalFlag = clonePtr(r.AbnormalFlag)
	out.ResultStatus = clonePtr(r.ResultStatus)
	return &out
}

// LabNumberKey is the business key of a LabNumber. A nil visit is part of the
// key: a specimen filed without a visit is distinct from one filed with one.
type LabNumberKey struct {
	MrnID             uuid.UUID
	HospitalVisitID   *uuid.UUID
	InternalLabNumber string
	ExternalLabNumber string
}

// Matches reports whether l is identified by k.
func (k LabNumberKey) Matches(l *LabNumber) bool {
	if l.MrnID != k.MrnID || l.InternalLabNumber != k.InternalLabNumber || l.ExternalLabNumber != k.ExternalLabNumber {
		return false
	}
	if k.HospitalVisitID == nil || l.HospitalVisitID == nil {
		return k.HospitalVisitID == nil && l.HospitalVisitID == nil
	}
	return *k.HospitalVisitID == *l.HospitalVisitID
}
