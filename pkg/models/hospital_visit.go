package models

import (
	"time"

	"github.com/google/uuid"
)

// HospitalVisit is an encounter keyed by its visit number.
type HospitalVisit struct {
	Temporal
	Encounter            string     `json:"encounter"`
	MrnID                uuid.UUID  `json:"mrn_id"`
	PatientClass         *string    `json:"patient_class,omitempty"`
	ArrivalMethod        *string    `json:"arrival_method,omitempty"`
	PresentationTime     *time.Time `json:"presentation_time,omitempty"`
	AdmissionTime        *time.Time `json:"admission_time,omitempty"`
	DischargeTime        *time.Time `json:"discharge_time,omitempty"`
	DischargeDisposition *string    `json:"discharge_disposition,omitempty"`
	DischargeDestination *string    `json:"discharge_destination,omitempty"`
}

func (v *HospitalVisit) Family() string { return FamilyHospitalVisit }

func (v *HospitalVisit) Clone() *HospitalVisit {
	out := *v
	out.PatientClass = clonePtr(v.PatientClass)
	out.ArrivalMethod = clonePtr(v.ArrivalMethod)
	out.PresentationTime = clonePtr(v.PresentationTime)
	out.AdmissionTime = clonePtr(v.AdmissionTime)
	out.DischargeTime = clonePtr(v.DischargeTime)
	out.DischargeDisposition = clonePtr(v.DischargeDisposition)
	out.DischargeDestination = clonePtr(v.DischargeDestination)
	return &out
}
