package models

import (
	"fmt"
	"time"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
)

// EventKind tags the variant carried by an Event.
type EventKind string

const (
	EventRegisterPatient         EventKind = "register_patient"
	EventAdmitPatient            EventKind = "admit_patient"
	EventDischargePatient        EventKind = "discharge_patient"
	EventCancelDischarge         EventKind = "cancel_discharge"
	EventCancelAdmit             EventKind = "cancel_admit"
	EventUpdatePatientInfo       EventKind = "update_patient_info"
	EventMergePatient            EventKind = "merge_patient"
	EventMoveVisit               EventKind = "move_visit"
	EventDeletePersonInformation EventKind = "delete_person_information"
	EventLabOrder                EventKind = "lab_order"
	EventFlowsheet               EventKind = "flowsheet"
	EventFlowsheetMetadata       EventKind = "flowsheet_metadata"
	EventWaveform                EventKind = "waveform"
)

// IsADT reports whether the kind carries patient administration details.
func (k EventKind) IsADT() bool {
	switch k {
	case EventRegisterPatient, EventAdmitPatient, EventDischargePatient, EventCancelDischarge,
		EventCancelAdmit, EventUpdatePatientInfo, EventMergePatient, EventMoveVisit,
		EventDeletePersonInformation:
		return true
	default:
		return false
	}
}

// IsValid returns true if the kind is one the processor knows how to handle.
func (k EventKind) IsValid() bool {
	switch k {
	case EventLabOrder, EventFlowsheet, EventFlowsheetMetadata, EventWaveform:
		return true
	default:
		return k.IsADT()
	}
}

// Event is one normalized clinical update. Kind selects which of the detail
// pointers is populated.
type Event struct {
	Kind         EventKind  `json:"kind" yaml:"kind"`
	SourceSystem string     `json:"source_system" yaml:"source_system"`
	RecordedAt   time.Time  `json:"recorded_at" yaml:"recorded_at"`
	OccurredAt   *time.Time `json:"occurred_at,omitempty" yaml:"occurred_at,omitempty"`

	Patient           *PatientIdentity  `json:"patient,omitempty" yaml:"patient,omitempty"`
	Adt               *AdtDetails       `json:"adt,omitempty" yaml:"adt,omitempty"`
	Lab               *LabOrderDetails  `json:"lab,omitempty" yaml:"lab,omitempty"`
	Flowsheet         *FlowsheetDetails `json:"flowsheet,omitempty" yaml:"flowsheet,omitempty"`
	FlowsheetMetadata *FlowsheetMeta    `json:"flowsheet_metadata,omitempty" yaml:"flowsheet_metadata,omitempty"`
	Waveform          *WaveformDetails  `json:"waveform,omitempty" yaml:"waveform,omitempty"`
}

// EventTime is when the event became true in the real world: the occurred
// time when the source gives one, otherwise the time it was recorded.
func (e *Event) EventTime() time.Time {
	if e.OccurredAt != nil && !e.OccurredAt.IsZero() {
		return *e.OccurredAt
	}
	return e.RecordedAt
}

// PatientIdentity identifies the patient an event is about.
type PatientIdentity struct {
	Mrn       string        `json:"mrn" yaml:"mrn"`
	NhsNumber Value[string] `json:"nhs_number" yaml:"nhs_number"`
}

// AdtDetails carries patient administration fields.
type AdtDetails struct {
	VisitNumber      string           `json:"visit_number" yaml:"visit_number"`
	PatientClass     Value[string]    `json:"patient_class" yaml:"patient_class"`
	ArrivalMethod    Value[string]    `json:"arrival_method" yaml:"arrival_method"`
	PresentationTime Value[time.Time] `json:"presentation_time" yaml:"presentation_time"`
	AdmissionTime    Value[time.Time] `json:"admission_time" yaml:"admission_time"`

	DischargeTime        *time.Time `json:"discharge_time,omitempty" yaml:"discharge_time,omitempty"`
	DischargeDisposition *string    `json:"discharge_disposition,omitempty" yaml:"discharge_disposition,omitempty"`
	DischargeDestination *string    `json:"discharge_destination,omitempty" yaml:"discharge_destination,omitempty"`

	// CancelledAt is when a cancelled admission or discharge stopped being true.
	CancelledAt *time.Time `json:"cancelled_at,omitempty" yaml:"cancelled_at,omitempty"`

	// Move visit: the identifiers the encounter was previously filed under.
	PreviousVisitNumber string `json:"previous_visit_number,omitempty" yaml:"previous_visit_number,omitempty"`
	PreviousMrn         string `json:"previous_mrn,omitempty" yaml:"previous_mrn,omitempty"`

	// Merge patient: the record number retired into Patient.Mrn.
	RetiredMrn string `json:"retired_mrn,omitempty" yaml:"retired_mrn,omitempty"`
}

// LabOrderDetails carries one lab order and any results reported with it.
type LabOrderDetails struct {
	VisitNumber         string           `json:"visit_number,omitempty" yaml:"visit_number,omitempty"`
	InternalLabNumber   string           `json:"internal_lab_number" yaml:"internal_lab_number"`
	ExternalLabNumber   string           `json:"external_lab_number" yaml:"external_lab_number"`
	SpecimenType        string           `json:"specimen_type" yaml:"specimen_type"`
	LabProvider         string           `json:"lab_provider" yaml:"lab_provider"`
	LabDepartment       string           `json:"lab_department" yaml:"lab_department"`
	BatteryCode         string           `json:"battery_code" yaml:"battery_code"`
	OrderDatetime       time.Time        `json:"order_datetime" yaml:"order_datetime"`
	RequestDatetime     Value[time.Time] `json:"request_datetime" yaml:"request_datetime"`
	SampleDatetime      Value[time.Time] `json:"sample_datetime" yaml:"sample_datetime"`
	ClinicalInformation Value[string]    `json:"clinical_information" yaml:"clinical_information"`
	Results             []LabResultItem  `json:"results,omitempty" yaml:"results,omitempty"`
}

// LabResultItem is one test result within a lab order.
type LabResultItem struct {
	TestLabCode   string         `json:"test_lab_code" yaml:"test_lab_code"`
	TestName      Value[string]  `json:"test_name" yaml:"test_name"`
	ValueAsNumber Value[float64] `json:"value_as_number" yaml:"value_as_number"`
	ValueAsText   Value[string]  `json:"value_as_text" yaml:"value_as_text"`
	Units         Value[string]  `json:"units" yaml:"units"`
	AbnormalFlag  Value[string]  `json:"abnormal_flag" yaml:"abnormal_flag"`
	ResultStatus  Value[string]  `json:"result_status" yaml:"result_status"`
	ResultTime    *time.Time     `json:"result_time,omitempty" yaml:"result_time,omitempty"`
}

// FlowsheetDetails carries one flowsheet value for a visit.
type FlowsheetDetails struct {
	VisitNumber           string           `json:"visit_number" yaml:"visit_number"`
	InterfaceID           *string          `json:"interface_id,omitempty" yaml:"interface_id,omitempty"`
	IDInApplication       *string          `json:"id_in_application,omitempty" yaml:"id_in_application,omitempty"`
	SourceObservationType string           `json:"source_observation_type" yaml:"source_observation_type"`
	ObservationTime       time.Time        `json:"observation_time" yaml:"observation_time"`
	ValueType             string           `json:"value_type" yaml:"value_type"`
	NumericValue          Value[float64]   `json:"numeric_value" yaml:"numeric_value"`
	StringValue           Value[string]    `json:"string_value" yaml:"string_value"`
	DateValue             Value[time.Time] `json:"date_value" yaml:"date_value"`
	Unit                  Value[string]    `json:"unit" yaml:"unit"`
	Comment               Value[string]    `json:"comment" yaml:"comment"`
}

// FlowsheetMeta carries observation type metadata. When both identifiers are
// present the event also maps them onto one another.
type FlowsheetMeta struct {
	InterfaceID           *string    `json:"interface_id,omitempty" yaml:"interface_id,omitempty"`
	IDInApplication       *string    `json:"id_in_application,omitempty" yaml:"id_in_application,omitempty"`
	SourceObservationType string     `json:"source_observation_type" yaml:"source_observation_type"`
	Name                  *string    `json:"name,omitempty" yaml:"name,omitempty"`
	DisplayName           *string    `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Description           *string    `json:"description,omitempty" yaml:"description,omitempty"`
	ValueType             *string    `json:"value_type,omitempty" yaml:"value_type,omitempty"`
	CreationTime          *time.Time `json:"creation_time,omitempty" yaml:"creation_time,omitempty"`
}

// IsMapping reports whether the metadata links an interface id to an application id.
func (m *FlowsheetMeta) IsMapping() bool {
	return m.InterfaceID != nil && m.IDInApplication != nil
}

// WaveformDetails carries one segment of samples from a bedside monitor
// stream. Waveforms are keyed by location; the visit is optional.
type WaveformDetails struct {
	StreamID        string        `json:"stream_id" yaml:"stream_id"`
	StreamName      *string       `json:"stream_name,omitempty" yaml:"stream_name,omitempty"`
	SourceLocation  string        `json:"source_location" yaml:"source_location"`
	MappedLocation  *string       `json:"mapped_location,omitempty" yaml:"mapped_location,omitempty"`
	VisitNumber     string        `json:"visit_number,omitempty" yaml:"visit_number,omitempty"`
	ObservationTime time.Time     `json:"observation_time" yaml:"observation_time"`
	SamplingRate    int64         `json:"sampling_rate" yaml:"sampling_rate"`
	Values          []float64     `json:"values" yaml:"values"`
	Unit            Value[string] `json:"unit" yaml:"unit"`
}

// Validate checks that the detail block required by Kind is present.
// Missing blocks are reported as ErrRequiredDataMissing.
func (e *Event) Validate() error {
	if !e.Kind.IsValid() {
		return fmt.Errorf("unknown event kind %q: %w", e.Kind, apperrors.ErrUnparseable)
	}
	if e.RecordedAt.IsZero() {
		return fmt.Errorf("%s event has no recorded time: %w", e.Kind, apperrors.ErrRequiredDataMissing)
	}

	switch {
	case e.Kind.IsADT():
		if e.Patient == nil || e.Patient.Mrn == "" {
			return fmt.Errorf("%s event has no patient: %w", e.Kind, apperrors.ErrRequiredDataMissing)
		}
		if e.Adt == nil {
			return fmt.Errorf("%s event has no adt details: %w", e.Kind, apperrors.ErrRequiredDataMissing)
		}
	case e.Kind == EventLabOrder:
		if e.Patient == nil || e.Patient.Mrn == "" || e.Lab == nil {
			return fmt.Errorf("lab order event is incomplete: %w", apperrors.ErrRequiredDataMissing)
		}
	case e.Kind == EventFlowsheet:
		if e.Patient == nil || e.Patient.Mrn == "" || e.Flowsheet == nil {
			return fmt.Errorf("flowsheet event is incomplete: %w", apperrors.ErrRequiredDataMissing)
		}
	case e.Kind == EventFlowsheetMetadata:
		if e.FlowsheetMetadata == nil {
			return fmt.Errorf("flowsheet metadata event is incomplete: %w", apperrors.ErrRequiredDataMissing)
		}
	case e.Kind == EventWaveform:
		if e.Waveform == nil {
			return fmt.Errorf("waveform event is incomplete: %w", apperrors.ErrRequiredDataMissing)
		}
	}
	return nil
}
