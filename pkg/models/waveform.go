package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// SourceObservationTypeWaveform tags observation types created for monitor streams.
const SourceObservationTypeWaveform = "waveform"

// Waveform is one segment of evenly spaced samples from a monitor stream at a
// bed location. The first sample is taken at ObservationDatetime.
type Waveform struct {
	Temporal
	VisitObservationTypeID uuid.UUID  `json:"visit_observation_type_id"`
	HospitalVisitID        *uuid.UUID `json:"hospital_visit_id,omitempty"`
	SourceLocation         string     `json:"source_location"`
	MappedLocation         *string    `json:"mapped_location,omitempty"`
	ObservationDatetime    time.Time  `json:"observation_datetime"`
	SamplingRate           int64      `json:"sampling_rate"`
	Values                 []float64  `json:"values"`
	Unit                   *string    `json:"unit,omitempty"`
}

func (w *Waveform) Family() string { return FamilyWaveform }

func (w *Waveform) Clone() *Waveform {
	out := *w
	out.HospitalVisitID = clonePtr(w.HospitalVisitID)
	out.MappedLocation = clonePtr(w.MappedLocation)
	out.Values = slices.Clone(w.Values)
	out.Unit = clonePtr(w.Unit)
	return &out
}

// EndTime is when the segment's last sample period ends.
func (w *Waveform) EndTime() time.Time {
	if w.SamplingRate <= 0 {
		return w.ObservationDatetime
	}
	return w.ObservationDatetime.Add(time.Duration(int64(len(w.Values)) * int64(time.Second) / w.SamplingRate))
}
