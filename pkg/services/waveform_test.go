package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

func waveformEvent(source string, recordedAt time.Time, wf models.WaveformDetails) *models.Event {
	return &models.Event{
		Kind:         models.EventWaveform,
		SourceSystem: source,
		RecordedAt:   recordedAt,
		Waveform:     &wf,
	}
}

func ecgSegment(visitNumber string, start time.Time, values ...float64) models.WaveformDetails {
	return models.WaveformDetails{
		StreamID:        "27",
		StreamName:      models.Ptr("ECG lead II"),
		SourceLocation:  "UCHT03ICURM08",
		MappedLocation:  models.Ptr("T03^T03 08^BY08-36"),
		VisitNumber:     visitNumber,
		ObservationTime: start,
		SamplingRate:    300,
		Values:          values,
		Unit:            models.Known("mV"),
	}
}

func streamKey(id string) models.ObservationTypeKey {
	return models.ObservationTypeKey{IDInApplication: models.Ptr(id), SourceObservationType: models.SourceObservationTypeWaveform}
}

func (e *testEnv) waveforms(t *testing.T, streamID string) []*models.Waveform {
	t.Helper()
	observationType := e.observationType(t, streamKey(streamID))
	var out []*models.Waveform
	e.read(t, func(ctx context.Context) {
		var err error
		out, err = e.repos.Waveforms.FindAllByTypeID(ctx, observationType.ID)
		require.NoError(t, err)
	})
	return out
}

func TestObservationService_Waveform(t *testing.T) {
	env := newTestEnv(t)

	// The monitor records before anyone is admitted to the bed.
	require.NoError(t, env.process(waveformEvent(untrustedSource, t0, ecgSegment("1001", t0, 0.1, 0.2, 0.3))))

	streamType := env.observationType(t, streamKey("27"))
	assert.Equal(t, "ECG lead II", *streamType.Name)
	assert.Nil(t, streamType.InterfaceID)

	waveforms := env.waveforms(t, "27")
	require.Len(t, waveforms, 1)
	first := waveforms[0]
	assert.Equal(t, "UCHT03ICURM08", first.SourceLocation)
	assert.Equal(t, "T03^T03 08^BY08-36", *first.MappedLocation)
	assert.Equal(t, int64(300), first.SamplingRate)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, first.Values)
	assert.Equal(t, "mV", *first.Unit)
	assert.Nil(t, first.HospitalVisitID)
	assert.True(t, first.EndTime().Equal(t0.Add(10*time.Millisecond)))

	env.read(t, func(ctx context.Context) {
		_, err := env.repos.Visits.FindByEncounter(ctx, "1001")
		assert.ErrorIs(t, err, apperrors.ErrNotFound, "waveforms never create visits")
	})

	// Once the visit exists the next segment is linked to it.
	require.NoError(t, env.process(admit(trustedSource, t0, "40800000", "1001", "INPATIENT")))
	next := first.EndTime()
	require.NoError(t, env.process(waveformEvent(untrustedSource, t0, ecgSegment("1001", next, 0.4, 0.5, 0.6))))

	waveforms = env.waveforms(t, "27")
	require.Len(t, waveforms, 2)
	for _, w := range waveforms {
		if w.ObservationDatetime.Equal(next) {
			require.NotNil(t, w.HospitalVisitID)
			assert.Equal(t, env.visit(t, "1001").ID, *w.HospitalVisitID)
		} else {
			assert.Nil(t, w.HospitalVisitID)
		}
	}

	assert.Equal(t, 1, env.cache.Len())
	assert.Empty(t, env.audits(models.FamilyWaveform))
}

func TestObservationService_WaveformResend(t *testing.T) {
	tests := []struct {
		name       string
		source     string
		recordedAt time.Time
		values     []float64
		wantValues []float64
		wantAudits int
	}{
		{name: "newer trusted correction", source: trustedSource, recordedAt: t1, values: []float64{1, 2}, wantValues: []float64{1, 2}, wantAudits: 1},
		{name: "identical resend", source: trustedSource, recordedAt: t1, values: []float64{0.1, 0.2}, wantValues: []float64{0.1, 0.2}},
		{name: "stale resend", source: trustedSource, recordedAt: t0.Add(-time.Minute), values: []float64{1, 2}, wantValues: []float64{0.1, 0.2}},
		{name: "untrusted correction", source: untrustedSource, recordedAt: t1, values: []float64{1, 2}, wantValues: []float64{0.1, 0.2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			require.NoError(t, env.process(waveformEvent(trustedSource, t0, ecgSegment("", t0, 0.1, 0.2))))

			require.NoError(t, env.process(waveformEvent(tt.source, tt.recordedAt, ecgSegment("", t0, tt.values...))))

			waveforms := env.waveforms(t, "27")
			require.Len(t, waveforms, 1)
			assert.Equal(t, tt.wantValues, waveforms[0].Values)
			assert.Len(t, env.audits(models.FamilyWaveform), tt.wantAudits)
		})
	}
}

func TestObservationService_WaveformKeepsKnownStreamName(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.process(metadataEvent("caboodle", t0, models.FlowsheetMeta{
		IDInApplication:       models.Ptr("27"),
		SourceObservationType: models.SourceObservationTypeWaveform,
		Name:                  models.Ptr("ECG II"),
	})))

	require.NoError(t, env.process(waveformEvent(untrustedSource, t1, ecgSegment("", t1, 0.1))))

	assert.Equal(t, "ECG II", *env.observationType(t, streamKey("27")).Name)
	assert.Len(t, env.waveforms(t, "27"), 1)
	assert.Empty(t, env.audits(models.FamilyVisitObservationType))
}

func TestObservationService_WaveformRequiredData(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(wf *models.WaveformDetails)
	}{
		{name: "no stream", mutate: func(wf *models.WaveformDetails) { wf.StreamID = "" }},
		{name: "no location", mutate: func(wf *models.WaveformDetails) { wf.SourceLocation = "" }},
		{name: "no observation time", mutate: func(wf *models.WaveformDetails) { wf.ObservationTime = time.Time{} }},
		{name: "no sampling rate", mutate: func(wf *models.WaveformDetails) { wf.SamplingRate = 0 }},
		{name: "no samples", mutate: func(wf *models.WaveformDetails) { wf.Values = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			wf := ecgSegment("", t0, 0.1)
			tt.mutate(&wf)

			err := env.process(waveformEvent(trustedSource, t0, wf))
			require.ErrorIs(t, err, apperrors.ErrRequiredDataMissing)
			assert.True(t, apperrors.IsRecoverable(err))
		})
	}

	t.Run("no waveform block", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.process(&models.Event{Kind: models.EventWaveform, SourceSystem: trustedSource, RecordedAt: t0})
		require.ErrorIs(t, err, apperrors.ErrRequiredDataMissing)
	})
}

func TestPersonService_DeletePersonInformationDetachesWaveforms(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.process(admit(trustedSource, t0, "40800000", "1001", "INPATIENT")))
	require.NoError(t, env.process(waveformEvent(untrustedSource, t0, ecgSegment("1001", t0, 0.1, 0.2))))
	visit := env.visit(t, "1001")

	require.NoError(t, env.process(adtEvent(models.EventDeletePersonInformation, trustedSource, t1, "40800000", models.AdtDetails{})))

	env.read(t, func(ctx context.Context) {
		linked, err := env.repos.Waveforms.FindAllByVisitID(ctx, visit.ID)
		require.NoError(t, err)
		assert.Empty(t, linked)
	})

	waveforms := env.waveforms(t, "27")
	require.Len(t, waveforms, 1, "the bed's recording outlives the visit")
	assert.Nil(t, waveforms[0].HospitalVisitID)
	assert.Equal(t, []float64{0.1, 0.2}, waveforms[0].Values)
	assert.Len(t, env.audits(models.FamilyWaveform), 1)
}
