//go:build integration

package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
	"github.com/ekaya-inc/ekaya-clinical/pkg/testhelpers"
)

var integrationTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func setupIntegration(t *testing.T) (*testhelpers.ClinicalDB, *Set) {
	t.Helper()
	testDB := testhelpers.GetClinicalDB(t)
	testDB.Reset(t)
	return testDB, NewPostgresSet()
}

func newMrn(mrn string) *models.Mrn {
	return &models.Mrn{
		Temporal: models.Temporal{
			ID:           uuid.New(),
			SourceSystem: "EPIC",
			ValidFrom:    integrationTime,
			StoredFrom:   integrationTime,
		},
		Mrn: mrn,
	}
}

func TestMrnRepository_FindByMrnAndAlias(t *testing.T) {
	testDB, repos := setupIntegration(t)
	ctx := context.Background()

	survivor := newMrn("40800000")
	survivor.Aliases = []string{"40800001"}
	alias := newMrn("40800001")

	require.NoError(t, testDB.DB.InTransaction(ctx, func(ctx context.Context) error {
		if err := repos.Mrns.Save(ctx, survivor); err != nil {
			return err
		}
		return repos.Mrns.Save(ctx, alias)
	}))

	require.NoError(t, testDB.DB.InTransaction(ctx, func(ctx context.Context) error {
		direct, err := repos.Mrns.FindByMrn(ctx, "40800001")
		require.NoError(t, err)
		assert.Equal(t, alias.ID, direct.ID, "a direct match wins over an alias")

		require.NoError(t, repos.Mrns.Delete(ctx, alias))

		viaAlias, err := repos.Mrns.FindByMrn(ctx, "40800001")
		require.NoError(t, err)
		assert.Equal(t, survivor.ID, viaAlias.ID)
		assert.Equal(t, []string{"40800001"}, viaAlias.Aliases)
		assert.True(t, viaAlias.ValidFrom.Equal(integrationTime))

		_, err = repos.Mrns.FindByMrn(ctx, "99999999")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
		return nil
	}))
}

func TestHospitalVisitRepository_SaveAndUpdate(t *testing.T) {
	testDB, repos := setupIntegration(t)
	ctx := context.Background()

	mrn := newMrn("40800000")
	visit := &models.HospitalVisit{
		Temporal:     mrn.Temporal,
		Encounter:    "1001",
		MrnID:        mrn.ID,
		PatientClass: models.Ptr("INPATIENT"),
	}
	visit.ID = uuid.New()

	require.NoError(t, testDB.DB.InTransaction(ctx, func(ctx context.Context) error {
		// Child first: foreign keys are checked at commit.
		if err := repos.Visits.Save(ctx, visit); err != nil {
			return err
		}
		return repos.Mrns.Save(ctx, mrn)
	}))

	visit.PatientClass = models.Ptr("OUTPATIENT")
	visit.DischargeTime = models.Ptr(integrationTime.Add(time.Hour))
	require.NoError(t, testDB.DB.InTransaction(ctx, func(ctx context.Context) error {
		return repos.Visits.Save(ctx, visit)
	}))

	require.NoError(t, testDB.DB.InTransaction(ctx, func(ctx context.Context) error {
		found, err := repos.Visits.FindByEncounter(ctx, "1001")
		require.NoError(t, err)
		assert.Equal(t, "OUTPATIENT", *found.PatientClass)
		require.NotNil(t, found.DischargeTime)
		assert.True(t, found.DischargeTime.Equal(integrationTime.Add(time.Hour)))

		all, err := repos.Visits.FindAllByMrnID(ctx, mrn.ID)
		require.NoError(t, err)
		assert.Len(t, all, 1)
		return nil
	}))
}

func TestTransaction_RollbackDiscardsWrites(t *testing.T) {
	testDB, repos := setupIntegration(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := testDB.DB.InTransaction(ctx, func(ctx context.Context) error {
		if err := repos.Mrns.Save(ctx, newMrn("40800000")); err != nil {
			return err
		}
		// Nested calls join the outer transaction.
		return testDB.DB.InTransaction(ctx, func(ctx context.Context) error {
			return boom
		})
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, testDB.DB.InTransaction(ctx, func(ctx context.Context) error {
		_, err := repos.Mrns.FindByMrn(ctx, "40800000")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
		return nil
	}))
}

func TestAuditRepository_CreateAndGetByEntity(t *testing.T) {
	testDB, repos := setupIntegration(t)
	ctx := context.Background()

	mrn := newMrn("40800000")
	mrn.NhsNumber = models.Ptr("9434765919")
	entry, err := models.NewAuditEntry(mrn, integrationTime.Add(time.Hour), integrationTime.Add(2*time.Hour))
	require.NoError(t, err)

	require.NoError(t, testDB.DB.InTransaction(ctx, func(ctx context.Context) error {
		return repos.Audit.Create(ctx, entry)
	}))

	require.NoError(t, testDB.DB.InTransaction(ctx, func(ctx context.Context) error {
		entries, err := repos.Audit.GetByEntity(ctx, models.FamilyMrn, mrn.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.True(t, entries[0].ValidUntil.Equal(integrationTime.Add(time.Hour)))
		assert.True(t, entries[0].StoredUntil.Equal(integrationTime.Add(2*time.Hour)))

		snapshot, err := models.DecodeSnapshot[models.Mrn](entries[0])
		require.NoError(t, err)
		assert.Equal(t, "9434765919", *snapshot.NhsNumber)
		return nil
	}))
}

func TestCheckpointRepository_GetAndSave(t *testing.T) {
	testDB, repos := setupIntegration(t)
	ctx := context.Background()

	require.NoError(t, testDB.DB.InTransaction(ctx, func(ctx context.Context) error {
		_, err := repos.Checkpoints.Get(ctx)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)

		cp := models.NewCheckpoint(integrationTime)
		if err := repos.Checkpoints.Save(ctx, cp); err != nil {
			return err
		}
		cp.Advance(7, 2, false, &integrationTime, integrationTime.Add(time.Minute))
		return repos.Checkpoints.Save(ctx, cp)
	}))

	require.NoError(t, testDB.DB.InTransaction(ctx, func(ctx context.Context) error {
		cp, err := repos.Checkpoints.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(7), cp.LastProcessedSequenceID)
		assert.Equal(t, 2, cp.LastProcessedEventIndex)
		assert.False(t, cp.RecordComplete)
		require.NotNil(t, cp.LastProcessedEventTime)
		assert.True(t, cp.LastProcessedEventTime.Equal(integrationTime))
		return nil
	}))
}

func TestPostgresSourceRepository_Next(t *testing.T) {
	testDB, repos := setupIntegration(t)
	ctx := context.Background()

	_, err := testDB.DB.Exec(ctx, `
		INSERT INTO source_records (message_time, content_type, payload)
		VALUES ($1, 'application/json', $2), ($1, 'application/yaml', $3)`,
		integrationTime, []byte(`{"events":[]}`), []byte("events: []\n"))
	require.NoError(t, err)

	source := NewPostgresSourceRepository(testDB.DB.Pool, "source_records")

	first, err := source.Next(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.SequenceID)
	assert.Equal(t, "application/json", first.ContentType)

	second, err := source.Next(ctx, first.SequenceID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.SequenceID)
	assert.Equal(t, "events: []\n", string(second.Payload))

	_, err = source.Next(ctx, second.SequenceID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, testDB.DB.InTransaction(ctx, func(ctx context.Context) error {
		return repos.SkippedRecords.Create(ctx, &models.SkippedRecord{
			SequenceID: 1,
			Reason:     "unparseable",
			Payload:    first.Payload,
			SkippedAt:  integrationTime,
		})
	}))
}

func TestWaveformRepository_SaveFindAndUniqueKey(t *testing.T) {
	testDB, repos := setupIntegration(t)
	ctx := context.Background()

	meta := models.Temporal{SourceSystem: "monitor", ValidFrom: integrationTime, StoredFrom: integrationTime}
	streamType := &models.VisitObservationType{
		Temporal:              meta,
		IDInApplication:       models.Ptr("27"),
		SourceObservationType: models.SourceObservationTypeWaveform,
	}
	streamType.ID = uuid.New()
	waveform := &models.Waveform{
		Temporal:               meta,
		VisitObservationTypeID: streamType.ID,
		SourceLocation:         "UCHT03ICURM08",
		ObservationDatetime:    integrationTime,
		SamplingRate:           300,
		Values:                 []float64{0.1, 0.2, 0.3},
		Unit:                   models.Ptr("mV"),
	}
	waveform.ID = uuid.New()

	require.NoError(t, testDB.DB.InTransaction(ctx, func(ctx context.Context) error {
		if err := repos.ObservationTypes.Save(ctx, streamType); err != nil {
			return err
		}
		return repos.Waveforms.Save(ctx, waveform)
	}))

	require.NoError(t, testDB.DB.InTransaction(ctx, func(ctx context.Context) error {
		found, err := repos.Waveforms.FindByKey(ctx, streamType.ID, "UCHT03ICURM08", integrationTime)
		require.NoError(t, err)
		assert.Equal(t, waveform.ID, found.ID)
		assert.Equal(t, []float64{0.1, 0.2, 0.3}, found.Values)
		assert.Nil(t, found.HospitalVisitID)

		all, err := repos.Waveforms.FindAllByTypeID(ctx, streamType.ID)
		require.NoError(t, err)
		assert.Len(t, all, 1)
		return nil
	}))

	duplicate := waveform.Clone()
	duplicate.ID = uuid.New()
	err := testDB.DB.InTransaction(ctx, func(ctx context.Context) error {
		return repos.Waveforms.Save(ctx, duplicate)
	})
	require.ErrorIs(t, err, apperrors.ErrConflict)
}
