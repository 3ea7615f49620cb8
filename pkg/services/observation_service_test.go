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

func temperature(interfaceID string, observedAt time.Time, value float64) models.FlowsheetDetails {
	return models.FlowsheetDetails{
		VisitNumber:     "1001",
		InterfaceID:     models.Ptr(interfaceID),
		ObservationTime: observedAt,
		ValueType:       models.ValueTypeNumeric,
		NumericValue:    models.Known(value),
		Unit:            models.Known("C"),
	}
}

func interfaceKey(id string) models.ObservationTypeKey {
	return models.ObservationTypeKey{InterfaceID: models.Ptr(id), SourceObservationType: "flowsheet"}
}

func applicationKey(id string) models.ObservationTypeKey {
	return models.ObservationTypeKey{IDInApplication: models.Ptr(id), SourceObservationType: "flowsheet"}
}

func (e *testEnv) observations(t *testing.T, typeID models.ObservationTypeKey) []*models.VisitObservation {
	t.Helper()
	observationType := e.observationType(t, typeID)
	var out []*models.VisitObservation
	e.read(t, func(ctx context.Context) {
		var err error
		out, err = e.repos.Observations.FindAllByTypeID(ctx, observationType.ID)
		require.NoError(t, err)
	})
	return out
}

func TestObservationService_FlowsheetValues(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.process(flowsheetEvent(trustedSource, t0, "40800000", temperature("5", t0, 36.6))))
	assert.Equal(t, 1, env.cache.Len())

	observations := env.observations(t, interfaceKey("5"))
	require.Len(t, observations, 1)
	assert.InDelta(t, 36.6, *observations[0].ValueAsNumber, 0.001)
	assert.Equal(t, "C", *observations[0].Unit)
	assert.Equal(t, env.visit(t, "1001").ID, observations[0].HospitalVisitID)

	// Newer correction of the same reading.
	require.NoError(t, env.process(flowsheetEvent(trustedSource, t1, "40800000", temperature("5", t0, 37.1))))
	// Stale resend is skipped.
	require.NoError(t, env.process(flowsheetEvent(trustedSource, t0.Add(-time.Minute), "40800000", temperature("5", t0, 35.0))))
	// Untrusted update is skipped.
	require.NoError(t, env.process(flowsheetEvent(untrustedSource, t2, "40800000", temperature("5", t0, 39.0))))

	observations = env.observations(t, interfaceKey("5"))
	require.Len(t, observations, 1)
	assert.InDelta(t, 37.1, *observations[0].ValueAsNumber, 0.001)
	assert.Len(t, env.audits(models.FamilyVisitObservation), 1)
	assert.Equal(t, 1, env.cache.Len())
}

func TestObservationService_FlowsheetValueTypes(t *testing.T) {
	env := newTestEnv(t)

	text := models.FlowsheetDetails{
		VisitNumber:     "1001",
		IDInApplication: models.Ptr("EPIC-10"),
		ObservationTime: t0,
		ValueType:       models.ValueTypeText,
		StringValue:     models.Known("alert"),
		Comment:         models.Known("AVPU"),
	}
	date := models.FlowsheetDetails{
		VisitNumber:     "1001",
		IDInApplication: models.Ptr("EPIC-11"),
		ObservationTime: t0,
		ValueType:       models.ValueTypeDate,
		DateValue:       models.Known(t0.Add(-24 * time.Hour)),
	}
	require.NoError(t, env.process(flowsheetEvent(trustedSource, t0, "40800000", text)))
	require.NoError(t, env.process(flowsheetEvent(trustedSource, t0, "40800000", date)))

	textObs := env.observations(t, applicationKey("EPIC-10"))
	require.Len(t, textObs, 1)
	assert.Equal(t, "alert", *textObs[0].ValueAsText)
	assert.Equal(t, "AVPU", *textObs[0].Comment)
	assert.Nil(t, textObs[0].ValueAsNumber)

	dateObs := env.observations(t, applicationKey("EPIC-11"))
	require.Len(t, dateObs, 1)
	assert.True(t, dateObs[0].ValueAsDate.Equal(t0.Add(-24*time.Hour)))
}

func TestObservationService_FlowsheetRejections(t *testing.T) {
	tests := []struct {
		name    string
		details models.FlowsheetDetails
		wantErr error
	}{
		{
			name:    "no observation type identifier",
			details: models.FlowsheetDetails{VisitNumber: "1001", ObservationTime: t0, ValueType: models.ValueTypeNumeric},
			wantErr: apperrors.ErrRequiredDataMissing,
		},
		{
			name:    "no observation time",
			details: models.FlowsheetDetails{VisitNumber: "1001", InterfaceID: models.Ptr("5"), ValueType: models.ValueTypeNumeric},
			wantErr: apperrors.ErrRequiredDataMissing,
		},
		{
			name:    "unsupported value type",
			details: models.FlowsheetDetails{VisitNumber: "1001", InterfaceID: models.Ptr("5"), ObservationTime: t0, ValueType: "waveform"},
			wantErr: apperrors.ErrRequiredDataMissing,
		},
		{
			name:    "no visit number",
			details: models.FlowsheetDetails{InterfaceID: models.Ptr("5"), ObservationTime: t0, ValueType: models.ValueTypeNumeric},
			wantErr: apperrors.ErrMessageIgnored,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			err := env.process(flowsheetEvent(trustedSource, t0, "40800000", tt.details))
			require.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, env.publisher.batches)
		})
	}
}

func TestObservationService_CacheDroppedAfterRollback(t *testing.T) {
	env := newTestEnv(t)

	// The type is cached before the value type check fails and the event rolls back.
	bad := temperature("5", t0, 36.6)
	bad.ValueType = "waveform"
	require.ErrorIs(t, env.process(flowsheetEvent(trustedSource, t0, "40800000", bad)), apperrors.ErrRequiredDataMissing)
	assert.Equal(t, 0, env.cache.Len())

	env.read(t, func(ctx context.Context) {
		_, err := env.repos.ObservationTypes.Find(ctx, interfaceKey("5"))
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	require.NoError(t, env.process(flowsheetEvent(trustedSource, t0, "40800000", temperature("5", t0, 36.6))))
	require.Len(t, env.observations(t, interfaceKey("5")), 1)
}

func TestObservationService_MappingMergesTypes(t *testing.T) {
	env := newTestEnv(t)

	// Live interface reports a value before the type is known to the reporting database.
	require.NoError(t, env.process(flowsheetEvent(trustedSource, t0, "40800000", temperature("5", t0, 36.6))))
	interfaceRow := env.observationType(t, interfaceKey("5"))

	// Reporting database describes the type under its own id.
	require.NoError(t, env.process(metadataEvent("caboodle", t0, models.FlowsheetMeta{
		IDInApplication: models.Ptr("EPIC-5"),
		Name:            models.Ptr("Temperature"),
		ValueType:       models.Ptr(models.ValueTypeNumeric),
	})))
	applicationRow := env.observationType(t, applicationKey("EPIC-5"))
	require.NotEqual(t, interfaceRow.ID, applicationRow.ID)
	assert.Equal(t, 0, env.cache.Len())

	// Mapping links the two.
	require.NoError(t, env.process(metadataEvent("caboodle", t1, models.FlowsheetMeta{
		InterfaceID:     models.Ptr("5"),
		IDInApplication: models.Ptr("EPIC-5"),
		DisplayName:     models.Ptr("Temp"),
	})))

	merged := env.observationType(t, interfaceKey("5"))
	assert.Equal(t, applicationRow.ID, merged.ID, "the reporting database row survives")
	assert.Equal(t, "5", *merged.InterfaceID)
	assert.Equal(t, "EPIC-5", *merged.IDInApplication)
	assert.Equal(t, "Temperature", *merged.Name)
	assert.Equal(t, "Temp", *merged.DisplayName)
	assert.Equal(t, 0, env.cache.Len())

	env.read(t, func(ctx context.Context) {
		observations, err := env.repos.Observations.FindAllByTypeID(ctx, interfaceRow.ID)
		require.NoError(t, err)
		assert.Empty(t, observations)
	})
	require.Len(t, env.observations(t, applicationKey("EPIC-5")), 1)

	assert.Len(t, env.audits(models.FamilyVisitObservationType), 1)
	assert.Len(t, env.audits(models.FamilyVisitObservation), 1)

	// New values under the interface id land on the merged type.
	require.NoError(t, env.process(flowsheetEvent(trustedSource, t2, "40800000", temperature("5", t1, 37.0))))
	assert.Len(t, env.observations(t, applicationKey("EPIC-5")), 2)
	assert.Equal(t, 1, env.cache.Len())

	// Replaying the mapping only touches metadata.
	require.NoError(t, env.process(metadataEvent("caboodle", t2, models.FlowsheetMeta{
		InterfaceID:     models.Ptr("5"),
		IDInApplication: models.Ptr("EPIC-5"),
		DisplayName:     models.Ptr("Temp"),
	})))
	assert.Len(t, env.audits(models.FamilyVisitObservationType), 1)
	assert.Equal(t, applicationRow.ID, env.observationType(t, interfaceKey("5")).ID)
}

func TestObservationService_MappingCases(t *testing.T) {
	t.Run("creates a mapped type when neither id is known", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.process(metadataEvent("caboodle", t0, models.FlowsheetMeta{
			InterfaceID:     models.Ptr("5"),
			IDInApplication: models.Ptr("EPIC-5"),
			Name:            models.Ptr("Temperature"),
		})))

		byInterface := env.observationType(t, interfaceKey("5"))
		byApplication := env.observationType(t, applicationKey("EPIC-5"))
		assert.Equal(t, byInterface.ID, byApplication.ID)
		assert.Empty(t, env.store.AuditEntries())
	})

	t.Run("adds the missing id to the only known row", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.process(flowsheetEvent(trustedSource, t0, "40800000", temperature("5", t0, 36.6))))
		row := env.observationType(t, interfaceKey("5"))

		require.NoError(t, env.process(metadataEvent("caboodle", t1, models.FlowsheetMeta{
			InterfaceID:     models.Ptr("5"),
			IDInApplication: models.Ptr("EPIC-5"),
		})))

		assert.Equal(t, row.ID, env.observationType(t, applicationKey("EPIC-5")).ID)
		assert.Len(t, env.audits(models.FamilyVisitObservationType), 1)
		assert.Equal(t, 0, env.cache.Len())
	})

	t.Run("rejects a second interface id for a mapped type", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.process(metadataEvent("caboodle", t0, models.FlowsheetMeta{
			InterfaceID:     models.Ptr("6"),
			IDInApplication: models.Ptr("EPIC-5"),
		})))

		err := env.process(metadataEvent("caboodle", t1, models.FlowsheetMeta{
			InterfaceID:     models.Ptr("5"),
			IDInApplication: models.Ptr("EPIC-5"),
		}))
		require.ErrorIs(t, err, apperrors.ErrConflictingIdentity)
		assert.Equal(t, "6", *env.observationType(t, applicationKey("EPIC-5")).InterfaceID)
	})

	t.Run("ignores an untrusted mapping of existing rows", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.process(flowsheetEvent(trustedSource, t0, "40800000", temperature("5", t0, 36.6))))
		require.NoError(t, env.process(metadataEvent("caboodle", t0, models.FlowsheetMeta{
			IDInApplication: models.Ptr("EPIC-5"),
		})))

		require.NoError(t, env.process(metadataEvent(untrustedSource, t1, models.FlowsheetMeta{
			InterfaceID:     models.Ptr("5"),
			IDInApplication: models.Ptr("EPIC-5"),
		})))

		assert.NotEqual(t,
			env.observationType(t, interfaceKey("5")).ID,
			env.observationType(t, applicationKey("EPIC-5")).ID)
		assert.Empty(t, env.store.AuditEntries())
	})
}

func TestObservationService_MetadataFillsNullOrNewer(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.process(metadataEvent(untrustedSource, t1, models.FlowsheetMeta{
		IDInApplication: models.Ptr("EPIC-5"),
		Name:            models.Ptr("Temperature"),
	})))

	// Older trusted metadata may fill empty fields but not overwrite set ones.
	require.NoError(t, env.process(metadataEvent("caboodle", t0, models.FlowsheetMeta{
		IDInApplication: models.Ptr("EPIC-5"),
		Name:            models.Ptr("Temp (old)"),
		Description:     models.Ptr("Body temperature"),
	})))

	row := env.observationType(t, applicationKey("EPIC-5"))
	assert.Equal(t, "Temperature", *row.Name)
	assert.Equal(t, "Body temperature", *row.Description)

	// Newer metadata overwrites.
	require.NoError(t, env.process(metadataEvent("caboodle", t2, models.FlowsheetMeta{
		IDInApplication: models.Ptr("EPIC-5"),
		Name:            models.Ptr("Tympanic temperature"),
	})))
	row = env.observationType(t, applicationKey("EPIC-5"))
	assert.Equal(t, "Tympanic temperature", *row.Name)
	assert.Equal(t, "Body temperature", *row.Description)
	assert.Len(t, env.audits(models.FamilyVisitObservationType), 2)
}

func TestObservationService_MetadataWithoutIdentifiers(t *testing.T) {
	env := newTestEnv(t)
	err := env.process(metadataEvent("caboodle", t0, models.FlowsheetMeta{Name: models.Ptr("Temperature")}))
	assert.ErrorIs(t, err, apperrors.ErrRequiredDataMissing)
}

func TestObservationService_FlowsheetWithBothIdsUsesKnownType(t *testing.T) {
	bothIDs := func(observedAt time.Time) models.FlowsheetDetails {
		fs := temperature("5", observedAt, 37.2)
		fs.IDInApplication = models.Ptr("EPIC-5")
		return fs
	}

	tests := []struct {
		name       string
		seed       *models.Event
		seedValues int
		wantKey    models.ObservationTypeKey
	}{
		{
			name:       "only the interface row exists",
			seed:       flowsheetEvent(trustedSource, t0, "40800000", temperature("5", t0, 36.6)),
			seedValues: 1,
			wantKey:    interfaceKey("5"),
		},
		{
			name:    "only the application row exists",
			seed:    metadataEvent("caboodle", t0, models.FlowsheetMeta{IDInApplication: models.Ptr("EPIC-5")}),
			wantKey: applicationKey("EPIC-5"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			require.NoError(t, env.process(tt.seed))
			known := env.observationType(t, tt.wantKey)

			require.NoError(t, env.process(flowsheetEvent(trustedSource, t1, "40800000", bothIDs(t1))))
			// Served from the cache the second time.
			require.NoError(t, env.process(flowsheetEvent(trustedSource, t2, "40800000", bothIDs(t2))))

			env.read(t, func(ctx context.Context) {
				observations, err := env.repos.Observations.FindAllByTypeID(ctx, known.ID)
				require.NoError(t, err)
				assert.Len(t, observations, tt.seedValues+2)
			})
			// The mapping itself is left to metadata.
			after := env.observationType(t, tt.wantKey)
			assert.Equal(t, known.InterfaceID, after.InterfaceID)
			assert.Equal(t, known.IDInApplication, after.IDInApplication)
		})
	}
}

func TestObservationService_FlowsheetWithBothIdsMappedElsewhere(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.process(metadataEvent("caboodle", t0, models.FlowsheetMeta{
		InterfaceID:     models.Ptr("5"),
		IDInApplication: models.Ptr("EPIC-9"),
	})))

	fs := temperature("5", t1, 37.2)
	fs.IDInApplication = models.Ptr("EPIC-5")
	err := env.process(flowsheetEvent(trustedSource, t1, "40800000", fs))
	require.ErrorIs(t, err, apperrors.ErrConflictingIdentity)
	assert.True(t, apperrors.IsRecoverable(err))
}
