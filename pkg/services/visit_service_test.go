package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

func admit(source string, at time.Time, mrn, encounter, patientClass string) *models.Event {
	return adtEvent(models.EventAdmitPatient, source, at, mrn, models.AdtDetails{
		VisitNumber:   encounter,
		PatientClass:  models.Known(patientClass),
		AdmissionTime: models.Known(at),
	})
}

func updateInfo(source string, at time.Time, mrn, encounter, patientClass string) *models.Event {
	return adtEvent(models.EventUpdatePatientInfo, source, at, mrn, models.AdtDetails{
		VisitNumber:  encounter,
		PatientClass: models.Known(patientClass),
	})
}

func TestVisitService_AdmitCreatesVisitWithoutAudit(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.process(admit(trustedSource, t0, "40800000", "1001", "INPATIENT")))

	visit := env.visit(t, "1001")
	assert.Equal(t, "INPATIENT", *visit.PatientClass)
	assert.True(t, visit.AdmissionTime.Equal(t0))
	assert.Equal(t, trustedSource, visit.SourceSystem)
	assert.True(t, visit.ValidFrom.Equal(t0))
	assert.True(t, visit.StoredFrom.Equal(env.clock.now))
	assert.Equal(t, env.mrn(t, "40800000").ID, visit.MrnID)
	assert.Empty(t, env.store.AuditEntries())
}

func TestVisitService_TrustArbitration(t *testing.T) {
	tests := []struct {
		name         string
		first        *models.Event
		second       *models.Event
		wantClass    string
		wantAudits   int
		wantValidEnd time.Time
	}{
		{
			name:       "trusted admit then untrusted update is ignored",
			first:      admit(trustedSource, t0, "40800000", "1001", "INPATIENT"),
			second:     updateInfo(untrustedSource, t1, "40800000", "1001", "OUTPATIENT"),
			wantClass:  "INPATIENT",
			wantAudits: 0,
		},
		{
			name:       "untrusted seed then untrusted update is ignored",
			first:      admit(untrustedSource, t0, "40800000", "1001", "INPATIENT"),
			second:     updateInfo(untrustedSource, t1, "40800000", "1001", "OUTPATIENT"),
			wantClass:  "INPATIENT",
			wantAudits: 0,
		},
		{
			name:         "trusted overrides untrusted seed even when older",
			first:        admit(untrustedSource, t1, "40800000", "1001", "INPATIENT"),
			second:       updateInfo(trustedSource, t0, "40800000", "1001", "OUTPATIENT"),
			wantClass:    "OUTPATIENT",
			wantAudits:   1,
			wantValidEnd: t0,
		},
		{
			name:       "trusted older than trusted state is rejected",
			first:      admit(trustedSource, t1, "40800000", "1001", "INPATIENT"),
			second:     updateInfo(trustedSource, t0, "40800000", "1001", "OUTPATIENT"),
			wantClass:  "INPATIENT",
			wantAudits: 0,
		},
		{
			name:         "trusted newer update is applied and audited",
			first:        admit(trustedSource, t0, "40800000", "1001", "INPATIENT"),
			second:       updateInfo(trustedSource, t1, "40800000", "1001", "OUTPATIENT"),
			wantClass:    "OUTPATIENT",
			wantAudits:   1,
			wantValidEnd: t1,
		},
		{
			name:       "identical trusted update writes nothing",
			first:      admit(trustedSource, t0, "40800000", "1001", "INPATIENT"),
			second:     updateInfo(trustedSource, t1, "40800000", "1001", "INPATIENT"),
			wantClass:  "INPATIENT",
			wantAudits: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			require.NoError(t, env.process(tt.first))
			require.NoError(t, env.process(tt.second))

			visit := env.visit(t, "1001")
			assert.Equal(t, tt.wantClass, *visit.PatientClass)

			audits := env.audits(models.FamilyHospitalVisit)
			require.Len(t, audits, tt.wantAudits)
			if tt.wantAudits == 0 {
				return
			}

			entry := audits[0]
			assert.Equal(t, visit.ID, entry.EntityID)
			assert.True(t, entry.ValidUntil.Equal(tt.wantValidEnd))
			assert.True(t, entry.StoredUntil.Equal(env.clock.now))

			before, err := models.DecodeSnapshot[models.HospitalVisit](&entry)
			require.NoError(t, err)
			assert.Equal(t, "INPATIENT", *before.PatientClass)
			assert.True(t, visit.ValidFrom.Equal(before.ValidFrom), "valid-from never moves on update")
		})
	}
}

func TestVisitService_AuditCountMatchesAppliedUpdates(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.process(admit(trustedSource, t0, "40800000", "1001", "INPATIENT")))

	classes := []string{"OUTPATIENT", "EMERGENCY", "DAY_CASE", "INPATIENT"}
	for i, class := range classes {
		at := t0.Add(time.Duration(i+1) * time.Minute)
		require.NoError(t, env.process(updateInfo(trustedSource, at, "40800000", "1001", class)))
	}
	// Stale and untrusted updates change nothing.
	require.NoError(t, env.process(updateInfo(trustedSource, t0.Add(-time.Minute), "40800000", "1001", "STALE")))
	require.NoError(t, env.process(updateInfo(untrustedSource, t2, "40800000", "1001", "UNTRUSTED")))

	assert.Len(t, env.audits(models.FamilyHospitalVisit), len(classes))
	assert.Equal(t, "INPATIENT", *env.visit(t, "1001").PatientClass)
}

func TestVisitService_DischargeAndCancel(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.process(adtEvent(models.EventRegisterPatient, trustedSource, t0, "40800000", models.AdtDetails{
		VisitNumber:      "1001",
		PresentationTime: models.Known(t0),
	})))

	dischargedAt := t1
	require.NoError(t, env.process(adtEvent(models.EventDischargePatient, trustedSource, t1, "40800000", models.AdtDetails{
		VisitNumber:          "1001",
		AdmissionTime:        models.Known(t0.Add(10 * time.Minute)),
		DischargeTime:        &dischargedAt,
		DischargeDisposition: models.Ptr("home"),
		DischargeDestination: models.Ptr("usual residence"),
	})))

	visit := env.visit(t, "1001")
	require.NotNil(t, visit.DischargeTime)
	assert.True(t, visit.DischargeTime.Equal(t1))
	assert.Equal(t, "home", *visit.DischargeDisposition)
	require.NotNil(t, visit.AdmissionTime, "discharge fills a missing admission time")

	cancelledAt := t1.Add(30 * time.Minute)
	require.NoError(t, env.process(adtEvent(models.EventCancelDischarge, trustedSource, t2, "40800000", models.AdtDetails{
		VisitNumber: "1001",
		CancelledAt: &cancelledAt,
	})))

	visit = env.visit(t, "1001")
	assert.Nil(t, visit.DischargeTime)
	assert.Nil(t, visit.DischargeDisposition)
	assert.Nil(t, visit.DischargeDestination)
	assert.NotNil(t, visit.AdmissionTime)

	audits := env.audits(models.FamilyHospitalVisit)
	require.Len(t, audits, 2)
	assert.True(t, audits[1].ValidUntil.Equal(cancelledAt))

	require.NoError(t, env.process(adtEvent(models.EventCancelAdmit, trustedSource, t2.Add(time.Minute), "40800000", models.AdtDetails{
		VisitNumber: "1001",
	})))
	assert.Nil(t, env.visit(t, "1001").AdmissionTime)
	assert.Len(t, env.audits(models.FamilyHospitalVisit), 3)
}

func TestVisitService_DischargeWithoutTimeRollsBack(t *testing.T) {
	env := newTestEnv(t)

	err := env.process(adtEvent(models.EventDischargePatient, trustedSource, t0, "40800000", models.AdtDetails{
		VisitNumber: "1001",
	}))
	require.ErrorIs(t, err, apperrors.ErrRequiredDataMissing)

	env.read(t, func(ctx context.Context) {
		_, err := env.repos.Mrns.FindByMrn(ctx, "40800000")
		assert.ErrorIs(t, err, apperrors.ErrNotFound, "mrn created by the failed event is rolled back")
	})
	assert.Empty(t, env.publisher.batches)
}

func TestVisitService_NoVisitNumber(t *testing.T) {
	env := newTestEnv(t)

	err := env.process(adtEvent(models.EventAdmitPatient, trustedSource, t0, "40800000", models.AdtDetails{}))
	assert.ErrorIs(t, err, apperrors.ErrMessageIgnored)

	err = env.process(adtEvent(models.EventUpdatePatientInfo, trustedSource, t0, "40800000", models.AdtDetails{}))
	require.NoError(t, err)
	assert.Equal(t, "40800000", env.mrn(t, "40800000").Mrn)
}

func TestVisitService_MoveVisit(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.process(admit(trustedSource, t0, "40800000", "1001", "INPATIENT")))
	require.NoError(t, env.process(labEvent(trustedSource, t0, "40800000", models.LabOrderDetails{
		VisitNumber:       "1001",
		InternalLabNumber: "13U444444",
		SpecimenType:      "BLD",
		LabProvider:       "WINPATH",
		BatteryCode:       "FBC",
		OrderDatetime:     t0,
	})))

	require.NoError(t, env.process(adtEvent(models.EventMoveVisit, trustedSource, t1, "40800001", models.AdtDetails{
		VisitNumber:         "2002",
		PreviousVisitNumber: "1001",
		PreviousMrn:         "40800000",
	})))

	newMrn := env.mrn(t, "40800001")
	moved := env.visit(t, "2002")
	assert.Equal(t, newMrn.ID, moved.MrnID)
	assert.Equal(t, "INPATIENT", *moved.PatientClass)

	env.read(t, func(ctx context.Context) {
		_, err := env.repos.Visits.FindByEncounter(ctx, "1001")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)

		labNumbers, err := env.repos.LabNumbers.FindAllByVisitID(ctx, moved.ID)
		require.NoError(t, err)
		require.Len(t, labNumbers, 1)
		assert.Equal(t, newMrn.ID, labNumbers[0].MrnID)
	})

	visitAudits := env.audits(models.FamilyHospitalVisit)
	require.Len(t, visitAudits, 1)
	before, err := models.DecodeSnapshot[models.HospitalVisit](&visitAudits[0])
	require.NoError(t, err)
	assert.Equal(t, "1001", before.Encounter)
	assert.Len(t, env.audits(models.FamilyLabNumber), 1)
}

func TestVisitService_MoveVisitRejections(t *testing.T) {
	tests := []struct {
		name    string
		move    models.AdtDetails
		mrn     string
		source  string
		wantErr error
	}{
		{
			name:    "previous visit unknown",
			move:    models.AdtDetails{VisitNumber: "3003", PreviousVisitNumber: "9999"},
			mrn:     "40800000",
			source:  trustedSource,
			wantErr: apperrors.ErrMessageIgnored,
		},
		{
			name:    "previous mrn does not own the visit",
			move:    models.AdtDetails{VisitNumber: "3003", PreviousVisitNumber: "1001", PreviousMrn: "40800099"},
			mrn:     "40800000",
			source:  trustedSource,
			wantErr: apperrors.ErrIncompatibleState,
		},
		{
			name:    "target visit number taken",
			move:    models.AdtDetails{VisitNumber: "2002", PreviousVisitNumber: "1001"},
			mrn:     "40800000",
			source:  trustedSource,
			wantErr: apperrors.ErrConflictingIdentity,
		},
		{
			name:    "move onto itself",
			move:    models.AdtDetails{VisitNumber: "1001", PreviousVisitNumber: "1001"},
			mrn:     "40800000",
			source:  trustedSource,
			wantErr: apperrors.ErrIllegalMerge,
		},
		{
			name:    "untrusted source",
			move:    models.AdtDetails{VisitNumber: "3003", PreviousVisitNumber: "1001"},
			mrn:     "40800000",
			source:  untrustedSource,
			wantErr: apperrors.ErrMessageIgnored,
		},
		{
			name:    "untrusted source onto taken visit number",
			move:    models.AdtDetails{VisitNumber: "2002", PreviousVisitNumber: "1001"},
			mrn:     "40800000",
			source:  untrustedSource,
			wantErr: apperrors.ErrMessageIgnored,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			require.NoError(t, env.process(admit(trustedSource, t0, "40800000", "1001", "INPATIENT")))
			require.NoError(t, env.process(admit(trustedSource, t0, "40800000", "2002", "INPATIENT")))

			err := env.process(adtEvent(models.EventMoveVisit, tt.source, t1, tt.mrn, tt.move))
			require.ErrorIs(t, err, tt.wantErr)
			if !errors.Is(tt.wantErr, apperrors.ErrConflictingIdentity) {
				assert.NotErrorIs(t, err, apperrors.ErrConflictingIdentity)
			}

			assert.Equal(t, "1001", env.visit(t, "1001").Encounter)
			assert.Empty(t, env.store.AuditEntries())
		})
	}
}
