package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
	"github.com/ekaya-inc/ekaya-clinical/pkg/rowstate"
)

// stepRecorder records merge steps and stands in for the entity store.
type stepRecorder struct {
	steps []string
}

func (r *stepRecorder) Save(_ context.Context, mrn *models.Mrn) error {
	r.steps = append(r.steps, "save:"+mrn.Mrn)
	return nil
}

func (r *stepRecorder) Create(_ context.Context, entry *models.AuditEntry) error {
	r.steps = append(r.steps, "audit:"+entry.Family)
	return nil
}

func testMrn(mrn string) *models.Mrn {
	return &models.Mrn{
		Temporal: models.Temporal{ID: uuid.New(), SourceSystem: trustedSource, ValidFrom: t0, StoredFrom: t0},
		Mrn:      mrn,
	}
}

func recordingPlan(rec *stepRecorder, primary, secondary *models.Mrn) MergePlan[*models.Mrn] {
	timing := rowstate.Timing{EventTime: t1, ProcessingTime: t2, Source: trustedSource}
	primaryState := rowstate.Existing(primary, timing)
	return MergePlan[*models.Mrn]{
		Description: "mrn " + secondary.Mrn + " into " + primary.Mrn,
		Primary:     primaryState,
		Secondary:   rowstate.Existing(secondary, timing),
		SameIdentity: func() bool {
			rec.steps = append(rec.steps, "same-identity")
			return false
		},
		TargetOccupied: func(context.Context) (bool, error) {
			rec.steps = append(rec.steps, "target-occupied")
			return false, nil
		},
		CopyIdentifiers: func(context.Context) error {
			rec.steps = append(rec.steps, "copy")
			rowstate.AssignIfDifferent(primaryState, []string{secondary.Mrn}, primary.Aliases, func(v []string) { primary.Aliases = v })
			return nil
		},
		RepointDependents: func(context.Context) error {
			rec.steps = append(rec.steps, "repoint")
			return nil
		},
		DeleteSecondary: func(_ context.Context, m *models.Mrn) error {
			rec.steps = append(rec.steps, "delete:"+m.Mrn)
			return nil
		},
		Evict: func() {
			rec.steps = append(rec.steps, "evict")
		},
		Saver:  rec,
		Audits: rec,
	}
}

func TestMerge_StepOrder(t *testing.T) {
	rec := &stepRecorder{}
	primary, secondary := testMrn("40800000"), testMrn("40800001")

	changes := &models.ChangeSet{}
	ctx := models.WithChangeSet(context.Background(), changes)

	outcome, err := Merge(ctx, recordingPlan(rec, primary, secondary))
	require.NoError(t, err)
	assert.Equal(t, rowstate.Updated, outcome)

	assert.Equal(t, []string{
		"same-identity",
		"target-occupied",
		"copy",
		"repoint",
		"delete:40800001",
		"evict",
		"audit:mrn",
		"save:40800000",
	}, rec.steps)

	recorded := changes.Changes()
	require.Len(t, recorded, 2)
	assert.Equal(t, models.ChangeActionDelete, recorded[0].Action)
	assert.Equal(t, secondary.ID, recorded[0].EntityID)
	assert.Equal(t, models.ChangeActionUpdate, recorded[1].Action)
	assert.Equal(t, primary.ID, recorded[1].EntityID)
}

func TestMerge_Guards(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*MergePlan[*models.Mrn], *stepRecorder)
		wantErr   error
		wantSteps []string
	}{
		{
			name: "same identity",
			configure: func(p *MergePlan[*models.Mrn], _ *stepRecorder) {
				p.SameIdentity = func() bool { return true }
			},
			wantErr:   apperrors.ErrIllegalMerge,
			wantSteps: nil,
		},
		{
			name: "target occupied",
			configure: func(p *MergePlan[*models.Mrn], rec *stepRecorder) {
				p.TargetOccupied = func(context.Context) (bool, error) {
					rec.steps = append(rec.steps, "target-occupied")
					return true, nil
				}
			},
			wantErr:   apperrors.ErrConflictingIdentity,
			wantSteps: []string{"same-identity", "target-occupied"},
		},
		{
			name: "repoint failure stops the merge",
			configure: func(p *MergePlan[*models.Mrn], rec *stepRecorder) {
				p.RepointDependents = func(context.Context) error {
					rec.steps = append(rec.steps, "repoint")
					return apperrors.ErrConflictingIdentity
				}
			},
			wantErr:   apperrors.ErrConflictingIdentity,
			wantSteps: []string{"same-identity", "target-occupied", "copy", "repoint"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &stepRecorder{}
			plan := recordingPlan(rec, testMrn("40800000"), testMrn("40800001"))
			tt.configure(&plan, rec)

			outcome, err := Merge(context.Background(), plan)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, rowstate.Unchanged, outcome)
			assert.Equal(t, tt.wantSteps, rec.steps)
		})
	}
}

func TestMerge_WithoutSecondary(t *testing.T) {
	rec := &stepRecorder{}
	plan := recordingPlan(rec, testMrn("40800000"), testMrn("40800001"))
	plan.Secondary = nil
	plan.DeleteSecondary = func(context.Context, *models.Mrn) error {
		return errors.New("must not be called")
	}

	_, err := Merge(context.Background(), plan)
	require.NoError(t, err)
	assert.NotContains(t, rec.steps, "delete:40800001")
	assert.Contains(t, rec.steps, "save:40800000")
}
