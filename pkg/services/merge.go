package services

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
	"github.com/ekaya-inc/ekaya-clinical/pkg/rowstate"
)

// MergePlan describes one identity merge: two records resolved by different
// partial keys that a later event proves to be the same thing. The callbacks
// carry the family-specific parts; Merge runs them in a fixed order.
type MergePlan[E models.Entity[E]] struct {
	// Description names the merge in errors, e.g. "mrn 40800001 into 40800000".
	Description string

	// Primary survives the merge.
	Primary *rowstate.RowState[E]
	// Secondary is retired by the merge. Nil when only the primary's key changes.
	Secondary *rowstate.RowState[E]

	// SameIdentity reports that the merge would change nothing.
	SameIdentity func() bool
	// TargetOccupied reports that the merged key already belongs to a third,
	// unrelated record. Optional.
	TargetOccupied func(ctx context.Context) (bool, error)
	// CopyIdentifiers moves the secondary's distinguishing identifiers onto the
	// primary through the RowState assign functions.
	CopyIdentifiers func(ctx context.Context) error
	// RepointDependents moves every record referencing the secondary (or the
	// primary's old key) to the primary. Each repoint is finalized, and so audited. Optional.
	RepointDependents func(ctx context.Context) error
	// DeleteSecondary removes the secondary without auditing it. Required when
	// Secondary is set.
	DeleteSecondary func(ctx context.Context, secondary E) error
	// Evict drops cache entries that may cover either key. Optional.
	Evict func()

	Saver  rowstate.Saver[E]
	Audits rowstate.AuditWriter
}

// Merge folds plan.Secondary into plan.Primary:
//  1. IllegalMerge if the two already denote the same identity
//  2. ConflictingIdentity if the target key is held by a third record
//  3. copy identifiers onto the primary
//  4. repoint dependents
//  5. delete the secondary and evict caches
//  6. finalize the primary
//
// Dependents are repointed before the secondary is deleted so nothing ever
// references a removed row.
func Merge[E models.Entity[E]](ctx context.Context, plan MergePlan[E]) (rowstate.Outcome, error) {
	if plan.SameIdentity != nil && plan.SameIdentity() {
		return rowstate.Unchanged, fmt.Errorf("merge %s: %w", plan.Description, apperrors.ErrIllegalMerge)
	}

	if plan.TargetOccupied != nil {
		occupied, err := plan.TargetOccupied(ctx)
		if err != nil {
			return rowstate.Unchanged, err
		}
		if occupied {
			return rowstate.Unchanged, fmt.Errorf("merge %s: target key is held by another record: %w",
				plan.Description, apperrors.ErrConflictingIdentity)
		}
	}

	if plan.CopyIdentifiers != nil {
		if err := plan.CopyIdentifiers(ctx); err != nil {
			return rowstate.Unchanged, err
		}
	}

	if plan.RepointDependents != nil {
		if err := plan.RepointDependents(ctx); err != nil {
			return rowstate.Unchanged, fmt.Errorf("merge %s: failed to repoint dependents: %w", plan.Description, err)
		}
	}

	if plan.Secondary != nil {
		secondary := plan.Secondary.Entity()
		if err := plan.DeleteSecondary(ctx, secondary); err != nil {
			return rowstate.Unchanged, fmt.Errorf("merge %s: failed to delete %s: %w",
				plan.Description, secondary.Family(), err)
		}
		models.RecordChange(ctx, models.ChangeActionDelete, secondary)
	}
	if plan.Evict != nil {
		plan.Evict()
	}

	return plan.Primary.Finalize(ctx, plan.Saver, plan.Audits)
}
