package rowstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

// Timing carries the event attributes every resolved entity is stamped with.
type Timing struct {
	EventTime      time.Time
	ProcessingTime time.Time
	Source         string
}

// Resolve finds the entity for a business key, or builds a minimal new one.
//
// find must return apperrors.ErrNotFound when the key is absent. build returns
// an entity with only its key fields set; Resolve stamps it with a new id, the
// event's source and valid-from, and the processing time as stored-from. The
// new entity is not persisted until Finalize.
func Resolve[E models.Entity[E]](ctx context.Context, find func(context.Context) (E, error), build func() E, at Timing) (*RowState[E], error) {
	existing, err := find(ctx)
	if err == nil {
		return New(existing, at.EventTime, at.ProcessingTime, false), nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	entity := build()
	meta := entity.Meta()
	meta.ID = uuid.New()
	meta.SourceSystem = at.Source
	meta.ValidFrom = at.EventTime
	meta.StoredFrom = at.ProcessingTime
	return New(entity, at.EventTime, at.ProcessingTime, true), nil
}

// Existing wraps an entity that is already known to exist.
func Existing[E models.Entity[E]](entity E, at Timing) *RowState[E] {
	return New(entity, at.EventTime, at.ProcessingTime, false)
}

// RequireImmutable fails with ErrIncompatibleState when an attribute fixed at
// creation disagrees with the incoming event. Empty values never conflict.
func RequireImmutable(family, attribute, stored, incoming string) error {
	if stored == "" || incoming == "" || stored == incoming {
		return nil
	}
	return fmt.Errorf("%s %s is %q but event has %q: %w",
		family, attribute, stored, incoming, apperrors.ErrIncompatibleState)
}
