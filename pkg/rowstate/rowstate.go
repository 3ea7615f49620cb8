// Package rowstate decides, per incoming event, how a resolved entity is
// written: inserted, audited and updated, or left alone.
package rowstate

import (
	"context"
	"fmt"
	"time"

	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

// Saver persists an entity (insert or update by id).
type Saver[E any] interface {
	Save(ctx context.Context, entity E) error
}

// Deleter removes an entity.
type Deleter[E any] interface {
	Delete(ctx context.Context, entity E) error
}

// AuditWriter inserts audit rows.
type AuditWriter interface {
	Create(ctx context.Context, entry *models.AuditEntry) error
}

// TrustChecker classifies source systems.
type TrustChecker interface {
	IsTrusted(source string) bool
}

// Outcome is the write a Finalize call performed.
type Outcome int

const (
	Unchanged Outcome = iota
	Created
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// RowState pairs one entity with the timestamps of the event being applied to
// it and tracks whether the entity is new or has been modified.
//
// The snapshot is a deep copy taken on construction, before any setter runs;
// it is what the audit row records when the entity is updated.
type RowState[E models.Entity[E]] struct {
	entity         E
	snapshot       E
	eventTime      time.Time
	processingTime time.Time
	created        bool
	updated        bool
}

// New wraps entity for one event.
func New[E models.Entity[E]](entity E, eventTime, processingTime time.Time, created bool) *RowState[E] {
	return &RowState[E]{
		entity:         entity,
		snapshot:       entity.Clone(),
		eventTime:      eventTime,
		processingTime: processingTime,
		created:        created,
	}
}

// Entity returns the live entity. Mutate it only through the assign functions.
func (s *RowState[E]) Entity() E { return s.entity }

func (s *RowState[E]) EventTime() time.Time      { return s.eventTime }
func (s *RowState[E]) ProcessingTime() time.Time { return s.processingTime }
func (s *RowState[E]) IsCreated() bool           { return s.created }
func (s *RowState[E]) IsUpdated() bool           { return s.updated }

// MarkUpdated flags the entity as modified by a change the assign functions
// cannot express, such as appending to a list.
func (s *RowState[E]) MarkUpdated() {
	s.updated = true
}

// ShouldApply is the trust arbitration gate for this entity.
func (s *RowState[E]) ShouldApply(trust TrustChecker, eventSource string) bool {
	return ShouldApply(trust, s.eventTime, eventSource, s.entity.Meta(), s.created)
}

// IsNewerOrCreated reports whether the event is at least as recent as the
// entity's valid-from, or the entity is new.
func (s *RowState[E]) IsNewerOrCreated() bool {
	return s.created || !s.entity.Meta().ValidFrom.After(s.eventTime)
}

// ShouldApply decides whether an event from eventSource may modify entity.
// New entities always apply. Untrusted sources never override existing state.
// A trusted entity that became valid after the event is newer than the event.
func ShouldApply(trust TrustChecker, eventTime time.Time, eventSource string, entity *models.Temporal, created bool) bool {
	if created {
		return true
	}
	if !trust.IsTrusted(eventSource) {
		return false
	}
	if trust.IsTrusted(entity.SourceSystem) && entity.ValidFrom.After(eventTime) {
		return false
	}
	return true
}

// Finalize executes the write decision:
//   - created: insert, no audit row
//   - updated: audit the pre-update snapshot (valid until the event time,
//     stored until the processing time), then save the entity
//   - otherwise: nothing
//
// After a write the state is rebased on the saved entity, so calling Finalize
// again without further changes is a no-op.
func (s *RowState[E]) Finalize(ctx context.Context, saver Saver[E], audits AuditWriter) (Outcome, error) {
	family := s.entity.Family()

	switch {
	case s.created:
		if err := saver.Save(ctx, s.entity); err != nil {
			return Unchanged, fmt.Errorf("failed to create %s: %w", family, err)
		}
		models.RecordChange(ctx, models.ChangeActionCreate, s.entity)
		s.rebase()
		return Created, nil

	case s.updated:
		entry, err := models.NewAuditEntry(s.snapshot, s.eventTime, s.processingTime)
		if err != nil {
			return Unchanged, err
		}
		if err := audits.Create(ctx, entry); err != nil {
			return Unchanged, fmt.Errorf("failed to audit %s: %w", family, err)
		}
		if err := saver.Save(ctx, s.entity); err != nil {
			return Unchanged, fmt.Errorf("failed to update %s: %w", family, err)
		}
		models.RecordChange(ctx, models.ChangeActionUpdate, s.entity)
		s.rebase()
		return Updated, nil
	}

	return Unchanged, nil
}

// DeleteWithAudit audits the entity as it currently stands, then deletes it.
func (s *RowState[E]) DeleteWithAudit(ctx context.Context, deleter Deleter[E], audits AuditWriter) error {
	family := s.entity.Family()

	entry, err := models.NewAuditEntry(s.entity.Clone(), s.eventTime, s.processingTime)
	if err != nil {
		return err
	}
	if err := audits.Create(ctx, entry); err != nil {
		return fmt.Errorf("failed to audit %s: %w", family, err)
	}
	if err := deleter.Delete(ctx, s.entity); err != nil {
		return fmt.Errorf("failed to delete %s: %w", family, err)
	}
	models.RecordChange(ctx, models.ChangeActionDelete, s.entity)
	return nil
}

func (s *RowState[E]) rebase() {
	s.snapshot = s.entity.Clone()
	s.created = false
	s.updated = false
}
