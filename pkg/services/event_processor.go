package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/metrics"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
	"github.com/ekaya-inc/ekaya-clinical/pkg/repositories"
	"github.com/ekaya-inc/ekaya-clinical/pkg/rowstate"
)

// EventProcessor reconciles one normalized event inside one transaction.
type EventProcessor interface {
	// Process applies evt atomically. afterApply, when set, runs inside the
	// same transaction once the event's writes succeed; the reader uses it to
	// advance the checkpoint. Changes are published only after commit.
	Process(ctx context.Context, evt *models.Event, afterApply func(ctx context.Context) error) error
}

// EventProcessorDeps bundles the collaborators of an EventProcessor.
type EventProcessorDeps struct {
	Transactor repositories.Transactor
	Repos      *repositories.Set
	Trust      TrustTable
	Cache      *ObservationTypeCache
	Publisher  ChangePublisher // Optional: defaults to NewNoopPublisher()
	Clock      Clock           // Optional: defaults to NewSystemClock()
	Logger     *zap.Logger
}

type eventProcessor struct {
	tx           repositories.Transactor
	cache        *ObservationTypeCache
	publisher    ChangePublisher
	clock        Clock
	persons      PersonService
	visits       VisitService
	labs         LabService
	observations ObservationService
	logger       *zap.Logger
}

// NewEventProcessor creates a new EventProcessor and the per-family services it dispatches to.
func NewEventProcessor(deps *EventProcessorDeps) EventProcessor {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = NewNoopPublisher()
	}
	clock := deps.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	return &eventProcessor{
		tx:           deps.Transactor,
		cache:        deps.Cache,
		publisher:    publisher,
		clock:        clock,
		persons:      NewPersonService(deps.Repos, deps.Trust, deps.Logger),
		visits:       NewVisitService(deps.Repos, deps.Trust, deps.Logger),
		labs:         NewLabService(deps.Repos, deps.Trust, deps.Logger),
		observations: NewObservationService(deps.Repos, deps.Cache, deps.Trust, deps.Logger),
		logger:       deps.Logger.Named("event-processor"),
	}
}

var _ EventProcessor = (*eventProcessor)(nil)

func (p *eventProcessor) Process(ctx context.Context, evt *models.Event, afterApply func(ctx context.Context) error) error {
	start := time.Now()
	at := rowstate.Timing{
		EventTime:      evt.EventTime(),
		ProcessingTime: p.clock.Now(),
		Source:         evt.SourceSystem,
	}

	changes := &models.ChangeSet{}
	err := p.tx.InTransaction(models.WithChangeSet(ctx, changes), func(ctx context.Context) error {
		if err := p.apply(ctx, evt, at); err != nil {
			return err
		}
		if afterApply != nil {
			return afterApply(ctx)
		}
		return nil
	})
	if err != nil {
		err = classifyConflict(err)
		// Entries cached during the rolled-back transaction may name rows that
		// no longer exist.
		p.cache.InvalidateAll()
		metrics.RecordEvent(string(evt.Kind), outcomeLabel(err), time.Since(start))
		return err
	}

	metrics.RecordEvent(string(evt.Kind), "applied", time.Since(start))
	p.publish(ctx, evt, changes.Changes())
	return nil
}

// classifyConflict reports a unique-key collision as ConflictingIdentity. The
// same event collides again on every replay, so it must fail the record and
// not the reader.
func classifyConflict(err error) error {
	if errors.Is(err, apperrors.ErrConflict) && !apperrors.IsRecoverable(err) {
		return fmt.Errorf("%w: %w", apperrors.ErrConflictingIdentity, err)
	}
	return err
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrMessageIgnored):
		return "ignored"
	case apperrors.IsRecoverable(err):
		return "rejected"
	default:
		return "failed"
	}
}

func (p *eventProcessor) publish(ctx context.Context, evt *models.Event, changes []models.Change) {
	if len(changes) == 0 {
		return
	}
	for _, change := range changes {
		metrics.RecordEntityWrite(change.Family, change.Action)
	}
	if err := p.publisher.Publish(ctx, changes); err != nil {
		metrics.RecordPublishFailure()
		p.logger.Error("Failed to publish changes",
			zap.String("kind", string(evt.Kind)),
			zap.Int("changes", len(changes)),
			zap.Error(err))
	}
}

// apply dispatches on the event kind.
func (p *eventProcessor) apply(ctx context.Context, evt *models.Event, at rowstate.Timing) error {
	if err := evt.Validate(); err != nil {
		return err
	}

	switch evt.Kind {
	case models.EventMergePatient:
		return p.persons.MergeMrns(ctx, evt, at)

	case models.EventDeletePersonInformation:
		return p.persons.DeletePersonInformation(ctx, evt, at)

	case models.EventMoveVisit:
		mrn, err := p.persons.GetOrCreateMrn(ctx, evt.Patient, at)
		if err != nil {
			return err
		}
		return p.visits.MoveVisit(ctx, evt, mrn, at)

	case models.EventRegisterPatient, models.EventAdmitPatient, models.EventDischargePatient,
		models.EventCancelDischarge, models.EventCancelAdmit, models.EventUpdatePatientInfo:
		mrn, err := p.persons.GetOrCreateMrn(ctx, evt.Patient, at)
		if err != nil {
			return err
		}
		return p.visits.ProcessAdt(ctx, evt, mrn, at)

	case models.EventLabOrder:
		mrn, err := p.persons.GetOrCreateMrn(ctx, evt.Patient, at)
		if err != nil {
			return err
		}
		var visit *models.HospitalVisit
		if evt.Lab.VisitNumber != "" {
			if visit, err = p.visits.GetOrCreateMinimalVisit(ctx, evt.Lab.VisitNumber, mrn, at); err != nil {
				return err
			}
		}
		return p.labs.ProcessLabOrder(ctx, evt, mrn, visit, at)

	case models.EventFlowsheet:
		if evt.Flowsheet.VisitNumber == "" {
			return fmt.Errorf("flowsheet value has no visit number: %w", apperrors.ErrMessageIgnored)
		}
		mrn, err := p.persons.GetOrCreateMrn(ctx, evt.Patient, at)
		if err != nil {
			return err
		}
		visit, err := p.visits.GetOrCreateMinimalVisit(ctx, evt.Flowsheet.VisitNumber, mrn, at)
		if err != nil {
			return err
		}
		return p.observations.ProcessFlowsheet(ctx, evt, visit, at)

	case models.EventFlowsheetMetadata:
		return p.observations.ProcessMetadata(ctx, evt, at)

	case models.EventWaveform:
		return p.observations.ProcessWaveform(ctx, evt, at)
	}

	return fmt.Errorf("no handler for event kind %q: %w", evt.Kind, apperrors.ErrUnparseable)
}
