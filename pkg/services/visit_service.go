package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
	"github.com/ekaya-inc/ekaya-clinical/pkg/repositories"
	"github.com/ekaya-inc/ekaya-clinical/pkg/rowstate"
)

// VisitService reconciles hospital visits from patient administration events.
type VisitService interface {
	// ProcessAdt applies an admission, discharge, cancellation, registration or
	// patient info update to the event's visit.
	ProcessAdt(ctx context.Context, evt *models.Event, mrn *models.Mrn, at rowstate.Timing) error

	// MoveVisit re-keys an encounter to a new visit number and/or patient.
	MoveVisit(ctx context.Context, evt *models.Event, mrn *models.Mrn, at rowstate.Timing) error

	// GetOrCreateMinimalVisit returns the visit for encounter, creating it with
	// only its key when a lab or flowsheet event arrives before any ADT event.
	GetOrCreateMinimalVisit(ctx context.Context, encounter string, mrn *models.Mrn, at rowstate.Timing) (*models.HospitalVisit, error)
}

type visitService struct {
	repos  *repositories.Set
	trust  TrustTable
	logger *zap.Logger
}

// NewVisitService creates a new VisitService.
func NewVisitService(repos *repositories.Set, trust TrustTable, logger *zap.Logger) VisitService {
	return &visitService{
		repos:  repos,
		trust:  trust,
		logger: logger.Named("visit-service"),
	}
}

var _ VisitService = (*visitService)(nil)

func (s *visitService) resolveVisit(ctx context.Context, encounter string, mrn *models.Mrn, at rowstate.Timing) (*rowstate.RowState[*models.HospitalVisit], error) {
	return rowstate.Resolve(ctx,
		func(ctx context.Context) (*models.HospitalVisit, error) { return s.repos.Visits.FindByEncounter(ctx, encounter) },
		func() *models.HospitalVisit { return &models.HospitalVisit{Encounter: encounter, MrnID: mrn.ID} },
		at,
	)
}

func (s *visitService) GetOrCreateMinimalVisit(ctx context.Context, encounter string, mrn *models.Mrn, at rowstate.Timing) (*models.HospitalVisit, error) {
	state, err := s.resolveVisit(ctx, encounter, mrn, at)
	if err != nil {
		return nil, err
	}
	if state.IsCreated() {
		if _, err := state.Finalize(ctx, s.repos.Visits, s.repos.Audit); err != nil {
			return nil, err
		}
	}
	return state.Entity(), nil
}

func (s *visitService) ProcessAdt(ctx context.Context, evt *models.Event, mrn *models.Mrn, at rowstate.Timing) error {
	adt := evt.Adt
	if adt.VisitNumber == "" {
		if evt.Kind == models.EventUpdatePatientInfo || evt.Kind == models.EventRegisterPatient {
			// Patient-level update only; the identity was handled by the person service.
			return nil
		}
		return fmt.Errorf("%s event has no visit number: %w", evt.Kind, apperrors.ErrMessageIgnored)
	}

	state, err := s.resolveVisit(ctx, adt.VisitNumber, mrn, at)
	if err != nil {
		return err
	}

	if !state.ShouldApply(s.trust, at.Source) {
		s.logger.Debug("Visit update rejected by trust gate",
			zap.String("encounter", adt.VisitNumber),
			zap.String("kind", string(evt.Kind)),
			zap.String("source", at.Source))
		return nil
	}

	visit := state.Entity()
	rowstate.AssignIfDifferent(state, mrn.ID, visit.MrnID, func(v uuid.UUID) { visit.MrnID = v })

	switch evt.Kind {
	case models.EventRegisterPatient:
		s.applyPatientInfo(state, adt)
		rowstate.AssignValueIfDifferent(state, adt.PresentationTime, visit.PresentationTime, func(v *time.Time) { visit.PresentationTime = v })

	case models.EventAdmitPatient:
		s.applyPatientInfo(state, adt)
		rowstate.AssignValueIfDifferent(state, adt.PresentationTime, visit.PresentationTime, func(v *time.Time) { visit.PresentationTime = v })
		rowstate.AssignValueIfDifferent(state, adt.AdmissionTime, visit.AdmissionTime, func(v *time.Time) { visit.AdmissionTime = v })

	case models.EventDischargePatient:
		if adt.DischargeTime == nil {
			return fmt.Errorf("discharge of %s has no discharge time: %w", adt.VisitNumber, apperrors.ErrRequiredDataMissing)
		}
		s.applyPatientInfo(state, adt)
		rowstate.AssignIfDifferent(state, adt.DischargeTime, visit.DischargeTime, func(v *time.Time) { visit.DischargeTime = v })
		rowstate.AssignIfDifferent(state, adt.DischargeDisposition, visit.DischargeDisposition, func(v *string) { visit.DischargeDisposition = v })
		rowstate.AssignIfDifferent(state, adt.DischargeDestination, visit.DischargeDestination, func(v *string) { visit.DischargeDestination = v })
		if visit.AdmissionTime == nil {
			rowstate.AssignValueIfDifferent(state, adt.AdmissionTime, visit.AdmissionTime, func(v *time.Time) { visit.AdmissionTime = v })
		}

	case models.EventCancelDischarge:
		cancelledAt := cancellationTime(adt)
		rowstate.RemoveIfExists(state, visit.DischargeTime, func(v *time.Time) { visit.DischargeTime = v }, cancelledAt)
		rowstate.RemoveIfExists(state, visit.DischargeDisposition, func(v *string) { visit.DischargeDisposition = v }, cancelledAt)
		rowstate.RemoveIfExists(state, visit.DischargeDestination, func(v *string) { visit.DischargeDestination = v }, cancelledAt)

	case models.EventCancelAdmit:
		rowstate.RemoveIfExists(state, visit.AdmissionTime, func(v *time.Time) { visit.AdmissionTime = v }, cancellationTime(adt))

	case models.EventUpdatePatientInfo:
		s.applyPatientInfo(state, adt)

	default:
		return fmt.Errorf("visit service cannot handle %s: %w", evt.Kind, apperrors.ErrUnparseable)
	}

	outcome, err := state.Finalize(ctx, s.repos.Visits, s.repos.Audit)
	if err != nil {
		return err
	}
	s.logger.Debug("Reconciled visit",
		zap.String("encounter", adt.VisitNumber),
		zap.String("kind", string(evt.Kind)),
		zap.Stringer("outcome", outcome))
	return nil
}

func (s *visitService) applyPatientInfo(state *rowstate.RowState[*models.HospitalVisit], adt *models.AdtDetails) {
	visit := state.Entity()
	rowstate.AssignValueIfDifferent(state, adt.PatientClass, visit.PatientClass, func(v *string) { visit.PatientClass = v })
	rowstate.AssignValueIfDifferent(state, adt.ArrivalMethod, visit.ArrivalMethod, func(v *string) { visit.ArrivalMethod = v })
}

// cancellationTime is when the cancelled fact stopped being true. Zero keeps
// the event time.
func cancellationTime(adt *models.AdtDetails) time.Time {
	if adt.CancelledAt == nil {
		return time.Time{}
	}
	return *adt.CancelledAt
}

func (s *visitService) MoveVisit(ctx context.Context, evt *models.Event, mrn *models.Mrn, at rowstate.Timing) error {
	adt := evt.Adt
	target := adt.VisitNumber
	previous := adt.PreviousVisitNumber
	if previous == "" {
		previous = target
	}
	if target == "" {
		return fmt.Errorf("move visit has no visit number: %w", apperrors.ErrRequiredDataMissing)
	}

	visit, err := s.repos.Visits.FindByEncounter(ctx, previous)
	if errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("no visit %s to move: %w", previous, apperrors.ErrMessageIgnored)
	}
	if err != nil {
		return err
	}

	if adt.PreviousMrn != "" {
		previousMrn, err := s.repos.Mrns.FindByMrn(ctx, adt.PreviousMrn)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		if previousMrn == nil || previousMrn.ID != visit.MrnID {
			return fmt.Errorf("visit %s is not filed under mrn %s: %w", previous, adt.PreviousMrn, apperrors.ErrIncompatibleState)
		}
	}

	state := rowstate.Existing(visit, at)
	if !state.ShouldApply(s.trust, at.Source) {
		return fmt.Errorf("move of visit %s rejected by trust gate: %w", previous, apperrors.ErrMessageIgnored)
	}

	plan := MergePlan[*models.HospitalVisit]{
		Description: fmt.Sprintf("visit %s to %s under mrn %s", previous, target, mrn.Mrn),
		Primary:     state,
		SameIdentity: func() bool {
			return visit.Encounter == target && visit.MrnID == mrn.ID
		},
		TargetOccupied: func(ctx context.Context) (bool, error) {
			if target == visit.Encounter {
				return false, nil
			}
			_, err := s.repos.Visits.FindByEncounter(ctx, target)
			if errors.Is(err, apperrors.ErrNotFound) {
				return false, nil
			}
			return err == nil, err
		},
		CopyIdentifiers: func(context.Context) error {
			rowstate.AssignIfDifferent(state, target, visit.Encounter, func(v string) { visit.Encounter = v })
			rowstate.AssignIfDifferent(state, mrn.ID, visit.MrnID, func(v uuid.UUID) { visit.MrnID = v })
			return nil
		},
		RepointDependents: func(ctx context.Context) error {
			return s.repointLabNumbers(ctx, visit, mrn, at)
		},
		Saver:  s.repos.Visits,
		Audits: s.repos.Audit,
	}

	if _, err := Merge(ctx, plan); err != nil {
		return err
	}

	s.logger.Info("Moved visit",
		zap.String("from_encounter", previous),
		zap.String("to_encounter", target),
		zap.String("mrn", mrn.Mrn))
	return nil
}

// repointLabNumbers moves the visit's lab numbers to the visit's new patient.
func (s *visitService) repointLabNumbers(ctx context.Context, visit *models.HospitalVisit, mrn *models.Mrn, at rowstate.Timing) error {
	labNumbers, err := s.repos.LabNumbers.FindAllByVisitID(ctx, visit.ID)
	if err != nil {
		return err
	}
	for _, labNumber := range labNumbers {
		if labNumber.MrnID == mrn.ID {
			continue
		}
		key := models.LabNumberKey{
			MrnID:             mrn.ID,
			HospitalVisitID:   labNumber.HospitalVisitID,
			InternalLabNumber: labNumber.InternalLabNumber,
			ExternalLabNumber: labNumber.ExternalLabNumber,
		}
		if _, err := s.repos.LabNumbers.FindByKey(ctx, key); err == nil {
			return fmt.Errorf("lab number %s already filed under mrn %s: %w",
				labNumber.InternalLabNumber, mrn.Mrn, apperrors.ErrConflictingIdentity)
		} else if !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}

		labState := rowstate.Existing(labNumber, at)
		rowstate.AssignIfDifferent(labState, mrn.ID, labNumber.MrnID, func(v uuid.UUID) { labNumber.MrnID = v })
		if _, err := labState.Finalize(ctx, s.repos.LabNumbers, s.repos.Audit); err != nil {
			return err
		}
	}
	return nil
}
