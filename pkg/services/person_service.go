package services

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
	"github.com/ekaya-inc/ekaya-clinical/pkg/repositories"
	"github.com/ekaya-inc/ekaya-clinical/pkg/rowstate"
)

// PersonService reconciles patient identities.
type PersonService interface {
	// GetOrCreateMrn resolves the patient's record number, creating it if
	// needed, and applies the NHS number through the trust gate.
	GetOrCreateMrn(ctx context.Context, patient *models.PatientIdentity, at rowstate.Timing) (*models.Mrn, error)

	// MergeMrns retires evt.Adt.RetiredMrn into evt.Patient.Mrn. The retired
	// number becomes an alias of the survivor and its visits and lab numbers
	// are repointed.
	MergeMrns(ctx context.Context, evt *models.Event, at rowstate.Timing) error

	// DeletePersonInformation audits and deletes the patient's visits that
	// are older than the message, together with their observations.
	DeletePersonInformation(ctx context.Context, evt *models.Event, at rowstate.Timing) error
}

type personService struct {
	repos  *repositories.Set
	trust  TrustTable
	logger *zap.Logger
}

// NewPersonService creates a new PersonService.
func NewPersonService(repos *repositories.Set, trust TrustTable, logger *zap.Logger) PersonService {
	return &personService{
		repos:  repos,
		trust:  trust,
		logger: logger.Named("person-service"),
	}
}

var _ PersonService = (*personService)(nil)

func (s *personService) resolveMrn(ctx context.Context, mrn string, at rowstate.Timing) (*rowstate.RowState[*models.Mrn], error) {
	return rowstate.Resolve(ctx,
		func(ctx context.Context) (*models.Mrn, error) { return s.repos.Mrns.FindByMrn(ctx, mrn) },
		func() *models.Mrn { return &models.Mrn{Mrn: mrn} },
		at,
	)
}

func (s *personService) GetOrCreateMrn(ctx context.Context, patient *models.PatientIdentity, at rowstate.Timing) (*models.Mrn, error) {
	if patient == nil || patient.Mrn == "" {
		return nil, fmt.Errorf("event has no mrn: %w", apperrors.ErrRequiredDataMissing)
	}

	state, err := s.resolveMrn(ctx, patient.Mrn, at)
	if err != nil {
		return nil, err
	}

	if state.ShouldApply(s.trust, at.Source) {
		mrn := state.Entity()
		rowstate.AssignValueIfDifferent(state, patient.NhsNumber, mrn.NhsNumber, func(v *string) { mrn.NhsNumber = v })
	}

	if _, err := state.Finalize(ctx, s.repos.Mrns, s.repos.Audit); err != nil {
		return nil, err
	}
	return state.Entity(), nil
}

func (s *personService) MergeMrns(ctx context.Context, evt *models.Event, at rowstate.Timing) error {
	surviving := evt.Patient.Mrn
	retired := evt.Adt.RetiredMrn
	if retired == "" {
		return fmt.Errorf("merge into mrn %s has no retired mrn: %w", surviving, apperrors.ErrRequiredDataMissing)
	}
	if !s.trust.IsTrusted(at.Source) {
		return fmt.Errorf("merge of mrn %s from untrusted source %s: %w", retired, at.Source, apperrors.ErrMessageIgnored)
	}

	primary, err := s.resolveMrn(ctx, surviving, at)
	if err != nil {
		return err
	}

	var secondary *rowstate.RowState[*models.Mrn]
	retiredRecord, err := s.repos.Mrns.FindByMrn(ctx, retired)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
	case err != nil:
		return err
	case retiredRecord.ID != primary.Entity().Meta().ID && retiredRecord.Mrn == retired:
		secondary = rowstate.Existing(retiredRecord, at)
	}

	survivor := primary.Entity()
	plan := MergePlan[*models.Mrn]{
		Description: fmt.Sprintf("mrn %s into %s", retired, surviving),
		Primary:     primary,
		Secondary:   secondary,
		SameIdentity: func() bool {
			return retiredRecord != nil && retiredRecord.ID == survivor.ID
		},
		TargetOccupied: func(context.Context) (bool, error) {
			// The retired number only survives as an alias of some other patient.
			return retiredRecord != nil && retiredRecord.ID != survivor.ID && retiredRecord.Mrn != retired, nil
		},
		CopyIdentifiers: func(context.Context) error {
			aliases := slices.Clone(survivor.Aliases)
			incoming := []string{retired}
			if secondary != nil {
				incoming = append(incoming, secondary.Entity().Aliases...)
			}
			for _, alias := range incoming {
				if alias != survivor.Mrn && !slices.Contains(aliases, alias) {
					aliases = append(aliases, alias)
				}
			}
			rowstate.AssignIfDifferent(primary, aliases, survivor.Aliases, func(v []string) { survivor.Aliases = v })

			if secondary != nil {
				rowstate.AssignIfCurrentlyNullOrNewer(primary, secondary.Entity().NhsNumber, survivor.NhsNumber,
					func(v *string) { survivor.NhsNumber = v }, at.EventTime, survivor.ValidFrom)
			}
			return nil
		},
		RepointDependents: func(ctx context.Context) error {
			if secondary == nil {
				return nil
			}
			return s.repointPatient(ctx, secondary.Entity().ID, survivor.ID, at)
		},
		DeleteSecondary: s.repos.Mrns.Delete,
		Saver:           s.repos.Mrns,
		Audits:          s.repos.Audit,
	}

	if _, err := Merge(ctx, plan); err != nil {
		return err
	}

	s.logger.Info("Merged patient identities",
		zap.String("retired_mrn", retired),
		zap.String("surviving_mrn", surviving),
		zap.Bool("retired_record_existed", secondary != nil))
	return nil
}

// repointPatient moves visits and lab numbers from one patient to another.
func (s *personService) repointPatient(ctx context.Context, from, to uuid.UUID, at rowstate.Timing) error {
	visits, err := s.repos.Visits.FindAllByMrnID(ctx, from)
	if err != nil {
		return err
	}
	for _, visit := range visits {
		state := rowstate.Existing(visit, at)
		rowstate.AssignIfDifferent(state, to, visit.MrnID, func(v uuid.UUID) { visit.MrnID = v })
		if _, err := state.Finalize(ctx, s.repos.Visits, s.repos.Audit); err != nil {
			return err
		}
	}

	labNumbers, err := s.repos.LabNumbers.FindAllByMrnID(ctx, from)
	if err != nil {
		return err
	}
	for _, labNumber := range labNumbers {
		key := models.LabNumberKey{
			MrnID:             to,
			HospitalVisitID:   labNumber.HospitalVisitID,
			InternalLabNumber: labNumber.InternalLabNumber,
			ExternalLabNumber: labNumber.ExternalLabNumber,
		}
		if err := s.requireLabNumberKeyFree(ctx, key, labNumber); err != nil {
			return err
		}
		state := rowstate.Existing(labNumber, at)
		rowstate.AssignIfDifferent(state, to, labNumber.MrnID, func(v uuid.UUID) { labNumber.MrnID = v })
		if _, err := state.Finalize(ctx, s.repos.LabNumbers, s.repos.Audit); err != nil {
			return err
		}
	}
	return nil
}

func (s *personService) DeletePersonInformation(ctx context.Context, evt *models.Event, at rowstate.Timing) error {
	mrn, err := s.repos.Mrns.FindByMrn(ctx, evt.Patient.Mrn)
	if errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("no patient %s to delete: %w", evt.Patient.Mrn, apperrors.ErrMessageIgnored)
	}
	if err != nil {
		return err
	}

	visits, err := s.repos.Visits.FindAllByMrnID(ctx, mrn.ID)
	if err != nil {
		return err
	}

	deleted := 0
	for _, visit := range visits {
		state := rowstate.Existing(visit, at)
		if !state.ShouldApply(s.trust, at.Source) {
			s.logger.Debug("Keeping visit newer than delete message",
				zap.String("encounter", visit.Encounter))
			continue
		}
		if err := s.deleteVisitDependents(ctx, visit, at); err != nil {
			return err
		}
		if err := state.DeleteWithAudit(ctx, s.repos.Visits, s.repos.Audit); err != nil {
			return err
		}
		deleted++
	}

	s.logger.Info("Deleted person information",
		zap.String("mrn", mrn.Mrn),
		zap.Int("visits_deleted", deleted),
		zap.Int("visits_kept", len(visits)-deleted))
	return nil
}

// deleteVisitDependents audits and deletes the visit's observations. Lab
// numbers stay filed against the patient and waveforms against their bed
// location, so both are only detached from the visit.
func (s *personService) deleteVisitDependents(ctx context.Context, visit *models.HospitalVisit, at rowstate.Timing) error {
	observations, err := s.repos.Observations.FindAllByVisitID(ctx, visit.ID)
	if err != nil {
		return err
	}
	for _, observation := range observations {
		if err := rowstate.Existing(observation, at).DeleteWithAudit(ctx, s.repos.Observations, s.repos.Audit); err != nil {
			return err
		}
	}

	waveforms, err := s.repos.Waveforms.FindAllByVisitID(ctx, visit.ID)
	if err != nil {
		return err
	}
	for _, waveform := range waveforms {
		state := rowstate.Existing(waveform, at)
		rowstate.AssignIfDifferent(state, (*uuid.UUID)(nil), waveform.HospitalVisitID, func(v *uuid.UUID) { waveform.HospitalVisitID = v })
		if _, err := state.Finalize(ctx, s.repos.Waveforms, s.repos.Audit); err != nil {
			return err
		}
	}

	labNumbers, err := s.repos.LabNumbers.FindAllByVisitID(ctx, visit.ID)
	if err != nil {
		return err
	}
	for _, labNumber := range labNumbers {
		key := models.LabNumberKey{
			MrnID:             labNumber.MrnID,
			InternalLabNumber: labNumber.InternalLabNumber,
			ExternalLabNumber: labNumber.ExternalLabNumber,
		}
		if err := s.requireLabNumberKeyFree(ctx, key, labNumber); err != nil {
			return err
		}
		state := rowstate.Existing(labNumber, at)
		rowstate.AssignIfDifferent(state, (*uuid.UUID)(nil), labNumber.HospitalVisitID, func(v *uuid.UUID) { labNumber.HospitalVisitID = v })
		if _, err := state.Finalize(ctx, s.repos.LabNumbers, s.repos.Audit); err != nil {
			return err
		}
	}
	return nil
}

// requireLabNumberKeyFree fails with ConflictingIdentity when moving
// labNumber onto key would collide with a different lab number.
func (s *personService) requireLabNumberKeyFree(ctx context.Context, key models.LabNumberKey, labNumber *models.LabNumber) error {
	existing, err := s.repos.LabNumbers.FindByKey(ctx, key)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.ID != labNumber.ID {
		return fmt.Errorf("lab number %s/%s already filed under the target key: %w",
			labNumber.InternalLabNumber, labNumber.ExternalLabNumber, apperrors.ErrConflictingIdentity)
	}
	return nil
}
