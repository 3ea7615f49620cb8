package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
	"github.com/ekaya-inc/ekaya-clinical/pkg/repositories"
	"github.com/ekaya-inc/ekaya-clinical/pkg/rowstate"
)

// LabService reconciles lab orders and their results.
type LabService interface {
	// ProcessLabOrder resolves the lab number, then for each result its test
	// definition, battery element, order and result.
	ProcessLabOrder(ctx context.Context, evt *models.Event, mrn *models.Mrn, visit *models.HospitalVisit, at rowstate.Timing) error
}

type labService struct {
	repos  *repositories.Set
	trust  TrustTable
	logger *zap.Logger
}

// NewLabService creates a new LabService.
func NewLabService(repos *repositories.Set, trust TrustTable, logger *zap.Logger) LabService {
	return &labService{
		repos:  repos,
		trust:  trust,
		logger: logger.Named("lab-service"),
	}
}

var _ LabService = (*labService)(nil)

func (s *labService) ProcessLabOrder(ctx context.Context, evt *models.Event, mrn *models.Mrn, visit *models.HospitalVisit, at rowstate.Timing) error {
	lab := evt.Lab
	if lab.InternalLabNumber == "" && lab.ExternalLabNumber == "" {
		return fmt.Errorf("lab order has no lab number: %w", apperrors.ErrRequiredDataMissing)
	}
	if lab.BatteryCode == "" || lab.LabProvider == "" || lab.OrderDatetime.IsZero() {
		return fmt.Errorf("lab order %s lacks battery, provider or order time: %w",
			lab.InternalLabNumber, apperrors.ErrRequiredDataMissing)
	}

	var visitID *uuid.UUID
	if visit != nil {
		visitID = &visit.ID
	}

	labNumber, err := s.getOrCreateLabNumber(ctx, lab, mrn, visitID, at)
	if err != nil {
		return err
	}

	if len(lab.Results) == 0 {
		s.logger.Debug("Lab order carries no results",
			zap.String("internal_lab_number", lab.InternalLabNumber),
			zap.String("battery_code", lab.BatteryCode))
		return nil
	}

	for i := range lab.Results {
		if err := s.processResult(ctx, lab, &lab.Results[i], labNumber, at); err != nil {
			return err
		}
	}
	return nil
}

func (s *labService) getOrCreateLabNumber(ctx context.Context, lab *models.LabOrderDetails, mrn *models.Mrn, visitID *uuid.UUID, at rowstate.Timing) (*models.LabNumber, error) {
	key := models.LabNumberKey{
		MrnID:             mrn.ID,
		HospitalVisitID:   visitID,
		InternalLabNumber: lab.InternalLabNumber,
		ExternalLabNumber: lab.ExternalLabNumber,
	}

	state, err := rowstate.Resolve(ctx,
		func(ctx context.Context) (*models.LabNumber, error) { return s.repos.LabNumbers.FindByKey(ctx, key) },
		func() *models.LabNumber {
			return &models.LabNumber{
				MrnID:             key.MrnID,
				HospitalVisitID:   key.HospitalVisitID,
				InternalLabNumber: key.InternalLabNumber,
				ExternalLabNumber: key.ExternalLabNumber,
				SpecimenType:      lab.SpecimenType,
			}
		},
		at,
	)
	if err != nil {
		return nil, err
	}

	labNumber := state.Entity()
	if !state.IsCreated() {
		if err := rowstate.RequireImmutable(models.FamilyLabNumber, "specimen type", labNumber.SpecimenType, lab.SpecimenType); err != nil {
			return nil, err
		}
		// Immutable once known, but a number created without one can still learn it.
		if labNumber.SpecimenType == "" && s.trust.IsTrusted(at.Source) {
			rowstate.AssignIfDifferent(state, lab.SpecimenType, labNumber.SpecimenType, func(v string) { labNumber.SpecimenType = v })
		}
	}

	if _, err := state.Finalize(ctx, s.repos.LabNumbers, s.repos.Audit); err != nil {
		return nil, err
	}
	return labNumber, nil
}

func (s *labService) processResult(ctx context.Context, lab *models.LabOrderDetails, item *models.LabResultItem, labNumber *models.LabNumber, at rowstate.Timing) error {
	if item.TestLabCode == "" {
		return fmt.Errorf("lab result in order %s has no test code: %w", lab.InternalLabNumber, apperrors.ErrRequiredDataMissing)
	}

	definition, err := s.getOrCreateTestDefinition(ctx, lab, item, at)
	if err != nil {
		return err
	}

	element, err := s.getOrCreateBatteryElement(ctx, lab, definition, at)
	if err != nil {
		return err
	}

	order, err := s.updateOrCreateOrder(ctx, lab, element, labNumber, at)
	if err != nil {
		return err
	}

	return s.updateOrCreateResult(ctx, item, order, definition, at)
}

func (s *labService) getOrCreateTestDefinition(ctx context.Context, lab *models.LabOrderDetails, item *models.LabResultItem, at rowstate.Timing) (*models.LabTestDefinition, error) {
	state, err := rowstate.Resolve(ctx,
		func(ctx context.Context) (*models.LabTestDefinition, error) {
			return s.repos.LabTestDefinitions.FindByKey(ctx, lab.LabProvider, lab.LabDepartment, item.TestLabCode)
		},
		func() *models.LabTestDefinition {
			return &models.LabTestDefinition{
				LabProvider:   lab.LabProvider,
				LabDepartment: lab.LabDepartment,
				TestLabCode:   item.TestLabCode,
			}
		},
		at,
	)
	if err != nil {
		return nil, err
	}

	definition := state.Entity()
	if state.ShouldApply(s.trust, at.Source) {
		rowstate.AssignValueIfDifferent(state, item.TestName, definition.Name, func(v *string) { definition.Name = v })
	}
	if _, err := state.Finalize(ctx, s.repos.LabTestDefinitions, s.repos.Audit); err != nil {
		return nil, err
	}
	return definition, nil
}

func (s *labService) getOrCreateBatteryElement(ctx context.Context, lab *models.LabOrderDetails, definition *models.LabTestDefinition, at rowstate.Timing) (*models.LabBatteryElement, error) {
	state, err := rowstate.Resolve(ctx,
		func(ctx context.Context) (*models.LabBatteryElement, error) {
			return s.repos.LabBatteryElements.FindByKey(ctx, lab.BatteryCode, definition.ID, lab.LabProvider)
		},
		func() *models.LabBatteryElement {
			return &models.LabBatteryElement{
				BatteryCode:         lab.BatteryCode,
				LabTestDefinitionID: definition.ID,
				LabProvider:         lab.LabProvider,
			}
		},
		at,
	)
	if err != nil {
		return nil, err
	}
	if _, err := state.Finalize(ctx, s.repos.LabBatteryElements, s.repos.Audit); err != nil {
		return nil, err
	}
	return state.Entity(), nil
}

func (s *labService) updateOrCreateOrder(ctx context.Context, lab *models.LabOrderDetails, element *models.LabBatteryElement, labNumber *models.LabNumber, at rowstate.Timing) (*models.LabOrder, error) {
	state, err := rowstate.Resolve(ctx,
		func(ctx context.Context) (*models.LabOrder, error) {
			return s.repos.LabOrders.FindByKey(ctx, element.ID, labNumber.ID, lab.OrderDatetime)
		},
		func() *models.LabOrder {
			return &models.LabOrder{
				LabBatteryElementID: element.ID,
				LabNumberID:         labNumber.ID,
				OrderDatetime:       lab.OrderDatetime,
			}
		},
		at,
	)
	if err != nil {
		return nil, err
	}

	order := state.Entity()
	if state.ShouldApply(s.trust, at.Source) {
		rowstate.AssignValueIfDifferent(state, lab.RequestDatetime, order.RequestDatetime, func(v *time.Time) { order.RequestDatetime = v })
		rowstate.AssignValueIfDifferent(state, lab.SampleDatetime, order.SampleDatetime, func(v *time.Time) { order.SampleDatetime = v })
		rowstate.AssignValueIfDifferent(state, lab.ClinicalInformation, order.ClinicalInformation, func(v *string) { order.ClinicalInformation = v })
	}
	if _, err := state.Finalize(ctx, s.repos.LabOrders, s.repos.Audit); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *labService) updateOrCreateResult(ctx context.Context, item *models.LabResultItem, order *models.LabOrder, definition *models.LabTestDefinition, at rowstate.Timing) error {
	resultTime := at.EventTime
	if item.ResultTime != nil {
		resultTime = *item.ResultTime
	}

	state, err := rowstate.Resolve(ctx,
		func(ctx context.Context) (*models.LabResult, error) {
			return s.repos.LabResults.FindByKey(ctx, order.ID, definition.ID)
		},
		func() *models.LabResult {
			return &models.LabResult{
				LabOrderID:          order.ID,
				LabTestDefinitionID: definition.ID,
				ResultLastModified:  resultTime,
			}
		},
		at,
	)
	if err != nil {
		return err
	}

	result := state.Entity()
	if !state.ShouldApply(s.trust, at.Source) || !state.IsNewerOrCreated() || resultTime.Before(result.ResultLastModified) {
		s.logger.Debug("Lab result update skipped",
			zap.String("test_lab_code", definition.TestLabCode),
			zap.String("source", at.Source))
		return nil
	}

	rowstate.AssignValueIfDifferent(state, item.ValueAsNumber, result.ValueAsNumber, func(v *float64) { result.ValueAsNumber = v })
	rowstate.AssignValueIfDifferent(state, item.ValueAsText, result.ValueAsText, func(v *string) { result.ValueAsText = v })
	rowstate.AssignValueIfDifferent(state, item.Units, result.Units, func(v *string) { result.Units = v })
	rowstate.AssignValueIfDifferent(state, item.AbnormalFlag, result.AbnormalFlag, func(v *string) { result.AbnormalFlag = v })
	rowstate.AssignValueIfDifferent(state, item.ResultStatus, result.ResultStatus, func(v *string) { result.ResultStatus = v })
	if state.IsUpdated() {
		rowstate.AssignIfDifferent(state, resultTime, result.ResultLastModified, func(v time.Time) { result.ResultLastModified = v })
	}

	_, err = state.Finalize(ctx, s.repos.LabResults, s.repos.Audit)
	return err
}
