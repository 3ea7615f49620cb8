package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-clinical/pkg/database"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

// LabOrderRepository provides data access for lab orders.
type LabOrderRepository interface {
	FindByKey(ctx context.Context, batteryElementID, labNumberID uuid.UUID, orderDatetime time.Time) (*models.LabOrder, error)
	Save(ctx context.Context, order *models.LabOrder) error
	Delete(ctx context.Context, order *models.LabOrder) error
}

// LabResultRepository provides data access for lab results.
type LabResultRepository interface {
	FindByKey(ctx context.Context, labOrderID, testDefinitionID uuid.UUID) (*models.LabResult, error)
	Save(ctx context.Context, result *models.LabResult) error
	Delete(ctx context.Context, result *models.LabResult) error
}

type labOrderRepository struct{}

// NewLabOrderRepository creates a new LabOrderRepository.
func NewLabOrderRepository() LabOrderRepository {
	return &labOrderRepository{}
}

var _ LabOrderRepository = (*labOrderRepository)(nil)

func (r *labOrderRepository) FindByKey(ctx context.Context, batteryElementID, labNumberID uuid.UUID, orderDatetime time.Time) (*models.LabOrder, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no transaction scope in context")
	}

	query := `
		SELECT id, lab_battery_element_id, lab_number_id, order_datetime, request_datetime,
			sample_datetime, clinical_information, source_system, valid_from, stored_from
		FROM lab_order
		WHERE lab_battery_element_id = $1 AND lab_number_id = $2 AND order_datetime = $3`

	var o models.LabOrder
	err := scope.Tx.QueryRow(ctx, query, batteryElementID, labNumberID, orderDatetime).Scan(
		&o.ID, &o.LabBatteryElementID, &o.LabNumberID, &o.OrderDatetime, &o.RequestDatetime,
		&o.SampleDatetime, &o.ClinicalInformation, &o.SourceSystem, &o.ValidFrom, &o.StoredFrom,
	)
	if err != nil {
		return nil, findError(err, "lab order")
	}
	return &o, nil
}

func (r *labOrderRepository) Save(ctx context.Context, o *models.LabOrder) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	query := `
		INSERT INTO lab_order (
			id, lab_battery_element_id, lab_number_id, order_datetime, request_datetime,
			sample_datetime, clinical_information, source_system, valid_from, stored_from
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			request_datetime = EXCLUDED.request_datetime,
			sample_datetime = EXCLUDED.sample_datetime,
			clinical_information = EXCLUDED.clinical_information,
			source_system = EXCLUDED.source_system`

	_, err := scope.Tx.Exec(ctx, query,
		o.ID, o.LabBatteryElementID, o.LabNumberID, o.OrderDatetime, o.RequestDatetime,
		o.SampleDatetime, o.ClinicalInformation, o.SourceSystem, o.ValidFrom, o.StoredFrom)
	if err != nil {
		return saveError(err, "lab order")
	}
	return nil
}

func (r *labOrderRepository) Delete(ctx context.Context, o *models.LabOrder) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	if _, err := scope.Tx.Exec(ctx, `DELETE FROM lab_order WHERE id = $1`, o.ID); err != nil {
		return fmt.Errorf("failed to delete lab order: %w", err)
	}
	return nil
}

type labResultRepository struct{}

// NewLabResultRepository creates a new LabResultRepository.
func NewLabResultRepository() LabResultRepository {
	return &labResultRepository{}
}

var _ LabResultRepository = (*labResultRepository)(nil)

func (r *labResultRepository) FindByKey(ctx context.Context, labOrderID, testDefinitionID uuid.UUID) (*models.LabResult, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no transaction scope in context")
	}

	query := `
		SELECT id, lab_order_id, lab_test_definition_id, value_as_number, value_as_text, units,
			abnormal_flag, result_status, result_last_modified, source_system, valid_from, stored_from
		FROM lab_result
		WHERE lab_order_id = $1 AND lab_test_definition_id = $2`

	var res models.LabResult
	err := scope.Tx.QueryRow(ctx, query, labOrderID, testDefinitionID).Scan(
		&res.ID, &res.LabOrderID, &res.LabTestDefinitionID, &res.ValueAsNumber, &res.ValueAsText, &res.Units,
		&res.AbnormalFlag, &res.ResultStatus, &res.ResultLastModified, &res.SourceSystem, &res.ValidFrom, &res.StoredFrom,
	)
	if err != nil {
		return nil, findError(err, "lab result")
	}
	return &res, nil
}

func (r *labResultRepository) Save(ctx context.Context, res *models.LabResult) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	query := `
		INSERT INTO lab_result (
			id, lab_order_id, lab_test_definition_id, value_as_number, value_as_text, units,
			abnormal_flag, result_status, result_last_modified, source_system, valid_from, stored_from
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			value_as_number = EXCLUDED.value_as_number,
			value_as_text = EXCLUDED.value_as_text,
			units = EXCLUDED.units,
			abnormal_flag = EXCLUDED.abnormal_flag,
			result_status = EXCLUDED.result_status,
			result_last_modified = EXCLUDED.result_last_modified,
			source_system = EXCLUDED.source_system`

	_, err := scope.Tx.Exec(ctx, query,
		res.ID, res.LabOrderID, res.LabTestDefinitionID, res.ValueAsNumber, res.ValueAsText, res.Units,
		res.AbnormalFlag, res.ResultStatus, res.ResultLastModified, res.SourceSystem, res.ValidFrom, res.StoredFrom)
	if err != nil {
		return saveError(err, "lab result")
	}
	return nil
}

func (r *labResultRepository) Delete(ctx context.Context, res *models.LabResult) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	if _, err := scope.Tx.Exec(ctx, `DELETE FROM lab_result WHERE id = $1`, res.ID); err != nil {
		return fmt.Errorf("failed to delete lab result: %w", err)
	}
	return nil
}
