package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-clinical/pkg/database"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

// LabTestDefinitionRepository provides data access for lab test definitions.
type LabTestDefinitionRepository interface {
	FindByKey(ctx context.Context, labProvider, labDepartment, testLabCode string) (*models.LabTestDefinition, error)
	Save(ctx context.Context, def *models.LabTestDefinition) error
	Delete(ctx context.Context, def *models.LabTestDefinition) error
}

// LabBatteryElementRepository provides data access for battery membership.
type LabBatteryElementRepository interface {
	FindByKey(ctx context.Context, batteryCode string, testDefinitionID uuid.UUID, labProvider string) (*models.LabBatteryElement, error)
	Save(ctx context.Context, element *models.LabBatteryElement) error
	Delete(ctx context.Context, element *models.LabBatteryElement) error
}

type labTestDefinitionRepository struct{}

// NewLabTestDefinitionRepository creates a new LabTestDefinitionRepository.
func NewLabTestDefinitionRepository() LabTestDefinitionRepository {
	return &labTestDefinitionRepository{}
}

var _ LabTestDefinitionRepository = (*labTestDefinitionRepository)(nil)

func (r *labTestDefinitionRepository) FindByKey(ctx context.Context, labProvider, labDepartment, testLabCode string) (*models.LabTestDefinition, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no transaction scope in context")
	}

	query := `
		SELECT id, lab_provider, lab_department, test_lab_code, name, source_system, valid_from, stored_from
		FROM lab_test_definition
		WHERE lab_provider = $1 AND lab_department = $2 AND test_lab_code = $3`

	var d models.LabTestDefinition
	err := scope.Tx.QueryRow(ctx, query, labProvider, labDepartment, testLabCode).Scan(
		&d.ID, &d.LabProvider, &d.LabDepartment, &d.TestLabCode, &d.Name,
		&d.SourceSystem, &d.ValidFrom, &d.StoredFrom,
	)
	if err != nil {
		return nil, findError(err, "lab test definition")
	}
	return &d, nil
}

func (r *labTestDefinitionRepository) Save(ctx context.Context, d *models.LabTestDefinition) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	query := `
		INSERT INTO lab_test_definition (
			id, lab_provider, lab_department, test_lab_code, name, source_system, valid_from, stored_from
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			source_system = EXCLUDED.source_system`

	_, err := scope.Tx.Exec(ctx, query,
		d.ID, d.LabProvider, d.LabDepartment, d.TestLabCode, d.Name, d.SourceSystem, d.ValidFrom, d.StoredFrom)
	if err != nil {
		return saveError(err, "lab test definition")
	}
	return nil
}

func (r *labTestDefinitionRepository) Delete(ctx context.Context, d *models.LabTestDefinition) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	if _, err := scope.Tx.Exec(ctx, `DELETE FROM lab_test_definition WHERE id = $1`, d.ID); err != nil {
		return fmt.Errorf("failed to delete lab test definition: %w", err)
	}
	return nil
}

type labBatteryElementRepository struct{}

// NewLabBatteryElementRepository creates a new LabBatteryElementRepository.
func NewLabBatteryElementRepository() LabBatteryElementRepository {
	return &labBatteryElementRepository{}
}

var _ LabBatteryElementRepository = (*labBatteryElementRepository)(nil)

func (r *labBatteryElementRepository) FindByKey(ctx context.Context, batteryCode string, testDefinitionID uuid.UUID, labProvider string) (*models.LabBatteryElement, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no transaction scope in context")
	}

	query := `
		SELECT id, battery_code, lab_test_definition_id, lab_provider, source_system, valid_from, stored_from
		FROM lab_battery_element
		WHERE battery_code = $1 AND lab_test_definition_id = $2 AND lab_provider = $3`

	e, err := scanLabBatteryElement(scope.Tx.QueryRow(ctx, query, batteryCode, testDefinitionID, labProvider))
	if err != nil {
		return nil, findError(err, "lab battery element")
	}
	return e, nil
}

func (r *labBatteryElementRepository) Save(ctx context.Context, e *models.LabBatteryElement) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	query := `
		INSERT INTO lab_battery_element (
			id, battery_code, lab_test_definition_id, lab_provider, source_system, valid_from, stored_from
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			source_system = EXCLUDED.source_system`

	_, err := scope.Tx.Exec(ctx, query,
		e.ID, e.BatteryCode, e.LabTestDefinitionID, e.LabProvider, e.SourceSystem, e.ValidFrom, e.StoredFrom)
	if err != nil {
		return saveError(err, "lab battery element")
	}
	return nil
}

func (r *labBatteryElementRepository) Delete(ctx context.Context, e *models.LabBatteryElement) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	if _, err := scope.Tx.Exec(ctx, `DELETE FROM lab_battery_element WHERE id = $1`, e.ID); err != nil {
		return fmt.Errorf("failed to delete lab battery element: %w", err)
	}
	return nil
}

func scanLabBatteryElement(row pgx.Row) (*models.LabBatteryElement, error) {
	var e models.LabBatteryElement
	err := row.Scan(&e.ID, &e.BatteryCode, &e.LabTestDefinitionID, &e.LabProvider,
		&e.SourceSystem, &e.ValidFrom, &e.StoredFrom)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
