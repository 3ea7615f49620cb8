package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-clinical/pkg/database"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

// LabNumberRepository provides data access for specimen lab numbers.
type LabNumberRepository interface {
	// FindByKey returns apperrors.ErrNotFound if no lab number has the key.
	FindByKey(ctx context.Context, key models.LabNumberKey) (*models.LabNumber, error)

	// FindAllByMrnID returns the lab numbers filed under the MRN.
	FindAllByMrnID(ctx context.Context, mrnID uuid.UUID) ([]*models.LabNumber, error)

	// FindAllByVisitID returns the lab numbers attached to the visit.
	FindAllByVisitID(ctx context.Context, visitID uuid.UUID) ([]*models.LabNumber, error)

	Save(ctx context.Context, labNumber *models.LabNumber) error
	Delete(ctx context.Context, labNumber *models.LabNumber) error
}

type labNumberRepository struct{}

// NewLabNumberRepository creates a new LabNumberRepository.
func NewLabNumberRepository() LabNumberRepository {
	return &labNumberRepository{}
}

var _ LabNumberRepository = (*labNumberRepository)(nil)

const labNumberColumns = `id, mrn_id, hospital_visit_id, internal_lab_number, external_lab_number,
	specimen_type, source_system, valid_from, stored_from`

func (r *labNumberRepository) FindByKey(ctx context.Context, key models.LabNumberKey) (*models.LabNumber, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no transaction scope in context")
	}

	query := `
		SELECT ` + labNumberColumns + `
		FROM lab_number
		WHERE mrn_id = $1
		  AND hospital_visit_id IS NOT DISTINCT FROM $2
		  AND internal_lab_number = $3
		  AND external_lab_number = $4`

	l, err := scanLabNumber(scope.Tx.QueryRow(ctx, query,
		key.MrnID, key.HospitalVisitID, key.InternalLabNumber, key.ExternalLabNumber))
	if err != nil {
		return nil, findError(err, "lab number")
	}
	return l, nil
}

func (r *labNumberRepository) FindAllByMrnID(ctx context.Context, mrnID uuid.UUID) ([]*models.LabNumber, error) {
	return r.findAll(ctx, `SELECT `+labNumberColumns+` FROM lab_number WHERE mrn_id = $1`, mrnID)
}

func (r *labNumberRepository) FindAllByVisitID(ctx context.Context, visitID uuid.UUID) ([]*models.LabNumber, error) {
	return r.findAll(ctx, `SELECT `+labNumberColumns+` FROM lab_number WHERE hospital_visit_id = $1`, visitID)
}

func (r *labNumberRepository) findAll(ctx context.Context, query string, id uuid.UUID) ([]*models.LabNumber, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no transaction scope in context")
	}

	rows, err := scope.Tx.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query lab numbers: %w", err)
	}
	defer rows.Close()

	var out []*models.LabNumber
	for rows.Next() {
		l, err := scanLabNumber(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lab number: %w", err)
		}
		out = append(out, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lab numbers: %w", err)
	}

	return out, nil
}

func (r *labNumberRepository) Save(ctx context.Context, l *models.LabNumber) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	query := `
		INSERT INTO lab_number (` + labNumberColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			mrn_id = EXCLUDED.mrn_id,
			hospital_visit_id = EXCLUDED.hospital_visit_id,
			source_system = EXCLUDED.source_system`

	_, err := scope.Tx.Exec(ctx, query,
		l.ID, l.MrnID, l.HospitalVisitID, l.InternalLabNumber, l.ExternalLabNumber,
		l.SpecimenType, l.SourceSystem, l.ValidFrom, l.StoredFrom)
	if err != nil {
		return saveError(err, "lab number")
	}
	return nil
}

func (r *labNumberRepository) Delete(ctx context.Context, l *models.LabNumber) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	if _, err := scope.Tx.Exec(ctx, `DELETE FROM lab_number WHERE id = $1`, l.ID); err != nil {
		return fmt.Errorf("failed to delete lab number: %w", err)
	}
	return nil
}

func scanLabNumber(row pgx.Row) (*models.LabNumber, error) {
	var l models.LabNumber
	err := row.Scan(
		&l.ID, &l.MrnID, &l.HospitalVisitID, &l.InternalLabNumber, &l.ExternalLabNumber,
		&l.SpecimenType, &l.SourceSystem, &l.ValidFrom, &l.StoredFrom,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}
