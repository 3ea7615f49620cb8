package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/database"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

// VisitObservationTypeRepository provides data access for flowsheet row types.
type VisitObservationTypeRepository interface {
	// Find returns the type matching key. A nil identifier in key matches any
	// value, so a merged row is found by either of its identifiers.
	Find(ctx context.Context, key models.ObservationTypeKey) (*models.VisitObservationType, error)
	Save(ctx context.Context, t *models.VisitObservationType) error
	Delete(ctx context.Context, t *models.VisitObservationType) error
}

// VisitObservationRepository provides data access for flowsheet values.
type VisitObservationRepository interface {
	FindByKey(ctx context.Context, visitID, typeID uuid.UUID, observedAt time.Time) (*models.VisitObservation, error)
	FindAllByTypeID(ctx context.Context, typeID uuid.UUID) ([]*models.VisitObservation, error)
	FindAllByVisitID(ctx context.Context, visitID uuid.UUID) ([]*models.VisitObservation, error)
	Save(ctx context.Context, o *models.VisitObservation) error
	Delete(ctx context.Context, o *models.VisitObservation) error
}

type visitObservationTypeRepository struct{}

// NewVisitObservationTypeRepository creates a new VisitObservationTypeRepository.
func NewVisitObservationTypeRepository() VisitObservationTypeRepository {
	return &visitObservationTypeRepository{}
}

var _ VisitObservationTypeRepository = (*visitObservationTypeRepository)(nil)

const observationTypeColumns = `id, interface_id, id_in_application, source_observation_type, name, display_name,
	description, primary_data_type, creation_time, source_system, valid_from, stored_from`

func (r *visitObservationTypeRepository) Find(ctx context.Context, key models.ObservationTypeKey) (*models.VisitObservationType, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no transaction scope in context")
	}
	if key.InterfaceID == nil && key.IDInApplication == nil {
		return nil, apperrors.ErrNotFound
	}

	query := `
		SELECT ` + observationTypeColumns + `
		FROM visit_observation_type
		WHERE source_observation_type = $3
		  AND ($1::text IS NULL OR interface_id = $1)
		  AND ($2::text IS NULL OR id_in_application = $2)
		LIMIT 1`

	var t models.VisitObservationType
	err := scope.Tx.QueryRow(ctx, query, key.InterfaceID, key.IDInApplication, key.SourceObservationType).Scan(
		&t.ID, &t.InterfaceID, &t.IDInApplication, &t.SourceObservationType, &t.Name, &t.DisplayName,
		&t.Description, &t.PrimaryDataType, &t.CreationTime, &t.SourceSystem, &t.ValidFrom, &t.StoredFrom,
	)
	if err != nil {
		return nil, findError(err, "visit observation type")
	}
	return &t, nil
}

func (r *visitObservationTypeRepository) Save(ctx context.Context, t *models.VisitObservationType) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	query := `
		INSERT INTO visit_observation_type (` + observationTypeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			interface_id = EXCLUDED.interface_id,
			id_in_application = EXCLUDED.id_in_application,
			name = EXCLUDED.name,
			display_name = EXCLUDED.display_name,
			description = EXCLUDED.description,
			primary_data_type = EXCLUDED.primary_data_type,
			creation_time = EXCLUDED.creation_time,
			source_system = EXCLUDED.source_system`

	_, err := scope.Tx.Exec(ctx, query,
		t.ID, t.InterfaceID, t.IDInApplication, t.SourceObservationType, t.Name, t.DisplayName,
		t.Description, t.PrimaryDataType, t.CreationTime, t.SourceSystem, t.ValidFrom, t.StoredFrom)
	if err != nil {
		return saveError(err, "visit observation type")
	}
	return nil
}

func (r *visitObservationTypeRepository) Delete(ctx context.Context, t *models.VisitObservationType) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	if _, err := scope.Tx.Exec(ctx, `DELETE FROM visit_observation_type WHERE id = $1`, t.ID); err != nil {
		return fmt.Errorf("failed to delete visit observation type: %w", err)
	}
	return nil
}

type visitObservationRepository struct{}

// NewVisitObservationRepository creates a new VisitObservationRepository.
func NewVisitObservationRepository() VisitObservationRepository {
	return &visitObservationRepository{}
}

var _ VisitObservationRepository = (*visitObservationRepository)(nil)

const observationColumns = `id, hospital_visit_id, visit_observation_type_id, observation_datetime, value_as_number,
	value_as_text, value_as_date, unit, comment, source_system, valid_from, stored_from`

func (r *visitObservationRepository) FindByKey(ctx context.Context, visitID, typeID uuid.UUID, observedAt time.Time) (*models.VisitObservation, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no transaction scope in context")
	}

	query := `
		SELECT ` + observationColumns + `
		FROM visit_observation
		WHERE hospital_visit_id = $1 AND visit_observation_type_id = $2 AND observation_datetime = $3`

	o, err := scanVisitObservation(scope.Tx.QueryRow(ctx, query, visitID, typeID, observedAt))
	if err != nil {
		return nil, findError(err, "visit observation")
	}
	return o, nil
}

func (r *visitObservationRepository) FindAllByTypeID(ctx context.Context, typeID uuid.UUID) ([]*models.VisitObservation, error) {
	return r.findAll(ctx, `visit_observation_type_id = $1`, typeID)
}

func (r *visitObservationRepository) FindAllByVisitID(ctx context.Context, visitID uuid.UUID) ([]*models.VisitObservation, error) {
	return r.findAll(ctx, `hospital_visit_id = $1`, visitID)
}

func (r *visitObservationRepository) findAll(ctx context.Context, where string, id uuid.UUID) ([]*models.VisitObservation, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no transaction scope in context")
	}

	query := `
		SELECT ` + observationColumns + `
		FROM visit_observation
		WHERE ` + where + `
		ORDER BY observation_datetime, id`

	rows, err := scope.Tx.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query visit observations: %w", err)
	}
	defer rows.Close()

	var out []*models.VisitObservation
	for rows.Next() {
		o, err := scanVisitObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan visit observation: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating visit observations: %w", err)
	}
	return out, nil
}

func (r *visitObservationRepository) Save(ctx context.Context, o *models.VisitObservation) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	query := `
		INSERT INTO visit_observation (` + observationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			hospital_visit_id = EXCLUDED.hospital_visit_id,
			visit_observation_type_id = EXCLUDED.visit_observation_type_id,
			value_as_number = EXCLUDED.value_as_number,
			value_as_text = EXCLUDED.value_as_text,
			value_as_date = EXCLUDED.value_as_date,
			unit = EXCLUDED.unit,
			comment = EXCLUDED.comment,
			source_system = EXCLUDED.source_system`

	_, err := scope.Tx.Exec(ctx, query,
		o.ID, o.HospitalVisitID, o.VisitObservationTypeID, o.ObservationDatetime, o.ValueAsNumber,
		o.ValueAsText, o.ValueAsDate, o.Unit, o.Comment, o.SourceSystem, o.ValidFrom, o.StoredFrom)
	if err != nil {
		return saveError(err, "visit observation")
	}
	return nil
}

func (r *visitObservationRepository) Delete(ctx context.Context, o *models.VisitObservation) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	if _, err := scope.Tx.Exec(ctx, `DELETE FROM visit_observation WHERE id = $1`, o.ID); err != nil {
		return fmt.Errorf("failed to delete visit observation: %w", err)
	}
	return nil
}

func scanVisitObservation(row pgx.Row) (*models.VisitObservation, error) {
	var o models.VisitObservation
	err := row.Scan(&o.ID, &o.HospitalVisitID, &o.VisitObservationTypeID, &o.ObservationDatetime, &o.ValueAsNumber,
		&o.ValueAsText, &o.ValueAsDate, &o.Unit, &o.Comment, &o.SourceSystem, &o.ValidFrom, &o.StoredFrom)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
