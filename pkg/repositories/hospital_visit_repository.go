package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-clinical/pkg/database"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

// HospitalVisitRepository provides data access for hospital visits.
type HospitalVisitRepository interface {
	// FindByEncounter returns apperrors.ErrNotFound if the encounter is unknown.
	FindByEncounter(ctx context.Context, encounter string) (*models.HospitalVisit, error)

	// FindAllByMrnID returns every visit filed under the MRN.
	FindAllByMrnID(ctx context.Context, mrnID uuid.UUID) ([]*models.HospitalVisit, error)

	Save(ctx context.Context, visit *models.HospitalVisit) error
	Delete(ctx context.Context, visit *models.HospitalVisit) error
}

type hospitalVisitRepository struct{}

// NewHospitalVisitRepository creates a new HospitalVisitRepository.
func NewHospitalVisitRepository() HospitalVisitRepository {
	return &hospitalVisitRepository{}
}

var _ HospitalVisitRepository = (*hospitalVisitRepository)(nil)

const hospitalVisitColumns = `id, encounter, mrn_id, patient_class, arrival_method, presentation_time,
	admission_time, discharge_time, discharge_disposition, discharge_destination,
	source_system, valid_from, stored_from`

func (r *hospitalVisitRepository) FindByEncounter(ctx context.Context, encounter string) (*models.HospitalVisit, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no transaction scope in context")
	}

	query := `SELECT ` + hospitalVisitColumns + ` FROM hospital_visit WHERE encounter = $1`

	v, err := scanHospitalVisit(scope.Tx.QueryRow(ctx, query, encounter))
	if err != nil {
		return nil, findError(err, "hospital visit")
	}
	return v, nil
}

func (r *hospitalVisitRepository) FindAllByMrnID(ctx context.Context, mrnID uuid.UUID) ([]*models.HospitalVisit, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no transaction scope in context")
	}

	query := `SELECT ` + hospitalVisitColumns + ` FROM hospital_visit WHERE mrn_id = $1 ORDER BY valid_from`

	rows, err := scope.Tx.Query(ctx, query, mrnID)
	if err != nil {
		return nil, fmt.Errorf("failed to query hospital visits: %w", err)
	}
	defer rows.Close()

	var visits []*models.HospitalVisit
	for rows.Next() {
		v, err := scanHospitalVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hospital visit: %w", err)
		}
		visits = append(visits, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hospital visits: %w", err)
	}

	return visits, nil
}

func (r *hospitalVisitRepository) Save(ctx context.Context, v *models.HospitalVisit) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	query := `
		INSERT INTO hospital_visit (` + hospitalVisitColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			encounter = EXCLUDED.encounter,
			mrn_id = EXCLUDED.mrn_id,
			patient_class = EXCLUDED.patient_class,
			arrival_method = EXCLUDED.arrival_method,
			presentation_time = EXCLUDED.presentation_time,
			admission_time = EXCLUDED.admission_time,
			discharge_time = EXCLUDED.discharge_time,
			discharge_disposition = EXCLUDED.discharge_disposition,
			discharge_destination = EXCLUDED.discharge_destination,
			source_system = EXCLUDED.source_system`

	_, err := scope.Tx.Exec(ctx, query,
		v.ID, v.Encounter, v.MrnID, v.PatientClass, v.ArrivalMethod, v.PresentationTime,
		v.AdmissionTime, v.DischargeTime, v.DischargeDisposition, v.DischargeDestination,
		v.SourceSystem, v.ValidFrom, v.StoredFrom)
	if err != nil {
		return saveError(err, "hospital visit")
	}
	return nil
}

func (r *hospitalVisitRepository) Delete(ctx context.Context, v *models.HospitalVisit) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	if _, err := scope.Tx.Exec(ctx, `DELETE FROM hospital_visit WHERE id = $1`, v.ID); err != nil {
		return fmt.Errorf("failed to delete hospital visit: %w", err)
	}
	return nil
}

func scanHospitalVisit(row pgx.Row) (*models.HospitalVisit, error) {
	var v models.HospitalVisit
	err := row.Scan(
		&v.ID, &v.Encounter, &v.MrnID, &v.PatientClass, &v.ArrivalMethod, &v.PresentationTime,
		&v.AdmissionTime, &v.DischargeTime, &v.DischargeDisposition, &v.DischargeDestination,
		&v.SourceSystem, &v.ValidFrom, &v.StoredFrom,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
