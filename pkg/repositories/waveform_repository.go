package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-clinical/pkg/database"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

// WaveformRepository provides data access for monitor waveform segments.
type WaveformRepository interface {
	FindByKey(ctx context.Context, typeID uuid.UUID, sourceLocation string, observedAt time.Time) (*models.Waveform, error)
	FindAllByTypeID(ctx context.Context, typeID uuid.UUID) ([]*models.Waveform, error)
	FindAllByVisitID(ctx context.Context, visitID uuid.UUID) ([]*models.Waveform, error)
	Save(ctx context.Context, w *models.Waveform) error
	Delete(ctx context.Context, w *models.Waveform) error
}

type waveformRepository struct{}

// NewWaveformRepository creates a new WaveformRepository.
func NewWaveformRepository() WaveformRepository {
	return &waveformRepository{}
}

var _ WaveformRepository = (*waveformRepository)(nil)

const waveformColumns = `id, visit_observation_type_id, hospital_visit_id, source_location, mapped_location,
	observation_datetime, sampling_rate, values_array, unit, source_system, valid_from, stored_from`

func (r *waveformRepository) FindByKey(ctx context.Context, typeID uuid.UUID, sourceLocation string, observedAt time.Time) (*models.Waveform, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no transaction scope in context")
	}

	query := `
		SELECT ` + waveformColumns + `
		FROM waveform
		WHERE visit_observation_type_id = $1 AND source_location = $2 AND observation_datetime = $3`

	w, err := scanWaveform(scope.Tx.QueryRow(ctx, query, typeID, sourceLocation, observedAt))
	if err != nil {
		return nil, findError(err, "waveform")
	}
	return w, nil
}

func (r *waveformRepository) FindAllByTypeID(ctx context.Context, typeID uuid.UUID) ([]*models.Waveform, error) {
	return r.findAll(ctx, `visit_observation_type_id = $1`, typeID)
}

func (r *waveformRepository) FindAllByVisitID(ctx context.Context, visitID uuid.UUID) ([]*models.Waveform, error) {
	return r.findAll(ctx, `hospital_visit_id = $1`, visitID)
}

func (r *waveformRepository) findAll(ctx context.Context, where string, id uuid.UUID) ([]*models.Waveform, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no transaction scope in context")
	}

	query := `
		SELECT ` + waveformColumns + `
		FROM waveform
		WHERE ` + where + `
		ORDER BY observation_datetime, id`

	rows, err := scope.Tx.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query waveforms: %w", err)
	}
	defer rows.Close()

	var out []*models.Waveform
	for rows.Next() {
		w, err := scanWaveform(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan waveform: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating waveforms: %w", err)
	}
	return out, nil
}

func (r *waveformRepository) Save(ctx context.Context, w *models.Waveform) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	query := `
		INSERT INTO waveform (` + waveformColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			visit_observation_type_id = EXCLUDED.visit_observation_type_id,
			hospital_visit_id = EXCLUDED.hospital_visit_id,
			mapped_location = EXCLUDED.mapped_location,
			sampling_rate = EXCLUDED.sampling_rate,
			values_array = EXCLUDED.values_array,
			unit = EXCLUDED.unit,
			source_system = EXCLUDED.source_system`

	_, err := scope.Tx.Exec(ctx, query,
		w.ID, w.VisitObservationTypeID, w.HospitalVisitID, w.SourceLocation, w.MappedLocation,
		w.ObservationDatetime, w.SamplingRate, w.Values, w.Unit, w.SourceSystem, w.ValidFrom, w.StoredFrom)
	if err != nil {
		return saveError(err, "waveform")
	}
	return nil
}

func (r *waveformRepository) Delete(ctx context.Context, w *models.Waveform) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	if _, err := scope.Tx.Exec(ctx, `DELETE FROM waveform WHERE id = $1`, w.ID); err != nil {
		return fmt.Errorf("failed to delete waveform: %w", err)
	}
	return nil
}

func scanWaveform(row pgx.Row) (*models.Waveform, error) {
	var w models.Waveform
	err := row.Scan(&w.ID, &w.VisitObservationTypeID, &w.HospitalVisitID, &w.SourceLocation, &w.MappedLocation,
		&w.ObservationDatetime, &w.SamplingRate, &w.Values, &w.Unit, &w.SourceSystem, &w.ValidFrom, &w.StoredFrom)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
