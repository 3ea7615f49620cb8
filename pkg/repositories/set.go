package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
)

// Transactor runs fn atomically. Repositories called with the context handed
// to fn take part in the transaction.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Set bundles the repositories the reconciliation services write through.
type Set struct {
	Mrns               MrnRepository
	Visits             HospitalVisitRepository
	LabNumbers         LabNumberRepository
	LabTestDefinitions LabTestDefinitionRepository
	LabBatteryElements LabBatteryElementRepository
	LabOrders          LabOrderRepository
	LabResults         LabResultRepository
	ObservationTypes   VisitObservationTypeRepository
	Observations       VisitObservationRepository
	Waveforms          WaveformRepository
	Audit              AuditRepository
	Checkpoints        CheckpointRepository
	SkippedRecords     SkippedRecordRepository
}

// NewPostgresSet returns the PostgreSQL implementations. Every call they make
// requires a transaction scope in the context.
func NewPostgresSet() *Set {
	return &Set{
		Mrns:               NewMrnRepository(),
		Visits:             NewHospitalVisitRepository(),
		LabNumbers:         NewLabNumberRepository(),
		LabTestDefinitions: NewLabTestDefinitionRepository(),
		LabBatteryElements: NewLabBatteryElementRepository(),
		LabOrders:          NewLabOrderRepository(),
		LabResults:         NewLabResultRepository(),
		ObservationTypes:   NewVisitObservationTypeRepository(),
		Observations:       NewVisitObservationRepository(),
		Waveforms:          NewWaveformRepository(),
		Audit:              NewAuditRepository(),
		Checkpoints:        NewCheckpointRepository(),
		SkippedRecords:     NewSkippedRecordRepository(),
	}
}

// findError maps pgx.ErrNoRows onto apperrors.ErrNotFound and wraps anything else.
func findError(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.ErrNotFound
	}
	return fmt.Errorf("failed to find %s: %w", what, err)
}

// saveError maps a unique constraint violation (PostgreSQL error code 23505)
// onto apperrors.ErrConflict and wraps anything else.
func saveError(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("failed to save %s: %s: %w", what, pgErr.ConstraintName, apperrors.ErrConflict)
	}
	return fmt.Errorf("failed to save %s: %w", what, err)
}
