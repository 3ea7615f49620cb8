package repositories

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-clinical/pkg/database"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

// CheckpointRepository persists the reader's cursor.
type CheckpointRepository interface {
	// Get returns the checkpoint, or apperrors.ErrNotFound before the first run.
	Get(ctx context.Context) (*models.Checkpoint, error)
	Save(ctx context.Context, cp *models.Checkpoint) error
}

// SkippedRecordRepository records source records the reader gave up on.
type SkippedRecordRepository interface {
	Create(ctx context.Context, rec *models.SkippedRecord) error
}

type checkpointRepository struct{}

// NewCheckpointRepository creates a new CheckpointRepository.
func NewCheckpointRepository() CheckpointRepository {
	return &checkpointRepository{}
}

var _ CheckpointRepository = (*checkpointRepository)(nil)

func (r *checkpointRepository) Get(ctx context.Context) (*models.Checkpoint, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no transaction scope in context")
	}

	query := `
		SELECT last_processed_sequence_id, last_processed_event_index, record_complete,
			last_processed_event_time, last_processing_end_time
		FROM reader_checkpoint
		WHERE id = 1`

	var cp models.Checkpoint
	err := scope.Tx.QueryRow(ctx, query).Scan(
		&cp.LastProcessedSequenceID, &cp.LastProcessedEventIndex, &cp.RecordComplete,
		&cp.LastProcessedEventTime, &cp.LastProcessingEndTime,
	)
	if err != nil {
		return nil, findError(err, "checkpoint")
	}
	return &cp, nil
}

func (r *checkpointRepository) Save(ctx context.Context, cp *models.Checkpoint) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	query := `
		INSERT INTO reader_checkpoint (
			id, last_processed_sequence_id, last_processed_event_index, record_complete,
			last_processed_event_time, last_processing_end_time
		) VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			last_processed_sequence_id = EXCLUDED.last_processed_sequence_id,
			last_processed_event_index = EXCLUDED.last_processed_event_index,
			record_complete = EXCLUDED.record_complete,
			last_processed_event_time = EXCLUDED.last_processed_event_time,
			last_processing_end_time = EXCLUDED.last_processing_end_time`

	_, err := scope.Tx.Exec(ctx, query,
		cp.LastProcessedSequenceID, cp.LastProcessedEventIndex, cp.RecordComplete,
		cp.LastProcessedEventTime, cp.LastProcessingEndTime)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

type skippedRecordRepository struct{}

// NewSkippedRecordRepository creates a new SkippedRecordRepository.
func NewSkippedRecordRepository() SkippedRecordRepository {
	return &skippedRecordRepository{}
}

var _ SkippedRecordRepository = (*skippedRecordRepository)(nil)

func (r *skippedRecordRepository) Create(ctx context.Context, rec *models.SkippedRecord) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	query := `
		INSERT INTO skipped_records (sequence_id, reason, payload, skipped_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sequence_id) DO UPDATE SET
			reason = EXCLUDED.reason,
			skipped_at = EXCLUDED.skipped_at`

	if _, err := scope.Tx.Exec(ctx, query, rec.SequenceID, rec.Reason, rec.Payload, rec.SkippedAt); err != nil {
		return fmt.Errorf("failed to record skipped record %d: %w", rec.SequenceID, err)
	}
	return nil
}
