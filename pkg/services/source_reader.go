package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/metrics"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
	"github.com/ekaya-inc/ekaya-clinical/pkg/repositories"
	"github.com/ekaya-inc/ekaya-clinical/pkg/retry"
)

// DefaultPollInterval is how long the reader waits after catching up.
const DefaultPollInterval = 10 * time.Second

// SourceReader drains the ordered source table, one record at a time, and
// keeps a durable checkpoint of how far it got.
type SourceReader interface {
	// Run processes records until ctx is cancelled or a non-recoverable error
	// occurs. Cancellation is not an error.
	Run(ctx context.Context) error

	// ProcessNext handles at most one source record. It reports false when
	// there was nothing to do, or when a halted record is waiting.
	ProcessNext(ctx context.Context) (bool, error)
}

// SourceReaderDeps bundles the collaborators of a SourceReader.
type SourceReaderDeps struct {
	Transactor     repositories.Transactor
	Source         repositories.SourceRecordRepository
	Checkpoints    repositories.CheckpointRepository
	SkippedRecords repositories.SkippedRecordRepository
	Parser         Parser
	Processor      EventProcessor
	Clock          Clock // Optional: defaults to NewSystemClock()
	Logger         *zap.Logger
}

// SourceReaderOptions tunes the reader loop.
type SourceReaderOptions struct {
	PollInterval time.Duration
	// HaltOnUnparseable leaves the checkpoint on a record the parser rejects
	// instead of recording it as skipped and moving on.
	HaltOnUnparseable bool
	Retry             *retry.Config // Optional: defaults to retry.DefaultConfig()
}

type sourceReader struct {
	tx          repositories.Transactor
	source      repositories.SourceRecordRepository
	checkpoints repositories.CheckpointRepository
	skipped     repositories.SkippedRecordRepository
	parser      Parser
	processor   EventProcessor
	clock       Clock
	opts        SourceReaderOptions
	logger      *zap.Logger
}

// NewSourceReader creates a new SourceReader.
func NewSourceReader(deps *SourceReaderDeps, opts SourceReaderOptions) SourceReader {
	clock := deps.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Retry == nil {
		opts.Retry = retry.DefaultConfig()
	}
	return &sourceReader{
		tx:          deps.Transactor,
		source:      deps.Source,
		checkpoints: deps.Checkpoints,
		skipped:     deps.SkippedRecords,
		parser:      deps.Parser,
		processor:   deps.Processor,
		clock:       clock,
		opts:        opts,
		logger:      deps.Logger.Named("source-reader"),
	}
}

var _ SourceReader = (*sourceReader)(nil)

func (r *sourceReader) Run(ctx context.Context) error {
	r.logger.Info("Source reader started",
		zap.Duration("poll_interval", r.opts.PollInterval),
		zap.Bool("halt_on_unparseable", r.opts.HaltOnUnparseable))

	for {
		worked, err := r.ProcessNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("Source reader stopped")
				return nil
			}
			return err
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			r.logger.Info("Source reader stopped")
			return nil
		case <-time.After(r.opts.PollInterval):
		}
	}
}

func (r *sourceReader) ProcessNext(ctx context.Context) (bool, error) {
	cp, err := r.loadCheckpoint(ctx)
	if err != nil {
		return false, err
	}

	record, err := r.nextRecord(ctx, cp)
	if errors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	logger := r.logger.With(zap.Int64("sequence_id", record.SequenceID))

	events, err := r.parser.RecordToEvents(record)
	if err != nil {
		if !errors.Is(err, apperrors.ErrUnparseable) {
			return false, fmt.Errorf("failed to parse record %d: %w", record.SequenceID, err)
		}
		return r.handleUnparseable(ctx, cp, record, err, logger)
	}

	start := cp.ResumeIndex(record.SequenceID)
	if start >= len(events) {
		if err := r.markComplete(ctx, cp, record.SequenceID, len(events)-1); err != nil {
			return false, err
		}
		metrics.RecordRecord("empty")
		return true, nil
	}
	if start > 0 {
		logger.Info("Resuming partially processed record", zap.Int("event_index", start))
	}

	last := len(events) - 1
	for i := start; i <= last; i++ {
		evt := events[i]
		next, err := r.processEvent(ctx, cp, record.SequenceID, i, i == last, evt)
		if err == nil {
			cp = next
			continue
		}

		if !apperrors.IsRecoverable(err) {
			logger.Error("Event processing failed",
				zap.Int("event_index", i),
				zap.String("kind", string(evt.Kind)),
				zap.Error(err))
			return false, fmt.Errorf("record %d event %d: %w", record.SequenceID, i, err)
		}

		fields := []zap.Field{
			zap.Int("event_index", i),
			zap.String("kind", string(evt.Kind)),
			zap.String("source_system", evt.SourceSystem),
			zap.Int("skipped_events", last-i),
			zap.Error(err),
		}
		if errors.Is(err, apperrors.ErrMessageIgnored) {
			logger.Debug("Event ignored, skipping rest of record", fields...)
		} else {
			logger.Warn("Event rejected, skipping rest of record", fields...)
		}

		if err := r.markComplete(ctx, cp, record.SequenceID, i); err != nil {
			return false, err
		}
		metrics.RecordRecord("rejected")
		return true, nil
	}

	metrics.RecordRecord("processed")
	metrics.RecordCheckpoint(record.SequenceID)
	return true, nil
}

// processEvent applies one event and advances the checkpoint in the same
// transaction. It returns the checkpoint as committed.
func (r *sourceReader) processEvent(ctx context.Context, cp *models.Checkpoint, seq int64, index int, complete bool, evt *models.Event) (*models.Checkpoint, error) {
	eventTime := evt.EventTime()

	var committed *models.Checkpoint
	err := retry.DoIfRetryable(ctx, r.opts.Retry, func() error {
		committed = nil
		return r.processor.Process(ctx, evt, func(ctx context.Context) error {
			next := cp.Clone()
			next.Advance(seq, index, complete, &eventTime, r.clock.Now())
			if err := r.checkpoints.Save(ctx, next); err != nil {
				return err
			}
			committed = next
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func (r *sourceReader) loadCheckpoint(ctx context.Context) (*models.Checkpoint, error) {
	var cp *models.Checkpoint
	err := retry.DoIfRetryable(ctx, r.opts.Retry, func() error {
		return r.tx.InTransaction(ctx, func(ctx context.Context) error {
			got, err := r.checkpoints.Get(ctx)
			if errors.Is(err, apperrors.ErrNotFound) {
				got = models.NewCheckpoint(r.clock.Now())
				if err := r.checkpoints.Save(ctx, got); err != nil {
					return err
				}
				r.logger.Info("Initialized checkpoint")
			} else if err != nil {
				return err
			}
			cp = got
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// nextRecord returns the record named by an incomplete checkpoint, or the
// first record after it.
func (r *sourceReader) nextRecord(ctx context.Context, cp *models.Checkpoint) (*models.SourceRecord, error) {
	seq := cp.LastProcessedSequenceID
	if !cp.RecordComplete {
		record, err := r.fetch(ctx, seq-1)
		if err == nil && record.SequenceID == seq {
			return record, nil
		}
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		r.logger.Warn("Checkpointed record no longer in source, moving on",
			zap.Int64("sequence_id", seq))
	}
	return r.fetch(ctx, seq)
}

func (r *sourceReader) fetch(ctx context.Context, after int64) (*models.SourceRecord, error) {
	var record *models.SourceRecord
	err := retry.DoIfRetryable(ctx, r.opts.Retry, func() error {
		var err error
		record, err = r.source.Next(ctx, after)
		return err
	})
	return record, err
}

func (r *sourceReader) handleUnparseable(ctx context.Context, cp *models.Checkpoint, record *models.SourceRecord, parseErr error, logger *zap.Logger) (bool, error) {
	if r.opts.HaltOnUnparseable {
		logger.Error("Unparseable record, reader halted until it is fixed", zap.Error(parseErr))
		metrics.RecordRecord("halted")
		return false, nil
	}

	logger.Error("Unparseable record, skipping", zap.Error(parseErr))
	err := retry.DoIfRetryable(ctx, r.opts.Retry, func() error {
		return r.tx.InTransaction(ctx, func(ctx context.Context) error {
			if err := r.skipped.Create(ctx, &models.SkippedRecord{
				SequenceID: record.SequenceID,
				Reason:     parseErr.Error(),
				Payload:    record.Payload,
				SkippedAt:  r.clock.Now(),
			}); err != nil {
				return err
			}
			next := cp.Clone()
			next.Advance(record.SequenceID, -1, true, nil, r.clock.Now())
			return r.checkpoints.Save(ctx, next)
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to skip record %d: %w", record.SequenceID, err)
	}
	metrics.RecordRecord("skipped")
	metrics.RecordCheckpoint(record.SequenceID)
	return true, nil
}

// markComplete moves the checkpoint past seq without applying anything more.
func (r *sourceReader) markComplete(ctx context.Context, cp *models.Checkpoint, seq int64, index int) error {
	err := retry.DoIfRetryable(ctx, r.opts.Retry, func() error {
		return r.tx.InTransaction(ctx, func(ctx context.Context) error {
			next := cp.Clone()
			next.Advance(seq, index, true, nil, r.clock.Now())
			return r.checkpoints.Save(ctx, next)
		})
	})
	if err != nil {
		return fmt.Errorf("failed to complete record %d: %w", seq, err)
	}
	metrics.RecordCheckpoint(seq)
	return nil
}
