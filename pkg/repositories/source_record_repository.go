package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

// SourceRecordRepository reads the ordered source table. It never writes to it
// and does not take part in the store's transactions.
type SourceRecordRepository interface {
	// Next returns the first record with a sequence id greater than after, or
	// apperrors.ErrNotFound when the reader has caught up.
	Next(ctx context.Context, after int64) (*models.SourceRecord, error)
}

// rowQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresSourceRepository struct {
	db    rowQuerier
	table string
}

// NewPostgresSourceRepository reads source records from table in a
// PostgreSQL database. table must be a validated identifier.
func NewPostgresSourceRepository(db rowQuerier, table string) SourceRecordRepository {
	return &postgresSourceRepository{db: db, table: table}
}

var _ SourceRecordRepository = (*postgresSourceRepository)(nil)

func (r *postgresSourceRepository) Next(ctx context.Context, after int64) (*models.SourceRecord, error) {
	query := `
		SELECT sequence_id, message_time, content_type, payload
		FROM ` + r.table + `
		WHERE sequence_id > $1
		ORDER BY sequence_id
		LIMIT 1`

	var rec models.SourceRecord
	err := r.db.QueryRow(ctx, query, after).Scan(&rec.SequenceID, &rec.MessageTime, &rec.ContentType, &rec.Payload)
	if err != nil {
		return nil, findError(err, "source record")
	}
	return &rec, nil
}

type sqlServerSourceRepository struct {
	db    *sql.DB
	table string
}

// NewSQLServerSourceRepository reads source records from table in a SQL
// Server database opened with database.OpenSQLServer.
func NewSQLServerSourceRepository(db *sql.DB, table string) SourceRecordRepository {
	return &sqlServerSourceRepository{db: db, table: table}
}

var _ SourceRecordRepository = (*sqlServerSourceRepository)(nil)

func (r *sqlServerSourceRepository) Next(ctx context.Context, after int64) (*models.SourceRecord, error) {
	query := `SELECT TOP 1 sequence_id, message_time, content_type, payload FROM ` + r.table +
		` WHERE sequence_id > @p1 ORDER BY sequence_id`

	var rec models.SourceRecord
	var contentType sql.NullString
	var messageTime time.Time
	err := r.db.QueryRowContext(ctx, query, after).Scan(&rec.SequenceID, &messageTime, &contentType, &rec.Payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read source record after %d: %w", after, err)
	}
	rec.MessageTime = messageTime.UTC()
	rec.ContentType = contentType.String
	return &rec, nil
}
