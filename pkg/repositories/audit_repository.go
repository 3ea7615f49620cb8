package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-clinical/pkg/database"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

// AuditRepository provides data access for superseded entity versions.
type AuditRepository interface {
	// Create inserts a new audit row.
	Create(ctx context.Context, entry *models.AuditEntry) error

	// GetByEntity returns all audit rows for one entity, oldest first.
	GetByEntity(ctx context.Context, family string, entityID uuid.UUID) ([]*models.AuditEntry, error)
}

type auditRepository struct{}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository() AuditRepository {
	return &auditRepository{}
}

var _ AuditRepository = (*auditRepository)(nil)

func (r *auditRepository) Create(ctx context.Context, entry *models.AuditEntry) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	query := `
		INSERT INTO audit_log (
			id, family, entity_id, source_system, valid_from, stored_from, valid_until, stored_until, snapshot
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := scope.Tx.Exec(ctx, query,
		entry.ID,
		entry.Family,
		entry.EntityID,
		entry.SourceSystem,
		entry.ValidFrom,
		entry.StoredFrom,
		entry.ValidUntil,
		entry.StoredUntil,
		[]byte(entry.Snapshot),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

func (r *auditRepository) GetByEntity(ctx context.Context, family string, entityID uuid.UUID) ([]*models.AuditEntry, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no transaction scope in context")
	}

	query := `
		SELECT id, family, entity_id, source_system, valid_from, stored_from, valid_until, stored_until, snapshot
		FROM audit_log
		WHERE family = $1 AND entity_id = $2
		ORDER BY stored_until, valid_until`

	rows, err := scope.Tx.Query(ctx, query, family, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var snapshot []byte
		if err := rows.Scan(&e.ID, &e.Family, &e.EntityID, &e.SourceSystem, &e.ValidFrom, &e.StoredFrom,
			&e.ValidUntil, &e.StoredUntil, &snapshot); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Snapshot = snapshot
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}
