package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-clinical/pkg/database"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

// MrnRepository provides data access for patient identities.
type MrnRepository interface {
	// FindByMrn returns the record whose number or merged alias is mrn.
	// A direct match wins over an alias. Returns apperrors.ErrNotFound if none.
	FindByMrn(ctx context.Context, mrn string) (*models.Mrn, error)

	// Save inserts or updates by id.
	Save(ctx context.Context, mrn *models.Mrn) error

	// Delete removes the record. Callers must repoint dependents first.
	Delete(ctx context.Context, mrn *models.Mrn) error
}

type mrnRepository struct{}

// NewMrnRepository creates a new MrnRepository.
func NewMrnRepository() MrnRepository {
	return &mrnRepository{}
}

var _ MrnRepository = (*mrnRepository)(nil)

const mrnColumns = `id, mrn, nhs_number, aliases, source_system, valid_from, stored_from`

func (r *mrnRepository) FindByMrn(ctx context.Context, mrn string) (*models.Mrn, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no transaction scope in context")
	}

	query := `
		SELECT ` + mrnColumns + `
		FROM mrn
		WHERE mrn = $1 OR $1 = ANY(aliases)
		ORDER BY (mrn = $1) DESC
		LIMIT 1`

	m, err := scanMrn(scope.Tx.QueryRow(ctx, query, mrn))
	if err != nil {
		return nil, findError(err, "mrn")
	}
	return m, nil
}

func (r *mrnRepository) Save(ctx context.Context, m *models.Mrn) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	aliases := m.Aliases
	if aliases == nil {
		aliases = []string{}
	}

	query := `
		INSERT INTO mrn (` + mrnColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			mrn = EXCLUDED.mrn,
			nhs_number = EXCLUDED.nhs_number,
			aliases = EXCLUDED.aliases,
			source_system = EXCLUDED.source_system`

	_, err := scope.Tx.Exec(ctx, query,
		m.ID, m.Mrn, m.NhsNumber, aliases, m.SourceSystem, m.ValidFrom, m.StoredFrom)
	if err != nil {
		return saveError(err, "mrn")
	}
	return nil
}

func (r *mrnRepository) Delete(ctx context.Context, m *models.Mrn) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no transaction scope in context")
	}

	if _, err := scope.Tx.Exec(ctx, `DELETE FROM mrn WHERE id = $1`, m.ID); err != nil {
		return fmt.Errorf("failed to delete mrn: %w", err)
	}
	return nil
}

func scanMrn(row pgx.Row) (*models.Mrn, error) {
	var m models.Mrn
	err := row.Scan(&m.ID, &m.Mrn, &m.NhsNumber, &m.Aliases, &m.SourceSystem, &m.ValidFrom, &m.StoredFrom)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
