// Package revisions stores the per-parent delivery revision counters.
package revisions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/opsportal/internal/common"
	"github.com/dmitrijs2005/opsportal/internal/dbx"
	"github.com/dmitrijs2005/opsportal/internal/server/models"
)

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Next reserves and returns the next revision for the parent, starting at 1.
//
// The increment is a single upsert, so concurrent callers for the same
// parent serialize on the counter row and never observe the same value.
// The insert only happens when the parent row exists; for an unknown parent
// no row is returned and ErrorNotFound is reported.
func (r *PostgresRepository) Next(ctx context.Context, refType, refID string) (int64, error) {
	table, ok := models.ParentTable(refType)
	if !ok {
		return 0, fmt.Errorf("%w: unknown refType %q", common.ErrorValidation, refType)
	}

	query := fmt.Sprintf(
		`INSERT INTO revision_counters (ref_type, ref_id, last_revision)
		 SELECT $1, $2, 1 WHERE EXISTS (SELECT 1 FROM %s WHERE id = $2)
		 ON CONFLICT (ref_type, ref_id)
		 DO UPDATE SET last_revision = revision_counters.last_revision + 1, updated_at = now()
		 RETURNING last_revision`, table)

	var revision int64
	err := r.db.QueryRowContext(ctx, query, refType, refID).Scan(&revision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, common.ErrorNotFound
		}
		return 0, fmt.Errorf("db error: %w", err)
	}

	return revision, nil
}

// Current returns the last issued revision for the parent, or 0 when none
// has been issued yet.
func (r *PostgresRepository) Current(ctx context.Context, refType, refID string) (int64, error) {
	query := `SELECT last_revision FROM revision_counters WHERE ref_type = $1 AND ref_id = $2`

	var revision int64
	err := r.db.QueryRowContext(ctx, query, refType, refID).Scan(&revision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("db error: %w", err)
	}

	return revision, nil
}
