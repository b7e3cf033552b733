// Package parents reads and patches the orders and quotes that upload
// batches are attached to.
package parents

import (
	"context"
	"database/sql"
	"encoding/json"
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

func tableFor(refType string) (string, error) {
	table, ok := models.ParentTable(refType)
	if !ok {
		return "", fmt.Errorf("%w: unknown refType %q", common.ErrorValidation, refType)
	}
	return table, nil
}

// Get loads the parent with its link fields.
func (r *PostgresRepository) Get(ctx context.Context, refType, refID string) (*models.Parent, error) {
	table, err := tableFor(refType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, client_id, details FROM %s WHERE id = $1`, table)

	p := models.Parent{RefType: refType}
	var details []byte
	err = r.db.QueryRowContext(ctx, query, refID).Scan(&p.ID, &p.ClientID, &details)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	if len(details) > 0 {
		if err := json.Unmarshal(details, &p.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
	}
	return &p, nil
}

// SetLink writes link into details.<field> of the parent, leaving every
// other key of details intact, and returns the parent's owning client.
func (r *PostgresRepository) SetLink(ctx context.Context, refType, refID, field, link string) (string, error) {
	table, err := tableFor(refType)
	if err != nil {
		return "", err
	}
	if !models.ValidLinkField(field) {
		return "", fmt.Errorf("%w: unknown link field %q", common.ErrorValidation, field)
	}

	query := fmt.Sprintf(
		`UPDATE %s
		 SET details = jsonb_set(COALESCE(details, '{}'::jsonb), ARRAY[$3::text], to_jsonb($2::text), true),
		     updated_at = now()
		 WHERE id = $1
		 RETURNING client_id`, table)

	var ownerID string
	err = r.db.QueryRowContext(ctx, query, refID, link, field).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", common.ErrorNotFound
		}
		return "", fmt.Errorf("db error: %w", err)
	}
	return ownerID, nil
}
