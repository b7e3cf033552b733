// Package uploads persists completed upload batch records.
package uploads

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

// Constraint names from the uploads migration.
const (
	adminRevisionConstraint = "file_uploads_admin_revision_key"
)

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts the batch record. A record with the same batch id yields
// common.ErrorAlreadyExists; an admin revision already used for the parent
// yields common.ErrRevisionTaken. CreatedAt and CompletedAt are filled from
// the database.
func (r *PostgresRepository) Create(ctx context.Context, upload *models.FileUpload) error {
	files, err := json.Marshal(upload.Files)
	if err != nil {
		return fmt.Errorf("encode files: %w", err)
	}

	query := `
		INSERT INTO file_uploads (id, ref_type, ref_id, user_id, uploaded_by, revision, batch_id, s3_prefix, files, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (batch_id) DO NOTHING
		RETURNING created_at, completed_at
	`

	var completedAt sql.NullTime
	err = r.db.QueryRowContext(ctx, query,
		upload.ID, upload.RefType, upload.RefID, upload.UserID, upload.UploadedBy,
		nullableRevision(upload.Revision), upload.BatchID, upload.S3Prefix, files,
	).Scan(&upload.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return common.ErrorAlreadyExists
		}
		if dbx.IsUniqueViolation(err, adminRevisionConstraint) {
			return common.ErrRevisionTaken
		}
		return fmt.Errorf("db error: %w", err)
	}

	if completedAt.Valid {
		t := completedAt.Time
		upload.CompletedAt = &t
	}
	return nil
}

const selectColumns = `id, ref_type, ref_id, user_id, uploaded_by, revision, batch_id, s3_prefix, files, deletable, completed_at, created_at`

// GetByBatchID returns the record for batchID or common.ErrorNotFound.
func (r *PostgresRepository) GetByBatchID(ctx context.Context, batchID string) (*models.FileUpload, error) {
	query := `SELECT ` + selectColumns + ` FROM file_uploads WHERE batch_id = $1`

	upload, err := scanUpload(r.db.QueryRowContext(ctx, query, batchID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return upload, nil
}

// ListByParent returns every batch of the parent, newest first.
func (r *PostgresRepository) ListByParent(ctx context.Context, refType, refID string) ([]*models.FileUpload, error) {
	query := `SELECT ` + selectColumns + ` FROM file_uploads
		WHERE ref_type = $1 AND ref_id = $2
		ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, refType, refID)
	if err != nil {
		return nil, fmt.Errorf("failed to select uploads: %w", err)
	}
	defer rows.Close()

	var result []*models.FileUpload
	for rows.Next() {
		upload, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, upload)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkDeletable flags the batch as safe to purge. Exactly one row must match.
func (r *PostgresRepository) MarkDeletable(ctx context.Context, batchID string) error {
	query := `UPDATE file_uploads SET deletable = true WHERE batch_id = $1`

	result, err := r.db.ExecContext(ctx, query, batchID)
	if err != nil {
		return fmt.Errorf("failed to mark deletable: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return common.ErrorNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (*models.FileUpload, error) {
	var (
		u           models.FileUpload
		revision    sql.NullInt64
		files       []byte
		completedAt sql.NullTime
	)

	err := row.Scan(&u.ID, &u.RefType, &u.RefID, &u.UserID, &u.UploadedBy, &revision,
		&u.BatchID, &u.S3Prefix, &files, &u.Deletable, &completedAt, &u.CreatedAt)
	if err != nil {
		return nil, err
	}

	if revision.Valid {
		v := revision.Int64
		u.Revision = &v
	}
	if completedAt.Valid {
		t := completedAt.Time
		u.CompletedAt = &t
	}
	if err := json.Unmarshal(files, &u.Files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}

	return &u, nil
}

func nullableRevision(rev *int64) sql.NullInt64 {
	if rev == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *rev, Valid: true}
}
