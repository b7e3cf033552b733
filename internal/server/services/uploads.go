// Package services contains server-side business logic. This file implements
// UploadService: revision assignment, batch recording and parent link
// maintenance.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrijs2005/opsportal/internal/common"
	"github.com/dmitrijs2005/opsportal/internal/dbx"
	"github.com/dmitrijs2005/opsportal/internal/logging"
	"github.com/dmitrijs2005/opsportal/internal/server/auth"
	sc "github.com/dmitrijs2005/opsportal/internal/server/config"
	"github.com/dmitrijs2005/opsportal/internal/server/metrics"
	"github.com/dmitrijs2005/opsportal/internal/server/models"
	"github.com/dmitrijs2005/opsportal/internal/server/notify"
	"github.com/dmitrijs2005/opsportal/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

// Batch describes a completed upload reported by the portal.
type Batch struct {
	RefType    string                  `json:"refType"`
	RefID      string                  `json:"refId"`
	UserID     string                  `json:"userId"`
	UploadedBy string                  `json:"uploadedBy"`
	BatchID    string                  `json:"batchId"`
	S3Prefix   string                  `json:"s3Prefix"`
	Files      []models.FileDescriptor `json:"files"`
	Revision   *int64                  `json:"revision,omitempty"`
}

// RecordResult is returned by RecordBatch. Duplicate is set when the batch
// had already been recorded for the same parent; nothing was changed then.
type RecordResult struct {
	Upload    *models.FileUpload `json:"upload"`
	Field     string             `json:"field"`
	Link      string             `json:"link"`
	Duplicate bool               `json:"duplicate"`
}

type UploadService struct {
	db            *sql.DB
	repomanager   repomanager.RepositoryManager
	publicBaseURL string
	notifier      notify.Publisher
	observer      metrics.Observer
	logger        logging.Logger
}

func NewUploadService(db *sql.DB, m repomanager.RepositoryManager, cfg *sc.Config,
	notifier notify.Publisher, observer metrics.Observer, logger logging.Logger) *UploadService {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if observer == nil {
		observer = metrics.Nop{}
	}
	return &UploadService{
		db:            db,
		repomanager:   m,
		publicBaseURL: cfg.PublicBaseURL,
		notifier:      notifier,
		observer:      observer,
		logger:        logger.With("module", "uploads"),
	}
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", common.ErrorValidation, fmt.Sprintf(format, args...))
}

func validateParent(refType, refID string) error {
	if refType == "" || refID == "" {
		return validationf("refType and refId are required")
	}
	if _, ok := models.ParentTable(refType); !ok {
		return validationf("unknown refType %q", refType)
	}
	return nil
}

func validateBatch(b Batch) error {
	if err := validateParent(b.RefType, b.RefID); err != nil {
		return err
	}
	parentPrefix, err := ParentPrefix(b.RefType, b.RefID)
	if err != nil {
		return err
	}
	switch {
	case b.UserID == "":
		return validationf("userId is required")
	case b.UploadedBy != common.RoleClient && b.UploadedBy != common.RoleAdmin:
		return validationf("uploadedBy must be %q or %q", common.RoleClient, common.RoleAdmin)
	case b.BatchID == "":
		return validationf("batchId is required")
	case b.S3Prefix == "":
		return validationf("s3Prefix is required")
	case !strings.HasPrefix(b.S3Prefix, parentPrefix):
		return validationf("s3Prefix must be under %s", parentPrefix)
	case len(b.Files) == 0:
		return validationf("files must not be empty")
	case b.Revision != nil && *b.Revision < 1:
		return validationf("revision must be positive")
	}
	for i, f := range b.Files {
		if f.Key == "" {
			return validationf("files[%d].key is required", i)
		}
		if !strings.HasPrefix(f.Key, b.S3Prefix) {
			return validationf("files[%d].key is outside s3Prefix", i)
		}
		if f.Size < 0 {
			return validationf("files[%d].size must not be negative", i)
		}
	}
	return nil
}

// NextRevision reserves the next revision for the parent. Reserved values
// that are never used leave gaps; revisions are monotonic, not contiguous.
func (s *UploadService) NextRevision(ctx context.Context, refType, refID string) (int64, error) {
	if err := validateParent(refType, refID); err != nil {
		return 0, err
	}
	return s.repomanager.Revisions(s.db).Next(ctx, refType, refID)
}

// RecordBatch persists the batch and points the parent's download (client)
// or delivery (admin) link at it, in one transaction. Admin batches without
// a revision get the next one; a supplied admin revision must have been
// issued by NextRevision. A listener notification follows the commit.
func (s *UploadService) RecordBatch(ctx context.Context, b Batch) (res *RecordResult, err error) {
	defer func() { s.observer.RecordBatch(b.UploadedBy, len(b.Files), err) }()

	if err := validateBatch(b); err != nil {
		return nil, err
	}

	var ownerID string
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		uploads := s.repomanager.Uploads(tx)

		existing, err := uploads.GetByBatchID(ctx, b.BatchID)
		if err == nil {
			res, err = s.duplicate(existing, b)
			return err
		}
		if !errors.Is(err, common.ErrorNotFound) {
			return err
		}

		revision, err := s.resolveRevision(ctx, tx, b)
		if err != nil {
			return err
		}

		upload := &models.FileUpload{
			ID:         uuid.NewString(),
			RefType:    b.RefType,
			RefID:      b.RefID,
			UserID:     b.UserID,
			UploadedBy: b.UploadedBy,
			Revision:   revision,
			BatchID:    b.BatchID,
			S3Prefix:   b.S3Prefix,
			Files:      b.Files,
		}
		if err := uploads.Create(ctx, upload); err != nil {
			return err
		}

		field := models.LinkFieldFor(b.UploadedBy)
		link := BuildAccessLink(s.publicBaseURL, b.RefType, b.RefID, b.UploadedBy, b.BatchID, revision)
		ownerID, err = s.repomanager.Parents(tx).SetLink(ctx, b.RefType, b.RefID, field, link)
		if err != nil {
			return err
		}

		res = &RecordResult{Upload: upload, Field: field, Link: link}
		return nil
	})

	if errors.Is(err, common.ErrorAlreadyExists) {
		// a concurrent submission of the same batch committed first
		existing, gerr := s.repomanager.Uploads(s.db).GetByBatchID(ctx, b.BatchID)
		if gerr != nil {
			return nil, gerr
		}
		return s.duplicate(existing, b)
	}
	if err != nil {
		return nil, err
	}

	if !res.Duplicate {
		s.logger.Info(ctx, "batch recorded", "batch_id", b.BatchID, "ref_type", b.RefType,
			"ref_id", b.RefID, "uploaded_by", b.UploadedBy, "files", len(b.Files))
		s.publish(ctx, res, ownerID)
	}
	return res, nil
}

func (s *UploadService) resolveRevision(ctx context.Context, tx dbx.DBTX, b Batch) (*int64, error) {
	if b.UploadedBy != common.RoleAdmin {
		return b.Revision, nil
	}

	revisions := s.repomanager.Revisions(tx)
	if b.Revision == nil {
		next, err := revisions.Next(ctx, b.RefType, b.RefID)
		if err != nil {
			return nil, err
		}
		return &next, nil
	}

	current, err := revisions.Current(ctx, b.RefType, b.RefID)
	if err != nil {
		return nil, err
	}
	if *b.Revision > current {
		return nil, validationf("revision %d has not been issued for this parent", *b.Revision)
	}
	rev := *b.Revision
	return &rev, nil
}

func (s *UploadService) duplicate(existing *models.FileUpload, b Batch) (*RecordResult, error) {
	if !existing.SameParent(b.RefType, b.RefID) {
		return nil, common.ErrBatchConflict
	}
	return &RecordResult{
		Upload:    existing,
		Field:     models.LinkFieldFor(existing.UploadedBy),
		Link:      BuildAccessLink(s.publicBaseURL, existing.RefType, existing.RefID, existing.UploadedBy, existing.BatchID, existing.Revision),
		Duplicate: true,
	}, nil
}

func (s *UploadService) publish(ctx context.Context, res *RecordResult, ownerID string) {
	u := res.Upload
	e := notify.Event{
		Type:       notify.EventBatchRecorded,
		RefType:    u.RefType,
		RefID:      u.RefID,
		BatchID:    u.BatchID,
		UploadedBy: u.UploadedBy,
		UserID:     u.UserID,
		OwnerID:    ownerID,
		Revision:   u.Revision,
		Link:       res.Link,
		At:         time.Now().UTC(),
	}
	if err := s.notifier.Publish(ctx, e); err != nil {
		s.logger.Warn(ctx, "notification not published", "batch_id", u.BatchID, "error", err)
	}
}

// GetBatch returns the stored record of a batch.
func (s *UploadService) GetBatch(ctx context.Context, batchID string) (*models.FileUpload, error) {
	if batchID == "" {
		return nil, validationf("batchId is required")
	}
	return s.repomanager.Uploads(s.db).GetByBatchID(ctx, batchID)
}

// ListUploads returns the parent's batches, newest first.
func (s *UploadService) ListUploads(ctx context.Context, refType, refID string) ([]*models.FileUpload, error) {
	if err := validateParent(refType, refID); err != nil {
		return nil, err
	}
	return s.repomanager.Uploads(s.db).ListByParent(ctx, refType, refID)
}

// MarkDeletable flags a batch as safe to purge from storage.
func (s *UploadService) MarkDeletable(ctx context.Context, batchID string) error {
	if batchID == "" {
		return validationf("batchId is required")
	}
	return s.repomanager.Uploads(s.db).MarkDeletable(ctx, batchID)
}

// SetLink overwrites one link field of the parent with an absolute http(s) URL.
func (s *UploadService) SetLink(ctx context.Context, refType, refID, field, link string) error {
	if err := validateParent(refType, refID); err != nil {
		return err
	}
	if !models.ValidLinkField(field) {
		return validationf("field must be %q or %q", models.LinkFieldDownload, models.LinkFieldDelivery)
	}
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return validationf("link must be an absolute http(s) URL")
	}

	_, err = s.repomanager.Parents(s.db).SetLink(ctx, refType, refID, field, link)
	return err
}

// Authorize reports whether caller may see uploads of the parent. Admins
// see everything; other users need to own the parent or, when uploaderID
// is given, to be that uploader.
func (s *UploadService) Authorize(ctx context.Context, caller auth.Identity, refType, refID, uploaderID string) error {
	if caller.IsAdmin() {
		return nil
	}
	if uploaderID != "" && caller.UserID == uploaderID {
		return nil
	}
	parent, err := s.repomanager.Parents(s.db).Get(ctx, refType, refID)
	if err != nil {
		return err
	}
	if parent.ClientID != "" && parent.ClientID == caller.UserID {
		return nil
	}
	return common.ErrorForbidden
}
