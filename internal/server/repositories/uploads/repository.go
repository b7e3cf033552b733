package uploads

import (
	"context"

	"github.com/dmitrijs2005/opsportal/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, upload *models.FileUpload) error
	GetByBatchID(ctx context.Context, batchID string) (*models.FileUpload, error)
	ListByParent(ctx context.Context, refType, refID string) ([]*models.FileUpload, error)
	MarkDeletable(ctx context.Context, batchID string) error
}
