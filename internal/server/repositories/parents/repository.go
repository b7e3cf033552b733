package parents

import (
	"context"

	"github.com/dmitrijs2005/opsportal/internal/server/models"
)

type Repository interface {
	Get(ctx context.Context, refType, refID string) (*models.Parent, error)
	SetLink(ctx context.Context, refType, refID, field, link string) (ownerID string, err error)
}
