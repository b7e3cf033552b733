package revisions

import "context"

type Repository interface {
	Next(ctx context.Context, refType, refID string) (int64, error)
	Current(ctx context.Context, refType, refID string) (int64, error)
}
