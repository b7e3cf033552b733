package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/opsportal/internal/dbx"
	"github.com/dmitrijs2005/opsportal/internal/server/repositories/parents"
	"github.com/dmitrijs2005/opsportal/internal/server/repositories/revisions"
	"github.com/dmitrijs2005/opsportal/internal/server/repositories/uploads"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Uploads(db dbx.DBTX) uploads.Repository
	Revisions(db dbx.DBTX) revisions.Repository
	Parents(db dbx.DBTX) parents.Repository
}
