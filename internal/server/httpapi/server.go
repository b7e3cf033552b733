// Package httpapi is the REST surface of the portal upload workflow: signed
// URL issuance, batch recording, parent link maintenance and the
// notification websocket.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dmitrijs2005/opsportal/internal/logging"
	"github.com/dmitrijs2005/opsportal/internal/server/auth"
	"github.com/dmitrijs2005/opsportal/internal/server/metrics"
	"github.com/dmitrijs2005/opsportal/internal/server/models"
	"github.com/dmitrijs2005/opsportal/internal/server/notify"
	"github.com/dmitrijs2005/opsportal/internal/server/services"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const shutdownTimeout = 10 * time.Second

// UploadService is the batch workflow the handlers drive.
type UploadService interface {
	NextRevision(ctx context.Context, refType, refID string) (int64, error)
	RecordBatch(ctx context.Context, b services.Batch) (*services.RecordResult, error)
	GetBatch(ctx context.Context, batchID string) (*models.FileUpload, error)
	ListUploads(ctx context.Context, refType, refID string) ([]*models.FileUpload, error)
	MarkDeletable(ctx context.Context, batchID string) error
	SetLink(ctx context.Context, refType, refID, field, link string) error
	Authorize(ctx context.Context, caller auth.Identity, refType, refID, uploaderID string) error
}

// StorageService is the object storage gateway.
type StorageService interface {
	PresignGet(ctx context.Context, key, filename string, exp time.Duration) (string, error)
	PresignPut(ctx context.Context, key, contentType string) (string, error)
	PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32) (string, error)
	CreateMultipart(ctx context.Context, key, contentType string) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []services.CompletedPart) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
	NewObjectKey(refType, refID, filename string) (string, error)
}

// Subscriptions is the local notification hub.
type Subscriptions interface {
	Register(s *notify.Subscriber)
	Unregister(s *notify.Subscriber)
	Count() int
}

// Deps bundles what the handlers need.
type Deps struct {
	Uploads  UploadService
	Storage  StorageService
	Hub      Subscriptions
	Observer metrics.Observer
	// TokenKey verifies access tokens.
	TokenKey []byte
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

type Server struct {
	address  string
	engine   *gin.Engine
	uploads  UploadService
	storage  StorageService
	hub      Subscriptions
	upgrader websocket.Upgrader
	logger   logging.Logger
}

func NewServer(address string, d Deps, l logging.Logger) *Server {
	if d.Observer == nil {
		d.Observer = metrics.Nop{}
	}

	s := &Server{
		address: address,
		engine:  gin.New(),
		uploads: d.Uploads,
		storage: d.Storage,
		hub:     d.Hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: l.With("module", "http_server"),
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true

	s.engine.Use(gin.Recovery(), cors.New(corsConfig), RequestLogger(s.logger), Metrics(d.Observer))
	s.routes(d)
	return s
}

func (s *Server) routes(d Deps) {
	s.engine.GET("/healthz", s.healthz)
	if d.MetricsHandler != nil {
		s.engine.GET("/metrics", gin.WrapH(d.MetricsHandler))
	}

	api := s.engine.Group("/api", Authenticate(d.TokenKey))

	storage := api.Group("/storage")
	storage.GET("/next-revision", RequireAdmin(), s.nextRevision)
	storage.POST("/record-singles", s.recordSingles)
	storage.GET("/sign-part", s.signPart)
	storage.POST("/abort", s.abort)
	storage.POST("/set-link", RequireAdmin(), s.setLink)
	storage.GET("/sign-put", s.signPut)
	storage.POST("/multipart/create", s.createMultipart)
	storage.POST("/multipart/complete", s.completeMultipart)
	storage.POST("/mark-deletable", RequireAdmin(), s.markDeletable)
	storage.GET("/uploads", s.listUploads)

	files := api.Group("/files")
	files.GET("/dl", s.download)
	files.GET("/batch", s.batch)

	api.GET("/notifications/ws", s.notifications)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) healthz(c *gin.Context) {
	data := gin.H{"status": "ok"}
	if s.hub != nil {
		data["subscribers"] = s.hub.Count()
	}
	respSuccess(c, http.StatusOK, data)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "Starting HTTP server", "address", s.address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info(ctx, "Stopping HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
