// Package server wires the portal upload service together: database and
// migrations, object storage, notification fan-out, the REST API and the
// gRPC health endpoint, and runs them until a shutdown signal arrives.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/opsportal/internal/cryptox"
	"github.com/dmitrijs2005/opsportal/internal/dbx"
	"github.com/dmitrijs2005/opsportal/internal/logging"
	"github.com/dmitrijs2005/opsportal/internal/server/config"
	"github.com/dmitrijs2005/opsportal/internal/server/httpapi"
	"github.com/dmitrijs2005/opsportal/internal/server/metrics"
	"github.com/dmitrijs2005/opsportal/internal/server/notify"
	"github.com/dmitrijs2005/opsportal/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/opsportal/internal/server/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	gs "github.com/dmitrijs2005/opsportal/internal/server/grpc"
)

const metricsNamespace = "opsportal"

type App struct {
	config   *config.Config
	logger   logging.Logger
	db       *sql.DB
	redis    *redis.Client
	hub      *notify.Hub
	registry *prometheus.Registry
	observer *metrics.PrometheusObserver
	uploads  *services.UploadService
	storage  *services.StorageService
	tokenKey []byte
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.NewJSON(os.Stdout, c.LogLevel)

	tokenKey, err := cryptox.DeriveKey([]byte(c.SecretKey), cryptox.PurposeAccessToken)
	if err != nil {
		return nil, fmt.Errorf("token key: %w", err)
	}

	db, err := dbx.Open(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer, err := metrics.NewPrometheusObserver(metricsNamespace, registry)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metrics init error: %w", err)
	}

	storage, err := services.NewStorageService(ctx, c, observer, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	app := &App{
		config:   c,
		logger:   logger,
		db:       db,
		hub:      notify.NewHub(logger),
		registry: registry,
		observer: observer,
		storage:  storage,
		tokenKey: tokenKey,
	}

	// With Redis every instance publishes to the shared channel and its
	// bridge feeds the local hub; without it the hub is the publisher.
	var publisher notify.Publisher = app.hub
	if c.RedisAddr != "" {
		app.redis = redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		publisher = notify.NewRedisPublisher(app.redis, c.RedisChannel)
	}

	app.uploads = services.NewUploadService(db, rm, c, publisher, observer, logger)

	return app, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := httpapi.NewServer(app.config.EndpointAddrHTTP, httpapi.Deps{
		Uploads:        app.uploads,
		Storage:        app.storage,
		Hub:            app.hub,
		Observer:       app.observer,
		TokenKey:       app.tokenKey,
		MetricsHandler: promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}),
	}, app.logger)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.db, app.logger)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startRedisBridge(ctx context.Context) {
	b := notify.NewRedisBridge(app.redis, app.config.RedisChannel, app.hub, app.logger)

	// the service keeps running without cross-instance fan-out
	if err := b.Run(ctx); err != nil {
		app.logger.Error(ctx, "notification bridge stopped", "error", err)
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.hub.Run(ctx)
	}()

	if app.redis != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.startRedisBridge(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()

	wg.Wait()

	app.close(context.Background())
	app.logger.Info(ctx, "App stopped")
}

func (app *App) close(ctx context.Context) {
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Warn(ctx, "redis close failed", "error", err)
		}
	}
	if err := app.db.Close(); err != nil {
		app.logger.Warn(ctx, "db close failed", "error", err)
	}
}
