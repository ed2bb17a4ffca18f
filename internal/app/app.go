// Package app wires the timeline service together from configuration.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/medrex/clinic-timeline/internal/changefeed"
	"github.com/medrex/clinic-timeline/internal/deadlines"
	"github.com/medrex/clinic-timeline/internal/reconciler"
	"github.com/medrex/clinic-timeline/internal/scheduling"
	"github.com/medrex/clinic-timeline/pkg/config"
	"github.com/medrex/clinic-timeline/pkg/database"
	"github.com/medrex/clinic-timeline/pkg/interfaces"
	"github.com/medrex/clinic-timeline/pkg/logger"
	"github.com/medrex/clinic-timeline/pkg/monitoring"
	"github.com/medrex/clinic-timeline/pkg/types"
)

const (
	serviceName    = "clinic-timeline"
	serviceVersion = "1.0.0"
)

// App is the assembled timeline service
type App struct {
	config  *config.Config
	logger  *logger.Logger
	db      *database.DB
	broker  changefeed.Broker
	metrics *monitoring.MetricsCollector
	tracing *monitoring.TracingManager
	health  *monitoring.HealthManager

	Timeline  *scheduling.Service
	Deadlines *deadlines.Service

	sweeper  *deadlines.Sweeper
	strategy reconciler.Strategy
	handler  http.Handler
	server   *http.Server
}

// New builds the service from cfg: storage, change feed, observability and routes
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	strategy, err := reconciler.ParseStrategy(cfg.Scheduling.MergeMode)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduling config: %w", err)
	}

	a := &App{
		config:   cfg,
		logger:   log,
		metrics:  monitoring.NewMetricsCollector(serviceName),
		health:   monitoring.NewHealthManager(serviceName, serviceVersion),
		strategy: strategy,
	}

	if err := a.initTracing(ctx); err != nil {
		return nil, err
	}
	if err := a.initBroker(); err != nil {
		a.Close()
		return nil, err
	}

	var (
		timelineRepo interfaces.TimelineRepository
		deadlineRepo interfaces.DeadlineRepository
		proposals    interfaces.ProposalStore
		patients     interfaces.PatientDirectory
	)

	switch cfg.Database.Driver {
	case "memory":
		log.WithComponent("app").Warn("Using in-memory storage; data is lost on restart")
		timelineRepo = scheduling.NewMemoryRepository()
		deadlineRepo = deadlines.NewMemoryDeadlineStore()
		proposals = deadlines.NewMemoryProposalStore()
		patients = deadlines.NewMemoryPatientDirectory(nil)
	default:
		db, err := database.NewConnection(&cfg.Database, log)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.db = db
		if cfg.Database.MigrateOnStart {
			if err := db.CreateSchema(ctx); err != nil {
				a.Close()
				return nil, fmt.Errorf("failed to create schema: %w", err)
			}
		}
		a.health.RegisterChecker("database", monitoring.NewDatabaseHealthChecker(db.DB))

		timelineRepo = scheduling.NewRepository(db, log, a.metrics, scheduling.WithRepositoryTracing(a.tracing))
		deadlineRepo = deadlines.NewDeadlineRepository(db, log, a.metrics)
		proposals = deadlines.NewProposalRepository(db, log, a.metrics)
		patients = deadlines.NewPatientDirectory(db, log, a.metrics)
	}

	a.Timeline = scheduling.NewService(timelineRepo, a.broker, log,
		scheduling.WithMetrics(a.metrics),
		scheduling.WithTracing(a.tracing),
		scheduling.WithWriteTimeout(cfg.Scheduling.WriteTimeout),
	)
	calculator := deadlines.NewCalculator(deadlineRepo, patients, log, a.metrics)
	clinic, err := time.LoadLocation(cfg.Deadlines.Timezone)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid deadlines config: %w", err)
	}
	a.Deadlines = deadlines.NewService(proposals, deadlineRepo, calculator, log, deadlines.WithLocation(clinic))

	if schedule := cfg.Deadlines.SweepSchedule; schedule != "" {
		sweeper := deadlines.NewSweeper(deadlineRepo, log)
		if err := sweeper.Start(schedule); err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid deadlines config: %w", err)
		}
		a.sweeper = sweeper
	}

	a.handler = a.routes()
	a.server = a.newServer()
	return a, nil
}

func (a *App) initTracing(ctx context.Context) error {
	if !a.config.Tracing.Enabled {
		a.tracing = monitoring.NewNoopTracingManager()
		return nil
	}

	tracing, err := monitoring.NewTracingManager(ctx, &monitoring.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		OTLPEndpoint:   a.config.Tracing.OTLPEndpoint,
		Environment:    a.config.Tracing.Environment,
		SamplingRate:   a.config.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracing = tracing
	return nil
}

func (a *App) initBroker() error {
	feed := a.config.Feed

	switch feed.Transport {
	case "redis":
		broker, err := changefeed.NewRedisBroker(feed.RedisURL, feed.ChannelPrefix, feed.BufferSize, a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize redis change feed: %w", err)
		}
		a.broker = broker
	case "amqp":
		broker, err := changefeed.NewAMQPBroker(feed.AMQPURL, feed.Exchange, feed.BufferSize, a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize amqp change feed: %w", err)
		}
		a.broker = broker
	default:
		a.broker = changefeed.NewMemoryBroker(feed.BufferSize)
	}

	// losing the feed degrades viewers to stale data; writes still work
	a.health.RegisterChecker("changefeed", monitoring.NewPingHealthChecker(a.broker.Ping, true))
	a.logger.WithComponent("app").WithField("transport", feed.Transport).Info("Change feed initialized")
	return nil
}

func (a *App) routes() http.Handler {
	router := mux.NewRouter()
	router.Use(monitoring.NewMonitoringMiddleware(a.metrics, a.tracing, a.logger).HTTPMiddleware)
	if limit := a.config.Server.WriteRateLimit; limit > 0 {
		router.Use(newWriteLimiter(limit).middleware(a.logger))
	}

	scheduling.NewHandlers(a.Timeline, a.logger).RegisterRoutes(router)
	deadlines.NewHandlers(a.Deadlines, a.logger).RegisterRoutes(router)

	router.HandleFunc("/health", a.health.HTTPHandler()).Methods("GET")
	if a.config.Monitoring.Enabled {
		if path := a.config.Monitoring.HealthPath; path != "" && path != "/health" {
			router.HandleFunc(path, a.health.HTTPHandler()).Methods("GET")
		}
		router.Handle(a.config.Monitoring.MetricsPath, a.metrics.Handler()).Methods("GET")
	}

	// outside the router so preflight requests reach it for any route
	handler := securityHeadersMiddleware(router)
	if origin := a.config.Server.CORSOrigin; origin != "" {
		handler = corsMiddleware(origin)(handler)
	}
	return handler
}

// Router returns the HTTP handler of the service
func (a *App) Router() http.Handler {
	return a.handler
}

// NewReconciler creates a live timeline view backed by this service, using the
// configured merge strategy.
func (a *App) NewReconciler(filters types.EventFilters) *reconciler.Reconciler {
	return reconciler.New(a.Timeline, a.Timeline, a.broker, a.logger,
		reconciler.WithFilters(filters),
		reconciler.WithStrategy(a.strategy),
		reconciler.WithMetrics(a.metrics),
	)
}

func (a *App) newServer() *http.Server {
	srv := a.config.Server
	base, cancel := context.WithCancel(context.Background())
	server := &http.Server{
		Addr:         srv.Addr(),
		Handler:      a.handler,
		ReadTimeout:  time.Duration(srv.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(srv.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(srv.IdleTimeout) * time.Second,
		BaseContext:  func(net.Listener) context.Context { return base },
	}
	// open feed streams never go idle, so end them when shutdown begins
	server.RegisterOnShutdown(cancel)
	return server
}

// Start serves HTTP until Stop is called
func (a *App) Start() error {
	a.logger.WithComponent("app").WithField("addr", a.server.Addr).Info("Starting timeline service")
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains HTTP requests and releases every connection
func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	if a.server != nil {
		a.logger.WithComponent("app").Info("Stopping timeline service")
		if err := a.server.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("failed to shut down http server: %w", err)
		}
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to flush traces: %w", err)
		}
	}
	if err := a.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Close stops the deadline sweeper and releases the broker and database connection
func (a *App) Close() error {
	if a.sweeper != nil {
		a.sweeper.Stop()
		a.sweeper = nil
	}
	var firstErr error
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close change feed: %w", err)
		}
		a.broker = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close database: %w", err)
		}
		a.db = nil
	}
	return firstErr
}
