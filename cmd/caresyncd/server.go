package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/caredock/caresync/cmd/caresyncd/handlers"
	"github.com/caredock/caresync/internal/access"
	"github.com/caredock/caresync/internal/config"
	"github.com/caredock/caresync/internal/export"
	exportscheduler "github.com/caredock/caresync/internal/export/scheduler"
	"github.com/caredock/caresync/internal/logging"
	"github.com/caredock/caresync/internal/store"
	coresync "github.com/caredock/caresync/internal/sync"
	"github.com/caredock/caresync/internal/sync/conflict"
	"github.com/caredock/caresync/internal/sync/notify"
	"github.com/caredock/caresync/internal/sync/queue"
	syncscheduler "github.com/caredock/caresync/internal/sync/scheduler"
	"github.com/caredock/caresync/internal/sync/status"
)

const shutdownTimeout = 10 * time.Second

// Server owns the assembled sync stack and its background goroutines.
type Server struct {
	cfg        *config.Config
	store      store.Store
	dispatcher *store.Dispatcher
	hub        *Hub

	archiver    *exportscheduler.Scheduler
	maintenance *syncscheduler.Scheduler

	http *http.Server
}

// newServer opens the store and wires every component per the
// configuration. The caller runs it with Run and owns ctx cancellation.
func newServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	dispatcher := store.NewDispatcher(store.DefaultDispatcherConfig())

	st, err := store.Open(ctx, cfg.Store, dispatcher)
	if err != nil {
		return nil, err
	}

	provider := access.NewStaticProvider()
	for _, user := range cfg.Access.Users {
		if user.Admin {
			provider.AllowAll(user.ID)
			continue
		}
		provider.Allow(user.ID, user.Collections, user.Facilities)
	}

	engine := coresync.NewEngine(st, provider, provider, cfg.Sync)
	resolver := conflict.NewResolver(st, cfg.Collections)
	processor := queue.NewProcessor(st, resolver, provider)
	sessions := coresync.NewSessions(st, cfg.HeartbeatWindow())
	notifier := notify.NewNotifier(st, sessions, cfg.CollectionNames())
	aggregator := status.NewAggregator(st, 24*time.Hour)

	var hub *Hub
	if cfg.RealtimeEnabled() {
		dispatcher.Subscribe(notifier.HandleEvents)
		hub = NewHub(notifier, cfg.Server.CORSOrigins)
		notifier.SetDeliveryHook(hub)
	}

	archiveService, err := buildArchiveService(ctx, st, cfg.Archive)
	if err != nil {
		st.Close()
		return nil, err
	}

	var archiver *exportscheduler.Scheduler
	if cfg.Archive.Enabled {
		archiver = exportscheduler.NewScheduler(archiveService, exportscheduler.Config{
			Interval:       cfg.ArchiveInterval(),
			RetentionCount: cfg.Archive.RetentionCount,
			Directory:      cfg.Archive.Directory,
		})
	}

	maintenance := syncscheduler.NewScheduler(sessions, notifier, syncscheduler.Config{
		MaxAge: cfg.NotificationMaxAge(),
	})

	syncHandler := handlers.NewSyncHandler(engine, resolver, processor, sessions, notifier)
	statusHandler := handlers.NewStatusHandler(aggregator)
	archiveHandler := handlers.NewArchiveHandler(archiveService)
	router := buildRouter(cfg, syncHandler, statusHandler, archiveHandler, hub)

	return &Server{
		cfg:         cfg,
		store:       st,
		dispatcher:  dispatcher,
		hub:         hub,
		archiver:    archiver,
		maintenance: maintenance,
		http: &http.Server{
			Addr:    cfg.Server.Addr,
			Handler: router,
		},
	}, nil
}

// buildArchiveService assembles the audit archiver, including the
// upload client when a provider is configured and credentials resolve.
func buildArchiveService(ctx context.Context, st store.Store, cfg config.ArchiveConfig) (*export.Service, error) {
	opts := export.Options{Directory: cfg.Directory}
	if cfg.PasswordEnv != "" {
		opts.Password = os.Getenv(cfg.PasswordEnv)
	}

	if cfg.Provider != "" {
		objects, err := buildObjectStore(ctx, st, cfg)
		if err != nil {
			return nil, err
		}
		opts.Objects = objects
	}
	return export.NewService(st, opts), nil
}

func buildRouter(cfg *config.Config, syncH *handlers.SyncHandler, statusH *handlers.StatusHandler, archiveH *handlers.ArchiveHandler, hub *Hub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	if len(cfg.Server.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.Server.CORSOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Authorization", "Content-Type"},
		}))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		s := v1.Group("/sync")
		s.POST("/delta", syncH.Delta)
		s.POST("/queue", syncH.Queue)
		s.POST("/conflict", syncH.Conflict)
		s.POST("/heartbeat", syncH.Heartbeat)
		s.GET("/notifications", syncH.Notifications)
		s.POST("/notifications/ack", syncH.AckNotifications)
		s.GET("/status", statusH.Status)
		if hub != nil {
			s.GET("/realtime", hub.ServeWS)
		}

		v1.POST("/archive/run", archiveH.Run)
	}
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Get().Debug("http request", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

// Run starts the background goroutines and serves HTTP until ctx is
// cancelled, then shuts everything down in dependency order.
func (s *Server) Run(ctx context.Context) error {
	s.dispatcher.Start()
	s.maintenance.Start(ctx)
	if s.archiver != nil {
		s.archiver.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("http server listening", map[string]interface{}{
			"addr": s.http.Addr,
		})
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// shutdown stops intake first, then drains, then releases the store.
func (s *Server) shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if s.hub != nil {
		s.hub.Shutdown()
	}
	if s.archiver != nil {
		s.archiver.Stop()
	}
	s.maintenance.Stop()
	s.dispatcher.Stop()

	if cErr := s.store.Close(); cErr != nil && err == nil {
		err = cErr
	}
	logging.Info("server stopped")
	return err
}
