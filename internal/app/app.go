// Package app wires the daemon: it opens the local store, builds every
// component on top of it and runs the long-lived loops until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/diarysync/internal/api"
	"github.com/dmitrijs2005/diarysync/internal/cache"
	"github.com/dmitrijs2005/diarysync/internal/config"
	"github.com/dmitrijs2005/diarysync/internal/connectivity"
	"github.com/dmitrijs2005/diarysync/internal/events"
	"github.com/dmitrijs2005/diarysync/internal/filex"
	"github.com/dmitrijs2005/diarysync/internal/health"
	"github.com/dmitrijs2005/diarysync/internal/logging"
	"github.com/dmitrijs2005/diarysync/internal/metrics"
	"github.com/dmitrijs2005/diarysync/internal/models"
	"github.com/dmitrijs2005/diarysync/internal/queue"
	"github.com/dmitrijs2005/diarysync/internal/remote"
	"github.com/dmitrijs2005/diarysync/internal/session"
	"github.com/dmitrijs2005/diarysync/internal/status"
	"github.com/dmitrijs2005/diarysync/internal/store"
	"github.com/dmitrijs2005/diarysync/internal/syncer"
)

type App struct {
	config  *config.Config
	logger  logging.Logger
	store   *store.Store
	metrics *metrics.Metrics

	Queue    *queue.Queue
	Sessions *session.Provider
	Remote   *remote.Client
	Cache    *cache.Engine
	Monitor  *connectivity.Monitor
	Events   *events.Broker
	Syncer   *syncer.Coordinator
	Status   *status.Surface
}

// NewApp opens the store and builds the components. Nothing runs in the
// background until Run is called, and opening changes no queued entry, so
// CLI commands can use the same wiring next to a running daemon.
func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	if _, err := filex.EnsureParentDir(c.DatabasePath); err != nil {
		return nil, fmt.Errorf("store init error: %w", err)
	}
	st, err := store.Open(ctx, c.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("store init error: %w", err)
	}

	origins, err := cache.ParseOrigins(c.Origins()...)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("invalid origin: %w", err)
	}

	m := metrics.New()
	sessions := session.NewProvider(st.Metadata)
	q := queue.NewQueue(st.Pending, c.MaxRetries, logger)
	client := remote.NewClient(c.RemoteBaseURL, sessions, c.RequestTimeout, nil)

	var remoteHost string
	if u, err := url.Parse(c.RemoteBaseURL); err == nil {
		remoteHost = u.Host
	}
	engine := cache.NewEngine(cache.Config{
		Prefix:             c.CachePrefix,
		Version:            c.CacheVersion,
		APITTL:             c.APITTL,
		StaticTTL:          c.StaticTTL,
		ImageTTL:           c.ImageTTL,
		RequestTimeout:     c.RequestTimeout,
		OfflineFallbackURL: c.OfflineFallbackURL,
	}, origins, st.Responses, &remote.AuthTransport{Tokens: sessions, Host: remoteHost}, m, logger)

	monitor := connectivity.NewMonitor(client, st.Metadata, c.OnlineCheckInterval, c.RequestTimeout, m, logger)
	broker := events.NewBroker(m)
	coordinator := syncer.NewCoordinator(q, client, sessions, engine, monitor, broker, st.Metadata,
		syncer.Options{
			Interval:    c.SyncInterval,
			Concurrency: c.SyncConcurrency,
			ClaimLease:  claimLease(c.RequestTimeout),
		}, m, logger)
	surface := status.NewSurface(q, coordinator, monitor, broker, sessions, logger)

	app := &App{
		config:   c,
		logger:   logger.With("module", "app"),
		store:    st,
		metrics:  m,
		Queue:    q,
		Sessions: sessions,
		Remote:   client,
		Cache:    engine,
		Monitor:  monitor,
		Events:   broker,
		Syncer:   coordinator,
		Status:   surface,
	}

	if n := engine.Activate(ctx); n > 0 {
		app.logger.Info(ctx, "removed stale cache partitions", "count", n)
	}
	monitor.Load(ctx)
	surface.Refresh(ctx)

	return app, nil
}

// claimLease leaves a syncing entry alone for several request timeouts, so
// another process sharing the database never releases a live delivery.
func claimLease(requestTimeout time.Duration) time.Duration {
	if requestTimeout <= 0 {
		return syncer.DefaultClaimLease
	}
	return 4 * requestTimeout
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// preloadFallback stores the offline fallback page so navigations have
// something to show before the first online visit.
func (app *App) preloadFallback(ctx context.Context) {
	if app.config.OfflineFallbackURL == "" {
		return
	}
	res := app.Cache.Preload(ctx, app.Cache.Partition(models.ClassNavigation), []string{app.config.OfflineFallbackURL})
	for u, reason := range res.Failed {
		app.logger.Warn(ctx, "offline page preload failed", "url", u, "error", reason)
	}
}

// Run starts the loops and the servers and blocks until a signal arrives,
// ctx is done or a server fails.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()
	app.initSignalHandler(cancelFunc)

	app.logger.Info(ctx, "Starting app...")

	httpServer := api.New(api.Deps{
		Entries:    app.Queue,
		Status:     app.Status,
		Cache:      app.Cache,
		Syncer:     app.Syncer,
		Events:     app.Events,
		Sessions:   app.Sessions,
		Metrics:    app.metrics.Handler(),
		Logger:     app.logger,
		AdminToken: app.config.AdminToken,
	})
	healthServer := health.NewServer(app.Monitor, app.store, app.config.OnlineCheckInterval, app.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { app.Monitor.Run(gctx); return nil })
	g.Go(func() error { app.Syncer.Run(gctx); return nil })
	g.Go(func() error { app.Status.Run(gctx); return nil })
	g.Go(func() error { app.preloadFallback(gctx); return nil })
	g.Go(func() error { return httpServer.Run(gctx, app.config.ListenAddr) })
	g.Go(func() error {
		if app.config.GRPCAddr == "" {
			return nil
		}
		return healthServer.Run(gctx, app.config.GRPCAddr)
	})

	err := g.Wait()
	app.logger.Info(context.WithoutCancel(ctx), "App stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops background cache work and closes the store.
func (app *App) Close() error {
	app.Cache.Close()
	app.Events.Close()
	return app.store.Close()
}
