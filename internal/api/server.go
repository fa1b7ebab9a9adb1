// Package api is the local HTTP surface of the daemon: status and event
// stream for the UI, queue operations, the cache admin surface and the
// cached read proxy.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrijs2005/diarysync/internal/cache"
	"github.com/dmitrijs2005/diarysync/internal/logging"
	"github.com/dmitrijs2005/diarysync/internal/models"
	"github.com/dmitrijs2005/diarysync/internal/status"
	"github.com/dmitrijs2005/diarysync/internal/syncer"
)

type Entries interface {
	Enqueue(ctx context.Context, userID string, payload models.Payload) (*models.PendingEntry, error)
	List(ctx context.Context, userID string) ([]*models.PendingEntry, error)
}

type Status interface {
	Refresh(ctx context.Context) status.Snapshot
	Watch(ctx context.Context) <-chan status.Snapshot
	Sync(ctx context.Context) (syncer.Result, error)
	Retry(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

type Cache interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
	FirstParty(u *url.URL) bool
	ListPartitions(ctx context.Context) []models.PartitionInfo
	Stats(ctx context.Context) models.CacheStats
	DeleteAll(ctx context.Context) int
	DeletePartition(ctx context.Context, name string) bool
	InvalidateAPI(ctx context.Context) bool
	InvalidateURL(ctx context.Context, rawURL string) bool
	Preload(ctx context.Context, partition string, urls []string) cache.PreloadResult
}

type Trigger interface {
	Trigger(reason string)
}

type EventSource interface {
	Subscribe(buffer int) (<-chan models.SyncEvent, func())
}

type Sessions interface {
	UserID(ctx context.Context) (string, error)
}

type Deps struct {
	Entries  Entries
	Status   Status
	Cache    Cache
	Syncer   Trigger
	Events   EventSource
	Sessions Sessions
	Metrics  http.Handler
	Logger   logging.Logger

	// AdminToken guards /admin routes when set.
	AdminToken string
}

type Server struct {
	deps   Deps
	logger logging.Logger
	router chi.Router
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	s := &Server{deps: deps, logger: deps.Logger.With("component", "api")}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/status", s.GetStatus)
	r.Get("/events", s.StreamEvents)
	r.Post("/sync", s.SyncNow)
	r.Post("/push", s.Push)

	r.Route("/entries", func(r chi.Router) {
		r.Post("/", s.CreateEntry)
		r.Get("/", s.ListEntries)
		r.Post("/{id}/retry", s.RetryEntry)
		r.Delete("/{id}", s.RemoveEntry)
	})

	r.Route("/admin/cache", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/", s.ListPartitions)
		r.Get("/stats", s.CacheStats)
		r.Delete("/", s.ClearCache)
		r.Delete("/{name}", s.DeletePartition)
		r.Post("/invalidate-api", s.InvalidateAPI)
		r.Post("/invalidate-url", s.InvalidateURL)
		r.Post("/preload", s.Preload)
	})

	r.Get("/fetch", s.Fetch)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.AdminToken != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AdminToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "admin token required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "http server listening", "addr", lis.Addr().String())
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn(ctx, "http server shutdown", "error", err)
		_ = srv.Close()
	}
	<-errCh
	return nil
}
