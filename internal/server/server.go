package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"weatherfav/internal/domain"
)

// FavoriteService is the admission gate as seen by the HTTP layer.
type FavoriteService interface {
	Submit(ctx context.Context, c domain.Candidate) (domain.Favorite, error)
	List(ctx context.Context, userID string) ([]domain.Favorite, error)
	Get(ctx context.Context, id string) (domain.Favorite, error)
	Remove(ctx context.Context, id string) error
	Reset(ctx context.Context) error
	ResetEnabled() bool
	RecordHistory(ctx context.Context, entry domain.HistoryEntry) (domain.HistoryEntry, error)
	History(ctx context.Context, userID string) ([]domain.HistoryEntry, error)
}

// Server holds dependencies for the HTTP handlers.
type Server struct {
	svc FavoriteService
	log logrus.FieldLogger
}

// New creates a new HTTP server instance.
func New(svc FavoriteService, logger logrus.FieldLogger) *Server {
	return &Server{
		svc: svc,
		log: logger.WithField("component", "http"),
	}
}

// Router builds the chi router. POST /reset is only mounted when the service
// allows resets.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/favorites", func(r chi.Router) {
		r.Get("/", s.handleListFavorites)
		r.Post("/", s.handleCreateFavorite)
		r.Get("/{id}", s.handleGetFavorite)
		r.Delete("/{id}", s.handleDeleteFavorite)
	})

	r.Route("/history", func(r chi.Router) {
		r.Get("/", s.handleListHistory)
		r.Post("/", s.handleCreateHistory)
	})

	if s.svc.ResetEnabled() {
		s.log.Warn("POST /reset is enabled; do not expose this instance publicly")
		r.Post("/reset", s.handleReset)
	}

	return r
}

// HTTPServer wraps the router in an *http.Server with sane timeouts.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// requestLogger logs one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			entry := s.log.WithFields(logrus.Fields{
				"request_id":  middleware.GetReqID(r.Context()),
				"method":      r.Method,
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Error("Request failed")
				return
			}
			entry.Info("Request handled")
		}()

		next.ServeHTTP(ww, r)
	})
}
