// Package httpapi exposes composed views, verification actions, bulk matching
// and export jobs over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"installcore/docs/schema/openapi"
	"installcore/internal/adapters/exports"
	"installcore/internal/blob"
	"installcore/internal/bulk"
	"installcore/internal/composer"
	"installcore/internal/core"
	"installcore/pkg/domain"
)

// DefaultMaxUploadBytes bounds uploaded spreadsheets.
const DefaultMaxUploadBytes = 32 << 20

// Headers carrying the caller identity. Authentication happens in front of this
// service; the API trusts these values.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"
	HeaderUserRole = "X-User-Role"
	HeaderAdmin    = "X-User-Admin"
)

// Views supplies the latest composed view.
type Views interface {
	Current() *composer.View
}

// Options wires the server's collaborators. Exports and Blobs are optional;
// their routes answer 404 when unset.
type Options struct {
	Service        *core.Service
	Views          Views
	Exports        *exports.Worker
	Blobs          blob.Store
	Gatherer       prometheus.Gatherer
	BulkMetrics    *bulk.Metrics
	ErrorCap       int
	MaxUploadBytes int64
	Logger         *zap.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	opts   Options
	logger *zap.Logger
}

// New constructs a server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{opts: opts, logger: opts.Logger.Named("http")}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.Recoverer, s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Method(http.MethodGet, "/openapi.yaml", openapi.Handler())

		r.Group(func(r chi.Router) {
			r.Use(withAuth)

			r.Get("/actions", s.handleGlobalActions)

			r.Route("/views", func(r chi.Router) {
				r.Get("/", s.handleView)
				r.Get("/map", s.handleMap)
				r.Get("/stats", s.handleStats)
				r.Get("/boxes", s.handleBoxes)
				r.Get("/teams", s.handleTeamRollups)
			})

			r.Route("/installations", func(r chi.Router) {
				r.Get("/", s.handleListInstallations)
				r.Post("/", s.handleSubmit)
				r.Get("/{id}", s.handleGetInstallation)
				r.Get("/{id}/actions", s.handleInstallationActions)
				r.Post("/{id}/verify", s.handleVerify)
				r.Post("/{id}/flag", s.handleFlag)
			})

			r.Route("/teams", func(r chi.Router) {
				r.Post("/", s.handleCreateTeam)
				r.Delete("/{teamID}", s.handleDeleteTeam)
				r.Post("/{teamID}/members", s.handleAddMember)
				r.Delete("/{teamID}/members/{memberID}", s.handleRemoveMember)
				r.Post("/{teamID}/boxes/{box}/open", s.handleOpenBox)
			})

			r.Post("/boxes/{box}/assign", s.handleAssignBox)
			r.Post("/devices/import", s.handleImportDevices)
			r.Post("/devices/box-numbers", s.handleAssignBoxNumbers)

			r.Post("/bulk/match", s.handleBulkMatch)
			r.Route("/exports", func(r chi.Router) {
				r.Get("/", s.handleListExports)
				r.Post("/", s.handleCreateExport)
				r.Get("/{id}", s.handleGetExport)
			})
			r.Get("/artifacts/*", s.handleArtifact)
		})
	})
	return r
}

// Serve runs an http.Server on addr until ctx ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())))
	})
}

type authKey struct{}

func withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		admin, _ := strconv.ParseBool(r.Header.Get(HeaderAdmin))
		actor := domain.AuthContext{
			UserID:      r.Header.Get(HeaderUserID),
			DisplayName: r.Header.Get(HeaderUserName),
			Role:        domain.Role(r.Header.Get(HeaderUserRole)),
			IsAdmin:     admin,
		}
		if !actor.Valid() {
			writeError(w, http.StatusUnauthorized, "caller identity required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authKey{}, actor)))
	})
}

func actorFrom(r *http.Request) domain.AuthContext {
	actor, _ := r.Context().Value(authKey{}).(domain.AuthContext)
	return actor
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	view := s.current()
	status := http.StatusOK
	if view == nil || !view.Ready {
		status = http.StatusServiceUnavailable
	}
	body := map[string]any{"ready": view != nil && view.Ready, "healthy": view.Healthy()}
	writeJSON(w, status, body)
}

func (s *Server) current() *composer.View {
	if s.opts.Views == nil {
		return nil
	}
	return s.opts.Views.Current()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
