// Package api serves the crawl trigger and poll endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/mining-intel/internal/jobs"
	"github.com/sells-group/mining-intel/internal/model"
	"github.com/sells-group/mining-intel/internal/store"
)

// Canceller stops a queued or in-flight run.
type Canceller interface {
	Cancel(ctx context.Context, runID string) error
}

// Options configures the API server.
type Options struct {
	CORSOrigins []string
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	Now      func() time.Time
}

// Server holds the API dependencies.
type Server struct {
	queue     *jobs.Queue
	store     store.Store
	canceller Canceller
	opts      Options
}

// New creates a Server.
func New(q *jobs.Queue, st store.Store, c Canceller, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{queue: q, store: st, canceller: c, opts: opts}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/crawls", func(r chi.Router) {
			r.Post("/", s.startCrawl)
			r.Get("/", s.listCrawls)
			r.Get("/{id}", s.getCrawl)
			r.Post("/{id}/cancel", s.cancelCrawl)
		})
		r.Route("/documents", func(r chi.Router) {
			r.Get("/", s.listDocuments)
			r.Get("/count", s.countDocuments)
			r.Get("/{id}/metrics", s.documentMetrics)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// runView is the JSON shape of a run in API responses.
type runView struct {
	*model.CrawlRun
	DurationSeconds float64 `json:"duration_seconds"`
}

func (s *Server) view(run *model.CrawlRun) runView {
	return runView{CrawlRun: run, DurationSeconds: run.Duration(s.opts.Now()).Seconds()}
}
