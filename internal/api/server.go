// Package api serves the HTTP interface of garakd: catalog listings, scan
// history, report artifacts and the websocket scan channels.
package api

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"

	"github.com/CZERTAINLY/garakd/internal/catalog"
	"github.com/CZERTAINLY/garakd/internal/garak"
	"github.com/CZERTAINLY/garakd/internal/gateway"
	"github.com/CZERTAINLY/garakd/internal/history"
	"github.com/CZERTAINLY/garakd/internal/metrics"
	"github.com/CZERTAINLY/garakd/internal/model"
	"github.com/CZERTAINLY/garakd/internal/service"
)

const (
	htmlPattern  = "report*.html"
	jsonlPattern = "report*.jsonl"
)

// Scans is implemented by service.Supervisor.
type Scans interface {
	gateway.Scans
	Get(id string) (model.ScanJob, bool)
	Jobs() []model.ScanJob
	Abort(ctx context.Context, id string) error
}

// Catalog is implemented by catalog.Catalog.
type Catalog interface {
	Healthy(ctx context.Context) bool
	Models(ctx context.Context) ([]catalog.Model, error)
	Probes(ctx context.Context) ([]garak.Plugin, error)
	Detectors(ctx context.Context) ([]garak.Plugin, error)
}

type Deps struct {
	Scans   Scans
	Store   history.Store
	Dir     service.Artifacts
	Catalog Catalog
	Metrics *metrics.Metrics
	Origins []string
}

type Server struct {
	deps    Deps
	gateway *gateway.Gateway
}

func New(deps Deps) *Server {
	return &Server{
		deps:    deps,
		gateway: gateway.New(deps.Scans, deps.Origins),
	}
}

// Routes returns the router with all endpoints mounted.
func (s *Server) Routes() chi.Router {
	origins := s.deps.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(
		s.deps.Metrics.Middleware,
		cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		}),
		middleware.RequestID,
		logRequests,
		middleware.Recoverer,
	)

	r.Get("/", s.root)
	r.Get("/ws/scan", s.gateway.Scan)
	r.Get("/ws/scans/{id}", s.gateway.Watch)
	r.Handle("/metrics", s.deps.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Get("/health", s.health)
		r.Get("/models", s.models)
		r.Get("/probes", s.probes)
		r.Get("/detectors", s.detectors)
		r.Get("/scans", s.scans)
		r.Route("/scans/{id}", func(r chi.Router) {
			r.Get("/", s.scan)
			r.Get("/report", s.report)
			r.Get("/files/*", s.file)
			r.Post("/abort", s.abort)
		})
	})
	return r
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	_ = render.Render(w, r, RootReply{Message: "garakd API", Status: "running"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	reply := HealthReply{API: "healthy", Ollama: "disconnected"}
	if s.deps.Catalog.Healthy(r.Context()) {
		reply.Ollama = "connected"
	}
	_ = render.Render(w, r, reply)
}

// models, probes and detectors answer an empty list when the source is
// unavailable, the same way the web UI expects it.
func (s *Server) models(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Catalog.Models(r.Context())
	if err != nil {
		slog.WarnContext(r.Context(), "listing ollama models", "error", err)
	}
	_ = render.Render(w, r, ModelsReply{Models: nonNil(models)})
}

func (s *Server) probes(w http.ResponseWriter, r *http.Request) {
	probes, err := s.deps.Catalog.Probes(r.Context())
	if err != nil {
		slog.WarnContext(r.Context(), "listing garak probes", "error", err)
	}
	_ = render.Render(w, r, ProbesReply{Probes: nonNil(probes)})
}

func (s *Server) detectors(w http.ResponseWriter, r *http.Request) {
	detectors, err := s.deps.Catalog.Detectors(r.Context())
	if err != nil {
		slog.WarnContext(r.Context(), "listing garak detectors", "error", err)
	}
	_ = render.Render(w, r, DetectorsReply{Detectors: nonNil(detectors)})
}

// scans lists the history newest first. Live state of running jobs wins
// over their stored record.
func (s *Server) scans(w http.ResponseWriter, r *http.Request) {
	stored, err := s.deps.Store.List(r.Context())
	if err != nil {
		_ = render.Render(w, r, errReply(fmt.Errorf("listing history: %w", err)))
		return
	}
	byID := make(map[string]int, len(stored))
	for i, job := range stored {
		byID[job.ID] = i
	}
	for _, job := range s.deps.Scans.Jobs() {
		if i, ok := byID[job.ID]; ok {
			stored[i] = job
			continue
		}
		stored = append(stored, job)
	}
	slices.SortStableFunc(stored, func(a, b model.ScanJob) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID, a.ID))
	})
	_ = render.Render(w, r, ScansReply{Scans: nonNil(stored)})
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookup(r)
	if err != nil {
		_ = render.Render(w, r, errReply(err))
		return
	}
	_ = render.Render(w, r, ScanReply{ScanJob: job})
}

// report serves the html report, or the jsonl one when garak produced no html.
func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookup(r)
	if err != nil {
		_ = render.Render(w, r, errReply(err))
		return
	}
	name, err := s.reportName(job)
	if err != nil {
		_ = render.Render(w, r, errReply(err))
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", fmt.Sprintf("scan_%s_%s", job.ID, path.Base(name))))
	s.serve(w, r, job.ID, name)
}

func (s *Server) reportName(job model.ScanJob) (string, error) {
	if job.Result != nil && job.Result.ReportHTML != "" {
		return job.Result.ReportHTML, nil
	}
	for _, pattern := range []string{htmlPattern, jsonlPattern} {
		names, err := s.deps.Dir.Find(job.ID, pattern)
		if err != nil {
			return "", err
		}
		for _, n := range names {
			if !strings.Contains(n, "hitlog") {
				return n, nil
			}
		}
	}
	return "", fmt.Errorf("report of %s: %w", job.ID, model.ErrNotFound)
}

func (s *Server) file(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "*")
	if name == "" {
		_ = render.Render(w, r, errReply(fmt.Errorf("file name: %w", model.ErrNotFound)))
		return
	}
	s.serve(w, r, id, name)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, id, name string) {
	f, err := s.deps.Dir.Open(id, name)
	if err != nil {
		_ = render.Render(w, r, errReply(err))
		return
	}
	defer f.Close()
	var modified time.Time
	if info, err := f.Stat(); err == nil {
		modified = info.ModTime()
	}
	http.ServeContent(w, r, name, modified, f)
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Scans.Abort(r.Context(), id); err != nil {
		_ = render.Render(w, r, errReply(err))
		return
	}
	_ = render.Render(w, r, AbortReply{ScanID: id, Status: "aborting"})
}

func (s *Server) lookup(r *http.Request) (model.ScanJob, error) {
	id := chi.URLParam(r, "id")
	if job, ok := s.deps.Scans.Get(id); ok {
		return job, nil
	}
	job, err := s.deps.Store.Get(r.Context(), id)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return model.ScanJob{}, fmt.Errorf("reading job %s: %w", id, err)
	}
	return job, err
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
