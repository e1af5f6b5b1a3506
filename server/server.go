package server

import (
	"context"
	"errors"
	"html/template"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/livepeer/face-editor/catalog"
	"github.com/livepeer/face-editor/jobs"
)

const (
	defaultMaxUploadBytes = 32 << 20
	defaultMaxImagePixels = 4096 * 4096
)

// JobService is the part of jobs.Manager the web front-end drives.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (jobs.Ack, error)
	Refresh(id string) (string, error)
	Status(id string) (jobs.Snapshot, error)
	TakeResult(id string) (*jobs.Result, string, error)
}

type Config struct {
	Jobs    JobService
	Catalog *catalog.Catalog
	// Model is the model jobs are submitted for.
	Model          string
	Logger         zerolog.Logger
	AllowedOrigins []string
	MaxUploadBytes int64
	// MaxImagePixels caps the decoded size of an upload. Dimensions are
	// checked from the image header before any pixels are decoded.
	MaxImagePixels int
}

type Server struct {
	jobs      JobService
	catalog   *catalog.Catalog
	model     string
	logger    zerolog.Logger
	origins   []string
	maxUpload int64
	maxPixels int

	doc  *openapi3.T
	page *template.Template
}

func New(cfg Config) (*Server, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("server: job service is required")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default()
	}
	if _, err := cfg.Catalog.Methods(cfg.Model); err != nil {
		return nil, err
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.MaxImagePixels <= 0 {
		cfg.MaxImagePixels = defaultMaxImagePixels
	}

	doc, err := loadOpenAPI()
	if err != nil {
		return nil, err
	}
	page, err := parsePage()
	if err != nil {
		return nil, err
	}

	return &Server{
		jobs:      cfg.Jobs,
		catalog:   cfg.Catalog,
		model:     cfg.Model,
		logger:    cfg.Logger,
		origins:   cfg.AllowedOrigins,
		maxUpload: cfg.MaxUploadBytes,
		maxPixels: cfg.MaxImagePixels,
		doc:       doc,
		page:      page,
	}, nil
}

// Handler returns the router serving the UI and the JSON API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.logger), middleware.Recoverer)
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealth)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/catalog", s.handleCatalog)
		r.Post("/jobs", s.handleSubmit)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Get("/console", s.handleConsole)
			r.Post("/result", s.handleResult)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
