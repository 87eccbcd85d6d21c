// Package api serves the engine over HTTP/JSON.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/rakeback-engine/internal/attribution"
	"github.com/sells-group/rakeback-engine/internal/config"
	"github.com/sells-group/rakeback-engine/internal/conversion"
	"github.com/sells-group/rakeback-engine/internal/ledger"
	"github.com/sells-group/rakeback-engine/internal/metrics"
	"github.com/sells-group/rakeback-engine/internal/model"
	"github.com/sells-group/rakeback-engine/internal/monitoring"
	"github.com/sells-group/rakeback-engine/internal/rules"
	"github.com/sells-group/rakeback-engine/internal/store"
)

// Partners manages partners and their eligibility rules.
type Partners interface {
	ListPartners(ctx context.Context) ([]model.Partner, error)
	GetPartner(ctx context.Context, id string) (*model.Partner, error)
	CreatePartner(ctx context.Context, req rules.CreatePartnerRequest, actor string) (*model.Partner, error)
	UpdatePartner(ctx context.Context, id string, req rules.UpdatePartnerRequest, actor string) (*model.Partner, error)
	AddRule(ctx context.Context, partnerID string, in rules.RuleInput, actor string) (*model.EligibilityRule, error)
	ListChangeLog(ctx context.Context, limit int) ([]model.RuleChangeLogEntry, error)
}

// Attributions ingests block ranges.
type Attributions interface {
	Ingest(ctx context.Context, req attribution.Request) (*model.IngestResult, error)
}

// Conversions ingests and allocates conversion events.
type Conversions interface {
	Ingest(ctx context.Context, req conversion.IngestRequest) (*model.ConversionIngestResult, error)
}

// Ledger aggregates, transitions and exports ledger entries.
type Ledger interface {
	Aggregate(ctx context.Context, partnerID string, p ledger.Period) (*model.RakebackLedgerEntry, error)
	AggregateAll(ctx context.Context, p ledger.Period) ([]ledger.Outcome, error)
	Pay(ctx context.Context, entryID, reference string) (*model.RakebackLedgerEntry, error)
	Dispute(ctx context.Context, entryID, reason string) (*model.RakebackLedgerEntry, error)
	Reopen(ctx context.Context, entryID string) (*model.RakebackLedgerEntry, error)
	Entries(ctx context.Context, f model.LedgerFilter) ([]model.RakebackLedgerEntry, error)
	Export(ctx context.Context, w io.Writer, req ledger.ExportRequest) error
}

// Monitor reports completeness, issues and activity.
type Monitor interface {
	Completeness(ctx context.Context, scope monitoring.Scope) (*monitoring.Report, error)
	Refresh(ctx context.Context) (*monitoring.RefreshResult, error)
	Issues(ctx context.Context, includeResolved bool, limit int) ([]model.Issue, error)
	Activity(ctx context.Context, limit int) ([]model.ActivityEntry, error)
}

// Reader is the read-only store surface behind the query routes.
type Reader interface {
	ListAttributions(ctx context.Context, f store.AttributionFilter) ([]model.BlockAttribution, error)
	BlockAttributions(ctx context.Context, block int64, validator string) ([]model.BlockIngestion, []model.BlockAttribution, error)
	ListConversions(ctx context.Context, f store.ConversionFilter) ([]model.ConversionEvent, error)
	GetConversion(ctx context.Context, id string) (*model.ConversionEvent, error)
	GetLedgerEntry(ctx context.Context, id string) (*model.RakebackLedgerEntry, error)
	Ping(ctx context.Context) error
}

// Services bundles everything the API calls into.
type Services struct {
	Partners     Partners
	Attributions Attributions
	Conversions  Conversions
	Ledger       Ledger
	Monitor      Monitor
	Store        Reader
}

// Server routes HTTP requests to the engine.
type Server struct {
	svc    Services
	cfg    config.ServerConfig
	router *chi.Mux
	log    *zap.Logger
}

// New creates a server and registers its routes.
func New(svc Services, cfg config.ServerConfig) *Server {
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		router: chi.NewRouter(),
		log:    zap.L().With(zap.String("component", "api")),
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer wraps the handler in an http.Server listening on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Ingest calls wait on a slow gateway.
		WriteTimeout: 10 * time.Minute,
	}
}

func (s *Server) routes() {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/partners", func(r chi.Router) {
		r.Get("/", s.handleListPartners)
		r.Get("/rule-change-log/list", s.handleChangeLog)
		r.Get("/{id}", s.handleGetPartner)
		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Post("/", s.handleCreatePartner)
			r.Put("/{id}", s.handleUpdatePartner)
			r.Post("/{id}/rules", s.handleAddRule)
		})
	})

	r.Route("/attributions", func(r chi.Router) {
		r.Get("/", s.handleListAttributions)
		r.Get("/block/{blockNumber}", s.handleBlockAttributions)
		r.With(s.requireToken).Post("/ingest", s.handleIngestAttributions)
	})

	r.Route("/conversions", func(r chi.Router) {
		r.Get("/", s.handleListConversions)
		r.Get("/{id}", s.handleGetConversion)
		r.With(s.requireToken).Post("/ingest", s.handleIngestConversions)
	})

	r.Route("/rakeback", func(r chi.Router) {
		r.Get("/", s.handleListLedger)
		r.Get("/{id}", s.handleGetLedgerEntry)
		r.With(s.requireToken).Post("/aggregate", s.handleAggregate)
		r.With(s.requireToken).Put("/{id}/status", s.handleLedgerStatus)
	})
	r.Get("/exports", s.handleExport)

	r.Get("/completeness", s.handleCompleteness)
	r.With(s.requireToken).Post("/completeness/refresh", s.handleRefresh)
	r.Get("/issues", s.handleIssues)
	r.Get("/activity", s.handleActivity)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Store.Ping(r.Context()); err != nil {
		s.log.Error("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
