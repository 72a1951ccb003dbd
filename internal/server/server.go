// Package server exposes rate lookups, freshness indicators, batch
// enrichment, and authenticated sync triggers over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/enrich"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/ratecache"
	"github.com/sells-group/tariff-cli/internal/rates"
	"github.com/sells-group/tariff-cli/internal/resilience"
	"github.com/sells-group/tariff-cli/internal/store"
	"github.com/sells-group/tariff-cli/internal/tariffsync"
)

// SyncSecretHeader carries the scheduler's shared secret.
const SyncSecretHeader = "X-Sync-Secret"

const maxBatchItems = 500

// RateService is the lookup surface the API serves.
type RateService interface {
	Lookup(ctx context.Context, scope *ratecache.RequestScope, code, origin, bizContext string) (*rates.Result, error)
	Freshness(ctx context.Context, code string) (model.FreshnessIndicator, error)
	EnrichBatch(ctx context.Context, items []enrich.Item) []enrich.ItemResult
	CacheStats() ratecache.Stats
	NewScope() *ratecache.RequestScope
}

// SyncRunner runs sync jobs.
type SyncRunner interface {
	Has(st model.SyncType) bool
	Run(ctx context.Context, st model.SyncType, opts tariffsync.RunOpts) (*model.SyncRun, error)
}

// RunLister reads the sync run log.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.SyncRun, error)
}

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds server settings.
type Config struct {
	SyncSecret     string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Rates    RateService
	Sync     SyncRunner
	Runs     RunLister
	Health   Pinger
	Breakers *resilience.ServiceBreakers // optional
}

// Server holds the handlers.
type Server struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// New creates a server.
func New(cfg Config, deps Deps) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	return &Server{
		cfg:  cfg,
		deps: deps,
		log:  zap.L().With(zap.String("component", "server")),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", SyncSecretHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
			r.Get("/rates/{code}", s.handleLookup)
			r.Get("/rates/{code}/freshness", s.handleFreshness)
			r.Post("/enrich/batch", s.handleEnrichBatch)
			r.Get("/sync/runs", s.handleListRuns)
			r.Get("/cache/stats", s.handleCacheStats)
		})

		// Sync runs are long and must not be cut off by the request timeout.
		r.With(s.requireSyncSecret).Post("/sync/{type}", s.handleSync)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// requireSyncSecret rejects the request before any work when the shared
// secret is missing or wrong. An unset server secret rejects everything.
func (s *Server) requireSyncSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(SyncSecretHeader)
		if s.cfg.SyncSecret == "" || got == "" ||
			subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.SyncSecret)) != 1 {
			s.log.Warn("rejected sync trigger", zap.String("remote", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, "invalid sync secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.deps.Breakers != nil {
		resp["providers"] = s.deps.Breakers.States()
	}
	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(r.Context()); err != nil {
			resp["status"] = "degraded"
			resp["store"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	origin := q.Get("origin")
	if strings.TrimSpace(origin) == "" {
		writeError(w, http.StatusBadRequest, "origin is required")
		return
	}

	scope := s.deps.Rates.NewScope()
	defer scope.Close()

	res, err := s.deps.Rates.Lookup(r.Context(), scope, chi.URLParam(r, "code"), origin, q.Get("context"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFreshness(w http.ResponseWriter, r *http.Request) {
	ind, err := s.deps.Rates.Freshness(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ind)
}

type batchRequest struct {
	Items []enrich.Item `json:"items"`
}

type batchResponse struct {
	Items   []enrich.ItemResult `json:"items"`
	Summary enrich.BatchSummary `json:"summary"`
}

func (s *Server) handleEnrichBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items is required")
		return
	}
	if len(req.Items) > maxBatchItems {
		writeError(w, http.StatusBadRequest, "too many items (max "+strconv.Itoa(maxBatchItems)+")")
		return
	}

	results := s.deps.Rates.EnrichBatch(r.Context(), req.Items)
	writeJSON(w, http.StatusOK, batchResponse{Items: results, Summary: enrich.Summarize(results)})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	st, ok := model.ParseSyncType(chi.URLParam(r, "type"))
	if !ok || !s.deps.Sync.Has(st) {
		writeError(w, http.StatusNotFound, "unknown sync type")
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	// The run continues if the scheduler hangs up.
	ctx := context.WithoutCancel(r.Context())
	run, err := s.deps.Sync.Run(ctx, st, tariffsync.RunOpts{Force: force})
	switch {
	case eris.Is(err, tariffsync.ErrRunInProgress):
		writeError(w, http.StatusConflict, "sync already running")
	case eris.Is(err, tariffsync.ErrNotDue):
		writeJSON(w, http.StatusOK, map[string]string{"status": "not_due", "sync_type": string(st)})
	case err != nil:
		s.log.Error("sync trigger failed", zap.String("sync_type", string(st)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "sync failed to start")
	default:
		writeJSON(w, http.StatusOK, run)
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{Status: model.SyncStatus(strings.ToUpper(q.Get("status")))}
	if t := q.Get("type"); t != "" {
		st, ok := model.ParseSyncType(t)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown sync type")
			return
		}
		filter.SyncType = st
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	runs, err := s.deps.Runs.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if runs == nil {
		runs = []model.SyncRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Rates.CacheStats())
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	if resilience.Classify(err) == resilience.KindValidation {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
