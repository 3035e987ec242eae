package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-frontier/internal/config"
	"github.com/JakeFAU/url-frontier/internal/frontier"
	"github.com/JakeFAU/url-frontier/internal/metrics"
)

const defaultRequestTimeout = 30 * time.Second

// Frontier is the subset of the frontier API the HTTP layer exposes.
type Frontier interface {
	AddEntries(ctx context.Context, records []frontier.LinkRecord) (frontier.AddResult, error)
	ClaimNext(ctx context.Context) (frontier.Entry, bool, error)
	MarkDone(ctx context.Context, id int64) error
	RequeueStale(ctx context.Context, maxAge time.Duration) (int, error)
	Stats(ctx context.Context) (frontier.Stats, error)
	Clear(ctx context.Context) error
}

// Server wires HTTP handlers to the frontier.
type Server struct {
	router   chi.Router
	frontier Frontier
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(f Frontier, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		frontier: f,
		cfg:      cfg,
		logger:   logger.Named("api"),
	}

	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(recoverMiddleware(s.logger))
	r.Use(timeoutMiddleware(timeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/entries", func(r chi.Router) {
			r.Post("/", s.addEntries)
			r.Delete("/", s.clear)
			r.Post("/{id}/done", s.markDone)
		})
		r.Post("/claims", s.claim)
		r.Post("/requeue", s.requeue)
		r.Get("/stats", s.stats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.frontier.Stats(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type addEntriesRequest struct {
	Records []frontier.LinkRecord `json:"records"`
}

type invalidRecord struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type addEntriesResponse struct {
	Inserted int             `json:"inserted"`
	Skipped  int             `json:"skipped"`
	Invalid  []invalidRecord `json:"invalid"`
}

func (s *Server) addEntries(w http.ResponseWriter, r *http.Request) {
	var req addEntriesRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.frontier.AddEntries(r.Context(), req.Records)
	if err != nil {
		s.writeFrontierError(w, "add entries", err)
		return
	}
	resp := addEntriesResponse{
		Inserted: res.Inserted,
		Skipped:  res.Skipped,
		Invalid:  make([]invalidRecord, 0, len(res.Invalid)),
	}
	for _, inv := range res.Invalid {
		resp.Invalid = append(resp.Invalid, invalidRecord{Index: inv.Index, Error: inv.Err.Error()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	entry, ok, err := s.frontier.ClaimNext(r.Context())
	if err != nil {
		s.writeFrontierError(w, "claim", err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) markDone(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid entry id")
		return
	}
	if err := s.frontier.MarkDone(r.Context(), id); err != nil {
		s.writeFrontierError(w, "mark done", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type requeueRequest struct {
	MaxAge string `json:"max_age"`
}

func (s *Server) requeue(w http.ResponseWriter, r *http.Request) {
	maxAge := s.cfg.Frontier.StaleAfter
	var req requeueRequest
	if err := s.decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.MaxAge != "" {
		d, err := time.ParseDuration(req.MaxAge)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid max_age %q", req.MaxAge))
			return
		}
		maxAge = d
	}
	if maxAge <= 0 {
		writeError(w, http.StatusBadRequest, "max_age must be > 0")
		return
	}
	n, err := s.frontier.RequeueStale(r.Context(), maxAge)
	if err != nil {
		s.writeFrontierError(w, "requeue", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reclaimed": n})
}

type statsResponse struct {
	frontier.Stats
	HasWork bool `json:"has_work"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.frontier.Stats(r.Context())
	if err != nil {
		s.writeFrontierError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Stats: stats, HasWork: stats.HasWork()})
}

func (s *Server) clear(w http.ResponseWriter, r *http.Request) {
	if err := s.frontier.Clear(r.Context()); err != nil {
		s.writeFrontierError(w, "clear", err)
		return
	}
	s.logger.Warn("frontier cleared via API", zap.String("request_id", requestID(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := r.Body
	if s.cfg.Server.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
	}
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func (s *Server) writeFrontierError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, frontier.ErrNotFound):
		writeError(w, http.StatusNotFound, "entry not found")
	case errors.Is(err, frontier.ErrStoreUnavailable):
		s.logger.Warn("store unavailable", zap.String("op", op), zap.Error(err))
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error("frontier operation failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
