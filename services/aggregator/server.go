package aggregator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blockmusic/gateway/middleware"
)

// AdminScope is the JWT scope required by the admin routes.
const AdminScope = "aggregator:admin"

const (
	maxPlayBodyBytes = 16 << 10
	playsRateKey     = "plays"
)

// ServerConfig wires the HTTP surface.
type ServerConfig struct {
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	ExportDir     string
	// LedgerRPC, when set, is mounted at /ledger. Local mode uses it to serve
	// the embedded ledger's JSON-RPC surface.
	LedgerRPC http.Handler
	Logger    *slog.Logger
}

// Server exposes the play API and the operator endpoints.
type Server struct {
	service   *Service
	exportDir string
	logger    *slog.Logger
}

// NewServer builds the chi router for service.
func NewServer(service *Service, cfg ServerConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{service: service, exportDir: cfg.ExportDir, logger: logger}

	r := chi.NewRouter()
	observe := func(route string) func(http.Handler) http.Handler {
		if cfg.Observability == nil {
			return passthrough
		}
		return cfg.Observability.Middleware(route)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/plays", func(pr chi.Router) {
		limited := pr.With(observe("plays"))
		if cfg.RateLimiter != nil {
			limited = limited.With(cfg.RateLimiter.Middleware(playsRateKey))
		}
		limited.Post("/", s.handleRecordPlay)
		pr.With(observe("plays.get")).Get("/{trackId}", s.handlePlayCount)
	})
	r.With(observe("stats")).Get("/stats", s.handleStats)
	if cfg.LedgerRPC != nil {
		r.With(observe("ledger")).Handle("/ledger", cfg.LedgerRPC)
	}

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(observe("admin"))
		if cfg.Authenticator != nil {
			ar.Use(cfg.Authenticator.Middleware(AdminScope))
		}
		ar.Post("/flush", s.handleFlush)
		ar.Get("/status", s.handleStatus)
		ar.Post("/tracks/{trackId}/reconcile", s.handleReconcile)
		ar.Get("/tracks/{trackId}/history", s.handleTrackHistory)
		ar.Post("/audit/export", s.handleExportAudit)
	})
	return r
}

func passthrough(next http.Handler) http.Handler { return next }

type recordPlayRequest struct {
	TrackID   *uint64    `json:"trackId"`
	Listener  string     `json:"listenerAddress"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type recordPlayResponse struct {
	Success                 bool   `json:"success"`
	TrackID                 uint64 `json:"trackId"`
	TotalPlays              uint64 `json:"totalPlays"`
	PendingBlockchainUpdate bool   `json:"pendingBlockchainUpdate"`
}

type playCountResponse struct {
	TokenID   uint64 `json:"tokenId"`
	Plays     uint64 `json:"plays"`
	Confirmed uint64 `json:"confirmed"`
	Pending   uint64 `json:"pending"`
}

type statsResponse struct {
	TotalPlays  uint64     `json:"totalPlays"`
	TotalTracks uint64     `json:"totalTracks"`
	LastUpdate  *time.Time `json:"lastUpdate"`
}

type statusResponse struct {
	Stats     Stats        `json:"stats"`
	LastFlush *FlushReport `json:"lastFlush,omitempty"`
	// LedgerConfirmedPlays is omitted when the ledger is unreachable.
	LedgerConfirmedPlays *uint64 `json:"ledgerConfirmedPlays,omitempty"`
	LedgerError          string  `json:"ledgerError,omitempty"`
}

type exportRequest struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type exportResponse struct {
	Rows int    `json:"rows"`
	Path string `json:"path"`
}

func (s *Server) handleRecordPlay(w http.ResponseWriter, r *http.Request) {
	var req recordPlayRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPlayBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TrackID == nil {
		writeError(w, http.StatusBadRequest, "trackId required")
		return
	}
	ev := PlayEvent{TrackID: *req.TrackID, Listener: req.Listener}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}
	totals, err := s.service.RecordPlay(r.Context(), ev)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordPlayResponse{
		Success:                 true,
		TrackID:                 totals.TrackID,
		TotalPlays:              totals.TotalPlays,
		PendingBlockchainUpdate: true,
	})
}

func (s *Server) handlePlayCount(w http.ResponseWriter, r *http.Request) {
	trackID, ok := trackParam(w, r)
	if !ok {
		return
	}
	counter, err := s.service.PlayCount(r.Context(), trackID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, playCountResponse{
		TokenID:   trackID,
		Plays:     counter.Total(),
		Confirmed: counter.Confirmed,
		Pending:   counter.Pending,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := statsResponse{TotalPlays: stats.TotalPlays, TotalTracks: stats.TotalTracks}
	if !stats.LastUpdate.IsZero() {
		last := stats.LastUpdate
		resp.LastUpdate = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.Flush(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.logger.Info("manual flush",
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
		slog.String("batch_id", report.BatchID),
		slog.String("outcome", report.Outcome()))
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := statusResponse{Stats: stats, LastFlush: s.service.LastFlush()}
	total, err := s.service.LedgerTotal(r.Context())
	if err != nil {
		resp.LedgerError = err.Error()
	} else {
		resp.LedgerConfirmedPlays = &total
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	trackID, ok := trackParam(w, r)
	if !ok {
		return
	}
	settled, err := s.service.Reconcile(r.Context(), trackID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trackId": trackID, "settled": settled})
}

func (s *Server) handleTrackHistory(w http.ResponseWriter, r *http.Request) {
	trackID, ok := trackParam(w, r)
	if !ok {
		return
	}
	if s.service.journal == nil {
		writeError(w, http.StatusNotFound, "flush journal not configured")
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	history, err := s.service.journal.TrackHistory(r.Context(), trackID, limit)
	if err != nil {
		s.writeServiceError(w, fmt.Errorf("%w: %v", ErrTransientInfra, err))
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	if s.exportDir == "" {
		writeError(w, http.StatusNotFound, "audit export not configured")
		return
	}
	var req exportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPlayBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := os.MkdirAll(s.exportDir, 0o750); err != nil {
		s.writeServiceError(w, fmt.Errorf("%w: %v", ErrTransientInfra, err))
		return
	}
	name := fmt.Sprintf("audit-%s-%s.parquet", req.From.UTC().Format("20060102T150405"), req.To.UTC().Format("20060102T150405"))
	path := filepath.Join(s.exportDir, name)
	rows, err := s.service.ExportAudit(r.Context(), req.From, req.To, path)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exportResponse{Rows: rows, Path: path})
}

func trackParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	trackID, err := strconv.ParseUint(chi.URLParam(r, "trackId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid track id")
		return 0, false
	}
	return trackID, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrFlushInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrTransientInfra):
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		s.logger.Error("request failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
