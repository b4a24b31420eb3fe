// Package api exposes the HTTP surface (C10): triggering and observing
// analysis runs, browsing run history and the set catalog, and exporting
// accumulated results.
package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"setarb/internal/catalog"
	"setarb/internal/config"
	"setarb/internal/errs"
	"setarb/internal/logger"
	"setarb/internal/orchestrator"
	"setarb/internal/store"
	"setarb/internal/upstream"
)

const logTag = "api"

// Server wires the orchestrator, catalog, store, and upstream client behind
// the HTTP routes described in §4.10.
type Server struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	cat      *catalog.Cache
	store    *store.Store
	upstream *upstream.Client
}

// NewServer builds a Server over the process's shared components.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, cat *catalog.Cache, st *store.Store, up *upstream.Client) *Server {
	return &Server{cfg: cfg, orch: orch, cat: cat, store: st, upstream: up}
}

// Handler returns the full HTTP handler: every route plus CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/analysis", s.handleGetAnalysis)
	mux.HandleFunc("POST /api/analysis", s.handlePostAnalysis)
	mux.HandleFunc("GET /api/analysis/status", s.handleAnalysisStatus)
	mux.HandleFunc("GET /api/analysis/progress", s.handleAnalysisProgress)
	mux.HandleFunc("POST /api/analysis/rescore", s.handleAnalysisRescore)
	mux.HandleFunc("GET /api/analysis/strategies", s.handleAnalysisStrategies)

	mux.HandleFunc("GET /api/history", s.handleHistoryList)
	mux.HandleFunc("GET /api/history/{id}", s.handleHistoryGet)
	mux.HandleFunc("GET /api/history/{id}/analysis", s.handleHistoryAnalysis)

	mux.HandleFunc("GET /api/sets", s.handleSetsList)
	mux.HandleFunc("GET /api/sets/{slug}", s.handleSetGet)
	mux.HandleFunc("GET /api/sets/{slug}/history", s.handleSetHistory)

	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/stats/health", s.handleStatsHealth)

	mux.HandleFunc("GET /api/export", s.handleExport)
	mux.HandleFunc("GET /api/export/file", s.handleExportFile)
	mux.HandleFunc("GET /api/export/summary", s.handleExportSummary)

	return requestLogMiddleware(corsMiddleware(s.cfg.CORSOrigins, mux))
}

// requestLogMiddleware logs one line per request after its handler returns:
// a fresh correlation ID, the method, the path, and the elapsed time. The ID
// is not passed to the handler, so lines a handler logs itself do not
// carry it.
func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info(logTag, reqID+" "+r.Method+" "+r.URL.Path+" "+time.Since(start).String())
	})
}

func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(allowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" {
			return true
		}
		if strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the §7 error envelope: {"detail": string}.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeErrorWithRunID is writeError plus a run_id field, used for the 409
// single-flight conflict response (§4.10, §8 scenario 4).
func writeErrorWithRunID(w http.ResponseWriter, status int, detail string, runID int64) {
	writeJSON(w, status, map[string]interface{}{"detail": detail, "run_id": runID})
}

// writeTypedError maps a typed error (errs.Error or otherwise) to its HTTP
// status and the §7 error envelope.
func writeTypedError(w http.ResponseWriter, err error) {
	kind, _ := errs.KindOf(err)
	writeError(w, errs.HTTPStatus(kind), err.Error())
}

func queryDefault(values url.Values, key, def string) string {
	if v := values.Get(key); v != "" {
		return v
	}
	return def
}

func queryBool(values url.Values, key string) bool {
	v := strings.ToLower(strings.TrimSpace(values.Get(key)))
	return v == "1" || v == "true" || v == "yes"
}
