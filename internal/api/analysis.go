package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"setarb/internal/analysis"
	"setarb/internal/orchestrator"
)

type triggerRequest struct {
	Strategy      string `json:"strategy"`
	ExecutionMode string `json:"execution_mode"`
	TestMode      bool   `json:"test_mode"`
}

func normalizeMode(raw string) analysis.ExecutionMode {
	if analysis.ExecutionMode(raw) == analysis.Patient {
		return analysis.Patient
	}
	return analysis.Instant
}

// handleGetAnalysis returns the latest run, rescored to the requested
// strategy/mode if it differs from how it was originally run, or triggers
// and awaits a fresh synchronous run when none exists yet or force_refresh
// is set (§4.10).
func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	strategy := queryDefault(q, "strategy", s.cfg.DefaultStrategy)
	mode := normalizeMode(queryDefault(q, "execution_mode", "instant"))
	forceRefresh := queryBool(q, "force_refresh")
	testMode := queryBool(q, "test_mode")

	if !forceRefresh {
		if last, ok := s.orch.LastResult(); ok {
			if last.Strategy == strategy && last.ExecutionMode == string(mode) {
				writeJSON(w, http.StatusOK, last)
				return
			}
			writeJSON(w, http.StatusOK, orchestrator.Rescore(last, strategy, mode))
			return
		}
	}

	started, result, err := s.orch.Trigger(r.Context(), strategy, mode, testMode)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	if !started {
		status := s.orch.Status()
		var runID int64
		if status.RunID != nil {
			runID = *status.RunID
		}
		writeErrorWithRunID(w, http.StatusConflict, "an analysis run is already in progress", runID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handlePostAnalysis starts a background run and returns immediately: 202
// if no run was in flight, 409 if one was already running. The 409 body's
// run_id is the id of the most recently completed run (0 if there is none);
// the in-flight run has no id until it is persisted.
func (s *Server) handlePostAnalysis(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = s.cfg.DefaultStrategy
	}
	mode := normalizeMode(req.ExecutionMode)

	status := s.orch.Status()
	if status.Status == orchestrator.Running {
		var runID int64
		if status.RunID != nil {
			runID = *status.RunID
		}
		writeErrorWithRunID(w, http.StatusConflict, "an analysis run is already in progress", runID)
		return
	}

	// Runs outlive the HTTP request, so they get their own background
	// context rather than r.Context() (which is cancelled on response close).
	go func() {
		if _, _, err := s.orch.Trigger(context.Background(), strategy, mode, req.TestMode); err != nil {
			_ = err // surfaced via /api/analysis/status and the progress stream
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  string(orchestrator.Running),
		"message": "analysis started",
	})
}

func (s *Server) handleAnalysisStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Status())
}

// handleAnalysisProgress streams orchestrator.Progress updates as
// server-sent events (§6), with a heartbeat at most every 15s while running
// and a single terminal event before close.
func (s *Server) handleAnalysisProgress(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, unsubscribe := s.orch.Subscribe(uuid.NewString())
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSEEvent(w, s.orch.Status())
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case p, open := <-ch:
			if !open {
				return
			}
			writeSSEEvent(w, p)
			flusher.Flush()
			if p.Status == orchestrator.Completed || p.Status == orchestrator.Error {
				return
			}
		case <-heartbeat.C:
			writeSSEEvent(w, s.orch.Status())
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, p orchestrator.Progress) {
	body, err := json.Marshal(p)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", body)
}

type rescoreRequest struct {
	Strategy      string `json:"strategy"`
	ExecutionMode string `json:"execution_mode"`
}

// handleAnalysisRescore recomputes the latest run's scores under a new
// strategy/mode, issuing no upstream calls (§4.7).
func (s *Server) handleAnalysisRescore(w http.ResponseWriter, r *http.Request) {
	last, ok := s.orch.LastResult()
	if !ok {
		writeError(w, http.StatusNotFound, "no run available to rescore")
		return
	}

	var req rescoreRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = last.Strategy
	}
	modeRaw := req.ExecutionMode
	if modeRaw == "" {
		modeRaw = last.ExecutionMode
	}
	mode := normalizeMode(modeRaw)

	writeJSON(w, http.StatusOK, orchestrator.Rescore(last, strategy, mode))
}

func (s *Server) handleAnalysisStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": analysis.Strategies(),
		"default":    s.cfg.DefaultStrategy,
	})
}
