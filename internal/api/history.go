package api

import (
	"net/http"
	"strconv"

	"setarb/internal/errs"
)

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	summaries, err := s.store.List(page, pageSize)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": summaries})
}

func parseRunID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, errs.New(errs.NotFound, "invalid run id", err)
	}
	return id, nil
}

func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	detail, err := s.store.Get(id)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleHistoryAnalysis(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	payload, err := s.store.GetFull(id)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}
