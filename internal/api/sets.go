package api

import (
	"net/http"
	"strconv"

	"setarb/internal/errs"
)

// handleSetsList returns the full catalog snapshot plus its staleness
// metadata (generation hash, last refresh time) per the §4 supplement.
func (s *Server) handleSetsList(w http.ResponseWriter, r *http.Request) {
	hash, refreshedAt, count := s.cat.Meta()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sets":         s.cat.Snapshot(),
		"count":        count,
		"hash":         hash,
		"refreshed_at": refreshedAt,
	})
}

func (s *Server) handleSetGet(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	for _, set := range s.cat.Snapshot() {
		if set.Slug == slug {
			writeJSON(w, http.StatusOK, set)
			return
		}
	}
	writeTypedError(w, errs.New(errs.NotFound, "set "+slug+" not found in catalog", nil))
}

func (s *Server) handleSetHistory(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	points, err := s.store.HistoryForSet(slug, limit)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"slug": slug, "history": points})
}
