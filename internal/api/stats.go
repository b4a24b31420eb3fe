package api

import (
	"net/http"

	"github.com/dustin/go-humanize"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.CountStats()
	if err != nil {
		writeTypedError(w, err)
		return
	}

	resp := map[string]interface{}{
		"run_count":         stats.RunCount,
		"total_bytes":       stats.TotalBytes,
		"total_bytes_human": humanize.Bytes(uint64(stats.TotalBytes)),
		"first_run_at":      stats.FirstRunAt,
		"last_run_at":       stats.LastRunAt,
	}
	if !stats.LastRunAt.IsZero() {
		resp["last_run_ago"] = humanize.Time(stats.LastRunAt)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatsHealth reports upstream reachability (cached 10s, §4 supplement)
// alongside catalog freshness and orchestrator state.
func (s *Server) handleStatsHealth(w http.ResponseWriter, r *http.Request) {
	upstreamOK := s.upstream.HealthCheck()
	_, lastOK := s.upstream.HealthStatus()
	hash, refreshedAt, count := s.cat.Meta()
	orchStatus := s.orch.Status()

	resp := map[string]interface{}{
		"upstream_ok":         upstreamOK,
		"catalog_sets":        count,
		"catalog_hash":        hash,
		"catalog_refreshed_at": refreshedAt,
		"orchestrator_status": orchStatus.Status,
	}
	if !lastOK.IsZero() {
		resp["upstream_last_ok"] = lastOK
		resp["upstream_last_ok_ago"] = humanize.Time(lastOK)
	}
	writeJSON(w, http.StatusOK, resp)
}
