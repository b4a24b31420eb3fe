package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"setarb/internal/store"
)

const exportFileName = "market_data_export.json"

type exportDocument struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Runs        []store.RunDetail `json:"runs"`
}

// buildExport assembles every persisted run's summary and compact set
// projection into one document (§4 supplement: a real export, not a stub).
func (s *Server) buildExport() (exportDocument, error) {
	summaries, err := s.store.List(1, 1_000_000)
	if err != nil {
		return exportDocument{}, err
	}
	doc := exportDocument{GeneratedAt: time.Now(), Runs: make([]store.RunDetail, 0, len(summaries))}
	for _, sum := range summaries {
		detail, err := s.store.Get(sum.RunID)
		if err != nil {
			return exportDocument{}, err
		}
		doc.Runs = append(doc.Runs, detail)
	}
	return doc, nil
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	doc, err := s.buildExport()
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleExportFile writes the export document to cache/market_data_export.json
// atomically (write-temp-then-rename, the same pattern the catalog cache
// uses) and returns where it landed.
func (s *Server) handleExportFile(w http.ResponseWriter, r *http.Request) {
	doc, err := s.buildExport()
	if err != nil {
		writeTypedError(w, err)
		return
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		writeTypedError(w, err)
		return
	}

	path := filepath.Join(s.cfg.CacheDir, exportFileName)
	if err := os.MkdirAll(s.cfg.CacheDir, 0o755); err != nil {
		writeTypedError(w, err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		writeTypedError(w, err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		writeTypedError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":  path,
		"bytes": len(raw),
		"runs":  len(doc.Runs),
	})
}

func (s *Server) handleExportSummary(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.CountStats()
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_count":   stats.RunCount,
		"total_bytes": stats.TotalBytes,
	})
}
