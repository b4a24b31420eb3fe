package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"setarb/internal/analysis"
	"setarb/internal/catalog"
	"setarb/internal/config"
	"setarb/internal/orchestrator"
	"setarb/internal/store"
	"setarb/internal/upstream"
)

// stubCatalogUpstream satisfies catalog.Upstream with an empty catalog; the
// HTTP handlers under test only need a Cache to exist, not a populated one.
type stubCatalogUpstream struct{}

func (stubCatalogUpstream) ListSets(ctx context.Context) ([]upstream.Set, error) { return nil, nil }
func (stubCatalogUpstream) SetParts(ctx context.Context, slug string) (upstream.Set, error) {
	return upstream.Set{}, nil
}

// stubOrchestratorUpstream satisfies orchestrator.Upstream without ever
// being exercised here; the HTTP-layer tests never trigger a live run.
type stubOrchestratorUpstream struct{}

func (stubOrchestratorUpstream) TopOrders(ctx context.Context, slug string) (upstream.OrderBook, error) {
	return upstream.OrderBook{}, nil
}
func (stubOrchestratorUpstream) Statistics48h(ctx context.Context, slug string) (upstream.Statistics, error) {
	return upstream.Statistics{}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	cfg.DefaultStrategy = analysis.Balanced

	cat := catalog.New(filepath.Join(cfg.CacheDir, "catalog.json"), stubCatalogUpstream{})
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	orch := orchestrator.New(stubOrchestratorUpstream{}, cat, st, 4, 5*time.Second)
	upClient := upstream.New("http://127.0.0.1:0", nil, time.Second)

	return NewServer(cfg, orch, cat, st, upClient)
}

func seedRun(t *testing.T, st *store.Store) int64 {
	t.Helper()
	id, err := st.Append(store.Run{
		Timestamp:      time.Now(),
		Strategy:       analysis.Balanced,
		ExecutionMode:  string(analysis.Instant),
		TotalSets:      1,
		ProfitableSets: 1,
		Payload:        []byte(`{"sets":[{"slug":"demo_set"}]}`),
		SetSummaries: []store.RunSetSummary{
			{Slug: "demo_set", Name: "Demo Set", ProfitMargin: 80, LowestPrice: 150},
		},
	})
	if err != nil {
		t.Fatalf("seedRun: %v", err)
	}
	return id
}

func TestHandleAnalysisStrategies_ListsAllThreeProfiles(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/analysis/strategies", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Strategies []analysis.StrategyProfile `json:"strategies"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Strategies) != 3 {
		t.Errorf("len(strategies) = %d, want 3", len(body.Strategies))
	}
}

func TestHandleAnalysisStatus_ReportsIdleInitially(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/analysis/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var p orchestrator.Progress
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != orchestrator.Idle {
		t.Errorf("status = %v, want idle", p.Status)
	}
}

func TestHandleAnalysisRescore_NoRunYetReturns404(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(rescoreRequest{Strategy: analysis.Aggressive, ExecutionMode: "patient"})
	req := httptest.NewRequest(http.MethodPost, "/api/analysis/rescore", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	var out map[string]string
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out["detail"] == "" {
		t.Error("expected a non-empty detail message")
	}
}

func TestHandleHistoryList_ReturnsSeededRuns(t *testing.T) {
	srv := newTestServer(t)
	seedRun(t, srv.store)
	seedRun(t, srv.store)

	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var out struct {
		Runs []store.RunSummary `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(out.Runs))
	}
}

func TestHandleHistoryGet_UnknownIDReturns404(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/history/9999", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleHistoryAnalysis_ReturnsStoredPayloadVerbatim(t *testing.T) {
	srv := newTestServer(t)
	id := seedRun(t, srv.store)

	req := httptest.NewRequest(http.MethodGet, "/api/history/"+itoa(id)+"/analysis", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != `{"sets":[{"slug":"demo_set"}]}` {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandleSetsList_ReturnsEmptyCatalogMetadata(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/sets", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out["count"].(float64) != 0 {
		t.Errorf("count = %v, want 0 for an unrefreshed catalog", out["count"])
	}
}

func TestHandleSetGet_UnknownSlugReturns404(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/sets/nonexistent", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleSetHistory_ReturnsPersistedPoints(t *testing.T) {
	srv := newTestServer(t)
	seedRun(t, srv.store)

	req := httptest.NewRequest(http.MethodGet, "/api/sets/demo_set/history", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var out struct {
		History []store.SetHistoryPoint `json:"history"`
	}
	json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out.History) != 1 {
		t.Fatalf("len(history) = %d, want 1", len(out.History))
	}
}

func TestHandleStats_ReflectsSeededRuns(t *testing.T) {
	srv := newTestServer(t)
	seedRun(t, srv.store)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out["run_count"].(float64) != 1 {
		t.Errorf("run_count = %v, want 1", out["run_count"])
	}
	if out["total_bytes_human"] == "" {
		t.Error("expected a humanized byte count")
	}
}

func TestHandleExportSummary_CountsSeededRuns(t *testing.T) {
	srv := newTestServer(t)
	seedRun(t, srv.store)
	seedRun(t, srv.store)

	req := httptest.NewRequest(http.MethodGet, "/api/export/summary", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out["run_count"].(float64) != 2 {
		t.Errorf("run_count = %v, want 2", out["run_count"])
	}
}

func TestHandleExport_IncludesEverySeededRun(t *testing.T) {
	srv := newTestServer(t)
	seedRun(t, srv.store)
	seedRun(t, srv.store)

	req := httptest.NewRequest(http.MethodGet, "/api/export", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var doc exportDocument
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(doc.Runs))
	}
}

func TestHandleExportFile_WritesAtomicallyToCacheDir(t *testing.T) {
	srv := newTestServer(t)
	seedRun(t, srv.store)

	req := httptest.NewRequest(http.MethodGet, "/api/export/file", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out["path"] != filepath.Join(srv.cfg.CacheDir, exportFileName) {
		t.Errorf("path = %v", out["path"])
	}
}

func TestCORSMiddleware_ReflectsWildcardOrigin(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/analysis/status", nil)
	req.Header.Set("Origin", "https://example.test")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://example.test" {
		t.Errorf("Access-Control-Allow-Origin = %q, want the reflected origin under a wildcard policy", got)
	}
}

func TestCORSMiddleware_HandlesPreflightOptions(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/analysis", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func itoa(n int64) string {
	return (func() string {
		if n == 0 {
			return "0"
		}
		neg := n < 0
		if neg {
			n = -n
		}
		var buf [20]byte
		i := len(buf)
		for n > 0 {
			i--
			buf[i] = byte('0' + n%10)
			n /= 10
		}
		if neg {
			i--
			buf[i] = '-'
		}
		return string(buf[i:])
	})()
}
