package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"setarb/internal/errs"
	"setarb/internal/ratelimit"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL, ratelimit.New(100, time.Millisecond), 5*time.Second)

	original := retryBaseBackoff
	retryBaseBackoff = 5 * time.Millisecond
	t.Cleanup(func() { retryBaseBackoff = original })

	return c, srv
}

func TestListSets_DecodesIgnoringUnknownFields(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/items" {
			t.Errorf("path = %s, want /items", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"slug":"demo_set","name":"Demo Set","unexpected_field":123}]`))
	})

	sets, err := c.ListSets(context.Background())
	if err != nil {
		t.Fatalf("ListSets: %v", err)
	}
	if len(sets) != 1 || sets[0].Slug != "demo_set" {
		t.Fatalf("sets = %+v", sets)
	}
}

func TestSetParts_NotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.SetParts(context.Background(), "missing")
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestTopOrders_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(OrderBook{
			Buy: []Order{{Price: 150, Quantity: 1, Online: true}},
		})
	})

	ob, err := c.TopOrders(context.Background(), "demo_set")
	if err != nil {
		t.Fatalf("TopOrders: %v", err)
	}
	if len(ob.Buy) != 1 || ob.Buy[0].Price != 150 {
		t.Fatalf("ob = %+v", ob)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestStatistics48h_FailsFastOnNonTransient400(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.Statistics48h(context.Background(), "demo_set")
	if err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1 (no retry on non-transient 4xx)", calls)
	}
}

func TestGetJSON_ExhaustsRetriesOnPersistent5xx(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.ListSets(context.Background())
	if !errs.Is(err, errs.UpstreamUnavailable) {
		t.Fatalf("err = %v, want UpstreamUnavailable", err)
	}
	if atomic.LoadInt32(&calls) != maxAttempts {
		t.Errorf("calls = %d, want %d", calls, maxAttempts)
	}
}

func TestHealthCheck_CachesResultWithinTTL(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	})

	if !c.HealthCheck() {
		t.Fatal("expected healthy on first check")
	}
	if !c.HealthCheck() {
		t.Fatal("expected cached healthy result")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1 (second check should hit the cache)", calls)
	}

	ok, lastOK := c.HealthStatus()
	if !ok || lastOK.IsZero() {
		t.Errorf("HealthStatus = (%v, %v), want (true, non-zero)", ok, lastOK)
	}
}

func TestHealthCheck_FalseOn5xx(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	if c.HealthCheck() {
		t.Fatal("expected unhealthy on 503")
	}
}
