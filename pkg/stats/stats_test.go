package stats

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-facegrid/pkg/timer"
)

const sample = `{
  "server": {"status": "running", "active_connections": 2, "timestamp": "2025-01-01T00:00:00", "face_analyzer_initialized": true},
  "elasticsearch": {
    "faces-bbq_hnsw": {"_all": {"primaries": {"docs": {"count": 1200}, "dense_vector": {"value_count": 1300, "off_heap": {"total_size_bytes": 4096}}}}},
    "faces-int8_hnsw": {"_all": {"primaries": {"docs": {"count": 800}}}},
    "faces-flat": {"error": "index_not_found_exception"}
  }
}`

func TestDecode(t *testing.T) {
	r, err := Decode([]byte(sample))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !r.Connected || r.Server.Status != "running" || r.Server.ActiveConnections != 2 {
		t.Errorf("server = %+v connected=%v", r.Server, r.Connected)
	}
	bbq := r.Indices["faces-bbq_hnsw"]
	if bbq.Docs != 1200 || bbq.Vectors != 1300 || bbq.OffHeapBytes != 4096 {
		t.Errorf("bbq = %+v", bbq)
	}
	if r.Indices["faces-flat"].Error == "" {
		t.Error("index error not kept")
	}
	if got := r.IndexNames(); len(got) != 3 || got[0] != "faces-bbq_hnsw" {
		t.Errorf("IndexNames() = %v", got)
	}
}

func TestDecodeDisconnected(t *testing.T) {
	r, err := Decode([]byte(`{"server":{"status":"initializing"},"elasticsearch":{"status":"disconnected"}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if r.Connected || len(r.Indices) != 0 {
		t.Errorf("report = %+v", r)
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed body")
	}
}

func TestCorpusSize(t *testing.T) {
	r, _ := Decode([]byte(sample))
	tests := []struct {
		name    string
		indices []string
		want    int64
	}{
		{"one", []string{"faces-bbq_hnsw"}, 1200},
		{"two", []string{"faces-bbq_hnsw", "faces-int8_hnsw"}, 2000},
		{"unknown and errored", []string{"faces-flat", "nope"}, 0},
		{"none", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.CorpusSize(tt.indices); got != tt.want {
				t.Errorf("CorpusSize(%v) = %d, want %d", tt.indices, got, tt.want)
			}
		})
	}

	var nilReport *Report
	if nilReport.CorpusSize([]string{"x"}) != 0 {
		t.Error("nil report should have zero corpus")
	}
}

func TestPollerRefresh(t *testing.T) {
	var hits atomic.Int32
	fail := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(sample))
	}))
	defer srv.Close()

	clock := timer.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	p := NewPoller(srv.URL+"/api/stats", clock, time.Minute)

	var updates int
	p.OnUpdate = func(*Report) { updates++ }

	if p.Latest() != nil {
		t.Fatal("Latest() before first poll")
	}
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	first := p.Latest()
	if first == nil || first.CorpusSize([]string{"faces-int8_hnsw"}) != 800 {
		t.Fatalf("Latest() = %+v", first)
	}
	if !first.FetchedAt.Equal(clock.Now()) {
		t.Errorf("FetchedAt = %v", first.FetchedAt)
	}

	fail.Store(true)
	if err := p.Refresh(context.Background()); err == nil {
		t.Fatal("expected error from 500")
	}
	if p.Latest() != first {
		t.Error("failed poll replaced the report")
	}
	if p.Err() == nil {
		t.Error("Err() should report the failure")
	}
	if updates != 1 || hits.Load() != 2 {
		t.Errorf("updates=%d hits=%d", updates, hits.Load())
	}
}

func TestPollerSchedule(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(sample))
	}))
	defer srv.Close()

	clock := timer.NewFake(time.Now())
	p := NewPoller(srv.URL, clock, time.Minute)
	p.client = srv.Client()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hits.Load() != 1 {
		t.Fatalf("initial poll hits = %d", hits.Load())
	}

	clock.Advance(3 * time.Minute)
	if got := hits.Load(); got != 4 {
		t.Errorf("hits after 3 intervals = %d, want 4", got)
	}

	p.Stop()
	clock.Advance(5 * time.Minute)
	if got := hits.Load(); got != 4 {
		t.Errorf("hits after Stop = %d, want 4", got)
	}
}
