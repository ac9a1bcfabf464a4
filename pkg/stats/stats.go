// Package stats polls the recognition backend for server and index
// statistics. The hero info box uses them to report how many vectors a
// search covered.
package stats

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/teslashibe/go-facegrid/internal/httpc"
	"github.com/teslashibe/go-facegrid/internal/log"
	"github.com/teslashibe/go-facegrid/pkg/timer"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultInterval between polls.
const DefaultInterval = 60 * time.Second

// Server describes the backend process.
type Server struct {
	Status                  string `json:"status"`
	ActiveConnections       int    `json:"active_connections"`
	Timestamp               string `json:"timestamp"`
	FaceAnalyzerInitialized bool   `json:"face_analyzer_initialized"`
}

// Index holds the primary shard statistics of one search index.
type Index struct {
	Docs         int64  `json:"docs"`
	Vectors      int64  `json:"vectors"`
	OffHeapBytes int64  `json:"off_heap_bytes"`
	Error        string `json:"error,omitempty"`
}

// Report is one decoded /api/stats response.
type Report struct {
	Server    Server           `json:"server"`
	Indices   map[string]Index `json:"indices"`
	Connected bool             `json:"connected"` // search cluster reachable
	FetchedAt time.Time        `json:"fetched_at"`
}

// CorpusSize sums the document counts of the named indices.
func (r *Report) CorpusSize(indices []string) int64 {
	if r == nil {
		return 0
	}
	var total int64
	for _, name := range indices {
		total += r.Indices[name].Docs
	}
	return total
}

// IndexNames returns the reported index names in order.
func (r *Report) IndexNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Indices))
	for name := range r.Indices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// wire shapes of the backend response
type rawReport struct {
	Server        Server                         `json:"server"`
	Elasticsearch map[string]jsoniter.RawMessage `json:"elasticsearch"`
}

type rawIndex struct {
	Error string `json:"error"`
	All   *struct {
		Primaries struct {
			Docs struct {
				Count int64 `json:"count"`
			} `json:"docs"`
			DenseVector struct {
				ValueCount int64 `json:"value_count"`
				OffHeap    struct {
					TotalSizeBytes int64 `json:"total_size_bytes"`
				} `json:"off_heap"`
			} `json:"dense_vector"`
		} `json:"primaries"`
	} `json:"_all"`
}

// Decode parses a stats body. Entries of the elasticsearch section that are
// not index objects (such as {"status": "disconnected"}) are skipped.
func Decode(body []byte) (*Report, error) {
	var raw rawReport
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	r := &Report{Server: raw.Server, Indices: map[string]Index{}}
	for name, msg := range raw.Elasticsearch {
		var ri rawIndex
		if err := json.Unmarshal(msg, &ri); err != nil {
			continue
		}
		if ri.All == nil && ri.Error == "" {
			continue
		}
		r.Connected = true
		idx := Index{Error: ri.Error}
		if ri.All != nil {
			p := ri.All.Primaries
			idx.Docs = p.Docs.Count
			idx.Vectors = p.DenseVector.ValueCount
			idx.OffHeapBytes = p.DenseVector.OffHeap.TotalSizeBytes
		}
		r.Indices[name] = idx
	}
	return r, nil
}

// Fetch retrieves and decodes the stats endpoint once.
func Fetch(ctx context.Context, client *http.Client, url string) (*Report, error) {
	var body jsoniter.RawMessage
	if err := httpc.GetJSON(ctx, client, url, &body); err != nil {
		return nil, err
	}
	return Decode(body)
}

// Poller keeps the latest Report fresh.
type Poller struct {
	url      string
	client   *http.Client
	clock    timer.Clock
	interval time.Duration

	// OnUpdate is called after every successful poll.
	OnUpdate func(*Report)

	mu     sync.RWMutex
	latest *Report
	err    error
	task   timer.Task
	cancel context.CancelFunc
}

// NewPoller creates a poller for url. A nil clock uses the real clock.
func NewPoller(url string, clock timer.Clock, interval time.Duration) *Poller {
	if clock == nil {
		clock = timer.Real()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{url: url, client: httpc.Client, clock: clock, interval: interval}
}

// Start polls once right away and then every interval until Stop or ctx
// is done.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.task != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.task = timer.Every(p.clock, p.interval, func() { p.Refresh(ctx) })
	p.mu.Unlock()

	context.AfterFunc(ctx, p.Stop)
	go p.Refresh(ctx)
}

// Stop ends polling.
func (p *Poller) Stop() {
	p.mu.Lock()
	task, cancel := p.task, p.cancel
	p.task, p.cancel = nil, nil
	p.mu.Unlock()

	if task != nil {
		task.Cancel()
	}
	if cancel != nil {
		cancel()
	}
}

// Refresh fetches the stats now. Failures keep the previous report.
func (p *Poller) Refresh(ctx context.Context) error {
	r, err := Fetch(ctx, p.client, p.url)
	if err != nil {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		if ctx.Err() == nil {
			log.Warn("backend stats unavailable", "url", p.url, "error", err)
		}
		return err
	}
	r.FetchedAt = p.clock.Now()

	p.mu.Lock()
	p.latest, p.err = r, nil
	p.mu.Unlock()

	log.Debug("backend stats", "indices", len(r.Indices), "status", r.Server.Status)
	if p.OnUpdate != nil {
		p.OnUpdate(r)
	}
	return nil
}

// Latest returns the most recent report, or nil before the first success.
func (p *Poller) Latest() *Report {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Err returns the error of the last poll, nil if it succeeded.
func (p *Poller) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}
