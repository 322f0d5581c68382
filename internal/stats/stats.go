// Package stats implements the per-request stats row, its TTL cache keyed
// by traceparent, and the Visitor metrics interface with its no-op and
// Prometheus-backed implementations.
package stats

import (
	"sync"
	"time"

	"github.com/fastedge/corewasm/internal/wire"
)

// Phase names the lifecycle point a stats row was opened at.
type Phase int

const (
	PhaseRequestHeaders Phase = iota
	PhaseResponseHeaders
	PhaseRequestBody
	PhaseResponseBody
	PhaseLog
)

// Row is one per-request stats aggregator. For body handlers it may be
// shared across streaming chunks via Cache; every other handler allocates
// a fresh Row.
type Row struct {
	mu          sync.Mutex
	phase       Phase
	statusCode  uint16
	memoryUsed  uint64
	failReason  wire.FailReason
	userDiag    string
	started     time.Time
	elapsed     time.Duration
}

// NewRow opens a row and starts its scoped timer.
func NewRow(phase Phase) *Row {
	return &Row{phase: phase, started: time.Now()}
}

func (r *Row) CdnPhase(phase Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = phase
}

func (r *Row) StatusCode(code uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusCode = code
}

func (r *Row) MemoryUsed(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memoryUsed = n
}

func (r *Row) FailReason(reason wire.FailReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failReason = reason
}

func (r *Row) SetUserDiag(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userDiag = v
}

// Observe records the elapsed duration for this row, releasing the scoped
// timer started by NewRow. Called on every exit path from the coordinator.
func (r *Row) Observe(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elapsed = d
}

func (r *Row) GetTimeElapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.elapsed != 0 {
		return r.elapsed
	}
	return time.Since(r.started)
}

func (r *Row) GetMemoryUsed() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memoryUsed
}

// entry pairs a Row with its last-touched time for time-to-idle eviction.
type entry struct {
	row        *Row
	lastTouch  time.Time
}

// Cache is the small TTL map keyed by traceparent that keeps one stats Row
// alive across streaming body chunks until end_of_stream. time-to-idle is
// 1s: an entry not touched for 1s is evictable by the next sweep, not
// merely by absolute age.
type Cache struct {
	mu         sync.Mutex
	rows       map[string]*entry
	idleTTL    time.Duration
}

const defaultIdleTTL = time.Second

// NewCache constructs a Cache with a 1s time-to-idle.
func NewCache() *Cache {
	return &Cache{rows: make(map[string]*entry), idleTTL: defaultIdleTTL}
}

// Get returns the row for a streaming body handler: reused if present and
// not evicted, inserted idempotently otherwise. endOfStream=true evicts the
// row after the caller is done with it (see Release).
func (c *Cache) Get(traceparent string) *Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
	if e, ok := c.rows[traceparent]; ok {
		e.lastTouch = time.Now()
		return e.row
	}
	row := NewRow(PhaseRequestBody)
	c.rows[traceparent] = &entry{row: row, lastTouch: time.Now()}
	return row
}

// Release removes the row for traceparent; called when end_of_stream==true
// so a subsequent body chunk with the same traceparent allocates a fresh
// row instead of resuming the finished stream's state.
func (c *Cache) Release(traceparent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rows, traceparent)
}

func (c *Cache) evictLocked() {
	now := time.Now()
	for k, e := range c.rows {
		if now.Sub(e.lastTouch) > c.idleTTL {
			delete(c.rows, k)
		}
	}
}

// Visitor is the ambient stats collaborator backing an external metric
// registry; a no-op implementation satisfies it when metrics are
// disabled, and a Prometheus-backed implementation when enabled.
type Visitor interface {
	ObserveDuration(d time.Duration)
	IncCommand()
	IncError(status wire.ProxyStatus)
}

// NoopVisitor discards every observation.
type NoopVisitor struct{}

func (NoopVisitor) ObserveDuration(time.Duration)       {}
func (NoopVisitor) IncCommand()                         {}
func (NoopVisitor) IncError(wire.ProxyStatus)           {}
