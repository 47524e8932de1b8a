package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ConnRecord summarizes one finished inbound connection.
type ConnRecord struct {
	ID       string        `json:"id"`
	Peer     string        `json:"peer"`
	Request  string        `json:"request,omitempty"`
	Outcome  string        `json:"outcome"`
	Duration time.Duration `json:"duration_ns"`
	At       time.Time     `json:"at"`
}

type Snapshot struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Conns       ConnMetrics       `json:"conns"`
	Dispatched  map[string]uint64 `json:"dispatched"`
	Rejected    map[string]uint64 `json:"rejected"`
	Recent      []ConnRecord      `json:"recent"`
}

type ConnMetrics struct {
	Accepted       uint64 `json:"accepted"`
	DecodeFailures uint64 `json:"decode_failures"`
	HandlerErrors  uint64 `json:"handler_errors"`
	Timeouts       uint64 `json:"timeouts"`
	InFlight       int64  `json:"in_flight"`
}

// Metrics counts server activity. The zero value is not usable; call New.
type Metrics struct {
	accepted       atomic.Uint64
	decodeFailures atomic.Uint64
	handlerErrors  atomic.Uint64
	timeouts       atomic.Uint64
	inFlight       atomic.Int64

	dispatched *labelCounter
	rejected   *labelCounter
	recent     *Recent
}

func New() *Metrics {
	return &Metrics{
		dispatched: newLabelCounter(),
		rejected:   newLabelCounter(),
		recent:     NewRecent(64),
	}
}

func (m *Metrics) Recent() *Recent {
	return m.recent
}

func (m *Metrics) IncAccepted() {
	m.accepted.Add(1)
}

// IncRejected counts a connection closed before dispatch, by close reason.
func (m *Metrics) IncRejected(reason string) {
	m.rejected.inc(reason)
}

func (m *Metrics) IncDecodeFailure() {
	m.decodeFailures.Add(1)
}

func (m *Metrics) IncDispatched(kind string) {
	m.dispatched.inc(kind)
}

// IncHandlerError counts actions that answered with a failed Status.
func (m *Metrics) IncHandlerError() {
	m.handlerErrors.Add(1)
}

func (m *Metrics) IncTimeout() {
	m.timeouts.Add(1)
}

// ConnStarted bumps the in-flight gauge and returns the matching release.
func (m *Metrics) ConnStarted() func() {
	m.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { m.inFlight.Add(-1) })
	}
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []ConnRecord{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Conns: ConnMetrics{
			Accepted:       m.accepted.Load(),
			DecodeFailures: m.decodeFailures.Load(),
			HandlerErrors:  m.handlerErrors.Load(),
			Timeouts:       m.timeouts.Load(),
			InFlight:       m.inFlight.Load(),
		},
		Dispatched: m.dispatched.snapshot(),
		Rejected:   m.rejected.snapshot(),
		Recent:     recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type labelCounter struct {
	mu sync.Mutex
	m  map[string]uint64
}

func newLabelCounter() *labelCounter {
	return &labelCounter{m: make(map[string]uint64)}
}

func (c *labelCounter) inc(label string) {
	c.mu.Lock()
	c.m[label]++
	c.mu.Unlock()
}

func (c *labelCounter) snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}

// Recent is a bounded ring of the latest connection records.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []ConnRecord
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(rec ConnRecord) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = rec
		return
	}
	r.list = append(r.list, rec)
}

func (r *Recent) List() []ConnRecord {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnRecord, len(r.list))
	copy(out, r.list)
	return out
}
