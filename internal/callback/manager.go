// Package callback implements the async callback fan-out that decouples
// event producers (OrderStore, TWAPScheduler) from the goroutines that
// deliver those events to registered observers: publication pushes into a
// bounded channel; a single processing goroutine drains batches and
// dispatches each batch's callbacks through a worker pool.
package callback

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tradecore/execengine/internal/workerpool"
	"github.com/tradecore/execengine/pkg/observability"
)

// Event is anything publishable. EventType is used for type-tag
// registrations; predicate registrations ignore it.
type Event struct {
	Type      string
	Payload   interface{}
	Timestamp time.Time
}

// Handler receives a dispatched event. Panics inside Handler are recovered
// by the manager and counted, never propagated.
type Handler func(Event)

type registration struct {
	id        int64
	eventType string // empty if predicate-based
	predicate func(Event) bool
	handler   Handler
}

// Manager is the AsyncCallbackManager: registration list guarded by an
// RWMutex (many publishers, rare registration changes), a bounded event
// queue, and a single processing goroutine that batches and dispatches.
type Manager struct {
	mu    sync.RWMutex
	regs  []*registration
	nextID int64

	events chan Event
	pool   *workerpool.Pool
	logger *observability.Logger

	batchSize int
	stop      chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once

	droppedEvents  int64
	callbackErrors int64
	avgProcessNs   int64 // fixed-point EWMA, nanoseconds
}

// Config configures queue capacity, batch size, and flush cadence.
type Config struct {
	QueueCapacity int
	BatchSize     int
	FlushInterval time.Duration
	Workers       int
}

// New creates and starts a Manager. Call Stop to drain and join.
func New(cfg Config, logger *observability.Logger) *Manager {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 50 * time.Millisecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	m := &Manager{
		events:    make(chan Event, cfg.QueueCapacity),
		pool:      workerpool.New(cfg.Workers, cfg.QueueCapacity),
		logger:    logger,
		batchSize: cfg.BatchSize,
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	go m.processLoop(cfg.FlushInterval)
	return m
}

// RegisterType registers handler for events whose Type exactly matches
// eventType. Returns an id usable with Unregister.
func (m *Manager) RegisterType(eventType string, handler Handler) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.regs = append(m.regs, &registration{id: id, eventType: eventType, handler: handler})
	return id
}

// RegisterPredicate registers handler for events matching predicate.
func (m *Manager) RegisterPredicate(predicate func(Event) bool, handler Handler) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.regs = append(m.regs, &registration{id: id, predicate: predicate, handler: handler})
	return id
}

// Unregister removes a registration. A callback already dispatched for the
// current batch completes its invocation regardless.
func (m *Manager) Unregister(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.regs {
		if r.id == id {
			m.regs = append(m.regs[:i], m.regs[i+1:]...)
			return
		}
	}
}

// Publish enqueues event non-blockingly. Returns false and increments
// droppedEvents if the queue is full.
func (m *Manager) Publish(event Event) bool {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case m.events <- event:
		return true
	default:
		atomic.AddInt64(&m.droppedEvents, 1)
		return false
	}
}

// PublishBatch publishes all events; it is all-or-count — it returns the
// number actually accepted, which may be less than len(events) if the queue
// fills mid-batch.
func (m *Manager) PublishBatch(events []Event) int {
	accepted := 0
	for _, e := range events {
		if m.Publish(e) {
			accepted++
		} else {
			break
		}
	}
	return accepted
}

func (m *Manager) processLoop(flushInterval time.Duration) {
	defer close(m.stopped)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			m.drainRemaining()
			return
		case <-ticker.C:
			m.drainBatch()
		}
	}
}

func (m *Manager) drainRemaining() {
	for {
		select {
		case e := <-m.events:
			m.dispatch(e)
		default:
			return
		}
	}
}

func (m *Manager) drainBatch() {
	start := time.Now()
	count := 0
	for count < m.batchSize {
		select {
		case e := <-m.events:
			m.dispatch(e)
			count++
		default:
			count = m.batchSize // nothing left, exit loop
		}
	}
	if count > 0 {
		m.recordProcessingTime(time.Since(start))
	}
}

func (m *Manager) dispatch(event Event) {
	m.mu.RLock()
	matches := make([]*registration, 0, len(m.regs))
	for _, r := range m.regs {
		if r.eventType != "" && r.eventType == event.Type {
			matches = append(matches, r)
		} else if r.predicate != nil && r.predicate(event) {
			matches = append(matches, r)
		}
	}
	m.mu.RUnlock()

	for _, r := range matches {
		handler := r.handler
		m.pool.Go(func() {
			m.invoke(handler, event)
		})
	}
}

func (m *Manager) invoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&m.callbackErrors, 1)
			if m.logger != nil {
				m.logger.Error(context.Background(), "callback panicked", nil,
					map[string]interface{}{"recovered": r, "event_type": event.Type})
			}
		}
	}()
	handler(event)
}

func (m *Manager) recordProcessingTime(d time.Duration) {
	const alpha = 0.1
	for {
		old := atomic.LoadInt64(&m.avgProcessNs)
		var next int64
		if old == 0 {
			next = d.Nanoseconds()
		} else {
			next = int64(float64(old)*(1-alpha) + float64(d.Nanoseconds())*alpha)
		}
		if atomic.CompareAndSwapInt64(&m.avgProcessNs, old, next) {
			return
		}
	}
}

// AvgProcessingTime returns the EWMA of batch processing duration.
func (m *Manager) AvgProcessingTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&m.avgProcessNs))
}

// DroppedEvents returns the count of publishes rejected by a full queue.
func (m *Manager) DroppedEvents() int64 { return atomic.LoadInt64(&m.droppedEvents) }

// CallbackErrors returns the count of handler panics recovered.
func (m *Manager) CallbackErrors() int64 { return atomic.LoadInt64(&m.callbackErrors) }

// Stop drains any queued events synchronously, then stops the worker pool.
// Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	<-m.stopped
	m.pool.Stop()
}
