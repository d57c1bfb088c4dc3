// Package store provides document persistence for sync collections.
package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caredock/caresync/internal/logging"
	"github.com/caredock/caresync/internal/models"
	"github.com/caredock/caresync/internal/syncutil"
)

// ChangeOp is the kind of mutation a change event describes.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeEvent describes one committed mutation on a sync collection.
type ChangeEvent struct {
	Collection string           `json:"collection"`
	DocumentID string           `json:"document_id"`
	Operation  ChangeOp         `json:"operation"`
	Before     models.Document  `json:"before,omitempty"`
	After      models.Document  `json:"after,omitempty"`
	// Actor is the device that caused the write, taken from the request
	// context. Empty for writes made by server-side maintenance.
	Actor     string `json:"actor,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ChangeHandler receives flushed change events in commit order.
type ChangeHandler func(events []ChangeEvent)

// DispatcherConfig configures the change event dispatcher.
type DispatcherConfig struct {
	BufferSize    int
	FlushInterval time.Duration
}

// DefaultDispatcherConfig returns production-ready dispatcher defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BufferSize:    4096,
		FlushInterval: 100 * time.Millisecond,
	}
}

// DispatcherStats provides runtime statistics for the dispatcher.
type DispatcherStats struct {
	TotalEvents   int64 `json:"total_events"`
	EventsFlushed int64 `json:"events_flushed"`
	EventsDropped int64 `json:"events_dropped"`
}

// Dispatcher buffers change events emitted by store drivers and fans
// them out to registered handlers on a flush interval.
//
// Events for log collections are never emitted; those collections
// record sync activity, and watching them would feed the notifier from
// its own output.
type Dispatcher struct {
	config DispatcherConfig

	mu       sync.RWMutex
	handlers []ChangeHandler

	bufferMu sync.Mutex
	buffer   []ChangeEvent

	totalEvents   int64
	eventsFlushed int64
	eventsDropped int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start to begin the
// background flush loop; Emit before Start only buffers.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.BufferSize <= 0 {
		config.BufferSize = 4096
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		config: config,
		buffer: make([]ChangeEvent, 0, config.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers a handler for flushed events. Handlers run
// sequentially on the flush goroutine and must not block for long.
func (d *Dispatcher) Subscribe(h ChangeHandler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// Start begins the background flush loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.flushLoop()
}

// Stop flushes remaining events and shuts the dispatcher down.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Emit buffers one change event. Events for log collections are
// discarded. When the buffer is full the oldest pending events are
// flushed inline.
func (d *Dispatcher) Emit(event ChangeEvent) {
	if models.IsLogCollection(event.Collection) {
		return
	}
	atomic.AddInt64(&d.totalEvents, 1)

	d.bufferMu.Lock()
	if len(d.buffer) >= d.config.BufferSize {
		d.bufferMu.Unlock()
		d.Flush()
		d.bufferMu.Lock()
	}
	d.buffer = append(d.buffer, event)
	d.bufferMu.Unlock()
}

// Flush synchronously delivers all buffered events to every handler.
// Tests call this directly instead of waiting on the flush interval.
func (d *Dispatcher) Flush() {
	d.bufferMu.Lock()
	if len(d.buffer) == 0 {
		d.bufferMu.Unlock()
		return
	}
	events := d.buffer
	d.buffer = make([]ChangeEvent, 0, d.config.BufferSize)
	d.bufferMu.Unlock()

	d.mu.RLock()
	handlers := make([]ChangeHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	if len(handlers) == 0 {
		atomic.AddInt64(&d.eventsDropped, int64(len(events)))
		return
	}
	for _, h := range handlers {
		h(events)
	}
	atomic.AddInt64(&d.eventsFlushed, int64(len(events)))
}

// Stats returns dispatcher statistics.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		TotalEvents:   atomic.LoadInt64(&d.totalEvents),
		EventsFlushed: atomic.LoadInt64(&d.eventsFlushed),
		EventsDropped: atomic.LoadInt64(&d.eventsDropped),
	}
}

func (d *Dispatcher) flushLoop() {
	defer d.wg.Done()
	log := logging.Get()
	ticker := time.NewTicker(d.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			d.Flush()
			log.Debug("change dispatcher stopped", map[string]interface{}{
				"flushed": atomic.LoadInt64(&d.eventsFlushed),
				"dropped": atomic.LoadInt64(&d.eventsDropped),
			})
			return
		case <-ticker.C:
			d.Flush()
		}
	}
}

// actorKey carries the originating device id through request contexts.
type actorKey struct{}

// WithActor tags a context with the device performing the writes.
// Store drivers stamp it onto emitted change events.
func WithActor(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, actorKey{}, deviceID)
}

// ActorFrom returns the device id tagged by WithActor, or "".
func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// newEvent builds a change event stamped with the context actor and
// the current canonical timestamp.
func newEvent(ctx context.Context, collection, id string, op ChangeOp, before, after models.Document) ChangeEvent {
	return ChangeEvent{
		Collection: collection,
		DocumentID: id,
		Operation:  op,
		Before:     before,
		After:      after,
		Actor:      ActorFrom(ctx),
		Timestamp:  syncutil.Now(),
	}
}
