package audit

import (
	"context"
	"log"
	"sync"
)

// Writer is the interface for persistent sinks (JSONL trail). Writers own
// their buffering; Flush and Close are called at shutdown.
type Writer interface {
	Write(event Event) error
	Flush() error
	Close() error

	// SupportsEvent reports whether the writer handles this event type.
	SupportsEvent(eventType EventType) bool
}

// Hook is the interface for real-time consumers (metrics, traces, logs).
type Hook interface {
	OnEvent(ctx context.Context, event Event) error

	// EventTypes returns the event types this hook handles.
	// Nil or empty means all events.
	EventTypes() []EventType
}

// Dispatcher routes events to writers and hooks. Safe for concurrent use.
// A nil *Dispatcher is valid and drops everything, so callers never need
// nil checks before emitting.
type Dispatcher struct {
	mu      sync.RWMutex
	writers []Writer
	hooks   []Hook
	async   bool
}

// Config configures dispatcher behaviour.
type Config struct {
	// Async runs hooks in goroutines so slow exporters never stall the
	// command path. Writers are always synchronous.
	Async bool
}

// New creates an event dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{async: cfg.Async}
}

// RegisterWriter adds a writer.
func (d *Dispatcher) RegisterWriter(w Writer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writers = append(d.writers, w)
}

// RegisterHook adds a hook.
func (d *Dispatcher) RegisterHook(h Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, h)
}

// Dispatch sends an event to every matching writer and hook. Individual
// sink failures are logged and do not stop delivery to the others.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, w := range d.writers {
		if !w.SupportsEvent(event.EventType()) {
			continue
		}
		if err := w.Write(event); err != nil {
			log.Printf("[audit] writer error for %s: %v", event.EventType(), err)
		}
	}

	for _, h := range d.hooks {
		if !hookSupportsEvent(h, event.EventType()) {
			continue
		}
		if d.async {
			go func(hook Hook) {
				if err := hook.OnEvent(ctx, event); err != nil {
					log.Printf("[audit] hook error for %s: %v", event.EventType(), err)
				}
			}(h)
		} else if err := h.OnEvent(ctx, event); err != nil {
			log.Printf("[audit] hook error for %s: %v", event.EventType(), err)
		}
	}
}

func hookSupportsEvent(h Hook, eventType EventType) bool {
	types := h.EventTypes()
	if len(types) == 0 {
		return true
	}
	for _, et := range types {
		if et == eventType {
			return true
		}
	}
	return false
}

// Flush flushes all writers.
func (d *Dispatcher) Flush() error {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, w := range d.writers {
		_ = w.Flush()
	}
	return nil
}

// Close flushes and closes all writers. The dispatcher must not be used
// afterwards.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.writers {
		_ = w.Flush()
		_ = w.Close()
	}
	return nil
}
