// Package thoughts is the append-only narrative event stream fed by the
// scanner and healer and served over the control API.
package thoughts

import (
	"context"
	"sync"
	"time"
)

// Kind classifies a thought event.
type Kind string

const (
	KindInfo     Kind = "info"
	KindStep     Kind = "step"
	KindDiagnose Kind = "diagnose"
	KindMutate   Kind = "mutate"
	KindVerify   Kind = "verify"
	KindResult   Kind = "result"
	KindError    Kind = "error"
)

// Event is a single narrative event. Events are never mutated after being
// assigned an ID.
type Event struct {
	ID    uint64         `json:"id"`
	AtMs  int64          `json:"at_ms"`
	Kind  Kind           `json:"kind"`
	Route string         `json:"route,omitempty"`
	Text  string         `json:"text"`
	Data  map[string]any `json:"data,omitempty"`
}

const (
	// DefaultTailLimit bounds one Since call.
	DefaultTailLimit = 256

	// retainEvents is the ring capacity.
	retainEvents = 4096

	// retainFor keeps events at least this long even past the ring cap.
	retainFor = time.Hour

	queueSize = 1024
)

// Sink receives every event the writer commits; used for log persistence.
type Sink interface {
	Append(Event) error
}

// Bus is a single-writer-many-reader append log with a monotonic cursor.
// Producers post to a bounded queue and never block: on overflow the oldest
// queued event is dropped and the drop is itself recorded as a thought.
type Bus struct {
	mu      sync.Mutex
	events  []Event
	nextID  uint64
	dropped uint64
	notify  chan struct{}

	queue    chan Event
	sink     Sink
	dropHook func(n uint64)

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewBus creates and starts a bus. sink may be nil.
func NewBus(sink Sink) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		nextID: 1,
		notify: make(chan struct{}),
		queue:  make(chan Event, queueSize),
		sink:   sink,
		cancel: cancel,
	}
	b.wg.Add(1)
	go b.writer(ctx)
	return b
}

// OnDrop registers a callback invoked with the drop count whenever overflow
// losses are recorded. Set once during startup.
func (b *Bus) OnDrop(fn func(n uint64)) {
	b.mu.Lock()
	b.dropHook = fn
	b.mu.Unlock()
}

// Post emits an event. Never blocks.
func (b *Bus) Post(kind Kind, route, text string, data map[string]any) {
	ev := Event{AtMs: time.Now().UnixMilli(), Kind: kind, Route: route, Text: text, Data: data}
	for {
		select {
		case b.queue <- ev:
			return
		default:
		}
		// Queue full: drop the oldest queued event and retry.
		select {
		case <-b.queue:
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
		default:
		}
	}
}

// writer is the single goroutine that assigns IDs and commits events.
func (b *Bus) writer(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued.
			for {
				select {
				case ev := <-b.queue:
					b.commit(ev)
				default:
					return
				}
			}
		case ev := <-b.queue:
			b.commit(ev)
		}
	}
}

func (b *Bus) commit(ev Event) {
	b.mu.Lock()
	if b.dropped > 0 {
		if b.dropHook != nil {
			b.dropHook(b.dropped)
		}
		over := Event{
			ID:   b.nextID,
			AtMs: time.Now().UnixMilli(),
			Kind: KindError,
			Text: "thought queue overflowed; oldest events dropped",
			Data: map[string]any{"dropped": b.dropped},
		}
		b.nextID++
		b.dropped = 0
		b.append(over)
	}
	ev.ID = b.nextID
	b.nextID++
	b.append(ev)

	close(b.notify)
	b.notify = make(chan struct{})
	sink := b.sink
	b.mu.Unlock()

	if sink != nil {
		_ = sink.Append(ev)
	}
}

// append adds to the ring under b.mu, enforcing retention: keep the last
// retainEvents, or everything younger than retainFor, whichever is larger.
func (b *Bus) append(ev Event) {
	b.events = append(b.events, ev)
	if len(b.events) <= retainEvents {
		return
	}
	cutoff := time.Now().Add(-retainFor).UnixMilli()
	drop := len(b.events) - retainEvents
	for i := 0; i < drop; i++ {
		if b.events[i].AtMs >= cutoff {
			drop = i
			break
		}
	}
	if drop > 0 {
		b.events = append([]Event(nil), b.events[drop:]...)
	}
}

// Since returns up to limit events with ID > cursor, in increasing ID order.
func (b *Bus) Since(cursor uint64, limit int) []Event {
	if limit <= 0 || limit > DefaultTailLimit {
		limit = DefaultTailLimit
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, ev := range b.events {
		if ev.ID <= cursor {
			continue
		}
		out = append(out, ev)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Cursor returns the highest assigned event ID.
func (b *Bus) Cursor() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextID - 1
}

// Wait blocks until an event with ID > cursor exists, or ctx ends. Used for
// long-poll serving.
func (b *Bus) Wait(ctx context.Context, cursor uint64) {
	for {
		b.mu.Lock()
		if b.nextID-1 > cursor {
			b.mu.Unlock()
			return
		}
		notify := b.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-notify:
		}
	}
}

// Close stops the writer after draining queued events.
func (b *Bus) Close() {
	b.cancel()
	b.wg.Wait()
}
