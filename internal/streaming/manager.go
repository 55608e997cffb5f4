package streaming

import (
    "sync"

    "github.com/atelier-ai/atelier/internal/metrics"
    "github.com/atelier-ai/atelier/internal/models"
)

// Bus provides in-memory pub/sub for task events plus the per-task tail
// buffer used for replay. Event IDs are assigned by the emitting worker
// before Publish; the bus only stores and fans out.
type Bus struct {
    mu          sync.RWMutex
    subscribers map[string]map[chan models.Event]struct{}
    // per-task ring buffer for replay and last_event_id support
    history  map[string]*ring
    capacity int
}

const defaultTailCapacity = 1024

// NewBus creates a bus whose per-task tails hold up to capacity events.
func NewBus(capacity int) *Bus {
    if capacity <= 0 { capacity = defaultTailCapacity }
    return &Bus{
        subscribers: make(map[string]map[chan models.Event]struct{}),
        history:     make(map[string]*ring),
        capacity:    capacity,
    }
}

// Subscribe adds a subscriber channel for a task; the caller must drain it
// and call Unsubscribe when done.
func (b *Bus) Subscribe(taskID string, buffer int) chan models.Event {
    if buffer < 64 { buffer = 64 }
    ch := make(chan models.Event, buffer)
    b.mu.Lock()
    defer b.mu.Unlock()
    subs := b.subscribers[taskID]
    if subs == nil {
        subs = make(map[chan models.Event]struct{})
        b.subscribers[taskID] = subs
    }
    subs[ch] = struct{}{}
    metrics.SubscribersActive.Inc()
    return ch
}

// Unsubscribe removes the subscriber channel and closes it. The bus holds
// the only right to close, so Publish can never hit a closed channel.
func (b *Bus) Unsubscribe(taskID string, ch chan models.Event) {
    b.mu.Lock()
    defer b.mu.Unlock()
    if subs, ok := b.subscribers[taskID]; ok {
        if _, registered := subs[ch]; !registered {
            return
        }
        delete(subs, ch)
        close(ch)
        metrics.SubscribersActive.Dec()
        if len(subs) == 0 {
            delete(b.subscribers, taskID)
        }
    }
}

// Publish appends the event to the task's tail and fans it out to every
// subscriber with a non-blocking send. A full channel drops the event for
// that subscriber only; the durable log remains the system of record. The
// mutex is held across the fan-out so Unsubscribe's close can never race a
// send; the sends never block, so the hold is bounded.
func (b *Bus) Publish(taskID string, evt models.Event) {
    b.mu.Lock()
    defer b.mu.Unlock()
    rg := b.history[taskID]
    if rg == nil {
        rg = newRing(b.capacity)
        b.history[taskID] = rg
    }
    rg.push(evt)
    for ch := range b.subscribers[taskID] {
        select {
        case ch <- evt:
        default:
            // Drop if subscriber is slow
            metrics.EventsDropped.Inc()
        }
    }
}

// ReplaySince returns tail events with EventID > since (best-effort within
// ring capacity). A nil result means the tail is gone and callers should
// fall back to the durable log.
func (b *Bus) ReplaySince(taskID string, since int64) []models.Event {
    b.mu.RLock()
    rg := b.history[taskID]
    b.mu.RUnlock()
    if rg == nil { return nil }
    return rg.since(since)
}

// HasTail reports whether any tail events are buffered for the task.
func (b *Bus) HasTail(taskID string) bool {
    b.mu.RLock()
    defer b.mu.RUnlock()
    return b.history[taskID] != nil
}

// Drop evicts the task's tail buffer, e.g. after the task record is deleted.
// Live subscribers keep their channels; only replay is affected.
func (b *Bus) Drop(taskID string) {
    b.mu.Lock()
    defer b.mu.Unlock()
    delete(b.history, taskID)
}

// SubscriberCount returns the number of live channels for a task.
func (b *Bus) SubscriberCount(taskID string) int {
    b.mu.RLock()
    defer b.mu.RUnlock()
    return len(b.subscribers[taskID])
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
    buf   []models.Event
    start int
    count int
}

func newRing(capacity int) *ring { return &ring{buf: make([]models.Event, capacity)} }

func (r *ring) push(e models.Event) {
    if len(r.buf) == 0 { return }
    if r.count < len(r.buf) {
        r.buf[(r.start+r.count)%len(r.buf)] = e
        r.count++
        return
    }
    // overwrite oldest
    r.buf[r.start] = e
    r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(id int64) []models.Event {
    if r.count == 0 { return nil }
    out := make([]models.Event, 0, r.count)
    for i := 0; i < r.count; i++ {
        idx := (r.start + i) % len(r.buf)
        ev := r.buf[idx]
        if ev.EventID > id {
            out = append(out, ev)
        }
    }
    return out
}
