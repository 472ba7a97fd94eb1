package core

import "sync"

// DefaultChannelCapacity bounds each job's live progress queue. A full
// queue drops events rather than stalling the worker; the job's logs remain
// the durable history.
const DefaultChannelCapacity = 100

type progressEntry struct {
	ch       chan ProgressEvent
	subs     int
	finished bool
}

// ProgressHub owns one bounded event channel per in-flight job. The worker
// is the only publisher; streaming endpoints subscribe. Concurrent
// subscribers to the same job share the underlying channel, so each live
// event reaches exactly one ready receiver.
type ProgressHub struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*progressEntry
}

func NewProgressHub(capacity int) *ProgressHub {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	return &ProgressHub{
		capacity: capacity,
		entries:  make(map[string]*progressEntry),
	}
}

// Open allocates the job's channel. Opening an existing id is a no-op.
func (h *ProgressHub) Open(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.entries[id]; !ok {
		h.entries[id] = &progressEntry{ch: make(chan ProgressEvent, h.capacity)}
	}
}

// Publish delivers an event without ever blocking the producer. Events to a
// full, finished or unknown channel are silently dropped.
func (h *ProgressHub) Publish(id string, event ProgressEvent) {
	h.mu.Lock()
	entry, ok := h.entries[id]
	h.mu.Unlock()
	if !ok {
		return
	}

	select {
	case entry.ch <- event:
	default:
	}
}

// Subscribe attaches a consumer to the job's channel. The returned detach
// func must be called when the consumer disconnects; it is idempotent.
// The second return is false when the job has no live channel.
func (h *ProgressHub) Subscribe(id string) (<-chan ProgressEvent, func(), bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.entries[id]
	if !ok {
		return nil, nil, false
	}
	entry.subs++

	var once sync.Once
	detach := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			entry.subs--
			if entry.finished && entry.subs <= 0 {
				delete(h.entries, id)
			}
		})
	}
	return entry.ch, detach, true
}

// Finish marks the job terminal. The channel is destroyed once the last
// subscriber detaches; if none are attached it is destroyed immediately.
// Later publishes become no-ops.
func (h *ProgressHub) Finish(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.entries[id]
	if !ok {
		return
	}
	entry.finished = true
	if entry.subs <= 0 {
		delete(h.entries, id)
	}
}

// Remove destroys the job's channel unconditionally (explicit deletion).
// Attached subscribers keep their receive handle; pending publishes turn
// into drops. Nothing is closed, so no publisher or receiver can panic.
func (h *ProgressHub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, id)
}
