package app

import (
	"sync"

	"zclaw/internal/eventbus"
)

// ringSize bounds how many recent events diagnostics can show.
const ringSize = 64

// eventRing keeps the most recent bus events for the diagnostics tool.
// Writers overwrite the oldest slot once the ring is full.
type eventRing struct {
	mu   sync.Mutex
	buf  []eventbus.Event
	next int
	full bool
}

func newEventRing() *eventRing {
	return &eventRing{buf: make([]eventbus.Event, ringSize)}
}

func (r *eventRing) Add(e eventbus.Event) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Tail returns up to n most recent events, oldest first.
func (r *eventRing) Tail(n int) []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	if n == 0 {
		return nil
	}

	out := make([]eventbus.Event, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
