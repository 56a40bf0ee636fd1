// Package progress carries per-job progress from the polling loop to one renderer.
package progress

import "sync"

// Update is one progress sample. Status is the provider status label.
type Update struct {
	Percent int
	Status  string
}

// Bus is a single-slot channel with overwrite-on-full semantics: Publish never blocks
// and a slow consumer only ever sees the latest value. Closing it signals that no
// further updates will arrive.
type Bus struct {
	mu     sync.Mutex
	ch     chan Update
	closed bool
	last   int
}

func NewBus() *Bus {
	return &Bus{ch: make(chan Update, 1), last: -1}
}

// Publish replaces any unread value with u. Values lower than the last published
// percent are dropped so readers see a non-decreasing sequence. It reports whether
// u was queued.
func (b *Bus) Publish(u Update) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || u.Percent < b.last {
		return false
	}
	select {
	case <-b.ch:
	default:
	}
	b.ch <- u
	b.last = u.Percent
	return true
}

// Updates is the consumer side. It is closed after Close.
func (b *Bus) Updates() <-chan Update {
	return b.ch
}

// Close ends the stream. A value still in the slot remains readable. Safe to call twice.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// Last returns the highest percent published so far, or -1.
func (b *Bus) Last() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
