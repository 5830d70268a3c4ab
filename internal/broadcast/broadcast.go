// Package broadcast provides the fan-out primitives used for kernel status
// and iopub traffic: a lossy multi-subscriber Broadcaster and a Watcher that
// holds the latest value of something and wakes waiters on change.
package broadcast

import "sync"

// ---------------------------------------------------------------------------
// Broadcaster
// ---------------------------------------------------------------------------

// Broadcaster fans out values to multiple subscribers. Slow consumers are
// dropped (non-blocking send) so the producer never stalls.
type Broadcaster[T any] struct {
	mu        sync.RWMutex
	listeners map[uint64]chan T
	nextID    uint64
	closed    bool
}

// New creates a ready-to-use Broadcaster.
func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{listeners: make(map[uint64]chan T)}
}

// Subscribe registers a new listener. bufSize controls the channel buffer
// depth. Subscribing to a closed Broadcaster returns an already-closed
// channel.
func (b *Broadcaster[T]) Subscribe(bufSize int) (uint64, <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan T, bufSize)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.listeners[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a listener by ID.
func (b *Broadcaster[T]) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.listeners[id]; ok {
		close(ch)
		delete(b.listeners, id)
	}
}

// Send broadcasts v to every listener. If a listener's channel is full the
// value is dropped for that consumer.
func (b *Broadcaster[T]) Send(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.listeners {
		select {
		case ch <- v:
		default: // drop for slow consumers
		}
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Close closes every listener channel. Later Sends are no-ops. Safe to call
// more than once.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.listeners {
		close(ch)
		delete(b.listeners, id)
	}
}

// ---------------------------------------------------------------------------
// Watcher
// ---------------------------------------------------------------------------

// Watcher holds a value and notifies waiters when it changes.
type Watcher[T comparable] struct {
	mu     sync.Mutex
	value  T
	waitCh chan struct{} // closed on change, then replaced
}

// NewWatcher creates a watcher with the given initial value.
func NewWatcher[T comparable](initial T) *Watcher[T] {
	return &Watcher[T]{value: initial, waitCh: make(chan struct{})}
}

// Set updates the value and wakes all current waiters. Setting the value it
// already holds is a no-op and reports false.
func (w *Watcher[T]) Set(v T) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.value == v {
		return false
	}
	w.value = v
	close(w.waitCh)
	w.waitCh = make(chan struct{})
	return true
}

// Get returns the current value.
func (w *Watcher[T]) Get() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value
}

// Changed returns a channel that is closed when the value next changes.
// After the channel fires, call Changed again for subsequent notifications.
func (w *Watcher[T]) Changed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waitCh
}

// Snapshot returns the current value together with the channel that fires
// on the next change, atomically.
func (w *Watcher[T]) Snapshot() (T, <-chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value, w.waitCh
}
