// Package mailbox provides the unbounded FIFO channels that connect the
// engine-owning goroutine with the scheduler.
package mailbox

import (
	"context"
	"errors"
	"sync"

	"github.com/eapache/queue"
)

// ErrClosed is returned by Pop once the mailbox is closed and drained.
var ErrClosed = errors.New("mailbox closed")

// Mailbox is an unbounded multi-producer FIFO. Sends never block.
type Mailbox[T any] struct {
	mu      sync.Mutex
	q       *queue.Queue
	pending map[uint64]struct{}
	closed  bool
	notify  chan struct{}
}

type item[T any] struct {
	v     T
	key   uint64
	keyed bool
}

// New returns an empty open mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		q:       queue.New(),
		pending: make(map[uint64]struct{}),
		notify:  make(chan struct{}, 1),
	}
}

func (m *Mailbox[T]) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Push appends v. It reports false when the mailbox is closed, in which
// case v is dropped.
func (m *Mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.q.Add(item[T]{v: v})
	m.mu.Unlock()
	m.signal()
	return true
}

// PushUnique appends v unless another value pushed under key is still
// queued. It reports whether v was queued.
func (m *Mailbox[T]) PushUnique(key uint64, v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if _, ok := m.pending[key]; ok {
		m.mu.Unlock()
		return false
	}
	m.pending[key] = struct{}{}
	m.q.Add(item[T]{v: v, key: key, keyed: true})
	m.mu.Unlock()
	m.signal()
	return true
}

// TryPop removes the oldest value without blocking.
func (m *Mailbox[T]) TryPop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popLocked()
}

func (m *Mailbox[T]) popLocked() (T, bool) {
	if m.q.Length() == 0 {
		var zero T
		return zero, false
	}
	it := m.q.Remove().(item[T])
	if it.keyed {
		delete(m.pending, it.key)
	}
	return it.v, true
}

// Pop removes the oldest value, waiting until one arrives. It returns
// ErrClosed once the mailbox is closed and empty.
func (m *Mailbox[T]) Pop(ctx context.Context) (T, error) {
	for {
		m.mu.Lock()
		v, ok := m.popLocked()
		closed := m.closed
		more := m.q.Length() > 0
		m.mu.Unlock()
		if ok {
			if more {
				m.signal()
			}
			return v, nil
		}
		if closed {
			var zero T
			return zero, ErrClosed
		}
		select {
		case <-m.notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Ready returns a channel that receives after pushes. Consumers that poll
// with TryPop can select on it instead of sleeping.
func (m *Mailbox[T]) Ready() <-chan struct{} { return m.notify }

// Len returns the number of queued values.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.Length()
}

// Close rejects further pushes. Queued values can still be popped.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

// Closed reports whether Close was called.
func (m *Mailbox[T]) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
