// Package streams carries byte chunks between producers and consumers over
// bounded per-stream channels. A full channel suspends the writer, which is
// how backpressure reaches the network read loop.
package streams

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cryguy/openworker/internal/core"
)

var (
	// ErrUnknownStream is returned for ids the manager never issued.
	ErrUnknownStream = errors.New("unknown stream")
	// ErrClosed is returned when writing to a closed or finished stream.
	ErrClosed = errors.New("stream closed")
	// ErrChannelFull is returned by TryWriteChunk when the stream is full.
	ErrChannelFull = errors.New("channel full")
	// ErrReceiverTaken is returned when reading through the manager after
	// TakeReceiver moved the read side elsewhere.
	ErrReceiverTaken = errors.New("stream receiver taken")
)

// Manager owns every live stream.
type Manager struct {
	capacity int

	mu      sync.Mutex
	nextID  core.StreamID
	entries map[core.StreamID]*entry
}

type entry struct {
	id    core.StreamID
	label string
	ch    chan core.Chunk

	closeOnce sync.Once
	closed    chan struct{}

	mu     sync.Mutex
	sealed bool // writer side is done: terminal chunk written or closed
	taken  bool

	ended atomic.Bool // reader observed the end
}

// NewManager returns a manager whose streams buffer up to capacity chunks.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = core.DefaultStreamCapacity
	}
	return &Manager{
		capacity: capacity,
		entries:  make(map[core.StreamID]*entry),
	}
}

// CreateStream allocates a stream and returns its id without blocking. The
// label names the producer in diagnostics, usually a URL.
func (m *Manager) CreateStream(label string) core.StreamID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.entries[id] = &entry{
		id:     id,
		label:  label,
		ch:     make(chan core.Chunk, m.capacity),
		closed: make(chan struct{}),
	}
	return id
}

// lookup returns the live entry for id. For an id that was issued but is
// gone, it returns a nil entry and a nil error.
func (m *Manager) lookup(id core.StreamID) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e, nil
	}
	if id == 0 || id > m.nextID {
		return nil, fmt.Errorf("stream %d: %w", id, ErrUnknownStream)
	}
	return nil, nil
}

func (m *Manager) remove(e *entry) {
	m.mu.Lock()
	if cur, ok := m.entries[e.id]; ok && cur == e {
		delete(m.entries, e.id)
	}
	m.mu.Unlock()
}

// beginWrite checks the writer side and seals it when c is terminal.
func (e *entry) beginWrite(c core.Chunk) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed {
		return fmt.Errorf("stream %d (%s): %w", e.id, e.label, ErrClosed)
	}
	if c.Terminal() {
		e.sealed = true
	}
	return nil
}

// undoSeal reopens the writer side when a terminal write did not land.
func (e *entry) undoSeal(c core.Chunk) {
	if !c.Terminal() {
		return
	}
	e.mu.Lock()
	select {
	case <-e.closed:
	default:
		e.sealed = false
	}
	e.mu.Unlock()
}

// WriteChunk appends c to the stream, suspending while the stream is full.
// It fails when the stream is closed before or during the wait, or when ctx
// ends first.
func (m *Manager) WriteChunk(ctx context.Context, id core.StreamID, c core.Chunk) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("stream %d: %w", id, ErrClosed)
	}
	if err := e.beginWrite(c); err != nil {
		return err
	}
	select {
	case <-e.closed:
		return fmt.Errorf("stream %d (%s): %w", id, e.label, ErrClosed)
	default:
	}
	select {
	case e.ch <- c:
		return nil
	case <-e.closed:
		return fmt.Errorf("stream %d (%s): %w", id, e.label, ErrClosed)
	case <-ctx.Done():
		e.undoSeal(c)
		return ctx.Err()
	}
}

// TryWriteChunk is the non-blocking WriteChunk. It returns ErrChannelFull
// instead of waiting for space.
func (m *Manager) TryWriteChunk(id core.StreamID, c core.Chunk) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("stream %d: %w", id, ErrClosed)
	}
	if err := e.beginWrite(c); err != nil {
		return err
	}
	select {
	case <-e.closed:
		return fmt.Errorf("stream %d (%s): %w", id, e.label, ErrClosed)
	default:
	}
	select {
	case e.ch <- c:
		return nil
	default:
		e.undoSeal(c)
		return fmt.Errorf("stream %d (%s): %w", id, e.label, ErrChannelFull)
	}
}

// ReadChunk returns the next chunk, suspending while the stream is empty.
// Once the end was observed, either as a terminal chunk or as a close with
// nothing buffered, every later read returns Done.
func (m *Manager) ReadChunk(ctx context.Context, id core.StreamID) (core.Chunk, error) {
	e, err := m.lookup(id)
	if err != nil {
		return core.Chunk{}, err
	}
	if e == nil {
		return core.DoneChunk(), nil
	}
	e.mu.Lock()
	taken := e.taken
	e.mu.Unlock()
	if taken {
		return core.Chunk{}, fmt.Errorf("stream %d: %w", id, ErrReceiverTaken)
	}
	return m.read(ctx, e)
}

func (m *Manager) read(ctx context.Context, e *entry) (core.Chunk, error) {
	if e.ended.Load() {
		return core.DoneChunk(), nil
	}
	select {
	case c := <-e.ch:
		return m.observe(e, c), nil
	default:
	}
	select {
	case c := <-e.ch:
		return m.observe(e, c), nil
	case <-e.closed:
		select {
		case c := <-e.ch:
			return m.observe(e, c), nil
		default:
		}
		e.ended.Store(true)
		m.remove(e)
		return core.DoneChunk(), nil
	case <-ctx.Done():
		return core.Chunk{}, ctx.Err()
	}
}

func (m *Manager) observe(e *entry, c core.Chunk) core.Chunk {
	if c.Terminal() {
		e.ended.Store(true)
		e.close()
		m.remove(e)
	}
	return c
}

func (e *entry) close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.sealed = true
		e.mu.Unlock()
		close(e.closed)
	})
}

// CloseStream drops the writer side. Pending and later writes fail, while
// readers drain whatever is buffered and then observe Done. Closing an
// unknown or finished id is a no-op.
func (m *Manager) CloseStream(id core.StreamID) {
	e, _ := m.lookup(id)
	if e == nil {
		return
	}
	e.close()
	if len(e.ch) == 0 {
		e.mu.Lock()
		taken := e.taken
		e.mu.Unlock()
		if !taken {
			e.ended.Store(true)
			m.remove(e)
		}
	}
}

// Cancel closes the stream and discards anything buffered. It serves
// consumers that abandon a body before reading it to the end.
func (m *Manager) Cancel(id core.StreamID) {
	e, _ := m.lookup(id)
	if e == nil {
		return
	}
	e.close()
drain:
	for {
		select {
		case <-e.ch:
		default:
			break drain
		}
	}
	e.ended.Store(true)
	m.remove(e)
}

// TakeReceiver moves the read side of id out of the manager. Writers keep
// using the manager; reads through the manager fail afterwards.
func (m *Manager) TakeReceiver(id core.StreamID) (*Receiver, bool) {
	e, _ := m.lookup(id)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.taken {
		return nil, false
	}
	e.taken = true
	return &Receiver{m: m, e: e}, true
}

// Label returns the diagnostic label of a live stream.
func (m *Manager) Label(id core.StreamID) (string, bool) {
	e, _ := m.lookup(id)
	if e == nil {
		return "", false
	}
	return e.label, true
}

// Buffered returns the number of chunks waiting on a live stream.
func (m *Manager) Buffered(id core.StreamID) int {
	e, _ := m.lookup(id)
	if e == nil {
		return 0
	}
	return len(e.ch)
}

// Len returns the number of live streams.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// CloseAll closes every live stream.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	live := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		live = append(live, e)
	}
	m.mu.Unlock()
	for _, e := range live {
		e.close()
	}
}

// Receiver is the exclusive read side of one stream.
type Receiver struct {
	m *Manager
	e *entry
}

// ID returns the stream id.
func (r *Receiver) ID() core.StreamID { return r.e.id }

// Label returns the stream's diagnostic label.
func (r *Receiver) Label() string { return r.e.label }

// Read behaves like Manager.ReadChunk for the taken stream.
func (r *Receiver) Read(ctx context.Context) (core.Chunk, error) {
	return r.m.read(ctx, r.e)
}

// Cancel abandons the stream. Writers observe ErrClosed.
func (r *Receiver) Cancel() {
	r.e.close()
	r.e.ended.Store(true)
	r.m.remove(r.e)
}
