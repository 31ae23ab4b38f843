// Package eventloop runs the background scheduler that owns every timer,
// outbound fetch and stream read requested by a script. It never touches
// the engine: requests arrive as core.SchedulerMessage values and results
// leave as core.CallbackMessage values.
package eventloop

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/cryguy/openworker/internal/core"
	"github.com/cryguy/openworker/internal/fetch"
	"github.com/cryguy/openworker/internal/mailbox"
	"github.com/cryguy/openworker/internal/streams"
)

// MinInterval is the shortest interval period. Shorter periods are raised
// to it.
const MinInterval = 10 * time.Millisecond

// bodyReadSize is the buffer used when pumping a response body.
const bodyReadSize = 32 * 1024

// Fetcher performs outbound requests. *fetch.Client implements it.
type Fetcher interface {
	Do(ctx context.Context, req core.Request) (*fetch.Response, error)
}

// Scheduler consumes SchedulerMessages and spawns one goroutine per timer,
// interval, fetch or stream read. Each goroutine is cancellable on its own.
type Scheduler struct {
	inbox   *mailbox.Mailbox[core.SchedulerMessage]
	outbox  *mailbox.Mailbox[core.CallbackMessage]
	streams *streams.Manager
	fetcher Fetcher

	mu    sync.Mutex
	tasks map[core.CallbackID]*task
	pumps map[core.StreamID]context.CancelFunc
	wg    sync.WaitGroup
}

type task struct {
	cancel   context.CancelFunc
	detached bool // ownership of cancel moved to a body pump
}

// New returns a scheduler reading requests from inbox and writing
// completions to outbox.
func New(inbox *mailbox.Mailbox[core.SchedulerMessage], outbox *mailbox.Mailbox[core.CallbackMessage], sm *streams.Manager, f Fetcher) *Scheduler {
	return &Scheduler{
		inbox:   inbox,
		outbox:  outbox,
		streams: sm,
		fetcher: f,
		tasks:   make(map[core.CallbackID]*task),
		pumps:   make(map[core.StreamID]context.CancelFunc),
	}
}

// Run processes messages until Shutdown is received, the inbox is closed
// or ctx ends. Every spawned task is cancelled and awaited before it
// returns.
func (s *Scheduler) Run(ctx context.Context) error {
	root, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.cancelAll()
		s.wg.Wait()
	}()

	for {
		msg, err := s.inbox.Pop(root)
		if err != nil {
			if errors.Is(err, mailbox.ErrClosed) {
				return nil
			}
			return err
		}
		switch m := msg.(type) {
		case core.ScheduleTimeout:
			s.scheduleTimeout(root, m)
		case core.ScheduleInterval:
			s.scheduleInterval(root, m)
		case core.ClearTimer:
			s.clear(m.ID)
		case core.FetchStreaming:
			s.fetchStreaming(root, m)
		case core.StreamRead:
			s.streamRead(root, m)
		case core.StreamCancel:
			s.streamCancel(m.Stream)
		case core.Shutdown:
			log.Debug(ctx, log.KV{K: "msg", V: "scheduler shutdown"})
			return nil
		default:
			log.Warn(ctx, log.KV{K: "msg", V: "unknown scheduler message"})
		}
	}
}

// Pending returns the number of running tasks, body pumps excluded.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) spawn(parent context.Context, id core.CallbackID, fn func(ctx context.Context, t *task)) {
	ctx, cancel := context.WithCancel(parent)
	t := &task{cancel: cancel}

	s.mu.Lock()
	if old, ok := s.tasks[id]; ok {
		old.cancel()
	}
	s.tasks[id] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(id, t)
		fn(ctx, t)
	}()
}

func (s *Scheduler) finish(id core.CallbackID, t *task) {
	s.mu.Lock()
	if cur, ok := s.tasks[id]; ok && cur == t {
		delete(s.tasks, id)
	}
	detached := t.detached
	s.mu.Unlock()
	if !detached {
		t.cancel()
	}
}

// emit queues a completion unless the task was cancelled. The check and the
// push happen under the same lock clear uses, so nothing is queued for an
// id after its ClearTimer was processed.
func (s *Scheduler) emit(ctx context.Context, msg core.CallbackMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	return s.outbox.Push(msg)
}

// emitTick queues an interval tick, coalescing with a tick that is still
// waiting to be delivered. It reports false once the outbox is closed.
func (s *Scheduler) emitTick(ctx context.Context, id core.CallbackID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	if s.outbox.PushUnique(uint64(id), core.ExecuteInterval{ID: id}) {
		return true
	}
	return !s.outbox.Closed()
}

func (s *Scheduler) clear(id core.CallbackID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		delete(s.tasks, id)
		t.cancel()
	}
}

func (s *Scheduler) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		t.cancel()
		delete(s.tasks, id)
	}
	for sid, cancel := range s.pumps {
		cancel()
		delete(s.pumps, sid)
	}
}

func (s *Scheduler) scheduleTimeout(root context.Context, m core.ScheduleTimeout) {
	delay := max(m.Delay, 0)
	s.spawn(root, m.ID, func(ctx context.Context, _ *task) {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.emit(ctx, core.ExecuteTimeout{ID: m.ID})
		case <-ctx.Done():
		}
	})
}

func (s *Scheduler) scheduleInterval(root context.Context, m core.ScheduleInterval) {
	period := max(m.Period, MinInterval)
	s.spawn(root, m.ID, func(ctx context.Context, _ *task) {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !s.emitTick(ctx, m.ID) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})
}

func (s *Scheduler) fetchStreaming(root context.Context, m core.FetchStreaming) {
	s.spawn(root, m.ID, func(ctx context.Context, t *task) {
		if s.fetcher == nil {
			s.emit(ctx, core.FetchError{ID: m.ID, Message: "fetch is not available"})
			return
		}
		resp, err := s.fetcher.Do(ctx, m.Request)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug(ctx, log.KV{K: "msg", V: "fetch failed"}, log.KV{K: "url", V: m.Request.URL}, log.KV{K: "err", V: err.Error()})
			}
			s.emit(ctx, core.FetchError{ID: m.ID, Message: err.Error()})
			return
		}

		sid := s.streams.CreateStream(resp.URL)
		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			_ = resp.Body.Close()
			s.streams.Cancel(sid)
			return
		}
		t.detached = true
		s.pumps[sid] = t.cancel
		s.mu.Unlock()

		s.wg.Add(1)
		go s.pump(ctx, sid, resp.Body)

		s.emit(ctx, core.FetchStreamingSuccess{ID: m.ID, Meta: resp.Meta, Stream: sid})
	})
}

// pump copies body into the stream until EOF, a read error or
// cancellation. Each WriteChunk suspends while the reader lags behind.
func (s *Scheduler) pump(ctx context.Context, sid core.StreamID, body io.ReadCloser) {
	defer s.wg.Done()
	defer func() {
		_ = body.Close()
		s.mu.Lock()
		if cancel, ok := s.pumps[sid]; ok {
			delete(s.pumps, sid)
			cancel()
		}
		s.mu.Unlock()
	}()

	buf := make([]byte, bodyReadSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := s.streams.WriteChunk(ctx, sid, core.DataChunk(chunk)); werr != nil {
				return
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			_ = s.streams.WriteChunk(ctx, sid, core.DoneChunk())
			return
		default:
			if ctx.Err() != nil {
				s.streams.CloseStream(sid)
				return
			}
			_ = s.streams.WriteChunk(ctx, sid, core.ErrorChunk(err.Error()))
			return
		}
	}
}

func (s *Scheduler) streamRead(root context.Context, m core.StreamRead) {
	s.spawn(root, m.ID, func(ctx context.Context, _ *task) {
		c, err := s.streams.ReadChunk(ctx, m.Stream)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c = core.ErrorChunk(err.Error())
		}
		s.emit(ctx, core.StreamChunk{ID: m.ID, Chunk: c})
	})
}

func (s *Scheduler) streamCancel(sid core.StreamID) {
	s.streams.Cancel(sid)
	s.mu.Lock()
	cancel, ok := s.pumps[sid]
	delete(s.pumps, sid)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}
