package eventloop

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/openworker/internal/core"
	"github.com/cryguy/openworker/internal/fetch"
	"github.com/cryguy/openworker/internal/mailbox"
	"github.com/cryguy/openworker/internal/streams"
)

type harness struct {
	inbox   *mailbox.Mailbox[core.SchedulerMessage]
	outbox  *mailbox.Mailbox[core.CallbackMessage]
	streams *streams.Manager
	sched   *Scheduler
	done    chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		inbox:   mailbox.New[core.SchedulerMessage](),
		outbox:  mailbox.New[core.CallbackMessage](),
		streams: streams.NewManager(4),
		done:    make(chan error, 1),
	}
	h.sched = New(h.inbox, h.outbox, h.streams, fetch.New(fetch.Options{AllowPrivate: true, Timeout: 5 * time.Second}))
	go func() { h.done <- h.sched.Run(context.Background()) }()
	t.Cleanup(func() {
		h.inbox.Push(core.Shutdown{})
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
	return h
}

func (h *harness) next(t *testing.T, within time.Duration) core.CallbackMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	msg, err := h.outbox.Pop(ctx)
	require.NoError(t, err, "no completion within %v", within)
	return msg
}

func (h *harness) none(t *testing.T, during time.Duration) {
	t.Helper()
	time.Sleep(during)
	msg, ok := h.outbox.TryPop()
	assert.False(t, ok, "unexpected completion %#v", msg)
}

func TestTimeoutsFireInDelayOrder(t *testing.T) {
	h := newHarness(t)
	h.inbox.Push(core.ScheduleTimeout{ID: 1, Delay: 50 * time.Millisecond})
	h.inbox.Push(core.ScheduleTimeout{ID: 2, Delay: 10 * time.Millisecond})

	first := h.next(t, time.Second)
	second := h.next(t, time.Second)
	assert.Equal(t, core.ExecuteTimeout{ID: 2}, first)
	assert.Equal(t, core.ExecuteTimeout{ID: 1}, second)
}

func TestClearTimerCancelsAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.inbox.Push(core.ScheduleTimeout{ID: 7, Delay: 30 * time.Millisecond})
	h.inbox.Push(core.ClearTimer{ID: 7})
	h.inbox.Push(core.ClearTimer{ID: 7})
	h.inbox.Push(core.ClearTimer{ID: 999})
	h.none(t, 80*time.Millisecond)
	assert.Zero(t, h.sched.Pending())
}

func TestIntervalTicksUntilCleared(t *testing.T) {
	h := newHarness(t)
	h.inbox.Push(core.ScheduleInterval{ID: 3, Period: 15 * time.Millisecond})

	for i := 0; i < 3; i++ {
		assert.Equal(t, core.ExecuteInterval{ID: 3}, h.next(t, time.Second))
	}
	h.inbox.Push(core.ClearTimer{ID: 3})
	require.Eventually(t, func() bool { return h.sched.Pending() == 0 }, time.Second, time.Millisecond)

	// At most one tick raced with the clear.
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, h.outbox.Len(), 1)
}

func TestIntervalBacklogIsCoalesced(t *testing.T) {
	h := newHarness(t)
	h.inbox.Push(core.ScheduleInterval{ID: 4, Period: MinInterval})
	time.Sleep(12 * MinInterval)
	assert.Equal(t, 1, h.outbox.Len(), "undelivered ticks must coalesce")
	h.inbox.Push(core.ClearTimer{ID: 4})
}

func TestFetchStreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Kind", "stream")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(strings.Repeat("a", 100)))
	}))
	defer srv.Close()

	h := newHarness(t)
	h.inbox.Push(core.FetchStreaming{ID: 10, Request: core.Request{Method: "GET", URL: srv.URL}})

	msg := h.next(t, 2*time.Second)
	ok, isOK := msg.(core.FetchStreamingSuccess)
	require.True(t, isOK, "got %#v", msg)
	assert.Equal(t, core.CallbackID(10), ok.ID)
	assert.Equal(t, 202, ok.Meta.Status)
	assert.Equal(t, "stream", ok.Meta.Get("x-kind"))

	var body []byte
	for id := core.CallbackID(11); ; id++ {
		h.inbox.Push(core.StreamRead{ID: id, Stream: ok.Stream})
		sc, isChunk := h.next(t, 2*time.Second).(core.StreamChunk)
		require.True(t, isChunk)
		require.Equal(t, id, sc.ID)
		if sc.Chunk.Terminal() {
			require.Equal(t, core.ChunkDone, sc.Chunk.Kind)
			break
		}
		body = append(body, sc.Chunk.Data...)
	}
	assert.Equal(t, strings.Repeat("a", 100), string(body))
}

func TestFetchErrorIsReported(t *testing.T) {
	h := newHarness(t)
	h.inbox.Push(core.FetchStreaming{ID: 5, Request: core.Request{Method: "GET", URL: "http://127.0.0.1:1/"}})
	msg := h.next(t, 5*time.Second)
	fe, ok := msg.(core.FetchError)
	require.True(t, ok, "got %#v", msg)
	assert.Equal(t, core.CallbackID(5), fe.ID)
	assert.NotEmpty(t, fe.Message)
}

func TestStreamReadOfUnknownStreamIsErrorChunk(t *testing.T) {
	h := newHarness(t)
	h.inbox.Push(core.StreamRead{ID: 1, Stream: 77})
	sc, ok := h.next(t, time.Second).(core.StreamChunk)
	require.True(t, ok)
	assert.Equal(t, core.ChunkError, sc.Chunk.Kind)
}

func TestStreamCancelWakesReader(t *testing.T) {
	h := newHarness(t)
	sid := h.streams.CreateStream("local")
	h.inbox.Push(core.StreamRead{ID: 1, Stream: sid})
	time.Sleep(10 * time.Millisecond)
	h.inbox.Push(core.StreamCancel{Stream: sid})
	sc, ok := h.next(t, time.Second).(core.StreamChunk)
	require.True(t, ok)
	assert.Equal(t, core.ChunkDone, sc.Chunk.Kind)
}

func TestShutdownCancelsEverything(t *testing.T) {
	inbox := mailbox.New[core.SchedulerMessage]()
	outbox := mailbox.New[core.CallbackMessage]()
	s := New(inbox, outbox, streams.NewManager(4), nil)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	inbox.Push(core.ScheduleTimeout{ID: 1, Delay: time.Hour})
	inbox.Push(core.ScheduleInterval{ID: 2, Period: time.Hour})
	inbox.Push(core.Shutdown{})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	assert.Zero(t, s.Pending())
	assert.Zero(t, outbox.Len())
}
