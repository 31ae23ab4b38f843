package worker

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cryguy/openworker/internal/core"
)

// Header is one response or request header. Order is preserved and names
// may repeat.
type Header = core.Header

// Request is the inbound request of a fetch event.
type Request struct {
	Method  string
	URL     string
	Headers []Header
	Body    []byte
}

// TaskInit is the payload of a scheduled task event.
type TaskInit struct {
	ScheduledTime time.Time
	Cron          string
	Payload       string
	Attempt       int
}

// Kind tells fetch events from task events.
type Kind int

const (
	KindFetch Kind = iota
	KindTask
)

func (k Kind) String() string {
	if k == KindTask {
		return "task"
	}
	return "fetch"
}

// Termination is how an Exec call ended.
type Termination int

const (
	// Success means the handler completed. A fetch handler that threw still
	// succeeds with a 500 response.
	Success Termination = iota
	// Exception means the handler could not run or failed.
	Exception
)

func (t Termination) String() string {
	if t == Exception {
		return "exception"
	}
	return "success"
}

// Event is one unit of work dispatched to a worker. Its init data can be
// consumed once; the outcome is published on a single-use buffered
// channel.
type Event struct {
	ID   string
	kind Kind

	mu       sync.Mutex
	request  *Request
	task     *TaskInit
	response chan *Response
	result   chan Termination
}

var (
	idMu      sync.Mutex
	idEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// newEventID returns a time-ordered ULID. The shared monotonic source keeps
// ids sortable within one millisecond.
func newEventID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}

// NewFetchEvent wraps req in a fetch event.
func NewFetchEvent(req Request) *Event {
	if req.Method == "" {
		req.Method = "GET"
	}
	return &Event{
		ID:       newEventID(),
		kind:     KindFetch,
		request:  &req,
		response: make(chan *Response, 1),
	}
}

// NewTaskEvent wraps init in a scheduled task event.
func NewTaskEvent(init TaskInit) *Event {
	if init.ScheduledTime.IsZero() {
		init.ScheduledTime = time.Now()
	}
	if init.Attempt <= 0 {
		init.Attempt = 1
	}
	return &Event{
		ID:     newEventID(),
		kind:   KindTask,
		task:   &init,
		result: make(chan Termination, 1),
	}
}

// Kind returns the event kind.
func (e *Event) Kind() Kind { return e.kind }

// Response receives the response of a fetch event. It is nil for tasks.
func (e *Event) Response() <-chan *Response { return e.response }

// Result receives the termination of a task event. It is nil for fetch
// events.
func (e *Event) Result() <-chan Termination { return e.result }

func (e *Event) takeRequest() (Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.request == nil {
		return Request{}, ErrAlreadyConsumed
	}
	r := *e.request
	e.request = nil
	return r, nil
}

func (e *Event) takeTask() (TaskInit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task == nil {
		return TaskInit{}, ErrAlreadyConsumed
	}
	t := *e.task
	e.task = nil
	return t, nil
}

func (e *Event) respond(r *Response) {
	select {
	case e.response <- r:
	default:
	}
}

func (e *Event) finish(t Termination) {
	select {
	case e.result <- t:
	default:
	}
}
