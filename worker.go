// Package worker runs JavaScript workers on an embedded engine. A Worker
// owns one engine and its background scheduler; fetch and task events are
// dispatched to the script's handlers and their results handed back as
// plain Go values.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/cryguy/openworker/internal/core"
	"github.com/cryguy/openworker/internal/fetch"
	"github.com/cryguy/openworker/internal/runtime"
	"github.com/cryguy/openworker/internal/streams"
	"github.com/cryguy/openworker/internal/webapi"
)

var (
	// ErrAlreadyConsumed is returned when an Event is dispatched twice.
	ErrAlreadyConsumed = errors.New("already consumed")
	// ErrResponseTimeout is returned when a handler produced no result
	// within the poll budget.
	ErrResponseTimeout = errors.New("response timeout")
	// ErrNoHandler is returned when the script registered no handler for
	// the event kind.
	ErrNoHandler = errors.New("no handler registered")
	// ErrClosed is returned once the worker was closed.
	ErrClosed = errors.New("worker closed")
	// ErrWrongKind is returned by ExecHTTP for task events.
	ErrWrongKind = errors.New("event kind not supported")
	// ErrResponseTooLarge is returned when a buffered body exceeds
	// MaxResponseBytes.
	ErrResponseTooLarge = errors.New("response body too large")
)

// HandlerError is an exception raised by a script handler.
type HandlerError struct {
	Message string
	Stack   string
}

func (e *HandlerError) Error() string { return "handler error: " + e.Message }

// Worker owns one engine loaded with one script. Exec and ExecHTTP may be
// called from any goroutine; dispatches are serialized.
type Worker struct {
	ctx    context.Context
	cfg    Config
	rt     *runtime.Runtime
	tel    *telemetry
	busy   chan struct{}
	closed chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New creates an engine, installs the web APIs and evaluates script. ctx
// carries the logger and bounds the worker's background work.
func New(ctx context.Context, script string, cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	source, err := webapi.WrapModule(script, cfg.ModuleDir)
	if err != nil {
		return nil, err
	}
	limits := cfg.limits()
	engine, err := newEngine(limits.MemoryLimitMB)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	rt, err := runtime.New(ctx, engine, runtime.Options{
		Limits:  limits,
		Fetcher: fetch.New(cfg.fetchOptions()),
	})
	if err != nil {
		engine.Close()
		return nil, err
	}
	w := &Worker{
		ctx:    ctx,
		cfg:    cfg,
		rt:     rt,
		tel:    newTelemetry(),
		busy:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	if err := w.load(source); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return w, nil
}

func (w *Worker) load(source string) error {
	var sink webapi.LogSink
	if w.cfg.LogSink != nil {
		sink = webapi.LogSink(w.cfg.LogSink)
	}
	if err := webapi.Setup(w.ctx, w.rt.Engine(), webapi.Options{Sink: sink}); err != nil {
		return fmt.Errorf("installing web APIs: %w", err)
	}
	if err := w.rt.Stage("__env", envValue(w.cfg.Vars)); err != nil {
		return fmt.Errorf("staging env: %w", err)
	}
	if err := w.rt.Evaluate(source); err != nil {
		return fmt.Errorf("evaluating worker script: %w", err)
	}
	return nil
}

func envValue(vars map[string]string) core.Value {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	fields := make([]core.Field, len(names))
	for i, k := range names {
		fields[i] = core.F(k, core.String(vars[k]))
	}
	return core.Object(fields...)
}

// acquire takes the dispatch slot. The slot is released by the caller or,
// after a fetch, by the drain goroutine.
func (w *Worker) acquire(ctx context.Context) error {
	select {
	case <-w.closed:
		return ErrClosed
	default:
	}
	select {
	case w.busy <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closed:
		return ErrClosed
	}
	select {
	case <-w.closed:
		w.release()
		return ErrClosed
	default:
		return nil
	}
}

func (w *Worker) release() { <-w.busy }

// Exec dispatches ev to the matching handler. Fetch responses are also
// published on ev.Response(); task outcomes on ev.Result().
func (w *Worker) Exec(ctx context.Context, ev *Event) (Termination, error) {
	if ev.Kind() == KindFetch {
		if _, err := w.ExecHTTP(ctx, ev); err != nil {
			return Exception, err
		}
		return Success, nil
	}

	init, err := ev.takeTask()
	if err != nil {
		return Exception, err
	}
	if err := w.acquire(ctx); err != nil {
		return Exception, err
	}
	defer w.release()

	ctx, end := w.tel.start(ctx, ev)
	term, err := w.runTask(ctx, init)
	end(err)
	if err != nil {
		log.Error(w.ctx, err, log.KV{K: "msg", V: "task failed"}, log.KV{K: "event", V: ev.ID})
	}
	ev.finish(term)
	return term, err
}

// ExecHTTP dispatches a fetch event and returns the response once the
// handler produced it. The response is also sent on ev.Response(). Piped
// bodies and waitUntil work keep running in the background; the next
// dispatch waits for them.
func (w *Worker) ExecHTTP(ctx context.Context, ev *Event) (*Response, error) {
	if ev.Kind() != KindFetch {
		return nil, fmt.Errorf("exec http: %w: %s", ErrWrongKind, ev.Kind())
	}
	req, err := ev.takeRequest()
	if err != nil {
		return nil, err
	}
	if err := w.acquire(ctx); err != nil {
		return nil, err
	}

	ctx, end := w.tel.start(ctx, ev)
	resp, err := w.runFetch(ctx, req)
	end(err)
	if err != nil {
		w.cleanup()
		w.release()
		return nil, err
	}
	ev.respond(resp)
	go func() {
		defer w.release()
		w.drain()
		w.cleanup()
	}()
	return resp, nil
}

func (w *Worker) runFetch(ctx context.Context, req Request) (*Response, error) {
	headers := make([]core.Value, 0, len(req.Headers))
	for _, h := range req.Headers {
		headers = append(headers, core.Array(core.String(h.Name), core.String(h.Value)))
	}
	init := core.Object(
		core.F("method", core.String(strings.ToUpper(req.Method))),
		core.F("url", core.String(req.URL)),
		core.F("headers", core.Array(headers...)),
		core.F("body", core.Bytes(req.Body)),
	)
	if err := w.rt.Stage("__fetch_init", init); err != nil {
		return nil, err
	}
	if err := w.rt.Evaluate("__triggerFetch(__fetch_init);"); err != nil {
		return nil, triggerError(err, "No fetch handler registered")
	}
	if err := w.poll(ctx, w.cfg.FetchPoll, func() (bool, error) {
		return w.rt.EvaluateBool("globalThis.__lastResponse != null")
	}); err != nil {
		return nil, err
	}
	return w.extract()
}

// extractJS reads __lastResponse into staging globals and reports the body
// shape: "native:<sid>", "bytes" or "empty".
const extractJS = `(function() {
	var r = globalThis.__lastResponse;
	globalThis.__lastResponse = null;
	globalThis.__resp_status = r.status || 200;
	var lines = [];
	r.headers.forEach(function(v, k) { lines.push(k + ": " + v); });
	globalThis.__resp_headers = lines.join("\n");
	if (r._bodyUsed) return "empty";
	if (r._stream) return "native:" + __pipeToNative(r._stream, "response");
	var raw = r._getRawBody();
	if (raw && raw.length) {
		globalThis.__resp_body = __toTransfer(raw);
		return "bytes";
	}
	return "empty";
})()`

func (w *Worker) extract() (*Response, error) {
	shape, err := w.rt.EvaluateString(extractJS)
	if err != nil {
		return nil, fmt.Errorf("extracting response: %w", err)
	}
	status, err := w.rt.EvaluateInt("__resp_status")
	if err != nil {
		return nil, err
	}
	raw, err := w.rt.EvaluateString("__resp_headers")
	if err != nil {
		return nil, err
	}
	resp := &Response{Status: status, Headers: parseHeaders(raw)}

	switch {
	case shape == "bytes":
		body, err := w.rt.ReadBytes("__resp_body")
		if err != nil {
			return nil, fmt.Errorf("reading response body: %w", err)
		}
		if limit := w.rt.Limits().MaxResponseBytes; len(body) > limit {
			return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrResponseTooLarge, len(body), limit)
		}
		resp.Body = body
	case strings.HasPrefix(shape, "native:"):
		sid, err := strconv.ParseUint(strings.TrimPrefix(shape, "native:"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad stream id %q: %w", shape, err)
		}
		recv, ok := w.rt.Streams().TakeReceiver(core.StreamID(sid))
		if !ok {
			return nil, fmt.Errorf("response stream %d: %w", sid, streams.ErrUnknownStream)
		}
		w.forward(resp, recv)
	}
	return resp, nil
}

// forward moves chunks from recv into resp.Stream until the stream ends,
// the caller closes the response or the worker stops.
func (w *Worker) forward(resp *Response, recv *streams.Receiver) {
	out := make(chan BodyChunk, w.cfg.BodyBuffer)
	ctx, cancel := context.WithCancel(w.ctx)
	resp.Stream = out
	resp.stop = cancel
	go func() {
		defer close(out)
		defer cancel()
		for {
			c, err := recv.Read(ctx)
			if err != nil {
				recv.Cancel()
				if ctx.Err() == nil {
					send(ctx, out, BodyChunk{Err: err})
				}
				return
			}
			switch c.Kind {
			case core.ChunkDone:
				return
			case core.ChunkError:
				send(ctx, out, BodyChunk{Err: errors.New(c.Err)})
				return
			}
			if !send(ctx, out, BodyChunk{Data: c.Data}) {
				recv.Cancel()
				return
			}
		}
	}()
}

func send(ctx context.Context, out chan<- BodyChunk, c BodyChunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func parseHeaders(raw string) []Header {
	if raw == "" {
		return nil
	}
	var out []Header
	for line := range strings.SplitSeq(raw, "\n") {
		name, value, ok := strings.Cut(line, ": ")
		if ok && name != "" {
			out = append(out, Header{Name: name, Value: value})
		}
	}
	return out
}

const busyJS = `__pipesActive > 0 || __streamOutbox.length > 0 || __waitUntilPending > 0`

// drain keeps callbacks flowing until piped bodies and waitUntil promises
// settle or DrainTimeout passes.
func (w *Worker) drain() {
	deadline := time.Now().Add(w.cfg.DrainTimeout)
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		w.rt.ProcessCallbacks()
		w.rt.Flush()
		busy, err := w.rt.EvaluateBool(busyJS)
		if err != nil || !busy {
			return
		}
		if time.Now().After(deadline) {
			log.Warn(w.ctx, log.KV{K: "msg", V: "drain timed out"}, log.KV{K: "timeout", V: w.cfg.DrainTimeout.String()})
			w.abortPipes("response drain timed out")
			return
		}
		select {
		case <-w.rt.Ready():
		case <-tick.C:
		case <-w.closed:
			return
		case <-w.ctx.Done():
			return
		}
	}
}

// abortPipes fails every script pipe still running and its native stream.
func (w *Worker) abortPipes(reason string) {
	ids, err := w.rt.EvaluateString(`Object.keys(__streamAborts).join(",")`)
	if err != nil || ids == "" {
		return
	}
	for _, s := range strings.Split(ids, ",") {
		sid, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			continue
		}
		id := core.StreamID(sid)
		if err := w.rt.Streams().TryWriteChunk(id, core.ErrorChunk(reason)); err != nil {
			w.rt.Streams().CloseStream(id)
		}
		_ = w.rt.Evaluate(fmt.Sprintf("__streamAbort(%d, %q)", sid, reason))
	}
}

// cleanupJS drops per-dispatch staging globals and detaches any fetch
// promise still pending so it cannot answer a later dispatch.
const cleanupJS = `(function() {
	if (typeof __abandonFetch === "function") __abandonFetch();
	var names = Object.getOwnPropertyNames(globalThis);
	for (var i = 0; i < names.length; i++) {
		var n = names[i];
		if (n.indexOf("__tmp_") === 0 || n.indexOf("__resp_") === 0 || n.indexOf("__stage_") === 0 ||
			n === "__fetch_init" || n === "__task_init") {
			try { delete globalThis[n]; } catch (e) {}
		}
	}
})();`

func (w *Worker) cleanup() {
	if err := w.rt.Evaluate(cleanupJS); err != nil && !errors.Is(err, runtime.ErrClosed) {
		log.Error(w.ctx, err, log.KV{K: "msg", V: "cleaning up globals"})
	}
}

func (w *Worker) runTask(ctx context.Context, t TaskInit) (Termination, error) {
	payload := core.Null()
	if t.Payload != "" {
		payload = core.String(t.Payload)
	}
	init := core.Object(
		core.F("scheduledTime", core.Int(t.ScheduledTime.UnixMilli())),
		core.F("cron", core.String(t.Cron)),
		core.F("payload", payload),
		core.F("attempt", core.Int(int64(t.Attempt))),
	)
	defer w.cleanup()
	if err := w.rt.Stage("__task_init", init); err != nil {
		return Exception, err
	}
	if err := w.rt.Evaluate("__triggerScheduled(__task_init);"); err != nil {
		return Exception, triggerError(err, "No scheduled handler registered")
	}
	if err := w.poll(ctx, w.cfg.TaskPoll, func() (bool, error) {
		return w.rt.EvaluateBool("__scheduledState.done")
	}); err != nil {
		return Exception, fmt.Errorf("scheduled task: %w", err)
	}
	msg, err := w.rt.EvaluateString("__scheduledState.error")
	if err != nil {
		return Exception, err
	}
	if msg != "" {
		stack, _ := w.rt.EvaluateString("__scheduledState.stack")
		return Exception, &HandlerError{Message: msg, Stack: stack}
	}
	return Success, nil
}

// triggerError classifies an exception thrown by a trigger function.
func triggerError(err error, noHandler string) error {
	switch {
	case errors.Is(err, runtime.ErrClosed):
		return ErrClosed
	case errors.Is(err, runtime.ErrExecutionTimeout):
		return err
	case strings.Contains(err.Error(), noHandler):
		return fmt.Errorf("%w: %s", ErrNoHandler, noHandler)
	}
	return &HandlerError{Message: err.Error()}
}

// Close stops the scheduler and releases the engine. A dispatch or drain
// still holding the worker stops at its next wait; Close gives it
// DrainTimeout plus one ExecutionTimeout to let go of the engine. The engine
// is never released under a running evaluation; past that bound it is
// released in the background once the holder returns.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		close(w.closed)
		bound := w.cfg.DrainTimeout + time.Duration(w.cfg.ExecutionTimeoutMs)*time.Millisecond
		timer := time.NewTimer(bound)
		defer timer.Stop()
		select {
		case w.busy <- struct{}{}:
			w.closeErr = w.rt.Close()
		case <-timer.C:
			log.Warn(w.ctx, log.KV{K: "msg", V: "closing busy worker"}, log.KV{K: "waited", V: bound.String()})
			go func() {
				w.busy <- struct{}{}
				if err := w.rt.Close(); err != nil {
					log.Error(w.ctx, err, log.KV{K: "msg", V: "closing engine"})
				}
			}()
		}
	})
	return w.closeErr
}
