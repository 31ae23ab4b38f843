// Package runtime owns one engine and bridges it to the background
// scheduler. Script code only ever runs on the goroutine that calls
// Evaluate and ProcessCallbacks; everything asynchronous happens in the
// scheduler and comes back as plain data.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"

	"github.com/cryguy/openworker/internal/callbacks"
	"github.com/cryguy/openworker/internal/core"
	"github.com/cryguy/openworker/internal/eventloop"
	"github.com/cryguy/openworker/internal/mailbox"
	"github.com/cryguy/openworker/internal/streams"
)

var (
	// ErrClosed is returned by every method once Close was called.
	ErrClosed = errors.New("runtime closed")
	// ErrExecutionTimeout is returned when the watchdog interrupted a
	// synchronous evaluation. The runtime is unusable afterwards.
	ErrExecutionTimeout = errors.New("execution timed out")
)

// Options configures a Runtime.
type Options struct {
	Limits core.EngineConfig
	// Fetcher serves script fetches. Nil makes every fetch fail.
	Fetcher eventloop.Fetcher
}

// Runtime is the engine-owning side of the bridge. It is not safe for
// concurrent use.
type Runtime struct {
	ctx    context.Context
	engine core.Engine
	limits core.EngineConfig

	registry *callbacks.Registry
	streams  *streams.Manager
	outbound *mailbox.Mailbox[core.SchedulerMessage]
	inbound  *mailbox.Mailbox[core.CallbackMessage]

	schedDone chan error
	dead      atomic.Bool
	timedOut  atomic.Bool
	closeOnce sync.Once

	invocations metric.Int64Counter
}

// New installs the native bindings on engine and starts the scheduler.
// The runtime takes ownership of engine and closes it in Close. ctx
// carries the logger and bounds the scheduler.
func New(ctx context.Context, engine core.Engine, opts Options) (*Runtime, error) {
	limits := opts.Limits.Normalize()
	r := &Runtime{
		ctx:       ctx,
		engine:    engine,
		limits:    limits,
		registry:  callbacks.New(),
		streams:   streams.NewManager(limits.StreamCapacity),
		outbound:  mailbox.New[core.SchedulerMessage](),
		inbound:   mailbox.New[core.CallbackMessage](),
		schedDone: make(chan error, 1),
	}
	r.invocations, _ = otel.Meter("github.com/cryguy/openworker/internal/runtime").Int64Counter(
		"openworker.callbacks",
		metric.WithDescription("Script callbacks invoked from scheduler completions"),
	)

	if err := r.install(); err != nil {
		return nil, fmt.Errorf("installing runtime bindings: %w", err)
	}

	sched := eventloop.New(r.outbound, r.inbound, r.streams, opts.Fetcher)
	go func() { r.schedDone <- sched.Run(ctx) }()
	return r, nil
}

// Engine exposes the underlying engine for glue that installs its own
// natives. It must only be used from the owning goroutine.
func (r *Runtime) Engine() core.Engine { return r.engine }

// Streams returns the stream manager shared with the scheduler.
func (r *Runtime) Streams() *streams.Manager { return r.streams }

// Limits returns the normalized limits the runtime was built with.
func (r *Runtime) Limits() core.EngineConfig { return r.limits }

// Ready is signalled whenever a completion is queued.
func (r *Runtime) Ready() <-chan struct{} { return r.inbound.Ready() }

// Pending returns the number of queued completions.
func (r *Runtime) Pending() int { return r.inbound.Len() }

// Callbacks returns the number of callables still registered.
func (r *Runtime) Callbacks() int { return r.registry.Len() }

// Evaluate runs source to completion, microtasks included, then hands any
// requests the script queued to the scheduler.
func (r *Runtime) Evaluate(source string) error {
	return r.guard(func() error {
		if err := r.engine.Eval(source); err != nil {
			return err
		}
		r.settle()
		return nil
	})
}

// EvaluateString is Evaluate returning the completion value as a string.
func (r *Runtime) EvaluateString(source string) (string, error) {
	var out string
	err := r.guard(func() error {
		var err error
		if out, err = r.engine.EvalString(source); err != nil {
			return err
		}
		r.settle()
		return nil
	})
	return out, err
}

// EvaluateInt is Evaluate returning the completion value as an int.
func (r *Runtime) EvaluateInt(source string) (int, error) {
	var out int
	err := r.guard(func() error {
		var err error
		out, err = r.engine.EvalInt(source)
		return err
	})
	return out, err
}

// EvaluateBool is Evaluate returning the completion value as a bool.
func (r *Runtime) EvaluateBool(source string) (bool, error) {
	var out bool
	err := r.guard(func() error {
		var err error
		out, err = r.engine.EvalBool(source)
		return err
	})
	return out, err
}

// ReadBytes takes the binary global name staged by script code.
func (r *Runtime) ReadBytes(name string) ([]byte, error) {
	if err := r.usable(); err != nil {
		return nil, err
	}
	return r.engine.ReadBinaryFromJS(name)
}

// Stage assigns v to globalThis[name].
func (r *Runtime) Stage(name string, v core.Value) error {
	return r.guard(func() error {
		st := stager{bt: r.engine, prefix: "__stage_" + name + "_"}
		expr, err := st.expr(v)
		if err != nil {
			return err
		}
		return r.engine.Eval(fmt.Sprintf("globalThis[%s] = %s;", jsQuote(name), expr))
	})
}

// ProcessCallbacks delivers every completion queued right now and returns
// how many it handled. It never blocks. A callable that throws is logged
// and the drain continues.
func (r *Runtime) ProcessCallbacks() int {
	if r.usable() != nil {
		return 0
	}
	n := r.inbound.Len()
	handled := 0
	for range n {
		msg, ok := r.inbound.TryPop()
		if !ok {
			break
		}
		handled++
		if err := r.deliver(msg); err != nil {
			fields := []log.Fielder{log.KV{K: "msg", V: "callback failed"}, log.KV{K: "callback", V: uint64(msg.Callback())}}
			var se *ScriptError
			if errors.As(err, &se) && se.Stack != "" {
				fields = append(fields, log.KV{K: "stack", V: se.Stack})
			}
			log.Error(r.ctx, err, fields...)
			if errors.Is(err, ErrExecutionTimeout) {
				break
			}
		}
	}
	return handled
}

// ClearTimer cancels a timeout or interval. The registry entry and the
// script-side slot are dropped and the scheduler task is cancelled, so a
// tick already in flight finds nothing to call.
func (r *Runtime) ClearTimer(id core.CallbackID) error {
	if err := r.usable(); err != nil {
		return err
	}
	r.clear(id)
	return r.guard(func() error {
		return r.engine.Eval(fmt.Sprintf("__callbackDrop(%d);", id))
	})
}

// Close stops the scheduler, closes every stream and releases the engine.
func (r *Runtime) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.outbound.Push(core.Shutdown{})
		r.outbound.Close()
		select {
		case err = <-r.schedDone:
		case <-time.After(5 * time.Second):
			err = errors.New("scheduler did not stop")
		}
		r.inbound.Close()
		r.streams.CloseAll()
		r.registry.Reset()
		r.dead.Store(true)
		r.engine.Close()
	})
	return err
}

func (r *Runtime) usable() error {
	switch {
	case r.dead.Load():
		return ErrClosed
	case r.timedOut.Load():
		return ErrExecutionTimeout
	}
	return nil
}

// guard runs fn under the execution watchdog. When the watchdog fires the
// engine is interrupted and every later call fails.
func (r *Runtime) guard(fn func() error) (err error) {
	if err := r.usable(); err != nil {
		return err
	}
	timeout := time.Duration(r.limits.ExecutionTimeout) * time.Millisecond
	var fired atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		fired.Store(true)
		r.engine.Interrupt()
	})
	defer func() {
		watchdog.Stop()
		if p := recover(); p != nil {
			err = fmt.Errorf("engine panic: %v", p)
		}
		if fired.Load() {
			r.timedOut.Store(true)
			err = fmt.Errorf("%w (limit: %v)", ErrExecutionTimeout, timeout)
		}
	}()
	return fn()
}

// maxSettleRounds bounds how often settle re-runs microtasks after a
// stream flush woke waiting pipes.
const maxSettleRounds = 64

// settle pumps microtasks and hands queued script requests to the
// scheduler. Called after every evaluation and invocation. Pipes woken by
// a flush get to produce their next chunk within the same call until the
// streams fill up or nothing moves.
func (r *Runtime) settle() {
	for range maxSettleRounds {
		r.engine.RunMicrotasks()
		if err := r.flushFetches(); err != nil {
			log.Error(r.ctx, err, log.KV{K: "msg", V: "flushing fetch requests"})
		}
		moved, err := r.flushStreams()
		if err != nil {
			log.Error(r.ctx, err, log.KV{K: "msg", V: "flushing stream writes"})
			return
		}
		if !moved {
			return
		}
	}
}

// Flush retries stream writes that found their channel full. The worker
// calls it while draining piped bodies.
func (r *Runtime) Flush() {
	if r.usable() != nil {
		return
	}
	_ = r.guard(func() error {
		r.settle()
		return nil
	})
}

func (r *Runtime) clear(id core.CallbackID) {
	r.registry.Clear(id)
	r.outbound.Push(core.ClearTimer{ID: id})
}

func (r *Runtime) deliver(msg core.CallbackMessage) error {
	var (
		fn   core.Callable
		ok   bool
		args []core.Value
		kind string
	)
	switch m := msg.(type) {
	case core.ExecuteTimeout:
		kind = "timeout"
		fn, ok = r.registry.Take(m.ID)
	case core.ExecuteInterval:
		kind = "interval"
		if r.registry.IsActiveInterval(m.ID) {
			fn, ok = r.registry.Peek(m.ID)
		}
	case core.FetchStreamingSuccess:
		kind = "fetch"
		fn, ok = r.registry.Take(m.ID)
		if !ok {
			r.outbound.Push(core.StreamCancel{Stream: m.Stream})
			return nil
		}
		args = []core.Value{core.Bool(true), core.MetaValue(m.Meta), core.Int(int64(m.Stream))}
	case core.FetchError:
		kind = "fetch"
		fn, ok = r.registry.Take(m.ID)
		args = []core.Value{core.Bool(false), core.String(m.Message)}
	case core.StreamChunk:
		kind = "stream"
		fn, ok = r.registry.Take(m.ID)
		args = chunkArgs(m.Chunk)
	default:
		return fmt.Errorf("unknown completion %T", msg)
	}
	if !ok {
		log.Debug(r.ctx, log.KV{K: "msg", V: "stale completion"}, log.KV{K: "kind", V: kind}, log.KV{K: "callback", V: uint64(msg.Callback())})
		return nil
	}
	if r.invocations != nil {
		r.invocations.Add(r.ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
	return fn.Call(args)
}

func chunkArgs(c core.Chunk) []core.Value {
	switch c.Kind {
	case core.ChunkData:
		return []core.Value{core.String("data"), core.Bytes(c.Data)}
	case core.ChunkError:
		return []core.Value{core.String("error"), core.String(c.Err)}
	default:
		return []core.Value{core.String("done")}
	}
}
