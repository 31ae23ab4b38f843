package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/openworker/internal/core"
	"github.com/cryguy/openworker/internal/fetch"
)

func newRuntime(t *testing.T, limits core.EngineConfig) *Runtime {
	t.Helper()
	rt, err := New(context.Background(), newEngine(t), Options{
		Limits:  limits,
		Fetcher: fetch.New(fetch.Options{AllowPrivate: true, Timeout: 5 * time.Second}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

// pumpUntil drives ProcessCallbacks until cond evaluates to true.
func pumpUntil(t *testing.T, rt *Runtime, within time.Duration, cond string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		rt.ProcessCallbacks()
		ok, err := rt.EvaluateBool(cond)
		require.NoError(t, err)
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("%s still false after %v", cond, within)
}

func TestTimeoutsRunInDelayOrder(t *testing.T) {
	rt := newRuntime(t, core.EngineConfig{})
	require.NoError(t, rt.Evaluate(`
		globalThis.order = [];
		__schedule_timeout(__callbackRegister(function() { order.push("A"); }), 50);
		__schedule_timeout(__callbackRegister(function() { order.push("B"); }), 10);
	`))
	pumpUntil(t, rt, 2*time.Second, "order.length === 2")

	got, err := rt.EvaluateString(`order.join(",")`)
	require.NoError(t, err)
	assert.Equal(t, "B,A", got)
	assert.Zero(t, rt.Callbacks())
}

func TestClearTimerSuppressesDelivery(t *testing.T) {
	rt := newRuntime(t, core.EngineConfig{})
	id, err := rt.EvaluateInt(`
		globalThis.fired = false;
		var id = __callbackRegister(function() { fired = true; });
		__schedule_timeout(id, 20);
		id;
	`)
	require.NoError(t, err)

	require.NoError(t, rt.ClearTimer(core.CallbackID(id)))
	require.NoError(t, rt.ClearTimer(core.CallbackID(id)))
	require.NoError(t, rt.ClearTimer(9999))

	time.Sleep(60 * time.Millisecond)
	rt.ProcessCallbacks()
	fired, err := rt.EvaluateBool("fired")
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestIntervalStopsAfterClear(t *testing.T) {
	rt := newRuntime(t, core.EngineConfig{})
	require.NoError(t, rt.Evaluate(`
		globalThis.ticks = 0;
		globalThis.iv = __callbackRegister(function() { ticks++; }, true);
		__schedule_interval(iv, 10);
	`))
	pumpUntil(t, rt, 2*time.Second, "ticks >= 3")

	require.NoError(t, rt.Evaluate(`__callbackDrop(iv); __clear_timer(iv); globalThis.atClear = ticks;`))
	time.Sleep(50 * time.Millisecond)
	rt.ProcessCallbacks()
	extra, err := rt.EvaluateInt("ticks - atClear")
	require.NoError(t, err)
	assert.Zero(t, extra)
}

func TestThrowingCallbackDoesNotStopDrain(t *testing.T) {
	rt := newRuntime(t, core.EngineConfig{})
	require.NoError(t, rt.Evaluate(`
		globalThis.after = false;
		__schedule_timeout(__callbackRegister(function() { throw new Error("boom"); }), 0);
		__schedule_timeout(__callbackRegister(function() { after = true; }), 0);
	`))
	pumpUntil(t, rt, 2*time.Second, "after")
}

func TestCallableErrorCarriesMessage(t *testing.T) {
	rt := newRuntime(t, core.EngineConfig{})
	id, err := rt.EvaluateInt(`__callbackRegister(function(x) { throw new TypeError("bad " + x); })`)
	require.NoError(t, err)

	fn, ok := rt.registry.Take(core.CallbackID(id))
	require.True(t, ok)
	err = fn.Call([]core.Value{core.String("input")})
	var se *ScriptError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, "bad input", se.Message)
}

func TestStageBuildsStructuredValues(t *testing.T) {
	rt := newRuntime(t, core.EngineConfig{})
	v := core.Object(
		core.F("s", core.String("a\"b\n c")),
		core.F("n", core.Int(-3)),
		core.F("b", core.Bytes([]byte{1, 2, 3})),
		core.F("arr", core.Array(core.Null(), core.Bool(true), core.Undefined())),
	)
	require.NoError(t, rt.Stage("staged", v))

	got, err := rt.EvaluateString(`[
		staged.s === "a\"b\n c",
		staged.n,
		staged.b instanceof Uint8Array,
		staged.b.length,
		staged.b[2],
		staged.arr[0] === null,
		staged.arr[1],
		staged.arr[2] === undefined
	].join("|")`)
	require.NoError(t, err)
	assert.Equal(t, "true|-3|true|3|3|true|true|true", got)
}

func TestFetchDeliversMetaAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Echo", r.Header.Get("X-Echo"))
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	defer srv.Close()

	rt := newRuntime(t, core.EngineConfig{})
	require.NoError(t, rt.Stage("target", core.String(srv.URL)))
	require.NoError(t, rt.Evaluate(`
		globalThis.result = { body: "", end: "" };
		function readAll(sid) {
			__stream_read(__callbackRegister(function(kind, data) {
				if (kind === "data") {
					result.body += String.fromCharCode.apply(null, data);
					readAll(sid);
				} else {
					result.end = kind;
				}
			}), sid);
		}
		__fetchOutbox.push({
			id: __callbackRegister(function(ok, meta, sid) {
				result.ok = ok;
				result.status = meta.status;
				result.headers = meta.headers;
				readAll(sid);
			}),
			method: "POST",
			url: target,
			headers: [["x-echo", "hello"]],
			body: new Uint8Array([104, 105])
		});
	`))
	pumpUntil(t, rt, 3*time.Second, `result.end !== ""`)

	got, err := rt.EvaluateString(`(function() {
		var h = {};
		result.headers.forEach(function(p) { h[p[0]] = p[1]; });
		return [result.ok, result.status, h["x-method"], h["x-echo"], result.body, result.end].join("|");
	})()`)
	require.NoError(t, err)
	assert.Equal(t, "true|418|POST|hello|short and stout|done", got)
}

func TestFetchFailureRejects(t *testing.T) {
	rt := newRuntime(t, core.EngineConfig{})
	require.NoError(t, rt.Evaluate(`
		globalThis.outcome = null;
		__fetchOutbox.push({
			id: __callbackRegister(function(ok, msg) { outcome = { ok: ok, msg: msg }; }),
			method: "GET",
			url: "http://127.0.0.1:1/",
			headers: []
		});
	`))
	pumpUntil(t, rt, 5*time.Second, "outcome !== null")
	ok, err := rt.EvaluateBool("outcome.ok === false && outcome.msg.length > 0")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScriptWritesReachNativeStream(t *testing.T) {
	rt := newRuntime(t, core.EngineConfig{})
	sid, err := rt.EvaluateInt(`
		var sid = __stream_create("local");
		__streamEnqueue(sid, "data", new Uint8Array([104, 101, 108, 108, 111]));
		__streamEnqueue(sid, "done");
		sid;
	`)
	require.NoError(t, err)
	rt.Flush()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := rt.Streams().ReadChunk(ctx, core.StreamID(sid))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(c.Data))
	c, err = rt.Streams().ReadChunk(ctx, core.StreamID(sid))
	require.NoError(t, err)
	assert.Equal(t, core.ChunkDone, c.Kind)
	assert.Zero(t, rt.PendingWrites())
}

func TestFullStreamKeepsWritesQueued(t *testing.T) {
	rt := newRuntime(t, core.EngineConfig{StreamCapacity: 2})
	sid, err := rt.EvaluateInt(`
		var sid = __stream_create("local");
		for (var i = 0; i < 5; i++) __streamEnqueue(sid, "data", new Uint8Array([i]));
		__streamEnqueue(sid, "done");
		sid;
	`)
	require.NoError(t, err)
	assert.Equal(t, 2, rt.Streams().Buffered(core.StreamID(sid)))
	assert.Equal(t, 4, rt.PendingWrites())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []byte
	for {
		c, err := rt.Streams().ReadChunk(ctx, core.StreamID(sid))
		require.NoError(t, err)
		if c.Terminal() {
			break
		}
		got = append(got, c.Data...)
		rt.Flush()
	}
	assert.Equal(t, []byte{0, 1, 2, 3, 4}, got)
}

func TestWatchdogInterruptsRunawayScript(t *testing.T) {
	rt := newRuntime(t, core.EngineConfig{ExecutionTimeout: 100})
	err := rt.Evaluate(`for (;;) {}`)
	require.ErrorIs(t, err, ErrExecutionTimeout)
	require.ErrorIs(t, rt.Evaluate(`1`), ErrExecutionTimeout)
	assert.Zero(t, rt.ProcessCallbacks())
}

func TestClosedRuntimeRejectsWork(t *testing.T) {
	rt := newRuntime(t, core.EngineConfig{})
	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())
	assert.ErrorIs(t, rt.Evaluate(`1`), ErrClosed)
	assert.ErrorIs(t, rt.ClearTimer(1), ErrClosed)
}

func TestTimeoutsDeliverAtMostOnce(t *testing.T) {
	rt := newRuntime(t, core.EngineConfig{})
	require.NoError(t, rt.Evaluate(`globalThis.hits = Object.create(null);`))

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 15
	properties := gopter.NewProperties(params)
	properties.Property("each timeout fires at most once", prop.ForAll(
		func(delays []uint8, clearEvery uint8) bool {
			if err := rt.Evaluate(`hits = Object.create(null); globalThis.ids = [];`); err != nil {
				return false
			}
			for i, d := range delays {
				id, err := rt.EvaluateInt(`(function() {
					var id = __callbackRegister(function() { hits[id] = (hits[id] || 0) + 1; });
					ids.push(id);
					return id;
				})()`)
				if err != nil {
					return false
				}
				if err := rt.Evaluate(`__schedule_timeout(` + itoa(id) + `, ` + itoa(int(d%8)) + `)`); err != nil {
					return false
				}
				if clearEvery > 0 && i%int(clearEvery) == 0 {
					_ = rt.ClearTimer(core.CallbackID(id))
				}
			}
			deadline := time.Now().Add(time.Second)
			for time.Now().Before(deadline) {
				rt.ProcessCallbacks()
				time.Sleep(time.Millisecond)
			}
			for _, id := range idsOf(rt) {
				_ = rt.ClearTimer(core.CallbackID(id))
			}
			rt.ProcessCallbacks()
			over, err := rt.EvaluateInt(`ids.filter(function(id) { return (hits[id] || 0) > 1; }).length`)
			return err == nil && over == 0
		},
		gen.SliceOfN(6, gen.UInt8()),
		gen.UInt8Range(0, 3),
	))
	properties.TestingRun(t)
}

func idsOf(rt *Runtime) []int {
	n, err := rt.EvaluateInt("ids.length")
	if err != nil {
		return nil
	}
	out := make([]int, 0, n)
	for i := range n {
		id, err := rt.EvaluateInt("ids[" + itoa(i) + "]")
		if err == nil {
			out = append(out, id)
		}
	}
	return out
}

func TestJSQuote(t *testing.T) {
	assert.Equal(t, `"plain"`, jsQuote("plain"))
	assert.Equal(t, `"a\"b\\c\n\t\u0001"`, jsQuote("a\"b\\c\n\t\x01"))
	assert.Equal(t, `"\u2028\u2029"`, jsQuote("\u2028\u2029"))
	assert.Equal(t, `"héllo"`, jsQuote("héllo"))
}

func TestParseHeaderLines(t *testing.T) {
	got := parseHeaderLines("a: 1\nb: two: parts\na: 3\nbogus")
	assert.Equal(t, map[string]string{"a": "1, 3", "b": "two: parts"}, got)
	assert.Nil(t, parseHeaderLines(""))
}

func itoa(i int) string { return strconv.Itoa(i) }
