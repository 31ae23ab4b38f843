package runtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/cryguy/openworker/internal/core"
)

// bridgeJS keeps the script-side half of the callable table and the two
// request queues Go drains after every evaluation. Natives never evaluate
// script themselves, so anything that needs to read values back out of the
// engine is queued here instead.
const bridgeJS = `(function() {
var slots = Object.create(null);

globalThis.__callbackRegister = function(fn, repeat) {
	if (typeof fn !== "function") throw new TypeError("callback must be a function");
	var id = __cb_alloc();
	slots[id] = { fn: fn, repeat: !!repeat };
	return id;
};

globalThis.__callbackDrop = function(id) {
	delete slots[id];
};

globalThis.__callbackInvoke = function(id, args) {
	var s = slots[id];
	if (!s) return "";
	if (!s.repeat) delete slots[id];
	try {
		s.fn.apply(undefined, args);
		return "";
	} catch (e) {
		globalThis.__cb_last_stack = (e && e.stack) ? String(e.stack) : "";
		var msg = (e && e.message !== undefined) ? String(e.message) : String(e);
		return msg || "uncaught exception";
	}
};

globalThis.__takeBytes = function(name) {
	var buf = globalThis[name];
	delete globalThis[name];
	return new Uint8Array(buf);
};

globalThis.__toTransfer = function(u8) {
	if (__binaryMode === "sab") {
		var sab = new SharedArrayBuffer(u8.byteLength);
		new Uint8Array(sab).set(u8);
		return sab;
	}
	return u8.slice().buffer;
};

var fetches = [];
globalThis.__fetchOutbox = fetches;

globalThis.__fetchTake = function() {
	var f = fetches.shift();
	delete globalThis.__tmp_fetch_body;
	if (!f) {
		delete globalThis.__tmp_fetch_method;
		delete globalThis.__tmp_fetch_url;
		delete globalThis.__tmp_fetch_headers;
		return 0;
	}
	globalThis.__tmp_fetch_method = String(f.method || "GET");
	globalThis.__tmp_fetch_url = String(f.url);
	var lines = [];
	for (var i = 0; i < (f.headers || []).length; i++) {
		lines.push(f.headers[i][0] + ": " + f.headers[i][1]);
	}
	globalThis.__tmp_fetch_headers = lines.join("\n");
	if (f.body && f.body.byteLength > 0) globalThis.__tmp_fetch_body = __toTransfer(f.body);
	return f.id;
};

var writes = [];
var waiters = [];
globalThis.__streamOutbox = writes;

globalThis.__streamEnqueue = function(sid, kind, data) {
	writes.push({ sid: sid, kind: kind, data: data });
};

globalThis.__streamPeek = function() {
	var w = writes[0];
	if (!w) return "";
	globalThis.__tmp_stream_sid = w.sid;
	if (w.kind === "data") globalThis.__tmp_stream_chunk = __toTransfer(w.data);
	if (w.kind === "error") globalThis.__tmp_stream_error = String(w.data);
	return w.kind;
};

globalThis.__streamShift = function() {
	writes.shift();
	delete globalThis.__tmp_stream_chunk;
	delete globalThis.__tmp_stream_error;
};

globalThis.__streamPending = function(sid) {
	var n = 0;
	for (var i = 0; i < writes.length; i++) if (writes[i].sid === sid) n++;
	return n;
};

globalThis.__streamWaitDrain = function() {
	return new Promise(function(resolve) { waiters.push(resolve); });
};

globalThis.__streamDrained = function() {
	var ws = waiters;
	waiters = [];
	for (var i = 0; i < ws.length; i++) ws[i]();
};

globalThis.__streamAborts = Object.create(null);
globalThis.__streamAbort = function(sid, reason) {
	for (var i = writes.length - 1; i >= 0; i--) if (writes[i].sid === sid) writes.splice(i, 1);
	var fn = __streamAborts[sid];
	delete __streamAborts[sid];
	if (fn) fn(reason);
	__streamDrained();
};
})();`

// install registers the natives and evaluates the bridge script.
func (r *Runtime) install() error {
	natives := []struct {
		name string
		fn   any
	}{
		{"__cb_alloc", r.nativeAlloc},
		{"__schedule_timeout", r.nativeScheduleTimeout},
		{"__schedule_interval", r.nativeScheduleInterval},
		{"__clear_timer", r.nativeClearTimer},
		{"__stream_create", r.nativeStreamCreate},
		{"__stream_read", r.nativeStreamRead},
		{"__stream_cancel", r.nativeStreamCancel},
	}
	for _, n := range natives {
		if err := r.engine.RegisterFunc(n.name, n.fn); err != nil {
			return fmt.Errorf("registering %s: %w", n.name, err)
		}
	}
	if err := r.engine.SetGlobal("__binaryMode", r.engine.BinaryMode()); err != nil {
		return err
	}
	return r.engine.Eval(bridgeJS)
}

func (r *Runtime) nativeAlloc() int {
	id := r.registry.Allocate()
	r.registry.Register(id, &jsCallable{rt: r, id: id})
	return int(id)
}

func (r *Runtime) nativeScheduleTimeout(id int, ms int) {
	r.outbound.Push(core.ScheduleTimeout{ID: core.CallbackID(id), Delay: time.Duration(max(ms, 0)) * time.Millisecond})
}

func (r *Runtime) nativeScheduleInterval(id int, ms int) {
	cid := core.CallbackID(id)
	r.registry.MarkInterval(cid)
	r.outbound.Push(core.ScheduleInterval{ID: cid, Period: time.Duration(max(ms, 0)) * time.Millisecond})
}

func (r *Runtime) nativeClearTimer(id int) {
	if id > 0 {
		r.clear(core.CallbackID(id))
	}
}

func (r *Runtime) nativeStreamCreate(label string) int {
	return int(r.streams.CreateStream(label))
}

func (r *Runtime) nativeStreamRead(id int, sid int) {
	r.outbound.Push(core.StreamRead{ID: core.CallbackID(id), Stream: core.StreamID(sid)})
}

func (r *Runtime) nativeStreamCancel(sid int) {
	r.outbound.Push(core.StreamCancel{Stream: core.StreamID(sid)})
}

// jsCallable is the Go handle for a function held in the script-side
// callable table.
type jsCallable struct {
	rt *Runtime
	id core.CallbackID
}

func (c *jsCallable) Call(args []core.Value) error {
	r := c.rt
	return r.guard(func() error {
		st := stager{bt: r.engine, prefix: fmt.Sprintf("__cb%d_", c.id)}
		parts := make([]string, len(args))
		for i, a := range args {
			expr, err := st.expr(a)
			if err != nil {
				return fmt.Errorf("staging argument %d: %w", i, err)
			}
			parts[i] = expr
		}
		msg, err := r.engine.EvalString(fmt.Sprintf("__callbackInvoke(%d, [%s])", c.id, strings.Join(parts, ", ")))
		if err == nil && msg != "" {
			stack, _ := r.engine.EvalString(`(function() { var s = globalThis.__cb_last_stack || ""; delete globalThis.__cb_last_stack; return s; })()`)
			err = &ScriptError{Callback: c.id, Message: msg, Stack: stack}
		}
		r.settle()
		return err
	})
}

// ScriptError is an exception thrown by a script callable.
type ScriptError struct {
	Callback core.CallbackID
	Message  string
	Stack    string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("callback %d: %s", e.Callback, e.Message)
}
