package webapi

import (
	"github.com/cryguy/openworker/internal/core"
)

// eventsJS wires addEventListener and the module handlers to the two
// triggers the worker calls. __triggerFetch leaves the final Response in
// __lastResponse; __triggerScheduled records its outcome in
// __scheduledState.
const eventsJS = `(function() {
var listeners = { fetch: [], scheduled: [] };

globalThis.addEventListener = function(type, fn) {
	if (typeof fn !== "function") return;
	if (!listeners[type]) listeners[type] = [];
	listeners[type].push(fn);
};
globalThis.removeEventListener = function(type, fn) {
	if (!listeners[type]) return;
	listeners[type] = listeners[type].filter(function(f) { return f !== fn; });
};

function describe(e) {
	return (e && e.message !== undefined) ? String(e.message) : String(e);
}

globalThis.__waitUntilPending = 0;
function waitUntil(p) {
	__waitUntilPending++;
	Promise.resolve(p).then(done, function(e) {
		console.error("waitUntil rejected: " + describe(e));
		done();
	});
	function done() { __waitUntilPending--; }
}

// Each fetch dispatch bumps generation. A promise left over from an earlier
// dispatch that settles late must not become the current response.
var generation = 0;

function responder(gen) {
	function current() { return gen === generation; }
	function settle(v) {
		if (!current()) return;
		globalThis.__lastResponse = (v instanceof Response) ? v : new Response(v === undefined ? null : String(v));
	}
	function fail(prefix, e) {
		console.error(prefix + describe(e));
		if (!current()) return;
		globalThis.__lastResponse = new Response(prefix + describe(e), { status: 500 });
	}
	function respond(r) {
		if (r && typeof r.then === "function") {
			r.then(settle, function(e) { fail("Promise rejected: ", e); });
		} else {
			settle(r);
		}
	}
	return { respond: respond, fail: fail };
}

globalThis.__abandonFetch = function() {
	generation++;
	globalThis.__lastResponse = null;
};

function moduleHandler(name) {
	var mod = globalThis.__worker_module__;
	return (mod && typeof mod[name] === "function") ? mod : null;
}

globalThis.__triggerFetch = function(init) {
	var out = responder(++generation);
	var respond = out.respond, fail = out.fail;
	globalThis.__lastResponse = null;
	var mod = moduleHandler("fetch");
	if (listeners.fetch.length === 0 && !mod) throw new Error("No fetch handler registered");
	var request = new Request(init.url, {
		method: init.method,
		headers: init.headers,
		body: (init.body && init.body.length && init.method !== "GET" && init.method !== "HEAD") ? init.body : null
	});
	if (listeners.fetch.length === 0) {
		var ctx = { waitUntil: waitUntil, passThroughOnException: function() {} };
		try {
			respond(mod.fetch(request, globalThis.__env || {}, ctx));
		} catch (e) {
			fail("Handler exception: ", e);
		}
		return;
	}
	var responded = false;
	var event = {
		type: "fetch",
		request: request,
		respondWith: function(r) {
			if (responded) throw new Error("respondWith already called");
			responded = true;
			respond(r);
		},
		waitUntil: waitUntil,
		passThroughOnException: function() {}
	};
	var fns = listeners.fetch.slice();
	for (var i = 0; i < fns.length && !responded; i++) {
		try {
			fns[i].call(globalThis, event);
		} catch (e) {
			responded = true;
			fail("Handler exception: ", e);
		}
	}
};

globalThis.__triggerScheduled = function(init) {
	var mod = moduleHandler("scheduled");
	if (listeners.scheduled.length === 0 && !mod) throw new Error("No scheduled handler registered");
	var state = { done: false, error: "", stack: "" };
	globalThis.__scheduledState = state;
	var pending = [];
	var event = {
		type: "scheduled",
		scheduledTime: init.scheduledTime,
		cron: init.cron,
		payload: init.payload,
		attempt: init.attempt,
		waitUntil: function(p) { pending.push(Promise.resolve(p)); }
	};
	var runs;
	if (listeners.scheduled.length) {
		runs = listeners.scheduled.map(function(fn) {
			return Promise.resolve().then(function() { return fn.call(globalThis, event); });
		});
	} else {
		runs = [Promise.resolve().then(function() {
			return mod.scheduled(event, globalThis.__env || {}, { waitUntil: event.waitUntil });
		})];
	}
	Promise.all(runs).then(function() {
		return Promise.all(pending);
	}).then(function() {
		state.done = true;
	}, function(e) {
		state.error = describe(e) || "scheduled handler failed";
		state.stack = (e && e.stack) ? String(e.stack) : "";
		state.done = true;
	});
};
})();`

// SetupEvents installs addEventListener and the fetch and scheduled
// triggers.
func SetupEvents(rt core.JSRuntime) error {
	return rt.Eval(eventsJS)
}
