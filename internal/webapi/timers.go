package webapi

import (
	"github.com/cryguy/openworker/internal/core"
)

// timersJS builds setTimeout and friends on the runtime's callable table.
// Ids are callback ids, so clearing drops the script slot, the registry
// entry and the scheduler task together.
const timersJS = `(function() {
var live = Object.create(null);
var MAX_DELAY = 2147483647;

function schedule(fn, ms, args, repeat) {
	if (typeof fn !== "function") return 0;
	var id = __callbackRegister(function() {
		if (!repeat) delete live[id];
		fn.apply(globalThis, args);
	}, repeat);
	live[id] = true;
	ms = Math.floor(Number(ms) || 0);
	if (ms < 0) ms = 0;
	if (ms > MAX_DELAY) ms = MAX_DELAY;
	if (repeat) __schedule_interval(id, ms); else __schedule_timeout(id, ms);
	return id;
}

globalThis.setTimeout = function(fn, ms) {
	return schedule(fn, ms, Array.prototype.slice.call(arguments, 2), false);
};
globalThis.setInterval = function(fn, ms) {
	return schedule(fn, ms, Array.prototype.slice.call(arguments, 2), true);
};
globalThis.clearTimeout = globalThis.clearInterval = function(id) {
	if (typeof id !== "number" || !live[id]) return;
	delete live[id];
	__callbackDrop(id);
	__clear_timer(id);
};
globalThis.queueMicrotask = function(fn) {
	if (typeof fn !== "function") throw new TypeError("queueMicrotask requires a function");
	Promise.resolve().then(function() { fn(); });
};
globalThis.__timersActive = function() { return Object.keys(live).length; };
})();`

// SetupTimers installs setTimeout, setInterval, their clear functions and
// queueMicrotask.
func SetupTimers(rt core.JSRuntime) error {
	return rt.Eval(timersJS)
}
