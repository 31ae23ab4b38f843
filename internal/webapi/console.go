package webapi

import (
	"context"
	"errors"

	"goa.design/clue/log"

	"github.com/cryguy/openworker/internal/core"
)

// LogSink receives every console line a script writes.
type LogSink func(level, message string)

const consoleJS = `(function() {
function format(arg) {
	if (typeof arg === "string") return arg;
	if (arg instanceof Error) return arg.stack ? String(arg.stack) : arg.name + ": " + arg.message;
	if (typeof arg === "object" && arg !== null) {
		try { return JSON.stringify(arg); } catch (e) { return String(arg); }
	}
	return String(arg);
}
var con = {};
["log", "info", "warn", "error", "debug"].forEach(function(level) {
	con[level] = function() {
		var parts = [];
		for (var i = 0; i < arguments.length; i++) parts.push(format(arguments[i]));
		__console(level, parts.join(" "));
	};
});
con.trace = con.debug;
con.assert = function(cond) {
	if (cond) return;
	var rest = Array.prototype.slice.call(arguments, 1);
	con.error.apply(null, ["Assertion failed"].concat(rest));
};
globalThis.console = con;
})();`

// SetupConsole routes console output to the structured logger in ctx and,
// when sink is set, to sink.
func SetupConsole(ctx context.Context, rt core.JSRuntime, sink LogSink) error {
	if err := rt.RegisterFunc("__console", func(level, message string) {
		source := log.KV{K: "console", V: level}
		switch level {
		case "error":
			log.Error(ctx, errors.New(message), source)
		case "warn":
			log.Warn(ctx, log.KV{K: "msg", V: message}, source)
		case "debug":
			log.Debug(ctx, log.KV{K: "msg", V: message}, source)
		default:
			log.Info(ctx, log.KV{K: "msg", V: message}, source)
		}
		if sink != nil {
			sink(level, message)
		}
	}); err != nil {
		return err
	}
	return rt.Eval(consoleJS)
}
