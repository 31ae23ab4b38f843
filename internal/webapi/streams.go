package webapi

import (
	"github.com/cryguy/openworker/internal/core"
)

// streamsJS is a pull-based ReadableStream plus the two native bridges:
// __createNativeStream wraps a native stream id for script reads, and
// __pipeToNative copies a script stream into a fresh native stream through
// the runtime's write queue.
const streamsJS = `(function() {
class ReadableStream {
	constructor(source) {
		var self = this;
		this._source = source || {};
		this._queue = [];
		this._closed = false;
		this._errored = null;
		this._pulling = false;
		this._waiters = [];
		this._locked = false;
		this._controller = {
			enqueue: function(chunk) {
				if (self._closed) throw new TypeError("enqueue on a closed stream");
				self._queue.push(chunk);
				self._wake();
			},
			close: function() { self._closed = true; self._wake(); },
			error: function(e) { self._errored = e || new TypeError("stream errored"); self._wake(); },
			get desiredSize() { return 1 - self._queue.length; }
		};
		this._started = Promise.resolve().then(function() {
			if (typeof self._source.start === "function") return self._source.start(self._controller);
		}).catch(function(e) { self._controller.error(e); });
	}

	get locked() { return this._locked; }

	_wake() {
		var ws = this._waiters;
		this._waiters = [];
		for (var i = 0; i < ws.length; i++) ws[i]();
	}

	async _read() {
		await this._started;
		for (;;) {
			if (this._queue.length) return { value: this._queue.shift(), done: false };
			if (this._errored) throw this._errored;
			if (this._closed) return { value: undefined, done: true };
			if (typeof this._source.pull === "function" && !this._pulling) {
				this._pulling = true;
				try {
					await this._source.pull(this._controller);
				} catch (e) {
					this._controller.error(e);
				} finally {
					this._pulling = false;
					this._wake();
				}
				continue;
			}
			var self = this;
			await new Promise(function(resolve) { self._waiters.push(resolve); });
		}
	}

	getReader() {
		if (this._locked) throw new TypeError("ReadableStream is locked");
		this._locked = true;
		this._nativeStreamId = undefined;
		var s = this;
		return {
			read: function() { return s._read(); },
			releaseLock: function() { s._locked = false; },
			cancel: function(reason) { return s.cancel(reason); }
		};
	}

	cancel(reason) {
		this._closed = true;
		this._queue = [];
		this._wake();
		if (typeof this._source.cancel === "function") {
			try {
				return Promise.resolve(this._source.cancel(reason));
			} catch (e) {
				return Promise.reject(e);
			}
		}
		return Promise.resolve();
	}

	[Symbol.asyncIterator]() {
		var r = this.getReader();
		return {
			next: function() { return r.read(); },
			return: function() { r.releaseLock(); return Promise.resolve({ value: undefined, done: true }); }
		};
	}
}
globalThis.ReadableStream = ReadableStream;

globalThis.__createNativeStream = function(sid) {
	var rs = new ReadableStream({
		pull: function(c) {
			return new Promise(function(resolve) {
				__stream_read(__callbackRegister(function(kind, data) {
					if (kind === "data") c.enqueue(data);
					else if (kind === "error") c.error(new TypeError(data));
					else c.close();
					resolve();
				}), sid);
			});
		},
		cancel: function() { __stream_cancel(sid); }
	});
	rs._nativeStreamId = sid;
	return rs;
};

globalThis.__pipesActive = 0;

globalThis.__pipeToNative = function(rs, label) {
	if (rs._nativeStreamId !== undefined && !rs._locked) {
		rs._locked = true;
		return rs._nativeStreamId;
	}
	var sid = __stream_create(label || "script");
	var reader = rs.getReader();
	var aborted = false;
	__streamAborts[sid] = function(reason) {
		aborted = true;
		reader.cancel(reason).catch(function() {});
	};
	__pipesActive++;
	(async function() {
		try {
			for (;;) {
				var r = await reader.read();
				if (aborted) return;
				if (r.done) {
					__streamEnqueue(sid, "done");
					return;
				}
				__streamEnqueue(sid, "data", __toBytes(r.value));
				while (!aborted && __streamPending(sid) > 0) await __streamWaitDrain();
			}
		} catch (e) {
			if (!aborted) __streamEnqueue(sid, "error", (e && e.message) ? e.message : String(e));
		} finally {
			__pipesActive--;
			delete __streamAborts[sid];
		}
	})();
	return sid;
};
})();`

// SetupStreams installs ReadableStream and the native stream bridges.
func SetupStreams(rt core.JSRuntime) error {
	return rt.Eval(streamsJS)
}
