package webapi

import (
	"github.com/cryguy/openworker/internal/core"
)

// httpJS implements Headers, Request and Response. Bodies are either
// buffered bytes or a ReadableStream; a stream that came from a native
// fetch keeps its _nativeStreamId so a proxied body can be forwarded
// without passing through the engine.
const httpJS = `(function() {
var TOKEN = /^[!#$%&'*+\-.^_` + "`" + `|~0-9A-Za-z]+$/;

function normName(name) {
	name = String(name);
	if (!TOKEN.test(name)) throw new TypeError("invalid header name: " + name);
	return name.toLowerCase();
}

function normValue(value) {
	value = String(value).replace(/^[\t\n\r ]+|[\t\n\r ]+$/g, "");
	if (/[\r\n\0]/.test(value)) throw new TypeError("invalid header value");
	return value;
}

class Headers {
	constructor(init) {
		this._list = [];
		if (init === undefined || init === null) return;
		if (init instanceof Headers) {
			for (var i = 0; i < init._list.length; i++) this._list.push(init._list[i].slice());
		} else if (Array.isArray(init)) {
			for (var j = 0; j < init.length; j++) {
				if (init[j].length !== 2) throw new TypeError("header pairs must have two items");
				this.append(init[j][0], init[j][1]);
			}
		} else if (typeof init === "object") {
			var keys = Object.keys(init);
			for (var k = 0; k < keys.length; k++) this.append(keys[k], init[keys[k]]);
		}
	}
	append(name, value) { this._list.push([normName(name), normValue(value)]); }
	set(name, value) {
		name = normName(name);
		this.delete(name);
		this._list.push([name, normValue(value)]);
	}
	delete(name) {
		name = normName(name);
		this._list = this._list.filter(function(p) { return p[0] !== name; });
	}
	get(name) {
		name = normName(name);
		var vals = this._list.filter(function(p) { return p[0] === name; }).map(function(p) { return p[1]; });
		return vals.length ? vals.join(", ") : null;
	}
	has(name) { return this.get(name) !== null; }
	_sorted() {
		var names = [];
		for (var i = 0; i < this._list.length; i++) if (names.indexOf(this._list[i][0]) < 0) names.push(this._list[i][0]);
		names.sort();
		var self = this;
		return names.map(function(n) { return [n, self.get(n)]; });
	}
	forEach(fn, thisArg) {
		var pairs = this._sorted();
		for (var i = 0; i < pairs.length; i++) fn.call(thisArg, pairs[i][1], pairs[i][0], this);
	}
	entries() { return this._sorted()[Symbol.iterator](); }
	keys() { return this._sorted().map(function(p) { return p[0]; })[Symbol.iterator](); }
	values() { return this._sorted().map(function(p) { return p[1]; })[Symbol.iterator](); }
	[Symbol.iterator]() { return this.entries(); }
}
globalThis.Headers = Headers;

function initBody(obj, body, headers) {
	obj._bodyUsed = false;
	obj._bytes = null;
	obj._stream = null;
	obj._nativeStreamId = undefined;
	if (body === null || body === undefined) return;
	if (body instanceof ReadableStream) {
		obj._stream = body;
		obj._nativeStreamId = body._nativeStreamId;
		return;
	}
	if (body instanceof URLSearchParams) {
		if (!headers.has("content-type")) headers.set("content-type", "application/x-www-form-urlencoded;charset=UTF-8");
		body = body.toString();
	} else if (typeof body === "string") {
		if (!headers.has("content-type")) headers.set("content-type", "text/plain;charset=UTF-8");
	}
	obj._bytes = __toBytes(body);
}

async function consume(obj) {
	if (obj._bodyUsed) throw new TypeError("Body has already been used");
	obj._bodyUsed = true;
	if (obj._bytes) return obj._bytes;
	if (!obj._stream) return new Uint8Array(0);
	obj._nativeStreamId = undefined;
	var reader = obj._stream.getReader();
	var parts = [];
	var total = 0;
	for (;;) {
		var r = await reader.read();
		if (r.done) break;
		var b = __toBytes(r.value);
		parts.push(b);
		total += b.length;
	}
	var out = new Uint8Array(total);
	var off = 0;
	for (var i = 0; i < parts.length; i++) {
		out.set(parts[i], off);
		off += parts[i].length;
	}
	return out;
}
globalThis.__consumeBody = consume;

var bodyMethods = {
	arrayBuffer: function() { return consume(this).then(function(b) { return b.slice().buffer; }); },
	bytes: function() { return consume(this).then(function(b) { return b.slice(); }); },
	text: function() { return consume(this).then(__utf8Decode); },
	json: function() { return this.text().then(JSON.parse); },
	_getRawBody: function() { return this._bytes; }
};

function mixBody(cls) {
	Object.keys(bodyMethods).forEach(function(k) { cls.prototype[k] = bodyMethods[k]; });
	Object.defineProperty(cls.prototype, "bodyUsed", { get: function() { return this._bodyUsed; } });
	Object.defineProperty(cls.prototype, "body", {
		get: function() {
			if (this._stream) return this._stream;
			if (!this._bytes) return null;
			var bytes = this._bytes;
			this._stream = new ReadableStream({
				start: function(c) {
					if (bytes.length) c.enqueue(bytes);
					c.close();
				}
			});
			this._bytes = null;
			return this._stream;
		}
	});
}

class Request {
	constructor(input, init) {
		init = init || {};
		var base = input instanceof Request ? input : null;
		this.url = base ? base.url : String(input);
		this.method = String(init.method || (base ? base.method : "GET")).toUpperCase();
		this.headers = new Headers(init.headers !== undefined ? init.headers : (base ? base.headers : undefined));
		this.redirect = init.redirect || "follow";
		var body = init.body !== undefined ? init.body : (base ? (base._bytes || base._stream) : null);
		if (body !== null && body !== undefined && (this.method === "GET" || this.method === "HEAD")) {
			throw new TypeError("Request with GET/HEAD method cannot have body");
		}
		initBody(this, body, this.headers);
	}
	clone() {
		if (this._stream) throw new TypeError("cannot clone a streaming Request");
		return new Request(this);
	}
}
mixBody(Request);
globalThis.Request = Request;

class Response {
	constructor(body, init) {
		init = init || {};
		var status = init.status === undefined ? 200 : Number(init.status);
		if (!(status >= 200 && status <= 599)) throw new RangeError("invalid status " + init.status);
		this.status = status;
		this.statusText = init.statusText === undefined ? "" : String(init.statusText);
		this.headers = new Headers(init.headers);
		this.type = "default";
		this.redirected = false;
		this._url = "";
		initBody(this, body, this.headers);
	}
	get ok() { return this.status >= 200 && this.status < 300; }
	get url() { return this._url; }
	clone() {
		if (this._stream) throw new TypeError("cannot clone a streaming Response");
		return new Response(this._bytes, this);
	}
	static json(data, init) {
		var r = new Response(JSON.stringify(data), init);
		r.headers.set("content-type", "application/json");
		return r;
	}
	static redirect(url, status) {
		status = status || 302;
		if ([301, 302, 303, 307, 308].indexOf(status) < 0) throw new RangeError("invalid redirect status " + status);
		return new Response(null, { status: status, headers: { location: String(url) } });
	}
}
mixBody(Response);
globalThis.Response = Response;
})();`

// SetupHTTP installs Headers, Request and Response.
func SetupHTTP(rt core.JSRuntime) error {
	return rt.Eval(httpJS)
}
