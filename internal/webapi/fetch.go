package webapi

import (
	"github.com/cryguy/openworker/internal/core"
)

// fetchJS queues requests on __fetchOutbox. The runtime drains the queue
// after the current evaluation and resolves the promise once response
// headers arrive; the body streams from the native side on demand.
const fetchJS = `(function() {
function send(req, body, resolve, reject) {
	var headers = [];
	req.headers.forEach(function(v, k) { headers.push([k, v]); });
	var id = __callbackRegister(function(ok, meta, sid) {
		if (!ok) {
			reject(new TypeError("fetch failed: " + meta));
			return;
		}
		var h = new Headers();
		for (var i = 0; i < meta.headers.length; i++) h.append(meta.headers[i][0], meta.headers[i][1]);
		var body = null;
		if (req.method === "HEAD" || meta.status === 204 || meta.status === 304) {
			__stream_cancel(sid);
		} else {
			body = __createNativeStream(sid);
		}
		var resp;
		try {
			resp = new Response(body, { status: meta.status, statusText: meta.statusText, headers: h });
		} catch (e) {
			__stream_cancel(sid);
			reject(e);
			return;
		}
		resp._url = req.url;
		resolve(resp);
	});
	__fetchOutbox.push({ id: id, method: req.method, url: req.url, headers: headers, body: body });
}

globalThis.fetch = function(input, init) {
	return new Promise(function(resolve, reject) {
		var req = new Request(input, init);
		if (!/^https?:\/\//i.test(req.url)) throw new TypeError("fetch: unsupported URL " + req.url);
		if (req._bytes || req._stream) {
			__consumeBody(req).then(function(b) { send(req, b, resolve, reject); }, reject);
		} else {
			send(req, null, resolve, reject);
		}
	});
};
})();`

// SetupFetch installs the global fetch function.
func SetupFetch(rt core.JSRuntime) error {
	return rt.Eval(fetchJS)
}
