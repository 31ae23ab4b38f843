package webapi

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/cryguy/openworker/internal/core"
)

// urlRecord is the JSON shape __parse_url hands to script.
type urlRecord struct {
	Href     string `json:"href"`
	Protocol string `json:"protocol"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Hostname string `json:"hostname"`
	Port     string `json:"port"`
	Pathname string `json:"pathname"`
	Search   string `json:"search"`
	Hash     string `json:"hash"`
	Origin   string `json:"origin"`
	Error    string `json:"error,omitempty"`
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
	"ftp":   "21",
}

// parseURL resolves raw against base (when non-empty) and splits the
// result into the URL components. Scheme and host are lowercased and a
// scheme's default port is dropped.
func parseURL(raw, base string) (urlRecord, error) {
	raw = strings.TrimSpace(raw)
	ref, err := url.Parse(raw)
	if err != nil {
		return urlRecord{}, fmt.Errorf("invalid URL: %q", raw)
	}
	u := ref
	if base != "" {
		b, err := url.Parse(strings.TrimSpace(base))
		if err != nil || b.Scheme == "" {
			return urlRecord{}, fmt.Errorf("invalid base URL: %q", base)
		}
		u = b.ResolveReference(ref)
	}
	if u.Scheme == "" {
		return urlRecord{}, fmt.Errorf("invalid URL: %q", raw)
	}

	scheme := strings.ToLower(u.Scheme)
	_, special := defaultPorts[scheme]
	hostname := strings.ToLower(u.Hostname())
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if special && hostname == "" {
		return urlRecord{}, fmt.Errorf("invalid URL: %q has no host", raw)
	}
	port := u.Port()
	if port == defaultPorts[scheme] {
		port = ""
	}
	host := hostname
	if port != "" {
		host += ":" + port
	}

	r := urlRecord{Protocol: scheme + ":", Hostname: hostname, Port: port, Host: host, Origin: "null"}
	if special {
		r.Origin = r.Protocol + "//" + host
	}
	if u.RawQuery != "" {
		r.Search = "?" + u.RawQuery
	}
	if f := u.EscapedFragment(); f != "" {
		r.Hash = "#" + f
	}

	if u.Opaque != "" {
		r.Pathname = u.Opaque
		r.Href = r.Protocol + r.Pathname + r.Search + r.Hash
		return r, nil
	}
	r.Pathname = u.EscapedPath()
	if r.Pathname == "" && (special || scheme == "file") {
		r.Pathname = "/"
	}
	userinfo := ""
	if u.User != nil {
		userinfo = u.User.String()
		r.Username, r.Password, _ = strings.Cut(userinfo, ":")
		userinfo += "@"
	}
	r.Href = r.Protocol + "//" + userinfo + host + r.Pathname + r.Search + r.Hash
	return r, nil
}

const urlJS = `(function() {
function parse(input, base) {
	var r = JSON.parse(__parse_url(String(input), base === undefined || base === null ? "" : String(base)));
	if (r.error) throw new TypeError(r.error);
	return r;
}

var formSafe = /[!'()~]/g;
function formEncode(s) {
	return encodeURIComponent(s).replace(formSafe, function(c) {
		return "%" + c.charCodeAt(0).toString(16).toUpperCase();
	}).replace(/%20/g, "+");
}
function formDecode(s) {
	s = s.replace(/\+/g, " ");
	try { return decodeURIComponent(s); } catch (e) { return s; }
}
function parseQuery(s) {
	var out = [];
	if (s.charAt(0) === "?") s = s.slice(1);
	var parts = s.split("&");
	for (var i = 0; i < parts.length; i++) {
		if (!parts[i]) continue;
		var eq = parts[i].indexOf("=");
		var k = eq < 0 ? parts[i] : parts[i].slice(0, eq);
		var v = eq < 0 ? "" : parts[i].slice(eq + 1);
		out.push([formDecode(k), formDecode(v)]);
	}
	return out;
}

class URLSearchParams {
	constructor(init) {
		this._list = [];
		this._url = null;
		if (init === undefined || init === null) return;
		if (init instanceof URLSearchParams) {
			this._list = init._list.map(function(p) { return [p[0], p[1]]; });
		} else if (typeof init === "object" && typeof init[Symbol.iterator] === "function") {
			for (var pair of init) {
				if (pair.length !== 2) throw new TypeError("URLSearchParams: each pair needs a name and a value");
				this._list.push([String(pair[0]), String(pair[1])]);
			}
		} else if (typeof init === "object") {
			var keys = Object.keys(init);
			for (var i = 0; i < keys.length; i++) this._list.push([keys[i], String(init[keys[i]])]);
		} else {
			this._list = parseQuery(String(init));
		}
	}
	_update() {
		if (!this._url) return;
		var s = this.toString();
		this._url._search = s ? "?" + s : "";
		this._url._href = this._url._compose();
	}
	get size() { return this._list.length; }
	append(name, value) {
		this._list.push([String(name), String(value)]);
		this._update();
	}
	delete(name, value) {
		name = String(name);
		var match = arguments.length > 1
			? function(p) { return p[0] === name && p[1] === String(value); }
			: function(p) { return p[0] === name; };
		this._list = this._list.filter(function(p) { return !match(p); });
		this._update();
	}
	get(name) {
		name = String(name);
		for (var i = 0; i < this._list.length; i++) if (this._list[i][0] === name) return this._list[i][1];
		return null;
	}
	getAll(name) {
		name = String(name);
		return this._list.filter(function(p) { return p[0] === name; }).map(function(p) { return p[1]; });
	}
	has(name, value) {
		name = String(name);
		var withValue = arguments.length > 1;
		return this._list.some(function(p) { return p[0] === name && (!withValue || p[1] === String(value)); });
	}
	set(name, value) {
		name = String(name);
		value = String(value);
		var out = [];
		var found = false;
		for (var i = 0; i < this._list.length; i++) {
			if (this._list[i][0] !== name) {
				out.push(this._list[i]);
			} else if (!found) {
				out.push([name, value]);
				found = true;
			}
		}
		if (!found) out.push([name, value]);
		this._list = out;
		this._update();
	}
	sort() {
		var indexed = this._list.map(function(p, i) { return [p, i]; });
		indexed.sort(function(a, b) {
			if (a[0][0] < b[0][0]) return -1;
			if (a[0][0] > b[0][0]) return 1;
			return a[1] - b[1];
		});
		this._list = indexed.map(function(e) { return e[0]; });
		this._update();
	}
	forEach(fn, thisArg) {
		var list = this._list.slice();
		for (var i = 0; i < list.length; i++) fn.call(thisArg, list[i][1], list[i][0], this);
	}
	entries() { return this._list.map(function(p) { return [p[0], p[1]]; })[Symbol.iterator](); }
	keys() { return this._list.map(function(p) { return p[0]; })[Symbol.iterator](); }
	values() { return this._list.map(function(p) { return p[1]; })[Symbol.iterator](); }
	[Symbol.iterator]() { return this.entries(); }
	toString() {
		return this._list.map(function(p) { return formEncode(p[0]) + "=" + formEncode(p[1]); }).join("&");
	}
}

var fields = ["href", "protocol", "username", "password", "host", "hostname", "port", "pathname", "search", "hash", "origin"];

class URL {
	constructor(input, base) {
		this._load(parse(input, base));
		this._params = new URLSearchParams(this._search);
		this._params._url = this;
	}
	_load(r) {
		for (var i = 0; i < fields.length; i++) this["_" + fields[i]] = r[fields[i]];
	}
	_compose() {
		if (this._origin === "null" && this._host === "" && this._protocol !== "file:") {
			return this._protocol + this._pathname + this._search + this._hash;
		}
		var user = "";
		if (this._username || this._password) {
			user = this._username + (this._password ? ":" + this._password : "") + "@";
		}
		return this._protocol + "//" + user + this._host + this._pathname + this._search + this._hash;
	}
	_change(name, value) {
		var prev = this["_" + name];
		this["_" + name] = value;
		var href = this._compose();
		this["_" + name] = prev;
		try {
			this._load(parse(href));
		} catch (e) {
			return;
		}
		if (this._params) this._params._list = parseQuery(this._search);
	}
	get href() { return this._href; }
	set href(v) {
		this._load(parse(v));
		this._params._list = parseQuery(this._search);
	}
	get origin() { return this._origin; }
	get protocol() { return this._protocol; }
	set protocol(v) {
		v = String(v);
		this._change("protocol", v.charAt(v.length - 1) === ":" ? v : v + ":");
	}
	get username() { return this._username; }
	set username(v) { this._change("username", encodeURIComponent(String(v))); }
	get password() { return this._password; }
	set password(v) { this._change("password", encodeURIComponent(String(v))); }
	get host() { return this._host; }
	set host(v) { this._change("host", String(v)); }
	get hostname() { return this._hostname; }
	set hostname(v) { this._change("host", String(v) + (this._port ? ":" + this._port : "")); }
	get port() { return this._port; }
	set port(v) { this._change("host", this._hostname + (String(v) ? ":" + String(v) : "")); }
	get pathname() { return this._pathname; }
	set pathname(v) {
		v = String(v);
		this._change("pathname", v.charAt(0) === "/" ? v : "/" + v);
	}
	get search() { return this._search; }
	set search(v) {
		v = String(v);
		if (v.charAt(0) === "?") v = v.slice(1);
		this._change("search", v ? "?" + v : "");
	}
	get hash() { return this._hash; }
	set hash(v) {
		v = String(v);
		if (v.charAt(0) === "#") v = v.slice(1);
		this._change("hash", v ? "#" + v : "");
	}
	get searchParams() { return this._params; }
	toString() { return this._href; }
	toJSON() { return this._href; }
	static canParse(input, base) {
		try {
			parse(input, base);
			return true;
		} catch (e) {
			return false;
		}
	}
	static parse(input, base) {
		try {
			return new URL(input, base);
		} catch (e) {
			return null;
		}
	}
}

globalThis.URL = URL;
globalThis.URLSearchParams = URLSearchParams;
})();`

// SetupURL installs URL and URLSearchParams. Parsing and resolution run in
// Go on net/url; search parameter handling stays in script.
func SetupURL(rt core.JSRuntime) error {
	if err := rt.RegisterFunc("__parse_url", func(raw, base string) (string, error) {
		r, err := parseURL(raw, base)
		if err != nil {
			r = urlRecord{Error: err.Error()}
		}
		out, err := json.Marshal(r)
		return string(out), err
	}); err != nil {
		return err
	}
	return rt.Eval(urlJS)
}
