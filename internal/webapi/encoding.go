package webapi

import (
	"github.com/cryguy/openworker/internal/core"
)

// encodingJS provides UTF-8 helpers, TextEncoder/TextDecoder and
// atob/btoa. __toBytes accepts every body-ish value scripts hand us.
const encodingJS = `(function() {
globalThis.__utf8Encode = function(str) {
	str = String(str);
	var out = [];
	for (var i = 0; i < str.length; i++) {
		var c = str.charCodeAt(i);
		if (c >= 0xd800 && c <= 0xdbff && i + 1 < str.length) {
			var d = str.charCodeAt(i + 1);
			if (d >= 0xdc00 && d <= 0xdfff) {
				c = 0x10000 + ((c - 0xd800) << 10) + (d - 0xdc00);
				i++;
			} else {
				c = 0xfffd;
			}
		} else if (c >= 0xd800 && c <= 0xdfff) {
			c = 0xfffd;
		}
		if (c < 0x80) {
			out.push(c);
		} else if (c < 0x800) {
			out.push(0xc0 | (c >> 6), 0x80 | (c & 63));
		} else if (c < 0x10000) {
			out.push(0xe0 | (c >> 12), 0x80 | ((c >> 6) & 63), 0x80 | (c & 63));
		} else {
			out.push(0xf0 | (c >> 18), 0x80 | ((c >> 12) & 63), 0x80 | ((c >> 6) & 63), 0x80 | (c & 63));
		}
	}
	return new Uint8Array(out);
};

globalThis.__utf8Decode = function(bytes) {
	var s = "";
	var chunk = [];
	function push(cp) {
		if (cp > 0xffff) {
			cp -= 0x10000;
			chunk.push(0xd800 + (cp >> 10), 0xdc00 + (cp & 1023));
		} else {
			chunk.push(cp);
		}
		if (chunk.length >= 4096) {
			s += String.fromCharCode.apply(null, chunk);
			chunk = [];
		}
	}
	var i = 0;
	if (bytes.length >= 3 && bytes[0] === 0xef && bytes[1] === 0xbb && bytes[2] === 0xbf) i = 3;
	while (i < bytes.length) {
		var b = bytes[i];
		if (b < 0x80) { push(b); i++; continue; }
		var need = (b >= 0xc2 && b < 0xe0) ? 1 : (b >= 0xe0 && b < 0xf0) ? 2 : (b >= 0xf0 && b < 0xf5) ? 3 : 0;
		if (need === 0 || i + need > bytes.length - 1) { push(0xfffd); i++; continue; }
		var cp = b & (0x3f >> need);
		var ok = true;
		for (var k = 1; k <= need; k++) {
			var nb = bytes[i + k];
			if ((nb & 0xc0) !== 0x80) { ok = false; break; }
			cp = (cp << 6) | (nb & 63);
		}
		if (!ok || (need === 2 && (cp < 0x800 || (cp >= 0xd800 && cp <= 0xdfff))) || (need === 3 && (cp < 0x10000 || cp > 0x10ffff))) {
			push(0xfffd);
			i++;
			continue;
		}
		push(cp);
		i += need + 1;
	}
	if (chunk.length) s += String.fromCharCode.apply(null, chunk);
	return s;
};

globalThis.__toBytes = function(v) {
	if (v === null || v === undefined) return new Uint8Array(0);
	if (v instanceof Uint8Array) return v;
	if (typeof v === "string") return __utf8Encode(v);
	if (v instanceof ArrayBuffer) return new Uint8Array(v);
	if (typeof SharedArrayBuffer !== "undefined" && v instanceof SharedArrayBuffer) return new Uint8Array(v);
	if (ArrayBuffer.isView(v)) return new Uint8Array(v.buffer, v.byteOffset, v.byteLength);
	return __utf8Encode(String(v));
};

globalThis.TextEncoder = class TextEncoder {
	get encoding() { return "utf-8"; }
	encode(input) { return __utf8Encode(input === undefined ? "" : input); }
	encodeInto(input, dest) {
		var b = __utf8Encode(input);
		var n = Math.min(b.length, dest.length);
		dest.set(b.subarray(0, n));
		return { read: String(input).length, written: n };
	}
};

globalThis.TextDecoder = class TextDecoder {
	constructor(label) {
		var l = String(label === undefined ? "utf-8" : label).toLowerCase();
		if (l !== "utf-8" && l !== "utf8" && l !== "unicode-1-1-utf-8") throw new RangeError("unsupported encoding: " + label);
	}
	get encoding() { return "utf-8"; }
	decode(input) { return input === undefined ? "" : __utf8Decode(__toBytes(input)); }
};

var alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/";
var lookup = Object.create(null);
for (var i = 0; i < alphabet.length; i++) lookup[alphabet[i]] = i;

globalThis.btoa = function(data) {
	if (arguments.length < 1) throw new TypeError("btoa requires 1 argument");
	var s = String(data);
	var out = "";
	for (var i = 0; i < s.length; i += 3) {
		var a = s.charCodeAt(i), b = s.charCodeAt(i + 1), c = s.charCodeAt(i + 2);
		if (a > 255 || b > 255 || c > 255) throw new Error("btoa: character outside of the Latin1 range");
		var n = (a << 16) | ((b || 0) << 8) | (c || 0);
		out += alphabet[n >> 18] + alphabet[(n >> 12) & 63] +
			(i + 1 < s.length ? alphabet[(n >> 6) & 63] : "=") +
			(i + 2 < s.length ? alphabet[n & 63] : "=");
	}
	return out;
};

globalThis.atob = function(data) {
	if (arguments.length < 1) throw new TypeError("atob requires 1 argument");
	var s = String(data).replace(/[\t\n\f\r ]/g, "");
	if (s.length % 4 === 0) s = s.replace(/==?$/, "");
	if (s.length % 4 === 1 || /[^A-Za-z0-9+\/]/.test(s)) throw new Error("atob: invalid base64 string");
	var out = "";
	var bits = 0, acc = 0;
	for (var i = 0; i < s.length; i++) {
		acc = (acc << 6) | lookup[s[i]];
		bits += 6;
		if (bits >= 8) {
			bits -= 8;
			out += String.fromCharCode((acc >> bits) & 255);
		}
	}
	return out;
};
})();`

// SetupEncoding installs the text and base64 helpers.
func SetupEncoding(rt core.JSRuntime) error {
	return rt.Eval(encodingJS)
}
