package webapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/google/uuid"

	"github.com/cryguy/openworker/internal/core"
)

// maxRandomBytes is the getRandomValues quota.
const maxRandomBytes = 65536

// cryptoJS builds crypto and crypto.subtle. Bytes reach Go through the
// __tmp_crypto_* globals and results come back as ArrayBuffers written by
// the natives. Imported key material stays in script, keyed by CryptoKey.
const cryptoJS = `(function() {
var c = globalThis.crypto || {};
c.randomUUID = function() { return __uuid(); };
c.getRandomValues = function(arr) {
	if (!ArrayBuffer.isView(arr) || arr instanceof Float32Array || arr instanceof Float64Array || arr instanceof DataView) {
		throw new TypeError("getRandomValues requires an integer typed array");
	}
	if (arr.byteLength === 0) return arr;
	__random_fill(arr.byteLength);
	new Uint8Array(arr.buffer, arr.byteOffset, arr.byteLength).set(__takeBytes("__tmp_random"));
	return arr;
};

function bytesOf(data) {
	if (data instanceof ArrayBuffer) return new Uint8Array(data);
	if (typeof SharedArrayBuffer !== "undefined" && data instanceof SharedArrayBuffer) return new Uint8Array(data);
	if (ArrayBuffer.isView(data)) return new Uint8Array(data.buffer, data.byteOffset, data.byteLength);
	throw new TypeError("expected a BufferSource");
}

function stage(name, data) {
	globalThis[name] = __toTransfer(bytesOf(data));
}

function output() {
	return __takeBytes("__tmp_crypto_out").buffer;
}

function hashName(h) {
	var n = (typeof h === "string") ? h : (h && h.name);
	if (!n) throw new TypeError("missing hash algorithm");
	return String(n);
}

function algoName(a) {
	return String((typeof a === "string") ? a : (a && a.name)).toUpperCase();
}

function attempt(fn) {
	return new Promise(function(resolve) { resolve(fn()); });
}

var secrets = new WeakMap();

function CryptoKey() { throw new TypeError("Illegal constructor"); }

function newKey(algorithm, extractable, usages, raw) {
	var k = Object.create(CryptoKey.prototype);
	k.type = "secret";
	k.algorithm = algorithm;
	k.extractable = !!extractable;
	k.usages = usages ? usages.slice() : [];
	secrets.set(k, raw);
	return k;
}

function secretOf(key, usage) {
	var raw = secrets.get(key);
	if (!raw) throw new TypeError("expected a CryptoKey");
	if (key.usages.indexOf(usage) < 0) throw new TypeError("key usages do not permit " + usage);
	return raw;
}

var subtle = {};

subtle.digest = function(algorithm, data) {
	return attempt(function() {
		var name = hashName(algorithm);
		stage("__tmp_crypto_data", data);
		__digest(name);
		return output();
	});
};

subtle.importKey = function(format, keyData, algorithm, extractable, usages) {
	return attempt(function() {
		if (format !== "raw") throw new TypeError("importKey: only the raw format is supported");
		if (algoName(algorithm) !== "HMAC") throw new TypeError("importKey: only HMAC keys are supported");
		var raw = bytesOf(keyData).slice();
		if (raw.length === 0) throw new TypeError("importKey: empty key");
		var hash = hashName(algorithm.hash);
		return newKey({ name: "HMAC", hash: { name: __hash_name(hash) }, length: raw.length * 8 }, extractable, usages, raw);
	});
};

subtle.exportKey = function(format, key) {
	return attempt(function() {
		if (format !== "raw") throw new TypeError("exportKey: only the raw format is supported");
		var raw = secrets.get(key);
		if (!raw) throw new TypeError("expected a CryptoKey");
		if (!key.extractable) throw new TypeError("key is not extractable");
		return raw.slice().buffer;
	});
};

subtle.sign = function(algorithm, key, data) {
	return attempt(function() {
		if (algoName(algorithm) !== "HMAC") throw new TypeError("sign: only HMAC is supported");
		stage("__tmp_crypto_key", secretOf(key, "sign"));
		stage("__tmp_crypto_data", data);
		__hmac_sign(key.algorithm.hash.name);
		return output();
	});
};

subtle.verify = function(algorithm, key, signature, data) {
	return attempt(function() {
		if (algoName(algorithm) !== "HMAC") throw new TypeError("verify: only HMAC is supported");
		stage("__tmp_crypto_key", secretOf(key, "verify"));
		stage("__tmp_crypto_sig", signature);
		stage("__tmp_crypto_data", data);
		return __hmac_verify(key.algorithm.hash.name);
	});
};

c.subtle = subtle;
globalThis.crypto = c;
globalThis.CryptoKey = CryptoKey;
})();`

// SetupCrypto installs crypto.randomUUID, crypto.getRandomValues and the
// digest and HMAC parts of crypto.subtle.
func SetupCrypto(rt core.JSRuntime) error {
	bt, ok := rt.(core.BinaryTransferer)
	if !ok {
		return fmt.Errorf("crypto: engine %T cannot transfer bytes", rt)
	}
	natives := []struct {
		name string
		fn   any
	}{
		{"__uuid", uuid.NewString},
		{"__random_fill", func(n int) (int, error) {
			if n < 0 || n > maxRandomBytes {
				return 0, fmt.Errorf("getRandomValues: %d bytes exceeds the %d byte quota", n, maxRandomBytes)
			}
			buf := make([]byte, n)
			if _, err := rand.Read(buf); err != nil {
				return 0, err
			}
			return n, bt.WriteBinaryToJS("__tmp_random", buf)
		}},
		{"__hash_name", func(name string) (string, error) {
			if hashFunc(name) == nil {
				return "", fmt.Errorf("unsupported hash %q", name)
			}
			return canonicalHash(name), nil
		}},
		{"__digest", func(name string) (int, error) {
			newHash := hashFunc(name)
			if newHash == nil {
				return 0, fmt.Errorf("digest: unsupported algorithm %q", name)
			}
			data, err := bt.ReadBinaryFromJS("__tmp_crypto_data")
			if err != nil {
				return 0, err
			}
			h := newHash()
			h.Write(data)
			sum := h.Sum(nil)
			return len(sum), bt.WriteBinaryToJS("__tmp_crypto_out", sum)
		}},
		{"__hmac_sign", func(name string) (int, error) {
			mac, err := hmacOf(bt, name)
			if err != nil {
				return 0, err
			}
			return len(mac), bt.WriteBinaryToJS("__tmp_crypto_out", mac)
		}},
		{"__hmac_verify", func(name string) (bool, error) {
			sig, err := bt.ReadBinaryFromJS("__tmp_crypto_sig")
			if err != nil {
				return false, err
			}
			mac, err := hmacOf(bt, name)
			if err != nil {
				return false, err
			}
			return hmac.Equal(mac, sig), nil
		}},
	}
	for _, n := range natives {
		if err := rt.RegisterFunc(n.name, n.fn); err != nil {
			return fmt.Errorf("registering %s: %w", n.name, err)
		}
	}
	return rt.Eval(cryptoJS)
}

// hmacOf consumes the staged key and data and returns their MAC.
func hmacOf(bt core.BinaryTransferer, name string) ([]byte, error) {
	newHash := hashFunc(name)
	if newHash == nil {
		return nil, fmt.Errorf("hmac: unsupported hash %q", name)
	}
	key, err := bt.ReadBinaryFromJS("__tmp_crypto_key")
	if err != nil {
		return nil, err
	}
	data, err := bt.ReadBinaryFromJS("__tmp_crypto_data")
	if err != nil {
		return nil, err
	}
	m := hmac.New(newHash, key)
	m.Write(data)
	return m.Sum(nil), nil
}

func hashFunc(name string) func() hash.Hash {
	switch canonicalHash(name) {
	case "SHA-1":
		return sha1.New
	case "SHA-256":
		return sha256.New
	case "SHA-384":
		return sha512.New384
	case "SHA-512":
		return sha512.New
	}
	return nil
}

func canonicalHash(name string) string {
	switch name {
	case "sha-1", "SHA-1", "sha1", "SHA1":
		return "SHA-1"
	case "sha-256", "SHA-256", "sha256", "SHA256":
		return "SHA-256"
	case "sha-384", "SHA-384", "sha384", "SHA384":
		return "SHA-384"
	case "sha-512", "SHA-512", "sha512", "SHA512":
		return "SHA-512"
	}
	return name
}
