//go:build v8

// Package v8engine is the V8 backend, built with -tags v8.
package v8engine

import (
	"fmt"
	"reflect"

	v8 "github.com/tommie/v8go"

	"github.com/cryguy/openworker/internal/core"
)

// Engine implements core.Engine over one isolate and one context.
type Engine struct {
	iso *v8.Isolate
	ctx *v8.Context
}

var _ core.Engine = (*Engine)(nil)

// New creates an isolate capped at memoryLimitMB of heap, zero for the V8
// default.
func New(memoryLimitMB int) (*Engine, error) {
	var iso *v8.Isolate
	if memoryLimitMB > 0 {
		heapSize := uint64(memoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8.NewIsolate()
	}
	return &Engine{iso: iso, ctx: v8.NewContext(iso)}, nil
}

func (e *Engine) Eval(js string) error {
	_, err := e.ctx.RunScript(js, "eval.js")
	return err
}

func (e *Engine) EvalString(js string) (string, error) {
	val, err := e.ctx.RunScript(js, "eval_string.js")
	if err != nil || val == nil {
		return "", err
	}
	return val.String(), nil
}

func (e *Engine) EvalBool(js string) (bool, error) {
	val, err := e.ctx.RunScript(js, "eval_bool.js")
	if err != nil || val == nil {
		return false, err
	}
	return val.Boolean(), nil
}

func (e *Engine) EvalInt(js string) (int, error) {
	val, err := e.ctx.RunScript(js, "eval_int.js")
	if err != nil || val == nil {
		return 0, err
	}
	return int(val.Integer()), nil
}

// RegisterFunc exposes fn through a FunctionTemplate. Arguments and results
// are converted by kind; a non-nil error in a (T, error) result throws.
func (e *Engine) RegisterFunc(name string, fn any) error {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func {
		return fmt.Errorf("RegisterFunc: expected function, got %T", fn)
	}

	tmpl := v8.NewFunctionTemplate(e.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < fnType.NumIn() {
			return e.throw(fmt.Sprintf("%s requires %d argument(s), got %d", name, fnType.NumIn(), len(args)))
		}
		in := make([]reflect.Value, fnType.NumIn())
		for i := range in {
			in[i] = fromJS(args[i], fnType.In(i))
		}
		out := fnVal.Call(in)
		switch len(out) {
		case 1:
			return toJS(e.iso, out[0])
		case 2:
			if !out[1].IsNil() {
				return e.throw(fmt.Sprintf("%s: %s", name, out[1].Interface().(error).Error()))
			}
			return toJS(e.iso, out[0])
		default:
			return nil
		}
	})
	return e.ctx.Global().Set(name, tmpl.GetFunction(e.ctx))
}

func (e *Engine) throw(msg string) *v8.Value {
	errVal, err := e.ctx.RunScript(fmt.Sprintf("new TypeError(%q)", msg), "throw.js")
	if err != nil {
		errVal, _ = v8.NewValue(e.iso, msg)
	}
	e.iso.ThrowException(errVal)
	return nil
}

func (e *Engine) SetGlobal(name string, value any) error {
	var (
		val *v8.Value
		err error
	)
	switch v := value.(type) {
	case nil:
		val = v8.Undefined(e.iso)
	case int:
		val, err = v8.NewValue(e.iso, float64(v))
	case int64:
		val, err = v8.NewValue(e.iso, float64(v))
	case string, float64, bool, int32:
		val, err = v8.NewValue(e.iso, v)
	default:
		return fmt.Errorf("SetGlobal %q: unsupported type %T", name, value)
	}
	if err != nil {
		return fmt.Errorf("converting value for %q: %w", name, err)
	}
	return e.ctx.Global().Set(name, val)
}

func (e *Engine) RunMicrotasks() {
	e.ctx.PerformMicrotaskCheckpoint()
}

// BinaryMode is "sab": Go can only reach SharedArrayBuffer contents.
func (e *Engine) BinaryMode() string { return "sab" }

// ReadBinaryFromJS copies the SharedArrayBuffer at globalThis[globalName]
// and deletes the global.
func (e *Engine) ReadBinaryFromJS(globalName string) ([]byte, error) {
	val, err := e.ctx.Global().Get(globalName)
	if err != nil {
		return nil, fmt.Errorf("retrieving %s: %w", globalName, err)
	}
	data, release, err := val.SharedArrayBufferGetContents()
	if err != nil {
		return nil, fmt.Errorf("reading SharedArrayBuffer %s: %w", globalName, err)
	}
	out := make([]byte, len(data))
	copy(out, data)
	release()
	if err := e.Eval(fmt.Sprintf("delete globalThis[%q];", globalName)); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteBinaryToJS fills a SharedArrayBuffer from Go and copies it into a
// plain ArrayBuffer at globalThis[globalName].
func (e *Engine) WriteBinaryToJS(globalName string, data []byte) error {
	if err := e.Eval(fmt.Sprintf("globalThis.__tmp_write_sab = new SharedArrayBuffer(%d);", len(data))); err != nil {
		return fmt.Errorf("allocating SharedArrayBuffer: %w", err)
	}
	if len(data) > 0 {
		sab, err := e.ctx.Global().Get("__tmp_write_sab")
		if err != nil {
			_ = e.Eval("delete globalThis.__tmp_write_sab;")
			return fmt.Errorf("retrieving SharedArrayBuffer: %w", err)
		}
		buf, release, err := sab.SharedArrayBufferGetContents()
		if err != nil {
			_ = e.Eval("delete globalThis.__tmp_write_sab;")
			return fmt.Errorf("getting SharedArrayBuffer contents: %w", err)
		}
		copy(buf, data)
		release()
	}
	return e.Eval(fmt.Sprintf(`(function() {
		var sab = globalThis.__tmp_write_sab;
		delete globalThis.__tmp_write_sab;
		var buf = new ArrayBuffer(sab.byteLength);
		new Uint8Array(buf).set(new Uint8Array(sab));
		globalThis[%q] = buf;
	})()`, globalName))
}

// Interrupt terminates the running script. Safe from any goroutine.
func (e *Engine) Interrupt() {
	e.iso.TerminateExecution()
}

func (e *Engine) Close() {
	e.ctx.Close()
	e.iso.Dispose()
}

func fromJS(val *v8.Value, t reflect.Type) reflect.Value {
	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(val.String())
	case reflect.Int:
		return reflect.ValueOf(int(val.Integer()))
	case reflect.Int64:
		return reflect.ValueOf(val.Integer())
	case reflect.Float64:
		return reflect.ValueOf(val.Number())
	case reflect.Bool:
		return reflect.ValueOf(val.Boolean())
	default:
		return reflect.Zero(t)
	}
}

func toJS(iso *v8.Isolate, val reflect.Value) *v8.Value {
	var (
		v   *v8.Value
		err error
	)
	switch val.Kind() {
	case reflect.String:
		v, err = v8.NewValue(iso, val.String())
	case reflect.Int, reflect.Int32, reflect.Int64:
		v, err = v8.NewValue(iso, float64(val.Int()))
	case reflect.Float64, reflect.Float32:
		v, err = v8.NewValue(iso, val.Float())
	case reflect.Bool:
		v, err = v8.NewValue(iso, val.Bool())
	}
	if err != nil {
		return nil
	}
	return v
}
