//go:build !v8

// Package quickjs is the pure-Go engine backend built on modernc.org/quickjs.
package quickjs

import (
	"fmt"

	"modernc.org/libc"
	"modernc.org/quickjs"

	"github.com/cryguy/openworker/internal/core"
)

// Engine implements core.Engine over a single QuickJS VM.
type Engine struct {
	vm *quickjs.VM

	// Cached from VM internals for direct C API access.
	tls  *libc.TLS
	cctx uintptr
	crt  uintptr
}

var _ core.Engine = (*Engine)(nil)

// New creates a VM with the given heap limit in megabytes, zero for none.
func New(memoryLimitMB int) (*Engine, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if memoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(memoryLimitMB) * 1024 * 1024)
	}
	e := &Engine{vm: vm}
	if err := e.bindInternals(); err != nil {
		vm.Close()
		return nil, err
	}
	return e, nil
}

// Eval evaluates JavaScript and discards the result.
func (e *Engine) Eval(js string) error {
	v, err := e.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

func (e *Engine) EvalString(js string) (string, error) {
	result, err := e.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return fmt.Sprint(result), nil
}

func (e *Engine) EvalBool(js string) (bool, error) {
	result, err := e.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", result)
	}
	return b, nil
}

func (e *Engine) EvalInt(js string) (int, error) {
	result, err := e.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return 0, err
	}
	switch v := result.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("expected int, got %T", result)
	}
}

// RegisterFunc installs fn as a global. The QuickJS wrapper hands multi
// value results back as an array, so a shim unwraps (T, error) pairs and
// throws a TypeError for the error half.
func (e *Engine) RegisterFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := e.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	return e.Eval(fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError(%q + ": " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName))
}

func (e *Engine) SetGlobal(name string, value any) error {
	atom, err := e.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	glob := e.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

// RunMicrotasks drains the job queue. The Go wrapper never runs pending
// jobs on its own, so Promise reactions only fire from here.
func (e *Engine) RunMicrotasks() {
	e.executePendingJobs()
}

// BinaryMode is "ab": QuickJS transfers through plain ArrayBuffers.
func (e *Engine) BinaryMode() string { return "ab" }

// Interrupt aborts the running evaluation. Safe from any goroutine.
func (e *Engine) Interrupt() {
	e.vm.Interrupt()
}

func (e *Engine) Close() {
	e.vm.Close()
}
