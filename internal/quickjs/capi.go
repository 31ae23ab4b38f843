//go:build !v8

package quickjs

import (
	"errors"
	"fmt"
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
)

// bindInternals caches the VM's JSContext, JSRuntime and TLS so binary
// transfer and the job pump can call the C API directly.
//
// VM layout (modernc.org/quickjs@v0.17.1):
//
//	type VM struct {
//	    cContext uintptr
//	    ...
//	    runtime  *runtime
//	}
//
//	type runtime struct {
//	    cRuntime uintptr
//	    tls      *libc.TLS
//	}
func (e *Engine) bindInternals() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reading QuickJS internals: %v", p)
		}
	}()

	vmVal := reflect.ValueOf(e.vm).Elem()
	e.cctx = *(*uintptr)(unsafe.Pointer(e.vm))
	if e.cctx == 0 {
		return errors.New("reading QuickJS internals: JSContext is nil")
	}

	rtField := vmVal.FieldByName("runtime")
	if !rtField.IsValid() || rtField.IsNil() {
		return errors.New("reading QuickJS internals: missing runtime")
	}
	rtVal := reflect.NewAt(rtField.Type().Elem(), unsafe.Pointer(rtField.Pointer())).Elem()

	crt := rtVal.FieldByName("cRuntime")
	tls := rtVal.FieldByName("tls")
	if !crt.IsValid() || !tls.IsValid() || tls.IsNil() {
		return errors.New("reading QuickJS internals: unexpected runtime layout")
	}
	e.crt = uintptr(crt.Uint())
	e.tls = (*libc.TLS)(unsafe.Pointer(tls.Pointer()))

	glob := lib.XJS_GetGlobalObject(e.tls, e.cctx)
	lib.XFreeValue(e.tls, e.cctx, glob)
	return nil
}

func (e *Engine) executePendingJobs() int {
	n := 0
	for lib.XJS_ExecutePendingJob(e.tls, e.crt, 0) > 0 {
		n++
	}
	return n
}

// WriteBinaryToJS stores a copy of data at globalThis[globalName] with a
// single JS_NewArrayBufferCopy.
func (e *Engine) WriteBinaryToJS(globalName string, data []byte) error {
	if len(data) == 0 {
		return e.Eval(fmt.Sprintf("globalThis[%q] = new ArrayBuffer(0);", globalName))
	}
	cName, err := libc.CString(globalName)
	if err != nil {
		return fmt.Errorf("allocating property name: %w", err)
	}
	defer libc.Xfree(e.tls, cName)
	val := lib.XJS_NewArrayBufferCopy(e.tls, e.cctx, uintptr(unsafe.Pointer(&data[0])), lib.Tsize_t(len(data)))
	glob := lib.XJS_GetGlobalObject(e.tls, e.cctx)
	// JS_SetPropertyStr consumes val.
	ret := lib.XJS_SetPropertyStr(e.tls, e.cctx, glob, cName, val)
	lib.XFreeValue(e.tls, e.cctx, glob)
	if ret < 0 {
		return fmt.Errorf("setting global %q", globalName)
	}
	return nil
}

// ReadBinaryFromJS copies the ArrayBuffer at globalThis[globalName] and
// deletes the global.
func (e *Engine) ReadBinaryFromJS(globalName string) ([]byte, error) {
	cName, err := libc.CString(globalName)
	if err != nil {
		return nil, fmt.Errorf("allocating property name: %w", err)
	}
	glob := lib.XJS_GetGlobalObject(e.tls, e.cctx)
	val := lib.XJS_GetPropertyStr(e.tls, e.cctx, glob, cName)
	lib.XFreeValue(e.tls, e.cctx, glob)
	libc.Xfree(e.tls, cName)

	var size lib.Tsize_t
	ptr := lib.XJS_GetArrayBuffer(e.tls, e.cctx, uintptr(unsafe.Pointer(&size)), val)
	var out []byte
	if ptr != 0 && size > 0 {
		out = make([]byte, size)
		copy(out, unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size))
	}
	lib.XFreeValue(e.tls, e.cctx, val)
	if err := e.Eval(fmt.Sprintf("delete globalThis[%q];", globalName)); err != nil {
		return nil, err
	}
	return out, nil
}
