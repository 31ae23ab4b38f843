package core

// JSRuntime abstracts the JavaScript engine (QuickJS or V8) behind the
// narrow surface the runtime bridge and the webapi glue need. It must only
// be used from the goroutine that owns the engine.
type JSRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and returns the result as a Go bool.
	EvalBool(js string) (bool, error)

	// EvalInt evaluates JavaScript and returns the result as a Go int.
	EvalInt(js string) (int, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// Arguments and results may be string, int, float64 or bool. A
	// (T, error) result throws a TypeError in script when error is non-nil.
	RegisterFunc(name string, fn any) error

	// SetGlobal sets a global variable from a string, int, float64 or bool.
	SetGlobal(name string, value any) error

	// RunMicrotasks pumps the microtask queue (Promise reactions).
	RunMicrotasks()
}

// BinaryTransferer moves byte slices between Go and script globals
// without text encoding.
type BinaryTransferer interface {
	// ReadBinaryFromJS reads the ArrayBuffer (or SharedArrayBuffer) stored
	// at the given global, then deletes the global.
	ReadBinaryFromJS(globalName string) ([]byte, error)

	// WriteBinaryToJS stores a copy of data as an ArrayBuffer global.
	WriteBinaryToJS(globalName string, data []byte) error

	// BinaryMode is "ab" when ReadBinaryFromJS expects an ArrayBuffer and
	// "sab" when it expects a SharedArrayBuffer.
	BinaryMode() string
}

// Engine is a complete engine instance as created by a backend.
type Engine interface {
	JSRuntime
	BinaryTransferer

	// Interrupt aborts the evaluation currently running. It is the only
	// method that may be called from another goroutine.
	Interrupt()

	// Close releases the engine. The engine is unusable afterwards.
	Close()
}

// Callable is a script function retained by native code so it can be
// invoked later from the engine-owning goroutine.
type Callable interface {
	Call(args []Value) error
}
