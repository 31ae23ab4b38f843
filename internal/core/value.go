package core

import (
	"strconv"
	"strings"
)

// Kind is the type tag of a Value.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindBytes
	KindArray
	KindObject
)

// Value is the typed intermediate representation used to hand data from
// native code to script callables. Engine bindings materialize it
// structurally, so payloads never round-trip through JSON text.
type Value struct {
	Kind   Kind
	Bool   bool
	Number float64
	Str    string
	Bytes  []byte
	Items  []Value
	Fields []Field
}

// Field is one named member of an object Value. Field order is kept.
type Field struct {
	Name  string
	Value Value
}

func Undefined() Value          { return Value{} }
func Null() Value               { return Value{Kind: KindNull} }
func Bool(b bool) Value         { return Value{Kind: KindBool, Bool: b} }
func Number(f float64) Value    { return Value{Kind: KindNumber, Number: f} }
func Int(i int64) Value         { return Value{Kind: KindNumber, Number: float64(i)} }
func String(s string) Value     { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value      { return Value{Kind: KindBytes, Bytes: b} }
func Array(items ...Value) Value { return Value{Kind: KindArray, Items: items} }

// Object builds an object Value from fields in order.
func Object(fields ...Field) Value { return Value{Kind: KindObject, Fields: fields} }

// F is shorthand for a Field.
func F(name string, v Value) Field { return Field{Name: name, Value: v} }

// Get returns the named field of an object Value.
func (v Value) Get(name string) (Value, bool) {
	if v.Kind != KindObject {
		return Value{}, false
	}
	for _, f := range v.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// String renders v for logs and test failure messages.
func (v Value) String() string {
	var b strings.Builder
	v.write(&b)
	return b.String()
}

func (v Value) write(b *strings.Builder) {
	switch v.Kind {
	case KindUndefined:
		b.WriteString("undefined")
	case KindNull:
		b.WriteString("null")
	case KindBool:
		b.WriteString(strconv.FormatBool(v.Bool))
	case KindNumber:
		b.WriteString(strconv.FormatFloat(v.Number, 'g', -1, 64))
	case KindString:
		b.WriteString(strconv.Quote(v.Str))
	case KindBytes:
		b.WriteString("bytes[")
		b.WriteString(strconv.Itoa(len(v.Bytes)))
		b.WriteString("]")
	case KindArray:
		b.WriteByte('[')
		for i, it := range v.Items {
			if i > 0 {
				b.WriteByte(',')
			}
			it.write(b)
		}
		b.WriteByte(']')
	case KindObject:
		b.WriteByte('{')
		for i, f := range v.Fields {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(f.Name)
			b.WriteByte(':')
			f.Value.write(b)
		}
		b.WriteByte('}')
	}
}

// MetaValue converts response metadata to the object shape scripts see:
// {status, statusText, headers: [[name, value], ...]}.
func MetaValue(m ResponseMeta) Value {
	headers := make([]Value, 0, len(m.Headers))
	for _, h := range m.Headers {
		headers = append(headers, Array(String(h.Name), String(h.Value)))
	}
	return Object(
		F("status", Int(int64(m.Status))),
		F("statusText", String(m.StatusText)),
		F("headers", Array(headers...)),
	)
}
