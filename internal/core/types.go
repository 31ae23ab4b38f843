package core

import (
	"fmt"
	"strings"
)

// CallbackID identifies one pending script-visible callable. Ids are issued
// by a callback registry starting at 1; zero is never a valid id.
type CallbackID uint64

// StreamID identifies one in-flight chunked byte stream.
type StreamID uint64

// Header is a single name/value pair. Response headers keep their order
// and may repeat a name.
type Header struct {
	Name  string
	Value string
}

// Request describes an HTTP request, either an inbound event for a worker
// or an outbound fetch issued by a script.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// ResponseMeta is the part of an HTTP response known once the status line
// and headers have arrived.
type ResponseMeta struct {
	Status     int
	StatusText string
	Headers    []Header
}

// Get returns the first header value matching name, case-insensitively.
func (m ResponseMeta) Get(name string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// ChunkKind discriminates a stream Chunk.
type ChunkKind uint8

const (
	ChunkData ChunkKind = iota
	ChunkDone
	ChunkError
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkData:
		return "data"
	case ChunkDone:
		return "done"
	case ChunkError:
		return "error"
	default:
		return fmt.Sprintf("ChunkKind(%d)", uint8(k))
	}
}

// Chunk is one unit carried by a stream. Done and Error are terminal: no
// chunk follows them on the same stream.
type Chunk struct {
	Kind ChunkKind
	Data []byte
	Err  string
}

// DataChunk wraps b as a data chunk.
func DataChunk(b []byte) Chunk { return Chunk{Kind: ChunkData, Data: b} }

// DoneChunk is the terminal end-of-stream marker.
func DoneChunk() Chunk { return Chunk{Kind: ChunkDone} }

// ErrorChunk is the terminal failure marker.
func ErrorChunk(msg string) Chunk { return Chunk{Kind: ChunkError, Err: msg} }

// Terminal reports whether c ends its stream.
func (c Chunk) Terminal() bool { return c.Kind != ChunkData }
