package worker

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"sync"
)

// BodyChunk is one piece of a streamed body. A chunk with Err set is the
// last one; a closed channel is the normal end.
type BodyChunk struct {
	Data []byte
	Err  error
}

// Response is what a fetch handler produced. Exactly one of Body and
// Stream carries the body; both are empty for a bodiless response.
type Response struct {
	Status  int
	Headers []Header
	Body    []byte
	Stream  <-chan BodyChunk

	stop     context.CancelFunc
	stopOnce sync.Once
}

// Header returns the values of name joined with ", ", or "".
func (r *Response) Header(name string) string {
	var vals []string
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			vals = append(vals, h.Value)
		}
	}
	return strings.Join(vals, ", ")
}

// Streaming reports whether the body arrives on Stream.
func (r *Response) Streaming() bool { return r.Stream != nil }

// ReadAll returns the whole body, draining Stream when streaming.
func (r *Response) ReadAll(ctx context.Context) ([]byte, error) {
	if r.Stream == nil {
		return r.Body, nil
	}
	var buf bytes.Buffer
	for {
		select {
		case c, ok := <-r.Stream:
			if !ok {
				return buf.Bytes(), nil
			}
			if c.Err != nil {
				return buf.Bytes(), c.Err
			}
			buf.Write(c.Data)
		case <-ctx.Done():
			r.Close()
			return buf.Bytes(), ctx.Err()
		}
	}
}

// Close abandons a streamed body. The producing stream is cancelled and
// Stream is closed soon after. It is a no-op for buffered bodies.
func (r *Response) Close() {
	r.stopOnce.Do(func() {
		if r.stop != nil {
			r.stop()
		}
	})
}

// Write sends the response to w, flushing after every streamed chunk.
func (r *Response) Write(ctx context.Context, w http.ResponseWriter) error {
	for _, h := range r.Headers {
		w.Header().Add(h.Name, h.Value)
	}
	w.WriteHeader(r.Status)
	if r.Stream == nil {
		_, err := w.Write(r.Body)
		return err
	}
	defer r.Close()
	flusher, _ := w.(http.Flusher)
	for {
		select {
		case c, ok := <-r.Stream:
			if !ok {
				return nil
			}
			if c.Err != nil {
				return c.Err
			}
			if _, err := w.Write(c.Data); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
