package runtime

import (
	"errors"
	"fmt"
	"strings"

	"goa.design/clue/log"

	"github.com/cryguy/openworker/internal/core"
	"github.com/cryguy/openworker/internal/streams"
)

// flushFetches moves every request queued by fetch() to the scheduler.
// A request that cannot be read back fails its own callback only.
func (r *Runtime) flushFetches() error {
	for {
		id, err := r.engine.EvalInt("__fetchTake()")
		if err != nil {
			return err
		}
		if id <= 0 {
			return nil
		}
		cid := core.CallbackID(id)
		req, err := r.readFetch()
		if err != nil {
			r.inbound.Push(core.FetchError{ID: cid, Message: err.Error()})
			continue
		}
		r.outbound.Push(core.FetchStreaming{ID: cid, Request: req})
	}
}

func (r *Runtime) readFetch() (core.Request, error) {
	var req core.Request
	var err error
	if req.Method, err = r.engine.EvalString("__tmp_fetch_method"); err != nil {
		return req, fmt.Errorf("reading fetch method: %w", err)
	}
	if req.URL, err = r.engine.EvalString("__tmp_fetch_url"); err != nil {
		return req, fmt.Errorf("reading fetch url: %w", err)
	}
	raw, err := r.engine.EvalString("__tmp_fetch_headers")
	if err != nil {
		return req, fmt.Errorf("reading fetch headers: %w", err)
	}
	req.Headers = parseHeaderLines(raw)
	hasBody, err := r.engine.EvalBool("globalThis.__tmp_fetch_body !== undefined")
	if err != nil {
		return req, err
	}
	if hasBody {
		if req.Body, err = r.engine.ReadBinaryFromJS("__tmp_fetch_body"); err != nil {
			return req, fmt.Errorf("reading fetch body: %w", err)
		}
	}
	return req, nil
}

// parseHeaderLines splits "name: value" lines. Repeated names are joined
// with ", ".
func parseHeaderLines(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for line := range strings.SplitSeq(raw, "\n") {
		name, value, ok := strings.Cut(line, ": ")
		if !ok || name == "" {
			continue
		}
		if prev, dup := out[name]; dup {
			value = prev + ", " + value
		}
		out[name] = value
	}
	return out
}

// flushStreams writes chunks produced by script-side pipes into their
// native streams. It stops at the first full stream and leaves the rest
// queued for the next flush. Waiting pipes are woken when anything moved,
// which is also what it reports.
func (r *Runtime) flushStreams() (moved bool, err error) {
	defer func() {
		if moved {
			if derr := r.engine.Eval("__streamDrained()"); err == nil {
				err = derr
			}
		}
	}()
	for {
		kind, err := r.engine.EvalString("__streamPeek()")
		if err != nil {
			return moved, err
		}
		if kind == "" {
			return moved, nil
		}
		sid, err := r.engine.EvalInt("__tmp_stream_sid")
		if err != nil {
			return moved, err
		}
		id := core.StreamID(sid)

		var chunk core.Chunk
		switch kind {
		case "data":
			if r.streams.Buffered(id) >= r.limits.StreamCapacity {
				return moved, nil
			}
			data, err := r.engine.ReadBinaryFromJS("__tmp_stream_chunk")
			if err != nil {
				return moved, err
			}
			chunk = core.DataChunk(data)
		case "error":
			msg, err := r.engine.EvalString("__tmp_stream_error")
			if err != nil {
				return moved, err
			}
			chunk = core.ErrorChunk(msg)
		default:
			chunk = core.DoneChunk()
		}

		werr := r.streams.TryWriteChunk(id, chunk)
		if errors.Is(werr, streams.ErrChannelFull) {
			return moved, nil
		}
		if err := r.engine.Eval("__streamShift()"); err != nil {
			return moved, err
		}
		moved = true
		if werr != nil {
			log.Debug(r.ctx, log.KV{K: "msg", V: "stream write dropped"}, log.KV{K: "stream", V: sid}, log.KV{K: "err", V: werr.Error()})
			if err := r.engine.Eval(fmt.Sprintf("__streamAbort(%d, %s)", sid, jsQuote(werr.Error()))); err != nil {
				return moved, err
			}
		}
	}
}

// PendingWrites returns the number of script-side chunks still waiting
// for room in their native stream.
func (r *Runtime) PendingWrites() int {
	n, err := r.EvaluateInt("__streamOutbox.length")
	if err != nil {
		return 0
	}
	return n
}
