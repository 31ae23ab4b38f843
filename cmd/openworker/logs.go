package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"goa.design/clue/log"
)

// logLine is one console line as sent to /__logs clients.
type logLine struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// logHub fans console lines out to websocket subscribers. Slow
// subscribers lose lines rather than stalling workers.
type logHub struct {
	mu   sync.Mutex
	subs map[chan logLine]struct{}
}

func newLogHub() *logHub {
	return &logHub{subs: make(map[chan logLine]struct{})}
}

func (h *logHub) publish(level, message string) {
	line := logLine{Time: time.Now().UTC(), Level: level, Message: message}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

func (h *logHub) subscribe() (chan logLine, func()) {
	ch := make(chan logLine, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

func (h *logHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	lines, unsubscribe := h.subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case line := <-lines:
			data, err := json.Marshal(line)
			if err != nil {
				log.Error(r.Context(), err, log.KV{K: "msg", V: "encoding log line"})
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
