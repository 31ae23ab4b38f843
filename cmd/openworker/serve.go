package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	worker "github.com/cryguy/openworker"
)

var (
	addr     string
	poolSize int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the worker's fetch handler over HTTP",
	Long: `Serve the worker's fetch handler over HTTP.

Every request is dispatched to a pool of workers. Console output of all
workers is streamed to websocket clients connected to /__logs. Schedules
listed under crons in the config file fire the scheduled handler.

Examples:
  openworker serve -s app.js
  openworker serve -s app.js --addr :9000 --pool 8 --debug`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := logContext(cmd.Context())
		src, cfg, err := load()
		if err != nil {
			return err
		}
		if poolSize > 0 {
			cfg.PoolSize = poolSize
		}
		schedules, err := cfg.Schedules()
		if err != nil {
			return err
		}
		hub := newLogHub()
		cfg.LogSink = hub.publish

		pool, err := worker.NewPool(ctx, src, cfg)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "starting workers"})
			return err
		}
		defer pool.Close()

		mux := http.NewServeMux()
		mux.HandleFunc("/__logs", hub.serveWS)
		mux.Handle("/", &frontDoor{pool: pool, ctx: ctx})

		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		go func() { _ = pool.RunSchedules(ctx, schedules) }()
		log.Info(ctx, log.KV{K: "msg", V: "serving"}, log.KV{K: "addr", V: addr}, log.KV{K: "pool", V: pool.Size()}, log.KV{K: "schedules", V: len(schedules)})

		select {
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&addr, "addr", ":8787", "listen address")
	serveCmd.Flags().IntVar(&poolSize, "pool", 0, "worker count, overrides pool_size")
}

// frontDoor turns HTTP requests into fetch events.
type frontDoor struct {
	pool *worker.Pool
	ctx  context.Context
}

// maxRequestBody bounds inbound request bodies.
const maxRequestBody = 10 << 20

func (f *frontDoor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	req := worker.Request{
		Method: r.Method,
		URL:    scheme + "://" + r.Host + r.URL.RequestURI(),
		Body:   body,
	}
	for name, vals := range r.Header {
		for _, v := range vals {
			req.Headers = append(req.Headers, worker.Header{Name: name, Value: v})
		}
	}

	ev := worker.NewFetchEvent(req)
	resp, err := f.pool.ExecHTTP(ctx, ev)
	if err != nil {
		log.Error(f.ctx, err, log.KV{K: "msg", V: "fetch failed"}, log.KV{K: "event", V: ev.ID}, log.KV{K: "url", V: req.URL})
		status := http.StatusInternalServerError
		if errors.Is(err, worker.ErrResponseTimeout) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, err.Error(), status)
		return
	}
	if err := resp.Write(ctx, w); err != nil {
		log.Warn(f.ctx, log.KV{K: "msg", V: "writing response"}, log.KV{K: "event", V: ev.ID}, log.KV{K: "err", V: err.Error()})
	}
}
