// Package webapi installs the Web-platform globals a worker script sees:
// encoding, URL, console, timers, streams, Headers/Request/Response,
// fetch, crypto and the event triggers. Everything is JS glue over the natives
// the runtime package registers; nothing here evaluates script on its own
// after setup.
package webapi

import (
	"context"
	"fmt"

	"github.com/cryguy/openworker/internal/core"
)

// Options configures Setup.
type Options struct {
	// Sink receives every console line after it was logged. Optional.
	Sink LogSink
}

// Setup installs every global in dependency order.
func Setup(ctx context.Context, rt core.JSRuntime, opts Options) error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"encoding", func() error { return SetupEncoding(rt) }},
		{"url", func() error { return SetupURL(rt) }},
		{"console", func() error { return SetupConsole(ctx, rt, opts.Sink) }},
		{"timers", func() error { return SetupTimers(rt) }},
		{"streams", func() error { return SetupStreams(rt) }},
		{"http", func() error { return SetupHTTP(rt) }},
		{"fetch", func() error { return SetupFetch(rt) }},
		{"crypto", func() error { return SetupCrypto(rt) }},
		{"events", func() error { return SetupEvents(rt) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return fmt.Errorf("setting up %s: %w", s.name, err)
		}
	}
	return nil
}
