package core

// EngineConfig holds the limits applied to one engine instance and the
// native plumbing attached to it.
type EngineConfig struct {
	MemoryLimitMB    int // per-engine heap limit, 0 for none
	ExecutionTimeout int // milliseconds a single synchronous evaluation may run
	MaxFetchRequests int // outbound fetches allowed per second, 0 for unlimited
	FetchTimeoutSec  int // per-fetch timeout in seconds
	MaxResponseBytes int // max buffered response body size
	StreamCapacity   int // chunks buffered per stream before writers block
}

// DefaultStreamCapacity bounds the chunks buffered on one stream.
const DefaultStreamCapacity = 16

// Normalize fills zero fields with defaults.
func (c EngineConfig) Normalize() EngineConfig {
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 5000
	}
	if c.FetchTimeoutSec <= 0 {
		c.FetchTimeoutSec = 30
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = 10 * 1024 * 1024
	}
	if c.StreamCapacity <= 0 {
		c.StreamCapacity = DefaultStreamCapacity
	}
	return c
}
