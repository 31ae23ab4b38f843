package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/cryguy/openworker/internal/core"
)

type countingProvider struct {
	noop.MeterProvider
	names []string
	adds  *atomic.Int64
}

func (p *countingProvider) Meter(string, ...metric.MeterOption) metric.Meter {
	return &countingMeter{p: p}
}

type countingMeter struct {
	noop.Meter
	p *countingProvider
}

func (m *countingMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	m.p.names = append(m.p.names, name)
	return countingCounter{adds: m.p.adds}, nil
}

type countingCounter struct {
	noop.Int64Counter
	adds *atomic.Int64
}

func (c countingCounter) Add(_ context.Context, incr int64, _ ...metric.AddOption) {
	c.adds.Add(incr)
}

func TestCallbackCounterIsInteger(t *testing.T) {
	prev := otel.GetMeterProvider()
	p := &countingProvider{adds: new(atomic.Int64)}
	otel.SetMeterProvider(p)
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	rt := newRuntime(t, core.EngineConfig{})
	require.Contains(t, p.names, "openworker.callbacks")

	require.NoError(t, rt.Evaluate(`
		globalThis.fired = 0;
		__schedule_timeout(__callbackRegister(function() { fired++; }), 1);
		__schedule_timeout(__callbackRegister(function() { fired++; }), 1);
	`))
	pumpUntil(t, rt, 2*time.Second, "fired === 2")
	assert.Equal(t, int64(2), p.adds.Load())
}
