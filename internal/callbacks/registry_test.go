package callbacks

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/openworker/internal/core"
)

type countingCallable struct {
	calls atomic.Int64
}

func (c *countingCallable) Call([]core.Value) error {
	c.calls.Add(1)
	return nil
}

func TestAllocateStartsAtOneAndIsMonotonic(t *testing.T) {
	r := New()
	prev := core.CallbackID(0)
	for i := 0; i < 100; i++ {
		id := r.Allocate()
		require.Greater(t, id, prev)
		prev = id
	}
	assert.Equal(t, core.CallbackID(100), prev)

	r.Reset()
	assert.Equal(t, core.CallbackID(101), r.Allocate(), "reset must not reuse ids")
}

func TestTakeRemovesPeekDoesNot(t *testing.T) {
	r := New()
	id := r.Allocate()
	fn := &countingCallable{}
	r.Register(id, fn)

	got, ok := r.Peek(id)
	require.True(t, ok)
	assert.Same(t, fn, got)
	assert.Equal(t, 1, r.Len())

	got, ok = r.Take(id)
	require.True(t, ok)
	assert.Same(t, fn, got)

	_, ok = r.Take(id)
	assert.False(t, ok)
	_, ok = r.Peek(id)
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestIntervalMarks(t *testing.T) {
	r := New()
	id := r.Allocate()
	r.Register(id, &countingCallable{})
	assert.False(t, r.IsActiveInterval(id))

	r.MarkInterval(id)
	assert.True(t, r.IsActiveInterval(id))

	r.Unmark(id)
	assert.False(t, r.IsActiveInterval(id))
	_, ok := r.Peek(id)
	assert.True(t, ok, "unmark keeps the callable")
}

func TestClearIsIdempotent(t *testing.T) {
	r := New()
	id := r.Allocate()
	r.Register(id, &countingCallable{})
	r.MarkInterval(id)

	assert.True(t, r.Clear(id))
	assert.False(t, r.Clear(id))
	assert.False(t, r.IsActiveInterval(id))
	assert.False(t, r.Clear(r.Allocate()+10))
}

func TestConcurrentTakeDeliversAtMostOnce(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("one-shot callables run at most once", prop.ForAll(
		func(ids, takers int) bool {
			r := New()
			fns := make([]*countingCallable, ids)
			allocated := make([]core.CallbackID, ids)
			for i := range fns {
				fns[i] = &countingCallable{}
				allocated[i] = r.Allocate()
				r.Register(allocated[i], fns[i])
			}

			var wg sync.WaitGroup
			for w := 0; w < takers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for _, id := range allocated {
						if fn, ok := r.Take(id); ok {
							_ = fn.Call(nil)
						}
					}
				}()
			}
			wg.Wait()

			for _, fn := range fns {
				if fn.calls.Load() != 1 {
					return false
				}
			}
			return r.Len() == 0
		},
		gen.IntRange(1, 64),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
