package worker

import (
	"context"
	"fmt"
	"time"
)

// PollTier sleeps Sleep between checks for iterations below Until.
type PollTier struct {
	Until int           `yaml:"until"`
	Sleep time.Duration `yaml:"sleep"`
}

// PollPolicy is the adaptive backoff used while waiting for a handler.
// Early iterations sleep for microseconds so synchronous handlers are
// picked up at once; later ones back off to bound CPU use.
type PollPolicy struct {
	Iterations int           `yaml:"iterations"`
	Tiers      []PollTier    `yaml:"tiers"`
	Final      time.Duration `yaml:"final"`
	// Timeout is reported in the timeout error and caps wall-clock time.
	// Zero means the sum of all sleeps.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultFetchPoll waits up to 500 iterations for a fetch response.
var DefaultFetchPoll = PollPolicy{
	Iterations: 500,
	Tiers:      []PollTier{{Until: 10, Sleep: time.Microsecond}, {Until: 110, Sleep: time.Millisecond}},
	Final:      10 * time.Millisecond,
	Timeout:    5 * time.Second,
}

// DefaultTaskPoll waits up to 100 iterations for a scheduled task.
var DefaultTaskPoll = PollPolicy{
	Iterations: 100,
	Tiers:      []PollTier{{Until: 10, Sleep: time.Microsecond}, {Until: 50, Sleep: time.Millisecond}},
	Final:      10 * time.Millisecond,
}

func (p PollPolicy) sleep(i int) time.Duration {
	for _, t := range p.Tiers {
		if i < t.Until {
			return t.Sleep
		}
	}
	return p.Final
}

// Budget returns the wall-clock bound of the poll.
func (p PollPolicy) Budget() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	var total time.Duration
	for i := range p.Iterations {
		total += p.sleep(i)
	}
	return total
}

func (p PollPolicy) validate() error {
	if p.Iterations < 1 {
		return fmt.Errorf("iterations must be at least 1")
	}
	prev := 0
	for _, t := range p.Tiers {
		if t.Until <= prev {
			return fmt.Errorf("tier bounds must increase")
		}
		if t.Sleep <= 0 {
			return fmt.Errorf("tier sleep must be positive")
		}
		prev = t.Until
	}
	if p.Final <= 0 {
		return fmt.Errorf("final sleep must be positive")
	}
	return nil
}

// poll drives callbacks until done reports true. A wake-up caused by a
// queued completion does not count as an iteration; the wall-clock budget
// still bounds the loop.
func (w *Worker) poll(ctx context.Context, p PollPolicy, done func() (bool, error)) error {
	budget := p.Budget()
	deadline := time.Now().Add(budget)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for i := 0; i < p.Iterations; {
		w.rt.ProcessCallbacks()
		ok, err := done()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		timer.Reset(p.sleep(i))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.closed:
			return ErrClosed
		case <-w.rt.Ready():
			timer.Stop()
		case <-timer.C:
			i++
		}
	}
	return fmt.Errorf("%w: no response after %v", ErrResponseTimeout, budget)
}
