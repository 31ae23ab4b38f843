package worker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"goa.design/clue/log"
)

// Cron is a parsed five-field cron expression:
// minute hour day-of-month month day-of-week.
// Every field accepts *, N, N-M, comma lists and a /S step after * or a range.
type Cron struct {
	expr string
	sets [5]uint64 // bit v is set when value v matches
}

var cronFields = [5]struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day", 1, 31},
	{"month", 1, 12},
	{"weekday", 0, 6},
}

// ParseCron parses expr. All five fields must match for a minute to fire.
func ParseCron(expr string) (*Cron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron %q: want 5 fields (minute hour day month weekday), got %d", expr, len(fields))
	}
	c := &Cron{expr: strings.Join(fields, " ")}
	for i, f := range fields {
		set, err := parseCronField(f, cronFields[i].min, cronFields[i].max)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %s field: %w", expr, cronFields[i].name, err)
		}
		c.sets[i] = set
	}
	return c, nil
}

func parseCronField(field string, lo, hi int) (uint64, error) {
	var set uint64
	for part := range strings.SplitSeq(field, ",") {
		rng, stepStr, hasStep := strings.Cut(part, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid step %q", part)
			}
			step = n
		}
		from, to := lo, hi
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			low, err1 := strconv.Atoi(a)
			high, err2 := strconv.Atoi(b)
			if err1 != nil || err2 != nil {
				return 0, fmt.Errorf("invalid range %q", part)
			}
			if low < lo || high > hi || low > high {
				return 0, fmt.Errorf("range %q out of bounds (allowed %d-%d)", part, lo, hi)
			}
			from, to = low, high
		default:
			if hasStep {
				return 0, fmt.Errorf("step needs * or a range: %q", part)
			}
			n, err := strconv.Atoi(rng)
			if err != nil {
				return 0, fmt.Errorf("invalid value %q", part)
			}
			if n < lo || n > hi {
				return 0, fmt.Errorf("value %d out of range (allowed %d-%d)", n, lo, hi)
			}
			from, to = n, n
		}
		for v := from; v <= to; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

// String returns the normalized expression.
func (c *Cron) String() string { return c.expr }

// Matches reports whether the minute containing t fires.
func (c *Cron) Matches(t time.Time) bool {
	values := [5]int{t.Minute(), t.Hour(), t.Day(), int(t.Month()), int(t.Weekday())}
	for i, v := range values {
		if c.sets[i]&(1<<uint(v)) == 0 {
			return false
		}
	}
	return true
}

// cronHorizon bounds Next. Expressions like "0 0 31 2 *" never fire.
const cronHorizon = 4 * 366 * 24 * time.Hour

// Next returns the first matching minute strictly after t, or the zero
// time when none exists within four years.
func (c *Cron) Next(t time.Time) time.Time {
	next := t.Truncate(time.Minute).Add(time.Minute)
	end := t.Add(cronHorizon)
	for next.Before(end) {
		switch {
		case c.sets[3]&(1<<uint(next.Month())) == 0:
			next = time.Date(next.Year(), next.Month()+1, 1, 0, 0, 0, 0, next.Location())
		case c.sets[2]&(1<<uint(next.Day())) == 0 || c.sets[4]&(1<<uint(next.Weekday())) == 0:
			next = time.Date(next.Year(), next.Month(), next.Day()+1, 0, 0, 0, 0, next.Location())
		case c.sets[1]&(1<<uint(next.Hour())) == 0:
			next = next.Truncate(time.Hour).Add(time.Hour)
		case c.sets[0]&(1<<uint(next.Minute())) == 0:
			next = next.Add(time.Minute)
		default:
			return next
		}
	}
	return time.Time{}
}

// RunSchedules dispatches a task event through the pool every time one of
// schedules fires, until ctx ends. Each firing runs on its own goroutine so
// a slow handler does not delay the next minute.
func (p *Pool) RunSchedules(ctx context.Context, schedules []*Cron) error {
	if len(schedules) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		now := time.Now()
		var at time.Time
		for _, c := range schedules {
			if n := c.Next(now); !n.IsZero() && (at.IsZero() || n.Before(at)) {
				at = n
			}
		}
		if at.IsZero() {
			log.Warn(ctx, log.KV{K: "msg", V: "no schedule can fire"})
			<-ctx.Done()
			return ctx.Err()
		}
		timer := time.NewTimer(time.Until(at))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		for _, c := range schedules {
			if c.Matches(at) {
				go p.fire(ctx, c, at)
			}
		}
	}
}

func (p *Pool) fire(ctx context.Context, c *Cron, at time.Time) {
	ev := NewTaskEvent(TaskInit{ScheduledTime: at, Cron: c.String()})
	term, err := p.Exec(ctx, ev)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "scheduled event failed"}, log.KV{K: "event", V: ev.ID}, log.KV{K: "cron", V: c.String()})
		return
	}
	log.Debug(ctx, log.KV{K: "msg", V: "scheduled event"}, log.KV{K: "event", V: ev.ID}, log.KV{K: "cron", V: c.String()}, log.KV{K: "termination", V: term.String()})
}
