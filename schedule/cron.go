// Package schedule runs saved pipelines on cron expressions. A single tick
// loop dispatches due entries, bounded by a fleet semaphore; run records and
// schedule state persist through the pipeline store.
package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scholium/scholium/scherr"
)

// Expr is a validated five-field cron expression. Construct with Parse.
type Expr struct {
	spec  string
	sched cron.Schedule
}

// parser accepts the classical five-field form only: no seconds field, no
// @-descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

const (
	// minInterval is the smallest allowed gap between consecutive fires.
	minInterval = time.Hour
	// sampleFires is how far ahead Parse looks for a violating gap.
	sampleFires = 100
)

// Parse validates a cron expression. Expressions that can fire more often
// than once an hour anywhere across the sampled horizon are rejected.
func Parse(spec string) (Expr, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return Expr{}, scherr.Wrapf(scherr.InvalidInput, err, "cron %q", spec)
	}
	var prev time.Time
	cur := time.Now().UTC()
	for i := 0; i < sampleFires; i++ {
		next := sched.Next(cur)
		if next.IsZero() {
			// No further fire times within the library's horizon.
			break
		}
		if !prev.IsZero() && next.Sub(prev) < minInterval {
			return Expr{}, scherr.Newf(scherr.InvalidInput,
				"cron %q fires %s apart, minimum interval is %s",
				spec, next.Sub(prev), minInterval)
		}
		prev = next
		cur = next
	}
	return Expr{spec: spec, sched: sched}, nil
}

// Next returns the first fire time strictly after t.
func (e Expr) Next(t time.Time) time.Time {
	if e.sched == nil {
		return time.Time{}
	}
	return e.sched.Next(t)
}

// String returns the original expression.
func (e Expr) String() string { return e.spec }
