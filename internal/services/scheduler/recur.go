package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"vaultbot/internal/storage"
)

// cronParser accepts both 5-field and 6-field (with seconds) specs plus
// descriptors like @hourly and @every.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// nextOccurrence computes the authoritative next-fire time for a recurring
// job after a successful fire of the occurrence scheduled at fired.
//
// Fixed-interval jobs without catch-up skip missed intervals entirely: the
// result is always in the future. With catch-up the result is simply
// fired+interval, which may still be in the past; the wake loop then fires
// once per missed interval (capped per cycle by Config.CatchUpLimit).
//
// Cron jobs never backfill: the expression's next match after now wins.
func nextOccurrence(j storage.Job, fired, now time.Time) (time.Time, error) {
	switch j.Kind {
	case storage.JobEvery:
		every, err := time.ParseDuration(j.Spec)
		if err != nil || every <= 0 {
			return time.Time{}, fmt.Errorf("job %s: invalid interval %q", j.ID, j.Spec)
		}
		next := fired.Add(every)
		if j.CatchUp || next.After(now) {
			return next, nil
		}
		return futureAfter(fired, every, now), nil
	case storage.JobCron:
		sched, err := cronParser.Parse(j.Spec)
		if err != nil {
			return time.Time{}, fmt.Errorf("job %s: invalid cron spec %q: %w", j.ID, j.Spec, err)
		}
		return sched.Next(now), nil
	default:
		return time.Time{}, fmt.Errorf("job %s: kind %q does not recur", j.ID, j.Kind)
	}
}

// futureAfter returns the first occurrence of base+n*every strictly after now.
func futureAfter(base time.Time, every time.Duration, now time.Time) time.Time {
	if base.After(now) {
		return base
	}
	elapsed := now.Sub(base)
	n := elapsed/every + 1
	next := base.Add(n * every)
	for !next.After(now) {
		next = next.Add(every)
	}
	return next
}

// validateSpec checks a JobSpec's schedule and resolves the first fire time.
func validateSpec(spec JobSpec, now time.Time) (time.Time, error) {
	switch spec.Kind {
	case storage.JobOnce:
		if spec.At.IsZero() {
			return time.Time{}, fmt.Errorf("one-shot job requires a fire time")
		}
		return spec.At, nil
	case storage.JobEvery:
		if spec.Every <= 0 {
			return time.Time{}, fmt.Errorf("interval job requires a positive interval")
		}
		return now.Add(spec.Every), nil
	case storage.JobCron:
		sched, err := cronParser.Parse(spec.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron spec %q: %w", spec.Cron, err)
		}
		return sched.Next(now), nil
	default:
		return time.Time{}, fmt.Errorf("unknown job kind %q", spec.Kind)
	}
}

// specString is what gets persisted in the job row's spec column.
func specString(spec JobSpec) string {
	switch spec.Kind {
	case storage.JobEvery:
		return spec.Every.String()
	case storage.JobCron:
		return spec.Cron
	default:
		return ""
	}
}
