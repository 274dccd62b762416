package scheduler

import (
	"context"
	"errors"
	"time"

	"vaultbot/internal/dispatch"
	"vaultbot/internal/eventbus"
	"vaultbot/internal/storage"
	logx "vaultbot/pkg/logx"
)

// run is the wait loop: sleep until the earliest known fire time or a wake
// notification, then re-query the store for due work. The store query on
// every wake (never a stale in-memory timestamp) is what tolerates clock
// drift and process suspends.
func (s *Service) run(ctx context.Context, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		s.mu.Lock()
		poll := s.cfg.PollInterval
		s.mu.Unlock()

		wait := poll
		next, ok, err := s.store.NextFire(ctx)
		if err != nil {
			s.log.Warn("next-fire query failed", logx.Err(err))
		} else if ok {
			if d := next.Sub(s.now()); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			// a job was scheduled or cancelled; fall through and re-query
		case <-timer.C:
		}

		s.processDue(ctx, stopCh)
	}
}

// processDue drains everything currently due. It re-queries until the due
// set is empty so catch-up jobs (whose re-armed next-fire may still be in
// the past) fire once per missed interval, capped per cycle.
func (s *Service) processDue(ctx context.Context, stopCh <-chan struct{}) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	fired := map[string]int{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		due, err := s.store.ListDue(ctx, s.now())
		if err != nil {
			s.log.Warn("due query failed", logx.Err(err))
			return
		}
		if len(due) == 0 {
			return
		}

		progressed := false
		for _, j := range due {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			default:
			}

			if j.Kind == storage.JobEvery && j.CatchUp && fired[j.ID] >= cfg.CatchUpLimit {
				// Catch-up budget spent for this cycle: skip the rest of
				// the missed occurrences and re-arm in the future.
				every, perr := time.ParseDuration(j.Spec)
				if perr != nil || every <= 0 {
					s.log.Error("catch-up job has invalid interval; failing it",
						logx.String("job", j.ID), logx.String("spec", j.Spec))
					_ = s.store.MarkFailed(ctx, j.ID, "invalid interval spec")
					progressed = true
					continue
				}
				next := futureAfter(j.NextFire, every, s.now())
				if rerr := s.store.Reschedule(ctx, j.ID, next); rerr != nil {
					s.log.Warn("catch-up re-arm failed", logx.String("job", j.ID), logx.Err(rerr))
				}
				progressed = true
				continue
			}

			claimed, err := s.store.Claim(ctx, j.ID, cfg.Owner)
			if err != nil {
				s.log.Warn("claim failed", logx.String("job", j.ID), logx.Err(err))
				continue
			}
			if !claimed {
				// Lost the race (another instance, or cancelled since the
				// query). Never double-fire.
				continue
			}
			fired[j.ID]++
			progressed = true
			s.execOne(ctx, cfg, j)
		}

		if !progressed {
			return
		}
	}
}

// execOne runs a claimed job to its next state: completed, re-armed
// (recurring or retry), cancelled, or failed.
func (s *Service) execOne(ctx context.Context, cfg Config, j storage.Job) {
	start := s.now()
	attempt := j.Attempts + 1
	s.publish(eventbus.JobFired, j, start, 0, attempt, "")

	runCtx := ctx
	var cancel context.CancelFunc
	if cfg.JobTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.JobTimeout)
	}
	err := s.disp.Dispatch(runCtx, dispatch.Invocation{
		Handler:       j.Handler,
		Subject:       j.Subject,
		Args:          j.Args,
		CorrelationID: j.ID,
		Source:        dispatch.SourceJob,
	})
	if cancel != nil {
		cancel()
	}
	dur := s.now().Sub(start)

	if err != nil {
		s.finishFailed(ctx, cfg, j, attempt, dur, err)
		return
	}

	// Cancellation requested mid-flight wins over re-arming.
	if s.takeCancelRequest(j.ID) {
		if uerr := s.store.UpdateStatus(ctx, j.ID, storage.StatusCancelled, nil); uerr != nil {
			s.log.Warn("deferred cancel failed", logx.String("job", j.ID), logx.Err(uerr))
		}
		s.publish(eventbus.JobCancelled, j, start, dur, attempt, "")
		return
	}

	switch j.Kind {
	case storage.JobOnce:
		if uerr := s.store.UpdateStatus(ctx, j.ID, storage.StatusCompleted, nil); uerr != nil {
			s.log.Warn("complete failed", logx.String("job", j.ID), logx.Err(uerr))
		}
	default:
		next, nerr := nextOccurrence(j, j.NextFire, s.now())
		if nerr != nil {
			s.log.Error("recurrence computation failed", logx.String("job", j.ID), logx.Err(nerr))
			_ = s.store.MarkFailed(ctx, j.ID, nerr.Error())
			s.publish(eventbus.JobFailed, j, start, dur, attempt, nerr.Error())
			return
		}
		if rerr := s.store.Reschedule(ctx, j.ID, next); rerr != nil {
			s.log.Warn("re-arm failed", logx.String("job", j.ID), logx.Err(rerr))
		}
	}

	s.publish(eventbus.JobCompleted, j, start, dur, attempt, "")
	if dur >= 750*time.Millisecond {
		s.log.Info("job completed", logx.String("job", j.ID), logx.String("handler", j.Handler), logx.Duration("dur", dur))
	} else {
		s.log.Debug("job completed", logx.String("job", j.ID), logx.String("handler", j.Handler), logx.Duration("dur", dur))
	}
}

// finishFailed books a failed attempt: backoff retry under the ceiling,
// terminal failed above it. A permanent routing error never retries.
func (s *Service) finishFailed(ctx context.Context, cfg Config, j storage.Job, attempt int, dur time.Duration, cause error) {
	// A cancel accepted mid-flight settles the job regardless of how the
	// attempt ended; booking a retry here would resurrect a cancelled job.
	if s.takeCancelRequest(j.ID) {
		if uerr := s.store.UpdateStatus(ctx, j.ID, storage.StatusCancelled, nil); uerr != nil {
			s.log.Warn("deferred cancel failed", logx.String("job", j.ID), logx.Err(uerr))
		}
		s.publish(eventbus.JobCancelled, j, s.now().Add(-dur), dur, attempt, "")
		return
	}

	maxRetries := j.MaxRetries
	if maxRetries < 0 {
		maxRetries = cfg.RetryMax
	}
	permanent := errors.Is(cause, dispatch.ErrNoHandler)

	if permanent || attempt > maxRetries {
		if uerr := s.store.MarkFailed(ctx, j.ID, cause.Error()); uerr != nil {
			s.log.Warn("mark failed errored", logx.String("job", j.ID), logx.Err(uerr))
		}
		s.publish(eventbus.JobFailed, j, s.now().Add(-dur), dur, attempt, cause.Error())
		s.log.Warn("job failed permanently",
			logx.String("job", j.ID),
			logx.String("handler", j.Handler),
			logx.Int("attempts", attempt),
			logx.Err(cause))
		return
	}

	delay := backoffDelay(cfg.RetryBase, cfg.RetryMaxDelay, attempt)
	next := s.now().Add(delay)
	if uerr := s.store.MarkRetry(ctx, j.ID, attempt, cause.Error(), next); uerr != nil {
		s.log.Warn("retry bookkeeping failed", logx.String("job", j.ID), logx.Err(uerr))
		return
	}
	s.publish(eventbus.JobRetried, j, s.now().Add(-dur), dur, attempt, cause.Error())
	s.log.Debug("job retry scheduled",
		logx.String("job", j.ID),
		logx.Int("attempt", attempt),
		logx.Duration("delay", delay),
		logx.Err(cause))
}

func (s *Service) takeCancelRequest(id string) bool {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	if _, ok := s.cancelReq[id]; ok {
		delete(s.cancelReq, id)
		return true
	}
	return false
}

func (s *Service) publish(typ string, j storage.Job, started time.Time, dur time.Duration, attempt int, errStr string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: typ,
		Time: s.now(),
		Data: eventbus.JobEvent{
			JobID:    j.ID,
			Handler:  j.Handler,
			Started:  started,
			Duration: dur,
			Attempt:  attempt,
			Error:    errStr,
		},
	})
}
