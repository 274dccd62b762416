package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"vaultbot/internal/eventbus"
	"vaultbot/internal/storage"
	logx "vaultbot/pkg/logx"
)

// Schedule persists a new job and wakes the loop. Returns the job ID.
// A duplicate ID with an active (pending/running) job yields
// storage.ErrConflict; a terminal duplicate is replaced.
func (s *Service) Schedule(ctx context.Context, spec JobSpec) (string, error) {
	next, err := validateSpec(spec, s.now())
	if err != nil {
		return "", err
	}
	if spec.Handler == "" {
		return "", fmt.Errorf("job requires a handler name")
	}
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	j := storage.Job{
		ID:         id,
		Kind:       spec.Kind,
		Spec:       specString(spec),
		NextFire:   next,
		Handler:    spec.Handler,
		Subject:    spec.Subject,
		Args:       spec.Args,
		Status:     storage.StatusPending,
		MaxRetries: spec.MaxRetries,
		CatchUp:    spec.CatchUp,
	}
	if err := s.store.Put(ctx, &j); err != nil {
		return "", err
	}

	s.log.Debug("job scheduled",
		logx.String("job", id),
		logx.String("kind", string(spec.Kind)),
		logx.String("handler", spec.Handler),
		logx.Time("next_fire", next))
	s.Notify()
	return id, nil
}

// CancelJob cancels a job. A pending job goes terminal immediately and
// never fires. A running job finishes its current execution, then goes
// terminal instead of re-arming. Already-terminal jobs are a no-op.
func (s *Service) CancelJob(ctx context.Context, id string) error {
	err := s.store.Cancel(ctx, id)
	switch {
	case err == nil:
		s.publishCancel(id)
		s.Notify()
		return nil
	case errors.Is(err, storage.ErrConflict):
		// Running right now: defer; execOne settles it after the fire.
		s.cmu.Lock()
		s.cancelReq[id] = struct{}{}
		s.cmu.Unlock()
		s.log.Debug("cancel deferred until current run finishes", logx.String("job", id))
		return nil
	default:
		return err
	}
}

func (s *Service) publishCancel(id string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.JobCancelled,
		Time: s.now(),
		Data: eventbus.JobEvent{JobID: id},
	})
}

// Job returns the stored record for a job ID.
func (s *Service) Job(ctx context.Context, id string) (storage.Job, error) {
	return s.store.Get(ctx, id)
}

// Snapshot reports the scheduler's observable state for health endpoints.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Owner: s.cfg.Owner}
	s.mu.Unlock()

	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return snap, err
	}
	snap.Pending = len(pending)
	if next, ok, err := s.store.NextFire(ctx); err == nil && ok {
		snap.NextFire = next
	}
	return snap, nil
}
