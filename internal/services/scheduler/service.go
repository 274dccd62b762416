package scheduler

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"vaultbot/internal/dispatch"
	"vaultbot/internal/eventbus"
	"vaultbot/internal/storage"
	logx "vaultbot/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config

	store *storage.JobStore
	disp  *dispatch.Dispatcher
	bus   eventbus.Bus
	log   logx.Logger

	// wake is poked (non-blocking) whenever a job is scheduled or cancelled
	// so the wait loop recomputes its deadline.
	wake chan struct{}

	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; closed when the
	// loop and in-flight work have fully exited.
	stopDone chan struct{}
	runWG    sync.WaitGroup

	// cancelReq holds cancellations requested while the job was running;
	// the current execution finishes, then the job goes terminal instead
	// of re-arming.
	cmu       sync.Mutex
	cancelReq map[string]struct{}

	// now is a test hook.
	now func() time.Time
}

func New(cfg Config, store *storage.JobStore, disp *dispatch.Dispatcher, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		store:     store,
		disp:      disp,
		bus:       bus,
		log:       log,
		wake:      make(chan struct{}, 1),
		cancelReq: map[string]struct{}{},
		now:       time.Now,
	}
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "vaultbot"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps runtime tunables (retry/backoff/catch-up/poll). Owner and
// Enabled changes require a restart and are ignored here.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	cfg.Owner = s.cfg.Owner
	cfg.Enabled = s.cfg.Enabled
	s.cfg = cfg
	s.mu.Unlock()
	s.Notify()
}

// Notify pokes the wait loop so it recomputes the next wake deadline.
// Safe to call from any goroutine; never blocks.
func (s *Service) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the wait loop. The job store must already be open.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if !s.cfg.Enabled || s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	cfg := s.cfg
	s.mu.Unlock()

	// Recover jobs left 'running' by a previous crash before the loop
	// starts: they were claimed but their fire never concluded, so they
	// re-arm as pending and fire again. At-least-once across crashes.
	s.recoverOrphans(ctx, cfg.Owner)

	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in scheduler loop",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		s.run(ctx, stopCh)
	}()
	s.log.Info("scheduler started",
		logx.String("owner", cfg.Owner),
		logx.Duration("poll", cfg.PollInterval))
}

// Stop stops accepting new fire cycles and lets in-flight jobs finish,
// bounded by the drain timeout (and by ctx).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	drain := s.cfg.DrainTimeout
	s.mu.Unlock()

	start := time.Now()
	close(stopCh)

	go func() {
		s.runWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	case <-time.After(drain):
		s.log.Warn("scheduler drain timeout; in-flight job abandoned",
			logx.Duration("drain", drain))
	case <-ctx.Done():
	}
}

// recoverOrphans re-arms jobs stuck in 'running' from a previous process.
// Assumes a single scheduler instance per job store (see DESIGN notes on
// the multi-instance open question).
func (s *Service) recoverOrphans(ctx context.Context, owner string) {
	n, err := s.store.RequeueRunning(ctx)
	if err != nil {
		s.log.Warn("orphan recovery failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("requeued orphaned running jobs", logx.Int64("count", n), logx.String("owner", owner))
	}
}
