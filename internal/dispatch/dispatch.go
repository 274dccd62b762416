package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"vaultbot/internal/storage"
	logx "vaultbot/pkg/logx"
)

// HandlerFunc is the unit of business logic. Handlers receive the routed
// invocation plus lazy access to the subject's StateRecord; any state
// mutation is persisted before Dispatch returns.
type HandlerFunc func(ctx context.Context, inv *Invocation) error

// Source says which path produced an invocation.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceJob     Source = "job"
)

// Invocation carries a routed unit of work and its state context.
type Invocation struct {
	Handler string
	Subject string
	Args    json.RawMessage

	// CorrelationID is the delivery/job identity, used for logging only.
	CorrelationID string
	Source        Source

	d *Dispatcher

	stateLoaded bool
	state       json.RawMessage
	dirty       bool
	deleted     bool
}

// State lazily loads the StateRecord payload for the invocation's subject.
// A missing record yields an empty JSON object, not an error.
func (inv *Invocation) State(ctx context.Context) (json.RawMessage, error) {
	if inv.Subject == "" {
		return nil, errors.New("invocation has no subject")
	}
	if inv.stateLoaded {
		return inv.state, nil
	}
	rec, err := inv.d.states.GetRecord(ctx, inv.Subject)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		inv.state = json.RawMessage(`{}`)
	case err != nil:
		return nil, err
	default:
		inv.state = rec.Payload
	}
	inv.stateLoaded = true
	return inv.state, nil
}

// SetState replaces the subject's state payload; it is written back after the
// handler returns successfully.
func (inv *Invocation) SetState(payload json.RawMessage) {
	inv.state = payload
	inv.stateLoaded = true
	inv.dirty = true
	inv.deleted = false
}

// DeleteState removes the subject's record after the handler returns.
func (inv *Invocation) DeleteState() {
	inv.deleted = true
	inv.dirty = false
}

// Dispatcher routes invocations to registered handlers, serializing access
// per subject key so two dispatch paths never interleave on one record.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	states *storage.StateStore
	log    logx.Logger

	// subjectLocks stripes per-subject serialization. Striping keeps the
	// lock table bounded; unrelated subjects may occasionally share a stripe.
	subjectLocks [64]sync.Mutex
}

func New(states *storage.StateStore, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		handlers: map[string]HandlerFunc{},
		states:   states,
		log:      log,
	}
}

// Register installs a handler for a routing key. Re-registering replaces
// the previous handler (upsert, like schedule registration).
func (d *Dispatcher) Register(key string, fn HandlerFunc) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("routing key required")
	}
	if fn == nil {
		return errors.New("handler required")
	}
	d.mu.Lock()
	d.handlers[key] = fn
	d.mu.Unlock()
	return nil
}

// Handlers returns the registered routing keys (diagnostics).
func (d *Dispatcher) Handlers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for k := range d.handlers {
		out = append(out, k)
	}
	return out
}

// Dispatch routes inv to its handler. Panics are recovered into a
// HandlerError; unknown routing keys return ErrNoHandler.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) error {
	d.mu.RLock()
	fn, ok := d.handlers[inv.Handler]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, inv.Handler)
	}

	inv.d = d
	if inv.Subject != "" {
		lock := &d.subjectLocks[stripeFor(inv.Subject)]
		lock.Lock()
		defer lock.Unlock()
	}

	start := time.Now()
	err := d.invoke(ctx, fn, &inv)
	if err != nil {
		d.log.Debug("dispatch failed",
			logx.String("handler", inv.Handler),
			logx.String("subject", inv.Subject),
			logx.String("source", string(inv.Source)),
			logx.Duration("took", time.Since(start)),
			logx.Err(err))
		return err
	}

	// Persist state mutations before returning to the caller.
	if inv.deleted {
		if derr := d.states.DeleteRecord(ctx, inv.Subject); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
			return derr
		}
	} else if inv.dirty {
		rec := storage.StateRecord{Subject: inv.Subject, Payload: inv.state, UpdatedAt: time.Now()}
		if perr := d.states.PutRecord(ctx, rec); perr != nil {
			return perr
		}
	}

	d.log.Debug("dispatched",
		logx.String("handler", inv.Handler),
		logx.String("subject", inv.Subject),
		logx.String("source", string(inv.Source)),
		logx.Duration("took", time.Since(start)))
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, fn HandlerFunc, inv *Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in handler",
				logx.String("handler", inv.Handler),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			err = &HandlerError{Handler: inv.Handler, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := fn(ctx, inv); err != nil {
		return &HandlerError{Handler: inv.Handler, Err: err}
	}
	return nil
}

func stripeFor(subject string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subject))
	return int(h.Sum32() % 64)
}
