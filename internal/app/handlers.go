package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vaultbot/internal/dispatch"
	"vaultbot/internal/storage"
	logx "vaultbot/pkg/logx"
)

// Built-in handlers. They exercise the full pipeline (routing, subject
// locking, state persistence) and cover the common lifecycle of a record:
// touch keeps it alive, expire removes it, ping probes the path.

// touchHandler merges the event data into the subject's record and stamps
// last_seen. Creating the record on first touch is implicit.
func touchHandler(ctx context.Context, inv *dispatch.Invocation) error {
	if inv.Subject == "" {
		return errors.New("touch requires a subject")
	}
	raw, err := inv.State(ctx)
	if err != nil {
		return err
	}

	state := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &state); err != nil {
			return fmt.Errorf("corrupt state for %s: %w", inv.Subject, err)
		}
	}
	if len(inv.Args) > 0 {
		patch := map[string]any{}
		if err := json.Unmarshal(inv.Args, &patch); err != nil {
			return fmt.Errorf("touch payload must be a JSON object: %w", err)
		}
		for k, v := range patch {
			state[k] = v
		}
	}
	state["last_seen"] = time.Now().UTC().Format(time.RFC3339)

	merged, err := json.Marshal(state)
	if err != nil {
		return err
	}
	inv.SetState(merged)
	return nil
}

// expireHandler drops the subject's record. Expiring a record that is
// already gone is a no-op.
func expireHandler(ctx context.Context, inv *dispatch.Invocation) error {
	if inv.Subject == "" {
		return errors.New("expire requires a subject")
	}
	inv.DeleteState()
	return nil
}

// pingHandler accepts anything and does nothing. Useful for wiring checks.
func pingHandler(ctx context.Context, inv *dispatch.Invocation) error {
	return nil
}

// pruneHandler returns the maintenance handler that evicts terminal jobs
// older than the retention window. Wired to a recurring job at startup;
// retain is re-read per run so config reloads take effect.
func pruneHandler(jobs *storage.JobStore, retain func() time.Duration, log logx.Logger) dispatch.HandlerFunc {
	return func(ctx context.Context, inv *dispatch.Invocation) error {
		keep := retain()
		if keep <= 0 {
			return nil
		}
		n, err := jobs.PruneTerminal(ctx, keep)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("pruned terminal jobs", logx.Int64("count", n))
		}
		return nil
	}
}
