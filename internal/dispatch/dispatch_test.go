package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vaultbot/internal/storage"
	logx "vaultbot/pkg/logx"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *storage.StateStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.sqlite3")
	st, err := storage.OpenState(storage.Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, logx.Nop()), st
}

func TestDispatchRoutesToHandler(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t)

	var got Invocation
	_ = d.Register("greet", func(ctx context.Context, inv *Invocation) error {
		got = *inv
		return nil
	})

	err := d.Dispatch(context.Background(), Invocation{
		Handler:       "greet",
		Subject:       "user:1",
		Args:          json.RawMessage(`{"name":"ada"}`),
		CorrelationID: "evt-1",
		Source:        SourceWebhook,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got.Subject != "user:1" || got.CorrelationID != "evt-1" || got.Source != SourceWebhook {
		t.Fatalf("handler saw wrong invocation: %+v", got)
	}
}

func TestDispatchUnknownHandler(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t)
	err := d.Dispatch(context.Background(), Invocation{Handler: "missing"})
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("err = %v, want ErrNoHandler", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t)
	if err := d.Register("", func(ctx context.Context, inv *Invocation) error { return nil }); err == nil {
		t.Fatal("expected error for empty key")
	}
	if err := d.Register("x", nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestRegisterReplacesHandler(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t)

	var which string
	_ = d.Register("k", func(ctx context.Context, inv *Invocation) error { which = "old"; return nil })
	_ = d.Register("k", func(ctx context.Context, inv *Invocation) error { which = "new"; return nil })

	if err := d.Dispatch(context.Background(), Invocation{Handler: "k"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if which != "new" {
		t.Fatalf("which = %q, want new", which)
	}
}

func TestHandlerErrorWrapping(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t)

	cause := errors.New("boom")
	_ = d.Register("fail", func(ctx context.Context, inv *Invocation) error { return cause })

	err := d.Dispatch(context.Background(), Invocation{Handler: "fail"})
	var he *HandlerError
	if !errors.As(err, &he) {
		t.Fatalf("err = %T, want *HandlerError", err)
	}
	if he.Handler != "fail" || !errors.Is(err, cause) {
		t.Fatalf("unexpected wrap: %v", err)
	}
}

func TestPanicRecoveredAsHandlerError(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t)

	_ = d.Register("explode", func(ctx context.Context, inv *Invocation) error {
		panic("kaboom")
	})

	err := d.Dispatch(context.Background(), Invocation{Handler: "explode"})
	var he *HandlerError
	if !errors.As(err, &he) {
		t.Fatalf("err = %T, want *HandlerError", err)
	}
}

func TestStatePersistedAfterSuccess(t *testing.T) {
	t.Parallel()
	d, st := newTestDispatcher(t)
	ctx := context.Background()

	_ = d.Register("save", func(ctx context.Context, inv *Invocation) error {
		inv.SetState(json.RawMessage(`{"visits":1}`))
		return nil
	})
	if err := d.Dispatch(ctx, Invocation{Handler: "save", Subject: "user:7"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	rec, err := st.GetRecord(ctx, "user:7")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if string(rec.Payload) != `{"visits":1}` {
		t.Fatalf("payload = %s", rec.Payload)
	}
}

func TestStateNotPersistedAfterFailure(t *testing.T) {
	t.Parallel()
	d, st := newTestDispatcher(t)
	ctx := context.Background()

	_ = d.Register("halfway", func(ctx context.Context, inv *Invocation) error {
		inv.SetState(json.RawMessage(`{"partial":true}`))
		return errors.New("rollback")
	})
	if err := d.Dispatch(ctx, Invocation{Handler: "halfway", Subject: "user:8"}); err == nil {
		t.Fatal("expected handler error")
	}

	if _, err := st.GetRecord(ctx, "user:8"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("state leaked: %v", err)
	}
}

func TestDeleteState(t *testing.T) {
	t.Parallel()
	d, st := newTestDispatcher(t)
	ctx := context.Background()

	if err := st.PutRecord(ctx, storage.StateRecord{Subject: "user:9", Payload: []byte(`{"x":1}`)}); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	_ = d.Register("drop", func(ctx context.Context, inv *Invocation) error {
		inv.DeleteState()
		return nil
	})
	if err := d.Dispatch(ctx, Invocation{Handler: "drop", Subject: "user:9"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, err := st.GetRecord(ctx, "user:9"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("record survived delete: %v", err)
	}
}

func TestMissingStateReadsAsEmptyObject(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t)

	var raw json.RawMessage
	_ = d.Register("peek", func(ctx context.Context, inv *Invocation) error {
		var err error
		raw, err = inv.State(ctx)
		return err
	})
	if err := d.Dispatch(context.Background(), Invocation{Handler: "peek", Subject: "ghost"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(raw) != `{}` {
		t.Fatalf("state = %s, want {}", raw)
	}
}

// Two concurrent dispatches on the same subject must not interleave their
// read-modify-write cycles.
func TestSameSubjectSerialized(t *testing.T) {
	t.Parallel()
	d, st := newTestDispatcher(t)
	ctx := context.Background()

	const rounds = 20
	_ = d.Register("incr", func(ctx context.Context, inv *Invocation) error {
		raw, err := inv.State(ctx)
		if err != nil {
			return err
		}
		var s struct {
			N int `json:"n"`
		}
		_ = json.Unmarshal(raw, &s)
		s.N++
		time.Sleep(time.Millisecond) // widen the race window
		b, _ := json.Marshal(s)
		inv.SetState(b)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Dispatch(ctx, Invocation{Handler: "incr", Subject: "counter"})
		}()
	}
	wg.Wait()

	rec, err := st.GetRecord(ctx, "counter")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	var s struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(rec.Payload, &s); err != nil {
		t.Fatalf("bad payload %s: %v", rec.Payload, err)
	}
	if s.N != rounds {
		t.Fatalf("n = %d, want %d (lost updates)", s.N, rounds)
	}
}
