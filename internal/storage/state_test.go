package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "vaultbot/pkg/logx"
)

func openTestState(t *testing.T) *StateStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.sqlite3")
	s, err := OpenState(Config{Path: path, BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestState(t)
	ctx := context.Background()

	_, err := s.GetRecord(ctx, "user:9")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutRecord(ctx, StateRecord{Subject: "user:9", Payload: []byte(`{"tier":"free"}`)}))
	got, err := s.GetRecord(ctx, "user:9")
	require.NoError(t, err)
	require.JSONEq(t, `{"tier":"free"}`, string(got.Payload))
	require.False(t, got.UpdatedAt.IsZero())

	// Last writer wins on the same subject.
	require.NoError(t, s.PutRecord(ctx, StateRecord{Subject: "user:9", Payload: []byte(`{"tier":"pro"}`)}))
	got, err = s.GetRecord(ctx, "user:9")
	require.NoError(t, err)
	require.JSONEq(t, `{"tier":"pro"}`, string(got.Payload))

	require.NoError(t, s.DeleteRecord(ctx, "user:9"))
	_, err = s.GetRecord(ctx, "user:9")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.DeleteRecord(ctx, "user:9"), ErrNotFound)
}

func TestRecordSubjectRequired(t *testing.T) {
	t.Parallel()
	s := openTestState(t)
	require.Error(t, s.PutRecord(context.Background(), StateRecord{Payload: []byte(`{}`)}))
}

func TestSettings(t *testing.T) {
	t.Parallel()
	s := openTestState(t)
	ctx := context.Background()

	v, err := s.GetSetting(ctx, "mode", "standard")
	require.NoError(t, err)
	require.Equal(t, "standard", v)

	require.NoError(t, s.SetSetting(ctx, "mode", "strict"))
	v, err = s.GetSetting(ctx, "mode", "standard")
	require.NoError(t, err)
	require.Equal(t, "strict", v)

	// Replacement, not accumulation.
	require.NoError(t, s.SetSetting(ctx, "mode", "lenient"))
	v, err = s.GetSetting(ctx, "mode", "standard")
	require.NoError(t, err)
	require.Equal(t, "lenient", v)
}

func TestDedupWindow(t *testing.T) {
	t.Parallel()
	s := openTestState(t)
	ctx := context.Background()

	seen, err := s.SeenDedup(ctx, "evt-1")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, s.PutDedup(ctx, "evt-1", time.Now().Add(time.Minute)))
	seen, err = s.SeenDedup(ctx, "evt-1")
	require.NoError(t, err)
	require.True(t, seen)

	// Expired entries read as unseen.
	require.NoError(t, s.PutDedup(ctx, "evt-2", time.Now().Add(-time.Second)))
	seen, err = s.SeenDedup(ctx, "evt-2")
	require.NoError(t, err)
	require.False(t, seen)

	// Empty keys are ignored rather than stored.
	require.NoError(t, s.PutDedup(ctx, "", time.Now().Add(time.Minute)))
	seen, err = s.SeenDedup(ctx, "")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestStoreStats(t *testing.T) {
	t.Parallel()
	s := openTestState(t)
	ctx := context.Background()

	require.NoError(t, s.PutRecord(ctx, StateRecord{Subject: "a", Payload: []byte(`{}`)}))
	require.NoError(t, s.PutRecord(ctx, StateRecord{
		Subject:   "stale",
		Payload:   []byte(`{}`),
		UpdatedAt: time.Now().Add(-48 * time.Hour),
	}))
	require.NoError(t, s.SetSetting(ctx, "k", "v"))

	st, err := s.StoreStats(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, st.Records)
	require.Equal(t, 1, st.Active)
	require.Equal(t, 1, st.Settings)
}
