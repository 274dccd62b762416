package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"sync/atomic"
	"time"

	logx "vaultbot/pkg/logx"
)

//go:embed state_migrations.sql
var stateMigrationsFS embed.FS

// StateStore holds application context keyed by subject, operator settings,
// and the inbound-delivery dedup window.
type StateStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func OpenState(cfg Config, log logx.Logger) (*StateStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	s := &StateStore{db: db, log: log, pruneEvery: 500}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, unavailable(err)
	}
	return s, nil
}

func (s *StateStore) migrate(ctx context.Context) error {
	b, err := stateMigrationsFS.ReadFile("state_migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *StateStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetRecord returns the live record for subject, or ErrNotFound.
func (s *StateStore) GetRecord(ctx context.Context, subject string) (StateRecord, error) {
	var (
		payload string
		ms      int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, updated_at FROM records WHERE subject = ?`, subject).
		Scan(&payload, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return StateRecord{}, ErrNotFound
	}
	if err != nil {
		return StateRecord{}, unavailable(err)
	}
	return StateRecord{Subject: subject, Payload: []byte(payload), UpdatedAt: msToTime(ms)}, nil
}

// PutRecord upserts the record for subject. Last writer wins.
func (s *StateStore) PutRecord(ctx context.Context, r StateRecord) error {
	if r.Subject == "" {
		return errors.New("subject required")
	}
	payload := string(r.Payload)
	if payload == "" {
		payload = "{}"
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records(subject, payload, updated_at) VALUES(?,?,?)
		 ON CONFLICT(subject) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`,
		r.Subject, payload, r.UpdatedAt.UnixMilli())
	return unavailable(err)
}

func (s *StateStore) DeleteRecord(ctx context.Context, subject string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE subject = ?`, subject)
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSetting stores an operator setting (insert-or-replace).
func (s *StateStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO settings(key, value) VALUES(?,?)`, key, value)
	return unavailable(err)
}

// GetSetting returns the value for key, or def when absent.
func (s *StateStore) GetSetting(ctx context.Context, key, def string) (string, error) {
	var v sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, unavailable(err)
	}
	if !v.Valid {
		return def, nil
	}
	return v.String, nil
}

// PutDedup records that a correlation key has been seen until the given time.
// Expired entries are pruned opportunistically every pruneEvery writes.
func (s *StateStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli())
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneDedup(pctx)
		cancel()
	}
	return unavailable(err)
}

// SeenDedup reports whether key is inside its dedup window.
func (s *StateStore) SeenDedup(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(err)
	}
	return time.Now().UnixMilli() < ms, nil
}

func (s *StateStore) pruneDedup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

// StoreStats summarizes the state store for operator introspection.
// activeWithin bounds the "recently updated" record count.
func (s *StateStore) StoreStats(ctx context.Context, activeWithin time.Duration) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&st.Records); err != nil {
		return Stats{}, unavailable(err)
	}
	cutoff := time.Now().Add(-activeWithin).UnixMilli()
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE updated_at >= ?`, cutoff).Scan(&st.Active); err != nil {
		return Stats{}, unavailable(err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM settings`).Scan(&st.Settings); err != nil {
		return Stats{}, unavailable(err)
	}
	return st, nil
}
