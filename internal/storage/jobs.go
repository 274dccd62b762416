package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"time"

	logx "vaultbot/pkg/logx"
)

//go:embed jobs_migrations.sql
var jobsMigrationsFS embed.FS

// JobStore is the durable table of scheduled jobs. Every successful mutating
// call is flushed before returning, so a restart immediately afterwards
// observes the mutation.
type JobStore struct {
	db  *sql.DB
	log logx.Logger
}

func OpenJobs(cfg Config, log logx.Logger) (*JobStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	s := &JobStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, unavailable(err)
	}
	return s, nil
}

func (s *JobStore) migrate(ctx context.Context) error {
	b, err := jobsMigrationsFS.ReadFile("jobs_migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *JobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const jobCols = `id, kind, spec, next_fire, handler, subject, args, status,
	attempts, max_retries, catch_up, last_error, claimed_by, created_at, updated_at`

// Put inserts a job. A duplicate ID is rejected with ErrConflict while the
// existing job is still active; a terminal job with the same ID is replaced.
func (s *JobStore) Put(ctx context.Context, j *Job) error {
	if j == nil || j.ID == "" {
		return errors.New("job id required")
	}
	cur, err := s.Get(ctx, j.ID)
	switch {
	case err == nil:
		if !cur.Status.Terminal() {
			return ErrConflict
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, j.ID); err != nil {
			return unavailable(err)
		}
	case errors.Is(err, ErrNotFound):
		// fresh insert
	default:
		return err
	}

	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.Status == "" {
		j.Status = StatusPending
	}
	args := string(j.Args)
	if args == "" {
		args = "{}"
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, kind, spec, next_fire, handler, subject, args, status,
		   attempts, max_retries, catch_up, last_error, claimed_by, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, string(j.Kind), j.Spec, j.NextFire.UnixMilli(), j.Handler, j.Subject, args,
		string(j.Status), j.Attempts, j.MaxRetries, boolInt(j.CatchUp),
		nullStr(j.LastError), nullStr(j.ClaimedBy), j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *JobStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
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

// ListDue returns pending jobs with next_fire <= before, ordered by next_fire
// ascending, ties broken by job ID for determinism.
func (s *JobStore) ListDue(ctx context.Context, before time.Time) ([]Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE status = ? AND next_fire <= ?
		 ORDER BY next_fire ASC, id ASC`,
		string(StatusPending), before.UnixMilli())
}

// ListPending returns all pending jobs regardless of due time (startup load).
func (s *JobStore) ListPending(ctx context.Context) ([]Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE status = ? ORDER BY next_fire ASC, id ASC`,
		string(StatusPending))
}

// NextFire returns the earliest pending next-fire time, if any.
func (s *JobStore) NextFire(ctx context.Context) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(next_fire) FROM jobs WHERE status = ?`, string(StatusPending)).Scan(&ms)
	if err != nil {
		return time.Time{}, false, unavailable(err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return msToTime(ms.Int64), true, nil
}

// Claim atomically transitions a pending job to running. It returns false
// (no error) when the job was already claimed, cancelled, or rescheduled by
// another instance; this is what prevents double-firing.
func (s *JobStore) Claim(ctx context.Context, id, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, claimed_by = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusRunning), owner, time.Now().UnixMilli(), id, string(StatusPending))
	if err != nil {
		return false, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

// UpdateStatus sets the job status and, when nextFire is non-nil, the
// authoritative next-fire timestamp.
func (s *JobStore) UpdateStatus(ctx context.Context, id string, status JobStatus, nextFire *time.Time) error {
	var (
		res sql.Result
		err error
	)
	now := time.Now().UnixMilli()
	if nextFire != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, next_fire = ?, updated_at = ? WHERE id = ?`,
			string(status), nextFire.UnixMilli(), now, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, id)
	}
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

// Reschedule re-arms a recurring job after a successful fire: back to
// pending with a fresh next-fire, attempts and last error cleared.
func (s *JobStore) Reschedule(ctx context.Context, id string, nextFire time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, next_fire = ?, attempts = 0, last_error = NULL,
		   claimed_by = NULL, updated_at = ?
		 WHERE id = ?`,
		string(StatusPending), nextFire.UnixMilli(), time.Now().UnixMilli(), id)
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

// MarkRetry books a failed attempt and re-arms the job for a backoff retry.
func (s *JobStore) MarkRetry(ctx context.Context, id string, attempt int, lastErr string, nextFire time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, next_fire = ?, attempts = ?, last_error = ?,
		   claimed_by = NULL, updated_at = ?
		 WHERE id = ?`,
		string(StatusPending), nextFire.UnixMilli(), attempt, nullStr(lastErr),
		time.Now().UnixMilli(), id)
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

// MarkFailed makes the job terminal after the retry ceiling is exhausted.
func (s *JobStore) MarkFailed(ctx context.Context, id string, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(StatusFailed), nullStr(lastErr), time.Now().UnixMilli(), id)
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

// Cancel transitions a pending job to cancelled. A running job returns
// ErrConflict: the in-flight execution finishes first (cancellation of
// in-flight work is not supported).
func (s *JobStore) Cancel(ctx context.Context, id string) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status == StatusRunning {
		return ErrConflict
	}
	if cur.Status.Terminal() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusCancelled), time.Now().UnixMilli(), id, string(StatusPending))
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		// Lost a race with a claim between Get and Update.
		return ErrConflict
	}
	return nil
}

// RequeueRunning re-arms jobs left in 'running' by a crashed process.
// Only safe when a single scheduler instance owns this store.
func (s *JobStore) RequeueRunning(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, claimed_by = NULL, updated_at = ? WHERE status = ?`,
		string(StatusPending), time.Now().UnixMilli(), string(StatusRunning))
	if err != nil {
		return 0, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// PruneTerminal deletes terminal jobs older than the retention window.
func (s *JobStore) PruneTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?,?,?) AND updated_at < ?`,
		string(StatusCompleted), string(StatusCancelled), string(StatusFailed), cutoff)
	if err != nil {
		return 0, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (s *JobStore) queryJobs(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j                    Job
		kind, status, args   string
		nextMs, cre, upd     int64
		catchUp              int
		lastErr, claimedBy   sql.NullString
	)
	err := row.Scan(&j.ID, &kind, &j.Spec, &nextMs, &j.Handler, &j.Subject, &args,
		&status, &j.Attempts, &j.MaxRetries, &catchUp, &lastErr, &claimedBy, &cre, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, unavailable(err)
	}
	j.Kind = JobKind(kind)
	j.Status = JobStatus(status)
	j.Args = []byte(args)
	j.NextFire = msToTime(nextMs)
	j.CatchUp = catchUp != 0
	j.LastError = lastErr.String
	j.ClaimedBy = claimedBy.String
	j.CreatedAt = msToTime(cre)
	j.UpdatedAt = msToTime(upd)
	return j, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
