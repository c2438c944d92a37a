package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"newsletterd/internal/newsletter"
	"newsletterd/pkg/clock"
	logx "newsletterd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	clk clock.Clock
	log logx.Logger
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func openSQLite(cfg Config, clk clock.Clock, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; the CAS updates rely on it only for
	// throughput, not correctness.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, clk: clk, log: log.With(logx.String("comp", "storage.sqlite"))}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const jobColumns = `id, admin_id, subject, html_content, target_kind, target_ids, mode, status,
	due_at, created_at, started_at, finished_at, resolved_at, recipient_count, lease_until, error`

func (s *sqliteStore) Create(ctx context.Context, j *newsletter.Job) (string, error) {
	if err := prepareJob(j, s.clk.Now()); err != nil {
		return "", err
	}
	ids, err := json.Marshal(nonNil(j.Target.ProfileIDs))
	if err != nil {
		return "", err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, admin_id, subject, html_content, target_kind, target_ids, mode, status, due_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		j.ID, j.AdminID, j.Subject, j.HTMLContent, string(j.Target.Kind), string(ids),
		string(j.Mode.Kind), string(j.Status), j.DueAt.UnixMilli(), j.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", &newsletter.ValidationError{Field: "id", Reason: "already exists"}
	}
	return j.ID, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (newsletter.Job, error) {
	return getJob(ctx, s.db, id)
}

func getJob(ctx context.Context, q querier, id string) (newsletter.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return newsletter.Job{}, newsletter.ErrNotFound
	}
	return j, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (newsletter.Job, error) {
	var (
		j                                 newsletter.Job
		targetKind, targetIDs, mode, stat string
		dueAt, createdAt                  int64
		startedAt, finishedAt, resolvedAt sql.NullInt64
		leaseUntil                        sql.NullInt64
	)
	err := r.Scan(&j.ID, &j.AdminID, &j.Subject, &j.HTMLContent, &targetKind, &targetIDs, &mode, &stat,
		&dueAt, &createdAt, &startedAt, &finishedAt, &resolvedAt, &j.RecipientCount, &leaseUntil, &j.Error)
	if err != nil {
		return newsletter.Job{}, err
	}
	j.Target.Kind = newsletter.TargetKind(targetKind)
	if err := json.Unmarshal([]byte(targetIDs), &j.Target.ProfileIDs); err != nil {
		return newsletter.Job{}, fmt.Errorf("job %s: decode target ids: %w", j.ID, err)
	}
	if len(j.Target.ProfileIDs) == 0 {
		j.Target.ProfileIDs = nil
	}
	j.Status = newsletter.JobStatus(stat)
	j.DueAt = time.UnixMilli(dueAt)
	j.CreatedAt = time.UnixMilli(createdAt)
	j.Mode.Kind = newsletter.ModeKind(mode)
	if j.Mode.Kind == newsletter.ModeScheduled {
		j.Mode.DueAt = j.DueAt
	}
	j.StartedAt = fromMillis(startedAt)
	j.FinishedAt = fromMillis(finishedAt)
	j.ResolvedAt = fromMillis(resolvedAt)
	j.LeaseUntil = fromMillis(leaseUntil)
	return j, nil
}

func (s *sqliteStore) listJobs(ctx context.Context, query string, args ...any) ([]newsletter.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]newsletter.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListDue(ctx context.Context, now time.Time, limit int) ([]newsletter.Job, error) {
	return s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = ? AND due_at <= ?
		 ORDER BY due_at, created_at, rowid
		 LIMIT ?`,
		string(newsletter.StatusPending), now.UnixMilli(), sqlLimit(limit),
	)
}

func (s *sqliteStore) TransitionToRunning(ctx context.Context, id string, leaseUntil time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ?, lease_until = ?
		 WHERE id = ? AND status = ?`,
		string(newsletter.StatusRunning), s.clk.Now().UnixMilli(), leaseUntil.UnixMilli(),
		id, string(newsletter.StatusPending),
	)
	if err != nil {
		return err
	}
	return s.casResult(ctx, res, id, newsletter.ErrAlreadyRunning)
}

func (s *sqliteStore) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, finished_at = ?
		 WHERE id = ? AND status = ?`,
		string(newsletter.StatusCancelled), s.clk.Now().UnixMilli(),
		id, string(newsletter.StatusPending),
	)
	if err != nil {
		return err
	}
	return s.casResult(ctx, res, id, newsletter.ErrNotCancellable)
}

// casResult maps a conditional UPDATE that touched no row to ErrNotFound or
// the given conflict error.
func (s *sqliteStore) casResult(ctx context.Context, res sql.Result, id string, conflict error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	ok, err := s.exists(ctx, s.db, id)
	if err != nil {
		return err
	}
	if !ok {
		return newsletter.ErrNotFound
	}
	return conflict
}

func (s *sqliteStore) exists(ctx context.Context, q querier, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) SeedAttempts(ctx context.Context, id string, recipients []string) (out []newsletter.Attempt, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if j.Resolved() {
		out, err = listAttempts(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		return out, tx.Commit()
	}
	if j.Status != newsletter.StatusRunning {
		return nil, newsletter.ErrAlreadyRunning
	}

	now := s.clk.Now().UnixMilli()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO attempts(job_id, recipient_id, status, attempt_count, last_error, updated_at)
		 VALUES(?,?,?,0,'',?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	for _, r := range recipients {
		if _, err = stmt.ExecContext(ctx, id, r, string(newsletter.AttemptQueued), now); err != nil {
			return nil, err
		}
	}

	var n int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM attempts WHERE job_id = ?`, id).Scan(&n); err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE jobs SET resolved_at = ?, recipient_count = ? WHERE id = ?`, now, n, id); err != nil {
		return nil, err
	}
	out, err = listAttempts(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

func (s *sqliteStore) Attempts(ctx context.Context, id string) ([]newsletter.Attempt, error) {
	ok, err := s.exists(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newsletter.ErrNotFound
	}
	return listAttempts(ctx, s.db, id)
}

func listAttempts(ctx context.Context, q querier, id string) ([]newsletter.Attempt, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT job_id, recipient_id, status, attempt_count, last_error, updated_at
		 FROM attempts WHERE job_id = ? ORDER BY recipient_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]newsletter.Attempt, 0)
	for rows.Next() {
		var (
			a       newsletter.Attempt
			status  string
			updated int64
		)
		if err := rows.Scan(&a.JobID, &a.RecipientID, &status, &a.AttemptCount, &a.LastError, &updated); err != nil {
			return nil, err
		}
		a.Status = newsletter.AttemptStatus(status)
		a.UpdatedAt = time.UnixMilli(updated)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordAttempt(ctx context.Context, a newsletter.Attempt) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = s.clk.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = ?, attempt_count = ?, last_error = ?, updated_at = ?
		 WHERE job_id = ? AND recipient_id = ? AND status NOT IN (?, ?)`,
		string(a.Status), a.AttemptCount, a.LastError, a.UpdatedAt.UnixMilli(),
		a.JobID, a.RecipientID,
		string(newsletter.AttemptDelivered), string(newsletter.AttemptFailed),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	// nothing updated: either terminal already or never seeded
	var one int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM attempts WHERE job_id = ? AND recipient_id = ?`, a.JobID, a.RecipientID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return newsletter.ErrNotFound
	}
	return err
}

func (s *sqliteStore) Finalize(ctx context.Context, id string) (st newsletter.JobStatus, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return "", err
	}
	if j.Status.Terminal() {
		return j.Status, tx.Commit()
	}
	if j.Status != newsletter.StatusRunning || !j.Resolved() {
		return "", newsletter.ErrNotReady
	}
	c, err := countAttempts(ctx, tx, id)
	if err != nil {
		return "", err
	}
	status, ready := newsletter.Classify(c)
	if !ready {
		return "", newsletter.ErrNotReady
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, finished_at = ?, lease_until = NULL WHERE id = ?`,
		string(status), s.clk.Now().UnixMilli(), id); err != nil {
		return "", err
	}
	return status, tx.Commit()
}

func (s *sqliteStore) Fail(ctx context.Context, id string, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, finished_at = ?, lease_until = NULL
		 WHERE id = ? AND status IN (?, ?)`,
		string(newsletter.StatusFailed), reason, s.clk.Now().UnixMilli(),
		id, string(newsletter.StatusPending), string(newsletter.StatusRunning),
	)
	if err != nil {
		return err
	}
	// Terminal jobs are left alone.
	return s.casResult(ctx, res, id, nil)
}

func (s *sqliteStore) Counts(ctx context.Context, id string) (newsletter.Counts, error) {
	ok, err := s.exists(ctx, s.db, id)
	if err != nil {
		return newsletter.Counts{}, err
	}
	if !ok {
		return newsletter.Counts{}, newsletter.ErrNotFound
	}
	return countAttempts(ctx, s.db, id)
}

func countAttempts(ctx context.Context, q querier, id string) (newsletter.Counts, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM attempts WHERE job_id = ? GROUP BY status`, id)
	if err != nil {
		return newsletter.Counts{}, err
	}
	defer rows.Close()
	var c newsletter.Counts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return newsletter.Counts{}, err
		}
		switch newsletter.AttemptStatus(status) {
		case newsletter.AttemptQueued:
			c.Queued += n
		case newsletter.AttemptSending:
			c.Sending += n
		case newsletter.AttemptDelivered:
			c.Delivered += n
		case newsletter.AttemptFailed:
			c.Failed += n
		}
	}
	return c, rows.Err()
}

func (s *sqliteStore) RenewLease(ctx context.Context, id string, leaseUntil time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET lease_until = ? WHERE id = ? AND status = ?`,
		leaseUntil.UnixMilli(), id, string(newsletter.StatusRunning),
	)
	if err != nil {
		return err
	}
	return s.casResult(ctx, res, id, nil)
}

func (s *sqliteStore) ListStale(ctx context.Context, now time.Time, limit int) ([]newsletter.Job, error) {
	return s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = ? AND (lease_until IS NULL OR lease_until < ?)
		 ORDER BY rowid
		 LIMIT ?`,
		string(newsletter.StatusRunning), now.UnixMilli(), sqlLimit(limit),
	)
}

func (s *sqliteStore) Reclaim(ctx context.Context, id string, leaseUntil time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET lease_until = ?
		 WHERE id = ? AND status = ? AND (lease_until IS NULL OR lease_until < ?)`,
		leaseUntil.UnixMilli(), id, string(newsletter.StatusRunning), s.clk.Now().UnixMilli(),
	)
	if err != nil {
		return err
	}
	return s.casResult(ctx, res, id, newsletter.ErrAlreadyRunning)
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	return newsletter.TimePtr(time.UnixMilli(v.Int64))
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
