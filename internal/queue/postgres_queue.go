package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"async-notify/internal/models"
)

const taskColumns = `id, category, payload, status, attempt_count, max_attempts, next_retry_at, created_at, updated_at, failed_at, last_error`

// PostgresQueue stores tasks in the notify_tasks table. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never pick the same row.
type PostgresQueue struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresQueue creates a pooled connection to Postgres.
func NewPostgresQueue(ctx context.Context, dsn string, maxConns int32) (*PostgresQueue, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, unavailable("relational", fmt.Errorf("connect postgres: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("relational", fmt.Errorf("ping postgres: %w", err))
	}
	return &PostgresQueue{pool: pool, now: time.Now}, nil
}

// NewPostgresQueueWithPool wraps an existing pool.
func NewPostgresQueueWithPool(pool *pgxpool.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool, now: time.Now}
}

// WithClock overrides the time source, used by tests.
func (q *PostgresQueue) WithClock(now func() time.Time) *PostgresQueue {
	q.now = now
	return q
}

func (q *PostgresQueue) Name() string { return "relational" }

func (q *PostgresQueue) Push(ctx context.Context, task models.Task) error {
	payloadJSON, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	tag, err := q.pool.Exec(ctx, `
		INSERT INTO notify_tasks (id, category, payload, status, attempt_count, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, task.ID, task.Category, payloadJSON, string(models.StatusPending), task.Attempts, task.MaxAttempts,
		task.CreatedAt.UTC(), q.now().UTC())
	if err != nil {
		return q.wrap(fmt.Errorf("insert task: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("push %s: %w", task.ID, ErrDuplicateTask)
	}
	return nil
}

func (q *PostgresQueue) Pop(ctx context.Context, category string) (*models.Task, error) {
	now := q.now().UTC()

	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, q.wrap(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var id string
	err = tx.QueryRow(ctx, `
		SELECT id FROM notify_tasks
		WHERE category = $1
		  AND (status = 'pending' OR (status = 'retry' AND (next_retry_at IS NULL OR next_retry_at <= $2)))
		ORDER BY COALESCE(next_retry_at, created_at), seq
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, category, now).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, q.wrap(fmt.Errorf("select claimable task: %w", err))
	}

	row := tx.QueryRow(ctx, `
		UPDATE notify_tasks SET status = 'processing', attempt_count = attempt_count + 1, updated_at = $2
		WHERE id = $1
		RETURNING `+taskColumns, id, now)
	task, err := scanTask(row)
	if err != nil {
		return nil, q.wrap(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, q.wrap(fmt.Errorf("commit: %w", err))
	}
	return &task, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE notify_tasks SET status = 'completed', updated_at = $2, last_error = NULL, next_retry_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, q.now().UTC())
	return q.wrap(err)
}

func (q *PostgresQueue) Retry(ctx context.Context, task models.Task) error {
	now := q.now().UTC()
	next := now
	if task.NextRetryAt != nil {
		next = task.NextRetryAt.UTC()
	}
	_, err := q.pool.Exec(ctx, `
		UPDATE notify_tasks
		SET status = 'retry', attempt_count = $2, next_retry_at = $3, last_error = $4, updated_at = $5
		WHERE id = $1 AND status = 'processing'
	`, task.ID, task.Attempts, next, task.LastError, now)
	return q.wrap(err)
}

func (q *PostgresQueue) MarkFailed(ctx context.Context, task models.Task) error {
	now := q.now().UTC()
	_, err := q.pool.Exec(ctx, `
		UPDATE notify_tasks
		SET status = 'failed', attempt_count = $2, last_error = $3, failed_at = $4, updated_at = $4, next_retry_at = NULL
		WHERE id = $1 AND status NOT IN ('failed', 'completed')
	`, task.ID, task.Attempts, task.LastError, now)
	return q.wrap(err)
}

func (q *PostgresQueue) Status(ctx context.Context, category string) (models.Counts, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM notify_tasks WHERE category = $1 GROUP BY status
	`, category)
	if err != nil {
		return models.Counts{}, q.wrap(fmt.Errorf("count tasks: %w", err))
	}
	defer rows.Close()

	var counts models.Counts
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return models.Counts{}, fmt.Errorf("scan count: %w", err)
		}
		addCount(&counts, models.Status(status), n)
	}
	return counts, q.wrap(rows.Err())
}

func (q *PostgresQueue) Clear(ctx context.Context, category string) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM notify_tasks WHERE category = $1`, category)
	return q.wrap(err)
}

func (q *PostgresQueue) Get(ctx context.Context, id string) (models.Task, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM notify_tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, ErrTaskNotFound
	}
	return task, q.wrap(err)
}

func (q *PostgresQueue) Stale(ctx context.Context, category string, before time.Time) ([]models.Task, error) {
	return q.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM notify_tasks
		WHERE category = $1 AND status = 'processing' AND updated_at < $2
		ORDER BY updated_at
	`, category, before.UTC())
}

func (q *PostgresQueue) Failed(ctx context.Context, category string, limit int) ([]models.Task, error) {
	if limit <= 0 {
		return q.queryTasks(ctx, `
			SELECT `+taskColumns+` FROM notify_tasks
			WHERE category = $1 AND status = 'failed'
			ORDER BY failed_at, seq
		`, category)
	}
	return q.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM notify_tasks
		WHERE category = $1 AND status = 'failed'
		ORDER BY failed_at, seq
		LIMIT $2
	`, category, limit)
}

func (q *PostgresQueue) PurgeFailed(ctx context.Context, category string) (int, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM notify_tasks WHERE category = $1 AND status = 'failed'`, category)
	if err != nil {
		return 0, q.wrap(err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *PostgresQueue) Close() error {
	if q.pool != nil {
		q.pool.Close()
	}
	return nil
}

func (q *PostgresQueue) queryTasks(ctx context.Context, sql string, args ...any) ([]models.Task, error) {
	rows, err := q.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, q.wrap(fmt.Errorf("query tasks: %w", err))
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, q.wrap(rows.Err())
}

// wrap leaves server-side errors (constraint violations, bad SQL) untouched and
// marks everything else, such as refused connections or pool timeouts, unavailable.
func (q *PostgresQueue) wrap(err error) error {
	if err == nil || errors.Is(err, pgx.ErrNoRows) || errors.Is(err, context.Canceled) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	return unavailable(q.Name(), err)
}

func scanTask(row pgx.Row) (models.Task, error) {
	var task models.Task
	var payloadJSON []byte
	var status string
	var nextRetry, failedAt pgtype.Timestamptz
	var lastErr pgtype.Text

	if err := row.Scan(&task.ID, &task.Category, &payloadJSON, &status, &task.Attempts, &task.MaxAttempts,
		&nextRetry, &task.CreatedAt, &task.UpdatedAt, &failedAt, &lastErr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, err
		}
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &task.Payload); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	task.Status = models.Status(status)
	task.NextRetryAt = timePtr(nextRetry)
	task.FailedAt = timePtr(failedAt)
	task.LastError = textPtr(lastErr)
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	return task, nil
}

func addCount(c *models.Counts, status models.Status, n int64) {
	switch status {
	case models.StatusPending:
		c.Pending += n
	case models.StatusProcessing:
		c.Processing += n
	case models.StatusRetry:
		c.Retry += n
	case models.StatusFailed:
		c.Failed += n
	}
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}
