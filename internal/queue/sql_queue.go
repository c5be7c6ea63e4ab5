package queue

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"async-notify/internal/models"
)

// taskRow is the gorm model behind SQLQueue.
type taskRow struct {
	Seq         uint64 `gorm:"primaryKey;autoIncrement"`
	TaskID      string `gorm:"column:task_id;size:64;uniqueIndex;not null"`
	Category    string `gorm:"size:64;not null;index:idx_notify_category_status,priority:1"`
	Status      string `gorm:"size:16;not null;index:idx_notify_category_status,priority:2"`
	Payload     string `gorm:"type:text;not null"`
	Attempts    int    `gorm:"column:attempt_count;not null;default:0"`
	MaxAttempts int    `gorm:"not null"`
	NextRetryAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime:false;index"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
	FailedAt    *time.Time
	LastError   *string `gorm:"type:text"`
}

func (taskRow) TableName() string { return "notify_tasks" }

func (r taskRow) toTask() (models.Task, error) {
	task := models.Task{
		ID:          r.TaskID,
		Category:    r.Category,
		Status:      models.Status(r.Status),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		NextRetryAt: utcPtr(r.NextRetryAt),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
		FailedAt:    utcPtr(r.FailedAt),
		LastError:   r.LastError,
	}
	if err := json.Unmarshal([]byte(r.Payload), &task.Payload); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	return task, nil
}

// SQLQueue is the relational backend for MySQL and SQLite, built on gorm.
// SQLite ignores the SKIP LOCKED clause; its single writer serialises claims instead.
type SQLQueue struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenSQLQueue opens driver ("mysql" or "sqlite") at dsn and migrates the schema.
func OpenSQLQueue(ctx context.Context, driverName, dsn string) (*SQLQueue, error) {
	var dialector gorm.Dialector
	switch driverName {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driverName)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, unavailable("relational", fmt.Errorf("connect %s: %w", driverName, err))
	}
	if driverName == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	q := &SQLQueue{db: db, now: time.Now}
	if err := q.Migrate(ctx); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

// WithClock overrides the time source, used by tests.
func (q *SQLQueue) WithClock(now func() time.Time) *SQLQueue {
	q.now = now
	return q
}

// Migrate creates or updates the notify_tasks table.
func (q *SQLQueue) Migrate(ctx context.Context) error {
	if err := q.db.WithContext(ctx).AutoMigrate(&taskRow{}); err != nil {
		return q.wrap(fmt.Errorf("auto-migrate notify_tasks: %w", err))
	}
	return nil
}

func (q *SQLQueue) Name() string { return "relational" }

func (q *SQLQueue) Push(ctx context.Context, task models.Task) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	row := taskRow{
		TaskID:      task.ID,
		Category:    task.Category,
		Status:      string(models.StatusPending),
		Payload:     string(payload),
		Attempts:    task.Attempts,
		MaxAttempts: task.MaxAttempts,
		CreatedAt:   task.CreatedAt.UTC(),
		UpdatedAt:   q.now().UTC(),
	}
	res := q.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "task_id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return q.wrap(fmt.Errorf("insert task: %w", res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("push %s: %w", task.ID, ErrDuplicateTask)
	}
	return nil
}

func (q *SQLQueue) Pop(ctx context.Context, category string) (*models.Task, error) {
	now := q.now().UTC()
	var claimed *models.Task

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row taskRow
		res := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("category = ?", category).
			Where("(status = ? OR (status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)))",
				models.StatusPending, models.StatusRetry, now).
			Order("COALESCE(next_retry_at, created_at), seq").
			Limit(1).
			Find(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		upd := tx.Model(&taskRow{}).
			Where("seq = ? AND status IN ?", row.Seq, []string{string(models.StatusPending), string(models.StatusRetry)}).
			Updates(map[string]any{
				"status":        string(models.StatusProcessing),
				"attempt_count": gorm.Expr("attempt_count + 1"),
				"updated_at":    now,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return nil
		}
		row.Status = string(models.StatusProcessing)
		row.Attempts++
		row.UpdatedAt = now
		task, err := row.toTask()
		if err != nil {
			return err
		}
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, q.wrap(fmt.Errorf("claim task: %w", err))
	}
	return claimed, nil
}

func (q *SQLQueue) Ack(ctx context.Context, id string) error {
	res := q.db.WithContext(ctx).Model(&taskRow{}).
		Where("task_id = ? AND status = ?", id, models.StatusProcessing).
		Updates(map[string]any{
			"status":        string(models.StatusCompleted),
			"updated_at":    q.now().UTC(),
			"last_error":    nil,
			"next_retry_at": nil,
		})
	return q.wrap(res.Error)
}

func (q *SQLQueue) Retry(ctx context.Context, task models.Task) error {
	now := q.now().UTC()
	next := now
	if task.NextRetryAt != nil {
		next = task.NextRetryAt.UTC()
	}
	res := q.db.WithContext(ctx).Model(&taskRow{}).
		Where("task_id = ? AND status = ?", task.ID, models.StatusProcessing).
		Updates(map[string]any{
			"status":        string(models.StatusRetry),
			"attempt_count": task.Attempts,
			"next_retry_at": next,
			"last_error":    task.LastError,
			"updated_at":    now,
		})
	return q.wrap(res.Error)
}

func (q *SQLQueue) MarkFailed(ctx context.Context, task models.Task) error {
	now := q.now().UTC()
	res := q.db.WithContext(ctx).Model(&taskRow{}).
		Where("task_id = ? AND status NOT IN ?", task.ID,
			[]string{string(models.StatusFailed), string(models.StatusCompleted)}).
		Updates(map[string]any{
			"status":        string(models.StatusFailed),
			"attempt_count": task.Attempts,
			"last_error":    task.LastError,
			"failed_at":     now,
			"updated_at":    now,
			"next_retry_at": nil,
		})
	return q.wrap(res.Error)
}

func (q *SQLQueue) Status(ctx context.Context, category string) (models.Counts, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := q.db.WithContext(ctx).Model(&taskRow{}).
		Select("status, COUNT(*) AS n").
		Where("category = ?", category).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return models.Counts{}, q.wrap(fmt.Errorf("count tasks: %w", err))
	}
	var counts models.Counts
	for _, r := range rows {
		addCount(&counts, models.Status(r.Status), r.N)
	}
	return counts, nil
}

func (q *SQLQueue) Clear(ctx context.Context, category string) error {
	return q.wrap(q.db.WithContext(ctx).Where("category = ?", category).Delete(&taskRow{}).Error)
}

func (q *SQLQueue) Get(ctx context.Context, id string) (models.Task, error) {
	var row taskRow
	err := q.db.WithContext(ctx).Where("task_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return models.Task{}, q.wrap(err)
	}
	return row.toTask()
}

func (q *SQLQueue) Stale(ctx context.Context, category string, before time.Time) ([]models.Task, error) {
	var rows []taskRow
	err := q.db.WithContext(ctx).
		Where("category = ? AND status = ? AND updated_at < ?", category, models.StatusProcessing, before.UTC()).
		Order("updated_at").
		Find(&rows).Error
	if err != nil {
		return nil, q.wrap(err)
	}
	return toTasks(rows)
}

func (q *SQLQueue) Failed(ctx context.Context, category string, limit int) ([]models.Task, error) {
	var rows []taskRow
	query := q.db.WithContext(ctx).
		Where("category = ? AND status = ?", category, models.StatusFailed).
		Order("failed_at, seq")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, q.wrap(err)
	}
	return toTasks(rows)
}

func (q *SQLQueue) PurgeFailed(ctx context.Context, category string) (int, error) {
	res := q.db.WithContext(ctx).
		Where("category = ? AND status = ?", category, models.StatusFailed).
		Delete(&taskRow{})
	if res.Error != nil {
		return 0, q.wrap(res.Error)
	}
	return int(res.RowsAffected), nil
}

func (q *SQLQueue) Close() error {
	sqlDB, err := q.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// wrap marks connection-level failures unavailable. database/sql surfaces them
// as driver.ErrBadConn, sql.ErrConnDone or a net.Error from the driver.
func (q *SQLQueue) wrap(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return unavailable(q.Name(), err)
	}
	return err
}

func toTasks(rows []taskRow) ([]models.Task, error) {
	out := make([]models.Task, 0, len(rows))
	for _, r := range rows {
		task, err := r.toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
