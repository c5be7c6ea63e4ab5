package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"async-notify/internal/models"
)

const (
	failedDocName    = "failed_tasks.json"
	completedDocName = "completed_tasks.json"
	lockFileName     = ".queue.lock"

	// completedHistory caps the completed document; older entries are dropped first.
	completedHistory = 1000
	lockRetry        = 10 * time.Millisecond
)

var categoryPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// FileQueue stores live tasks as JSON documents, one array per category per
// day, plus shared failed and completed documents. Every mutation rewrites a
// whole document under an advisory lock on dir/.queue.lock, so the api and
// worker processes can share one directory. Completed tasks leave their
// partition on Ack and empty partitions are removed.
type FileQueue struct {
	dir  string
	mu   sync.Mutex
	lock *flock.Flock
	now  func() time.Time
}

// NewFileQueue creates dir if needed.
func NewFileQueue(dir string) (*FileQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir %s: %w", dir, err)
	}
	return &FileQueue{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, lockFileName)),
		now:  time.Now,
	}, nil
}

// acquire serialises goroutines with q.mu and processes with the lock file.
func (q *FileQueue) acquire(ctx context.Context) (func(), error) {
	q.mu.Lock()
	ok, err := q.lock.TryLockContext(ctx, lockRetry)
	if err == nil && !ok {
		err = ctx.Err()
	}
	if err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("lock %s: %w", q.dir, err)
	}
	return func() {
		_ = q.lock.Unlock()
		q.mu.Unlock()
	}, nil
}

// WithClock overrides the time source, used by tests.
func (q *FileQueue) WithClock(now func() time.Time) *FileQueue {
	q.now = now
	return q
}

func (q *FileQueue) Name() string { return "file" }

func (q *FileQueue) Push(ctx context.Context, task models.Task) error {
	if err := checkCategory(task.Category); err != nil {
		return err
	}
	unlock, err := q.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if _, _, _, err := q.locate(task.ID); err == nil {
		return fmt.Errorf("push %s: %w", task.ID, ErrDuplicateTask)
	} else if err != ErrTaskNotFound {
		return err
	}
	for _, doc := range []string{q.failedPath(), q.completedPath()} {
		done, err := q.readDoc(doc)
		if err != nil {
			return err
		}
		for _, t := range done {
			if t.ID == task.ID {
				return fmt.Errorf("push %s: %w", task.ID, ErrDuplicateTask)
			}
		}
	}

	path := q.partitionPath(task.Category, q.now())
	tasks, err := q.readDoc(path)
	if err != nil {
		return err
	}
	task.Status = models.StatusPending
	tasks = append(tasks, task)
	return q.writeDoc(path, tasks)
}

func (q *FileQueue) Pop(ctx context.Context, category string) (*models.Task, error) {
	if err := checkCategory(category); err != nil {
		return nil, err
	}
	unlock, err := q.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	paths, err := q.partitions(category)
	if err != nil {
		return nil, err
	}
	now := q.now().UTC()
	for _, path := range paths {
		tasks, err := q.readDoc(path)
		if err != nil {
			return nil, err
		}
		for i := range tasks {
			if !tasks[i].Eligible(now) {
				continue
			}
			tasks[i].Status = models.StatusProcessing
			tasks[i].Attempts++
			tasks[i].UpdatedAt = now
			if err := q.writeDoc(path, tasks); err != nil {
				return nil, err
			}
			claimed := tasks[i]
			return &claimed, nil
		}
	}
	return nil, nil
}

func (q *FileQueue) Ack(ctx context.Context, id string) error {
	unlock, err := q.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	path, tasks, i, err := q.locate(id)
	if err == ErrTaskNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if tasks[i].Status != models.StatusProcessing {
		return nil
	}
	done := tasks[i]
	done.Status = models.StatusCompleted
	done.UpdatedAt = q.now().UTC()
	done.LastError = nil
	done.NextRetryAt = nil

	completed, err := q.readDoc(q.completedPath())
	if err != nil {
		return err
	}
	completed = append(completed, done)
	if len(completed) > completedHistory {
		completed = completed[len(completed)-completedHistory:]
	}
	if err := q.writeDoc(q.completedPath(), completed); err != nil {
		return err
	}
	return q.replacePartition(path, append(tasks[:i:i], tasks[i+1:]...))
}

func (q *FileQueue) Retry(ctx context.Context, task models.Task) error {
	unlock, err := q.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	path, tasks, i, err := q.locate(task.ID)
	if err == ErrTaskNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if !models.CanTransition(tasks[i].Status, models.StatusRetry) {
		return nil
	}
	next := q.now().UTC()
	if task.NextRetryAt != nil {
		next = task.NextRetryAt.UTC()
	}
	tasks[i].Status = models.StatusRetry
	tasks[i].Attempts = task.Attempts
	tasks[i].NextRetryAt = &next
	tasks[i].LastError = task.LastError
	tasks[i].UpdatedAt = q.now().UTC()
	return q.writeDoc(path, tasks)
}

// MarkFailed moves the task out of its partition into the shared failed document.
func (q *FileQueue) MarkFailed(ctx context.Context, task models.Task) error {
	unlock, err := q.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	path, tasks, i, err := q.locate(task.ID)
	if err == ErrTaskNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if !models.CanTransition(tasks[i].Status, models.StatusFailed) {
		return nil
	}

	now := q.now().UTC()
	failedTask := tasks[i]
	failedTask.Status = models.StatusFailed
	failedTask.Attempts = task.Attempts
	failedTask.LastError = task.LastError
	failedTask.FailedAt = &now
	failedTask.UpdatedAt = now
	failedTask.NextRetryAt = nil

	failed, err := q.readDoc(q.failedPath())
	if err != nil {
		return err
	}
	if err := q.writeDoc(q.failedPath(), append(failed, failedTask)); err != nil {
		return err
	}
	return q.replacePartition(path, append(tasks[:i:i], tasks[i+1:]...))
}

func (q *FileQueue) Status(ctx context.Context, category string) (models.Counts, error) {
	if err := checkCategory(category); err != nil {
		return models.Counts{}, err
	}
	unlock, err := q.acquire(ctx)
	if err != nil {
		return models.Counts{}, err
	}
	defer unlock()

	var counts models.Counts
	paths, err := q.partitions(category)
	if err != nil {
		return counts, err
	}
	for _, path := range paths {
		tasks, err := q.readDoc(path)
		if err != nil {
			return counts, err
		}
		for _, t := range tasks {
			switch t.Status {
			case models.StatusPending:
				counts.Pending++
			case models.StatusProcessing:
				counts.Processing++
			case models.StatusRetry:
				counts.Retry++
			}
		}
	}
	failed, err := q.readDoc(q.failedPath())
	if err != nil {
		return counts, err
	}
	for _, t := range failed {
		if t.Category == category {
			counts.Failed++
		}
	}
	return counts, nil
}

func (q *FileQueue) Clear(ctx context.Context, category string) error {
	if err := checkCategory(category); err != nil {
		return err
	}
	unlock, err := q.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	paths, err := q.partitions(category)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	if _, err := q.purgeFailed(category); err != nil {
		return err
	}
	return q.filterDoc(q.completedPath(), func(t models.Task) bool { return t.Category != category })
}

func (q *FileQueue) Get(ctx context.Context, id string) (models.Task, error) {
	unlock, err := q.acquire(ctx)
	if err != nil {
		return models.Task{}, err
	}
	defer unlock()

	_, tasks, i, err := q.locate(id)
	if err == nil {
		return tasks[i], nil
	}
	if err != ErrTaskNotFound {
		return models.Task{}, err
	}
	for _, doc := range []string{q.failedPath(), q.completedPath()} {
		tasks, err := q.readDoc(doc)
		if err != nil {
			return models.Task{}, err
		}
		for _, t := range tasks {
			if t.ID == id {
				return t, nil
			}
		}
	}
	return models.Task{}, ErrTaskNotFound
}

func (q *FileQueue) Stale(ctx context.Context, category string, before time.Time) ([]models.Task, error) {
	if err := checkCategory(category); err != nil {
		return nil, err
	}
	unlock, err := q.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	paths, err := q.partitions(category)
	if err != nil {
		return nil, err
	}
	var out []models.Task
	for _, path := range paths {
		tasks, err := q.readDoc(path)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if t.Status == models.StatusProcessing && t.UpdatedAt.Before(before) {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (q *FileQueue) Failed(ctx context.Context, category string, limit int) ([]models.Task, error) {
	unlock, err := q.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	failed, err := q.readDoc(q.failedPath())
	if err != nil {
		return nil, err
	}
	var out []models.Task
	for _, t := range failed {
		if t.Category != category {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *FileQueue) PurgeFailed(ctx context.Context, category string) (int, error) {
	unlock, err := q.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return q.purgeFailed(category)
}

func (q *FileQueue) Close() error { return q.lock.Close() }

func (q *FileQueue) purgeFailed(category string) (int, error) {
	failed, err := q.readDoc(q.failedPath())
	if err != nil {
		return 0, err
	}
	kept := failed[:0]
	removed := 0
	for _, t := range failed {
		if t.Category == category {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, q.writeDoc(q.failedPath(), kept)
}

// locate finds the partition holding id. Caller holds q.mu.
func (q *FileQueue) locate(id string) (string, []models.Task, int, error) {
	paths, err := filepath.Glob(filepath.Join(q.dir, "????-??-??_*_tasks.json"))
	if err != nil {
		return "", nil, 0, err
	}
	sort.Strings(paths)
	for _, path := range paths {
		tasks, err := q.readDoc(path)
		if err != nil {
			return "", nil, 0, err
		}
		for i := range tasks {
			if tasks[i].ID == id {
				return path, tasks, i, nil
			}
		}
	}
	return "", nil, 0, ErrTaskNotFound
}

// partitions lists the category's day documents oldest first.
func (q *FileQueue) partitions(category string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(q.dir, "????-??-??_"+category+"_tasks.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func (q *FileQueue) partitionPath(category string, day time.Time) string {
	return filepath.Join(q.dir, fmt.Sprintf("%s_%s_tasks.json", day.UTC().Format("2006-01-02"), category))
}

func (q *FileQueue) failedPath() string {
	return filepath.Join(q.dir, failedDocName)
}

func (q *FileQueue) completedPath() string {
	return filepath.Join(q.dir, completedDocName)
}

// replacePartition writes tasks back to path, removing the document once it is empty.
func (q *FileQueue) replacePartition(path string, tasks []models.Task) error {
	if len(tasks) > 0 {
		return q.writeDoc(path, tasks)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// filterDoc keeps the entries of path for which keep returns true.
func (q *FileQueue) filterDoc(path string, keep func(models.Task) bool) error {
	tasks, err := q.readDoc(path)
	if err != nil {
		return err
	}
	kept := tasks[:0]
	for _, t := range tasks {
		if keep(t) {
			kept = append(kept, t)
		}
	}
	if len(kept) == len(tasks) {
		return nil
	}
	return q.writeDoc(path, kept)
}

func (q *FileQueue) readDoc(path string) ([]models.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var tasks []models.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return tasks, nil
}

// writeDoc replaces path atomically so a crash never leaves a truncated document.
func (q *FileQueue) writeDoc(path string, tasks []models.Task) error {
	if tasks == nil {
		tasks = []models.Task{}
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(q.dir, ".tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func checkCategory(category string) error {
	if !categoryPattern.MatchString(category) {
		return fmt.Errorf("invalid category %q", category)
	}
	return nil
}
