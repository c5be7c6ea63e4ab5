package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"async-notify/internal/models"
)

// Backend is the durable storage contract shared by the file, kv and relational queues.
//
// Pop returns (nil, nil) when nothing is eligible and never blocks. A claim
// increments the stored attempt count before the task is returned. Ack, Retry and
// MarkFailed only act on tasks whose current state allows the transition; anything
// else is a silent no-op so that repeated calls are idempotent.
type Backend interface {
	Name() string
	Push(ctx context.Context, task models.Task) error
	Pop(ctx context.Context, category string) (*models.Task, error)
	Ack(ctx context.Context, id string) error
	Retry(ctx context.Context, task models.Task) error
	MarkFailed(ctx context.Context, task models.Task) error
	Status(ctx context.Context, category string) (models.Counts, error)
	Clear(ctx context.Context, category string) error

	Get(ctx context.Context, id string) (models.Task, error)
	// Stale lists processing tasks of category last updated before the cutoff.
	Stale(ctx context.Context, category string, before time.Time) ([]models.Task, error)
	Failed(ctx context.Context, category string, limit int) ([]models.Task, error)
	PurgeFailed(ctx context.Context, category string) (int, error)
	Close() error
}

var (
	// ErrBackendUnavailable matches every *UnavailableError.
	ErrBackendUnavailable = errors.New("queue backend unavailable")
	ErrDuplicateTask      = errors.New("task id already exists")
	ErrTaskNotFound       = errors.New("task not found")
)

// UnavailableError reports an infrastructure fault talking to a backend.
type UnavailableError struct {
	Backend string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s backend unavailable: %v", e.Backend, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrBackendUnavailable }

func unavailable(backend string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return err
	}
	return &UnavailableError{Backend: backend, Err: err}
}

// IsUnavailable reports whether err is a transient backend fault.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}
