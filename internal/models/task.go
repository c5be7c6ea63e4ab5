package models

import (
	"time"

	"github.com/google/uuid"
)

// Status enumerates task lifecycle states shared by every queue backend.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetry      Status = "retry"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusCompleted
}

// Claimable reports whether a task in s may be popped (subject to next_retry_at).
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusRetry
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusRetry:      {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusRetry, StatusFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
// Failing a task is also permitted from pending/retry so an operator or a
// reclaim sweep can escalate a task that will never run again.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Payload is the canonical, backend-agnostic document built from a provider
// notification. Raw keeps the original fields so the notification can be replayed.
type Payload struct {
	OrderRef      string            `json:"order_ref"`
	TransactionID string            `json:"transaction_id"`
	TradeStatus   string            `json:"trade_status"`
	Amount        float64           `json:"amount"`
	ReceivedAt    int64             `json:"received_at"`
	Raw           map[string]string `json:"raw"`
}

// Task is one durable unit of work.
type Task struct {
	ID          string     `json:"id"`
	Category    string     `json:"category"`
	Payload     Payload    `json:"payload"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempt_count"`
	MaxAttempts int        `json:"max_attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}

// NewTask builds a pending task with a fresh id.
func NewTask(category string, payload Payload, maxAttempts int, now time.Time) Task {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	now = now.UTC()
	return Task{
		ID:          uuid.New().String(),
		Category:    category,
		Payload:     payload,
		Status:      StatusPending,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Eligible reports whether the task can be claimed at now.
func (t Task) Eligible(now time.Time) bool {
	switch t.Status {
	case StatusPending:
		return true
	case StatusRetry:
		return t.NextRetryAt == nil || !t.NextRetryAt.After(now)
	default:
		return false
	}
}

// Exhausted reports whether the task has used every allowed attempt.
func (t Task) Exhausted() bool {
	return t.Attempts >= t.MaxAttempts
}

// SetError records msg as the most recent execution error.
func (t *Task) SetError(msg string) {
	if msg == "" {
		t.LastError = nil
		return
	}
	t.LastError = &msg
}

// Counts is the read-only per-category aggregate reported by Status.
type Counts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Retry      int64 `json:"retry"`
	Failed     int64 `json:"failed"`
}

// Backlog is the number of tasks still waiting to run.
func (c Counts) Backlog() int64 {
	return c.Pending + c.Retry
}
