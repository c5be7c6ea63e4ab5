package worker

import (
	"context"
	"errors"

	"async-notify/internal/models"
	"async-notify/internal/queue"
)

// The methods below answer operator queries across the primary backend and
// the file fallback, so degraded notifications stay visible until drained.

// Status sums the counts of category over primary and fallback.
func (p *Processor) Status(ctx context.Context, category string) (models.Counts, error) {
	counts, err := p.primary.Status(ctx, category)
	if err != nil {
		return models.Counts{}, err
	}
	if p.fallback == nil {
		return counts, nil
	}
	extra, err := p.fallback.Status(ctx, category)
	if err != nil {
		return models.Counts{}, err
	}
	counts.Pending += extra.Pending
	counts.Processing += extra.Processing
	counts.Retry += extra.Retry
	counts.Failed += extra.Failed
	return counts, nil
}

// Get looks id up in the primary, then in the fallback. A primary fault is
// returned only when the fallback does not hold the task either.
func (p *Processor) Get(ctx context.Context, id string) (models.Task, error) {
	task, err := p.primary.Get(ctx, id)
	if err == nil || p.fallback == nil {
		return task, err
	}
	if !errors.Is(err, queue.ErrTaskNotFound) && !queue.IsUnavailable(err) {
		return models.Task{}, err
	}
	task, ferr := p.fallback.Get(ctx, id)
	if ferr == nil {
		return task, nil
	}
	return models.Task{}, err
}

// Failed lists failed tasks of category from both backends, at most limit
// when limit > 0.
func (p *Processor) Failed(ctx context.Context, category string, limit int) ([]models.Task, error) {
	tasks, err := p.primary.Failed(ctx, category, limit)
	if err != nil {
		return nil, err
	}
	if p.fallback == nil || (limit > 0 && len(tasks) >= limit) {
		return tasks, nil
	}
	rest := 0
	if limit > 0 {
		rest = limit - len(tasks)
	}
	more, err := p.fallback.Failed(ctx, category, rest)
	if err != nil {
		return nil, err
	}
	return append(tasks, more...), nil
}

// Clear purges category from both backends.
func (p *Processor) Clear(ctx context.Context, category string) error {
	if err := p.primary.Clear(ctx, category); err != nil {
		return err
	}
	if p.fallback == nil {
		return nil
	}
	return p.fallback.Clear(ctx, category)
}

// PurgeFailed removes failed tasks of category from both backends.
func (p *Processor) PurgeFailed(ctx context.Context, category string) (int, error) {
	n, err := p.primary.PurgeFailed(ctx, category)
	if err != nil {
		return n, err
	}
	if p.fallback == nil {
		return n, nil
	}
	m, err := p.fallback.PurgeFailed(ctx, category)
	return n + m, err
}
