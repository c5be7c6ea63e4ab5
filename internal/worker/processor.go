package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"async-notify/internal/config"
	"async-notify/internal/executor"
	"async-notify/internal/models"
	"async-notify/internal/queue"
	"async-notify/internal/retry"
	"async-notify/internal/telemetry"
)

// signField is stripped from a notification before it is verified.
const signField = "sign"

// Notification is the flat field set a provider posts to the notify endpoint.
type Notification map[string]string

// RejectReason explains why Submit did not accept a notification.
type RejectReason string

const (
	ReasonSignError    RejectReason = "SIGN_ERROR"
	ReasonProcessError RejectReason = "PROCESS_ERROR"
)

// BackendResult records where an accepted task ended up.
type BackendResult int

const (
	BackendOK BackendResult = iota
	BackendDegraded
	BackendFailed
)

func (b BackendResult) String() string {
	switch b {
	case BackendOK:
		return "ok"
	case BackendDegraded:
		return "degraded"
	default:
		return "failed"
	}
}

type SubmitResult struct {
	Accepted bool
	TaskID   string
	Reason   RejectReason
	Backend  BackendResult
	Err      error
}

type ExecutionResult struct {
	Success  bool   `json:"success"`
	TaskID   string `json:"task_id"`
	OrderRef string `json:"order_ref,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Summary aggregates one Drain call.
type Summary struct {
	Category  string            `json:"category"`
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Reclaimed int               `json:"reclaimed"`
	Results   []ExecutionResult `json:"results"`
}

func (s *Summary) add(r ExecutionResult) {
	s.Total++
	if r.Success {
		s.Succeeded++
	} else {
		s.Failed++
	}
	s.Results = append(s.Results, r)
}

// Processor accepts notifications into a queue backend and drains them
// through the category's executor.
type Processor struct {
	cfg      config.Config
	primary  queue.Backend
	fallback queue.Backend
	registry *Registry
	policy   retry.Policy
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewProcessor wires a processor. fallback may be nil, or the same value as
// primary, in which case no degrade path exists.
func NewProcessor(cfg config.Config, primary, fallback queue.Backend, registry *Registry, logger zerolog.Logger) *Processor {
	if fallback == primary {
		fallback = nil
	}
	return &Processor{
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		registry: registry,
		policy: retry.Policy{
			BaseDelay:   cfg.Retry.BaseDelay,
			Multiplier:  cfg.Retry.Multiplier,
			MaxDelay:    cfg.Retry.MaxDelay,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
		logger: logger.With().Str("component", "processor").Logger(),
		tracer: telemetry.Tracer(),
		now:    time.Now,
	}
}

// WithClock overrides the time source used for retry scheduling and the drain budget.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

func (p *Processor) Registry() *Registry { return p.registry }

// Primary returns the configured backend.
func (p *Processor) Primary() queue.Backend { return p.primary }

// Submit verifies, parses and enqueues one notification.
func (p *Processor) Submit(ctx context.Context, category string, n Notification) SubmitResult {
	ctx, span := p.tracer.Start(ctx, "Submit", trace.WithAttributes(attribute.String("category", category)))
	defer span.End()

	log := p.logger.With().Str("category", category).Logger()

	prov, err := p.registry.Get(category)
	if err != nil {
		telemetry.NotificationsReceived.WithLabelValues(category, string(ReasonProcessError)).Inc()
		return SubmitResult{Reason: ReasonProcessError, Backend: BackendFailed, Err: err}
	}

	data := make(map[string]string, len(n))
	for k, v := range n {
		if k != signField {
			data[k] = v
		}
	}
	if prov.Validator != nil && !prov.Validator.Verify(data, n[signField]) {
		log.Warn().Str("order_ref", data["out_trade_no"]).Msg("notification signature rejected")
		telemetry.NotificationsReceived.WithLabelValues(category, string(ReasonSignError)).Inc()
		span.SetStatus(codes.Error, string(ReasonSignError))
		return SubmitResult{Reason: ReasonSignError, Backend: BackendFailed}
	}

	now := p.now()
	task := models.NewTask(category, prov.Parser(n, now), p.cfg.Retry.MaxAttempts, now)
	span.SetAttributes(attribute.String("task_id", task.ID))

	backend := BackendOK
	err = p.primary.Push(ctx, task)
	if err != nil && queue.IsUnavailable(err) && p.fallback != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("primary backend unavailable, degrading to file queue")
		backend = BackendDegraded
		err = p.fallback.Push(ctx, task)
	}
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("enqueue failed")
		telemetry.NotificationsReceived.WithLabelValues(category, string(ReasonProcessError)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		return SubmitResult{TaskID: task.ID, Reason: ReasonProcessError, Backend: BackendFailed, Err: err}
	}

	if backend == BackendDegraded {
		telemetry.DegradedEnqueues.Inc()
		telemetry.TasksEnqueued.WithLabelValues(p.fallback.Name()).Inc()
	} else {
		telemetry.TasksEnqueued.WithLabelValues(p.primary.Name()).Inc()
	}
	telemetry.NotificationsReceived.WithLabelValues(category, "accepted").Inc()
	log.Info().Str("task_id", task.ID).Str("order_ref", task.Payload.OrderRef).Stringer("backend", backend).Msg("notification queued")
	return SubmitResult{Accepted: true, TaskID: task.ID, Backend: backend}
}

// Drain executes up to limit tasks of category. A limit <= 0 uses batch.size.
// Stale processing tasks are reclaimed first. The file fallback, if any, is
// drained after the primary runs dry. Per-task failures are reported in the
// summary; only a primary backend fault is returned as an error.
func (p *Processor) Drain(ctx context.Context, category string, limit int) (Summary, error) {
	summary := Summary{Category: category}
	if limit <= 0 {
		limit = p.cfg.Batch.Size
	}

	prov, err := p.registry.Get(category)
	if err != nil {
		return summary, err
	}

	ctx, span := p.tracer.Start(ctx, "Drain", trace.WithAttributes(
		attribute.String("category", category),
		attribute.Int("limit", limit),
	))
	defer span.End()

	started := time.Now()
	defer func() {
		telemetry.DrainDuration.WithLabelValues(category).Observe(time.Since(started).Seconds())
	}()

	var deadline time.Time
	if p.cfg.Batch.Timeout > 0 {
		deadline = p.now().Add(p.cfg.Batch.Timeout)
	}

	log := p.logger.With().Str("category", category).Logger()

	if err := p.reclaim(ctx, p.primary, category, &summary); err != nil {
		span.RecordError(err)
		return summary, fmt.Errorf("reclaim %s: %w", category, err)
	}

	backends := []queue.Backend{p.primary}
	if p.fallback != nil {
		if err := p.reclaim(ctx, p.fallback, category, &summary); err != nil {
			log.Warn().Err(err).Msg("reclaim on fallback failed")
		}
		backends = append(backends, p.fallback)
	}

drain:
	for i, b := range backends {
		for summary.Total < limit {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			if !deadline.IsZero() && !p.now().Before(deadline) {
				log.Warn().Int("processed", summary.Total).Dur("budget", p.cfg.Batch.Timeout).Msg("drain budget exhausted")
				break drain
			}

			task, err := b.Pop(ctx, category)
			if err != nil {
				if i == 0 {
					span.RecordError(err)
					span.SetStatus(codes.Error, "pop failed")
					log.Error().Err(err).Str("backend", b.Name()).Msg("pop failed")
					return summary, fmt.Errorf("pop %s: %w", category, err)
				}
				log.Warn().Err(err).Str("backend", b.Name()).Msg("pop from fallback failed")
				break
			}
			if task == nil {
				break
			}
			summary.add(p.process(ctx, b, prov, *task))
		}
	}

	p.recordDepth(ctx, category)
	span.SetAttributes(
		attribute.Int("total", summary.Total),
		attribute.Int("succeeded", summary.Succeeded),
		attribute.Int("failed", summary.Failed),
	)
	log.Info().
		Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("reclaimed", summary.Reclaimed).
		Msg("drain finished")
	return summary, nil
}

// process runs a claimed task and moves it to its next state. The claim has
// already counted the attempt. Transition
// errors are logged and reported in the result but never abort the batch.
func (p *Processor) process(ctx context.Context, b queue.Backend, prov Provider, task models.Task) ExecutionResult {
	log := p.logger.With().
		Str("category", task.Category).
		Str("task_id", task.ID).
		Int("attempt", task.Attempts).
		Logger()

	res := p.execute(ctx, prov.Executor, task)
	result := ExecutionResult{TaskID: task.ID, OrderRef: task.Payload.OrderRef}

	if res.Success {
		result.Success = true
		if err := b.Ack(ctx, task.ID); err != nil {
			log.Error().Err(err).Msg("ack failed")
			result.Error = fmt.Sprintf("ack: %v", err)
		}
		telemetry.TasksCompleted.WithLabelValues(task.Category).Inc()
		log.Info().Msg("task completed")
		return result
	}

	msg := res.Message
	if msg == "" {
		msg = "executor reported failure"
	}
	task.SetError(msg)
	result.Error = msg

	policy := p.policy
	policy.MaxAttempts = task.MaxAttempts
	decision := policy.Next(task.Attempts)
	now := p.now().UTC()

	if decision.Exhausted {
		task.FailedAt = &now
		task.NextRetryAt = nil
		if err := b.MarkFailed(ctx, task); err != nil {
			log.Error().Err(err).Msg("mark failed")
		}
		telemetry.TasksFailed.WithLabelValues(task.Category).Inc()
		log.Error().Str("error", msg).Msg("task failed permanently")
		return result
	}

	next := now.Add(decision.Delay)
	task.NextRetryAt = &next
	if err := b.Retry(ctx, task); err != nil {
		log.Error().Err(err).Msg("schedule retry")
	}
	telemetry.TasksRetried.WithLabelValues(task.Category).Inc()
	log.Warn().Str("error", msg).Time("next_retry_at", next).Msg("task scheduled for retry")
	return result
}

// execute calls the executor, converting a panic into a failed result.
func (p *Processor) execute(ctx context.Context, exec executor.Executor, task models.Task) (res executor.Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("task_id", task.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("executor panicked")
			res = executor.Result{Message: fmt.Sprintf("executor panic: %v", r)}
		}
	}()
	return exec.Execute(ctx, task.Payload)
}

// reclaim returns processing tasks that outlived queue.stale_after to retry,
// or fails them when their attempts are used up. The abandoned run was
// counted when the task was claimed.
func (p *Processor) reclaim(ctx context.Context, b queue.Backend, category string, summary *Summary) error {
	if p.cfg.Queue.StaleAfter <= 0 {
		return nil
	}
	now := p.now().UTC()
	stale, err := b.Stale(ctx, category, now.Add(-p.cfg.Queue.StaleAfter))
	if err != nil {
		return err
	}
	for _, task := range stale {
		task.SetError("processing timed out")
		if task.Exhausted() {
			task.FailedAt = &now
			err = b.MarkFailed(ctx, task)
		} else {
			next := now
			task.NextRetryAt = &next
			err = b.Retry(ctx, task)
		}
		if err != nil {
			p.logger.Error().Err(err).Str("task_id", task.ID).Msg("reclaim stale task")
			continue
		}
		summary.Reclaimed++
		telemetry.TasksReclaimed.WithLabelValues(category).Inc()
		p.logger.Warn().Str("task_id", task.ID).Str("category", category).Int("attempt", task.Attempts).Msg("reclaimed stale task")
	}
	return nil
}

func (p *Processor) recordDepth(ctx context.Context, category string) {
	counts, err := p.primary.Status(ctx, category)
	if err != nil {
		return
	}
	telemetry.QueueDepth.WithLabelValues(category, string(models.StatusPending)).Set(float64(counts.Pending))
	telemetry.QueueDepth.WithLabelValues(category, string(models.StatusProcessing)).Set(float64(counts.Processing))
	telemetry.QueueDepth.WithLabelValues(category, string(models.StatusRetry)).Set(float64(counts.Retry))
	telemetry.QueueDepth.WithLabelValues(category, string(models.StatusFailed)).Set(float64(counts.Failed))
}
