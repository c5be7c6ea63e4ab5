package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"async-notify/internal/config"
	"async-notify/internal/executor"
	"async-notify/internal/models"
	"async-notify/internal/queue"
	"async-notify/internal/signature"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Queue.StaleAfter = 0
	cfg.Batch.Timeout = 0
	return cfg
}

func newFileBackend(t *testing.T, clock *fakeClock) *queue.FileQueue {
	t.Helper()
	q, err := queue.NewFileQueue(t.TempDir())
	require.NoError(t, err)
	return q.WithClock(clock.Now)
}

func registryWith(category string, p Provider) *Registry {
	r := NewRegistry()
	r.Register(category, p)
	return r
}

var succeed = executor.Func(func(context.Context, models.Payload) executor.Result {
	return executor.Result{Success: true, Message: "ok"}
})

var alwaysFail = executor.Func(func(context.Context, models.Payload) executor.Result {
	return executor.Result{Message: "business system rejected"}
})

func alipayNotification(order string) Notification {
	return Notification{
		"out_trade_no": order,
		"trade_no":     "2026031422001",
		"trade_status": "TRADE_SUCCESS",
		"total_amount": "88.00",
	}
}

// downBackend fails every call the way an unreachable server does.
type downBackend struct {
	queue.Backend
}

func (downBackend) Name() string { return "kv" }

func (downBackend) err() error {
	return &queue.UnavailableError{Backend: "kv", Err: errors.New("dial tcp: connection refused")}
}

func (d downBackend) Push(context.Context, models.Task) error { return d.err() }

func (d downBackend) Pop(context.Context, string) (*models.Task, error) { return nil, d.err() }

func (d downBackend) Stale(context.Context, string, time.Time) ([]models.Task, error) {
	return nil, nil
}

func (d downBackend) Status(context.Context, string) (models.Counts, error) {
	return models.Counts{}, d.err()
}

func TestSubmitAndDrainSuccess(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	fq := newFileBackend(t, clock)

	var seen []models.Payload
	exec := executor.Func(func(_ context.Context, p models.Payload) executor.Result {
		seen = append(seen, p)
		return executor.Result{Success: true}
	})
	p := NewProcessor(testConfig(), fq, nil, registryWith("alipay", Provider{Executor: exec}), zerolog.Nop()).WithClock(clock.Now)

	res := p.Submit(ctx, "alipay", alipayNotification("ORD-1"))
	require.True(t, res.Accepted)
	assert.Equal(t, BackendOK, res.Backend)
	assert.NotEmpty(t, res.TaskID)

	summary, err := p.Drain(ctx, "alipay", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Succeeded)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, ExecutionResult{Success: true, TaskID: res.TaskID, OrderRef: "ORD-1"}, summary.Results[0])

	require.Len(t, seen, 1)
	assert.Equal(t, "2026031422001", seen[0].TransactionID)
	assert.Equal(t, 88.0, seen[0].Amount)
	assert.Equal(t, clock.Now().Unix(), seen[0].ReceivedAt)

	task, err := fq.Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.Equal(t, 1, task.Attempts)
}

func TestDrainCountsAttemptOnKVBackend(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := queue.NewRedisQueueWithClient(client, "easypay_", time.Hour)
	t.Cleanup(func() { _ = kv.Close() })

	p := NewProcessor(testConfig(), kv, nil, registryWith("alipay", Provider{Executor: succeed}), zerolog.Nop())
	res := p.Submit(ctx, "alipay", alipayNotification("KV-1"))
	require.True(t, res.Accepted)

	summary, err := p.Drain(ctx, "alipay", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	task, err := kv.Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.Equal(t, 1, task.Attempts)
}

func TestRetryScheduleUntilFailed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	fq := newFileBackend(t, clock)
	p := NewProcessor(testConfig(), fq, nil, registryWith("alipay", Provider{Executor: alwaysFail}), zerolog.Nop()).WithClock(clock.Now)

	res := p.Submit(ctx, "alipay", alipayNotification("ORD-2"))
	require.True(t, res.Accepted)

	summary, err := p.Drain(ctx, "alipay", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, "business system rejected", summary.Results[0].Error)

	task, err := fq.Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetry, task.Status)
	assert.Equal(t, 1, task.Attempts)
	require.NotNil(t, task.NextRetryAt)
	assert.True(t, clock.Now().Add(time.Second).Equal(*task.NextRetryAt))

	summary, err = p.Drain(ctx, "alipay", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total, "not due yet")

	clock.Advance(time.Second)
	_, err = p.Drain(ctx, "alipay", 10)
	require.NoError(t, err)
	task, err = fq.Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetry, task.Status)
	assert.Equal(t, 2, task.Attempts)
	require.NotNil(t, task.NextRetryAt)
	assert.True(t, clock.Now().Add(2*time.Second).Equal(*task.NextRetryAt))

	clock.Advance(2 * time.Second)
	summary, err = p.Drain(ctx, "alipay", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	task, err = fq.Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, task.Status)
	assert.Equal(t, 3, task.Attempts)
	assert.NotNil(t, task.FailedAt)
	require.NotNil(t, task.LastError)
	assert.Equal(t, "business system rejected", *task.LastError)

	clock.Advance(time.Hour)
	summary, err = p.Drain(ctx, "alipay", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total, "failed tasks never run again")
}

func TestSubmitRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	fq := newFileBackend(t, clock)

	verifier, err := signature.New("MD5", "merchant-key")
	require.NoError(t, err)
	p := NewProcessor(testConfig(), fq, nil, registryWith("alipay", Provider{Validator: verifier, Executor: succeed}), zerolog.Nop()).WithClock(clock.Now)

	n := alipayNotification("ORD-3")
	n["sign"] = verifier.Sign(map[string]string(alipayNotification("ORD-3")))
	res := p.Submit(ctx, "alipay", n)
	require.True(t, res.Accepted)

	tampered := alipayNotification("ORD-4")
	tampered["sign"] = n["sign"]
	res = p.Submit(ctx, "alipay", tampered)
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonSignError, res.Reason)
	assert.Empty(t, res.TaskID)

	unsigned := alipayNotification("ORD-5")
	res = p.Submit(ctx, "alipay", unsigned)
	assert.Equal(t, ReasonSignError, res.Reason)

	counts, err := fq.Status(ctx, "alipay")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Pending)
}

func TestSubmitUnknownCategory(t *testing.T) {
	clock := newFakeClock()
	p := NewProcessor(testConfig(), newFileBackend(t, clock), nil, NewRegistry(), zerolog.Nop())

	res := p.Submit(context.Background(), "nopay", alipayNotification("X"))
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonProcessError, res.Reason)
	assert.Error(t, res.Err)
}

func TestSubmitDegradesToFile(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	fallback := newFileBackend(t, clock)
	p := NewProcessor(testConfig(), downBackend{}, fallback, registryWith("wxpay", Provider{Executor: succeed}), zerolog.Nop()).WithClock(clock.Now)

	res := p.Submit(ctx, "wxpay", Notification{"out_trade_no": "W1", "total_fee": "1250", "result_code": "SUCCESS"})
	require.True(t, res.Accepted)
	assert.Equal(t, BackendDegraded, res.Backend)
	assert.Equal(t, "degraded", res.Backend.String())

	task, err := fallback.Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, task.Status)
	assert.Equal(t, 12.5, task.Payload.Amount)

	summary, err := p.Drain(ctx, "wxpay", 10)
	require.Error(t, err)
	assert.True(t, queue.IsUnavailable(err))
	assert.Equal(t, 0, summary.Total)
}

func TestSubmitWithoutFallbackFails(t *testing.T) {
	p := NewProcessor(testConfig(), downBackend{}, nil, registryWith("wxpay", Provider{Executor: succeed}), zerolog.Nop())

	res := p.Submit(context.Background(), "wxpay", Notification{"out_trade_no": "W2"})
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonProcessError, res.Reason)
	assert.Equal(t, BackendFailed, res.Backend)
	assert.True(t, queue.IsUnavailable(res.Err))
}

func TestDrainAlsoDrainsFallback(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	primary := newFileBackend(t, clock)
	fallback := newFileBackend(t, clock)

	degraded := models.NewTask("alipay", models.Payload{OrderRef: "FB-1"}, 3, clock.Now())
	require.NoError(t, fallback.Push(ctx, degraded))

	p := NewProcessor(testConfig(), primary, fallback, registryWith("alipay", Provider{Executor: succeed}), zerolog.Nop()).WithClock(clock.Now)
	res := p.Submit(ctx, "alipay", alipayNotification("P-1"))
	require.True(t, res.Accepted)

	summary, err := p.Drain(ctx, "alipay", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, "P-1", summary.Results[0].OrderRef)
	assert.Equal(t, "FB-1", summary.Results[1].OrderRef)

	task, err := fallback.Get(ctx, degraded.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, task.Status)
}

func TestDrainRecoversExecutorPanic(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	fq := newFileBackend(t, clock)
	boom := executor.Func(func(context.Context, models.Payload) executor.Result {
		panic("nil order")
	})
	p := NewProcessor(testConfig(), fq, nil, registryWith("alipay", Provider{Executor: boom}), zerolog.Nop()).WithClock(clock.Now)

	first := p.Submit(ctx, "alipay", alipayNotification("PN-1"))
	second := p.Submit(ctx, "alipay", alipayNotification("PN-2"))

	summary, err := p.Drain(ctx, "alipay", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Failed)
	assert.Contains(t, summary.Results[0].Error, "executor panic: nil order")

	for _, id := range []string{first.TaskID, second.TaskID} {
		task, err := fq.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRetry, task.Status)
	}
}

func TestDrainRespectsLimit(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	fq := newFileBackend(t, clock)
	p := NewProcessor(testConfig(), fq, nil, registryWith("alipay", Provider{Executor: succeed}), zerolog.Nop()).WithClock(clock.Now)

	for _, order := range []string{"L1", "L2", "L3"} {
		require.True(t, p.Submit(ctx, "alipay", alipayNotification(order)).Accepted)
	}

	summary, err := p.Drain(ctx, "alipay", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)

	counts, err := fq.Status(ctx, "alipay")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Pending)
}

func TestDrainStopsAtBudget(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	fq := newFileBackend(t, clock)
	slow := executor.Func(func(context.Context, models.Payload) executor.Result {
		clock.Advance(3 * time.Second)
		return executor.Result{Success: true}
	})
	cfg := testConfig()
	cfg.Batch.Timeout = 5 * time.Second
	p := NewProcessor(cfg, fq, nil, registryWith("alipay", Provider{Executor: slow}), zerolog.Nop()).WithClock(clock.Now)

	for _, order := range []string{"B1", "B2", "B3", "B4", "B5"} {
		require.True(t, p.Submit(ctx, "alipay", alipayNotification(order)).Accepted)
	}

	summary, err := p.Drain(ctx, "alipay", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)

	counts, err := fq.Status(ctx, "alipay")
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.Pending)
	assert.Equal(t, int64(0), counts.Processing)
}

func TestDrainReclaimsStaleTasks(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	fq := newFileBackend(t, clock)
	cfg := testConfig()
	cfg.Queue.StaleAfter = 10 * time.Minute
	p := NewProcessor(cfg, fq, nil, registryWith("alipay", Provider{Executor: succeed}), zerolog.Nop()).WithClock(clock.Now)

	res := p.Submit(ctx, "alipay", alipayNotification("S1"))
	require.True(t, res.Accepted)

	// A worker claimed the task and died.
	claimed, err := fq.Pop(ctx, "alipay")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	clock.Advance(5 * time.Minute)
	summary, err := p.Drain(ctx, "alipay", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Reclaimed)
	assert.Equal(t, 0, summary.Total)

	clock.Advance(6 * time.Minute)
	summary, err = p.Drain(ctx, "alipay", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Reclaimed)
	assert.Equal(t, 1, summary.Succeeded)

	task, err := fq.Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.Equal(t, 2, task.Attempts)
}

func TestReclaimFailsExhaustedTasks(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	fq := newFileBackend(t, clock)
	cfg := testConfig()
	cfg.Queue.StaleAfter = time.Minute
	cfg.Retry.MaxAttempts = 1
	p := NewProcessor(cfg, fq, nil, registryWith("alipay", Provider{Executor: succeed}), zerolog.Nop()).WithClock(clock.Now)

	res := p.Submit(ctx, "alipay", alipayNotification("S2"))
	require.True(t, res.Accepted)
	_, err := fq.Pop(ctx, "alipay")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	summary, err := p.Drain(ctx, "alipay", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Reclaimed)
	assert.Equal(t, 0, summary.Total)

	task, err := fq.Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, task.Status)
}

func TestDrainUnknownCategory(t *testing.T) {
	clock := newFakeClock()
	p := NewProcessor(testConfig(), newFileBackend(t, clock), nil, NewRegistry(), zerolog.Nop())
	_, err := p.Drain(context.Background(), "nopay", 1)
	assert.Error(t, err)
}

// pushDown is a working backend whose writes fail, so submissions degrade.
type pushDown struct {
	*queue.FileQueue
}

func (pushDown) Name() string { return "kv" }

func (pushDown) Push(context.Context, models.Task) error {
	return &queue.UnavailableError{Backend: "kv", Err: errors.New("dial tcp: connection refused")}
}

func TestQueriesIncludeDegradedTasks(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	primary := pushDown{newFileBackend(t, clock)}
	fallback := newFileBackend(t, clock)
	p := NewProcessor(testConfig(), primary, fallback, registryWith("alipay", Provider{Executor: alwaysFail}), zerolog.Nop()).WithClock(clock.Now)

	res := p.Submit(ctx, "alipay", alipayNotification("DG-1"))
	require.True(t, res.Accepted)
	require.Equal(t, BackendDegraded, res.Backend)

	counts, err := p.Status(ctx, "alipay")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Pending)

	task, err := p.Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "DG-1", task.Payload.OrderRef)

	claimed, err := fallback.Pop(ctx, "alipay")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	claimed.SetError("gateway down")
	require.NoError(t, fallback.MarkFailed(ctx, *claimed))

	failed, err := p.Failed(ctx, "alipay", 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, res.TaskID, failed[0].ID)

	n, err := p.PurgeFailed(ctx, "alipay")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res = p.Submit(ctx, "alipay", alipayNotification("DG-2"))
	require.True(t, res.Accepted)
	require.NoError(t, p.Clear(ctx, "alipay"))
	_, err = p.Get(ctx, res.TaskID)
	assert.ErrorIs(t, err, queue.ErrTaskNotFound)
	counts, err = p.Status(ctx, "alipay")
	require.NoError(t, err)
	assert.Equal(t, models.Counts{}, counts)
}
