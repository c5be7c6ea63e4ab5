package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"async-notify/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type backendFactory func(t *testing.T, clock *testClock) Backend

func newTestTask(category, order string, clock *testClock) models.Task {
	return models.NewTask(category, models.Payload{
		OrderRef:      order,
		TransactionID: "tx-" + order,
		TradeStatus:   "TRADE_SUCCESS",
		Amount:        12.5,
		ReceivedAt:    clock.Now().Unix(),
		Raw:           map[string]string{"out_trade_no": order},
	}, 3, clock.Now())
}

// runBackendContract exercises the behaviour every backend must share.
func runBackendContract(t *testing.T, factory backendFactory) {
	ctx := context.Background()

	t.Run("fifo claim and ack", func(t *testing.T) {
		clock := newTestClock()
		q := factory(t, clock)

		first := newTestTask("alipay", "A1", clock)
		second := newTestTask("alipay", "A2", clock)
		require.NoError(t, q.Push(ctx, first))
		require.NoError(t, q.Push(ctx, second))

		got, err := q.Pop(ctx, "alipay")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, first.ID, got.ID)
		assert.Equal(t, models.StatusProcessing, got.Status)
		assert.Equal(t, 1, got.Attempts, "a claim counts as an attempt")
		assert.Equal(t, "A1", got.Payload.OrderRef)
		assert.Equal(t, 12.5, got.Payload.Amount)

		require.NoError(t, q.Ack(ctx, got.ID))
		require.NoError(t, q.Ack(ctx, got.ID), "ack must be idempotent")

		stored, err := q.Get(ctx, got.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, stored.Status)
		assert.Equal(t, 1, stored.Attempts)

		got, err = q.Pop(ctx, "alipay")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, second.ID, got.ID)

		got, err = q.Pop(ctx, "alipay")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("duplicate push rejected", func(t *testing.T) {
		clock := newTestClock()
		q := factory(t, clock)

		task := newTestTask("wxpay", "W1", clock)
		require.NoError(t, q.Push(ctx, task))
		err := q.Push(ctx, task)
		require.ErrorIs(t, err, ErrDuplicateTask)
	})

	t.Run("retry waits for next_retry_at", func(t *testing.T) {
		clock := newTestClock()
		q := factory(t, clock)

		require.NoError(t, q.Push(ctx, newTestTask("alipay", "R1", clock)))
		got, err := q.Pop(ctx, "alipay")
		require.NoError(t, err)
		require.NotNil(t, got)

		next := clock.Now().Add(10 * time.Second)
		got.Attempts = 1
		got.NextRetryAt = &next
		got.SetError("gateway timeout")
		require.NoError(t, q.Retry(ctx, *got))

		counts, err := q.Status(ctx, "alipay")
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts.Retry)
		assert.Equal(t, int64(0), counts.Processing)

		again, err := q.Pop(ctx, "alipay")
		require.NoError(t, err)
		assert.Nil(t, again, "task must not be claimable before next_retry_at")

		clock.Advance(10 * time.Second)
		again, err = q.Pop(ctx, "alipay")
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, got.ID, again.ID)
		assert.Equal(t, 2, again.Attempts)
		assert.Equal(t, models.StatusProcessing, again.Status)
	})

	t.Run("failed tasks are terminal", func(t *testing.T) {
		clock := newTestClock()
		q := factory(t, clock)

		require.NoError(t, q.Push(ctx, newTestTask("alipay", "F1", clock)))
		got, err := q.Pop(ctx, "alipay")
		require.NoError(t, err)
		require.NotNil(t, got)

		got.Attempts = 3
		got.SetError("merchant rejected")
		require.NoError(t, q.MarkFailed(ctx, *got))

		require.NoError(t, q.Ack(ctx, got.ID))
		require.NoError(t, q.Retry(ctx, *got))

		stored, err := q.Get(ctx, got.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, stored.Status)
		assert.Equal(t, 3, stored.Attempts)
		require.NotNil(t, stored.LastError)
		assert.Equal(t, "merchant rejected", *stored.LastError)
		assert.NotNil(t, stored.FailedAt)

		failed, err := q.Failed(ctx, "alipay", 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, got.ID, failed[0].ID)

		counts, err := q.Status(ctx, "alipay")
		require.NoError(t, err)
		assert.Equal(t, models.Counts{Failed: 1}, counts)

		n, err := q.PurgeFailed(ctx, "alipay")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		counts, err = q.Status(ctx, "alipay")
		require.NoError(t, err)
		assert.Equal(t, models.Counts{}, counts)
	})

	t.Run("status and clear", func(t *testing.T) {
		clock := newTestClock()
		q := factory(t, clock)

		for i := 0; i < 3; i++ {
			require.NoError(t, q.Push(ctx, newTestTask("jdpay", fmt.Sprintf("S%d", i), clock)))
		}
		require.NoError(t, q.Push(ctx, newTestTask("cmbpay", "OTHER", clock)))
		_, err := q.Pop(ctx, "jdpay")
		require.NoError(t, err)

		counts, err := q.Status(ctx, "jdpay")
		require.NoError(t, err)
		assert.Equal(t, models.Counts{Pending: 2, Processing: 1}, counts)

		require.NoError(t, q.Clear(ctx, "jdpay"))
		counts, err = q.Status(ctx, "jdpay")
		require.NoError(t, err)
		assert.Equal(t, models.Counts{}, counts)

		got, err := q.Pop(ctx, "jdpay")
		require.NoError(t, err)
		assert.Nil(t, got)

		other, err := q.Pop(ctx, "cmbpay")
		require.NoError(t, err)
		require.NotNil(t, other, "clear must not touch other categories")
	})

	t.Run("stale processing tasks", func(t *testing.T) {
		clock := newTestClock()
		q := factory(t, clock)

		require.NoError(t, q.Push(ctx, newTestTask("alipay", "ST1", clock)))
		got, err := q.Pop(ctx, "alipay")
		require.NoError(t, err)
		require.NotNil(t, got)

		stale, err := q.Stale(ctx, "alipay", clock.Now().Add(-10*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, stale)

		clock.Advance(20 * time.Minute)
		stale, err = q.Stale(ctx, "alipay", clock.Now().Add(-10*time.Minute))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, got.ID, stale[0].ID)
	})

	t.Run("get unknown id", func(t *testing.T) {
		q := factory(t, newTestClock())
		_, err := q.Get(ctx, "missing")
		require.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("concurrent pops claim each task once", func(t *testing.T) {
		clock := newTestClock()
		q := factory(t, clock)

		const total = 20
		for i := 0; i < total; i++ {
			require.NoError(t, q.Push(ctx, newTestTask("huaweipay", fmt.Sprintf("C%d", i), clock)))
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					task, err := q.Pop(ctx, "huaweipay")
					if err != nil {
						t.Errorf("pop: %v", err)
						return
					}
					if task == nil {
						return
					}
					mu.Lock()
					seen[task.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
		}
	})
}
