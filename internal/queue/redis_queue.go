package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"async-notify/internal/config"
	"async-notify/internal/models"
)

// RedisQueue keeps one hash per task plus per-category ready, retry, processing
// and failed indexes. Failed ids are also appended to one shared failed list.
// Every state change runs as a Lua script that re-checks the stored status, so
// concurrent workers never claim the same task twice.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	completedTTL time.Duration
	now          func() time.Time
}

// NewRedisQueue dials Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, cfg config.Config) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("kv", fmt.Errorf("ping %s: %w", cfg.Redis.Addr, err))
	}
	return NewRedisQueueWithClient(client, cfg.Queue.KeyPrefix, cfg.Queue.CompletedTTL), nil
}

// NewRedisQueueWithClient wraps an existing client.
func NewRedisQueueWithClient(client *redis.Client, prefix string, completedTTL time.Duration) *RedisQueue {
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		completedTTL: completedTTL,
		now:          time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (q *RedisQueue) WithClock(now func() time.Time) *RedisQueue {
	q.now = now
	return q
}

func (q *RedisQueue) Name() string { return "kv" }

// Client exposes the underlying connection so the rate limiter can share it.
func (q *RedisQueue) Client() *redis.Client { return q.client }

func (q *RedisQueue) recordPrefix() string { return q.prefix + "task:" }

func (q *RedisQueue) recordKey(id string) string { return q.recordPrefix() + id }

func (q *RedisQueue) readyKey(category string) string { return q.prefix + category + "_tasks" }

func (q *RedisQueue) retryKey(category string) string { return q.prefix + category + "_retry" }

func (q *RedisQueue) processingKey(category string) string {
	return q.prefix + category + "_processing"
}

func (q *RedisQueue) failedKey(category string) string { return q.prefix + category + "_failed" }

func (q *RedisQueue) indexKey(category string) string { return q.prefix + category + "_index" }

func (q *RedisQueue) sharedFailedKey() string { return q.prefix + "failed_tasks" }

func (q *RedisQueue) Push(ctx context.Context, task models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	keys := []string{q.recordKey(task.ID), q.readyKey(task.Category), q.indexKey(task.Category)}
	res, err := pushScript.Run(ctx, q.client, keys,
		string(data), task.ID, task.Category, q.now().UnixMilli()).Int()
	if err != nil {
		return q.wrap(err)
	}
	if res == 0 {
		return fmt.Errorf("push %s: %w", task.ID, ErrDuplicateTask)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context, category string) (*models.Task, error) {
	keys := []string{q.readyKey(category), q.retryKey(category), q.processingKey(category)}
	id, err := popScript.Run(ctx, q.client, keys, q.now().UnixMilli(), q.recordPrefix()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, q.wrap(err)
	}
	task, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	category, err := q.categoryOf(ctx, id)
	if err != nil || category == "" {
		return err
	}
	keys := []string{q.recordKey(id), q.processingKey(category), q.indexKey(category)}
	ttl := int64(q.completedTTL / time.Second)
	return q.wrap(ackScript.Run(ctx, q.client, keys, id, q.now().UnixMilli(), ttl).Err())
}

func (q *RedisQueue) Retry(ctx context.Context, task models.Task) error {
	now := q.now()
	next := now
	if task.NextRetryAt != nil {
		next = *task.NextRetryAt
	}
	keys := []string{q.recordKey(task.ID), q.processingKey(task.Category), q.retryKey(task.Category)}
	return q.wrap(retryScript.Run(ctx, q.client, keys,
		task.ID, now.UnixMilli(), next.UnixMilli(), task.Attempts, errString(task.LastError)).Err())
}

func (q *RedisQueue) MarkFailed(ctx context.Context, task models.Task) error {
	keys := []string{
		q.recordKey(task.ID),
		q.processingKey(task.Category),
		q.retryKey(task.Category),
		q.readyKey(task.Category),
		q.failedKey(task.Category),
		q.sharedFailedKey(),
	}
	return q.wrap(failScript.Run(ctx, q.client, keys,
		task.ID, q.now().UnixMilli(), task.Attempts, errString(task.LastError)).Err())
}

// Status counts tasks per state. Due retries already promoted to the ready list count as pending.
func (q *RedisQueue) Status(ctx context.Context, category string) (models.Counts, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey(category))
	retry := pipe.ZCard(ctx, q.retryKey(category))
	processing := pipe.ZCard(ctx, q.processingKey(category))
	failed := pipe.ZCard(ctx, q.failedKey(category))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Counts{}, q.wrap(err)
	}
	return models.Counts{
		Pending:    ready.Val(),
		Processing: processing.Val(),
		Retry:      retry.Val(),
		Failed:     failed.Val(),
	}, nil
}

func (q *RedisQueue) Clear(ctx context.Context, category string) error {
	ids, err := q.client.SMembers(ctx, q.indexKey(category)).Result()
	if err != nil {
		return q.wrap(err)
	}
	failed, err := q.client.ZRange(ctx, q.failedKey(category), 0, -1).Result()
	if err != nil {
		return q.wrap(err)
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, q.recordKey(id))
	}
	for _, id := range failed {
		pipe.Del(ctx, q.recordKey(id))
		pipe.LRem(ctx, q.sharedFailedKey(), 0, id)
	}
	pipe.Del(ctx,
		q.readyKey(category),
		q.retryKey(category),
		q.processingKey(category),
		q.failedKey(category),
		q.indexKey(category),
	)
	_, err = pipe.Exec(ctx)
	return q.wrap(err)
}

func (q *RedisQueue) Get(ctx context.Context, id string) (models.Task, error) {
	return q.load(ctx, id)
}

func (q *RedisQueue) Stale(ctx context.Context, category string, before time.Time) ([]models.Task, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.processingKey(category), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", before.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, q.wrap(err)
	}
	return q.loadAll(ctx, ids)
}

func (q *RedisQueue) Failed(ctx context.Context, category string, limit int) ([]models.Task, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := q.client.ZRange(ctx, q.failedKey(category), 0, stop).Result()
	if err != nil {
		return nil, q.wrap(err)
	}
	return q.loadAll(ctx, ids)
}

func (q *RedisQueue) PurgeFailed(ctx context.Context, category string) (int, error) {
	ids, err := q.client.ZRange(ctx, q.failedKey(category), 0, -1).Result()
	if err != nil {
		return 0, q.wrap(err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, q.recordKey(id))
		pipe.SRem(ctx, q.indexKey(category), id)
		pipe.LRem(ctx, q.sharedFailedKey(), 0, id)
	}
	pipe.Del(ctx, q.failedKey(category))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, q.wrap(err)
	}
	return len(ids), nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) categoryOf(ctx context.Context, id string) (string, error) {
	category, err := q.client.HGet(ctx, q.recordKey(id), "category").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return category, q.wrap(err)
}

func (q *RedisQueue) loadAll(ctx context.Context, ids []string) ([]models.Task, error) {
	out := make([]models.Task, 0, len(ids))
	for _, id := range ids {
		task, err := q.load(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

// load merges the immutable document written by Push with the mutable hash fields.
func (q *RedisQueue) load(ctx context.Context, id string) (models.Task, error) {
	fields, err := q.client.HGetAll(ctx, q.recordKey(id)).Result()
	if err != nil {
		return models.Task{}, q.wrap(err)
	}
	if len(fields) == 0 {
		return models.Task{}, ErrTaskNotFound
	}
	var task models.Task
	if err := json.Unmarshal([]byte(fields["data"]), &task); err != nil {
		return models.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	task.Status = models.Status(fields["status"])
	if n, err := strconv.Atoi(fields["attempts"]); err == nil {
		task.Attempts = n
	}
	task.NextRetryAt = msTime(fields["next_retry_at"])
	if t := msTime(fields["updated_at"]); t != nil {
		task.UpdatedAt = *t
	}
	task.FailedAt = msTime(fields["failed_at"])
	task.SetError(fields["last_error"])
	return task, nil
}

// wrap classifies err. Server replies such as WRONGTYPE are returned as-is;
// network and pool failures become UnavailableError.
func (q *RedisQueue) wrap(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var serverErr redis.Error
	if errors.As(err, &serverErr) {
		return err
	}
	return unavailable(q.Name(), err)
}

func msTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func errString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var pushScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'category', ARGV[3], 'status', 'pending', 'attempts', '0', 'updated_at', ARGV[4])
redis.call('LPUSH', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[2])
return 1
`)

// popScript promotes due retries oldest-first to the consuming end of the
// ready list, then claims the first id whose record is still claimable and
// counts the claim as an attempt.
var popScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for i = #due, 1, -1 do
  redis.call('ZREM', KEYS[2], due[i])
  redis.call('RPUSH', KEYS[1], due[i])
end
while true do
  local id = redis.call('RPOP', KEYS[1])
  if not id then
    return false
  end
  local rec = ARGV[2] .. id
  local st = redis.call('HGET', rec, 'status')
  if st == 'pending' or st == 'retry' then
    redis.call('HSET', rec, 'status', 'processing', 'updated_at', ARGV[1])
    redis.call('HINCRBY', rec, 'attempts', 1)
    redis.call('ZADD', KEYS[3], ARGV[1], id)
    return id
  end
end
`)

var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'completed', 'updated_at', ARGV[2])
redis.call('HDEL', KEYS[1], 'last_error', 'next_retry_at')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
if tonumber(ARGV[3]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'retry', 'attempts', ARGV[4], 'next_retry_at', ARGV[3], 'updated_at', ARGV[2], 'last_error', ARGV[5])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

var failScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st or st == 'failed' or st == 'completed' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'failed', 'attempts', ARGV[3], 'failed_at', ARGV[2], 'updated_at', ARGV[2], 'last_error', ARGV[4])
redis.call('HDEL', KEYS[1], 'next_retry_at')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('LREM', KEYS[4], 0, ARGV[1])
redis.call('ZADD', KEYS[5], ARGV[2], ARGV[1])
redis.call('LPUSH', KEYS[6], ARGV[1])
return 1
`)
