package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zacharykka/prompt-analytics/internal/domain"
)

// RedisConfig 配置 Redis 队列。
type RedisConfig struct {
	KeyPrefix    string
	Workers      int
	PollInterval time.Duration
	StateTTL     time.Duration
	// BlockTimeout 是 BRPOP 的阻塞时长，最小 1s。
	BlockTimeout time.Duration
	PromoteBatch int64
	// DrainTimeout 是 Close 等待进行中任务的上限，超时后取消其 ctx。
	DrainTimeout time.Duration
}

// RedisQueue 使用 ready 列表加 delayed 有序集合实现跨进程队列。
// 运行中的任务在进程崩溃时会丢失，由调用方通过状态轮询发现。
type RedisQueue struct {
	*dispatcher

	client redis.UniversalClient
	cfg    RedisConfig
	now    func() time.Time

	mu          sync.Mutex
	started     bool
	closed      bool
	cancel      context.CancelFunc
	stopPolling context.CancelFunc
	wg          sync.WaitGroup
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue 基于已有客户端创建队列。
func NewRedisQueue(client redis.UniversalClient, cfg RedisConfig, logger *zap.Logger, observer Observer) *RedisQueue {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "queue:"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 24 * time.Hour
	}
	if cfg.BlockTimeout < time.Second {
		cfg.BlockTimeout = time.Second
	}
	if cfg.PromoteBatch <= 0 {
		cfg.PromoteBatch = 100
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	return &RedisQueue{
		dispatcher: newDispatcher(logger, observer),
		client:     client,
		cfg:        cfg,
		now:        time.Now,
	}
}

func (q *RedisQueue) readyKey() string   { return q.cfg.KeyPrefix + "ready" }
func (q *RedisQueue) delayedKey() string { return q.cfg.KeyPrefix + "delayed" }
func (q *RedisQueue) stateKey(id string) string {
	return q.cfg.KeyPrefix + "state:" + id
}

// Enqueue 写入状态并推入 ready 列表。
func (q *RedisQueue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts Options) (string, error) {
	if q.isClosed() {
		return "", ErrClosed
	}
	job, err := newJob(uuid.NewString(), jobType, payload, opts, q.now())
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	state, err := q.encodeState(job, domain.JobQueued, nil)
	if err != nil {
		return "", err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.stateKey(job.ID), state, q.cfg.StateTTL)
		pipe.LPush(ctx, q.readyKey(), encoded)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", jobType, err)
	}
	return job.ID, nil
}

// Status 读取任务状态。
func (q *RedisQueue) Status(ctx context.Context, jobID string) (*domain.JobState, error) {
	raw, err := q.client.Get(ctx, q.stateKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job state %s: %w", jobID, err)
	}
	var state domain.JobState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode job state %s: %w", jobID, err)
	}
	return &state, nil
}

// Start 启动 worker 与延迟任务搬运协程后立即返回。
func (q *RedisQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.started {
		return nil
	}
	q.started = true

	jobCtx, cancel := context.WithCancel(ctx)
	pollCtx, stopPolling := context.WithCancel(jobCtx)
	q.cancel = cancel
	q.stopPolling = stopPolling
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(pollCtx, jobCtx)
	}
	q.wg.Add(1)
	go q.poller(pollCtx)

	q.logger.Info("redis queue started",
		zap.Int("workers", q.cfg.Workers),
		zap.String("prefix", q.cfg.KeyPrefix),
	)
	return nil
}

// Close 先停止 BRPOP 与延迟任务搬运，再等待进行中的任务结束（最长 DrainTimeout）。
// 阻塞中的 BRPOP 会随 ctx 取消立即返回。
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel, stopPolling := q.cancel, q.stopPolling
	q.mu.Unlock()

	if stopPolling != nil {
		stopPolling()
	}
	drain(&q.wg, q.cfg.DrainTimeout, cancel, q.logger)
	return nil
}

func (q *RedisQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// worker 用 pollCtx 取任务，用 jobCtx 执行任务，关闭时进行中的任务不会被立即取消。
func (q *RedisQueue) worker(pollCtx, jobCtx context.Context) {
	defer q.wg.Done()
	ctx := pollCtx
	for ctx.Err() == nil {
		result, err := q.client.BRPop(ctx, q.cfg.BlockTimeout, q.readyKey()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.logger.Warn("queue pop failed", zap.Error(err))
			if !sleep(ctx, q.cfg.PollInterval) {
				return
			}
			continue
		}
		if len(result) != 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			q.logger.Error("discarding undecodable job", zap.Error(err))
			continue
		}
		q.process(jobCtx, &job)
	}
}

func (q *RedisQueue) process(ctx context.Context, job *Job) {
	job.Attempt++
	q.saveState(ctx, job, domain.JobRunning, nil)

	result := q.execute(ctx, job)
	if result.status == domain.JobRetrying {
		if err := q.schedule(context.WithoutCancel(ctx), job, result.delay); err != nil {
			q.logger.Error("schedule retry failed", zap.String("job_id", job.ID), zap.Error(err))
			q.saveState(ctx, job, domain.JobFailed, err)
			return
		}
	}
	q.saveState(ctx, job, result.status, result.err)
}

func (q *RedisQueue) schedule(ctx context.Context, job *Job, delay time.Duration) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	readyAt := q.now().Add(delay).UnixMilli()
	return q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt), Member: encoded}).Err()
}

func (q *RedisQueue) poller(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("promote delayed jobs failed", zap.Error(err))
			}
		}
	}
}

// promoteDue 把到期的延迟任务搬回 ready 列表；ZREM 成功者才推入，多实例并发时不会重复。
func (q *RedisQueue) promoteDue(ctx context.Context) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: q.cfg.PromoteBatch,
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey(), member).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

func (q *RedisQueue) encodeState(job *Job, status domain.JobStatus, err error) ([]byte, error) {
	encoded, marshalErr := json.Marshal(jobState(job, status, err, q.now()))
	if marshalErr != nil {
		return nil, fmt.Errorf("encode job state: %w", marshalErr)
	}
	return encoded, nil
}

func (q *RedisQueue) saveState(ctx context.Context, job *Job, status domain.JobStatus, err error) {
	encoded, encodeErr := q.encodeState(job, status, err)
	if encodeErr != nil {
		q.logger.Error("encode job state failed", zap.String("job_id", job.ID), zap.Error(encodeErr))
		return
	}
	// 关闭过程中也要落盘最终状态。
	if setErr := q.client.Set(context.WithoutCancel(ctx), q.stateKey(job.ID), encoded, q.cfg.StateTTL).Err(); setErr != nil {
		q.logger.Warn("save job state failed", zap.String("job_id", job.ID), zap.Error(setErr))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
