package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/zacharykka/prompt-analytics/internal/domain"
)

// MemoryConfig 配置进程内队列。
type MemoryConfig struct {
	Workers    int
	BufferSize int
	StateTTL   time.Duration
	MaxStates  int
	// DrainTimeout 是 Close 等待进行中任务的上限，超时后取消其 ctx。
	DrainTimeout time.Duration
}

// MemoryQueue 以带缓冲 channel 加固定数量的 worker 执行任务，重试通过定时器延迟重新入队。
type MemoryQueue struct {
	*dispatcher

	cfg    MemoryConfig
	jobs   chan *Job
	states *lru.LRU[string, domain.JobState]

	after func(d time.Duration, fn func())
	now   func() time.Time

	mu      sync.Mutex
	started bool
	done    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ Queue = (*MemoryQueue)(nil)

// MemoryOption 调整进程内队列行为。
type MemoryOption func(*MemoryQueue)

// WithAfterFunc 替换重试的延迟调度实现，默认 time.AfterFunc。
func WithAfterFunc(after func(d time.Duration, fn func())) MemoryOption {
	return func(q *MemoryQueue) {
		if after != nil {
			q.after = after
		}
	}
}

// NewMemoryQueue 创建进程内队列，需调用 Start 后才会消费任务。
func NewMemoryQueue(cfg MemoryConfig, logger *zap.Logger, observer Observer, opts ...MemoryOption) *MemoryQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 24 * time.Hour
	}
	if cfg.MaxStates <= 0 {
		cfg.MaxStates = 10000
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	q := &MemoryQueue{
		dispatcher: newDispatcher(logger, observer),
		cfg:        cfg,
		jobs:       make(chan *Job, cfg.BufferSize),
		states:     lru.NewLRU[string, domain.JobState](cfg.MaxStates, nil, cfg.StateTTL),
		after: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
		now:  time.Now,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue 写入任务；缓冲区已满时阻塞直到有空位或 ctx 取消。
func (q *MemoryQueue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts Options) (string, error) {
	select {
	case <-q.done:
		return "", ErrClosed
	default:
	}

	job, err := newJob(uuid.NewString(), jobType, payload, opts, q.now())
	if err != nil {
		return "", err
	}
	q.setState(job, domain.JobQueued, nil)

	select {
	case q.jobs <- job:
		return job.ID, nil
	case <-ctx.Done():
		q.states.Remove(job.ID)
		return "", ctx.Err()
	case <-q.done:
		q.states.Remove(job.ID)
		return "", ErrClosed
	}
}

// Status 返回任务最新状态。
func (q *MemoryQueue) Status(_ context.Context, jobID string) (*domain.JobState, error) {
	state, ok := q.states.Get(jobID)
	if !ok {
		return nil, ErrJobNotFound
	}
	return &state, nil
}

// Start 启动 worker，立即返回。ctx 取消时 worker 与进行中的任务一并停止；
// Close 则先停止取新任务，等待进行中的任务结束。
func (q *MemoryQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	q.started = true

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(runCtx)
	}
	q.logger.Info("memory queue started", zap.Int("workers", q.cfg.Workers))
	return nil
}

// Close 停止接收与取出任务，等待进行中的任务结束（最长 DrainTimeout）；
// 已排程但未到期的重试将被丢弃。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	select {
	case <-q.done:
		q.mu.Unlock()
		return nil
	default:
	}
	close(q.done)
	cancel := q.cancel
	q.mu.Unlock()

	drain(&q.wg, q.cfg.DrainTimeout, cancel, q.logger)
	return nil
}

func (q *MemoryQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		// 关闭后不再取新任务，即使缓冲区仍有积压。
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case job := <-q.jobs:
			q.process(ctx, job)
		}
	}
}

func (q *MemoryQueue) process(ctx context.Context, job *Job) {
	job.Attempt++
	q.setState(job, domain.JobRunning, nil)

	result := q.execute(ctx, job)
	q.setState(job, result.status, result.err)
	if result.status != domain.JobRetrying {
		return
	}

	q.after(result.delay, func() {
		select {
		case <-q.done:
			q.logger.Warn("dropping scheduled retry on shutdown", zap.String("job_id", job.ID))
			return
		default:
		}
		select {
		case q.jobs <- job:
		case <-q.done:
			q.logger.Warn("dropping scheduled retry on shutdown", zap.String("job_id", job.ID))
		}
	})
}

func (q *MemoryQueue) setState(job *Job, status domain.JobStatus, err error) {
	q.states.Add(job.ID, jobState(job, status, err, q.now()))
}
