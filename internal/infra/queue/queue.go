// Package queue 提供带重试与退避的后台任务队列，支持进程内与 Redis 两种后端。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zacharykka/prompt-analytics/internal/domain"
	"github.com/zacharykka/prompt-analytics/pkg/retry"
)

var (
	// ErrJobNotFound 表示任务状态不存在或已过期。
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrClosed 表示队列已关闭。
	ErrClosed = errors.New("queue: closed")
	// ErrNoHandler 表示任务类型没有注册处理函数。
	ErrNoHandler = errors.New("queue: no handler registered")
)

// Backoff 描述重试间隔：Delay * Factor^(attempt-1)。
type Backoff struct {
	Delay  time.Duration `json:"delay"`
	Factor float64       `json:"factor"`
}

// Options 控制单个任务的重试行为。
type Options struct {
	Attempts int
	Backoff  Backoff
}

// DefaultOptions 返回 3 次尝试、1s 起步、倍数 2 的配置。
func DefaultOptions() Options {
	return Options{Attempts: 3, Backoff: Backoff{Delay: time.Second, Factor: 2}}
}

func (o Options) normalize() Options {
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.Backoff.Factor < 1 {
		o.Backoff.Factor = 1
	}
	return o
}

// Job 是队列中的一个工作单元。
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     Backoff         `json:"backoff"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

// Delay 返回第 attempt 次失败后的重试等待时长。
func (j *Job) Delay(attempt int) time.Duration {
	policy := retry.Policy{InitialBackoff: j.Backoff.Delay, Factor: j.Backoff.Factor}
	return policy.Delay(attempt)
}

// Handler 处理一个任务；返回错误会触发重试，Permanent 包装的错误直接失败。
type Handler func(ctx context.Context, job *Job) error

// Observer 在任务结束一次执行后被调用。
type Observer func(jobType string, status domain.JobStatus, elapsed time.Duration)

// Queue 是报表流水线使用的窄接口，不暴露任何底层队列类型。
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts Options) (string, error)
	OnJob(jobType string, handler Handler)
	Status(ctx context.Context, jobID string) (*domain.JobState, error)
	Start(ctx context.Context) error
	Close() error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记错误不可重试。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断错误是否被标记为不可重试。
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// newJob 序列化负载并构造任务。
func newJob(id, jobType string, payload interface{}, opts Options, now time.Time) (*Job, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode job payload: %w", err)
		}
		raw = encoded
	}
	opts = opts.normalize()
	return &Job{
		ID:          id,
		Type:        jobType,
		Payload:     raw,
		MaxAttempts: opts.Attempts,
		Backoff:     opts.Backoff,
		EnqueuedAt:  now,
	}, nil
}

// outcome 是一次执行后的决策。
type outcome struct {
	status domain.JobStatus
	delay  time.Duration
	err    error
}

// dispatcher 持有处理函数注册表并负责单次执行与重试决策，供各后端复用。
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
	observer Observer
}

func newDispatcher(logger *zap.Logger, observer Observer) *dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &dispatcher{handlers: make(map[string]Handler), logger: logger, observer: observer}
}

func (d *dispatcher) OnJob(jobType string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[jobType] = handler
}

func (d *dispatcher) handler(jobType string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[jobType]
	return h, ok
}

// execute 运行一次任务（Attempt 已递增），捕获 panic 并给出下一步状态。
func (d *dispatcher) execute(ctx context.Context, job *Job) outcome {
	start := time.Now()
	err := d.invoke(ctx, job)
	elapsed := time.Since(start)

	var result outcome
	switch {
	case err == nil:
		result = outcome{status: domain.JobCompleted}
		d.logger.Info("job completed",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.Int("attempt", job.Attempt),
			zap.Duration("duration", elapsed),
		)
	case IsPermanent(err) || errors.Is(err, ErrNoHandler) || job.Attempt >= job.MaxAttempts:
		result = outcome{status: domain.JobFailed, err: err}
		d.logger.Error("job failed",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.Int("attempt", job.Attempt),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Error(err),
		)
	default:
		result = outcome{status: domain.JobRetrying, delay: job.Delay(job.Attempt), err: err}
		d.logger.Warn("job attempt failed, retrying",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.Int("attempt", job.Attempt),
			zap.Duration("delay", result.delay),
			zap.Error(err),
		)
	}

	if d.observer != nil {
		d.observer(job.Type, result.status, elapsed)
	}
	return result
}

func (d *dispatcher) invoke(ctx context.Context, job *Job) (err error) {
	handler, ok := d.handler(job.Type)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("job handler panic",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func jobState(job *Job, status domain.JobStatus, err error, now time.Time) domain.JobState {
	state := domain.JobState{
		ID:        job.ID,
		Type:      job.Type,
		Status:    status,
		Attempt:   job.Attempt,
		UpdatedAt: now,
	}
	if err != nil {
		state.LastError = err.Error()
	}
	return state
}

// defaultDrainTimeout 是 Close 等待进行中任务结束的默认上限。
const defaultDrainTimeout = 30 * time.Second

// drain 等待 worker 全部退出；超过 timeout 仍未结束时取消进行中的任务后继续等待。
func drain(wg *sync.WaitGroup, timeout time.Duration, cancelJobs context.CancelFunc, logger *zap.Logger) {
	idle := make(chan struct{})
	go func() {
		wg.Wait()
		close(idle)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
	case <-timer.C:
		logger.Warn("queue drain timed out, cancelling in-flight jobs", zap.Duration("timeout", timeout))
	}
	if cancelJobs != nil {
		cancelJobs()
	}
	<-idle
}
