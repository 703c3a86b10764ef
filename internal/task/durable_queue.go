package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"

	xerrors "SynthralOS/internal/errors"
	"SynthralOS/pkg/logger"
)

// DurableQueue 将作业状态保存在 Store 中，由 Broker 负责投递作业 ID 与延迟重试。
// 投递语义为至少一次：同一作业可能被重复投递，Claim 保证同一时刻只有一个消费者
// 执行，协议处理器需要是幂等的。
type DurableQueue struct {
	store    Store
	broker   Broker
	handlers *Handlers
	opts     options
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewDurableQueue 构造 DurableQueue，调用 Start 后开始消费。
func NewDurableQueue(store Store, broker Broker, handlers *Handlers, opts ...Option) (*DurableQueue, error) {
	if store == nil || broker == nil || handlers == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "durable queue requires store, broker and handlers")
	}
	o := buildOptions(opts)
	if err := o.retry.Validate(); err != nil {
		return nil, err
	}
	log := o.logger
	if log == nil {
		log = logger.Named("durable-queue")
	}
	return &DurableQueue{store: store, broker: broker, handlers: handlers, opts: o, log: log}, nil
}

// Start 在后台启动消费循环，重复调用无效。
func (q *DurableQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	go func() {
		defer close(q.done)
		if err := q.broker.Consume(ctx, q.opts.workers, q.handle); err != nil && !stdErrors.Is(err, context.Canceled) {
			q.log.Error("job consumer stopped", slog.Any("error", err))
		}
	}()
	return nil
}

// AddTask 持久化作业后投递到代理。指定 ID 的重复提交返回已有作业。
func (q *DurableQueue) AddTask(ctx context.Context, req TaskRequest) (string, error) {
	job, err := newJob(req, q.opts.retry, q.opts.clock.Now())
	if err != nil {
		return "", err
	}
	if q.isClosed() {
		return "", ErrQueueClosed
	}
	if err := q.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			return job.ID, nil
		}
		return "", err
	}
	if err := q.broker.Publish(ctx, job.ID, 0); err != nil {
		q.log.Error("publish job failed", slog.Any("error", err), slog.String("job_id", job.ID))
		wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, err, "publish job to broker")
		_ = q.store.MarkFailed(ctx, job.ID, wrapped.Error())
		return "", wrapped
	}
	return job.ID, nil
}

// GetJobStatus 返回作业的状态快照。
func (q *DurableQueue) GetJobStatus(ctx context.Context, id string) (JobStatus, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) {
			return JobStatus{}, xerrors.Wrap(xerrors.CodeNotFound, ErrJobNotFound,
				fmt.Sprintf("job %q not found", id), xerrors.WithMetadata("job_id", id))
		}
		return JobStatus{}, err
	}
	return job.Snapshot(), nil
}

// List 返回符合过滤条件的作业。
func (q *DurableQueue) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	return q.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的作业统计。
func (q *DurableQueue) Stats(ctx context.Context, opts ...ListOption) (JobStats, error) {
	return q.store.Stats(ctx, buildListOptions(opts))
}

// Close 停止消费并关闭代理与存储。
func (q *DurableQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel, done := q.cancel, q.done
	q.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return stdErrors.Join(q.broker.Close(), q.store.Close())
}

func (q *DurableQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// handle 处理一次投递。返回 error 时由代理重新投递，
// 只有可重试的错误才会返回，其余错误记录后丢弃该消息。
func (q *DurableQueue) handle(ctx context.Context, id string) error {
	job, err := q.store.Claim(ctx, id)
	switch {
	case err == nil:
	case stdErrors.Is(err, ErrLeaseExpired):
		q.log.Warn("job lease expired on final attempt", slog.String("job_id", id), slog.Int("attempts", job.Attempts))
		reportTerminal(ctx, q.opts.alerter, q.log, job, err)
		return nil
	case stdErrors.Is(err, ErrJobConflict):
		// 作业仍被其他消费者持有，租约到期后再次尝试领取。
		delay := retryAfter(err)
		if perr := q.broker.Publish(ctx, id, delay); perr != nil {
			return q.redeliver(id, "republish held job", xerrors.Wrap(xerrors.CodeQueueFailure, perr, "republish held job"))
		}
		q.log.Debug("job held by another consumer", slog.String("job_id", id), slog.Duration("delay", delay))
		return nil
	case isSkippable(err):
		q.log.Debug("skip delivery", slog.String("job_id", id), slog.String("reason", err.Error()))
		return nil
	default:
		return q.redeliver(id, "claim job", err)
	}

	out := runAttempt(ctx, q.handlers, job)
	if out.success {
		if err := q.store.MarkSucceeded(ctx, job.ID, out.result); err != nil {
			return q.redeliver(job.ID, "record job result", err)
		}
		job.Status = StatusCompleted
		job.Result = out.result
		reportTerminal(ctx, q.opts.alerter, q.log, job, nil)
		return nil
	}
	return q.handleFailure(ctx, job, out.err)
}

// redeliver 决定一次失败的投递是否交还代理：可重试错误返回给代理，其余丢弃。
func (q *DurableQueue) redeliver(id, op string, err error) error {
	if xerrors.RetryableError(err) {
		q.log.Error(op+" failed, delivery will be retried", slog.Any("error", err), slog.String("job_id", id))
		return err
	}
	q.log.Error(op+" failed permanently, dropping delivery", slog.Any("error", err), slog.String("job_id", id))
	return nil
}

func (q *DurableQueue) handleFailure(ctx context.Context, job *Job, cause string) error {
	job.LastError = cause
	next := q.opts.retry.nextStep(job)
	if next.terminal {
		if err := q.store.MarkFailed(ctx, job.ID, cause); err != nil {
			return q.redeliver(job.ID, "mark job failed", err)
		}
		job.Status = StatusFailed
		reportTerminal(ctx, q.opts.alerter, q.log, job, ErrJobExhausted)
		return nil
	}

	if err := q.store.MarkRetrying(ctx, job.ID, next.protocolIndex, cause); err != nil {
		return q.redeliver(job.ID, "mark job retrying", err)
	}
	job.CurrentProtocolIndex = next.protocolIndex
	if err := q.broker.Publish(ctx, job.ID, next.delay); err != nil {
		return q.redeliver(job.ID, "republish job", xerrors.Wrap(xerrors.CodeQueueFailure, err, fmt.Sprintf("republish job %s", job.ID)))
	}
	q.log.Debug("job scheduled for retry",
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempts),
		slog.String("next_protocol", job.Protocol()),
		slog.Duration("delay", next.delay),
		slog.String("error", cause))
	return nil
}

var _ Queue = (*DurableQueue)(nil)
