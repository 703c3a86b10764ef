package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"SynthralOS/internal/clock"
	xerrors "SynthralOS/internal/errors"
	"SynthralOS/pkg/logger"
)

// LocalQueue 是进程内的参考实现：工作协程消费就绪 channel，
// 重试由时钟定时器投递回 channel。每个作业同一时刻至多一次尝试在执行。
type LocalQueue struct {
	handlers *Handlers
	opts     options
	log      *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*localJob
	archive *lru.Cache[string, *Job]
	closed  bool

	ready     chan string
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type localJob struct {
	job       *Job
	timer     clock.Timer
	cancel    context.CancelFunc
	running   bool
	cancelled bool
}

// NewLocalQueue 创建队列并立即启动工作协程。
func NewLocalQueue(handlers *Handlers, opts ...Option) (*LocalQueue, error) {
	if handlers == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "protocol handlers must not be nil")
	}
	o := buildOptions(opts)
	if err := o.retry.Validate(); err != nil {
		return nil, err
	}
	archive, err := lru.New[string, *Job](o.archiveSize)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "create job archive")
	}
	log := o.logger
	if log == nil {
		log = logger.Named("local-queue")
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &LocalQueue{
		handlers: handlers,
		opts:     o,
		log:      log,
		jobs:     make(map[string]*localJob),
		archive:  archive,
		ready:    make(chan string, o.workers*64),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < o.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q, nil
}

// AddTask 创建作业并安排立即执行。指定 ID 的重复提交直接返回该 ID。
func (q *LocalQueue) AddTask(_ context.Context, req TaskRequest) (string, error) {
	job, err := newJob(req, q.opts.retry, q.opts.clock.Now())
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	if _, ok := q.jobs[job.ID]; ok || q.archive.Contains(job.ID) {
		q.mu.Unlock()
		return job.ID, nil
	}
	q.jobs[job.ID] = &localJob{job: job}
	q.mu.Unlock()

	q.log.Debug("job accepted",
		slog.String("job_id", job.ID),
		slog.Any("protocols", job.Protocols),
		slog.Int("max_attempts", job.MaxAttempts))

	select {
	case q.ready <- job.ID:
	default:
		// 就绪队列已满时异步投递，避免阻塞提交方。
		go q.enqueue(job.ID)
	}
	return job.ID, nil
}

// GetJobStatus 返回作业的状态快照，已归档的作业同样可查。
func (q *LocalQueue) GetJobStatus(_ context.Context, id string) (JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if lj, ok := q.jobs[id]; ok {
		return lj.job.Snapshot(), nil
	}
	if job, ok := q.archive.Peek(id); ok {
		return job.Snapshot(), nil
	}
	return JobStatus{}, xerrors.Wrap(xerrors.CodeNotFound, ErrJobNotFound,
		fmt.Sprintf("job %q not found", id), xerrors.WithMetadata("job_id", id))
}

// Cancel 停止作业的后续尝试并中断正在执行的尝试，作业以 failed 结束。
func (q *LocalQueue) Cancel(id string) error {
	q.mu.Lock()
	lj, ok := q.jobs[id]
	if !ok {
		_, archived := q.archive.Peek(id)
		q.mu.Unlock()
		if archived {
			return xerrors.Wrap(xerrors.CodeConflict, ErrJobConflict, fmt.Sprintf("job %s already finished", id))
		}
		return xerrors.Wrap(xerrors.CodeNotFound, ErrJobNotFound, fmt.Sprintf("job %q not found", id))
	}
	lj.cancelled = true
	if lj.running {
		// 尝试返回后由 process 收尾。
		lj.cancel()
		q.mu.Unlock()
		return nil
	}
	if lj.timer != nil {
		lj.timer.Stop()
		lj.timer = nil
	}
	lj.job.Status = StatusFailed
	lj.job.LastError = "cancelled"
	lj.job.UpdatedAt = q.opts.clock.Now().UnixMilli()
	final := q.archiveLocked(id, lj)
	q.mu.Unlock()

	reportTerminal(context.WithoutCancel(q.ctx), q.opts.alerter, q.log, final, nil)
	return nil
}

// Close 停止调度，中断执行中的尝试并等待工作协程退出。可重复调用。
func (q *LocalQueue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		for _, lj := range q.jobs {
			if lj.timer != nil {
				lj.timer.Stop()
				lj.timer = nil
			}
		}
		q.mu.Unlock()
		q.cancel()
		q.wg.Wait()
	})
	return nil
}

func (q *LocalQueue) enqueue(id string) {
	select {
	case q.ready <- id:
	case <-q.ctx.Done():
	}
}

func (q *LocalQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case id := <-q.ready:
			q.process(id)
		}
	}
}

// process 执行一次尝试并根据结果完成、重试或终止作业。
func (q *LocalQueue) process(id string) {
	q.mu.Lock()
	lj, ok := q.jobs[id]
	if !ok || lj.running || lj.cancelled || lj.job.Status.Terminal() {
		q.mu.Unlock()
		return
	}
	attemptCtx, cancel := context.WithCancel(q.ctx)
	lj.running = true
	lj.cancel = cancel
	lj.timer = nil
	lj.job.Status = StatusRunning
	lj.job.Attempts++
	lj.job.UpdatedAt = q.opts.clock.Now().UnixMilli()
	snapshot := lj.job.clone()
	q.mu.Unlock()

	out := runAttempt(attemptCtx, q.handlers, snapshot)
	cancel()

	q.mu.Lock()
	lj.running = false
	lj.cancel = nil
	job := lj.job
	job.UpdatedAt = q.opts.clock.Now().UnixMilli()

	var (
		final   *Job
		cause   error
		requeue bool
	)
	switch {
	case lj.cancelled:
		job.Status = StatusFailed
		job.LastError = "cancelled"
		final = q.archiveLocked(id, lj)
	case out.success:
		job.Status = StatusCompleted
		job.Result = out.result
		job.LastError = ""
		final = q.archiveLocked(id, lj)
	case q.closed:
		job.Status = StatusFailed
		job.LastError = "queue closed: " + out.err
		final = q.archiveLocked(id, lj)
	default:
		job.LastError = out.err
		next := q.opts.retry.nextStep(job)
		if next.terminal {
			job.Status = StatusFailed
			cause = ErrJobExhausted
			final = q.archiveLocked(id, lj)
			break
		}
		job.Status = StatusRetrying
		job.CurrentProtocolIndex = next.protocolIndex
		if next.delay > 0 {
			lj.timer = q.opts.clock.AfterFunc(next.delay, func() { q.enqueue(id) })
		} else {
			requeue = true
		}
		q.log.Debug("job scheduled for retry",
			slog.String("job_id", id),
			slog.Int("attempts", job.Attempts),
			slog.String("next_protocol", job.Protocol()),
			slog.Duration("delay", next.delay),
			slog.String("error", out.err))
	}
	q.mu.Unlock()

	if requeue {
		go q.enqueue(id)
	}
	if final != nil {
		reportTerminal(context.WithoutCancel(q.ctx), q.opts.alerter, q.log, final, cause)
	}
}

// archiveLocked 将终态作业移入归档并返回其副本，调用方需持有 mu。
func (q *LocalQueue) archiveLocked(id string, lj *localJob) *Job {
	delete(q.jobs, id)
	final := lj.job.clone()
	q.archive.Add(id, final)
	return final.clone()
}

var _ Queue = (*LocalQueue)(nil)
