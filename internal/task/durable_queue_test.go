package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"SynthralOS/internal/clock"
	xerrors "SynthralOS/internal/errors"
)

type durableFixture struct {
	queue  *DurableQueue
	store  *MemoryStore
	broker *MemoryBroker
	clock  *clock.Fake
}

func newDurableFixture(t *testing.T, handlers *Handlers, retry RetryConfig, opts ...Option) *durableFixture {
	t.Helper()
	fc := clock.NewFake(time.Time{})
	store := NewMemoryStore(WithStoreClock(fc))
	broker := NewMemoryBroker(16, WithBrokerClock(fc))
	opts = append([]Option{WithRetryConfig(retry), WithClock(fc), WithWorkerCount(1)}, opts...)
	q, err := NewDurableQueue(store, broker, handlers, opts...)
	if err != nil {
		t.Fatalf("new durable queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return &durableFixture{queue: q, store: store, broker: broker, clock: fc}
}

func TestDurableQueueFallsBackThenSucceeds(t *testing.T) {
	rec := &protocolRecorder{}
	handlers := NewHandlers()
	handlers.Register("p1", rec.failing("p1 down"))
	handlers.Register("p2", rec.succeeding(map[string]int{"tokens": 7}))
	retry := RetryConfig{Strategy: StrategyLinear, MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, FallbackProtocols: []string{"p2"}}
	f := newDurableFixture(t, handlers, retry)
	if err := f.queue.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	id, err := f.queue.AddTask(context.Background(), TaskRequest{Task: "translate", Protocol: "p1"})
	if err != nil {
		t.Fatalf("add task: %v", err)
	}

	waitForTimer(t, f.clock, 100*time.Millisecond)
	st := jobStatus(t, f.queue, id)
	if st.Status != StatusRetrying || st.Protocol != "p2" || st.LastError != "p1 down" {
		t.Fatalf("unexpected status while waiting: %+v", st)
	}
	f.clock.Advance(100 * time.Millisecond)

	waitFor(t, "completion", func() bool { return jobStatus(t, f.queue, id).Status == StatusCompleted })
	st = jobStatus(t, f.queue, id)
	var result map[string]int
	if err := json.Unmarshal(st.Result, &result); err != nil || result["tokens"] != 7 {
		t.Fatalf("unexpected result %s: %v", st.Result, err)
	}
	if st.Attempts != 2 || st.LastError != "" {
		t.Fatalf("unexpected final status: %+v", st)
	}
	if got := rec.seen(); !equalStrings(got, []string{"p1", "p2"}) {
		t.Fatalf("protocols attempted = %v", got)
	}
}

func TestDurableQueueExhaustsAndAlerts(t *testing.T) {
	rec := &protocolRecorder{}
	handlers := NewHandlers()
	handlers.Register("p1", rec.failing("still broken"))
	alerts := &recordingAlerts{}
	retry := RetryConfig{Strategy: StrategyExponential, MaxAttempts: 2, BaseDelay: 50 * time.Millisecond}
	f := newDurableFixture(t, handlers, retry, WithAlertDispatcher(alerts))
	_ = f.queue.Start(context.Background())

	id, _ := f.queue.AddTask(context.Background(), TaskRequest{Task: "x", Protocol: "p1", Role: "ops"})
	waitForTimer(t, f.clock, 50*time.Millisecond)
	f.clock.Advance(50 * time.Millisecond)

	waitFor(t, "terminal failure", func() bool { return jobStatus(t, f.queue, id).Status == StatusFailed })
	if got := rec.seen(); !equalStrings(got, []string{"p1", "p1"}) {
		t.Fatalf("protocols attempted = %v", got)
	}
	waitFor(t, "alert", func() bool { return len(alerts.snapshot()) == 1 })
	event := alerts.snapshot()[0]
	if event.Code != xerrors.CodeRetriesExhausted || event.JobID != id || event.MaxAttempts != 2 || event.Metadata["protocol"] != "p1" {
		t.Fatalf("unexpected alert: %+v", event)
	}
	if f.clock.Pending() != 0 {
		t.Fatalf("no redelivery expected after exhaustion")
	}
}

func TestDurableQueueDuplicateIDReturnsExistingJob(t *testing.T) {
	f := newDurableFixture(t, NewHandlers(), DefaultRetryConfig())

	req := TaskRequest{ID: "order-7", Task: "x", Protocol: "p1"}
	for i := 0; i < 2; i++ {
		id, err := f.queue.AddTask(context.Background(), req)
		if err != nil || id != "order-7" {
			t.Fatalf("submission %d: %q, %v", i, id, err)
		}
	}
	jobs, err := f.queue.List(context.Background())
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected a single stored job, got %d (%v)", len(jobs), err)
	}
	stats, _ := f.queue.Stats(context.Background(), WithStatuses(StatusPending))
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDurableQueueIgnoresDuplicateDelivery(t *testing.T) {
	rec := &protocolRecorder{}
	handlers := NewHandlers()
	handlers.Register("p1", rec.succeeding("done"))
	f := newDurableFixture(t, handlers, DefaultRetryConfig())
	ctx := context.Background()

	id, _ := f.queue.AddTask(ctx, TaskRequest{Task: "x", Protocol: "p1"})
	if err := f.queue.handle(ctx, id); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.queue.handle(ctx, id); err != nil {
		t.Fatalf("duplicate delivery should be dropped, got %v", err)
	}
	if err := f.queue.handle(ctx, "unknown"); err != nil {
		t.Fatalf("delivery for unknown job should be dropped, got %v", err)
	}
	if got := rec.seen(); len(got) != 1 {
		t.Fatalf("handler ran %d times", len(got))
	}
}

// flakyStore 让前 failures 次 MarkSucceeded 返回 err。
type flakyStore struct {
	*MemoryStore
	failures atomic.Int32
	err      error
}

func (s *flakyStore) MarkSucceeded(ctx context.Context, id string, result json.RawMessage) error {
	if s.failures.Add(-1) >= 0 {
		return s.err
	}
	return s.MemoryStore.MarkSucceeded(ctx, id, result)
}

func TestDurableQueueRedeliversAfterTransientStoreFailure(t *testing.T) {
	var calls atomic.Int32
	handlers := NewHandlers()
	handlers.Register("p1", HandlerFunc(func(context.Context, Payload) (HandlerResult, error) {
		calls.Add(1)
		return HandlerResult{Success: true, Data: "ok"}, nil
	}))
	fc := clock.NewFake(time.Time{})
	store := &flakyStore{MemoryStore: NewMemoryStore(WithStoreClock(fc)), err: xerrors.New(xerrors.CodeStorageFailure, "connection reset")}
	store.failures.Store(1)
	broker := NewMemoryBroker(16, WithBrokerClock(fc))
	q, err := NewDurableQueue(store, broker, handlers, WithClock(fc), WithWorkerCount(1))
	if err != nil {
		t.Fatalf("new durable queue: %v", err)
	}
	defer q.Close()
	_ = q.Start(context.Background())

	id, err := q.AddTask(context.Background(), TaskRequest{Task: "x", Protocol: "p1"})
	if err != nil {
		t.Fatalf("add task: %v", err)
	}

	// 写结果失败后代理按重投延迟再次投递。
	waitForTimer(t, fc, time.Second)
	fc.Advance(time.Second)

	// 作业仍处于租约内，消息按剩余租约延后。
	waitForTimer(t, fc, DefaultClaimLease-time.Second)
	if st := jobStatus(t, q, id); st.Status != StatusRunning || st.Attempts != 1 {
		t.Fatalf("unexpected status while lease is held: %+v", st)
	}
	fc.Advance(DefaultClaimLease - time.Second)

	waitFor(t, "completion", func() bool { return jobStatus(t, q, id).Status == StatusCompleted })
	if st := jobStatus(t, q, id); st.Attempts != 2 {
		t.Fatalf("expected a second attempt after the lease expired: %+v", st)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("handler ran %d times, want 2", n)
	}
}

func TestDurableQueueDropsPermanentStoreFailure(t *testing.T) {
	handlers := NewHandlers()
	handlers.Register("p1", HandlerFunc(func(context.Context, Payload) (HandlerResult, error) {
		return HandlerResult{Success: true}, nil
	}))
	store := &flakyStore{MemoryStore: NewMemoryStore(), err: xerrors.New(xerrors.CodeValidation, "result too large")}
	store.failures.Store(1)
	q, err := NewDurableQueue(store, NewMemoryBroker(4), handlers)
	if err != nil {
		t.Fatalf("new durable queue: %v", err)
	}
	defer q.Close()

	id, _ := q.AddTask(context.Background(), TaskRequest{Task: "x", Protocol: "p1"})
	if err := q.handle(context.Background(), id); err != nil {
		t.Fatalf("non-retryable failure should not be redelivered, got %v", err)
	}
}

func TestDurableQueueFailsJobWhoseFinalLeaseExpired(t *testing.T) {
	var calls atomic.Int32
	handlers := NewHandlers()
	handlers.Register("p1", HandlerFunc(func(context.Context, Payload) (HandlerResult, error) {
		calls.Add(1)
		return HandlerResult{Success: true}, nil
	}))
	alerts := &recordingAlerts{}
	retry := RetryConfig{Strategy: StrategyFixed, MaxAttempts: 1, BaseDelay: time.Second}
	f := newDurableFixture(t, handlers, retry, WithAlertDispatcher(alerts))
	ctx := context.Background()

	id, _ := f.queue.AddTask(ctx, TaskRequest{Task: "x", Protocol: "p1", Role: "ops"})
	// 消费者领取后崩溃，未写回任何状态。
	if _, err := f.store.Claim(ctx, id); err != nil {
		t.Fatalf("claim: %v", err)
	}
	f.clock.Advance(DefaultClaimLease)

	if err := f.queue.handle(ctx, id); err != nil {
		t.Fatalf("handle: %v", err)
	}
	st := jobStatus(t, f.queue, id)
	if st.Status != StatusFailed || !strings.Contains(st.LastError, "lease expired") {
		t.Fatalf("job should fail once its final lease expires: %+v", st)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("handler must not run past max attempts, ran %d times", n)
	}
	events := alerts.snapshot()
	if len(events) != 1 || events[0].Code != CodeLeaseExpired || events[0].JobID != id {
		t.Fatalf("unexpected alerts: %+v", events)
	}

	// 之后的重复投递直接丢弃，不再告警。
	if err := f.queue.handle(ctx, id); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if len(alerts.snapshot()) != 1 {
		t.Fatalf("terminal job must alert once")
	}
}

type failingBroker struct{ *MemoryBroker }

func (failingBroker) Publish(context.Context, string, time.Duration) error {
	return stdErrors.New("broker unreachable")
}

func TestDurableQueuePublishFailureMarksJobFailed(t *testing.T) {
	store := NewMemoryStore()
	q, err := NewDurableQueue(store, failingBroker{NewMemoryBroker(1)}, NewHandlers())
	if err != nil {
		t.Fatalf("new durable queue: %v", err)
	}
	defer q.Close()

	_, err = q.AddTask(context.Background(), TaskRequest{ID: "lost", Task: "x", Protocol: "p1"})
	if xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected queue failure, got %v", err)
	}
	job, err := store.Get(context.Background(), "lost")
	if err != nil || job.Status != StatusFailed {
		t.Fatalf("job should be recorded as failed: %+v, %v", job, err)
	}
}

func TestDurableQueueClose(t *testing.T) {
	f := newDurableFixture(t, NewHandlers(), DefaultRetryConfig())
	_ = f.queue.Start(context.Background())
	if err := f.queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.queue.AddTask(context.Background(), TaskRequest{Task: "x", Protocol: "p1"}); !stdErrors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected queue closed, got %v", err)
	}
	if err := f.queue.Start(context.Background()); !stdErrors.Is(err, ErrQueueClosed) {
		t.Fatalf("start after close: %v", err)
	}
	if _, err := f.queue.GetJobStatus(context.Background(), "missing"); !stdErrors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewDurableQueueRequiresDependencies(t *testing.T) {
	if _, err := NewDurableQueue(nil, NewMemoryBroker(1), NewHandlers()); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}
