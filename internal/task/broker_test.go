package task

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"SynthralOS/internal/clock"
)

func TestMemoryBrokerDelayedPublish(t *testing.T) {
	fc := clock.NewFake(time.Time{})
	b := NewMemoryBroker(4, WithBrokerClock(fc))
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan string, 4)
	go func() {
		_ = b.Consume(ctx, 1, func(_ context.Context, id string) error {
			got <- id
			return nil
		})
	}()

	if err := b.Publish(ctx, "later", time.Second); err != nil {
		t.Fatalf("publish delayed: %v", err)
	}
	if err := b.Publish(ctx, "now", 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id := <-got; id != "now" {
		t.Fatalf("expected immediate job first, got %q", id)
	}
	select {
	case id := <-got:
		t.Fatalf("delayed job %q delivered early", id)
	case <-time.After(20 * time.Millisecond):
	}

	fc.Advance(time.Second)
	select {
	case id := <-got:
		if id != "later" {
			t.Fatalf("unexpected job %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("delayed job not delivered")
	}
}

func TestMemoryBrokerRedeliversOnHandlerError(t *testing.T) {
	fc := clock.NewFake(time.Time{})
	b := NewMemoryBroker(4, WithBrokerClock(fc), WithRedeliveryDelay(time.Second))
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := make(chan int, 4)
	attempt := 0
	go func() {
		_ = b.Consume(ctx, 1, func(context.Context, string) error {
			attempt++
			calls <- attempt
			if attempt == 1 {
				return stdErrors.New("storage unavailable")
			}
			return nil
		})
	}()

	_ = b.Publish(ctx, "job", 0)
	<-calls
	waitFor(t, "redelivery timer", func() bool { return fc.Pending() == 1 })
	fc.Advance(time.Second)
	if n := <-calls; n != 2 {
		t.Fatalf("expected redelivery, got attempt %d", n)
	}
}

func TestMemoryBrokerRejectsAfterClose(t *testing.T) {
	fc := clock.NewFake(time.Time{})
	b := NewMemoryBroker(1, WithBrokerClock(fc))
	_ = b.Publish(context.Background(), "pending", time.Minute)
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if fc.Pending() != 0 {
		t.Fatalf("close should stop delayed deliveries")
	}
	if err := b.Publish(context.Background(), "x", 0); !stdErrors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected queue closed, got %v", err)
	}
}

func TestMemoryBrokerDelayedDeliveryWaitsForCapacity(t *testing.T) {
	fc := clock.NewFake(time.Time{})
	b := NewMemoryBroker(1, WithBrokerClock(fc))
	ctx := context.Background()
	if err := b.Publish(ctx, "fills-buffer", 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = b.Publish(ctx, "delayed", time.Second)

	advanced := make(chan struct{})
	go func() {
		fc.Advance(time.Second)
		close(advanced)
	}()
	select {
	case <-advanced:
		t.Fatal("delayed delivery into a full buffer should wait for capacity")
	case <-time.After(20 * time.Millisecond):
	}

	got := make(chan string, 2)
	consumed := make(chan error, 1)
	go func() {
		consumed <- b.Consume(context.Background(), 1, func(_ context.Context, id string) error {
			got <- id
			return nil
		})
	}()
	select {
	case <-advanced:
	case <-time.After(time.Second):
		t.Fatal("delayed delivery not released once the consumer drained the buffer")
	}
	for _, want := range []string{"fills-buffer", "delayed"} {
		if id := <-got; id != want {
			t.Fatalf("got %q, want %q", id, want)
		}
	}

	_ = b.Close()
	select {
	case <-consumed:
	case <-time.After(time.Second):
		t.Fatal("consume should return after close")
	}
}

func TestMemoryBrokerCloseReleasesBlockedDelivery(t *testing.T) {
	fc := clock.NewFake(time.Time{})
	b := NewMemoryBroker(1, WithBrokerClock(fc))
	_ = b.Publish(context.Background(), "fills-buffer", 0)
	_ = b.Publish(context.Background(), "delayed", time.Second)

	advanced := make(chan struct{})
	go func() {
		fc.Advance(time.Second)
		close(advanced)
	}()
	time.Sleep(10 * time.Millisecond)
	_ = b.Close()
	select {
	case <-advanced:
	case <-time.After(time.Second):
		t.Fatal("close should release a delivery blocked on a full buffer")
	}
}

func TestRedisBrokerKeyLayout(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	b := newRedisBroker(client, RedisBrokerConfig{})
	if b.ready != "synthral:jobs" || b.delayed != "synthral:jobs:delayed" || b.processing != "synthral:jobs:processing" {
		t.Fatalf("unexpected default keys: %s %s %s", b.ready, b.delayed, b.processing)
	}
	if b.wait != 5*time.Second || b.poll != 500*time.Millisecond {
		t.Fatalf("unexpected defaults: wait=%v poll=%v", b.wait, b.poll)
	}

	custom := newRedisBroker(client, RedisBrokerConfig{Queue: "agents", BlockWait: time.Second})
	if custom.delayed != "agents:delayed" || custom.wait != time.Second {
		t.Fatalf("unexpected custom broker: %+v", custom)
	}
	if _, err := NewRedisBroker(RedisBrokerConfig{}); err == nil {
		t.Fatal("expected error for empty address")
	}
}

// recordingRedis 只实现 settle 用到的命令，其余方法调用会 panic。
type recordingRedis struct {
	redis.UniversalClient
	zadds []redis.Z
	lpush []any
	lrems []any
}

func (r *recordingRedis) ZAdd(_ context.Context, _ string, members ...redis.Z) *redis.IntCmd {
	r.zadds = append(r.zadds, members...)
	return redis.NewIntResult(int64(len(members)), nil)
}

func (r *recordingRedis) LPush(_ context.Context, _ string, values ...any) *redis.IntCmd {
	r.lpush = append(r.lpush, values...)
	return redis.NewIntResult(int64(len(values)), nil)
}

func (r *recordingRedis) LRem(_ context.Context, _ string, _ int64, value any) *redis.IntCmd {
	r.lrems = append(r.lrems, value)
	return redis.NewIntResult(1, nil)
}

func TestRedisBrokerDelaysRedeliveryOnHandlerError(t *testing.T) {
	client := &recordingRedis{}
	fc := clock.NewFake(time.Time{})
	b := newRedisBroker(client, RedisBrokerConfig{RedeliveryDelay: 3 * time.Second})
	b.clock = fc
	ctx := context.Background()

	b.settle(ctx, "job-1", stdErrors.New("store unavailable"))
	if len(client.lpush) != 0 {
		t.Fatalf("failed job must not go straight back to the ready list: %v", client.lpush)
	}
	due := float64(fc.Now().Add(3 * time.Second).UnixMilli())
	if len(client.zadds) != 1 || client.zadds[0].Member != "job-1" || client.zadds[0].Score != due {
		t.Fatalf("expected delayed redelivery, got %+v", client.zadds)
	}

	b.settle(ctx, "job-2", nil)
	if len(client.zadds) != 1 {
		t.Fatalf("successful delivery must not be rescheduled")
	}
	if len(client.lrems) != 2 || client.lrems[0] != "job-1" || client.lrems[1] != "job-2" {
		t.Fatalf("both deliveries should leave the processing list: %v", client.lrems)
	}
	if newRedisBroker(client, RedisBrokerConfig{}).redeliver != time.Second {
		t.Fatal("unexpected default redelivery delay")
	}
}

func TestRabbitMQDelayQueue(t *testing.T) {
	if got := delayQueueName("synthral.jobs", 1500*time.Millisecond); got != "synthral.jobs.delay.1500" {
		t.Fatalf("unexpected delay queue name %q", got)
	}
	args := delayQueueArgs("synthral.jobs", 2*time.Second)
	if args["x-message-ttl"] != int64(2000) || args["x-expires"] != int64(62000) {
		t.Fatalf("unexpected ttl arguments: %v", args)
	}
	if args["x-dead-letter-exchange"] != "" || args["x-dead-letter-routing-key"] != "synthral.jobs" {
		t.Fatalf("delay queue must dead-letter back to the work queue: %v", args)
	}
	if _, err := NewRabbitMQBroker(RabbitMQConfig{}); err == nil {
		t.Fatal("expected error for empty url")
	}
}
