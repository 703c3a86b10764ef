package task

import (
	"context"
	"sync"
	"time"

	"SynthralOS/internal/clock"
)

// MemoryBroker 使用 channel 模拟消息代理，延迟投递由 clock 驱动。
type MemoryBroker struct {
	ch        chan string
	done      chan struct{}
	clock     clock.Clock
	redeliver time.Duration

	mu     sync.Mutex
	closed bool
	timers map[clock.Timer]struct{}
}

// MemoryBrokerOption 自定义 MemoryBroker。
type MemoryBrokerOption func(*MemoryBroker)

// WithBrokerClock 替换计时器来源。
func WithBrokerClock(c clock.Clock) MemoryBrokerOption {
	return func(b *MemoryBroker) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithRedeliveryDelay 设置处理失败后重新投递的等待时间。
func WithRedeliveryDelay(d time.Duration) MemoryBrokerOption {
	return func(b *MemoryBroker) {
		if d >= 0 {
			b.redeliver = d
		}
	}
}

// NewMemoryBroker 创建一个内存代理。
func NewMemoryBroker(size int, opts ...MemoryBrokerOption) *MemoryBroker {
	if size <= 0 {
		size = 64
	}
	b := &MemoryBroker{
		ch:        make(chan string, size),
		done:      make(chan struct{}),
		clock:     clock.Real{},
		redeliver: time.Second,
		timers:    make(map[clock.Timer]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Publish 投递作业；delay 大于零时在到期后进入队列。
func (b *MemoryBroker) Publish(ctx context.Context, jobID string, delay time.Duration) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrQueueClosed
	}
	if delay > 0 {
		var t clock.Timer
		t = b.clock.AfterFunc(delay, func() {
			b.mu.Lock()
			delete(b.timers, t)
			b.mu.Unlock()
			// 队列已满时等待消费者腾出空间，Close 会解除等待。
			_ = b.push(context.Background(), jobID)
		})
		b.timers[t] = struct{}{}
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return b.push(ctx, jobID)
}

func (b *MemoryBroker) push(ctx context.Context, jobID string) error {
	select {
	case <-b.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrQueueClosed
	case b.ch <- jobID:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的作业。
func (b *MemoryBroker) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-b.done:
					return
				case jobID := <-b.ch:
					if err := handler(ctx, jobID); err != nil && ctx.Err() == nil {
						_ = b.Publish(ctx, jobID, b.redeliver)
					}
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
	case <-b.done:
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭代理并丢弃尚未到期的延迟投递。
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	close(b.done)
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
