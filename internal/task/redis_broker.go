package task

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"SynthralOS/internal/clock"
	"SynthralOS/pkg/logger"
)

// RedisBrokerConfig 描述 Redis 代理的连接参数。
// RedeliveryDelay 是处理失败后重新可见的等待时间，默认 1 秒。
type RedisBrokerConfig struct {
	Address         string
	Password        string
	DB              int
	Queue           string
	BlockWait       time.Duration
	PollInterval    time.Duration
	RedeliveryDelay time.Duration
}

// RedisBroker 使用三个键实现至少一次投递：
// <queue> 为就绪列表，<queue>:delayed 为按到期时间排序的 ZSET，
// <queue>:processing 保存已取出但未确认的作业。
type RedisBroker struct {
	client     redis.UniversalClient
	ready      string
	delayed    string
	processing string
	wait       time.Duration
	poll       time.Duration
	redeliver  time.Duration
	clock      clock.Clock
}

// NewRedisBroker 创建 Redis 代理实例。
func NewRedisBroker(cfg RedisBrokerConfig) (*RedisBroker, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address must not be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return newRedisBroker(client, cfg), nil
}

func newRedisBroker(client redis.UniversalClient, cfg RedisBrokerConfig) *RedisBroker {
	queue := cfg.Queue
	if queue == "" {
		queue = "synthral:jobs"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	redeliver := cfg.RedeliveryDelay
	if redeliver <= 0 {
		redeliver = time.Second
	}
	return &RedisBroker{
		client:     client,
		ready:      queue,
		delayed:    queue + ":delayed",
		processing: queue + ":processing",
		wait:       wait,
		poll:       poll,
		redeliver:  redeliver,
		clock:      clock.Real{},
	}
}

// Publish 立即可见的作业进入就绪列表，延迟作业写入 ZSET。
func (b *RedisBroker) Publish(ctx context.Context, jobID string, delay time.Duration) error {
	if delay <= 0 {
		if err := b.client.LPush(ctx, b.ready, jobID).Err(); err != nil {
			return fmt.Errorf("redis publish job: %w", err)
		}
		return nil
	}
	due := b.clock.Now().Add(delay).UnixMilli()
	if err := b.client.ZAdd(ctx, b.delayed, redis.Z{Score: float64(due), Member: jobID}).Err(); err != nil {
		return fmt.Errorf("redis schedule job: %w", err)
	}
	return nil
}

// Consume 先把上次未确认的作业放回就绪列表，再启动搬运协程与工作协程。
func (b *RedisBroker) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	if err := b.requeueProcessing(ctx); err != nil {
		return err
	}

	errCh := make(chan error, workerCount+1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(b.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := b.promoteDue(ctx); err != nil && ctx.Err() == nil {
					logger.L().Warn("redis promote delayed jobs failed", "error", err)
				}
			}
		}
	}()

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				jobID, err := b.client.BLMove(ctx, b.ready, b.processing, "RIGHT", "LEFT", b.wait).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
						return
					}
					errCh <- fmt.Errorf("redis fetch job: %w", err)
					return
				}
				b.settle(ctx, jobID, handler(ctx, jobID))
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errCh:
	}
	wg.Wait()
	return err
}

// settle 确认一次投递。处理失败的作业延迟后重新可见；
// 调度失败时作业留在 processing 列表，由下次 Consume 恢复。
func (b *RedisBroker) settle(ctx context.Context, jobID string, handlerErr error) {
	if handlerErr != nil {
		if err := b.Publish(ctx, jobID, b.redeliver); err != nil {
			logger.L().Warn("redis schedule redelivery failed", "job_id", jobID, "error", err)
			return
		}
	}
	if err := b.client.LRem(ctx, b.processing, 1, jobID).Err(); err != nil && ctx.Err() == nil {
		logger.L().Warn("redis ack job failed", "job_id", jobID, "error", err)
	}
}

// promoteDue 将到期的延迟作业移入就绪列表；ZREM 成功者负责搬运，避免重复。
func (b *RedisBroker) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(b.clock.Now().UnixMilli(), 10)
	ids, err := b.client.ZRangeByScore(ctx, b.delayed, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := b.client.ZRem(ctx, b.delayed, id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := b.client.LPush(ctx, b.ready, id).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisBroker) requeueProcessing(ctx context.Context) error {
	for {
		_, err := b.client.LMove(ctx, b.processing, b.ready, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("redis requeue unacked jobs: %w", err)
		}
	}
}

// Close 关闭 Redis 连接。
func (b *RedisBroker) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

var _ Broker = (*RedisBroker)(nil)
