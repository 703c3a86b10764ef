package task

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 代理的连接参数。
type RabbitMQConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

// RabbitMQBroker 使用 RabbitMQ 投递作业 ID。延迟投递通过按时长划分的
// 等待队列实现：消息在等待队列中过期后经死信路由回主队列。
type RabbitMQBroker struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	prefetch int

	mu sync.Mutex
}

// NewRabbitMQBroker 创建 RabbitMQ 代理实例。
func NewRabbitMQBroker(cfg RabbitMQConfig) (*RabbitMQBroker, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url must not be empty")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "synthral.jobs"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare rabbitmq queue: %w", err)
	}
	return &RabbitMQBroker{
		conn:     conn,
		ch:       ch,
		queue:    queue,
		prefetch: cfg.Prefetch,
	}, nil
}

// delayQueueName 返回某个延迟时长对应的等待队列名。
func delayQueueName(queue string, delay time.Duration) string {
	return queue + ".delay." + strconv.FormatInt(delay.Milliseconds(), 10)
}

// delayQueueArgs 返回等待队列的参数：队列级 TTL 保证先进先出地过期，
// 空闲一分钟后自动删除。
func delayQueueArgs(queue string, delay time.Duration) amqp.Table {
	ms := delay.Milliseconds()
	return amqp.Table{
		"x-message-ttl":             ms,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
		"x-expires":                 ms + int64(time.Minute/time.Millisecond),
	}
}

// delayQueue 每次都重新声明等待队列，空闲过期的队列会被重新创建。
func (b *RabbitMQBroker) delayQueue(delay time.Duration) (string, error) {
	name := delayQueueName(b.queue, delay)
	if _, err := b.ch.QueueDeclare(name, true, false, false, false, delayQueueArgs(b.queue, delay)); err != nil {
		return "", fmt.Errorf("declare rabbitmq delay queue: %w", err)
	}
	return name, nil
}

// Publish 将作业投递到主队列，或投递到对应时长的等待队列。
func (b *RabbitMQBroker) Publish(ctx context.Context, jobID string, delay time.Duration) error {
	if b == nil || b.ch == nil {
		return errors.New("rabbitmq broker not initialised")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	target := b.queue
	if delay >= time.Millisecond {
		name, err := b.delayQueue(delay)
		if err != nil {
			return err
		}
		target = name
	}
	return b.ch.PublishWithContext(ctx, "", target, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(jobID),
	})
}

// Consume 使用手动确认模式消费主队列；处理失败的消息重新入队。
func (b *RabbitMQBroker) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if b == nil || b.conn == nil {
		return errors.New("rabbitmq broker not initialised")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	// 消费使用独立 channel，避免与发布互相阻塞。
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq consume channel: %w", err)
	}
	defer ch.Close()
	prefetch := b.prefetch
	if prefetch <= 0 {
		prefetch = workerCount
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set rabbitmq qos: %w", err)
	}
	msgs, err := ch.Consume(b.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("subscribe rabbitmq queue: %w", err)
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
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					if err := handler(ctx, string(msg.Body)); err != nil {
						_ = msg.Nack(false, true)
						continue
					}
					_ = msg.Ack(false)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭 RabbitMQ 连接。
func (b *RabbitMQBroker) Close() error {
	if b == nil {
		return nil
	}
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

var _ Broker = (*RabbitMQBroker)(nil)
