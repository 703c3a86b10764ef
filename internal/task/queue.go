package task

import (
	"context"
	"time"
)

// Queue 是作业队列的公共契约，LocalQueue 与 DurableQueue 均实现它。
type Queue interface {
	AddTask(ctx context.Context, req TaskRequest) (string, error)
	GetJobStatus(ctx context.Context, id string) (JobStatus, error)
	Close() error
}

// Handler 处理来自消息代理的作业 ID。返回 error 时代理会重新投递。
type Handler func(ctx context.Context, jobID string) error

// Producer 负责向代理投递作业，delay 大于零时延迟可见。
type Producer interface {
	Publish(ctx context.Context, jobID string, delay time.Duration) error
	Close() error
}

// Consumer 负责从代理中消费作业。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Broker 同时具备生产者与消费者能力。
type Broker interface {
	Producer
	Consumer
}
