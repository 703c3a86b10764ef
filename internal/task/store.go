package task

import (
	"context"
	"encoding/json"
)

// Store 抽象了作业状态的持久化接口。
//
// Claim 是唯一会增加尝试次数的操作：它把待执行的作业置为 running，
// 拒绝已完成、已耗尽或正被其他消费者持有的作业。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, result json.RawMessage) error
	MarkRetrying(ctx context.Context, id string, protocolIndex int, lastError string) error
	MarkFailed(ctx context.Context, id string, lastError string) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (JobStats, error)
	Close() error
}
