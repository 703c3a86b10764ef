package task

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"SynthralOS/internal/clock"
	xerrors "SynthralOS/internal/errors"
)

// DefaultClaimLease 是 running 作业被视为失联、允许重新领取的时长。
const DefaultClaimLease = 5 * time.Minute

// StoreOption 自定义存储实现。
type StoreOption func(*storeOptions)

type storeOptions struct {
	clock clock.Clock
	lease time.Duration
}

// WithStoreClock 替换存储使用的时钟。
func WithStoreClock(c clock.Clock) StoreOption {
	return func(o *storeOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithClaimLease 设置 running 作业的租约；消费者崩溃后，
// 重新投递的消息可在租约过期后再次领取该作业。
func WithClaimLease(d time.Duration) StoreOption {
	return func(o *storeOptions) {
		if d > 0 {
			o.lease = d
		}
	}
}

func buildStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{clock: clock.Real{}, lease: DefaultClaimLease}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// MemoryStore 以内存方式保存作业状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	opts storeOptions
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job), opts: buildStoreOptions(opts)}
}

func (m *MemoryStore) now() int64 {
	return m.opts.clock.Now().UnixMilli()
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeValidation, "job must not be nil")
	}
	if job.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "job id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrJobConflict
	}
	now := m.now()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = job.clone()
	return nil
}

// Get 返回作业。
func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.clone(), nil
}

// Claim 将作业状态更新为运行中并增加尝试次数。
// 租约内的 running 作业返回携带剩余租约的 ErrJobConflict；
// 租约过期且尝试次数已用尽的作业被置为 failed 并返回 ErrLeaseExpired。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	now := m.now()
	switch job.Status {
	case StatusCompleted:
		return job.clone(), ErrJobCompleted
	case StatusFailed:
		return job.clone(), ErrJobExhausted
	case StatusRunning:
		if now-job.UpdatedAt < m.opts.lease.Milliseconds() {
			return job.clone(), heldError(job, m.opts.lease, now)
		}
		if job.Attempts >= job.MaxAttempts {
			job.Status = StatusFailed
			job.LastError = leaseExpiredMessage(job)
			job.UpdatedAt = now
			return job.clone(), ErrLeaseExpired
		}
	}
	if job.Attempts >= job.MaxAttempts {
		return job.clone(), ErrJobExhausted
	}
	job.Status = StatusRunning
	job.Attempts++
	job.UpdatedAt = now
	return job.clone(), nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result json.RawMessage) error {
	return m.update(id, func(job *Job) {
		job.Status = StatusCompleted
		job.Result = append(json.RawMessage(nil), result...)
		job.LastError = ""
	})
}

// MarkRetrying 记录失败并切换到下一次尝试使用的协议。
func (m *MemoryStore) MarkRetrying(_ context.Context, id string, protocolIndex int, lastError string) error {
	return m.update(id, func(job *Job) {
		job.Status = StatusRetrying
		if protocolIndex > job.CurrentProtocolIndex && protocolIndex < len(job.Protocols) {
			job.CurrentProtocolIndex = protocolIndex
		}
		job.LastError = lastError
	})
}

// MarkFailed 将作业标记为终态失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, lastError string) error {
	return m.update(id, func(job *Job) {
		job.Status = StatusFailed
		job.LastError = lastError
	})
}

func (m *MemoryStore) update(id string, fn func(*Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	fn(job)
	job.UpdatedAt = m.now()
	return nil
}

// List 返回符合条件的作业。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if !matchesListFilters(job, opts) {
			continue
		}
		results = append(results, job.clone())
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return a.ID > b.ID
			}
			return a.CreatedAt > b.CreatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Job{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的作业数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (JobStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := JobStats{}
	for _, job := range m.jobs {
		if matchesListFilters(job, opts) {
			stats.add(job)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(job *Job, opts ListOptions) bool {
	if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, job.Status) {
		return false
	}
	if opts.UpdatedGTE > 0 && job.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && job.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && (len(job.Result) > 0) != *opts.HasResult {
		return false
	}
	if opts.Protocol != "" && !slices.Contains(job.Protocols, opts.Protocol) {
		return false
	}
	if opts.Role != "" && !strings.EqualFold(job.Role, opts.Role) {
		return false
	}
	if opts.Query != "" {
		q := strings.ToLower(opts.Query)
		haystack := strings.ToLower(strings.Join([]string{job.ID, job.Task, job.LastError, string(job.Result)}, "\n"))
		if !strings.Contains(haystack, q) {
			return false
		}
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
