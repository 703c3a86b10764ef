package task

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strconv"
	"time"

	xerrors "SynthralOS/internal/errors"
)

// Status 表示作业在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal 报告状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusRetrying, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// TaskRequest 是提交作业的入参。ID 为空时自动生成；
// 指定 ID 时重复提交返回已有作业。
type TaskRequest struct {
	ID       string         `json:"id,omitempty"`
	Task     string         `json:"task"`
	Protocol string         `json:"protocol"`
	Tools    []string       `json:"tools,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
	Role     string         `json:"role,omitempty"`
}

// Job 是队列调度的最小单元，绑定一条有序的协议链。
type Job struct {
	ID                   string          `json:"id"`
	Task                 string          `json:"task"`
	Protocols            []string        `json:"protocols"`
	CurrentProtocolIndex int             `json:"currentProtocolIndex"`
	Attempts             int             `json:"attempts"`
	MaxAttempts          int             `json:"maxAttempts"`
	Tools                []string        `json:"tools,omitempty"`
	Options              map[string]any  `json:"options,omitempty"`
	Role                 string          `json:"role,omitempty"`
	Status               Status          `json:"status"`
	LastError            string          `json:"lastError,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	CreatedAt            int64           `json:"createdAt"`
	UpdatedAt            int64           `json:"updatedAt"`
}

// Protocol 返回当前尝试使用的协议名。
func (j *Job) Protocol() string {
	if j == nil || len(j.Protocols) == 0 {
		return ""
	}
	idx := j.CurrentProtocolIndex
	if idx < 0 || idx >= len(j.Protocols) {
		idx = len(j.Protocols) - 1
	}
	return j.Protocols[idx]
}

// Snapshot 生成对外暴露的状态快照。
func (j *Job) Snapshot() JobStatus {
	return JobStatus{
		ID:          j.ID,
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Protocol:    j.Protocol(),
		Protocols:   append([]string(nil), j.Protocols...),
		Result:      append(json.RawMessage(nil), j.Result...),
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

func (j *Job) clone() *Job {
	c := *j
	c.Protocols = append([]string(nil), j.Protocols...)
	c.Tools = append([]string(nil), j.Tools...)
	c.Options = cloneOptions(j.Options)
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	return &c
}

// JobStatus 是 GetJobStatus 的返回值。
type JobStatus struct {
	ID          string          `json:"id"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Protocol    string          `json:"protocol"`
	Protocols   []string        `json:"protocols"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt"`
}

var (
	// ErrJobNotFound 表示指定的作业不存在。
	ErrJobNotFound = xerrors.New(xerrors.CodeNotFound, "job not found")
	// ErrJobConflict 表示作业在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(xerrors.CodeConflict, "job conflict")
	// ErrJobCompleted 表示作业已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed")
	// ErrJobExhausted 表示作业的尝试次数已经耗尽。
	ErrJobExhausted = xerrors.New(xerrors.CodeRetriesExhausted, "job retries exhausted")
	// ErrLeaseExpired 表示最后一次尝试的租约过期，作业被判定为失败。
	ErrLeaseExpired = xerrors.New(CodeLeaseExpired, "job lease expired on final attempt")
	// ErrQueueClosed 表示队列已关闭，不再接受作业。
	ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "queue closed")
)

const (
	// CodeJobCompleted 仅用于 Claim 判定，不对外告警。
	CodeJobCompleted xerrors.Code = "JOB_COMPLETED"
	// CodeLeaseExpired 表示消费者在最后一次尝试中失联。
	CodeLeaseExpired xerrors.Code = "LEASE_EXPIRED"
)

// minConflictDelay 是作业被占用时重新投递的最短等待时间。
const minConflictDelay = time.Second

const metaRetryAfter = "retry_after_ms"

func init() {
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:    "job already completed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeLeaseExpired, xerrors.Attributes{
		Message:    "job lease expired",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: 500,
	})
}

// leaseExpiredMessage 是租约过期导致失败时记录的 LastError。
func leaseExpiredMessage(job *Job) string {
	return fmt.Sprintf("lease expired during attempt %d of %d", job.Attempts, job.MaxAttempts)
}

// heldError 报告作业仍被其他消费者持有，并附带租约剩余时长。
func heldError(job *Job, lease time.Duration, now int64) error {
	wait := lease - time.Duration(now-job.UpdatedAt)*time.Millisecond
	if wait < minConflictDelay {
		wait = minConflictDelay
	}
	return xerrors.Wrap(xerrors.CodeConflict, ErrJobConflict,
		fmt.Sprintf("job %s is held by another consumer", job.ID),
		xerrors.WithMetadata("job_id", job.ID),
		xerrors.WithMetadata(metaRetryAfter, strconv.FormatInt(wait.Milliseconds(), 10)))
}

// retryAfter 返回 heldError 携带的等待时长，缺失时返回 minConflictDelay。
func retryAfter(err error) time.Duration {
	if e, ok := xerrors.From(err); ok {
		if ms, perr := strconv.ParseInt(e.Metadata()[metaRetryAfter], 10, 64); perr == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return minConflictDelay
}

// isSkippable 判断 Claim 错误是否代表无需处理的重复投递，可以直接丢弃。
func isSkippable(err error) bool {
	return stdErrors.Is(err, ErrJobNotFound) ||
		stdErrors.Is(err, ErrJobCompleted) ||
		stdErrors.Is(err, ErrJobExhausted)
}

func cloneOptions(options map[string]any) map[string]any {
	if options == nil {
		return nil
	}
	cloned := make(map[string]any, len(options))
	for key, value := range options {
		cloned[key] = value
	}
	return cloned
}
