package task

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "SynthralOS/internal/errors"
	"SynthralOS/internal/guardrails"
	"SynthralOS/pkg/logger"
)

// Submission 描述一次提交的结果。
type Submission struct {
	JobID    string            `json:"jobId"`
	Action   guardrails.Action `json:"action"`
	Redacted bool              `json:"redacted"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Service 负责作业的校验、护栏裁决与入队，以及状态查询。
type Service struct {
	queue  Queue
	gate   *guardrails.Gate
	schema *guardrails.SchemaValidator
	log    *slog.Logger
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithGate 在入队前执行护栏裁决。
func WithGate(gate *guardrails.Gate) ServiceOption {
	return func(s *Service) {
		s.gate = gate
	}
}

// WithSchemaValidator 在入队前校验输入结构。
func WithSchemaValidator(v *guardrails.SchemaValidator) ServiceOption {
	return func(s *Service) {
		s.schema = v
	}
}

// NewService 构造作业服务。
func NewService(queue Queue, opts ...ServiceOption) *Service {
	s := &Service{queue: queue, log: logger.Named("task-service")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 校验输入并通过护栏后入队。block 动作直接拒绝且不入队；
// modify 动作以脱敏后的内容入队。
func (s *Service) Submit(ctx context.Context, req TaskRequest) (Submission, error) {
	if s.queue == nil {
		return Submission{}, xerrors.New(xerrors.CodeInitializationFailure, "task service not initialised")
	}
	var warnings []string
	if s.schema != nil {
		res := s.schema.ValidateAgentInput(req)
		if !res.Valid {
			return Submission{}, xerrors.New(xerrors.CodeValidation, strings.Join(res.Errors, "; "))
		}
		warnings = res.Warnings
	}
	if strings.TrimSpace(req.Task) == "" {
		return Submission{}, xerrors.New(xerrors.CodeValidation, "task must not be empty")
	}

	sub := Submission{Action: guardrails.ActionAllow, Warnings: warnings}
	if s.gate != nil {
		decision, err := s.gate.Check(ctx, req.Task, req.Role)
		if err != nil {
			return Submission{Action: decision.Action}, err
		}
		sub.Action = decision.Action
		if decision.Content != req.Task {
			req.Task = decision.Content
			sub.Redacted = true
		}
	}

	id, err := s.queue.AddTask(ctx, req)
	if err != nil {
		s.log.Error("submit job failed", slog.Any("error", err), slog.String("protocol", req.Protocol))
		return Submission{}, err
	}
	sub.JobID = id
	logger.Audit().Info("job submitted",
		slog.String("job_id", id),
		slog.String("protocol", req.Protocol),
		slog.String("role", req.Role),
		slog.String("guardrail_action", string(sub.Action)),
		slog.Bool("redacted", sub.Redacted),
	)
	return sub, nil
}

// Status 返回指定作业的状态。
func (s *Service) Status(ctx context.Context, id string) (JobStatus, error) {
	if s.queue == nil {
		return JobStatus{}, xerrors.New(xerrors.CodeInitializationFailure, "task service not initialised")
	}
	return s.queue.GetJobStatus(ctx, id)
}

// lister 由支持查询历史的队列实现。
type lister interface {
	List(ctx context.Context, opts ...ListOption) ([]*Job, error)
	Stats(ctx context.Context, opts ...ListOption) (JobStats, error)
}

// List 返回符合过滤条件的作业，仅持久化队列支持。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	l, ok := s.queue.(lister)
	if !ok {
		return nil, xerrors.New(xerrors.CodeValidation, "job listing requires the durable queue")
	}
	return l.List(ctx, opts...)
}

// Stats 返回符合过滤条件的作业统计，仅持久化队列支持。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (JobStats, error) {
	l, ok := s.queue.(lister)
	if !ok {
		return JobStats{}, xerrors.New(xerrors.CodeValidation, "job statistics require the durable queue")
	}
	return l.Stats(ctx, opts...)
}

// Close 释放队列资源。
func (s *Service) Close() error {
	if s.queue == nil {
		return nil
	}
	return s.queue.Close()
}

// WaitUntilCompleted 按 interval 轮询，直到作业进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (JobStatus, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := s.Status(ctx, id)
		if err != nil {
			return JobStatus{}, err
		}
		if status.Status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return JobStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
