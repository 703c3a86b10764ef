package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	xerrors "SynthralOS/internal/errors"
	"SynthralOS/internal/observability/alerting"
	"SynthralOS/internal/observability/metrics"
	"SynthralOS/internal/observability/tracing"
	"SynthralOS/pkg/logger"
)

// newJob 根据请求与重试配置构建待执行作业。
func newJob(req TaskRequest, retry RetryConfig, now time.Time) (*Job, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "task must not be empty")
	}
	protocol := strings.TrimSpace(req.Protocol)
	if protocol == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "protocol must not be empty")
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > 64 {
		return nil, xerrors.New(xerrors.CodeValidation, "job id must not exceed 64 characters")
	}
	ts := now.UnixMilli()
	return &Job{
		ID:          id,
		Task:        req.Task,
		Protocols:   retry.protocols(protocol),
		MaxAttempts: retry.MaxAttempts,
		Tools:       append([]string(nil), req.Tools...),
		Options:     cloneOptions(req.Options),
		Role:        strings.ToLower(strings.TrimSpace(req.Role)),
		Status:      StatusPending,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}, nil
}

// runAttempt 以 job 当前协议执行一次尝试，并记录追踪与指标。
// 调用方负责在调用前增加 Attempts。
func runAttempt(ctx context.Context, handlers *Handlers, job *Job) outcome {
	protocol := job.Protocol()
	ctx, span := tracing.Start(ctx, "task.attempt",
		attribute.String("job.id", job.ID),
		attribute.String("job.protocol", protocol),
		attribute.Int("job.attempt", job.Attempts))
	defer span.End()

	metrics.AttemptStarted()
	defer metrics.AttemptFinished()

	out := handlers.invoke(ctx, Payload{
		JobID:    job.ID,
		Task:     job.Task,
		Protocol: protocol,
		Attempt:  job.Attempts,
		Tools:    append([]string(nil), job.Tools...),
		Options:  cloneOptions(job.Options),
		Role:     job.Role,
	})
	metrics.ObserveJobAttempt(protocol, out.success)
	if !out.success {
		tracing.Fail(span, out.err)
	}
	return out
}

// reportTerminal 记录终态审计日志与指标；cause 的错误码需要告警时发送告警。
func reportTerminal(ctx context.Context, alerter alerting.Dispatcher, log *slog.Logger, job *Job, cause error) {
	metrics.ObserveJobTerminal(string(job.Status))
	attrs := []any{
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
		slog.String("protocol", job.Protocol()),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	}
	if job.Status == StatusCompleted {
		logger.Audit().Info("job completed", attrs...)
		return
	}
	logger.Audit().Warn("job failed", append(attrs, slog.String("error", job.LastError))...)
	if xerrors.ShouldAlert(cause) {
		emitAlert(ctx, alerter, log, job, cause)
	}
}

func emitAlert(ctx context.Context, alerter alerting.Dispatcher, log *slog.Logger, job *Job, cause error) {
	if alerter == nil || job == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	event := alerting.NewEvent(code, fmt.Sprintf("job %s failed after %d attempts: %s", job.ID, job.Attempts, job.LastError))
	event.JobID = job.ID
	event.Role = job.Role
	event.Attempts = job.Attempts
	event.MaxAttempts = job.MaxAttempts
	event.Metadata = map[string]string{
		"protocol":  job.Protocol(),
		"protocols": strings.Join(job.Protocols, ","),
	}
	if err := alerter.Notify(ctx, event); err != nil {
		log.Error("alert notification failed",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("code", string(code)),
		)
	}
}
