package guardrails

import (
	"context"
	"log/slog"
	"strings"

	xerrors "SynthralOS/internal/errors"
	"SynthralOS/internal/observability/alerting"
	"SynthralOS/internal/observability/metrics"
	"SynthralOS/pkg/logger"
)

// ErrBlocked 表示内容因 block 动作被拒绝。
var ErrBlocked = xerrors.New(xerrors.CodeGuardrailViolation, "content blocked by guardrails")

// Decision 是网关对一次提交的裁决。
type Decision struct {
	Role    string         `json:"role"`
	Action  Action         `json:"action"`
	Content string         `json:"content"`
	Result  SecurityResult `json:"result"`
}

// Gate 解析角色策略、执行校验并应用动作。
type Gate struct {
	store  *Store
	alerts alerting.Dispatcher
	log    *slog.Logger
}

// GateOption 自定义网关。
type GateOption func(*Gate)

// WithAlerts 在 block 时发送告警。
func WithAlerts(d alerting.Dispatcher) GateOption {
	return func(g *Gate) { g.alerts = d }
}

// NewGate 创建网关。
func NewGate(store *Store, opts ...GateOption) *Gate {
	g := &Gate{store: store, log: logger.Named("guardrails")}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Store 返回底层策略存储。
func (g *Gate) Store() *Store { return g.store }

// Validate 以角色策略校验内容，不应用任何动作。
func (g *Gate) Validate(content, role string) SecurityResult {
	return Validate(content, g.store.GetConfig(role))
}

// Check 校验内容并应用违规类别中优先级最高的动作。
// block 返回 GUARDRAIL_VIOLATION 错误；modify 用脱敏内容替换原文，
// 没有脱敏结果时保留原文；allow 原样放行但仍记录违规。
func (g *Gate) Check(ctx context.Context, content, role string) (Decision, error) {
	cfg := g.store.GetConfig(role)
	res := Validate(content, cfg)
	decision := Decision{Role: role, Action: ActionAllow, Content: content, Result: res}
	if res.Valid {
		return decision, nil
	}

	for _, category := range res.Violations {
		cc, _ := cfg.category(category)
		action := cc.Action
		if !action.Valid() {
			action = ActionBlock
		}
		if action.rank() > decision.Action.rank() {
			decision.Action = action
		}
		metrics.ObserveGuardrailViolation(role, category, string(action))
	}

	logger.Audit().Warn("guardrail violation",
		slog.String("role", role),
		slog.String("action", string(decision.Action)),
		slog.Any("categories", res.Violations),
		slog.Any("errors", res.Errors),
	)

	switch decision.Action {
	case ActionBlock:
		msg := strings.Join(res.Errors, "; ")
		blocked := xerrors.Wrap(xerrors.CodeGuardrailViolation, ErrBlocked, msg,
			xerrors.WithMetadata("role", role),
			xerrors.WithMetadata("categories", strings.Join(res.Violations, ",")))
		if g.alerts != nil && xerrors.ShouldAlert(blocked) {
			event := alerting.NewEvent(blocked.Code(), msg)
			event.Role = role
			event.Metadata = blocked.Metadata()
			if err := g.alerts.Notify(ctx, event); err != nil {
				g.log.Warn("guardrail alert delivery failed", "error", err)
			}
		}
		return decision, blocked
	case ActionModify:
		if res.RedactedContent != nil {
			decision.Content = *res.RedactedContent
		}
	}
	return decision, nil
}
