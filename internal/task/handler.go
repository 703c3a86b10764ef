package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Payload 是每次尝试传给协议处理器的内容。
type Payload struct {
	JobID    string         `json:"jobId"`
	Task     string         `json:"task"`
	Protocol string         `json:"protocol"`
	Attempt  int            `json:"attempt"`
	Tools    []string       `json:"tools,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
	Role     string         `json:"role,omitempty"`
}

// HandlerResult 是协议处理器的返回值。
type HandlerResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ProtocolHandler 执行一次尝试。返回 error 与返回 Success=false 在重试判定上等价。
type ProtocolHandler interface {
	Handle(ctx context.Context, payload Payload) (HandlerResult, error)
}

// HandlerFunc 允许普通函数作为 ProtocolHandler 使用。
type HandlerFunc func(ctx context.Context, payload Payload) (HandlerResult, error)

// Handle 实现 ProtocolHandler。
func (f HandlerFunc) Handle(ctx context.Context, payload Payload) (HandlerResult, error) {
	return f(ctx, payload)
}

// Handlers 按协议名保存处理器，并发安全。
type Handlers struct {
	mu       sync.RWMutex
	handlers map[string]ProtocolHandler
}

// NewHandlers 创建空的处理器表。
func NewHandlers() *Handlers {
	return &Handlers{handlers: make(map[string]ProtocolHandler)}
}

// Register 绑定协议名，重复注册覆盖旧值。
func (h *Handlers) Register(protocol string, handler ProtocolHandler) {
	if protocol == "" || handler == nil {
		return
	}
	h.mu.Lock()
	h.handlers[protocol] = handler
	h.mu.Unlock()
}

// Lookup 返回协议对应的处理器。
func (h *Handlers) Lookup(protocol string) (ProtocolHandler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.handlers[protocol]
	return handler, ok
}

// Names 返回已注册的协议名。
func (h *Handlers) Names() []string {
	h.mu.RLock()
	names := make([]string, 0, len(h.handlers))
	for name := range h.handlers {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)
	return names
}

// outcome 是一次尝试的归一化结果。
type outcome struct {
	success bool
	result  json.RawMessage
	err     string
}

// invoke 调用协议处理器，把 panic、error 与 Success=false 统一为失败。
func (h *Handlers) invoke(ctx context.Context, payload Payload) (out outcome) {
	handler, ok := h.Lookup(payload.Protocol)
	if !ok {
		return outcome{err: fmt.Sprintf("protocol handler %q not registered", payload.Protocol)}
	}
	defer func() {
		if p := recover(); p != nil {
			out = outcome{err: fmt.Sprintf("protocol handler panic: %v", p)}
		}
	}()

	res, err := handler.Handle(ctx, payload)
	if err != nil {
		return outcome{err: err.Error()}
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "protocol handler reported failure"
		}
		return outcome{err: msg}
	}
	if res.Data == nil {
		return outcome{success: true}
	}
	raw, err := json.Marshal(res.Data)
	if err != nil {
		return outcome{err: fmt.Sprintf("encode handler result: %v", err)}
	}
	return outcome{success: true, result: raw}
}
