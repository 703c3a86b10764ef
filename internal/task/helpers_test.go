package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"SynthralOS/internal/observability/alerting"
)

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAlerts) snapshot() []alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Event(nil), r.events...)
}

// protocolRecorder 记录每次尝试使用的协议，并按协议返回预设结果。
type protocolRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *protocolRecorder) record(p Payload) {
	r.mu.Lock()
	r.calls = append(r.calls, p.Protocol)
	r.mu.Unlock()
}

func (r *protocolRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *protocolRecorder) failing(msg string) ProtocolHandler {
	return HandlerFunc(func(_ context.Context, p Payload) (HandlerResult, error) {
		r.record(p)
		return HandlerResult{Success: false, Error: msg}, nil
	})
}

func (r *protocolRecorder) succeeding(data any) ProtocolHandler {
	return HandlerFunc(func(_ context.Context, p Payload) (HandlerResult, error) {
		r.record(p)
		return HandlerResult{Success: true, Data: data}, nil
	})
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
