package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "SynthralOS/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	failing := &recordingNotifier{channel: "a", err: errors.New("down")}
	ok := &recordingNotifier{channel: "b"}
	dup := &recordingNotifier{channel: "b"}
	d := NewFanout(failing, ok, dup, nil)

	err := d.Notify(context.Background(), NewEvent(xerrors.CodeRetriesExhausted, "job failed"))
	if err == nil {
		t.Fatalf("expected joined error from failing channel")
	}
	if len(failing.events) != 1 || len(ok.events) != 1 || len(dup.events) != 0 {
		t.Fatalf("unexpected deliveries: %d %d %d", len(failing.events), len(ok.events), len(dup.events))
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	event := NewEvent(xerrors.CodeGuardrailViolation, "blocked")
	event.Role = "agent"
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.Code != xerrors.CodeGuardrailViolation || got.Role != "agent" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestWebhookNotifierReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	n := &WebhookNotifier{URL: srv.URL}
	if err := n.Notify(context.Background(), NewEvent(xerrors.CodeQueueFailure, "x")); err == nil {
		t.Fatalf("expected error for 502 response")
	}
}
