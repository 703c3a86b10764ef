// Package metrics 基于 Prometheus 暴露 HTTP、运行时执行、任务队列与护栏指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "synthral"

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runtime_executions_total",
		Help:      "Code executions dispatched through the runtime registry.",
	}, []string{"runtime", "outcome"})

	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "runtime_execution_duration_seconds",
		Help:      "Wall-clock duration of runtime executions.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"runtime"})

	jobAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_attempts_total",
		Help:      "Task queue attempts by protocol and result.",
	}, []string{"protocol", "result"})

	jobTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_terminal_total",
		Help:      "Jobs that reached a terminal status.",
	}, []string{"status"})

	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_in_flight",
		Help:      "Job attempts currently executing.",
	})

	guardrailViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "guardrail_violations_total",
		Help:      "Guardrail category violations by role and applied action.",
	}, []string{"role", "category", "action"})

	rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_rate_limited_total",
		Help:      "Requests rejected by the API rate limiter.",
	}, []string{"handler"})
)

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveRateLimited counts a request rejected with 429.
func ObserveRateLimited(handler string) {
	rateLimited.WithLabelValues(handler).Inc()
}

// ObserveExecution records one runtime execution. outcome is one of
// success, failure, timeout or panic.
func ObserveExecution(runtime, outcome string, duration time.Duration) {
	executions.WithLabelValues(runtime, outcome).Inc()
	executionDuration.WithLabelValues(runtime).Observe(duration.Seconds())
}

// ObserveJobAttempt records the result of a single queue attempt.
func ObserveJobAttempt(protocol string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	jobAttempts.WithLabelValues(protocol, result).Inc()
}

// AttemptStarted and AttemptFinished track in-flight attempts.
func AttemptStarted()  { jobsInFlight.Inc() }
func AttemptFinished() { jobsInFlight.Dec() }

// ObserveJobTerminal counts a job reaching completed or failed.
func ObserveJobTerminal(status string) {
	jobTerminal.WithLabelValues(status).Inc()
}

// ObserveGuardrailViolation counts a violated category and the action applied to it.
func ObserveGuardrailViolation(role, category, action string) {
	guardrailViolations.WithLabelValues(role, category, action).Inc()
}

// Handler exposes the default registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer launches a standalone HTTP server exposing /metrics until ctx is done.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
