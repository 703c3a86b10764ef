// Package api exposes the HTTP surface of synthd: runtime discovery and
// direct code execution, task submission and status, guardrail validation,
// health and Prometheus metrics.
package api
