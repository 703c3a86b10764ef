// Package synthral is a thin Go client for the synthd HTTP API.
package synthral

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the synthd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Capabilities mirrors the capability record each runtime reports.
type Capabilities struct {
	SupportedLanguages       []string `json:"supportedLanguages"`
	Persistence              bool     `json:"persistence"`
	Sandboxed                bool     `json:"sandboxed"`
	MaxExecutionTime         int64    `json:"maxExecutionTime"`
	MaxMemory                int64    `json:"maxMemory"`
	SupportsPackages         bool     `json:"supportsPackages"`
	SupportedPackageManagers []string `json:"supportedPackageManagers"`
	SupportsStreaming        bool     `json:"supportsStreaming"`
	SupportsFileIO           bool     `json:"supportsFileIO"`
	SupportsNetworkAccess    bool     `json:"supportsNetworkAccess"`
	SupportsConcurrency      bool     `json:"supportsConcurrency"`
	MaxConcurrentExecutions  *int     `json:"maxConcurrentExecutions,omitempty"`
}

// RuntimeInfo describes a registered runtime.
type RuntimeInfo struct {
	Name         string       `json:"name"`
	Kind         string       `json:"kind,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// ExecuteRequest is the body of POST /execute. Timeout is in milliseconds.
type ExecuteRequest struct {
	Runtime  string         `json:"runtime"`
	Code     string         `json:"code"`
	Language string         `json:"language,omitempty"`
	Timeout  int64          `json:"timeout,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// ExecutionResult is the outcome of a single code execution.
type ExecutionResult struct {
	Success       bool   `json:"success"`
	Output        string `json:"output"`
	Error         string `json:"error,omitempty"`
	ExecutionTime int64  `json:"executionTime"`
	MemoryUsage   *int64 `json:"memoryUsage,omitempty"`
}

// Health is the body returned by GET /health.
type Health struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// TaskRequest represents the payload required to submit a job.
type TaskRequest struct {
	ID       string         `json:"id,omitempty"`
	Task     string         `json:"task"`
	Protocol string         `json:"protocol"`
	Tools    []string       `json:"tools,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
	Role     string         `json:"role,omitempty"`
}

// Submission is returned when a job was accepted.
type Submission struct {
	JobID    string   `json:"jobId"`
	Action   string   `json:"action"`
	Redacted bool     `json:"redacted"`
	Warnings []string `json:"warnings,omitempty"`
}

// JobStatus is a snapshot of a job.
type JobStatus struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Protocol    string          `json:"protocol"`
	Protocols   []string        `json:"protocols"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt"`
}

// Terminal reports whether the job reached completed or failed.
func (s JobStatus) Terminal() bool {
	return s.Status == "completed" || s.Status == "failed"
}

// SecurityFlags reports which checks fired.
type SecurityFlags struct {
	ContainsProfanity     bool            `json:"containsProfanity"`
	ContainsSensitiveData bool            `json:"containsSensitiveData"`
	JailbreakAttempt      bool            `json:"jailbreakAttempt"`
	CopyrightMaterial     bool            `json:"copyrightMaterial"`
	BlocklistedTopics     []string        `json:"blocklistedTopics"`
	Custom                map[string]bool `json:"custom,omitempty"`
}

// SecurityResult is the validator output embedded in a Decision. Violations
// lists the triggered categories in check order.
type SecurityResult struct {
	Valid           bool          `json:"valid"`
	Errors          []string      `json:"errors"`
	SecurityFlags   SecurityFlags `json:"securityFlags"`
	RedactedContent *string       `json:"redactedContent,omitempty"`
	Violations      []string      `json:"violations,omitempty"`
}

// JobStats aggregates job counts by status.
type JobStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Retrying        int   `json:"retrying"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldestUpdatedAt,omitempty"`
	NewestUpdatedAt int64 `json:"newestUpdatedAt,omitempty"`
}

// ListTasksOptions filters GET /tasks. Zero values are omitted.
type ListTasksOptions struct {
	Limit     int
	Offset    int
	Statuses  []string
	Protocol  string
	Role      string
	Query     string
	Ascending bool
}

func (o ListTasksOptions) values() url.Values {
	v := url.Values{}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		v.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(o.Statuses) > 0 {
		v.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Protocol != "" {
		v.Set("protocol", o.Protocol)
	}
	if o.Role != "" {
		v.Set("role", o.Role)
	}
	if o.Query != "" {
		v.Set("q", o.Query)
	}
	if o.Ascending {
		v.Set("order", "asc")
	}
	return v
}

// Decision is the guardrail verdict returned by POST /guardrails/validate.
type Decision struct {
	Role    string         `json:"role"`
	Action  string         `json:"action"`
	Content string         `json:"content"`
	Result  SecurityResult `json:"result"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("synthral api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("synthral api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the synthd API. When httpClient is nil
// a client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.New("synthral: base url must be absolute")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Health reports the daemon status. A registry that is still initialising
// is returned as an *APIError with status 503.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &h)
	return h, err
}

// ListRuntimes returns every registered runtime.
func (c *Client) ListRuntimes(ctx context.Context) ([]RuntimeInfo, error) {
	var out struct {
		Runtimes []RuntimeInfo `json:"runtimes"`
	}
	if err := c.do(ctx, http.MethodGet, "/runtimes", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Runtimes, nil
}

// GetRuntime returns a single runtime by name.
func (c *Client) GetRuntime(ctx context.Context, name string) (RuntimeInfo, error) {
	var info RuntimeInfo
	err := c.do(ctx, http.MethodGet, "/runtimes/"+url.PathEscape(name), nil, nil, &info)
	return info, err
}

// Execute runs code synchronously. A failed execution is not an error: check
// ExecutionResult.Success.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (ExecutionResult, error) {
	var res ExecutionResult
	err := c.do(ctx, http.MethodPost, "/execute", nil, req, &res)
	return res, err
}

// SubmitTask enqueues a job.
func (c *Client) SubmitTask(ctx context.Context, req TaskRequest) (Submission, error) {
	var sub Submission
	err := c.do(ctx, http.MethodPost, "/tasks", nil, req, &sub)
	return sub, err
}

// GetTask fetches the status of a job.
func (c *Client) GetTask(ctx context.Context, id string) (JobStatus, error) {
	var status JobStatus
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, nil, &status)
	return status, err
}

// ListTasks returns matching jobs with their aggregate stats. Only daemons
// running the durable queue support listing.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) ([]JobStatus, JobStats, error) {
	var out struct {
		Jobs  []JobStatus `json:"jobs"`
		Stats JobStats    `json:"stats"`
	}
	if err := c.do(ctx, http.MethodGet, "/tasks", opts.values(), nil, &out); err != nil {
		return nil, JobStats{}, err
	}
	return out.Jobs, out.Stats, nil
}

// WaitForTask polls GetTask until the job is terminal or ctx is done.
func (c *Client) WaitForTask(ctx context.Context, id string, interval time.Duration) (JobStatus, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.GetTask(ctx, id)
		if err != nil {
			return JobStatus{}, err
		}
		if status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return JobStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Validate asks the guardrails to judge content for role. A block verdict is
// reported in Decision.Action, not as an error.
func (c *Client) Validate(ctx context.Context, content, role string) (Decision, error) {
	var d Decision
	body := map[string]string{"content": content, "role": role}
	err := c.do(ctx, http.MethodPost, "/guardrails/validate", nil, body, &d)
	return d, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			var h Health
			if json.Unmarshal(data, &h) == nil && h.Message != "" {
				apiErr.Code = h.Status
				apiErr.Message = h.Message
			} else {
				apiErr.Message = string(bytes.TrimSpace(data))
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
