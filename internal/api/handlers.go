package api

import (
	"bytes"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"SynthralOS/internal/auth"
	xerrors "SynthralOS/internal/errors"
	"SynthralOS/internal/guardrails"
	"SynthralOS/internal/observability/tracing"
	"SynthralOS/internal/runtime"
	"SynthralOS/internal/task"
)

const maxBodyBytes = 4 << 20

const executeRequestSchema = `{
  "type": "object",
  "required": ["runtime", "code"],
  "properties": {
    "runtime": { "type": "string", "minLength": 1 },
    "code": { "type": "string" },
    "language": { "type": "string" },
    "timeout": { "type": "integer", "minimum": 0 },
    "options": { "type": "object" }
  }
}`

type executeRequest struct {
	Runtime  string         `json:"runtime"`
	Code     string         `json:"code"`
	Language string         `json:"language,omitempty"`
	Timeout  int64          `json:"timeout,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.runtimes.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "initializing", Message: "runtime registry is initializing"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "healthy",
		Message: fmt.Sprintf("%d runtimes available", len(s.runtimes.ListRuntimes())),
	})
}

func (s *Server) handleListRuntimes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]runtime.Info{"runtimes": s.runtimes.ListRuntimes()})
}

func (s *Server) handleGetRuntime(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	info, ok := s.runtimes.Get(name)
	if !ok {
		writeError(w, xerrors.Wrap(xerrors.CodeNotFound, runtime.ErrRuntimeNotFound, fmt.Sprintf("runtime %q not found", name)))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeValidation, err, "request body is not valid JSON"))
		return
	}
	if err := s.executeSchema.Validate(doc); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeValidation, err, schemaMessage(err)))
		return
	}
	var req executeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeValidation, err, "decode execute request"))
		return
	}

	ctx, span := tracing.Start(r.Context(), "api.execute", attribute.String("runtime.name", req.Runtime))
	defer span.End()

	res, err := s.runtimes.ExecuteCode(ctx, req.Runtime, req.Code, runtime.ExecutionConfig{
		Language: req.Language,
		Timeout:  time.Duration(req.Timeout) * time.Millisecond,
		Options:  req.Options,
	})
	if err != nil {
		tracing.RecordError(span, err)
		s.log.Warn("execute request failed", "runtime", req.Runtime, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "task queue is not enabled"))
		return
	}
	var req task.TaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleFromContext(r.Context())
	}
	sub, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "task queue is not enabled"))
		return
	}
	status, err := s.tasks.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "task queue is not enabled"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "stats": stats})
}

type validateRequest struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if s.gate == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "guardrails are disabled"))
		return
	}
	var req validateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleFromContext(r.Context())
	}
	decision, err := s.gate.Check(r.Context(), req.Content, req.Role)
	if err != nil && !stdErrors.Is(err, guardrails.ErrBlocked) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "read request body")
	}
	if len(raw) > maxBodyBytes {
		return nil, xerrors.New(xerrors.CodeValidation, "request body too large")
	}
	return raw, nil
}

func decodeJSON(r *http.Request, dst any) error {
	raw, err := readBody(r)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "request body is not valid JSON")
	}
	return nil
}

func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !stdErrors.As(err, &ve) {
		return "invalid execute request"
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("invalid execute request: %s: %s", loc, ve.Message)
}

func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption
	for _, key := range []string{"limit", "offset"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("%s must be a non-negative integer", key))
		}
		if key == "limit" {
			opts = append(opts, task.WithLimit(n))
		} else {
			opts = append(opts, task.WithOffset(n))
		}
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			st := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(st) {
				return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("unknown status %q", part))
			}
			statuses = append(statuses, st)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if v := q.Get("protocol"); v != "" {
		opts = append(opts, task.WithProtocol(v))
	}
	if v := q.Get("role"); v != "" {
		opts = append(opts, task.WithRole(v))
	}
	if v := q.Get("q"); v != "" {
		opts = append(opts, task.WithQuery(v))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return opts, nil
}
