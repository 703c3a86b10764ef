package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"SynthralOS/internal/auth"
	"SynthralOS/internal/guardrails"
	"SynthralOS/internal/observability/metrics"
	"SynthralOS/internal/runtime"
	"SynthralOS/internal/task"
	"SynthralOS/pkg/logger"
)

// Runtimes 是 API 所需的运行时注册表能力。
type Runtimes interface {
	Ready() bool
	Get(name string) (runtime.Info, bool)
	ListRuntimes() []runtime.Info
	ExecuteCode(ctx context.Context, name, code string, cfg runtime.ExecutionConfig) (runtime.ExecutionResult, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	runtimes        Runtimes
	tasks           *task.Service
	gate            *guardrails.Gate
	auth            *auth.Service
	executeSchema   *jsonschema.Schema
	limiter         *rate.Limiter
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// Option 自定义 Server。
type Option func(*Server)

// WithTaskService 启用 /tasks 接口。
func WithTaskService(svc *task.Service) Option {
	return func(s *Server) {
		s.tasks = svc
	}
}

// WithGate 启用 /guardrails/validate 接口。
func WithGate(gate *guardrails.Gate) Option {
	return func(s *Server) {
		s.gate = gate
	}
}

// WithAuth 为除 /health 与 /metrics 外的接口启用 Bearer Token 认证，svc 为 nil 时不认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithRateLimit 限制 POST /execute 与 POST /tasks 的请求速率，rps <= 0 时不限流。
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时长。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runtimes Runtimes, opts ...Option) (*Server, error) {
	if runtimes == nil {
		return nil, errors.New("runtime registry must not be nil")
	}
	schema, err := jsonschema.CompileString("execute_request.json", executeRequestSchema)
	if err != nil {
		return nil, err
	}
	s := &Server{
		addr:            addr,
		runtimes:        runtimes,
		executeSchema:   schema,
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Handler 返回挂载全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "GET /health", "health", "", s.handleHealth)
	s.handle(mux, "GET /runtimes", "runtimes", auth.PermissionRuntimesRead, s.handleListRuntimes)
	s.handle(mux, "GET /runtimes/{name}", "runtime", auth.PermissionRuntimesRead, s.handleGetRuntime)
	s.handle(mux, "POST /execute", "execute", auth.PermissionExecute, s.rateLimited("execute", s.handleExecute))
	s.handle(mux, "POST /tasks", "tasks", auth.PermissionTasksWrite, s.rateLimited("tasks", s.handleSubmitTask))
	s.handle(mux, "GET /tasks", "tasks_list", auth.PermissionTasksRead, s.handleListTasks)
	s.handle(mux, "GET /tasks/{id}", "task", auth.PermissionTasksRead, s.handleGetTask)
	s.handle(mux, "POST /guardrails/validate", "guardrails_validate", auth.PermissionGuardrails, s.handleValidate)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// handle 挂载路由；permission 为空的路由不要求认证。
func (s *Server) handle(mux *http.ServeMux, pattern, name, permission string, h http.HandlerFunc) {
	var next http.Handler = h
	if permission != "" {
		next = s.auth.Require(permission, writeError, next)
	}
	mux.Handle(pattern, instrument(name, next))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api server listening", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "server is shutting down", Code: "UNAVAILABLE"})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
