package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"SynthralOS/internal/api"
	"SynthralOS/internal/auth"
	"SynthralOS/internal/config"
	"SynthralOS/internal/guardrails"
	"SynthralOS/internal/llm/openai"
	"SynthralOS/internal/observability/alerting"
	"SynthralOS/internal/observability/metrics"
	"SynthralOS/internal/observability/tracing"
	"SynthralOS/internal/protocol"
	"SynthralOS/internal/runtime"
	"SynthralOS/internal/runtime/container"
	"SynthralOS/internal/runtime/process"
	"SynthralOS/internal/runtime/shell"
	"SynthralOS/internal/runtime/stub"
	"SynthralOS/internal/task"
	"SynthralOS/pkg/logger"
)

// runServe 依次初始化日志、追踪、运行时、护栏与队列，然后启动 API 直到 ctx 结束。
func runServe(ctx context.Context, cfg *config.Config) error {
	if err := initLogging(cfg); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("synthd")

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	registry, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = registry.Cleanup(cleanupCtx)
	}()

	alerts := buildAlerts(cfg)
	gate, err := buildGate(cfg, alerts)
	if err != nil {
		return err
	}

	handlers, err := buildHandlers(cfg, registry)
	if err != nil {
		return err
	}
	log.Info("protocol handlers registered", slog.Any("protocols", handlers.Names()))

	authSvc, err := auth.NewService(apiTokens(cfg))
	if err != nil {
		return err
	}

	queue, err := buildQueue(ctx, cfg, handlers, alerts)
	if err != nil {
		return err
	}

	schema, err := guardrails.NewSchemaValidator()
	if err != nil {
		_ = queue.Close()
		return err
	}
	svcOpts := []task.ServiceOption{task.WithSchemaValidator(schema)}
	if gate != nil {
		svcOpts = append(svcOpts, task.WithGate(gate))
	}
	svc := task.NewService(queue, svcOpts...)
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn("close task queue", slog.Any("error", err))
		}
	}()

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !stdErrors.Is(err, context.Canceled) {
				log.Error("metrics server stopped", slog.Any("error", err))
			}
		}()
	}

	server, err := api.NewServer(cfg.Server.Address, registry,
		api.WithTaskService(svc),
		api.WithGate(gate),
		api.WithAuth(authSvc),
		api.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		api.WithShutdownTimeout(time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond),
	)
	if err != nil {
		return err
	}
	err = server.Start(ctx)
	if stdErrors.Is(err, context.Canceled) {
		log.Info("synthd shutting down")
		return nil
	}
	return err
}

func initLogging(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	})
}

// runtimeDefinitions 把配置中的运行时转换为注册表定义。
func runtimeDefinitions(cfg *config.Config) ([]runtime.Definition, error) {
	defs := make([]runtime.Definition, 0, len(cfg.Runtimes))
	for _, rc := range cfg.Runtimes {
		kind, err := runtime.ParseKind(rc.Kind)
		if err != nil {
			return nil, fmt.Errorf("runtime %s: %w", rc.Name, err)
		}
		defs = append(defs, runtime.Definition{
			Name:            rc.Name,
			Kind:            kind,
			Languages:       rc.Languages,
			Timeout:         time.Duration(rc.TimeoutMS) * time.Millisecond,
			MaxMemoryMB:     rc.MaxMemoryMB,
			Concurrency:     rc.Concurrency,
			Image:           rc.Image,
			Binary:          rc.Binary,
			Interpreters:    rc.Interpreters,
			Network:         rc.Network,
			Env:             rc.Env,
			AllowedCommands: rc.AllowedCommands,
			Latency:         time.Duration(rc.LatencyMS) * time.Millisecond,
		})
	}
	return defs, nil
}

func buildRegistry(ctx context.Context, cfg *config.Config) (*runtime.Registry, error) {
	defs, err := runtimeDefinitions(cfg)
	if err != nil {
		return nil, err
	}
	registry := runtime.NewRegistry(
		runtime.WithDefinitions(defs...),
		runtime.WithBuilder(runtime.KindShell, shell.New),
		runtime.WithBuilder(runtime.KindProcess, process.New),
		runtime.WithBuilder(runtime.KindContainer, container.New),
		runtime.WithBuilder(runtime.KindStub, stub.New),
	)
	if err := registry.Initialize(ctx); err != nil {
		return nil, err
	}
	return registry, nil
}

// buildHandlers 注册 runtime:<name>、echo，以及配置了 API Key 时的 llm 协议。
func buildHandlers(cfg *config.Config, registry *runtime.Registry) (*task.Handlers, error) {
	handlers := task.NewHandlers()
	protocol.RegisterRuntimes(handlers, registry)
	if lc := cfg.Protocols.LLM; lc.APIKey != "" {
		client, err := openai.NewClient(openai.Config{
			APIKey:  lc.APIKey,
			BaseURL: lc.BaseURL,
			Model:   lc.Model,
			Timeout: time.Duration(lc.TimeoutMS) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		handlers.Register(protocol.LLMName, protocol.LLM(client))
	}
	return handlers, nil
}

func apiTokens(cfg *config.Config) []auth.TokenConfig {
	tokens := make([]auth.TokenConfig, 0, len(cfg.Auth.Tokens))
	for _, t := range cfg.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Name:        t.Name,
			Token:       t.Token,
			Role:        t.Role,
			Permissions: t.Permissions,
		})
	}
	return tokens
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.Alerting.WebhookURL,
			Client: &http.Client{Timeout: 5 * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}

// buildGate 在护栏关闭时返回 nil。
func buildGate(cfg *config.Config, alerts alerting.Dispatcher) (*guardrails.Gate, error) {
	if !cfg.Guardrails.IsEnabled() {
		return nil, nil
	}
	store, err := guardrails.NewStore(guardrails.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if cfg.Guardrails.PolicyFile != "" {
		policy, err := guardrails.LoadPolicyFile(cfg.Guardrails.PolicyFile)
		if err != nil {
			return nil, err
		}
		if err := policy.Apply(store); err != nil {
			return nil, fmt.Errorf("apply guardrail policy: %w", err)
		}
	}
	return guardrails.NewGate(store, guardrails.WithAlerts(alerts)), nil
}

func retryConfig(cfg *config.Config) (task.RetryConfig, error) {
	strategy, err := task.ParseStrategy(cfg.Queue.Retry.Strategy)
	if err != nil {
		return task.RetryConfig{}, err
	}
	return task.RetryConfig{
		Strategy:          strategy,
		MaxAttempts:       cfg.Queue.Retry.MaxAttempts,
		BaseDelay:         time.Duration(cfg.Queue.Retry.BaseDelayMS) * time.Millisecond,
		FallbackProtocols: cfg.Queue.Retry.FallbackProtocols,
	}, nil
}

// buildQueue 根据 queue.driver 构建本地或持久化队列；持久化队列会立即开始消费。
func buildQueue(ctx context.Context, cfg *config.Config, handlers *task.Handlers, alerts alerting.Dispatcher) (task.Queue, error) {
	retry, err := retryConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts := []task.Option{
		task.WithRetryConfig(retry),
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithArchiveSize(cfg.Queue.ArchiveSize),
		task.WithAlertDispatcher(alerts),
	}
	if cfg.Queue.Driver != "durable" {
		return task.NewLocalQueue(handlers, opts...)
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	broker, err := buildBroker(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	queue, err := task.NewDurableQueue(store, broker, handlers, opts...)
	if err != nil {
		_ = broker.Close()
		_ = store.Close()
		return nil, err
	}
	if err := queue.Start(ctx); err != nil {
		_ = queue.Close()
		return nil, err
	}
	return queue, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	var opts []task.StoreOption
	if cfg.Queue.MySQL.ClaimLeaseMS > 0 {
		opts = append(opts, task.WithClaimLease(time.Duration(cfg.Queue.MySQL.ClaimLeaseMS)*time.Millisecond))
	}
	switch strings.ToLower(cfg.Queue.Store) {
	case "mysql":
		return task.NewMySQLStore(ctx, cfg.Queue.MySQL.DSN, opts...)
	default:
		return task.NewMemoryStore(opts...), nil
	}
}

func buildBroker(cfg *config.Config) (task.Broker, error) {
	switch strings.ToLower(cfg.Queue.Broker) {
	case "redis":
		return task.NewRedisBroker(task.RedisBrokerConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Redis.Queue,
		})
	case "rabbitmq":
		return task.NewRabbitMQBroker(task.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
		})
	default:
		return task.NewMemoryBroker(cfg.Queue.Workers * 64), nil
	}
}
