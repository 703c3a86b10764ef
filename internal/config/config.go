package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 描述了 synthd 在启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Runtimes   []RuntimeConfig  `json:"runtimes" yaml:"runtimes"`
	Queue      QueueConfig      `json:"queue" yaml:"queue"`
	Guardrails GuardrailsConfig `json:"guardrails" yaml:"guardrails"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Tracing    TracingConfig    `json:"tracing" yaml:"tracing"`
	Alerting   AlertingConfig   `json:"alerting" yaml:"alerting"`
	RateLimit  RateLimitConfig  `json:"rate_limit" yaml:"rate_limit"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
	Protocols  ProtocolsConfig  `json:"protocols" yaml:"protocols"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address           string `json:"address" yaml:"address"`
	ShutdownTimeoutMS int    `json:"shutdown_timeout_ms" yaml:"shutdown_timeout_ms"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string      `json:"level" yaml:"level"`
	Format      string      `json:"format" yaml:"format"`
	OutputPaths []string    `json:"output_paths" yaml:"output_paths"`
	Audit       AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志文件及其轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// RuntimeConfig 描述一个需要在启动时构建的运行时。
type RuntimeConfig struct {
	Name            string              `json:"name" yaml:"name"`
	Kind            string              `json:"kind" yaml:"kind"`
	Languages       []string            `json:"languages" yaml:"languages"`
	TimeoutMS       int64               `json:"timeout_ms" yaml:"timeout_ms"`
	MaxMemoryMB     int64               `json:"max_memory_mb" yaml:"max_memory_mb"`
	Concurrency     int                 `json:"concurrency" yaml:"concurrency"`
	Image           string              `json:"image" yaml:"image"`
	Binary          string              `json:"binary" yaml:"binary"`
	Interpreters    map[string][]string `json:"interpreters" yaml:"interpreters"`
	Network         bool                `json:"network" yaml:"network"`
	Env             map[string]string   `json:"env" yaml:"env"`
	AllowedCommands []string            `json:"allowed_commands" yaml:"allowed_commands"`
	LatencyMS       int64               `json:"latency_ms" yaml:"latency_ms"`
}

// QueueConfig 选择队列实现以及持久化队列的代理与存储。
type QueueConfig struct {
	Driver      string         `json:"driver" yaml:"driver"`
	Broker      string         `json:"broker" yaml:"broker"`
	Store       string         `json:"store" yaml:"store"`
	Workers     int            `json:"workers" yaml:"workers"`
	ArchiveSize int            `json:"archive_size" yaml:"archive_size"`
	Retry       RetryConfig    `json:"retry" yaml:"retry"`
	Redis       RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ    RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
	MySQL       MySQLConfig    `json:"mysql" yaml:"mysql"`
}

// RetryConfig 描述重试与协议降级策略。
type RetryConfig struct {
	Strategy          string   `json:"strategy" yaml:"strategy"`
	MaxAttempts       int      `json:"max_attempts" yaml:"max_attempts"`
	BaseDelayMS       int64    `json:"base_delay_ms" yaml:"base_delay_ms"`
	FallbackProtocols []string `json:"fallback_protocols" yaml:"fallback_protocols"`
}

// RedisConfig 描述 Redis 代理的连接信息。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Queue    string `json:"queue" yaml:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 代理的连接信息。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
}

// MySQLConfig 描述作业存储的 MySQL 连接。
type MySQLConfig struct {
	DSN          string `json:"dsn" yaml:"dsn"`
	ClaimLeaseMS int64  `json:"claim_lease_ms" yaml:"claim_lease_ms"`
}

// GuardrailsConfig 控制提交前的护栏裁决。
type GuardrailsConfig struct {
	Enabled    *bool  `json:"enabled" yaml:"enabled"`
	PolicyFile string `json:"policy_file" yaml:"policy_file"`
}

// IsEnabled 未显式配置时默认开启。
func (g GuardrailsConfig) IsEnabled() bool {
	return g.Enabled == nil || *g.Enabled
}

// MetricsConfig 为空地址时指标只挂在 API 的 /metrics 上。
type MetricsConfig struct {
	Address string `json:"address" yaml:"address"`
}

// TracingConfig 对应 OTLP 导出参数，Endpoint 为空时不导出。
type TracingConfig struct {
	Endpoint     string  `json:"endpoint" yaml:"endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate"`
	Insecure     bool    `json:"insecure" yaml:"insecure"`
}

// AlertingConfig 配置告警 webhook，为空时仅写日志。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// RateLimitConfig 限制写接口的请求速率，RPS 为 0 表示不限流。
type RateLimitConfig struct {
	RPS   float64 `json:"rps" yaml:"rps"`
	Burst int     `json:"burst" yaml:"burst"`
}

// AuthConfig 配置 API 的 Bearer Token，列表为空时不启用认证。
type AuthConfig struct {
	Tokens []APITokenConfig `json:"tokens" yaml:"tokens"`
}

// APITokenConfig 描述一个调用方。Role 作为提交作业时的默认护栏角色，
// Permissions 为空表示全部权限。
type APITokenConfig struct {
	Name        string   `json:"name" yaml:"name"`
	Token       string   `json:"token" yaml:"token"`
	Role        string   `json:"role" yaml:"role"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// ProtocolsConfig 配置运行时之外的协议处理器。
type ProtocolsConfig struct {
	LLM LLMConfig `json:"llm" yaml:"llm"`
}

// LLMConfig 对应 OpenAI 兼容的 Chat Completions 接口，APIKey 为空时不注册 llm 协议。
type LLMConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	BaseURL   string `json:"base_url" yaml:"base_url"`
	Model     string `json:"model" yaml:"model"`
	TimeoutMS int64  `json:"timeout_ms" yaml:"timeout_ms"`
}

// Load 负责解析指定路径的 YAML 或 JSON 配置文件，并填充默认值后校验。
func Load(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

// Parse 按扩展名解析配置内容，不填充默认值。
func Parse(content []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	case ".json", "":
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式 %q", ext)
	}
	return &cfg, nil
}

// Default 返回只包含默认值的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutMS <= 0 {
		c.Server.ShutdownTimeoutMS = 10000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	}

	if len(c.Runtimes) == 0 {
		c.Runtimes = []RuntimeConfig{
			{Name: "shell", Kind: "shell"},
			{Name: "sandbox", Kind: "stub"},
		}
	}
	for i := range c.Runtimes {
		c.Runtimes[i].Kind = strings.ToLower(strings.TrimSpace(c.Runtimes[i].Kind))
	}

	q := &c.Queue
	if q.Driver == "" {
		q.Driver = "local"
	}
	if q.Broker == "" {
		q.Broker = "memory"
	}
	if q.Store == "" {
		q.Store = "memory"
	}
	if q.Workers <= 0 {
		q.Workers = 4
	}
	if q.ArchiveSize <= 0 {
		q.ArchiveSize = 1024
	}
	if q.Retry.Strategy == "" {
		q.Retry.Strategy = "exponential"
	}
	if q.Retry.MaxAttempts == 0 {
		q.Retry.MaxAttempts = 3
	}
	if q.Retry.BaseDelayMS == 0 {
		q.Retry.BaseDelayMS = 1000
	}

	if c.Guardrails.PolicyFile != "" && !filepath.IsAbs(c.Guardrails.PolicyFile) {
		c.Guardrails.PolicyFile = filepath.Join(baseDir, c.Guardrails.PolicyFile)
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "synthd"
	}
	if c.Tracing.SamplingRate <= 0 {
		c.Tracing.SamplingRate = 1
	}

	if c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = int(c.RateLimit.RPS)
		if c.RateLimit.Burst < 1 {
			c.RateLimit.Burst = 1
		}
	}
}

var (
	validKinds      = []string{"shell", "process", "container", "stub"}
	validDrivers    = []string{"local", "durable"}
	validBrokers    = []string{"memory", "redis", "rabbitmq"}
	validStores     = []string{"memory", "mysql"}
	validStrategies = []string{"linear", "exponential", "fixed"}
)

// Validate 检查驱动选择与数值范围。
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(c.Runtimes))
	for i, rt := range c.Runtimes {
		name := strings.TrimSpace(rt.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("runtimes[%d]: 名称不能为空", i))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("runtimes[%d]: 名称 %q 重复", i, name))
		}
		seen[name] = struct{}{}
		if !oneOf(rt.Kind, validKinds) {
			errs = append(errs, fmt.Errorf("runtime %q: 未知类型 %q", name, rt.Kind))
		}
		if rt.TimeoutMS < 0 {
			errs = append(errs, fmt.Errorf("runtime %q: timeout_ms 不能为负数", name))
		}
	}

	q := c.Queue
	if !oneOf(q.Driver, validDrivers) {
		errs = append(errs, fmt.Errorf("queue.driver: 未知驱动 %q", q.Driver))
	}
	if q.Driver == "durable" {
		if !oneOf(q.Broker, validBrokers) {
			errs = append(errs, fmt.Errorf("queue.broker: 未知代理 %q", q.Broker))
		}
		if !oneOf(q.Store, validStores) {
			errs = append(errs, fmt.Errorf("queue.store: 未知存储 %q", q.Store))
		}
		if q.Broker == "redis" && q.Redis.Address == "" {
			errs = append(errs, errors.New("queue.redis.address: 使用 redis 代理时必须配置"))
		}
		if q.Broker == "rabbitmq" && q.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("queue.rabbitmq.url: 使用 rabbitmq 代理时必须配置"))
		}
		if q.Store == "mysql" && q.MySQL.DSN == "" {
			errs = append(errs, errors.New("queue.mysql.dsn: 使用 mysql 存储时必须配置"))
		}
	}
	if !oneOf(strings.ToLower(q.Retry.Strategy), validStrategies) {
		errs = append(errs, fmt.Errorf("queue.retry.strategy: 未知策略 %q", q.Retry.Strategy))
	}
	if q.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.retry.max_attempts: 至少为 1"))
	}
	if q.Retry.BaseDelayMS < 0 {
		errs = append(errs, errors.New("queue.retry.base_delay_ms: 不能为负数"))
	}
	for i, tok := range c.Auth.Tokens {
		if strings.TrimSpace(tok.Token) == "" {
			errs = append(errs, fmt.Errorf("auth.tokens[%d]: token 不能为空", i))
		}
	}
	if c.Protocols.LLM.TimeoutMS < 0 {
		errs = append(errs, errors.New("protocols.llm.timeout_ms: 不能为负数"))
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("rate_limit.rps: 不能为负数"))
	}
	if c.Tracing.SamplingRate > 1 {
		errs = append(errs, errors.New("tracing.sampling_rate: 不能大于 1"))
	}
	return errors.Join(errs...)
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
