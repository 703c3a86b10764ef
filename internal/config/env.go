package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix 是所有环境变量覆盖项的前缀。
const EnvPrefix = "SYNTHRAL_"

// LoadFromEnv 先加载当前目录的 .env，再根据 SYNTHRAL_CONFIG 读取配置文件，
// 最后应用 SYNTHRAL_* 覆盖项。配置文件不存在时使用默认值。
func LoadFromEnv() (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	return LoadWithOverrides(os.Getenv(EnvPrefix + "CONFIG"))
}

// LoadDotEnv 加载当前目录的 .env 文件，文件不存在时忽略。已存在的环境变量不会被覆盖。
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}
	return nil
}

// LoadWithOverrides 读取 path（可为空）并应用环境变量覆盖。
func LoadWithOverrides(path string) (*Config, error) {
	var cfg *Config
	if path != "" {
		loaded, err := load(path)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, fs.ErrNotExist):
			cfg = Default()
		default:
			return nil, err
		}
	} else {
		cfg = Default()
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

// applyEnv 应用环境变量覆盖，只覆盖非空值。
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("ADDRESS", &c.Server.Address)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("QUEUE_DRIVER", &c.Queue.Driver)
	str("QUEUE_BROKER", &c.Queue.Broker)
	str("QUEUE_STORE", &c.Queue.Store)
	str("RETRY_STRATEGY", &c.Queue.Retry.Strategy)
	str("REDIS_ADDRESS", &c.Queue.Redis.Address)
	str("REDIS_PASSWORD", &c.Queue.Redis.Password)
	str("RABBITMQ_URL", &c.Queue.RabbitMQ.URL)
	str("MYSQL_DSN", &c.Queue.MySQL.DSN)
	str("POLICY_FILE", &c.Guardrails.PolicyFile)
	str("METRICS_ADDRESS", &c.Metrics.Address)
	str("TRACING_ENDPOINT", &c.Tracing.Endpoint)
	str("ALERT_WEBHOOK", &c.Alerting.WebhookURL)
	str("LLM_API_KEY", &c.Protocols.LLM.APIKey)
	str("LLM_BASE_URL", &c.Protocols.LLM.BaseURL)
	str("LLM_MODEL", &c.Protocols.LLM.Model)
	if v, ok := lookup(EnvPrefix + "API_TOKEN"); ok && strings.TrimSpace(v) != "" {
		c.Auth.Tokens = append(c.Auth.Tokens, APITokenConfig{Name: "env", Token: strings.TrimSpace(v)})
	}

	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("环境变量 %s%s 不是整数: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}
	if err := num("QUEUE_WORKERS", &c.Queue.Workers); err != nil {
		return err
	}
	if err := num("RETRY_MAX_ATTEMPTS", &c.Queue.Retry.MaxAttempts); err != nil {
		return err
	}
	if v, ok := lookup(EnvPrefix + "GUARDRAILS_ENABLED"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("环境变量 %sGUARDRAILS_ENABLED 不是布尔值: %w", EnvPrefix, err)
		}
		c.Guardrails.Enabled = &enabled
	}
	return nil
}
