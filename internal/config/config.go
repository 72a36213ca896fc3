package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"OpenLLM-Relay/pkg/logger"
)

// DefaultPath 是未指定配置文件时尝试读取的位置。
const DefaultPath = "configs/relay.yaml"

// Config 描述了中继服务在启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Logging    logger.Config    `json:"logging" yaml:"logging"`
	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	Credential CredentialConfig `json:"credential" yaml:"credential"`
	Retry      RetryConfig      `json:"retry" yaml:"retry"`
	RateLimit  RateLimitConfig  `json:"rate_limit" yaml:"rate_limit"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	Events     EventsConfig     `json:"events" yaml:"events"`
	Extract    ExtractConfig    `json:"extract" yaml:"extract"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
}

// ServerConfig 控制 API 服务的监听地址与超时。
type ServerConfig struct {
	Address        string   `json:"address" yaml:"address"`
	ReadTimeout    Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   Duration `json:"write_timeout" yaml:"write_timeout"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`
}

// MetricsConfig 控制独立的指标监听地址，Address 为空时指标挂在 API 服务的 /metrics 上。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// LLMConfig 描述补全服务的地址与默认采样参数。
type LLMConfig struct {
	Provider         string   `json:"provider" yaml:"provider"`
	Endpoint         string   `json:"endpoint" yaml:"endpoint"`
	Deployment       string   `json:"deployment" yaml:"deployment"`
	Model            string   `json:"model" yaml:"model"`
	APIVersion       string   `json:"api_version" yaml:"api_version"`
	Timeout          Duration `json:"timeout" yaml:"timeout"`
	MaxTokens        int      `json:"max_tokens" yaml:"max_tokens"`
	Temperature      float64  `json:"temperature" yaml:"temperature"`
	TopP             float64  `json:"top_p" yaml:"top_p"`
	FrequencyPenalty float64  `json:"frequency_penalty" yaml:"frequency_penalty"`
	PresencePenalty  float64  `json:"presence_penalty" yaml:"presence_penalty"`
}

// CredentialConfig 选择补全服务密钥的来源。
type CredentialConfig struct {
	// Source 取 auto、static、env 或 keyvault。auto 按 keyvault、static、env 的顺序组成链。
	Source      string `json:"source" yaml:"source"`
	APIKey      string `json:"api_key" yaml:"api_key"`
	APIKeyEnv   string `json:"api_key_env" yaml:"api_key_env"`
	KeyVaultURL string `json:"key_vault_url" yaml:"key_vault_url"`
	SecretName  string `json:"secret_name" yaml:"secret_name"`
	Identity    string `json:"identity" yaml:"identity"`
	ClientID    string `json:"client_id" yaml:"client_id"`
}

// RetryConfig 控制退避重试。
type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   Duration `json:"base_delay" yaml:"base_delay"`
}

// RateLimitConfig 控制每分钟请求数与 token 数，负数表示关闭该维度。
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	TokensPerMinute   int `json:"tokens_per_minute" yaml:"tokens_per_minute"`
}

// CacheConfig 选择缓存后端。
type CacheConfig struct {
	Driver   string   `json:"driver" yaml:"driver"`
	Prefix   string   `json:"prefix" yaml:"prefix"`
	TTL      Duration `json:"ttl" yaml:"ttl"`
	Coalesce bool     `json:"coalesce" yaml:"coalesce"`
	// PurgeInterval 控制内存与 SQL 存储清理过期条目的周期，负值关闭清理。
	PurgeInterval Duration    `json:"purge_interval" yaml:"purge_interval"`
	Redis         RedisConfig `json:"redis" yaml:"redis"`
	DSN           string      `json:"dsn" yaml:"dsn"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// EventsConfig 控制事件投递，RabbitMQ.URL 为空时事件只写日志。
type EventsConfig struct {
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 事件通道。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Exchange   string `json:"exchange" yaml:"exchange"`
	RoutingKey string `json:"routing_key" yaml:"routing_key"`
	Buffer     int    `json:"buffer" yaml:"buffer"`
}

// ExtractConfig 控制结构化抽取。
type ExtractConfig struct {
	Temperature      float64 `json:"temperature" yaml:"temperature"`
	MaxTokens        int     `json:"max_tokens" yaml:"max_tokens"`
	BatchConcurrency int     `json:"batch_concurrency" yaml:"batch_concurrency"`
}

// AuthConfig 列出允许访问 API 的静态令牌，为空时不做鉴权。
type AuthConfig struct {
	Tokens []string `json:"tokens" yaml:"tokens"`
}

// Load 解析配置文件。path 为空时依次尝试 RELAY_CONFIG 与 DefaultPath，默认路径不存在时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		if env := strings.TrimSpace(os.Getenv("RELAY_CONFIG")); env != "" {
			path, explicit = env, true
		} else {
			path = DefaultPath
		}
	}

	var cfg Config
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, content, &cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	default:
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = Duration(15 * time.Second)
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = Duration(150 * time.Second)
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = Duration(120 * time.Second)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "azure"
	}
	if c.LLM.APIVersion == "" {
		c.LLM.APIVersion = "2024-02-15-preview"
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = Duration(60 * time.Second)
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 4000
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.3
	}
	if c.LLM.TopP == 0 {
		c.LLM.TopP = 0.95
	}

	if c.Credential.Source == "" {
		c.Credential.Source = "auto"
	}
	if c.Credential.APIKeyEnv == "" {
		c.Credential.APIKeyEnv = "AZURE_OPENAI_KEY"
	}
	if c.Credential.SecretName == "" {
		c.Credential.SecretName = "AzureOpenAIKey"
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = Duration(2 * time.Second)
	}

	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 60
	}
	if c.RateLimit.TokensPerMinute == 0 {
		c.RateLimit.TokensPerMinute = 90000
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "llm"
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = Duration(24 * time.Hour)
	}
	if c.Cache.PurgeInterval == 0 {
		c.Cache.PurgeInterval = Duration(10 * time.Minute)
	}

	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "relay.events"
	}
	if c.Events.RabbitMQ.RoutingKey == "" {
		c.Events.RabbitMQ.RoutingKey = "relay"
	}
	if c.Events.RabbitMQ.Buffer <= 0 {
		c.Events.RabbitMQ.Buffer = 1024
	}

	if c.Extract.Temperature <= 0 {
		c.Extract.Temperature = 0.1
	}
	if c.Extract.BatchConcurrency <= 0 {
		c.Extract.BatchConcurrency = 5
	}
}

// applyEnv 用环境变量覆盖文件中的值。
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(name string, target *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*target = strings.TrimSpace(v)
		}
	}
	set("RELAY_LLM_ENDPOINT", &c.LLM.Endpoint)
	set("RELAY_LLM_DEPLOYMENT", &c.LLM.Deployment)
	set("RELAY_LLM_API_KEY", &c.Credential.APIKey)
	set("RELAY_KEY_VAULT_URL", &c.Credential.KeyVaultURL)
	set("RELAY_REDIS_ADDR", &c.Cache.Redis.Address)
	set("RELAY_CACHE_DSN", &c.Cache.DSN)
	set("RELAY_LOG_LEVEL", &c.Logging.Level)
	set("RELAY_SERVER_ADDRESS", &c.Server.Address)
}

// Validate 检查必须项与取值范围。
func (c *Config) Validate() error {
	var errs []error

	switch c.LLM.Provider {
	case "azure":
		if c.LLM.Endpoint == "" {
			errs = append(errs, errors.New("llm.endpoint 不能为空"))
		}
		if c.LLM.Deployment == "" {
			errs = append(errs, errors.New("llm.deployment 不能为空"))
		}
	case "openai":
	default:
		errs = append(errs, fmt.Errorf("未知的 llm.provider %q", c.LLM.Provider))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, errors.New("llm.temperature 必须位于 [0,2]"))
	}
	if c.LLM.TopP < 0 || c.LLM.TopP > 1 {
		errs = append(errs, errors.New("llm.top_p 必须位于 [0,1]"))
	}

	switch c.Credential.Source {
	case "auto", "static", "env":
	case "keyvault":
		if c.Credential.KeyVaultURL == "" {
			errs = append(errs, errors.New("credential.key_vault_url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 credential.source %q", c.Credential.Source))
	}

	switch c.Cache.Driver {
	case "memory", "none":
	case "redis":
		if c.Cache.Redis.Address == "" {
			errs = append(errs, errors.New("cache.redis.address 不能为空"))
		}
	case "mysql", "sqlite":
		if c.Cache.DSN == "" {
			errs = append(errs, errors.New("cache.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 cache.driver %q", c.Cache.Driver))
	}

	if c.Retry.MaxAttempts > 10 {
		errs = append(errs, errors.New("retry.max_attempts 不能超过 10"))
	}
	return errors.Join(errs...)
}
