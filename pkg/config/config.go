// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Model      ModelConfig      `mapstructure:"model"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Tools      ToolsConfig      `mapstructure:"tools"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	RateLimits RateLimitsConfig `mapstructure:"rate_limits"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	Timeout    string           `mapstructure:"timeout"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
	Grpc       GrpcConfig       `mapstructure:"grpc"`
}

// GrpcConfig gRPC 服务配置（仅健康检查）
type GrpcConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	Auth          bool   `mapstructure:"auth"`
	JWTKey        string `mapstructure:"jwt_key"`         // Supabase JWT secret，HS256
	JWTTimeout    string `mapstructure:"jwt_timeout"`     // 如 "1h"
	JWTMaxRefresh string `mapstructure:"jwt_max_refresh"` // 如 "1h"
}

// AgentConfig 单轮对话（Turn）相关配置
type AgentConfig struct {
	MaxPromptLength int    `mapstructure:"max_prompt_length"` // 按字符（rune）计
	SessionTTL      string `mapstructure:"session_ttl"`       // Session Store 过期时间，如 "1h"
	MaxToolCalls    int    `mapstructure:"max_tool_calls"`    // 单轮最多工具调用次数
	TurnTimeout     string `mapstructure:"turn_timeout"`      // 单轮总时长上限
	PersistTimeout  string `mapstructure:"persist_timeout"`   // 结束后落库超时
	ReasoningEffort string `mapstructure:"reasoning_effort"`  // low | medium | high，推理模型专用
	FallbackPrompt  string `mapstructure:"fallback_prompt"`   // Session 缺失时使用的提示词
	SystemPrompt    string `mapstructure:"system_prompt"`
}

// ModelConfig 模型配置
type ModelConfig struct {
	LLM            LLMConfig      `mapstructure:"llm"`
	Defaults       DefaultsConfig `mapstructure:"defaults"`
	Gateway        string         `mapstructure:"gateway"`          // openai | eino
	ProbeOnStartup bool           `mapstructure:"probe_on_startup"` // 启动时探测一次主模型是否可用
}

// LLMConfig LLM 模型配置
type LLMConfig struct {
	Providers map[string]ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig 模型提供商配置
type ProviderConfig struct {
	APIKey  string               `mapstructure:"api_key"`
	BaseURL string               `mapstructure:"base_url"`
	Models  map[string]ModelInfo `mapstructure:"models"`
}

// ModelInfo 模型信息
type ModelInfo struct {
	Name          string  `mapstructure:"name"`
	ContextWindow int     `mapstructure:"context_window"`
	Temperature   float64 `mapstructure:"temperature"`
	MaxTokens     int     `mapstructure:"max_tokens"`
	Reasoning     bool    `mapstructure:"reasoning"` // 推理模型，发送 reasoning_effort
}

// DefaultsConfig 默认模型配置，格式为 provider.model_key
type DefaultsConfig struct {
	LLM      string `mapstructure:"llm"`
	Fallback string `mapstructure:"fallback"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Conversation ConversationStoreConfig `mapstructure:"conversation"`
	Cache        CacheConfig             `mapstructure:"cache"`
}

// ConversationStoreConfig 会话与消息存储配置
type ConversationStoreConfig struct {
	Type     string `mapstructure:"type"` // memory | postgres
	DSN      string `mapstructure:"dsn"`
	PoolSize int    `mapstructure:"pool_size"`
}

// CacheConfig 缓存配置（Session Store 后端）
type CacheConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	Prefix   string `mapstructure:"prefix"`
}

// ToolsConfig 工具注册配置
type ToolsConfig struct {
	Timeout    string            `mapstructure:"timeout"` // 单次工具调用超时，默认 10s
	Builtin    bool              `mapstructure:"builtin"` // 注册内置本地工具
	HTTP       []HTTPToolConfig  `mapstructure:"http"`
	MCPServers []MCPServerConfig `mapstructure:"mcp_servers"`
}

// HTTPToolConfig 通过 HTTP 端点调用的工具
type HTTPToolConfig struct {
	Name        string                 `mapstructure:"name"`
	Description string                 `mapstructure:"description"`
	URL         string                 `mapstructure:"url"`
	Method      string                 `mapstructure:"method"`
	Timeout     string                 `mapstructure:"timeout"`
	Headers     map[string]string      `mapstructure:"headers"`
	Parameters  map[string]ParamConfig `mapstructure:"parameters"`
	Disabled    bool                   `mapstructure:"disabled"`
}

// ParamConfig 工具参数声明
type ParamConfig struct {
	Type        string   `mapstructure:"type"`
	Description string   `mapstructure:"description"`
	Enum        []string `mapstructure:"enum"`
	Required    bool     `mapstructure:"required"`
}

// MCPServerConfig MCP Server 配置，启动时发现其工具并注册
type MCPServerConfig struct {
	Name    string `mapstructure:"name"`
	URL     string `mapstructure:"url"`
	Timeout string `mapstructure:"timeout"`
}

// SecretsConfig Secret 存储配置
type SecretsConfig struct {
	Provider string      `mapstructure:"provider"` // env | vault | memory
	Vault    VaultConfig `mapstructure:"vault"`
}

// VaultConfig Vault 配置
type VaultConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
	Protocol       string `mapstructure:"protocol"` // http | grpc
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// RateLimitsConfig 限流配置
type RateLimitsConfig struct {
	LLM map[string]LLMRateLimitConfig `mapstructure:"llm"`
}

// LLMRateLimitConfig 单个 LLM Provider 的限流配置
type LLMRateLimitConfig struct {
	TokensPerMinute   int     `mapstructure:"tokens_per_minute"`
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
	MaxConcurrent     int     `mapstructure:"max_concurrent"`
}

// setDefaults 注册默认值；AutomaticEnv 只对已知 key 生效，因此默认值也决定了哪些环境变量可覆盖
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 3001)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.cors.enable", true)
	v.SetDefault("api.cors.allow_origins", []string{"http://localhost:3000"})
	v.SetDefault("api.middleware.auth", false)
	v.SetDefault("api.middleware.jwt_key", "${SUPABASE_JWT_SECRET}")
	v.SetDefault("api.middleware.jwt_timeout", "1h")
	v.SetDefault("api.middleware.jwt_max_refresh", "1h")
	v.SetDefault("api.grpc.enable", false)
	v.SetDefault("api.grpc.port", 3002)

	v.SetDefault("agent.max_prompt_length", 4000)
	v.SetDefault("agent.session_ttl", "1h")
	v.SetDefault("agent.max_tool_calls", 8)
	v.SetDefault("agent.turn_timeout", "5m")
	v.SetDefault("agent.persist_timeout", "10s")
	v.SetDefault("agent.reasoning_effort", "low")
	v.SetDefault("agent.fallback_prompt", "Hello! How can I help you today?")

	v.SetDefault("model.gateway", "openai")
	v.SetDefault("model.probe_on_startup", false)
	v.SetDefault("model.defaults.llm", "openai.o3")
	v.SetDefault("model.defaults.fallback", "openai.gpt4_turbo")
	v.SetDefault("model.llm.providers", map[string]any{
		"openai": map[string]any{
			"api_key":  "${OPENAI_API_KEY}",
			"base_url": "https://api.openai.com/v1",
			"models": map[string]any{
				"o3":         map[string]any{"name": "o3", "reasoning": true},
				"gpt4_turbo": map[string]any{"name": "gpt-4-turbo-preview", "temperature": 0.7},
			},
		},
	})

	v.SetDefault("storage.conversation.type", "memory")
	v.SetDefault("storage.conversation.pool_size", 10)
	v.SetDefault("storage.cache.type", "memory")
	v.SetDefault("storage.cache.addr", "localhost:6379")
	v.SetDefault("storage.cache.prefix", "chatmcp:")

	v.SetDefault("tools.timeout", "10s")
	v.SetDefault("tools.builtin", true)

	v.SetDefault("secrets.provider", "env")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("monitoring.prometheus.enable", true)
	v.SetDefault("monitoring.tracing.service_name", "chatmcp-orchestrator")
	v.SetDefault("monitoring.tracing.export_endpoint", "localhost:4318")
	v.SetDefault("monitoring.tracing.insecure", true)
	v.SetDefault("monitoring.tracing.protocol", "http")
}

// LoadConfig 加载配置文件；configPath 为空或文件不存在时仅使用默认值与环境变量
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("无法读取配置文件: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("无法读取配置文件: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml，可由 CHATMCP_CONFIG 覆盖路径）
func LoadAPIConfig() (*Config, error) {
	path := "configs/api.yaml"
	if p := os.Getenv("CHATMCP_CONFIG"); p != "" {
		path = p
	}
	return LoadConfig(path)
}

// replaceEnvVars 替换配置中形如 ${VAR} 的环境变量引用
func replaceEnvVars(config *Config) {
	for provider, providerConfig := range config.Model.LLM.Providers {
		providerConfig.APIKey = expandEnv(providerConfig.APIKey)
		providerConfig.BaseURL = expandEnv(providerConfig.BaseURL)
		config.Model.LLM.Providers[provider] = providerConfig
	}
	config.API.Middleware.JWTKey = expandEnv(config.API.Middleware.JWTKey)
	config.Storage.Conversation.DSN = expandEnv(config.Storage.Conversation.DSN)
	config.Storage.Cache.Addr = expandEnv(config.Storage.Cache.Addr)
	config.Storage.Cache.Password = expandEnv(config.Storage.Cache.Password)
	config.Secrets.Vault.Token = expandEnv(config.Secrets.Vault.Token)
	for i := range config.Tools.HTTP {
		config.Tools.HTTP[i].URL = expandEnv(config.Tools.HTTP[i].URL)
		for k, h := range config.Tools.HTTP[i].Headers {
			config.Tools.HTTP[i].Headers[k] = expandEnv(h)
		}
	}
	for i := range config.Tools.MCPServers {
		config.Tools.MCPServers[i].URL = expandEnv(config.Tools.MCPServers[i].URL)
	}
}

// expandEnv 仅处理整段 ${VAR} 形式；变量未设置时得到空串
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}"))
	}
	return s
}

// Duration 解析时长字符串，为空或非法时返回 def
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
