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

package llm

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/thegarrettscott/chatmcp/pkg/config"
	"github.com/thegarrettscott/chatmcp/pkg/log"
)

const (
	// GatewayOpenAI 直连 chat/completions
	GatewayOpenAI = "openai"
	// GatewayEino 经由 eino-ext openai 组件
	GatewayEino = "eino"

	probeTimeout = 10 * time.Second
)

// ModelLister 列出端点可用模型，启动探测使用
type ModelLister func(ctx context.Context, cfg OpenAIConfig) ([]string, error)

// Selection 模型选择结果
type Selection struct {
	Provider     string
	Config       OpenAIConfig
	UsedFallback bool
	Available    bool // 是否配置了凭据
}

// Choose 依据配置选择模型；probe 为 nil 时不探测。结果在进程生命周期内不变
func Choose(ctx context.Context, cfg *config.ModelConfig, probe ModelLister, logger *log.Logger) (Selection, error) {
	if logger == nil {
		logger = log.Nop()
	}
	provider, primary, err := resolveModel(cfg, cfg.Defaults.LLM)
	if err != nil {
		return Selection{}, err
	}
	sel := Selection{Provider: provider, Config: primary, Available: primary.APIKey != ""}
	if !sel.Available || probe == nil || cfg.Defaults.Fallback == "" {
		return sel, nil
	}
	_, fallback, err := resolveModel(cfg, cfg.Defaults.Fallback)
	if err != nil {
		return Selection{}, err
	}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	ids, err := probe(pctx, primary)
	if err != nil {
		// 探测失败不代表模型不可用，保留主模型
		logger.Warn("模型探测失败，使用主模型", "model", primary.Model, "error", err)
		return sel, nil
	}
	if slices.Contains(ids, primary.Model) {
		return sel, nil
	}
	logger.Warn("主模型不可用，切换到备用模型", "model", primary.Model, "fallback", fallback.Model)
	sel.Config = fallback
	sel.UsedFallback = true
	return sel, nil
}

// ProbeOpenAI 使用 /models 接口探测
func ProbeOpenAI(ctx context.Context, cfg OpenAIConfig) ([]string, error) {
	return NewOpenAIGateway(cfg).ListModels(ctx)
}

// NewGateway 按配置构建完整的网关链：binding -> 限流 -> 指标
func NewGateway(ctx context.Context, cfg *config.Config, logger *log.Logger) (Gateway, error) {
	if logger == nil {
		logger = log.Nop()
	}
	var probe ModelLister
	if cfg.Model.ProbeOnStartup {
		probe = ProbeOpenAI
	}
	sel, err := Choose(ctx, &cfg.Model, probe, logger)
	if err != nil {
		return nil, err
	}

	var gw Gateway
	switch {
	case !sel.Available:
		logger.Warn("未配置模型凭据，模型调用将全部失败", "provider", sel.Provider)
		gw = NewUnavailableGateway(sel.Config.Model, "no API key configured for provider "+sel.Provider)
	case cfg.Model.Gateway == GatewayEino:
		eg, err := NewEinoOpenAIGateway(ctx, sel.Config)
		if err != nil {
			return nil, err
		}
		gw = eg
	case cfg.Model.Gateway == "" || cfg.Model.Gateway == GatewayOpenAI:
		gw = NewOpenAIGateway(sel.Config)
	default:
		return nil, fmt.Errorf("不支持的 model.gateway: %q", cfg.Model.Gateway)
	}

	if rl, ok := cfg.RateLimits.LLM[sel.Provider]; ok && sel.Available {
		limiter := NewRateLimiter(map[string]config.LLMRateLimitConfig{sel.Provider: rl}, rl)
		gw = NewRateLimitedGateway(gw, limiter, sel.Provider)
	}
	logger.Info("模型网关就绪", "model", gw.Model(), "gateway", cfg.Model.Gateway, "fallback", sel.UsedFallback)
	return NewInstrumentedGateway(gw), nil
}

// resolveModel 解析 provider.model_key 为端点配置
func resolveModel(cfg *config.ModelConfig, key string) (string, OpenAIConfig, error) {
	provider, modelKey, err := parseDefaultKey(key)
	if err != nil {
		return "", OpenAIConfig{}, err
	}
	pc, ok := cfg.LLM.Providers[provider]
	if !ok {
		return "", OpenAIConfig{}, fmt.Errorf("LLM provider %q not configured", provider)
	}
	mi, ok := pc.Models[modelKey]
	if !ok {
		return "", OpenAIConfig{}, fmt.Errorf("LLM model %q not configured in provider %q", modelKey, provider)
	}
	name := mi.Name
	if name == "" {
		name = modelKey
	}
	return provider, OpenAIConfig{
		APIKey:      pc.APIKey,
		BaseURL:     pc.BaseURL,
		Model:       name,
		Reasoning:   mi.Reasoning,
		Temperature: mi.Temperature,
		MaxTokens:   mi.MaxTokens,
	}, nil
}

func parseDefaultKey(key string) (provider, modelKey string, err error) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("default key 格式应为 provider.model_key，如 openai.o3，当前: %q", key)
	}
	return parts[0], parts[1], nil
}
