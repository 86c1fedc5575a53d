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

package app

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/thegarrettscott/chatmcp/internal/agent"
	"github.com/thegarrettscott/chatmcp/internal/model/llm"
	"github.com/thegarrettscott/chatmcp/internal/runtime/session"
	"github.com/thegarrettscott/chatmcp/internal/storage/cache"
	"github.com/thegarrettscott/chatmcp/internal/storage/conversation"
	"github.com/thegarrettscott/chatmcp/internal/tool/builtin"
	"github.com/thegarrettscott/chatmcp/internal/tool/mcp"
	"github.com/thegarrettscott/chatmcp/internal/tool/registry"
	"github.com/thegarrettscott/chatmcp/pkg/config"
	pkgerrors "github.com/thegarrettscott/chatmcp/pkg/errors"
	"github.com/thegarrettscott/chatmcp/pkg/log"
	"github.com/thegarrettscott/chatmcp/pkg/secrets"
)

// Bootstrap 统一初始化：cmd/api 只负责装配，不在 cmd 内写业务
type Bootstrap struct {
	Config        *config.Config
	Logger        *log.Logger
	Secrets       secrets.Store
	Cache         cache.Store
	Sessions      *session.Store
	Conversations conversation.Store
	Tools         *registry.Registry
	Gateway       llm.Gateway
	Coordinator   *agent.Coordinator

	mu         sync.Mutex
	mcpClients []*mcp.Client
}

// NewBootstrap 根据配置创建 Bootstrap（Secrets/Cache/Session/Conversation/Tools/Model/Coordinator）
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置为空: %w", pkgerrors.ErrInvalidArg)
	}
	logger, err := log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	secretStore, err := secrets.NewStore(secrets.Config{
		Provider: cfg.Secrets.Provider,
		Vault: secrets.VaultConfig{
			Address:    cfg.Secrets.Vault.Address,
			Token:      cfg.Secrets.Vault.Token,
			PathPrefix: cfg.Secrets.Vault.PathPrefix,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 Secret Store 失败: %w", err)
	}
	if err := resolveSecrets(ctx, cfg, secretStore); err != nil {
		return nil, err
	}

	backend, err := cache.NewCache(cfg.Storage.Cache)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存失败: %w", err)
	}
	if err := backend.Ping(ctx); err != nil {
		// Session 后端不可用时 Turn 仍可进行（按缺失处理），这里只记录
		logger.Warn("缓存不可达", "type", cfg.Storage.Cache.Type, "error", err)
	}

	convs, err := conversation.NewStore(ctx, cfg.Storage.Conversation)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("初始化会话存储失败: %w", err)
	}

	b := &Bootstrap{
		Config:        cfg,
		Logger:        logger,
		Secrets:       secretStore,
		Cache:         backend,
		Sessions:      session.NewStore(backend, logger),
		Conversations: convs,
	}

	b.Tools = registry.New(
		registry.WithTimeout(config.Duration(cfg.Tools.Timeout, 10*time.Second)),
		registry.WithLogger(logger),
	)
	if cfg.Tools.Builtin {
		if err := builtin.RegisterLocal(b.Tools); err != nil {
			b.Close()
			return nil, fmt.Errorf("注册内置工具失败: %w", err)
		}
	}
	if err := builtin.RegisterHTTP(b.Tools, cfg.Tools.HTTP); err != nil {
		b.Close()
		return nil, fmt.Errorf("注册 HTTP 工具失败: %w", err)
	}
	for _, s := range cfg.Tools.MCPServers {
		// MCP Server 不可达不影响启动
		if _, err := b.connectMCP(ctx, s.Name, s.URL, config.Duration(s.Timeout, 0)); err != nil {
			logger.Warn("MCP Server 工具发现失败", "server", s.Name, "url", s.URL, "error", err)
		}
	}

	gateway, err := llm.NewGateway(ctx, cfg, logger)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("初始化模型网关失败: %w", err)
	}
	b.Gateway = gateway
	b.Coordinator = agent.New(gateway, b.Tools, b.Sessions, convs,
		agent.WithOptions(agent.OptionsFromConfig(cfg.Agent)),
		agent.WithLogger(logger),
	)
	logger.Info("Bootstrap 完成", "model", gateway.Model(), "tools", len(b.Tools.List()))
	return b, nil
}

// resolveSecrets 解析配置中的 secret:// 引用
func resolveSecrets(ctx context.Context, cfg *config.Config, store secrets.Store) error {
	for name, p := range cfg.Model.LLM.Providers {
		key, err := secrets.Resolve(ctx, store, p.APIKey)
		if err != nil {
			return fmt.Errorf("解析 %s api_key 失败: %w", name, err)
		}
		p.APIKey = key
		cfg.Model.LLM.Providers[name] = p
	}
	key, err := secrets.Resolve(ctx, store, cfg.API.Middleware.JWTKey)
	if err != nil {
		return fmt.Errorf("解析 jwt_key 失败: %w", err)
	}
	cfg.API.Middleware.JWTKey = key
	dsn, err := secrets.Resolve(ctx, store, cfg.Storage.Conversation.DSN)
	if err != nil {
		return fmt.Errorf("解析 storage.conversation.dsn 失败: %w", err)
	}
	cfg.Storage.Conversation.DSN = dsn
	return nil
}

// ConnectMCP 连接 MCP Server 并注册其工具，返回注册的工具名；server 名取 URL 的 host
func (b *Bootstrap) ConnectMCP(ctx context.Context, endpoint string) ([]string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid MCP server url %q: %w", endpoint, pkgerrors.ErrInvalidArg)
	}
	return b.connectMCP(ctx, u.Host, endpoint, 0)
}

func (b *Bootstrap) connectMCP(ctx context.Context, name, endpoint string, timeout time.Duration) ([]string, error) {
	client := mcp.NewHTTPClient(name, endpoint)
	names, err := mcp.Discover(ctx, b.Tools, client, timeout)
	if err != nil && len(names) == 0 {
		_ = client.Close()
		return nil, err
	}
	b.mu.Lock()
	b.mcpClients = append(b.mcpClients, client)
	b.mu.Unlock()
	b.Logger.Info("MCP Server 已连接", "server", name, "tools", len(names))
	return names, err
}

// Close 释放外部连接
func (b *Bootstrap) Close() {
	b.mu.Lock()
	clients := b.mcpClients
	b.mcpClients = nil
	b.mu.Unlock()
	for _, c := range clients {
		_ = c.Close()
	}
	if b.Conversations != nil {
		_ = b.Conversations.Close()
	}
	if b.Cache != nil {
		_ = b.Cache.Close()
	}
}
