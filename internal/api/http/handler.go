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

package http

import (
	"bytes"
	"context"
	"iter"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/thegarrettscott/chatmcp/internal/agent"
	"github.com/thegarrettscott/chatmcp/internal/storage/conversation"
	"github.com/thegarrettscott/chatmcp/internal/tool"
	"github.com/thegarrettscott/chatmcp/pkg/auth"
	"github.com/thegarrettscott/chatmcp/pkg/errors"
	"github.com/thegarrettscott/chatmcp/pkg/log"
	"github.com/thegarrettscott/chatmcp/pkg/metrics"
)

// ServiceName 健康检查返回的服务名
const ServiceName = "chatmcp-orchestrator"

// TurnService 单轮对话：agent.Coordinator 实现
type TurnService interface {
	Start(ctx context.Context, userID, prompt, conversationID string) (*agent.StartResult, error)
	Stream(ctx context.Context, userID, turnID string) iter.Seq[agent.TurnEvent]
	Model() string
}

// ToolRegistry 工具管理：registry.Registry 实现
type ToolRegistry interface {
	List() []tool.Descriptor
	Toggle(name string) (bool, error)
	Deregister(name string) bool
}

// MCPConnector 连接 MCP Server 并注册其工具
type MCPConnector func(ctx context.Context, url string) ([]string, error)

// Handler HTTP 处理器
type Handler struct {
	turns  TurnService
	convs  conversation.Store
	tools  ToolRegistry
	mcp    MCPConnector
	logger *log.Logger
}

// NewHandler 创建 HTTP 处理器
func NewHandler(turns TurnService, convs conversation.Store, tools ToolRegistry, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return &Handler{turns: turns, convs: convs, tools: tools, logger: logger}
}

// SetMCPConnector 设置 MCP 连接器；未设置时 POST /api/tools/mcp 返回 503
func (h *Handler) SetMCPConnector(fn MCPConnector) {
	h.mcp = fn
}

// writeError 按哨兵错误映射状态码
func (h *Handler) writeError(c *app.RequestContext, err error) {
	switch {
	case errors.Is(err, errors.ErrInvalidArg):
		c.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, errors.ErrNotFound):
		c.JSON(consts.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, errors.ErrUnavailable):
		c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("请求处理失败", "path", string(c.Path()), "error", err)
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func badRequest(c *app.RequestContext, msg string) {
	c.JSON(consts.StatusBadRequest, map[string]string{"error": msg})
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	model := ""
	if h.turns != nil {
		model = h.turns.Model()
	}
	c.JSON(consts.StatusOK, map[string]string{
		"status":  "ok",
		"service": ServiceName,
		"model":   model,
	})
}

// Metrics Prometheus 文本格式
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		h.writeError(c, err)
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

type startRequest struct {
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversationId"`
}

// StartTurn POST /api/agent
func (h *Handler) StartTurn(ctx context.Context, c *app.RequestContext) {
	var req startRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	res, err := h.turns.Start(ctx, auth.GetUserID(ctx), req.Prompt, req.ConversationID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]string{
		"turnId":         res.TurnID,
		"conversationId": res.ConversationID,
		"streamId":       res.TurnID,
	})
}

// ListConversations GET /api/conversations
func (h *Handler) ListConversations(ctx context.Context, c *app.RequestContext) {
	list, err := h.convs.List(ctx, auth.GetUserID(ctx))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if list == nil {
		list = []*conversation.Conversation{}
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"conversations": list})
}

type conversationRequest struct {
	Title string `json:"title"`
}

// CreateConversation POST /api/conversations
func (h *Handler) CreateConversation(ctx context.Context, c *app.RequestContext) {
	var req conversationRequest
	if len(c.Request.Body()) > 0 {
		if err := c.BindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	conv, err := h.convs.Create(ctx, auth.GetUserID(ctx), strings.TrimSpace(req.Title))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusCreated, conv)
}

// GetConversation GET /api/conversations/:id
func (h *Handler) GetConversation(ctx context.Context, c *app.RequestContext) {
	conv, err := h.convs.Get(ctx, c.Param("id"), auth.GetUserID(ctx))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, conv)
}

// UpdateConversation PATCH /api/conversations/:id
func (h *Handler) UpdateConversation(ctx context.Context, c *app.RequestContext) {
	var req conversationRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		badRequest(c, "title is required")
		return
	}
	conv, err := h.convs.UpdateTitle(ctx, c.Param("id"), auth.GetUserID(ctx), title)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, conv)
}

// DeleteConversation DELETE /api/conversations/:id
func (h *Handler) DeleteConversation(ctx context.Context, c *app.RequestContext) {
	if err := h.convs.Delete(ctx, c.Param("id"), auth.GetUserID(ctx)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]bool{"success": true})
}

// ListMessages GET /api/conversations/:id/messages
func (h *Handler) ListMessages(ctx context.Context, c *app.RequestContext) {
	msgs, err := h.convs.Messages(ctx, c.Param("id"), auth.GetUserID(ctx))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []*conversation.Message{}
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"messages": msgs})
}

// ListTools GET /api/tools
func (h *Handler) ListTools(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]interface{}{"tools": h.tools.List()})
}

// ToggleTool POST /api/tools/:name/toggle
func (h *Handler) ToggleTool(ctx context.Context, c *app.RequestContext) {
	name := c.Param("name")
	enabled, err := h.tools.Toggle(name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("工具状态已切换", "tool", name, "enabled", enabled)
	c.JSON(consts.StatusOK, map[string]interface{}{"name": name, "enabled": enabled})
}

// DeleteTool DELETE /api/tools/:name
func (h *Handler) DeleteTool(ctx context.Context, c *app.RequestContext) {
	name := c.Param("name")
	if !h.tools.Deregister(name) {
		c.JSON(consts.StatusNotFound, map[string]string{"error": "tool " + name + ": not found"})
		return
	}
	c.JSON(consts.StatusOK, map[string]bool{"success": true})
}

type mcpRequest struct {
	URL string `json:"url"`
}

// ConnectMCP POST /api/tools/mcp
func (h *Handler) ConnectMCP(ctx context.Context, c *app.RequestContext) {
	if h.mcp == nil {
		c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "mcp discovery is not configured"})
		return
	}
	var req mcpRequest
	if err := c.BindJSON(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		badRequest(c, "url is required")
		return
	}
	names, err := h.mcp(ctx, strings.TrimSpace(req.URL))
	if err != nil && len(names) == 0 {
		if errors.Is(err, errors.ErrInvalidArg) {
			h.writeError(c, err)
			return
		}
		h.logger.Warn("MCP 工具发现失败", "url", req.URL, "error", err)
		c.JSON(consts.StatusBadGateway, map[string]string{"error": "mcp discovery failed: " + err.Error()})
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"tools": names})
}
