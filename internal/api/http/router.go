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
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/middlewares/server/recovery"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/hertz-contrib/jwt"

	"github.com/thegarrettscott/chatmcp/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
	jwt        *jwt.HertzJWTMiddleware
	cors       bool
}

// NewRouter 创建新的 HTTP 路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw}
}

// SetJWT 启用 JWT 鉴权；未设置时所有请求以 anonymous 身份处理
func (r *Router) SetJWT(m *jwt.HertzJWTMiddleware) {
	r.jwt = m
}

// SetCORS 启用 CORS 中间件
func (r *Router) SetCORS(enable bool) {
	r.cors = enable
}

// Build 创建 Hertz 实例并注册路由，addr 如 ":3001"。
// 开启断连感知：客户端断开时取消请求 ctx，正在等待模型或工具的 Turn 随之停止
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	base := []config.Option{
		server.WithHostPorts(addr),
		server.WithSenseClientDisconnection(true),
	}
	h := server.New(append(base, opts...)...)
	h.Use(recovery.Recovery(), r.middleware.Logger())
	if r.cors {
		h.Use(r.middleware.CORS())
	}
	r.setupRoutes(h)
	return h
}

// setupRoutes 设置路由
func (r *Router) setupRoutes(h *server.Hertz) {
	h.GET("/metrics", r.handler.Metrics)

	api := h.Group("/api")
	api.GET("/health", r.handler.HealthCheck)

	authed := api.Group("", r.authChain()...)

	turns := authed.Group("/agent")
	{
		turns.POST("", r.handler.StartTurn)
		turns.GET("/stream/:id", r.handler.StreamTurn)
	}

	conversations := authed.Group("/conversations")
	{
		conversations.GET("", r.handler.ListConversations)
		conversations.POST("", r.handler.CreateConversation)
		conversations.GET("/:id", r.handler.GetConversation)
		conversations.PATCH("/:id", r.handler.UpdateConversation)
		conversations.DELETE("/:id", r.handler.DeleteConversation)
		conversations.GET("/:id/messages", r.handler.ListMessages)
	}

	tools := authed.Group("/tools")
	{
		tools.GET("", r.handler.ListTools)
		tools.POST("/mcp", r.handler.ConnectMCP)
		tools.POST("/:name/toggle", r.handler.ToggleTool)
		tools.DELETE("/:name", r.handler.DeleteTool)
	}
}

func (r *Router) authChain() []app.HandlerFunc {
	if r.jwt == nil {
		return []app.HandlerFunc{middleware.Anonymous()}
	}
	return []app.HandlerFunc{r.jwt.MiddlewareFunc(), middleware.Identity()}
}
