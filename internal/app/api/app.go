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

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"google.golang.org/grpc"

	apigrpc "github.com/thegarrettscott/chatmcp/internal/api/grpc"
	"github.com/thegarrettscott/chatmcp/internal/api/http"
	"github.com/thegarrettscott/chatmcp/internal/api/http/middleware"
	"github.com/thegarrettscott/chatmcp/internal/app"
	"github.com/thegarrettscott/chatmcp/pkg/config"
	"github.com/thegarrettscott/chatmcp/pkg/log"
	"github.com/thegarrettscott/chatmcp/pkg/tracing"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用（装配 HTTP Router、Handler、Middleware 与 gRPC 健康检查）
type App struct {
	bootstrap    *app.Bootstrap
	router       *http.Router
	hertz        *server.Hertz
	health       *apigrpc.Server
	grpcServer   *grpcRun
	otelProvider otelProviderShutdown
	stopWatch    context.CancelFunc
}

// grpcRun 持有 gRPC Server 与 Listener，用于 GracefulStop 时关闭
type grpcRun struct {
	srv *grpc.Server
	lis net.Listener
}

func (g *grpcRun) GracefulStop() {
	if g.srv != nil {
		g.srv.GracefulStop()
	}
	if g.lis != nil {
		_ = g.lis.Close()
	}
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	if bootstrap == nil || bootstrap.Config == nil {
		return nil, fmt.Errorf("bootstrap 未初始化")
	}
	cfg := bootstrap.Config

	handler := http.NewHandler(bootstrap.Coordinator, bootstrap.Conversations, bootstrap.Tools, bootstrap.Logger)
	handler.SetMCPConnector(bootstrap.ConnectMCP)

	mw := middleware.NewMiddleware(cfg.API.CORS.AllowOrigins, bootstrap.Logger)
	router := http.NewRouter(handler, mw)
	router.SetCORS(cfg.API.CORS.Enable)

	if cfg.API.Middleware.Auth {
		timeout := config.Duration(cfg.API.Middleware.JWTTimeout, time.Hour)
		maxRefresh := config.Duration(cfg.API.Middleware.JWTMaxRefresh, time.Hour)
		jwtAuth, err := middleware.NewJWTAuth([]byte(cfg.API.Middleware.JWTKey), timeout, maxRefresh)
		if err != nil {
			// 开启鉴权却无法校验令牌时不能以匿名身份放行
			return nil, fmt.Errorf("JWT 初始化失败: %w", err)
		}
		router.SetJWT(jwtAuth)
		bootstrap.Logger.Info("JWT 认证已启用")
	}

	appObj := &App{
		bootstrap: bootstrap,
		router:    router,
		health: apigrpc.NewServer(map[string]apigrpc.Checker{
			"cache": bootstrap.Cache.Ping,
		}, bootstrap.Logger),
	}
	if cfg.API.Grpc.Enable && cfg.API.Grpc.Port > 0 {
		gs, err := startGRPC(appObj.health, cfg.API.Grpc.Port)
		if err != nil {
			bootstrap.Logger.Warn("gRPC 服务启动失败", "error", err)
		} else {
			appObj.grpcServer = gs
			bootstrap.Logger.Info("gRPC 服务已启动", "port", cfg.API.Grpc.Port)
		}
	}
	return appObj, nil
}

// Run 启动 HTTP 服务，addr 如 ":3001"
func (a *App) Run(addr string) error {
	cfg := a.bootstrap.Config
	a.bootstrap.Logger.Info("API 服务启动", "addr", addr, "model", a.bootstrap.Coordinator.Model())

	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	output := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(cfg.Log.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	a.hertz = a.buildServer(addr)

	watchCtx, cancel := context.WithCancel(context.Background())
	a.stopWatch = cancel
	go a.health.Watch(watchCtx, 30*time.Second)

	return a.hertz.Run()
}

// buildServer 可选启用链路追踪（OpenTelemetry）；grpc 协议走 hertz provider，http 协议走 pkg/tracing
func (a *App) buildServer(addr string) *server.Hertz {
	tc := a.bootstrap.Config.Monitoring.Tracing
	if !tc.Enable {
		return a.router.Build(addr)
	}
	serviceName := tc.ServiceName
	if serviceName == "" {
		serviceName = http.ServiceName
	}
	endpoint := tc.ExportEndpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		return a.router.Build(addr)
	}

	if tc.Protocol == "grpc" {
		opts := []provider.Option{
			provider.WithServiceName(serviceName),
			provider.WithExportEndpoint(endpoint),
		}
		if tc.Insecure {
			opts = append(opts, provider.WithInsecure())
		}
		a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
	} else {
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    serviceName,
			ExportEndpoint: endpoint,
			Insecure:       tc.Insecure,
		})
		if err != nil {
			a.bootstrap.Logger.Warn("链路追踪初始化失败", "error", err)
			return a.router.Build(addr)
		}
		a.otelProvider = tp
	}

	tracerOpt, tcfg := hertztracing.NewServerTracer()
	h := a.router.Build(addr, tracerOpt)
	h.Use(hertztracing.ServerMiddleware(tcfg))
	a.bootstrap.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", endpoint, "protocol", tc.Protocol)
	return h
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	if a.stopWatch != nil {
		a.stopWatch()
	}
	a.health.Shutdown()
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	var err error
	if a.hertz != nil {
		err = a.hertz.Shutdown(ctx)
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	a.bootstrap.Close()
	return err
}

// startGRPC 创建并启动 gRPC 服务（在 goroutine 中 Serve），返回 grpcRun 以便 Shutdown 时 GracefulStop
func startGRPC(health *apigrpc.Server, port int) (*grpcRun, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	srv := grpc.NewServer()
	health.Register(srv)
	go func() {
		_ = srv.Serve(lis)
	}()
	return &grpcRun{srv: srv, lis: lis}, nil
}
