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

// Package grpc 提供 gRPC 健康检查服务（grpc.health.v1），与 HTTP /api/health 对齐。
package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/thegarrettscott/chatmcp/pkg/log"
)

// ServiceName 对外的服务名，与 HTTP 健康检查一致
const ServiceName = "chatmcp-orchestrator"

// Checker 依赖探测，如缓存 Ping
type Checker func(ctx context.Context) error

// Server gRPC 服务端，持有 health.Server 与依赖探测
type Server struct {
	health *health.Server
	checks map[string]Checker
	logger *log.Logger
}

// NewServer 创建健康检查服务；checks 为 nil 时始终 SERVING
func NewServer(checks map[string]Checker, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Server{health: health.NewServer(), checks: checks, logger: logger}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Register 注册 Health 服务到 grpc.Server
func (s *Server) Register(grpcServer *grpc.Server) {
	healthpb.RegisterHealthServer(grpcServer, s.health)
}

// Check 实现 Health.Check，供测试与进程内调用
func (s *Server) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	return s.health.Check(ctx, req)
}

// Refresh 执行一次全部探测并更新状态；任一依赖失败时服务标记为 NOT_SERVING
func (s *Server) Refresh(ctx context.Context) {
	overall := healthpb.HealthCheckResponse_SERVING
	for name, check := range s.checks {
		st := healthpb.HealthCheckResponse_SERVING
		if err := check(ctx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			overall = st
			s.logger.Warn("依赖探测失败", "dependency", name, "error", err)
		}
		s.health.SetServingStatus(name, st)
	}
	s.health.SetServingStatus("", overall)
	s.health.SetServingStatus(ServiceName, overall)
}

// Watch 按 interval 周期刷新，直到 ctx 取消
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Refresh(ctx)
		}
	}
}

// Shutdown 将全部服务标记为 NOT_SERVING
func (s *Server) Shutdown() {
	s.health.Shutdown()
}
