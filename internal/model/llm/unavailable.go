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
	"iter"
)

// UnavailableGateway 未配置凭据时使用；所有调用都返回 GatewayError
type UnavailableGateway struct {
	model  string
	reason string
}

// NewUnavailableGateway 创建不可用网关
func NewUnavailableGateway(model, reason string) *UnavailableGateway {
	return &UnavailableGateway{model: model, reason: reason}
}

func (g *UnavailableGateway) err(op string) error {
	return &GatewayError{Op: op, Model: g.model, Message: g.reason}
}

// Model 实现 Gateway
func (g *UnavailableGateway) Model() string { return g.model }

// Completion 实现 Gateway
func (g *UnavailableGateway) Completion(context.Context, Request) (string, error) {
	return "", g.err("completion")
}

// StreamCompletion 实现 Gateway
func (g *UnavailableGateway) StreamCompletion(context.Context, Request) iter.Seq2[Event, error] {
	return failed(g.err("stream"))
}

// ContinueWithToolOutput 实现 Gateway
func (g *UnavailableGateway) ContinueWithToolOutput(context.Context, Request, ToolCall, string) iter.Seq2[Event, error] {
	return failed(g.err("continue"))
}
