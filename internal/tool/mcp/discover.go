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

package mcp

import (
	"context"
	"time"

	"github.com/thegarrettscott/chatmcp/internal/tool"
	"github.com/thegarrettscott/chatmcp/internal/tool/registry"
)

// Target 指向 MCP Server 上某个工具的调用目标
type Target struct {
	client *Client
	tool   string
}

// NewTarget 创建 MCP 工具目标
func NewTarget(client *Client, toolName string) *Target {
	return &Target{client: client, tool: toolName}
}

// Invoke 实现 tool.Target
func (t *Target) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return t.client.CallTool(ctx, t.tool, args)
}

// Discover 列出 Server 的工具并逐个注册，返回注册的工具名
func Discover(ctx context.Context, reg *registry.Registry, client *Client, timeout time.Duration) ([]string, error) {
	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if t == nil || t.Name == "" {
			continue
		}
		schema, err := tool.SchemaFromJSON(t.InputSchema)
		if err != nil {
			schema = tool.ObjectSchema(nil)
		}
		opts := []registry.RegisterOption{registry.WithSource(tool.SourceMCP)}
		if timeout > 0 {
			opts = append(opts, registry.WithToolTimeout(timeout))
		}
		if err := reg.Register(t.Name, t.Description, NewTarget(client, t.Name), schema, opts...); err != nil {
			return names, err
		}
		names = append(names, t.Name)
	}
	return names, nil
}
