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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Client 单个 MCP Server 的客户端；首次使用时建立会话，连接失败下次调用会重试
type Client struct {
	name      string
	impl      *mcpsdk.Client
	transport func() mcpsdk.Transport

	mu      sync.Mutex
	session *mcpsdk.ClientSession
}

// NewClient 使用给定的 transport 工厂创建客户端
func NewClient(name string, transport func() mcpsdk.Transport) *Client {
	return &Client{
		name:      name,
		impl:      mcpsdk.NewClient(&mcpsdk.Implementation{Name: "chatmcp-orchestrator", Version: "1.0.0"}, nil),
		transport: transport,
	}
}

// NewHTTPClient 通过 Streamable HTTP 连接 MCP Server
func NewHTTPClient(name, endpoint string) *Client {
	return NewClient(name, func() mcpsdk.Transport {
		return &mcpsdk.StreamableClientTransport{Endpoint: endpoint}
	})
}

// Name MCP Server 名称
func (c *Client) Name() string { return c.name }

func (c *Client) connect(ctx context.Context) (*mcpsdk.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}
	session, err := c.impl.Connect(ctx, c.transport(), nil)
	if err != nil {
		return nil, fmt.Errorf("connect mcp server %s: %w", c.name, err)
	}
	c.session = session
	return session, nil
}

// reset 丢弃失效会话，下次调用重新连接
func (c *Client) reset(session *mcpsdk.ClientSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == session {
		_ = c.session.Close()
		c.session = nil
	}
}

// ListTools 列出 Server 声明的全部工具
func (c *Client) ListTools(ctx context.Context) ([]*mcpsdk.Tool, error) {
	session, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	var tools []*mcpsdk.Tool
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			c.reset(session)
			return nil, fmt.Errorf("list tools from %s: %w", c.name, err)
		}
		tools = append(tools, t)
	}
	return tools, nil
}

// CallTool 调用工具并将结果转换为结构化值
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	session, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		if ctx.Err() == nil {
			c.reset(session)
		}
		return nil, fmt.Errorf("call %s on %s: %w", name, c.name, err)
	}
	return convertResult(res)
}

// Close 关闭会话
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// convertResult 优先使用 StructuredContent；否则拼接文本内容，文本为 JSON 时解析为结构化值
func convertResult(res *mcpsdk.CallToolResult) (any, error) {
	if res == nil {
		return map[string]any{}, nil
	}
	text := joinText(res.Content)
	if res.IsError {
		if text == "" {
			text = "mcp tool reported an error"
		}
		return nil, errors.New(text)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	var v any
	if text != "" && json.Unmarshal([]byte(text), &v) == nil {
		return v, nil
	}
	if text == "" && len(res.Content) > 0 {
		// 非文本内容（图片、资源）原样保留其 JSON 形式
		raw, err := json.Marshal(res.Content)
		if err != nil {
			return nil, err
		}
		var parts any
		_ = json.Unmarshal(raw, &parts)
		return parts, nil
	}
	return text, nil
}

func joinText(contents []mcpsdk.Content) string {
	var parts []string
	for _, c := range contents {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
