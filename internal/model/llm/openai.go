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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// OpenAIConfig OpenAI 兼容端点配置
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Reasoning   bool // o 系列推理模型：发送 reasoning_effort，不发送 temperature
	Temperature float64
	MaxTokens   int
}

// OpenAIGateway 直接调用 chat/completions 的网关实现
type OpenAIGateway struct {
	cfg OpenAIConfig
	// client 用于非流式请求（超时 + 重试）；stream 不设置整体超时，由 ctx 控制
	client *resty.Client
	stream *resty.Client
}

// NewOpenAIGateway 创建 OpenAI 网关（base 优先用配置，其次 OPENAI_BASE_URL 环境变量）
func NewOpenAIGateway(cfg OpenAIConfig) *OpenAIGateway {
	if cfg.Model == "" {
		cfg.Model = "o3"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
		if envURL := os.Getenv("OPENAI_BASE_URL"); envURL != "" {
			cfg.BaseURL = envURL
		}
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	client := resty.New()
	client.SetTimeout(120 * time.Second)
	client.SetRetryCount(3)
	client.SetRetryWaitTime(1 * time.Second)
	client.SetRetryMaxWaitTime(5 * time.Second)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if r == nil {
			return err != nil && !errors.Is(err, context.Canceled)
		}
		return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
	})

	return &OpenAIGateway{cfg: cfg, client: client, stream: resty.New()}
}

// Model 实现 Gateway
func (g *OpenAIGateway) Model() string { return g.cfg.Model }

// wireMessage chat/completions 的消息格式
type wireMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"`
}

// buildBody 构造请求体
func (g *OpenAIGateway) buildBody(req Request, stream bool, toolChoice string) map[string]any {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{Role: string(m.Role), ToolCallID: m.ToolCallID}
		content := m.Content
		if m.Role != RoleAssistant || content != "" || len(m.ToolCalls) == 0 {
			wm.Content = &content
		}
		for _, c := range m.ToolCalls {
			var wc wireToolCall
			wc.ID = c.ID
			wc.Type = "function"
			wc.Function.Name = c.Name
			wc.Function.Arguments = c.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wc)
		}
		msgs = append(msgs, wm)
	}

	body := map[string]any{
		"model":    g.cfg.Model,
		"messages": msgs,
	}
	if stream {
		body["stream"] = true
	}
	if len(req.Tools) > 0 {
		tools := make([]wireTool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, wireTool{Type: "function", Function: wireToolFunction{
				Name: t.Name, Description: t.Description, Parameters: t.Parameters,
			}})
		}
		body["tools"] = tools
		if toolChoice != "" {
			body["tool_choice"] = toolChoice
		}
	}
	if g.cfg.Reasoning {
		if req.ReasoningEffort != "" {
			body["reasoning_effort"] = req.ReasoningEffort
		}
		if g.cfg.MaxTokens > 0 {
			body["max_completion_tokens"] = g.cfg.MaxTokens
		}
	} else {
		if g.cfg.Temperature > 0 {
			body["temperature"] = g.cfg.Temperature
		}
		if g.cfg.MaxTokens > 0 {
			body["max_tokens"] = g.cfg.MaxTokens
		}
	}
	return body
}

func (g *OpenAIGateway) request(ctx context.Context, c *resty.Client) *resty.Request {
	return c.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+g.cfg.APIKey)
}

// Completion 实现 Gateway；携带工具目录但禁止调用工具，保证返回文本
func (g *OpenAIGateway) Completion(ctx context.Context, req Request) (string, error) {
	resp, err := g.request(ctx, g.client).
		SetBody(g.buildBody(req, false, "none")).
		Post(g.cfg.BaseURL + "/chat/completions")
	if err != nil {
		return "", &GatewayError{Op: "completion", Model: g.cfg.Model, Message: "调用 OpenAI API 失败", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return "", &GatewayError{Op: "completion", Model: g.cfg.Model, Status: resp.StatusCode(), Message: vendorMessage(resp.Body())}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return "", &GatewayError{Op: "completion", Model: g.cfg.Model, Message: "解析 OpenAI 响应失败", Err: err}
	}
	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return "", &GatewayError{Op: "completion", Model: g.cfg.Model, Message: "OpenAI API 没有返回结果"}
	}
	return result.Choices[0].Message.Content, nil
}

// StreamCompletion 实现 Gateway
func (g *OpenAIGateway) StreamCompletion(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return g.streamOp(ctx, "stream", req)
}

// ContinueWithToolOutput 实现 Gateway
func (g *OpenAIGateway) ContinueWithToolOutput(ctx context.Context, prior Request, call ToolCall, output string) iter.Seq2[Event, error] {
	return g.streamOp(ctx, "continue", WithToolOutput(prior, call, output))
}

func (g *OpenAIGateway) streamOp(ctx context.Context, op string, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		resp, err := g.request(ctx, g.stream).
			SetHeader("Accept", "text/event-stream").
			SetDoNotParseResponse(true).
			SetBody(g.buildBody(req, true, "")).
			Post(g.cfg.BaseURL + "/chat/completions")
		if err != nil {
			yield(Event{}, &GatewayError{Op: op, Model: g.cfg.Model, Message: "调用 OpenAI API 失败", Err: err})
			return
		}
		body := resp.RawBody()
		defer body.Close()

		if resp.StatusCode() != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(body, 64<<10))
			yield(Event{}, &GatewayError{Op: op, Model: g.cfg.Model, Status: resp.StatusCode(), Message: vendorMessage(data)})
			return
		}

		for ev, err := range parseSSE(body) {
			if err != nil {
				var ge *GatewayError
				if !errors.As(err, &ge) {
					err = &GatewayError{Op: op, Model: g.cfg.Model, Message: "读取流式响应失败", Err: err}
				} else {
					ge.Op, ge.Model = op, g.cfg.Model
				}
				yield(Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// streamChunk 流式响应中的单个 data 帧
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// toolAccumulator 按 index 拼接分片到达的工具调用
type toolAccumulator struct {
	calls map[int]*ToolCall
}

func (a *toolAccumulator) add(parts []wireToolCall) {
	for pos, p := range parts {
		a.addPart(p.Index, pos, p.ID, p.Function.Name, p.Function.Arguments)
	}
}

// addPart 合并一个分片；缺少 index 时按分片在帧内的位置归并
func (a *toolAccumulator) addPart(index *int, pos int, id, name, args string) {
	if a.calls == nil {
		a.calls = make(map[int]*ToolCall)
	}
	idx := pos
	if index != nil {
		idx = *index
	}
	c, ok := a.calls[idx]
	if !ok {
		c = &ToolCall{}
		a.calls[idx] = c
	}
	if id != "" {
		c.ID = id
	}
	c.Name += name
	c.Arguments += args
}

// drain 按 index 顺序取出已完成的调用并清空
func (a *toolAccumulator) drain() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	keys := make([]int, 0, len(a.calls))
	for k := range a.calls {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]ToolCall, 0, len(keys))
	for _, k := range keys {
		c := a.calls[k]
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_%d", k)
		}
		out = append(out, *c)
	}
	a.calls = nil
	return out
}

// parseSSE 将 chat/completions 流式响应归一化为 Event 序列
func parseSSE(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		var acc toolAccumulator

		flushCalls := func() bool {
			for _, c := range acc.drain() {
				if !yield(ToolCallRequested(c), nil) {
					return false
				}
			}
			return true
		}

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 || !bytes.HasPrefix(line, []byte("data:")) {
				continue
			}
			data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
			if string(data) == "[DONE]" {
				if flushCalls() {
					yield(Done(), nil)
				}
				return
			}
			var chunk streamChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				yield(Event{}, fmt.Errorf("decode stream chunk: %w", err))
				return
			}
			if chunk.Error != nil {
				yield(Event{}, &GatewayError{Message: chunk.Error.Message})
				return
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					if !yield(TextDelta(choice.Delta.Content), nil) {
						return
					}
				}
				if len(choice.Delta.ToolCalls) > 0 {
					acc.add(choice.Delta.ToolCalls)
				}
				if choice.FinishReason != "" && !flushCalls() {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Event{}, err)
			return
		}
		// 未收到 [DONE] 即断开
		yield(Event{}, io.ErrUnexpectedEOF)
	}
}

// ListModels 列出可用模型，仅用于启动时的一次性探测
func (g *OpenAIGateway) ListModels(ctx context.Context) ([]string, error) {
	resp, err := g.request(ctx, g.client).Get(g.cfg.BaseURL + "/models")
	if err != nil {
		return nil, &GatewayError{Op: "models", Model: g.cfg.Model, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &GatewayError{Op: "models", Model: g.cfg.Model, Status: resp.StatusCode(), Message: vendorMessage(resp.Body())}
	}
	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, &GatewayError{Op: "models", Model: g.cfg.Model, Err: err}
	}
	ids := make([]string, 0, len(result.Data))
	for _, m := range result.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// vendorMessage 提取厂商错误文本
func vendorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}
