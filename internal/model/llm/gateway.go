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
	"iter"

	"github.com/thegarrettscott/chatmcp/internal/tool"
)

// Role 消息角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 发往模型的对话消息
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`  // assistant 发起的工具调用
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool 消息对应的调用
}

// ToolCall 模型请求的一次工具调用，Arguments 为原始参数文本
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition 向模型声明的工具
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  tool.Schema `json:"parameters"`
}

// Request 一次模型调用的输入
type Request struct {
	Messages        []Message
	Tools           []ToolDefinition
	ReasoningEffort string // low | medium | high；不支持的实现忽略
}

// EventKind ModelEvent 标签
type EventKind int

const (
	EventTextDelta EventKind = iota + 1
	EventToolCall
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventTextDelta:
		return "text_delta"
	case EventToolCall:
		return "tool_call"
	case EventDone:
		return "done"
	}
	return "unknown"
}

// Event 模型输出单元：TextDelta(text) | ToolCallRequested(call) | Done
type Event struct {
	Kind     EventKind
	Text     string
	ToolCall *ToolCall
}

// TextDelta 构造文本增量事件
func TextDelta(text string) Event { return Event{Kind: EventTextDelta, Text: text} }

// ToolCallRequested 构造工具调用事件
func ToolCallRequested(call ToolCall) Event { return Event{Kind: EventToolCall, ToolCall: &call} }

// Done 构造结束事件
func Done() Event { return Event{Kind: EventDone} }

// Gateway 模型网关：屏蔽具体厂商的流式格式，统一输出 Event
type Gateway interface {
	// StreamCompletion 流式生成；序列以 Done 结束，出错时最后一项携带 error
	StreamCompletion(ctx context.Context, req Request) iter.Seq2[Event, error]
	// Completion 非流式生成完整文本，可在流式失败后安全调用
	Completion(ctx context.Context, req Request) (string, error)
	// ContinueWithToolOutput 将工具输出作为 tool 消息追加到上下文并继续生成
	ContinueWithToolOutput(ctx context.Context, prior Request, call ToolCall, output string) iter.Seq2[Event, error]
	// Model 当前使用的模型名
	Model() string
}

// GatewayError 携带厂商错误文本的网关错误
type GatewayError struct {
	Op      string // stream | completion | continue | models
	Model   string
	Status  int // HTTP 状态码，传输层错误为 0
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("model %s %s failed (status %d): %s", e.Model, e.Op, e.Status, msg)
	}
	return fmt.Sprintf("model %s %s failed: %s", e.Model, e.Op, msg)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// WithToolOutput 返回追加了工具输出的新请求；若上下文末尾尚无该调用的 assistant 消息则先补上
func WithToolOutput(prior Request, call ToolCall, output string) Request {
	msgs := make([]Message, 0, len(prior.Messages)+2)
	msgs = append(msgs, prior.Messages...)
	if !hasPendingCall(msgs, call.ID) {
		msgs = append(msgs, Message{Role: RoleAssistant, ToolCalls: []ToolCall{call}})
	}
	msgs = append(msgs, Message{Role: RoleTool, Content: output, ToolCallID: call.ID})
	out := prior
	out.Messages = msgs
	return out
}

// hasPendingCall 从尾部向前找最近的 assistant 消息，判断其是否包含该调用
func hasPendingCall(msgs []Message, id string) bool {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleTool {
			continue
		}
		if msgs[i].Role != RoleAssistant {
			return false
		}
		for _, c := range msgs[i].ToolCalls {
			if c.ID == id {
				return true
			}
		}
		return false
	}
	return false
}

// ToolDefinitions 将工具目录转换为模型侧声明
func ToolDefinitions(catalog []tool.Descriptor) []ToolDefinition {
	if len(catalog) == 0 {
		return nil
	}
	defs := make([]ToolDefinition, 0, len(catalog))
	for _, d := range catalog {
		defs = append(defs, ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return defs
}

// failed 返回只产出一个错误的序列
func failed(err error) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		yield(Event{}, err)
	}
}
