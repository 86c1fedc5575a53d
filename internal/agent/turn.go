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

package agent

import (
	"fmt"
	"slices"
	"strings"

	"github.com/thegarrettscott/chatmcp/internal/tool"
)

// State Turn 状态
type State int

const (
	StateCreated State = iota
	StateStreaming
	StateAwaitingTool
	StateResumedStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStreaming:
		return "streaming"
	case StateAwaitingTool:
		return "awaiting_tool"
	case StateResumedStreaming:
		return "resumed_streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal 是否为终态
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// transitions 合法迁移表；任意非终态都可迁移到 Failed
var transitions = map[State][]State{
	StateCreated:          {StateStreaming},
	StateStreaming:        {StateAwaitingTool, StateCompleted},
	StateAwaitingTool:     {StateAwaitingTool, StateResumedStreaming},
	StateResumedStreaming: {StateAwaitingTool, StateCompleted},
}

// ToolCallRecord 工具调用审计记录
type ToolCallRecord struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolOutputRecord 工具输出审计记录
type ToolOutputRecord struct {
	CallID  string      `json:"call_id"`
	Name    string      `json:"name"`
	Status  tool.Status `json:"status"`
	Payload any         `json:"payload,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Turn 一轮对话的状态：prompt 不可变，文本只追加，进入终态后不再变化
type Turn struct {
	ID             string
	ConversationID string
	Prompt         string

	state   State
	text    strings.Builder
	queue   []tool.Call // 同一响应中尚未开始的调用，按发起顺序
	pending *tool.Call  // AwaitingTool 时唯一未解决的调用
	calls   []ToolCallRecord
	outputs []ToolOutputRecord
}

// NewTurn 创建处于 Created 状态的 Turn
func NewTurn(id, conversationID, prompt string) *Turn {
	return &Turn{ID: id, ConversationID: conversationID, Prompt: prompt, state: StateCreated}
}

// State 当前状态
func (t *Turn) State() State { return t.state }

// Transition 迁移状态；非法迁移返回错误且状态不变
func (t *Turn) Transition(to State) error {
	if t.state.Terminal() {
		return fmt.Errorf("turn %s is %s: cannot move to %s", t.ID, t.state, to)
	}
	if to == StateFailed || slices.Contains(transitions[t.state], to) {
		if to == StateResumedStreaming && (t.pending != nil || len(t.queue) > 0) {
			return fmt.Errorf("turn %s has unresolved tool calls", t.ID)
		}
		t.state = to
		return nil
	}
	return fmt.Errorf("turn %s: invalid transition %s -> %s", t.ID, t.state, to)
}

// AppendText 追加已下发的文本
func (t *Turn) AppendText(s string) {
	if !t.state.Terminal() {
		t.text.WriteString(s)
	}
}

// Text 已累积的文本
func (t *Turn) Text() string { return t.text.String() }

// Enqueue 登记一次模型响应中的全部工具调用，按顺序逐个解决
func (t *Turn) Enqueue(calls ...tool.Call) {
	t.queue = append(t.queue, calls...)
	for _, c := range calls {
		t.calls = append(t.calls, ToolCallRecord{CallID: c.ID, Name: c.Name, Arguments: c.Arguments})
	}
}

// Await 取出下一个调用并进入 AwaitingTool；上一个调用未解决时返回错误
func (t *Turn) Await() (tool.Call, error) {
	if t.pending != nil {
		return tool.Call{}, fmt.Errorf("turn %s: tool call %s is still unresolved", t.ID, t.pending.ID)
	}
	if len(t.queue) == 0 {
		return tool.Call{}, fmt.Errorf("turn %s has no queued tool call", t.ID)
	}
	if err := t.Transition(StateAwaitingTool); err != nil {
		return tool.Call{}, err
	}
	call := t.queue[0]
	t.queue = t.queue[1:]
	t.pending = &call
	return call, nil
}

// Resolve 记录当前等待调用的结果
func (t *Turn) Resolve(callID string, res tool.Result) error {
	if t.state != StateAwaitingTool || t.pending == nil || t.pending.ID != callID {
		return fmt.Errorf("turn %s: tool call %s is not awaiting a result", t.ID, callID)
	}
	call := *t.pending
	t.pending = nil
	t.outputs = append(t.outputs, ToolOutputRecord{
		CallID: call.ID, Name: call.Name, Status: res.Status, Payload: res.Payload, Error: res.Error,
	})
	return nil
}

// Unresolved 未解决的调用数（含排队中的）
func (t *Turn) Unresolved() int {
	n := len(t.queue)
	if t.pending != nil {
		n++
	}
	return n
}

// ToolCalls 工具调用审计记录
func (t *Turn) ToolCalls() []ToolCallRecord { return slices.Clone(t.calls) }

// ToolOutputs 工具输出审计记录
func (t *Turn) ToolOutputs() []ToolOutputRecord { return slices.Clone(t.outputs) }
