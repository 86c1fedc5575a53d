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

import "github.com/thegarrettscott/chatmcp/internal/tool"

// EventType TurnEvent 类型
type EventType string

const (
	EventContent           EventType = "content"
	EventToolCallRequested EventType = "toolCallRequested"
	EventToolResult        EventType = "toolResult"
	EventDone              EventType = "done"
	EventError             EventType = "error"
)

// TurnEvent 推送给调用方的事件，每个事件序列化为一个 JSON 对象
type TurnEvent struct {
	Type           EventType   `json:"type"`
	Text           string      `json:"text,omitempty"`
	CallID         string      `json:"call_id,omitempty"`
	Name           string      `json:"name,omitempty"`
	Arguments      string      `json:"arguments,omitempty"`
	Status         tool.Status `json:"status,omitempty"`
	Payload        any         `json:"payload,omitempty"`
	Error          string      `json:"error,omitempty"`
	Message        string      `json:"message,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
}

// Terminal 是否为终止事件
func (e TurnEvent) Terminal() bool { return e.Type == EventDone || e.Type == EventError }

func contentEvent(text string) TurnEvent {
	return TurnEvent{Type: EventContent, Text: text}
}

func toolCallEvent(call tool.Call) TurnEvent {
	return TurnEvent{Type: EventToolCallRequested, CallID: call.ID, Name: call.Name, Arguments: call.Arguments}
}

func toolResultEvent(call tool.Call, res tool.Result) TurnEvent {
	return TurnEvent{Type: EventToolResult, CallID: call.ID, Name: call.Name, Status: res.Status, Payload: res.Payload, Error: res.Error}
}

func doneEvent(conversationID string) TurnEvent {
	return TurnEvent{Type: EventDone, ConversationID: conversationID}
}

func errorEvent(msg string) TurnEvent {
	return TurnEvent{Type: EventError, Message: msg}
}
