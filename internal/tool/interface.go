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

package tool

import (
	"context"
	"encoding/json"
)

// Schema 工具参数的 JSON Schema（object 顶层），同时用于校验与向模型声明能力
type Schema struct {
	Type        string                    `json:"type"`
	Description string                    `json:"description,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties"`
	Required    []string                  `json:"required,omitempty"`
}

// SchemaProperty 表示 Schema 中单个属性的描述
type SchemaProperty struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitempty"`
	Enum        []any                     `json:"enum,omitempty"`
	Items       *SchemaProperty           `json:"items,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Default     any                       `json:"default,omitempty"`
}

// ObjectSchema 以属性表构造 object Schema
func ObjectSchema(props map[string]SchemaProperty, required ...string) Schema {
	if props == nil {
		props = map[string]SchemaProperty{}
	}
	return Schema{Type: "object", Properties: props, Required: required}
}

// SchemaFromJSON 将任意 JSON Schema 值（map、RawMessage、结构体）转换为 Schema
func SchemaFromJSON(v any) (Schema, error) {
	var raw []byte
	switch s := v.(type) {
	case nil:
		return ObjectSchema(nil), nil
	case json.RawMessage:
		raw = s
	case []byte:
		raw = s
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return Schema{}, err
		}
		raw = b
	}
	var out Schema
	if err := json.Unmarshal(raw, &out); err != nil {
		return Schema{}, err
	}
	if out.Type == "" {
		out.Type = "object"
	}
	if out.Properties == nil {
		out.Properties = map[string]SchemaProperty{}
	}
	return out, nil
}

// Status ToolResult 的标签
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result 工具执行结果：Success(payload) | Error(message)
type Result struct {
	Status  Status `json:"status"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Success 构造成功结果
func Success(payload any) Result {
	return Result{Status: StatusSuccess, Payload: payload}
}

// Failure 构造失败结果
func Failure(msg string) Result {
	return Result{Status: StatusError, Error: msg}
}

// OK 是否为成功结果
func (r Result) OK() bool { return r.Status == StatusSuccess }

// ModelOutput 作为 tool 消息回填给模型的文本
func (r Result) ModelOutput() string {
	var v any = map[string]any{"error": r.Error}
	if r.OK() {
		v = r.Payload
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"unserializable tool output"}`
	}
	return string(b)
}

// Call 模型发起的一次工具调用；Arguments 为模型给出的原始参数文本
type Call struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Source 工具来源
type Source string

const (
	SourceLocal Source = "local"
	SourceHTTP  Source = "http"
	SourceMCP   Source = "mcp"
)

// Descriptor 工具描述（name, description, parameters），供模型与 API 使用
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  Schema `json:"parameters"`
	Enabled     bool   `json:"enabled"`
	Source      Source `json:"source"`
}

// Target 工具调用目标：网络端点或本地函数
type Target interface {
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// TargetFunc 让普通函数实现 Target
type TargetFunc func(ctx context.Context, args map[string]any) (any, error)

// Invoke 实现 Target
func (f TargetFunc) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// Executor Turn Coordinator 依赖的工具执行接口；Execute 永不返回 Go error
type Executor interface {
	Execute(ctx context.Context, call Call) Result
	Catalog() []Descriptor
}
