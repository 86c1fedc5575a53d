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
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/thegarrettscott/chatmcp/internal/tool"
)

// EinoGateway 基于 eino ToolCallingChatModel 的网关实现
type EinoGateway struct {
	chat      model.ToolCallingChatModel
	model     string
	reasoning bool
}

// NewEinoGateway 包装任意 ToolCallingChatModel
func NewEinoGateway(chat model.ToolCallingChatModel, modelName string) *EinoGateway {
	return &EinoGateway{chat: chat, model: modelName}
}

// WithReasoning 标记为推理模型：请求中的 ReasoningEffort 以 eino-ext openai 选项透传
func (g *EinoGateway) WithReasoning(on bool) *EinoGateway {
	g.reasoning = on
	return g
}

func (g *EinoGateway) callOptions(req Request) []model.Option {
	if !g.reasoning || req.ReasoningEffort == "" {
		return nil
	}
	return []model.Option{openai.WithReasoningEffort(openai.ReasoningEffortLevel(req.ReasoningEffort))}
}

// NewEinoOpenAIGateway 使用 eino-ext openai 组件创建网关
func NewEinoOpenAIGateway(ctx context.Context, cfg OpenAIConfig) (*EinoGateway, error) {
	mc := &openai.ChatModelConfig{
		Model:   cfg.Model,
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
	}
	// 推理模型不接受 max_tokens / temperature
	if !cfg.Reasoning {
		if cfg.MaxTokens > 0 {
			n := cfg.MaxTokens
			mc.MaxTokens = &n
		}
		if cfg.Temperature > 0 {
			t := float32(cfg.Temperature)
			mc.Temperature = &t
		}
	}
	chat, err := openai.NewChatModel(ctx, mc)
	if err != nil {
		return nil, fmt.Errorf("创建 OpenAI ChatModel failed: %w", err)
	}
	return NewEinoGateway(chat, cfg.Model).WithReasoning(cfg.Reasoning), nil
}

// Model 实现 Gateway
func (g *EinoGateway) Model() string { return g.model }

// Completion 实现 Gateway；不绑定工具，模型只能返回文本
func (g *EinoGateway) Completion(ctx context.Context, req Request) (string, error) {
	msg, err := g.chat.Generate(ctx, toSchemaMessages(req.Messages), g.callOptions(req)...)
	if err != nil {
		return "", &GatewayError{Op: "completion", Model: g.model, Err: err}
	}
	if msg == nil || msg.Content == "" {
		return "", &GatewayError{Op: "completion", Model: g.model, Message: "empty completion"}
	}
	return msg.Content, nil
}

// StreamCompletion 实现 Gateway
func (g *EinoGateway) StreamCompletion(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return g.streamOp(ctx, "stream", req)
}

// ContinueWithToolOutput 实现 Gateway
func (g *EinoGateway) ContinueWithToolOutput(ctx context.Context, prior Request, call ToolCall, output string) iter.Seq2[Event, error] {
	return g.streamOp(ctx, "continue", WithToolOutput(prior, call, output))
}

func (g *EinoGateway) streamOp(ctx context.Context, op string, req Request) iter.Seq2[Event, error] {
	chat := g.chat
	if len(req.Tools) > 0 {
		bound, err := chat.WithTools(toToolInfos(req.Tools))
		if err != nil {
			return failed(&GatewayError{Op: op, Model: g.model, Message: "绑定工具失败", Err: err})
		}
		chat = bound
	}
	return func(yield func(Event, error) bool) {
		sr, err := chat.Stream(ctx, toSchemaMessages(req.Messages), g.callOptions(req)...)
		if err != nil {
			yield(Event{}, &GatewayError{Op: op, Model: g.model, Err: err})
			return
		}
		defer sr.Close()

		var acc toolAccumulator
		for {
			chunk, err := sr.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield(Event{}, &GatewayError{Op: op, Model: g.model, Err: err})
				return
			}
			if chunk == nil {
				continue
			}
			if chunk.Content != "" {
				if !yield(TextDelta(chunk.Content), nil) {
					return
				}
			}
			for pos, tc := range chunk.ToolCalls {
				acc.addPart(tc.Index, pos, tc.ID, tc.Function.Name, tc.Function.Arguments)
			}
		}
		for _, c := range acc.drain() {
			if !yield(ToolCallRequested(c), nil) {
				return
			}
		}
		yield(Done(), nil)
	}
}

func toSchemaMessages(msgs []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, schema.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, schema.UserMessage(m.Content))
		case RoleTool:
			out = append(out, schema.ToolMessage(m.Content, m.ToolCallID))
		default:
			calls := make([]schema.ToolCall, 0, len(m.ToolCalls))
			for _, c := range m.ToolCalls {
				calls = append(calls, schema.ToolCall{
					ID:       c.ID,
					Type:     "function",
					Function: schema.FunctionCall{Name: c.Name, Arguments: c.Arguments},
				})
			}
			out = append(out, schema.AssistantMessage(m.Content, calls))
		}
	}
	return out
}

func toToolInfos(defs []ToolDefinition) []*schema.ToolInfo {
	infos := make([]*schema.ToolInfo, 0, len(defs))
	for _, d := range defs {
		params := make(map[string]*schema.ParameterInfo, len(d.Parameters.Properties))
		required := make(map[string]bool, len(d.Parameters.Required))
		for _, r := range d.Parameters.Required {
			required[r] = true
		}
		for name, p := range d.Parameters.Properties {
			pi := toParameterInfo(p)
			pi.Required = required[name]
			params[name] = pi
		}
		infos = append(infos, &schema.ToolInfo{
			Name:        d.Name,
			Desc:        d.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos
}

func toParameterInfo(p tool.SchemaProperty) *schema.ParameterInfo {
	pi := &schema.ParameterInfo{Type: toDataType(p.Type), Desc: p.Description}
	for _, e := range p.Enum {
		pi.Enum = append(pi.Enum, fmt.Sprint(e))
	}
	if p.Items != nil {
		pi.ElemInfo = toParameterInfo(*p.Items)
	}
	if len(p.Properties) > 0 {
		pi.SubParams = make(map[string]*schema.ParameterInfo, len(p.Properties))
		for name, sub := range p.Properties {
			pi.SubParams[name] = toParameterInfo(sub)
		}
	}
	return pi
}

func toDataType(t string) schema.DataType {
	switch t {
	case "object":
		return schema.Object
	case "number":
		return schema.Number
	case "integer":
		return schema.Integer
	case "boolean":
		return schema.Boolean
	case "array":
		return schema.Array
	case "null":
		return schema.Null
	}
	return schema.String
}
