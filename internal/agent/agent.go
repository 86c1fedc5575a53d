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
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/thegarrettscott/chatmcp/internal/model/llm"
	"github.com/thegarrettscott/chatmcp/internal/runtime/session"
	"github.com/thegarrettscott/chatmcp/internal/storage/conversation"
	"github.com/thegarrettscott/chatmcp/internal/tool"
	"github.com/thegarrettscott/chatmcp/pkg/config"
	"github.com/thegarrettscott/chatmcp/pkg/errors"
	"github.com/thegarrettscott/chatmcp/pkg/log"
)

// Conversations 持久化协作方；conversation.Store 满足该接口
type Conversations interface {
	Create(ctx context.Context, userID, title string) (*conversation.Conversation, error)
	Get(ctx context.Context, id, userID string) (*conversation.Conversation, error)
	AddMessage(ctx context.Context, msg *conversation.Message) error
}

// Options Coordinator 参数
type Options struct {
	MaxPromptLength int
	SessionTTL      time.Duration
	MaxToolCalls    int
	TurnTimeout     time.Duration
	PersistTimeout  time.Duration
	ReasoningEffort string
	FallbackPrompt  string
	SystemPrompt    string
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		MaxPromptLength: 4000,
		SessionTTL:      session.DefaultTTL,
		MaxToolCalls:    8,
		TurnTimeout:     5 * time.Minute,
		PersistTimeout:  10 * time.Second,
		ReasoningEffort: "low",
		FallbackPrompt:  "Hello! How can I help you today?",
	}
}

// OptionsFromConfig 由配置生成参数，缺省项使用默认值
func OptionsFromConfig(cfg config.AgentConfig) Options {
	o := DefaultOptions()
	if cfg.MaxPromptLength > 0 {
		o.MaxPromptLength = cfg.MaxPromptLength
	}
	if cfg.MaxToolCalls > 0 {
		o.MaxToolCalls = cfg.MaxToolCalls
	}
	o.SessionTTL = config.Duration(cfg.SessionTTL, o.SessionTTL)
	o.TurnTimeout = config.Duration(cfg.TurnTimeout, o.TurnTimeout)
	o.PersistTimeout = config.Duration(cfg.PersistTimeout, o.PersistTimeout)
	if cfg.ReasoningEffort != "" {
		o.ReasoningEffort = cfg.ReasoningEffort
	}
	if cfg.FallbackPrompt != "" {
		o.FallbackPrompt = cfg.FallbackPrompt
	}
	o.SystemPrompt = cfg.SystemPrompt
	return o
}

// Coordinator 编排单轮对话：start 写入 Session，stream 驱动模型、工具与持久化
type Coordinator struct {
	gateway  llm.Gateway
	tools    tool.Executor
	sessions session.SessionStore
	convs    Conversations
	opts     Options
	logger   *log.Logger
	newID    func() string
}

// Option 可选配置
type Option func(*Coordinator)

// WithOptions 设置参数
func WithOptions(o Options) Option {
	return func(c *Coordinator) { c.opts = o }
}

// WithLogger 设置日志
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithIDGenerator 替换 turnId 生成函数
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// New 创建 Coordinator
func New(gateway llm.Gateway, tools tool.Executor, sessions session.SessionStore, convs Conversations, opts ...Option) *Coordinator {
	c := &Coordinator{
		gateway:  gateway,
		tools:    tools,
		sessions: sessions,
		convs:    convs,
		opts:     DefaultOptions(),
		logger:   log.Nop(),
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Model 当前使用的模型
func (c *Coordinator) Model() string { return c.gateway.Model() }

// StartResult start 的返回值
type StartResult struct {
	TurnID         string `json:"turnId"`
	ConversationID string `json:"conversationId"`
}

// Start 校验输入、确定会话、记录用户消息并写入 Session；不调用模型
func (c *Coordinator) Start(ctx context.Context, userID, prompt, conversationID string) (*StartResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, invalid("prompt", "prompt is required")
	}
	if n := utf8.RuneCountInString(prompt); n > c.opts.MaxPromptLength {
		return nil, invalid("prompt", fmt.Sprintf("prompt exceeds %d characters", c.opts.MaxPromptLength))
	}

	if conversationID != "" {
		if _, err := uuid.Parse(conversationID); err != nil {
			return nil, invalid("conversationId", "malformed identifier")
		}
		if _, err := c.convs.Get(ctx, conversationID, userID); err != nil {
			return nil, err
		}
	} else {
		conv, err := c.convs.Create(ctx, userID, conversation.TitleFromPrompt(prompt))
		if err != nil {
			return nil, errors.Wrap(err, "create conversation")
		}
		conversationID = conv.ID
	}

	logger := c.logger.With("conversation_id", conversationID)
	if err := c.convs.AddMessage(ctx, &conversation.Message{
		ConversationID: conversationID,
		Role:           conversation.RoleUser,
		Content:        prompt,
	}); err != nil {
		logger.Error("记录用户消息失败", "error", err)
	}

	turnID := c.newID()
	entry := &session.Entry{
		TurnID:         turnID,
		Prompt:         prompt,
		ConversationID: conversationID,
		UserID:         userID,
		CreatedAt:      time.Now(),
	}
	if err := c.sessions.Put(ctx, entry, c.opts.SessionTTL); err != nil {
		// stream 将走 fallback prompt
		logger.Warn("写入 Session 失败", "turn_id", turnID, "error", err)
	}
	return &StartResult{TurnID: turnID, ConversationID: conversationID}, nil
}

// initialRequest 首次模型调用的上下文
func (c *Coordinator) initialRequest(prompt string) llm.Request {
	msgs := make([]llm.Message, 0, 2)
	if c.opts.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: c.opts.SystemPrompt})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompt})
	return llm.Request{
		Messages:        msgs,
		Tools:           llm.ToolDefinitions(c.tools.Catalog()),
		ReasoningEffort: c.opts.ReasoningEffort,
	}
}

// persist 终止后落库 assistant 消息；使用与调用方解耦的 ctx，失败只记录日志
func (c *Coordinator) persist(parent context.Context, t *Turn) {
	text := t.Text()
	if text == "" || t.ConversationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.opts.PersistTimeout)
	defer cancel()

	msg := &conversation.Message{
		ConversationID: t.ConversationID,
		Role:           conversation.RoleAssistant,
		Content:        text,
	}
	if calls := t.ToolCalls(); len(calls) > 0 {
		msg.FunctionCalls, _ = json.Marshal(calls)
	}
	if outputs := t.ToolOutputs(); len(outputs) > 0 {
		if b, err := json.Marshal(outputs); err == nil {
			msg.FunctionOutputs = b
		}
	}
	if c.opts.ReasoningEffort != "" {
		msg.Reasoning = &conversation.Reasoning{Effort: c.opts.ReasoningEffort}
	}
	if err := c.convs.AddMessage(ctx, msg); err != nil {
		c.logger.Error("保存 assistant 消息失败", "turn_id", t.ID, "conversation_id", t.ConversationID, "error", err)
	}
}
