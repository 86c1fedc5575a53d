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

package conversation

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

// Role 消息角色
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

const (
	// DefaultTitle 未提供标题时使用
	DefaultTitle = "New Chat"
	// titleMaxRunes 由首条 prompt 生成标题时截取的长度
	titleMaxRunes = 60
)

// Conversation 会话
type Conversation struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	LastMessage string    `json:"lastMessage"` // 仅列表/详情填充
}

// Message 会话消息；FunctionCalls/FunctionOutputs 为工具调用审计记录（JSON 数组）
type Message struct {
	ID              string          `json:"id"`
	ConversationID  string          `json:"conversationId"`
	Role            Role            `json:"role"`
	Content         string          `json:"content"`
	Reasoning       *Reasoning      `json:"reasoning,omitempty"`
	FunctionCalls   json.RawMessage `json:"functionCalls,omitempty"`
	FunctionOutputs json.RawMessage `json:"functionOutputs,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Reasoning 推理模型的摘要信息
type Reasoning struct {
	Summary string `json:"summary,omitempty"`
	Effort  string `json:"effort,omitempty"`
}

// Store 会话与消息存储；所有按 userID 的查询对他人会话返回 ErrNotFound
type Store interface {
	// Create 创建会话，title 为空时使用 DefaultTitle
	Create(ctx context.Context, userID, title string) (*Conversation, error)
	// Get 获取会话（含最后一条消息预览）
	Get(ctx context.Context, id, userID string) (*Conversation, error)
	// List 按 updated_at 倒序列出用户会话
	List(ctx context.Context, userID string) ([]*Conversation, error)
	// UpdateTitle 修改标题
	UpdateTitle(ctx context.Context, id, userID, title string) (*Conversation, error)
	// Delete 删除会话及其消息
	Delete(ctx context.Context, id, userID string) error
	// AddMessage 追加消息并刷新会话 updated_at
	AddMessage(ctx context.Context, msg *Message) error
	// Messages 按创建时间升序返回消息
	Messages(ctx context.Context, id, userID string) ([]*Message, error)
	// Close 关闭存储连接
	Close() error
}

// TitleFromPrompt 截取 prompt 前 60 个字符作为标题
func TitleFromPrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(prompt) <= titleMaxRunes {
		return prompt
	}
	return string([]rune(prompt)[:titleMaxRunes])
}
