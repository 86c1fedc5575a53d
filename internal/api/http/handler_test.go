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

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegarrettscott/chatmcp/internal/agent"
	"github.com/thegarrettscott/chatmcp/internal/api/http/middleware"
	"github.com/thegarrettscott/chatmcp/internal/storage/conversation"
	"github.com/thegarrettscott/chatmcp/internal/tool"
	"github.com/thegarrettscott/chatmcp/internal/tool/builtin"
	"github.com/thegarrettscott/chatmcp/internal/tool/registry"
	pkgerrors "github.com/thegarrettscott/chatmcp/pkg/errors"
	"github.com/thegarrettscott/chatmcp/pkg/log"
)

// fakeTurns 记录调用并按脚本产出事件
type fakeTurns struct {
	startErr  error
	events    []agent.TurnEvent
	user      string
	prompt    string
	convID    string
	delivered int
	stopped   bool
}

func (f *fakeTurns) Start(ctx context.Context, userID, prompt, conversationID string) (*agent.StartResult, error) {
	f.user, f.prompt, f.convID = userID, prompt, conversationID
	if f.startErr != nil {
		return nil, f.startErr
	}
	if conversationID == "" {
		conversationID = "conv-1"
	}
	return &agent.StartResult{TurnID: "turn-1", ConversationID: conversationID}, nil
}

func (f *fakeTurns) Stream(ctx context.Context, userID, turnID string) iter.Seq[agent.TurnEvent] {
	f.user = userID
	return func(yield func(agent.TurnEvent) bool) {
		for _, ev := range f.events {
			if !yield(ev) {
				f.stopped = true
				return
			}
			f.delivered++
		}
	}
}

func (f *fakeTurns) Model() string { return "o3" }

type harness struct {
	server  *server.Hertz
	handler *Handler
	turns   *fakeTurns
	convs   *conversation.MemoryStore
	tools   *registry.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := registry.New()
	require.NoError(t, builtin.RegisterLocal(reg))
	turns := &fakeTurns{}
	convs := conversation.NewMemoryStore()
	h := NewHandler(turns, convs, reg, log.Nop())
	r := NewRouter(h, middleware.NewMiddleware(nil, log.Nop()))
	r.SetCORS(true)
	return &harness{server: r.Build(":0"), handler: h, turns: turns, convs: convs, tools: reg}
}

func (h *harness) do(method, url string, body string, headers ...ut.Header) (int, []byte) {
	w := ut.PerformRequest(h.server.Engine, method, url, &ut.Body{Body: strings.NewReader(body), Len: len(body)}, headers...)
	resp := w.Result()
	return resp.StatusCode(), resp.Body()
}

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m), string(b))
	return m
}

func empty() *ut.Body { return &ut.Body{Body: bytes.NewReader(nil), Len: 0} }

var jsonHeader = ut.Header{Key: "Content-Type", Value: "application/json"}

func TestHealthCheck(t *testing.T) {
	h := newHarness(t)
	code, body := h.do("GET", "/api/health", "")
	require.Equal(t, 200, code)
	m := decode(t, body)
	assert.Equal(t, "ok", m["status"])
	assert.Equal(t, ServiceName, m["service"])
	assert.Equal(t, "o3", m["model"])
}

func TestMetrics(t *testing.T) {
	h := newHarness(t)
	code, body := h.do("GET", "/metrics", "")
	require.Equal(t, 200, code)
	assert.Contains(t, string(body), "chatmcp_")
}

func TestStartTurn(t *testing.T) {
	h := newHarness(t)
	code, body := h.do("POST", "/api/agent", `{"prompt":"What is 2+2?"}`, jsonHeader)
	require.Equal(t, 200, code, string(body))
	m := decode(t, body)
	assert.Equal(t, "turn-1", m["turnId"])
	assert.Equal(t, "turn-1", m["streamId"])
	assert.Equal(t, "conv-1", m["conversationId"])
	assert.Equal(t, "What is 2+2?", h.turns.prompt)
	assert.Equal(t, "anonymous", h.turns.user)
}

func TestStartTurn_Errors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		body string
		code int
		msg  string
	}{
		{"validation", &agent.ValidationError{Field: "prompt", Reason: "prompt is required"}, `{"prompt":""}`, 400, "prompt: prompt is required"},
		{"missing conversation", pkgerrors.Wrapf(pkgerrors.ErrNotFound, "conversation %s", "x"), `{"prompt":"hi","conversationId":"x"}`, 404, "not found"},
		{"store down", errors.New("connection reset"), `{"prompt":"hi"}`, 500, "internal server error"},
		{"bad body", nil, `{"prompt":`, 400, "invalid request body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.turns.startErr = tc.err
			code, body := h.do("POST", "/api/agent", tc.body, jsonHeader)
			assert.Equal(t, tc.code, code)
			assert.Contains(t, decode(t, body)["error"], tc.msg)
		})
	}
}

func TestStreamTurn_SSE(t *testing.T) {
	h := newHarness(t)
	h.turns.events = []agent.TurnEvent{
		{Type: agent.EventContent, Text: "2 + 2 = 4"},
		{Type: agent.EventDone, ConversationID: "conv-1"},
	}
	w := ut.PerformRequest(h.server.Engine, "GET", "/api/agent/stream/turn-1", empty())
	resp := w.Result()
	require.Equal(t, 200, resp.StatusCode())
	assert.Equal(t, "text/event-stream", string(resp.Header.ContentType()))
	assert.Equal(t,
		"data: {\"type\":\"content\",\"text\":\"2 + 2 = 4\"}\n\n"+
			"data: {\"type\":\"done\",\"conversation_id\":\"conv-1\"}\n\n",
		string(resp.Body()))
	assert.Equal(t, 2, h.turns.delivered)
}

func TestStreamTurn_NDJSON(t *testing.T) {
	h := newHarness(t)
	h.turns.events = []agent.TurnEvent{
		{Type: agent.EventToolCallRequested, CallID: "call_1", Name: "get_weather", Arguments: `{"location":"SF"}`},
		{Type: agent.EventToolResult, CallID: "call_1", Name: "get_weather", Status: tool.StatusSuccess, Payload: map[string]any{"temp": 62}},
		{Type: agent.EventDone},
	}
	w := ut.PerformRequest(h.server.Engine, "GET", "/api/agent/stream/turn-1?format=ndjson", empty())
	resp := w.Result()
	require.Equal(t, 200, resp.StatusCode())
	assert.Equal(t, "application/x-ndjson", string(resp.Header.ContentType()))

	lines := strings.Split(strings.TrimSuffix(string(resp.Body()), "\n"), "\n")
	require.Len(t, lines, 3)
	first := decode(t, []byte(lines[0]))
	assert.Equal(t, "toolCallRequested", first["type"])
	assert.Equal(t, `{"location":"SF"}`, first["arguments"])
	second := decode(t, []byte(lines[1]))
	assert.Equal(t, "success", second["status"])
	assert.Equal(t, "done", decode(t, []byte(lines[2]))["type"])
}

// failingWriter 首次写入成功，之后模拟客户端断开
type failingWriter struct {
	buf    bytes.Buffer
	writes int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > 1 {
		return 0, errors.New("broken pipe")
	}
	return w.buf.Write(p)
}

func (w *failingWriter) Flush() error { return nil }

func TestPump_StopsTurnOnWriteFailure(t *testing.T) {
	h := newHarness(t)
	h.turns.events = []agent.TurnEvent{
		{Type: agent.EventContent, Text: "a"},
		{Type: agent.EventContent, Text: "b"},
		{Type: agent.EventContent, Text: "c"},
		{Type: agent.EventDone},
	}
	w := &failingWriter{}
	err := h.handler.pump(w, formatSSE, h.turns.Stream(context.Background(), "u", "turn-1"))
	require.Error(t, err)
	assert.True(t, h.turns.stopped)
	assert.Equal(t, 1, h.turns.delivered)
	assert.Equal(t, "data: {\"type\":\"content\",\"text\":\"a\"}\n\n", w.buf.String())
}

func TestConversations_CRUD(t *testing.T) {
	h := newHarness(t)

	code, body := h.do("POST", "/api/conversations", `{"title":"Trip planning"}`, jsonHeader)
	require.Equal(t, 201, code, string(body))
	created := decode(t, body)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "Trip planning", created["title"])

	code, body = h.do("POST", "/api/conversations", "")
	require.Equal(t, 201, code)
	assert.Equal(t, conversation.DefaultTitle, decode(t, body)["title"])

	require.NoError(t, h.convs.AddMessage(context.Background(), &conversation.Message{
		ConversationID: id, Role: conversation.RoleUser, Content: "Where should I go?",
	}))

	code, body = h.do("GET", "/api/conversations", "")
	require.Equal(t, 200, code)
	list, _ := decode(t, body)["conversations"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, id, list[0].(map[string]any)["id"], "most recently updated first")

	code, body = h.do("PATCH", "/api/conversations/"+id, `{"title":"Japan trip"}`, jsonHeader)
	require.Equal(t, 200, code, string(body))
	assert.Equal(t, "Japan trip", decode(t, body)["title"])

	code, _ = h.do("PATCH", "/api/conversations/"+id, `{"title":"  "}`, jsonHeader)
	assert.Equal(t, 400, code)

	code, body = h.do("GET", "/api/conversations/"+id+"/messages", "")
	require.Equal(t, 200, code)
	msgs, _ := decode(t, body)["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Where should I go?", msgs[0].(map[string]any)["content"])

	code, _ = h.do("DELETE", "/api/conversations/"+id, "")
	assert.Equal(t, 200, code)
	code, _ = h.do("GET", "/api/conversations/"+id, "")
	assert.Equal(t, 404, code)
	code, _ = h.do("GET", "/api/conversations/"+id+"/messages", "")
	assert.Equal(t, 404, code)
}

func TestTools(t *testing.T) {
	h := newHarness(t)

	code, body := h.do("GET", "/api/tools", "")
	require.Equal(t, 200, code)
	tools, _ := decode(t, body)["tools"].([]any)
	require.Len(t, tools, 2)
	assert.Equal(t, "get_current_time", tools[0].(map[string]any)["name"])

	code, body = h.do("POST", "/api/tools/get_weather/toggle", "")
	require.Equal(t, 200, code)
	assert.Equal(t, false, decode(t, body)["enabled"])
	assert.Len(t, h.tools.Catalog(), 1)

	code, _ = h.do("POST", "/api/tools/nope/toggle", "")
	assert.Equal(t, 404, code)

	code, _ = h.do("DELETE", "/api/tools/get_weather", "")
	assert.Equal(t, 200, code)
	code, _ = h.do("DELETE", "/api/tools/get_weather", "")
	assert.Equal(t, 404, code)
	assert.Len(t, h.tools.List(), 1)
}

func TestConnectMCP(t *testing.T) {
	h := newHarness(t)
	code, _ := h.do("POST", "/api/tools/mcp", `{"url":"http://localhost:9000/mcp"}`, jsonHeader)
	assert.Equal(t, 503, code)

	var got string
	h.handler.SetMCPConnector(func(ctx context.Context, url string) ([]string, error) {
		got = url
		if strings.Contains(url, "down") {
			return nil, errors.New("connection refused")
		}
		return []string{"search_docs"}, nil
	})

	code, body := h.do("POST", "/api/tools/mcp", `{"url":" http://localhost:9000/mcp "}`, jsonHeader)
	require.Equal(t, 200, code, string(body))
	assert.Equal(t, "http://localhost:9000/mcp", got)
	assert.Equal(t, []any{"search_docs"}, decode(t, body)["tools"])

	code, _ = h.do("POST", "/api/tools/mcp", `{}`, jsonHeader)
	assert.Equal(t, 400, code)

	code, body = h.do("POST", "/api/tools/mcp", `{"url":"http://down:9000"}`, jsonHeader)
	assert.Equal(t, 502, code)
	assert.Contains(t, decode(t, body)["error"], "connection refused")
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)
	w := ut.PerformRequest(h.server.Engine, "OPTIONS", "/api/agent", empty(),
		ut.Header{Key: "Origin", Value: "http://localhost:3000"})
	resp := w.Result()
	assert.Equal(t, 204, resp.StatusCode())
	assert.Equal(t, "http://localhost:3000", string(resp.Header.Peek("Access-Control-Allow-Origin")))
}

func TestFrame(t *testing.T) {
	b, err := frame(formatSSE, agent.TurnEvent{Type: agent.EventError, Message: "boom"})
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"error\",\"message\":\"boom\"}\n\n", string(b))

	b, err = frame(formatNDJSON, agent.TurnEvent{Type: agent.EventDone})
	require.NoError(t, err)
	assert.Equal(t, "{\"type\":\"done\"}\n", string(b))
}
