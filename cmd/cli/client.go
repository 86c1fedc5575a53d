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

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("CHATMCP_API_URL"); u != "" {
		return u
	}
	return "http://localhost:3001"
}

// client 普通请求带超时；流式请求不设整体超时，由服务端 turn_timeout 兜底
type client struct {
	rest   *resty.Client
	stream *resty.Client
}

func newClient(baseURL string) *client {
	build := func(timeout time.Duration) *resty.Client {
		c := resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json")
		if token := os.Getenv("CHATMCP_TOKEN"); token != "" {
			c.SetAuthToken(token)
		}
		return c
	}
	return &client{rest: build(30 * time.Second), stream: build(0)}
}

// streamEvent 与服务端 TurnEvent 的 JSON 对应
type streamEvent struct {
	Type           string          `json:"type"`
	Text           string          `json:"text"`
	CallID         string          `json:"call_id"`
	Name           string          `json:"name"`
	Arguments      string          `json:"arguments"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload"`
	Error          string          `json:"error"`
	Message        string          `json:"message"`
	ConversationID string          `json:"conversation_id"`
}

func apiError(method, path string, resp *resty.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(resp.Body(), &body) == nil && body.Error != "" {
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode(), body.Error)
	}
	return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode(), resp.String())
}

func startTurn(c *client, prompt, conversationID string) (turnID, convID string, err error) {
	body := map[string]string{"prompt": prompt}
	if conversationID != "" {
		body["conversationId"] = conversationID
	}
	var out struct {
		TurnID         string `json:"turnId"`
		ConversationID string `json:"conversationId"`
	}
	resp, err := c.rest.R().SetBody(body).SetResult(&out).Post("/api/agent")
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", "", apiError("POST", "/api/agent", resp)
	}
	return out.TurnID, out.ConversationID, nil
}

// streamTurn 读取 SSE 流并逐个回调，直到连接关闭或 handle 返回 false
func streamTurn(c *client, turnID string, handle func(streamEvent) bool) error {
	path := "/api/agent/stream/" + turnID
	resp, err := c.stream.R().
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream").
		Get(path)
	if err != nil {
		return err
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != http.StatusOK {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(body)
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode(), strings.TrimSpace(buf.String()))
	}

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if !handle(ev) {
			return nil
		}
	}
	return sc.Err()
}

func listConversations(c *client) ([]map[string]interface{}, error) {
	var out struct {
		Conversations []map[string]interface{} `json:"conversations"`
	}
	resp, err := c.rest.R().SetResult(&out).Get("/api/conversations")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError("GET", "/api/conversations", resp)
	}
	return out.Conversations, nil
}

func listMessages(c *client, conversationID string) ([]map[string]interface{}, error) {
	path := "/api/conversations/" + conversationID + "/messages"
	var out struct {
		Messages []map[string]interface{} `json:"messages"`
	}
	resp, err := c.rest.R().SetResult(&out).Get(path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError("GET", path, resp)
	}
	return out.Messages, nil
}

func listTools(c *client) ([]map[string]interface{}, error) {
	var out struct {
		Tools []map[string]interface{} `json:"tools"`
	}
	resp, err := c.rest.R().SetResult(&out).Get("/api/tools")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError("GET", "/api/tools", resp)
	}
	return out.Tools, nil
}

func toggleTool(c *client, name string) (bool, error) {
	path := "/api/tools/" + name + "/toggle"
	var out struct {
		Enabled bool `json:"enabled"`
	}
	resp, err := c.rest.R().SetResult(&out).Post(path)
	if err != nil {
		return false, err
	}
	if resp.StatusCode() != http.StatusOK {
		return false, apiError("POST", path, resp)
	}
	return out.Enabled, nil
}

func health(c *client) (map[string]string, error) {
	var out map[string]string
	resp, err := c.rest.R().SetResult(&out).Get("/api/health")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError("GET", "/api/health", resp)
	}
	return out, nil
}

func prettyJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
