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

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegarrettscott/chatmcp/internal/tool"
	"github.com/thegarrettscott/chatmcp/internal/tool/registry"
)

func newTestServer() *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "weather-server", Version: "test"}, nil)
	server.AddTool(&mcpsdk.Tool{
		Name:        "get_weather",
		Description: "Get current weather",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{"type": "string"},
			},
			"required": []any{"location"},
		},
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args map[string]string
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: `{"location":"` + args["location"] + `","temperature":18}`}},
		}, nil
	})
	server.AddTool(&mcpsdk.Tool{
		Name:        "fail",
		Description: "Always fails",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{
			IsError: true,
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "quota exceeded"}},
		}, nil
	})
	return server
}

func connectInMemory(t *testing.T) *Client {
	t.Helper()
	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		session, err := newTestServer().Connect(ctx, serverTransport, nil)
		ready <- err
		if err != nil {
			return
		}
		<-ctx.Done()
		_ = session.Close()
	}()

	client := NewClient("weather", func() mcpsdk.Transport { return clientTransport })
	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		<-done
	})
	require.NoError(t, <-ready)
	return client
}

func TestDiscoverAndInvoke(t *testing.T) {
	client := connectInMemory(t)
	reg := registry.New()

	names, err := Discover(context.Background(), reg, client, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"get_weather", "fail"}, names)

	d, ok := reg.Get("get_weather")
	require.True(t, ok)
	assert.Equal(t, tool.SourceMCP, d.Source)
	assert.Equal(t, []string{"location"}, d.Parameters.Required)
	assert.Equal(t, "string", d.Parameters.Properties["location"].Type)

	res := reg.Execute(context.Background(), tool.Call{ID: "c1", Name: "get_weather", Arguments: `{"location":"Paris"}`})
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, map[string]any{"location": "Paris", "temperature": float64(18)}, res.Payload)

	res = reg.Execute(context.Background(), tool.Call{ID: "c2", Name: "fail", Arguments: `{}`})
	assert.Equal(t, tool.StatusError, res.Status)
	assert.Equal(t, "quota exceeded", res.Error)
}

type failingTransport struct{}

func (failingTransport) Connect(context.Context) (mcpsdk.Connection, error) {
	return nil, errors.New("connect failed")
}

func TestClient_ConnectFailure(t *testing.T) {
	client := NewClient("down", func() mcpsdk.Transport { return failingTransport{} })
	_, err := client.ListTools(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")

	_, err = client.CallTool(context.Background(), "x", nil)
	assert.Error(t, err)
	assert.NoError(t, client.Close())
}

func TestConvertResult(t *testing.T) {
	v, err := convertResult(&mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "hello"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, err = convertResult(&mcpsdk.CallToolResult{StructuredContent: map[string]any{"n": 1}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 1}, v)

	_, err = convertResult(&mcpsdk.CallToolResult{IsError: true})
	assert.Error(t, err)

	v, err = convertResult(nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, v)
}
