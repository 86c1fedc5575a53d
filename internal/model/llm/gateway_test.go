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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegarrettscott/chatmcp/internal/tool"
)

func TestWithToolOutput_AddsAssistantMessageOnce(t *testing.T) {
	call := ToolCall{ID: "c1", Name: "get_weather", Arguments: `{"location":"Paris"}`}
	prior := Request{Messages: []Message{{Role: RoleUser, Content: "weather?"}}, ReasoningEffort: "low"}

	next := WithToolOutput(prior, call, `{"temp":20}`)
	require.Len(t, next.Messages, 3)
	assert.Equal(t, RoleAssistant, next.Messages[1].Role)
	assert.Equal(t, []ToolCall{call}, next.Messages[1].ToolCalls)
	assert.Equal(t, Message{Role: RoleTool, Content: `{"temp":20}`, ToolCallID: "c1"}, next.Messages[2])
	assert.Equal(t, "low", next.ReasoningEffort)
	assert.Len(t, prior.Messages, 1, "prior must not be mutated")
}

func TestWithToolOutput_ReusesPendingAssistantMessage(t *testing.T) {
	a := ToolCall{ID: "a", Name: "first"}
	b := ToolCall{ID: "b", Name: "second"}
	prior := Request{Messages: []Message{
		{Role: RoleUser, Content: "do both"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{a, b}},
		{Role: RoleTool, Content: "1", ToolCallID: "a"},
	}}

	next := WithToolOutput(prior, b, "2")
	require.Len(t, next.Messages, 4)
	assert.Equal(t, RoleTool, next.Messages[3].Role)
	assert.Equal(t, "b", next.Messages[3].ToolCallID)
}

func TestToolDefinitions(t *testing.T) {
	assert.Nil(t, ToolDefinitions(nil))
	defs := ToolDefinitions([]tool.Descriptor{{
		Name:        "get_current_time",
		Description: "Current time",
		Parameters:  tool.ObjectSchema(nil),
	}})
	require.Len(t, defs, 1)
	assert.Equal(t, "get_current_time", defs[0].Name)
	assert.Equal(t, "object", defs[0].Parameters.Type)
}

func TestGatewayError_Message(t *testing.T) {
	err := &GatewayError{Op: "stream", Model: "o3", Status: 401, Message: "invalid api key"}
	assert.Equal(t, "model o3 stream failed (status 401): invalid api key", err.Error())
}

func TestRechunk_ReconstructsOriginal(t *testing.T) {
	cases := []string{
		"The answer is 4.",
		"  leading and trailing  ",
		"line one\nline two\n\nend",
		"single",
		"多字节 文本 测试",
	}
	for _, text := range cases {
		chunks := Rechunk(text)
		assert.Equal(t, text, strings.Join(chunks, ""), text)
		for _, c := range chunks {
			assert.NotEmpty(t, c)
		}
	}
	assert.Equal(t, []string{"The ", "answer ", "is ", "4."}, Rechunk("The answer is 4."))
	assert.Nil(t, Rechunk(""))
}

func TestUnavailableGateway(t *testing.T) {
	g := NewUnavailableGateway("o3", "no API key")
	_, err := g.Completion(t.Context(), Request{})
	require.Error(t, err)
	_, err = collect(g.StreamCompletion(t.Context(), Request{}))
	assert.ErrorContains(t, err, "no API key")
	_, err = collect(g.ContinueWithToolOutput(t.Context(), Request{}, ToolCall{}, ""))
	assert.ErrorContains(t, err, "continue")
}
