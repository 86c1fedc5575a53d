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
	"fmt"
	"io"
	"os"
	"strings"
)

const version = "chatmcp cli 1.0.0"

func main() {
	os.Exit(run(os.Args[1:], newClient(apiBaseURL()), os.Stdout, os.Stderr))
}

func run(args []string, c *client, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stdout)
		return 0
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "version":
		fmt.Fprintln(stdout, version)
	case "health":
		h, err := health(c)
		if err != nil {
			fmt.Fprintf(stderr, "健康检查失败: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "%s %s (model %s)\n", h["status"], h["service"], h["model"])
	case "chat":
		return runChat(args, c, stdout, stderr)
	case "conversations":
		return runConversations(args, c, stdout, stderr)
	case "tools":
		return runTools(args, c, stdout, stderr)
	default:
		printUsage(stderr)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: chatmcp <command> [args]")
	fmt.Fprintln(w, "  version                        - 显示版本")
	fmt.Fprintln(w, "  health                         - 健康检查")
	fmt.Fprintln(w, "  chat [-c conversation_id] <prompt> - 发起一轮对话并流式输出")
	fmt.Fprintln(w, "  conversations [id]             - 列出会话，或输出某会话的消息")
	fmt.Fprintln(w, "  tools [toggle <name>]          - 列出工具，或切换启用状态")
	fmt.Fprintln(w, "环境变量: CHATMCP_API_URL（默认 http://localhost:3001）、CHATMCP_TOKEN")
}

func runChat(args []string, c *client, stdout, stderr io.Writer) int {
	conversationID := ""
	if len(args) >= 2 && args[0] == "-c" {
		conversationID, args = args[1], args[2:]
	}
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		fmt.Fprintln(stderr, "Usage: chatmcp chat [-c conversation_id] <prompt>")
		return 1
	}
	turnID, convID, err := startTurn(c, prompt, conversationID)
	if err != nil {
		fmt.Fprintf(stderr, "发送失败: %v\n", err)
		return 1
	}

	code := 0
	err = streamTurn(c, turnID, func(ev streamEvent) bool {
		switch ev.Type {
		case "content":
			fmt.Fprint(stdout, ev.Text)
		case "toolCallRequested":
			fmt.Fprintf(stderr, "\n[tool] %s(%s)\n", ev.Name, ev.Arguments)
		case "toolResult":
			if ev.Status == "error" {
				fmt.Fprintf(stderr, "[tool] %s error: %s\n", ev.Name, ev.Error)
			} else {
				fmt.Fprintf(stderr, "[tool] %s -> %s\n", ev.Name, string(ev.Payload))
			}
		case "done":
			fmt.Fprintln(stdout)
			return false
		case "error":
			fmt.Fprintf(stderr, "\nerror: %s\n", ev.Message)
			code = 1
			return false
		}
		return true
	})
	if err != nil {
		fmt.Fprintf(stderr, "读取流失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "conversation: %s\n", convID)
	return code
}

func runConversations(args []string, c *client, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		msgs, err := listMessages(c, args[0])
		if err != nil {
			fmt.Fprintf(stderr, "获取消息失败: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, prettyJSON(msgs))
		return 0
	}
	convs, err := listConversations(c)
	if err != nil {
		fmt.Fprintf(stderr, "列出会话失败: %v\n", err)
		return 1
	}
	for _, conv := range convs {
		fmt.Fprintf(stdout, "%v\t%v\n", conv["id"], conv["title"])
	}
	return 0
}

func runTools(args []string, c *client, stdout, stderr io.Writer) int {
	if len(args) == 2 && args[0] == "toggle" {
		enabled, err := toggleTool(c, args[1])
		if err != nil {
			fmt.Fprintf(stderr, "切换失败: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "%s enabled=%t\n", args[1], enabled)
		return 0
	}
	tools, err := listTools(c)
	if err != nil {
		fmt.Fprintf(stderr, "列出工具失败: %v\n", err)
		return 1
	}
	for _, t := range tools {
		state := "enabled"
		if on, _ := t["enabled"].(bool); !on {
			state = "disabled"
		}
		fmt.Fprintf(stdout, "%v\t%s\t%v\n", t["name"], state, t["description"])
	}
	return 0
}
