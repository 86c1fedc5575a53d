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
	"unicode"
	"unicode/utf8"
)

// Rechunk 按词切分文本用于合成流式输出；每段保留其后的空白，拼接后与原文完全一致
func Rechunk(text string) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	start := 0
	inSpace := false
	seenWord := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if !space && inSpace && seenWord {
			chunks = append(chunks, text[start:i])
			start = i
		}
		if !space {
			seenWord = true
		}
		inSpace = space
	}
	chunks = append(chunks, text[start:])
	return chunks
}

// EstimateTokens 粗略估算文本 token 数（4 字节 ≈ 1 token，至少按字符数的 1/2 计以照顾 CJK）
func EstimateTokens(text string) int {
	n := len(text) / 4
	if c := utf8.RuneCountInString(text) / 2; c > n && len(text) > utf8.RuneCountInString(text) {
		n = c
	}
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateRequestTokens 估算请求输入 token 数，用于限流预扣
func EstimateRequestTokens(req Request) int {
	n := 0
	for _, m := range req.Messages {
		n += EstimateTokens(m.Content)
		for _, c := range m.ToolCalls {
			n += EstimateTokens(c.Arguments)
		}
	}
	return n
}
