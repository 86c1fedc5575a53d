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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// ParseArguments 解析模型给出的原始参数文本；空串视为 {}
func ParseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		// "null"
		return map[string]any{}, nil
	}
	return args, nil
}

// Validator 编译后的参数校验器，并发安全
type Validator struct {
	resolved *jsonschema.Resolved
}

// Compile 将 Schema 编译为 jsonschema-go 校验器；工具注册时调用一次
func (s Schema) Compile() (*Validator, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var js jsonschema.Schema
	if err := json.Unmarshal(raw, &js); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	resolved, err := js.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	return &Validator{resolved: resolved}, nil
}

// Validate 按 JSON Schema 校验参数（required、type、enum 以及嵌套的 items/properties）
func (v *Validator) Validate(args map[string]any) error {
	if v == nil || v.resolved == nil {
		return nil
	}
	return v.resolved.Validate(args)
}
