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

package builtin

import (
	"fmt"
	"sort"
	"time"

	"github.com/thegarrettscott/chatmcp/internal/tool"
	"github.com/thegarrettscott/chatmcp/internal/tool/registry"
	"github.com/thegarrettscott/chatmcp/pkg/config"
)

// RegisterLocal 注册内置本地工具
func RegisterLocal(reg *registry.Registry) error {
	timeTarget, timeSchema, err := Func(CurrentTime(time.Now))
	if err != nil {
		return err
	}
	if err := reg.Register("get_current_time", "Get the current date and time in a timezone", timeTarget, timeSchema); err != nil {
		return err
	}

	weatherTarget, weatherSchema, err := Func(MockWeather)
	if err != nil {
		return err
	}
	return reg.Register("get_weather", "Get the current weather for a location (demo data)", weatherTarget, weatherSchema)
}

// RegisterHTTP 注册配置中声明的 HTTP 工具；同名时覆盖内置工具
func RegisterHTTP(reg *registry.Registry, tools []config.HTTPToolConfig) error {
	for _, tc := range tools {
		if tc.Name == "" || tc.URL == "" {
			return fmt.Errorf("http 工具需要 name 与 url: %+v", tc)
		}
		target, err := NewHTTPTarget(tc.URL, tc.Method, tc.Headers)
		if err != nil {
			return fmt.Errorf("http 工具 %s: %w", tc.Name, err)
		}
		opts := []registry.RegisterOption{registry.WithSource(tool.SourceHTTP)}
		if d := config.Duration(tc.Timeout, 0); d > 0 {
			opts = append(opts, registry.WithToolTimeout(d))
		}
		if tc.Disabled {
			opts = append(opts, registry.Disabled())
		}
		if err := reg.Register(tc.Name, tc.Description, target, SchemaFromParams(tc.Parameters), opts...); err != nil {
			return err
		}
	}
	return nil
}

// SchemaFromParams 将配置中的参数声明转换为 Schema
func SchemaFromParams(params map[string]config.ParamConfig) tool.Schema {
	props := make(map[string]tool.SchemaProperty, len(params))
	var required []string
	for name, p := range params {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		prop := tool.SchemaProperty{Type: typ, Description: p.Description}
		for _, e := range p.Enum {
			prop.Enum = append(prop.Enum, e)
		}
		props[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	s := tool.ObjectSchema(props, required...)
	sort.Strings(s.Required)
	return s
}
