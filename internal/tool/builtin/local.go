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
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// TimeArgs get_current_time 参数
type TimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name such as Europe/Paris; defaults to UTC"`
}

// CurrentTime 返回指定时区的当前时间
func CurrentTime(now func() time.Time) func(ctx context.Context, args TimeArgs) (any, error) {
	return func(ctx context.Context, args TimeArgs) (any, error) {
		tz := args.Timezone
		if tz == "" {
			tz = "UTC"
		}
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		t := now().In(loc)
		return map[string]any{
			"timezone": tz,
			"time":     t.Format(time.RFC3339),
			"weekday":  t.Weekday().String(),
		}, nil
	}
}

// WeatherArgs get_weather 参数
type WeatherArgs struct {
	Location string `json:"location" jsonschema:"description=City name such as Paris"`
	Units    string `json:"units,omitempty" jsonschema:"enum=metric,enum=imperial,description=Unit system"`
}

var conditions = []string{"sunny", "partly cloudy", "cloudy", "light rain", "windy"}

// MockWeather 示例天气工具：按地名确定性地生成数据，便于本地联调工具调用链路
func MockWeather(ctx context.Context, args WeatherArgs) (any, error) {
	loc := strings.TrimSpace(args.Location)
	if loc == "" {
		return nil, fmt.Errorf("location is required")
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(loc)))
	seed := h.Sum32()

	celsius := float64(seed%35) - 5
	units := args.Units
	if units == "" {
		units = "metric"
	}
	temp, unit := celsius, "C"
	if units == "imperial" {
		temp, unit = celsius*9/5+32, "F"
	}
	return map[string]any{
		"location":    loc,
		"temperature": temp,
		"unit":        unit,
		"condition":   conditions[int(seed/35)%len(conditions)],
		"humidity":    int(seed%60) + 30,
	}, nil
}
