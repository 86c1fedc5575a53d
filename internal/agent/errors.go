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

package agent

import (
	"fmt"

	"github.com/thegarrettscott/chatmcp/pkg/errors"
)

// ValidationError 请求参数不合法，在打开流之前同步返回
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap 使 errors.Is(err, errors.ErrInvalidArg) 成立
func (e *ValidationError) Unwrap() error { return errors.ErrInvalidArg }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
