// Package errors 提供统一错误辅助，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误；HTTP 层据此映射状态码
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidArg  = errors.New("invalid argument")
	ErrUnavailable = errors.New("unavailable")
	ErrForbidden   = errors.New("forbidden")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is 转发标准库 errors.Is，调用方无需同时导入两个 errors 包
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As 转发标准库 errors.As
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join 转发标准库 errors.Join
func Join(errs ...error) error {
	return errors.Join(errs...)
}
