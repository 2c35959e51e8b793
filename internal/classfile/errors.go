package classfile

import (
	"errors"
	"fmt"
)

// ErrMalformedClass 类文件结构非法
var ErrMalformedClass = errors.New("malformed class file")

// ErrLimitExceeded 修改后超出类文件格式上限（常量池 65535 项、方法体 65535 字节等）
var ErrLimitExceeded = errors.New("class file limit exceeded")

// MalformedClassError 解析失败时返回，Offset 为出错位置
type MalformedClassError struct {
	Offset int
	Reason string
}

func (e *MalformedClassError) Error() string {
	return fmt.Sprintf("malformed class file at offset %d: %s", e.Offset, e.Reason)
}

// Is 支持 errors.Is(err, ErrMalformedClass)
func (e *MalformedClassError) Is(target error) bool {
	return target == ErrMalformedClass
}

func malformed(offset int, format string, args ...interface{}) error {
	return &MalformedClassError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

func limitExceeded(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrLimitExceeded, fmt.Sprintf(format, args...))
}
