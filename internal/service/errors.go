package service

import (
	"errors"
	"net/http"

	"github.com/jar-analysis/jar-analysis-go/internal/archive"
	"github.com/jar-analysis/jar-analysis-go/internal/classfile"
)

var (
	// ErrSessionNotFound 会话不存在或已关闭
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidArgument 请求参数不合法
	ErrInvalidArgument = errors.New("invalid argument")
)

// HTTPStatus 把服务层错误映射为 HTTP 状态码
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, archive.ErrClassNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, classfile.ErrMalformedClass), errors.Is(err, classfile.ErrLimitExceeded), errors.Is(err, archive.ErrArchiveFormat):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
