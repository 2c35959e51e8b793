package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrArchiveFormat 归档无法读取或已损坏
	ErrArchiveFormat = errors.New("archive format error")
	// ErrClassNotFound 类既不在 overlay 中也不在归档中
	ErrClassNotFound = errors.New("class not found")
	// ErrIO 文件系统读写失败
	ErrIO = errors.New("archive io error")
)

// ArchiveFormatError 打开归档失败
type ArchiveFormatError struct {
	Path string
	Err  error
}

func (e *ArchiveFormatError) Error() string {
	return fmt.Sprintf("cannot read archive %s: %v", e.Path, e.Err)
}

func (e *ArchiveFormatError) Unwrap() error { return e.Err }

func (e *ArchiveFormatError) Is(target error) bool { return target == ErrArchiveFormat }

// ClassNotFoundError 类不存在
type ClassNotFoundError struct {
	Name string
}

func (e *ClassNotFoundError) Error() string {
	return fmt.Sprintf("class not found: %s", e.Name)
}

func (e *ClassNotFoundError) Is(target error) bool { return target == ErrClassNotFound }

// IOError 读写失败，Op 为出错的动作（read、write、rename ...）
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }
