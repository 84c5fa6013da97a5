package apperr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"syscall"
)

// Code 错误分类
type Code string

const (
	SourceNotFound          Code = "SourceNotFound"
	BackupSourceInvalid     Code = "BackupSourceInvalid"
	BackupCompressionFailed Code = "BackupCompressionFailed"
	BackupEncryptionFailed  Code = "BackupEncryptionFailed"
	EncryptionFailed        Code = "EncryptionFailed"
	DecryptionFailed        Code = "DecryptionFailed"
	StorageAuthFailed       Code = "StorageAuthFailed"
	StorageUploadFailed     Code = "StorageUploadFailed"
	StorageListFailed       Code = "StorageListFailed"
	StorageDeleteFailed     Code = "StorageDeleteFailed"
	NetworkTimeout          Code = "NetworkTimeout"
	ConfigInvalid           Code = "ConfigInvalid"
	TaskAlreadyRunning      Code = "TaskAlreadyRunning"
	TaskNotFound            Code = "TaskNotFound"
	UnknownError            Code = "UnknownError"
)

// Error 带分类码的错误，Temporary 表示可以重试
type Error struct {
	Code      Code
	Message   string
	Err       error
	Temporary bool
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Temporary 包装一个可重试的错误
func Temporary(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err, Temporary: true}
}

// FromStatus 根据HTTP状态码构造错误：401/403 认证失败，其它4xx不可重试，5xx可重试
func FromStatus(code Code, status int, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Code: StorageAuthFailed, Message: fmt.Sprintf("%s (HTTP %d)", msg, status)}
	case status >= 500:
		return &Error{Code: code, Message: fmt.Sprintf("%s (HTTP %d)", msg, status), Temporary: true}
	default:
		return &Error{Code: code, Message: fmt.Sprintf("%s (HTTP %d)", msg, status)}
	}
}

// Is 判断错误链中是否带有指定分类码
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf 尽力把任意错误归类，无法识别时返回 UnknownError
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if isTimeout(err) {
		return NetworkTimeout
	}
	if errors.Is(err, fs.ErrNotExist) {
		return SourceNotFound
	}
	return UnknownError
}

// Classify 返回错误链中的 *Error，没有时按 CodeOf 归类并保留原始消息
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeOf(err), Err: err}
}

// IsRetryable 超时、连接被重置、5xx 等瞬时错误返回 true
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Temporary || e.Code == NetworkTimeout {
			return true
		}
		if e.Code == StorageAuthFailed || e.Err == nil {
			return false
		}
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if isTimeout(err) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
