package apperror

import (
	"errors"
	"net/http"
)

// 机器可读错误码。
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeNotFound   = "NOT_FOUND"
	CodeStore      = "STORE_ERROR"
	CodeInternal   = "INTERNAL_ERROR"
)

// Error 是对外暴露的类型化错误，携带错误码与 HTTP 语义的状态分类。
type Error struct {
	Code    string      `json:"code"`
	Status  int         `json:"-"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	Err     error       `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation 构造输入校验错误。
func Validation(message string, details interface{}) *Error {
	return &Error{Code: CodeValidation, Status: http.StatusBadRequest, Message: message, Details: details}
}

// NotFound 构造资源不存在错误。
func NotFound(message string, cause error) *Error {
	return &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: message, Err: cause}
}

// Store 构造不可重试的存储错误（如约束冲突）。
func Store(cause error) *Error {
	return &Error{Code: CodeStore, Status: http.StatusConflict, Message: "store rejected the operation", Err: cause}
}

// Internal 构造内部错误，对外只暴露通用信息。
func Internal(cause error) *Error {
	return &Error{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "internal error", Err: cause}
}

// As 提取 *Error；非类型化错误统一归为内部错误。
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// Is 判断错误是否带有指定错误码。
func Is(err error, code string) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
