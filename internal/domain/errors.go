package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 表示仓储查询结果为空。
	ErrNotFound = errors.New("domain: not found")
	// ErrStoreTransient 标记可重试的存储错误（超时、连接中断等）。
	ErrStoreTransient = errors.New("domain: store transient error")
	// ErrStoreTerminal 标记不可重试的存储错误（约束冲突等）。
	ErrStoreTerminal = errors.New("domain: store terminal error")
	// ErrEmptyFilter 拒绝无条件的批量删除。
	ErrEmptyFilter = errors.New("domain: empty filter")
)

// StoreError 包装底层驱动错误并携带分类。
type StoreError struct {
	Kind error
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// NewTransientError 构造可重试的存储错误。
func NewTransientError(op string, err error) error {
	return &StoreError{Kind: ErrStoreTransient, Op: op, Err: err}
}

// NewTerminalError 构造不可重试的存储错误。
func NewTerminalError(op string, err error) error {
	return &StoreError{Kind: ErrStoreTerminal, Op: op, Err: err}
}

// IsTransient 判断错误是否允许重试。
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreTransient)
}
