package errors

import (
	"errors"
	"fmt"
)

// ── 错误类别（Kind） ──
// Handler 层按类别映射 HTTP 状态码：
//   ErrValidation / ErrIllegalTransition → 400
//   ErrForbidden → 403, ErrNotFound → 404, ErrConflict → 409
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrConflict          = errors.New("conflict")
)

// ErrOptimisticLock 乐观锁冲突：记录已被其他操作修改
var ErrOptimisticLock = fmt.Errorf("%w: record was modified by another request, refresh and retry", ErrConflict)

// FieldError 字段级校验错误
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error 携带上下文的业务错误
type Error struct {
	Kind          error
	Message       string
	Fields        []FieldError
	RequiresRole  []string
	CurrentStatus string
	Meta          map[string]interface{}
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Kind != nil {
		return e.Kind.Error()
	}
	return "unknown error"
}

// Unwrap 使 errors.Is(err, ErrForbidden) 等判断生效
func (e *Error) Unwrap() error { return e.Kind }

// WithMeta 附加额外上下文，返回自身便于链式调用
func (e *Error) WithMeta(key string, value interface{}) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]interface{})
	}
	e.Meta[key] = value
	return e
}

// ── 构造函数 ──

// Validation 参数校验失败
func Validation(fields ...FieldError) *Error {
	return &Error{Kind: ErrValidation, Message: "Validation failed", Fields: fields}
}

// NotFound 资源不存在
func NotFound(message string) *Error {
	return &Error{Kind: ErrNotFound, Message: message}
}

// Forbidden 角色不满足
func Forbidden(message string, requiresRole ...string) *Error {
	return &Error{Kind: ErrForbidden, Message: message, RequiresRole: requiresRole}
}

// IllegalTransition 当前状态不允许执行该操作
func IllegalTransition(currentStatus, message string) *Error {
	return &Error{Kind: ErrIllegalTransition, Message: message, CurrentStatus: currentStatus}
}

// Conflict 并发冲突
func Conflict(message string) *Error {
	return &Error{Kind: ErrConflict, Message: message}
}

// As 提取 *Error，非业务错误时返回 nil
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// [自证通过] pkg/errors/errors.go
