package broker

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind 对错误进行分类，供适配层向调用方转述可操作的细节。
type ErrorKind string

const (
	ErrAuthentication       ErrorKind = "authentication"
	ErrRateLimit            ErrorKind = "rate_limit"
	ErrInstrumentResolution ErrorKind = "instrument_resolution"
	ErrInvalidOrderSpec     ErrorKind = "invalid_order_spec"
	ErrMarketClosed         ErrorKind = "market_closed"
	ErrOrderNotEditable     ErrorKind = "order_not_editable"
	ErrUnsupportedOperation ErrorKind = "unsupported_operation"
	ErrStaleData            ErrorKind = "stale_data"
	ErrSchedulePersistence  ErrorKind = "schedule_persistence"
	ErrOrderRejected        ErrorKind = "order_rejected"
	ErrTransient            ErrorKind = "transient"
)

// Error 为结构化错误：分类、描述以及相关标识符。
type Error struct {
	Kind    ErrorKind
	Message string
	Symbol  string
	OrderID string
	TaskID  string
	Err     error
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	var ids []string
	if e.Symbol != "" {
		ids = append(ids, "symbol="+e.Symbol)
	}
	if e.OrderID != "" {
		ids = append(ids, "order_id="+e.OrderID)
	}
	if e.TaskID != "" {
		ids = append(ids, "task_id="+e.TaskID)
	}
	if len(ids) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ids, " "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap 返回底层错误。
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError 构造指定分类的结构化错误。
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError 以指定分类包装底层错误。
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf 返回错误的分类；非结构化错误返回空串。
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind 判断错误链中是否存在指定分类。
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryable 判断错误是否可在读路径上重试一次。
// 写路径（提交/撤单/改单）永不自动重试，避免重复下单。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case ErrTransient, ErrRateLimit:
		return true
	default:
		return false
	}
}
