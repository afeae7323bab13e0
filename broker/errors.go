package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass 券商错误分类，决定重试策略。
type ErrorClass int

const (
	// ClassTransient 暂时性故障（超时、5xx、限流），由重试控制器透明重试。
	ClassTransient ErrorClass = iota
	// ClassBusiness 业务拒绝（资金/保证金不足），进重试队列延后处理，不立即重试。
	ClassBusiness
	// ClassFatal 结构性失败（非法标的、鉴权失败），立即上抛，不消耗重试预算。
	ClassFatal
)

// String 返回分类名称
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassBusiness:
		return "business"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error 带分类的券商错误。
type Error struct {
	Class   ErrorClass
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker %s [%s]: %s: %v", e.Class, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker %s [%s]: %s", e.Class, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransient 构造暂时性错误
func NewTransient(code, message string, err error) *Error {
	return &Error{Class: ClassTransient, Code: code, Message: message, Err: err}
}

// NewBusiness 构造业务拒绝错误
func NewBusiness(code, message string, err error) *Error {
	return &Error{Class: ClassBusiness, Code: code, Message: message, Err: err}
}

// NewFatal 构造结构性错误
func NewFatal(code, message string, err error) *Error {
	return &Error{Class: ClassFatal, Code: code, Message: message, Err: err}
}

// 常见错误码
const (
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeMarginUnavailable = "MARGIN_UNAVAILABLE"
	CodeInvalidInstrument = "INVALID_INSTRUMENT"
	CodeMarketClosed      = "MARKET_CLOSED"
	CodeRateLimited       = "RATE_LIMITED"
	CodeAuthFailed        = "AUTH_FAILED"
	CodeOrderNotFound     = "ORDER_NOT_FOUND"
	CodeUnavailable       = "UNAVAILABLE"
	CodeCircuitOpen       = "CIRCUIT_OPEN"
)

// ErrOrderNotFound 券商查无此单。
var ErrOrderNotFound = &Error{Class: ClassFatal, Code: CodeOrderNotFound, Message: "order not found at broker"}

// ClassOf 对任意错误归类。未带分类的网络/超时错误按暂时性处理，
// 其余未知错误按结构性处理（宁可上抛也不要盲目重试）。
func ClassOf(err error) ErrorClass {
	var be *Error
	if errors.As(err, &be) {
		return be.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassFatal
}

// CodeOf 提取错误码，无分类时为空。
func CodeOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// IsRetryQueueable 判断是否应进入计划重试队列（资金类业务拒绝）。
func IsRetryQueueable(err error) bool {
	switch CodeOf(err) {
	case CodeInsufficientFunds, CodeMarginUnavailable:
		return true
	default:
		return false
	}
}
