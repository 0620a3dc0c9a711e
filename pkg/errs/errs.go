// Package errs 定义统一错误码
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	CodeOK       Code = "OK"
	CodeUnknown  Code = "UNKNOWN"
	CodeInternal Code = "INTERNAL"

	// 交易
	CodeInvalidInput          Code = "INVALID_INPUT"
	CodeMarketDataUnavailable Code = "MARKET_DATA_UNAVAILABLE"
	CodeOrderNotFound         Code = "ORDER_NOT_FOUND"

	// 资金
	CodeInsufficientBalance      Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientAssetBalance Code = "INSUFFICIENT_ASSET_BALANCE"
	CodeAccountNotFound          Code = "ACCOUNT_NOT_FOUND"

	// 系统
	CodeUnavailable Code = "UNAVAILABLE"
	CodeTimeout     Code = "TIMEOUT"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// CodeOf 提取错误码，非业务错误返回 UNKNOWN
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Is 判断错误码
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeUnavailable, CodeTimeout, CodeMarketDataUnavailable:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeInsufficientBalance, CodeInsufficientAssetBalance:
		return http.StatusUnprocessableEntity
	case CodeAccountNotFound, CodeOrderNotFound:
		return http.StatusNotFound
	case CodeMarketDataUnavailable, CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidInput          = New(CodeInvalidInput, "invalid input")
	ErrMarketDataUnavailable = New(CodeMarketDataUnavailable, "no live quote for market")
	ErrInsufficientBalance   = New(CodeInsufficientBalance, "insufficient balance")
	ErrInsufficientAsset     = New(CodeInsufficientAssetBalance, "insufficient asset balance")
	ErrAccountNotFound       = New(CodeAccountNotFound, "account not found")
	ErrOrderNotFound         = New(CodeOrderNotFound, "order not found")
)
