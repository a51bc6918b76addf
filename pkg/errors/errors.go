// Package errors 提供應用程式錯誤處理
//
// 每個錯誤都帶有穩定的錯誤碼，呼叫端（HTTP、WebSocket、測試）依錯誤碼判斷原因，
// 而不是比對字串。
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyInSession = "ALREADY_IN_SESSION"
	ErrCodeNotJoinable      = "SESSION_NOT_JOINABLE"
	ErrCodeOwnSession       = "CANNOT_JOIN_OWN_SESSION"
	ErrCodeSessionFull      = "SESSION_FULL"
	ErrCodeNotInSession     = "NOT_IN_SESSION"
	ErrCodeNotPlaying       = "NOT_PLAYING"
	ErrCodeFinished         = "SESSION_FINISHED"
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeUnauthenticated  = "UNAUTHENTICATED"
	ErrCodeUnavailable      = "SERVICE_UNAVAILABLE"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回附帶詳細資訊的副本，預定義錯誤本身不會被修改
func (e *AppError) WithDetails(format string, args ...any) *AppError {
	c := *e
	c.Details = fmt.Sprintf(format, args...)
	return &c
}

// Code 取出錯誤碼，非 AppError 一律視為內部錯誤
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}
