// Package errors 提供應用程式錯誤處理
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeUnauthorized 握手未攜帶合法的使用者識別碼
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeUserNotFound 身份服務查無此使用者
	ErrCodeUserNotFound = "USER_NOT_FOUND"
	// ErrCodeInvalidTarget 邀請目標無效（代碼不存在或指向自己）
	ErrCodeInvalidTarget = "INVALID_TARGET"
	// ErrCodeTargetOffline 邀請目標不在線上
	ErrCodeTargetOffline = "TARGET_OFFLINE"
	// ErrCodeInvitePending 目標已有待處理的邀請
	ErrCodeInvitePending = "INVITE_PENDING"
	// ErrCodeNoPendingInvite 沒有可接受的邀請
	ErrCodeNoPendingInvite = "NO_PENDING_INVITE"
	// ErrCodeRoomNotFound 房間不存在
	ErrCodeRoomNotFound = "ROOM_NOT_FOUND"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
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
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is
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

// WithDetails 添加詳細資訊
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// 預定義錯誤
//
// 邀請流程錯誤的 Message 會原樣送到請求端（invite-error 事件），
// 因此沿用前端協議的英文文案。
var (
	// ErrUnauthorized 握手缺少 userId
	ErrUnauthorized = New(ErrCodeUnauthorized, "Unauthorized: userId required")

	// ErrUserNotFound 身份解析失敗
	ErrUserNotFound = New(ErrCodeUserNotFound, "User not found")

	// ErrInvalidTarget 代碼無效或指向自己
	ErrInvalidTarget = New(ErrCodeInvalidTarget, "Invalid or offline user")

	// ErrTargetOffline 目標使用者不在線上
	ErrTargetOffline = New(ErrCodeTargetOffline, "User is offline")

	// ErrInvitePending 目標已有待處理邀請
	ErrInvitePending = New(ErrCodeInvitePending, "Invite already sent")

	// ErrNoPendingInvite 沒有對應的待處理邀請
	ErrNoPendingInvite = New(ErrCodeNoPendingInvite, "No pending invite")

	// ErrRoomNotFound 房間不存在或已銷毀
	ErrRoomNotFound = New(ErrCodeRoomNotFound, "Room not found")

	// ErrDatabaseUnavailable 資料庫不可用
	ErrDatabaseUnavailable = New(ErrCodeUnavailable, "database service unavailable")
)

// IsUserNotFound 檢查是否為使用者不存在錯誤
func IsUserNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeUserNotFound
	}
	return false
}

// IsInviteError 檢查是否為邀請流程錯誤（應回報給請求端而非斷線）
func IsInviteError(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case ErrCodeInvalidTarget, ErrCodeTargetOffline, ErrCodeInvitePending, ErrCodeNoPendingInvite:
		return true
	}
	return false
}

// IsRoomNotFound 檢查是否為房間不存在錯誤
func IsRoomNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeRoomNotFound
	}
	return false
}
