package internal

import (
	"context"
	"time"
)

// 身份服務
//
// 帳號系統（註冊、登入、憑證）由外部服務負責，核心只透過兩個操作與它互動：
//   - 以持久使用者 ID 解析出公開資料（用戶名、配對代碼）
//   - 回寫在線狀態（連接 ID、是否在線、最後上線時間）
//
// 握手驗證期間的身份解析是本核心唯一會阻塞的呼叫，
// 因此兩個方法都接受 context，連接中斷時可放棄等待。

// UserProfile 使用者公開資料
type UserProfile struct {
	UserID   string
	Username string
	Code     string // 6 位配對代碼（如 "ABC123"）
}

// Presence 在線狀態欄位
type Presence struct {
	ConnectionID *string   // nil 表示離線
	Online       bool
	LastSeen     time.Time
}

// Identity 身份服務介面
type Identity interface {
	// ResolveUser 解析使用者，不存在時返回 ErrUserNotFound
	ResolveUser(ctx context.Context, userID string) (*UserProfile, error)

	// SetPresence 回寫在線狀態
	SetPresence(ctx context.Context, userID string, presence Presence) error
}

// isValidUserID 檢查持久使用者 ID 格式
//
// 帳號系統發放的 ID 是 24 位十六進制字串，
// 握手階段先做格式檢查，避免對明顯非法的 ID 查詢資料庫。
func isValidUserID(id string) bool {
	if len(id) != 24 {
		return false
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
