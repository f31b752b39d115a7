package internal

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// 在線名冊
//
// 系統設計問題：
//   如何追蹤「誰在線上、在哪條連接上」，並在重複登入與斷線時保持一致？
//
// 核心挑戰：
//   1. 三個索引（連接 ID、使用者 ID、配對代碼）必須永遠互相一致
//   2. 同一使用者重複登入：舊連接要被踢下線，不能留下兩份會話
//   3. 斷線清理可能與新登入競爭：舊連接的清理不能誤刪新會話
//
// 設計方案：
//   ✅ 單一 RWMutex 保護三個索引，增刪一律整組原子更新
//   ✅ Register 返回被頂替的舊會話，由呼叫端負責通知與斷開
//   ✅ Remove 只在使用者索引仍指向該連接時才刪除（防止過期清理）
//   ✅ 身份服務的持久化在鎖外進行，失敗只記日誌不阻塞

// OnlineSession 一位已驗證使用者的在線會話
//
// 每位在線使用者恰好一筆，由名冊獨佔持有；
// 連接處理器在 Register 返回後不保留副本。
type OnlineSession struct {
	UserID       string `json:"userId"`   // 持久使用者 ID
	ConnectionID string `json:"-"`        // 當前連接 ID（重連會改變）
	Username     string `json:"username"`
	Code         string `json:"code"` // 配對代碼（正規化後）
}

// PresenceRegistry 在線名冊
type PresenceRegistry struct {
	byConnection map[string]*OnlineSession // connID -> session
	byUser       map[string]*OnlineSession // userID -> session
	byCode       map[string]string         // code -> userID
	mu           sync.RWMutex

	identity Identity
	logger   *slog.Logger
}

// NewPresenceRegistry 創建在線名冊
func NewPresenceRegistry(identity Identity, logger *slog.Logger) *PresenceRegistry {
	return &PresenceRegistry{
		byConnection: make(map[string]*OnlineSession),
		byUser:       make(map[string]*OnlineSession),
		byCode:       make(map[string]string),
		identity:     identity,
		logger:       logger,
	}
}

// NormalizeCode 配對代碼正規化
//
// 代碼是人手輸入的，建索引與查詢前一律去空白、轉大寫。
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Register 登記新會話
//
// 若同一使用者已在另一條連接上在線，返回被頂替的舊會話，
// 呼叫端需向舊連接發出 force-disconnect 並關閉它；
// 三個索引在同一臨界區內整組更新。
func (p *PresenceRegistry) Register(ctx context.Context, connectionID string, profile *UserProfile) (session, evicted *OnlineSession) {
	code := NormalizeCode(profile.Code)

	session = &OnlineSession{
		UserID:       profile.UserID,
		ConnectionID: connectionID,
		Username:     profile.Username,
		Code:         code,
	}

	p.mu.Lock()
	if old, exists := p.byUser[profile.UserID]; exists && old.ConnectionID != connectionID {
		evicted = old
		delete(p.byConnection, old.ConnectionID)
	}
	p.byConnection[connectionID] = session
	p.byUser[profile.UserID] = session
	p.byCode[code] = profile.UserID
	p.mu.Unlock()

	p.logger.Info("使用者上線",
		"user_id", profile.UserID,
		"username", profile.Username,
		"code", code,
		"connection_id", connectionID)

	// 持久化在線狀態（鎖外進行，失敗不影響名冊）
	if err := p.identity.SetPresence(ctx, profile.UserID, Presence{
		ConnectionID: &connectionID,
		Online:       true,
		LastSeen:     time.Now(),
	}); err != nil {
		p.logger.Warn("持久化在線狀態失敗", "user_id", profile.UserID, "error", err)
	}

	return session, evicted
}

// Remove 移除會話
//
// 返回被移除的會話；該連接沒有會話時返回 nil。
// 使用者索引只在仍指向這條連接時才刪除：
// 舊連接的斷線清理可能晚於同一使用者的新登入到達，
// 這個檢查保證過期的清理不會刪掉新會話。
func (p *PresenceRegistry) Remove(ctx context.Context, connectionID string) *OnlineSession {
	p.mu.Lock()
	session, exists := p.byConnection[connectionID]
	if !exists {
		p.mu.Unlock()
		return nil
	}

	delete(p.byConnection, connectionID)
	if current, ok := p.byUser[session.UserID]; ok && current.ConnectionID == connectionID {
		delete(p.byUser, session.UserID)
		delete(p.byCode, session.Code)
	}
	p.mu.Unlock()

	p.logger.Info("使用者離線",
		"user_id", session.UserID,
		"username", session.Username,
		"connection_id", connectionID)

	// 斷線清理不能被持久化失敗阻塞，失敗只記日誌
	if err := p.identity.SetPresence(ctx, session.UserID, Presence{
		ConnectionID: nil,
		Online:       false,
		LastSeen:     time.Now(),
	}); err != nil {
		p.logger.Warn("持久化離線狀態失敗", "user_id", session.UserID, "error", err)
	}

	return session
}

// LookupByCode 以配對代碼查使用者
func (p *PresenceRegistry) LookupByCode(code string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	userID, ok := p.byCode[NormalizeCode(code)]
	return userID, ok
}

// LookupConnection 查使用者當前的連接 ID
func (p *PresenceRegistry) LookupConnection(userID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	session, ok := p.byUser[userID]
	if !ok {
		return "", false
	}
	return session.ConnectionID, true
}

// Session 查連接對應的會話
func (p *PresenceRegistry) Session(connectionID string) (*OnlineSession, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	session, ok := p.byConnection[connectionID]
	return session, ok
}

// Count 在線人數
func (p *PresenceRegistry) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byConnection)
}
