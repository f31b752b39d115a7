// Package testutils 提供測試用的共用工具和輔助函數
//
// 包含身份服務的記憶體 mock（帶呼叫計數與錯誤注入），
// 以及整合測試用的測試容器管理（PostgreSQL、Redis）。
package testutils

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/koopa0/match-arena/internal"
	apperrors "github.com/koopa0/match-arena/pkg/errors"
)

// MemoryIdentity 實作 internal.Identity 介面的記憶體 mock
type MemoryIdentity struct {
	mu       sync.RWMutex
	users    map[string]internal.UserProfile // userID -> profile
	presence map[string]internal.Presence    // userID -> 最後寫入的狀態

	// 記錄呼叫次數
	ResolveCalls     atomic.Int32
	SetPresenceCalls atomic.Int32

	// 錯誤注入（受 mu 保護，hub 的 goroutine 會併發讀取）
	failNext  bool
	failError error
}

// NewMemoryIdentity 創建記憶體身份服務
func NewMemoryIdentity() *MemoryIdentity {
	return &MemoryIdentity{
		users:    make(map[string]internal.UserProfile),
		presence: make(map[string]internal.Presence),
	}
}

// AddUser 預置一位使用者
func (m *MemoryIdentity) AddUser(userID, username, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = internal.UserProfile{
		UserID:   userID,
		Username: username,
		Code:     code,
	}
}

// FailNext 讓下一次 ResolveUser 或 SetPresence 返回指定錯誤
func (m *MemoryIdentity) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = true
	m.failError = err
}

// takeInjectedFailure 消費一次性注入的錯誤
func (m *MemoryIdentity) takeInjectedFailure() (error, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.failNext {
		return nil, false
	}
	m.failNext = false
	return m.failError, true
}

// ResolveUser 實作 Identity 介面
func (m *MemoryIdentity) ResolveUser(ctx context.Context, userID string) (*internal.UserProfile, error) {
	m.ResolveCalls.Add(1)

	if err, ok := m.takeInjectedFailure(); ok {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	profile, exists := m.users[userID]
	if !exists {
		return nil, apperrors.ErrUserNotFound
	}
	return &profile, nil
}

// SetPresence 實作 Identity 介面
func (m *MemoryIdentity) SetPresence(ctx context.Context, userID string, presence internal.Presence) error {
	m.SetPresenceCalls.Add(1)

	if err, ok := m.takeInjectedFailure(); ok {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[userID]; !exists {
		return apperrors.ErrUserNotFound
	}
	m.presence[userID] = presence
	return nil
}

// LastPresence 取最後一次寫入的在線狀態
func (m *MemoryIdentity) LastPresence(userID string) (internal.Presence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.presence[userID]
	return p, ok
}
