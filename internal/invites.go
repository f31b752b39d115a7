package internal

import (
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/koopa0/match-arena/pkg/errors"
)

// 邀請仲介
//
// 追蹤遊戲邀請：每條目標連接同一時間至多一張待處理邀請，
// 第二張邀請直接拒絕而非排隊。邀請在接受、拒絕、過期
// 或任一方斷線時消費。
//
// 過期策略：邀請不會永遠掛著等待回應，超過 TTL 由掃描
// goroutine 回收，並透過回呼通知發送方。

// PendingInvite 待處理的遊戲邀請
type PendingInvite struct {
	FromConnectionID string    // 發送方連接 ID
	FromUserID       string    // 發送方使用者 ID
	FromName         string    // 發送方顯示名稱
	FromCode         string    // 發送方配對代碼
	ToConnectionID   string    // 目標連接 ID（索引鍵）
	CreatedAt        time.Time // 用於過期判斷
}

// InviteBroker 邀請仲介
type InviteBroker struct {
	pending  map[string]*PendingInvite // toConnID -> invite
	mu       sync.Mutex
	presence *PresenceRegistry
	logger   *slog.Logger

	ttl       time.Duration
	onExpired func(*PendingInvite) // 過期通知回呼（鎖外呼叫）

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewInviteBroker 創建邀請仲介並啟動過期掃描
func NewInviteBroker(presence *PresenceRegistry, ttl, sweepInterval time.Duration, onExpired func(*PendingInvite), logger *slog.Logger) *InviteBroker {
	b := &InviteBroker{
		pending:   make(map[string]*PendingInvite),
		presence:  presence,
		logger:    logger,
		ttl:       ttl,
		onExpired: onExpired,
		stopCh:    make(chan struct{}),
	}

	b.wg.Add(1)
	go b.sweepLoop(sweepInterval)

	return b
}

// Send 發送邀請
//
// 失敗情況：
//   - ErrInvalidTarget：代碼不存在，或解析結果是發送方自己
//   - ErrTargetOffline：使用者存在但目前沒有連接
//   - ErrInvitePending：目標連接已有待處理邀請（保留原邀請）
func (b *InviteBroker) Send(from *OnlineSession, toCode string) (*PendingInvite, error) {
	targetUserID, ok := b.presence.LookupByCode(toCode)
	if !ok || targetUserID == from.UserID {
		return nil, apperrors.ErrInvalidTarget
	}

	targetConnID, ok := b.presence.LookupConnection(targetUserID)
	if !ok {
		return nil, apperrors.ErrTargetOffline
	}

	invite := &PendingInvite{
		FromConnectionID: from.ConnectionID,
		FromUserID:       from.UserID,
		FromName:         from.Username,
		FromCode:         from.Code,
		ToConnectionID:   targetConnID,
		CreatedAt:        time.Now(),
	}

	b.mu.Lock()
	if _, exists := b.pending[targetConnID]; exists {
		b.mu.Unlock()
		return nil, apperrors.ErrInvitePending
	}
	b.pending[targetConnID] = invite
	b.mu.Unlock()

	b.logger.Info("邀請已發出",
		"from", from.Username,
		"from_connection", from.ConnectionID,
		"to_connection", targetConnID)

	return invite, nil
}

// Accept 接受邀請
//
// claimedSenderConnID 必須與存儲的發送方一致，
// 防止過期或偽造的接受事件配錯對手。
func (b *InviteBroker) Accept(accepterConnID, claimedSenderConnID string) (*PendingInvite, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	invite, exists := b.pending[accepterConnID]
	if !exists || invite.FromConnectionID != claimedSenderConnID {
		return nil, apperrors.ErrNoPendingInvite
	}

	delete(b.pending, accepterConnID)
	return invite, nil
}

// Reject 拒絕邀請
//
// 返回被拒絕的邀請供呼叫端通知發送方；沒有邀請時為 no-op。
func (b *InviteBroker) Reject(accepterConnID string) (*PendingInvite, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	invite, exists := b.pending[accepterConnID]
	if !exists {
		return nil, false
	}

	delete(b.pending, accepterConnID)
	return invite, true
}

// DropByConnection 清除與某連接相關的所有邀請
//
// 斷線時呼叫：該連接作為目標的邀請、以及它發出的邀請都一併作廢。
func (b *InviteBroker) DropByConnection(connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.pending, connectionID)
	for to, invite := range b.pending {
		if invite.FromConnectionID == connectionID {
			delete(b.pending, to)
		}
	}
}

// Count 待處理邀請數
func (b *InviteBroker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// sweepLoop 定期回收過期邀請
func (b *InviteBroker) sweepLoop(interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-b.stopCh:
			return
		}
	}
}

// Sweep 執行一次過期回收（公開方法供測試使用）
func (b *InviteBroker) Sweep() {
	b.sweep()
}

// sweep 回收過期邀請
func (b *InviteBroker) sweep() {
	now := time.Now()

	b.mu.Lock()
	var expired []*PendingInvite
	for to, invite := range b.pending {
		if now.Sub(invite.CreatedAt) > b.ttl {
			delete(b.pending, to)
			expired = append(expired, invite)
		}
	}
	b.mu.Unlock()

	// 回呼在鎖外進行，避免通知路徑反過來拿仲介的鎖
	for _, invite := range expired {
		b.logger.Info("邀請已過期",
			"from_connection", invite.FromConnectionID,
			"to_connection", invite.ToConnectionID)
		if b.onExpired != nil {
			b.onExpired(invite)
		}
	}
}

// Stop 停止過期掃描
func (b *InviteBroker) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}
