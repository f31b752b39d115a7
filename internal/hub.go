package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "github.com/koopa0/match-arena/pkg/errors"
)

// 連接中心
//
// 系統設計問題：
//   如何在一條長連接上完成身份握手、事件分發與斷線恢復？
//
// 核心挑戰：
//   1. 握手門檻：驗證完成前不得處理任何遊戲事件
//   2. 重複登入：同一使用者的新連接要頂替舊連接
//   3. 事件順序：單條連接的事件必須按到達順序逐一處理
//   4. 斷線恢復：連接中斷要同時清理在線名冊、邀請與對局
//
// 設計方案：
//   ✅ 握手在升級後的第一幀完成，成功才註冊連接並啟動收發
//   ✅ readPump 單 goroutine 順序分發，天然滿足逐事件處理
//   ✅ Ping/Pong 心跳檢測死連接（54s/60s）
//   ✅ 廣播失敗降級為該連接的斷線事件，復用既有清理路徑

// handshakeTimeout 握手第一幀的等待上限
const handshakeTimeout = 10 * time.Second

// Hub 連接中心
//
// 每條連接的唯一入口：完成握手後把入站事件路由到
// 在線名冊、邀請仲介與對局引擎，並把狀態變更廣播回連接。
type Hub struct {
	presence *PresenceRegistry
	invites  *InviteBroker
	games    *GameEngine
	identity Identity
	logger   *slog.Logger

	upgrader websocket.Upgrader
	conns    map[string]*Connection // connID -> Connection
	mu       sync.RWMutex
}

// Connection 一條已升級的 WebSocket 連接
type Connection struct {
	ID     string // 連接 ID，重連會改變
	UserID string // 握手成功後填入

	Conn      *websocket.Conn
	Send      chan []byte
	Hub       *Hub
	closeOnce sync.Once // 確保 channel 只關閉一次
}

// NewHub 創建連接中心
//
// 邀請仲介由 Hub 自行構建：過期通知需要回到發送方的連接上。
func NewHub(presence *PresenceRegistry, games *GameEngine, identity Identity, cfg *Config, logger *slog.Logger) *Hub {
	hub := &Hub{
		presence: presence,
		games:    games,
		identity: identity,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[string]*Connection),
	}

	hub.invites = NewInviteBroker(presence, cfg.Invite.TTL, cfg.Invite.SweepInterval, hub.inviteExpired, logger)

	return hub
}

// ServeWS 處理 WebSocket 連接
//
// 升級後先跑身份握手，成功才註冊連接、發送 joined 並啟動收發；
// 握手失敗發送 auth-error 後直接關閉，遊戲事件一律不處理。
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	connID := uuid.NewString()

	connection := &Connection{
		ID:   connID,
		Conn: ws,
		Send: make(chan []byte, 256),
		Hub:  hub,
	}

	profile, err := hub.handshake(connection)
	if err != nil {
		hub.writeDirect(ws, EventAuthError, errorMessage{Message: appMessage(err)})
		ws.Close()
		return
	}

	connection.UserID = profile.UserID

	// 連接一律先進 conns 再登記會話：同一使用者的併發登入
	// 互相頂替時，kick 必須能在 conns 裡找到被頂替的連接，
	// 否則舊連接收不到 force-disconnect、也不會被關閉
	hub.register(connection)

	// 登記會話；同一使用者的舊連接被頂替，送出通知後關閉
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_, evicted := hub.presence.Register(ctx, connID, profile)
	cancel()
	if evicted != nil {
		hub.kick(evicted.ConnectionID, "You logged in from another device")
	}

	// joined 在收發 goroutine 啟動前直接寫出（此時 writePump 尚未
	// 啟動，不會有併發寫入）；寫失敗代表連接已死，剛建立的會話
	// 與 conns 條目都必須撤銷，不能留下殭屍條目
	if err := hub.writeDirect(ws, EventJoined, joinedMessage{
		UserID:   profile.UserID,
		Username: profile.Username,
		Code:     NormalizeCode(profile.Code),
	}); err != nil {
		removeCtx, removeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		hub.presence.Remove(removeCtx, connID)
		removeCancel()
		hub.unregister(connection)
		ws.Close()
		return
	}

	go connection.writePump()
	go connection.readPump()

	hub.logger.Info("WebSocket 連接建立",
		"connection_id", connID,
		"user_id", profile.UserID)
}

// handshake 身份握手
//
// 讀取第一幀的 {userId}，格式檢查通過後向身份服務解析。
// 解析期間連接關閉會使讀寫失敗，結果被上層丟棄而非註冊進名冊。
func (hub *Hub) handshake(c *Connection) (*UserProfile, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "set handshake deadline")
	}

	_, raw, err := c.Conn.ReadMessage()
	if err != nil {
		return nil, apperrors.ErrUnauthorized
	}

	var payload handshakePayload
	if err := json.Unmarshal(raw, &payload); err != nil || !isValidUserID(payload.UserID) {
		return nil, apperrors.ErrUnauthorized
	}

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	profile, err := hub.identity.ResolveUser(ctx, payload.UserID)
	if err != nil {
		if apperrors.IsUserNotFound(err) {
			return nil, apperrors.ErrUserNotFound
		}
		hub.logger.Error("身份解析失敗", "user_id", payload.UserID, "error", err)
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "Connection failed")
	}

	return profile, nil
}

// writeDirect 收發 goroutine 啟動前的直接寫出
func (hub *Hub) writeDirect(ws *websocket.Conn, event string, data any) error {
	message, err := encodeEvent(event, data)
	if err != nil {
		return err
	}
	if err := ws.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, message)
}

// appMessage 取給客戶端看的錯誤文案
func appMessage(err error) string {
	if appErr, ok := err.(*apperrors.AppError); ok {
		return appErr.Message
	}
	return "Connection failed"
}

// register 註冊連接
func (hub *Hub) register(conn *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.conns[conn.ID] = conn
}

// unregister 取消註冊連接
func (hub *Hub) unregister(conn *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if actual, exists := hub.conns[conn.ID]; exists && actual == conn {
		delete(hub.conns, conn.ID)
	}
	conn.closeOnce.Do(func() {
		close(conn.Send)
	})
}

// sendTo 向單一連接發送事件
//
// 讀鎖跨越整個入列動作：Send channel 的關閉一律在寫鎖的
// 臨界區內（或移出 conns 之後）進行，持讀鎖期間 channel
// 不可能被關閉，向已關閉 channel 發送的 panic 被排除。
//
// 緩衝區滿代表客戶端長時間不消費，視為死連接：
// 關閉它，讓既有的斷線路徑完成清理（§廣播失敗降級）。
func (hub *Hub) sendTo(connID, event string, data any) {
	message, err := encodeEvent(event, data)
	if err != nil {
		hub.logger.Error("序列化事件失敗", "event", event, "error", err)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	conn, exists := hub.conns[connID]
	if !exists {
		return
	}

	select {
	case conn.Send <- message:
	default:
		hub.logger.Warn("連接緩衝區滿，關閉連接",
			"connection_id", connID,
			"event", event)
		conn.Conn.Close()
	}
}

// broadcast 向房間兩端發送同一事件
func (hub *Hub) broadcast(members [2]string, event string, data any) {
	for _, connID := range members {
		hub.sendTo(connID, event, data)
	}
}

// kick 頂替舊連接
//
// 送出 force-disconnect 後關閉發送通道；writePump 會先刷完
// 佇列中的訊息再寫出關閉幀。
func (hub *Hub) kick(connID, message string) {
	hub.sendTo(connID, EventForceDisconnect, errorMessage{Message: message})

	hub.mu.Lock()
	conn, exists := hub.conns[connID]
	if exists {
		delete(hub.conns, connID)
	}
	hub.mu.Unlock()

	if exists {
		conn.closeOnce.Do(func() {
			close(conn.Send)
		})
	}
}

// inviteExpired 過期邀請的通知回呼
func (hub *Hub) inviteExpired(invite *PendingInvite) {
	hub.sendTo(invite.FromConnectionID, EventInviteError, errorMessage{Message: "Invite expired"})
}

// dispatch 分發入站事件
//
// 在 readPump 的 goroutine 內順序執行：單條連接的事件
// 按到達順序逐一處理，不會交錯。
func (hub *Hub) dispatch(c *Connection, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		hub.logger.Debug("解析客戶端訊息失敗", "connection_id", c.ID, "error", err)
		return
	}

	switch env.Event {
	case EventSendInvite:
		hub.handleSendInvite(c, env.Data)
	case EventAcceptInvite:
		hub.handleAcceptInvite(c, env.Data)
	case EventRejectInvite:
		hub.handleRejectInvite(c, env.Data)
	case EventMakeMove:
		hub.handleMakeMove(c, env.Data)
	case EventRestartGame:
		hub.handleRestartGame(c, env.Data)
	case EventExitGame:
		hub.handleExitGame(c, env.Data)
	default:
		hub.logger.Debug("收到未知事件", "event", env.Event, "connection_id", c.ID)
	}
}

// handleSendInvite 處理發送邀請
func (hub *Hub) handleSendInvite(c *Connection, data json.RawMessage) {
	var payload sendInvitePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ToCode == "" {
		return
	}

	session, ok := hub.presence.Session(c.ID)
	if !ok {
		return
	}

	invite, err := hub.invites.Send(session, payload.ToCode)
	if err != nil {
		if apperrors.IsInviteError(err) {
			hub.sendTo(c.ID, EventInviteError, errorMessage{Message: appMessage(err)})
		} else {
			hub.logger.Error("發送邀請失敗", "connection_id", c.ID, "error", err)
		}
		return
	}

	hub.sendTo(invite.ToConnectionID, EventReceiveInvite, receiveInviteMessage{
		FromName:         invite.FromName,
		FromCode:         invite.FromCode,
		FromConnectionID: invite.FromConnectionID,
	})
	hub.sendTo(c.ID, EventInviteSent, inviteSentMessage{ToCode: payload.ToCode})
}

// handleAcceptInvite 處理接受邀請
//
// 邀請消費成功即創建房間：發送方執 X、接受方執 O，
// 分別收到帶各自 yourSymbol 的 game-start。
func (hub *Hub) handleAcceptInvite(c *Connection, data json.RawMessage) {
	var payload acceptInvitePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.FromConnectionID == "" {
		return
	}

	invite, err := hub.invites.Accept(c.ID, payload.FromConnectionID)
	if err != nil {
		hub.sendTo(c.ID, EventInviteError, errorMessage{Message: appMessage(err)})
		return
	}

	// 兩端會話都還在線才能開局；發送方剛斷線的競爭窗口在這裡收口
	senderSession, senderOK := hub.presence.Session(invite.FromConnectionID)
	accepterSession, accepterOK := hub.presence.Session(c.ID)
	if !senderOK || !accepterOK {
		hub.sendTo(c.ID, EventInviteError, errorMessage{Message: apperrors.ErrTargetOffline.Message})
		return
	}

	state := hub.games.CreateRoom(
		PlayerRef{
			UserID:       senderSession.UserID,
			ConnectionID: senderSession.ConnectionID,
			Username:     senderSession.Username,
			Code:         senderSession.Code,
		},
		PlayerRef{
			UserID:       accepterSession.UserID,
			ConnectionID: accepterSession.ConnectionID,
			Username:     accepterSession.Username,
			Code:         accepterSession.Code,
		},
	)

	players := map[Symbol]playerInfo{
		SymbolX: {UserID: state.PlayerX.UserID, Username: state.PlayerX.Username, Code: state.PlayerX.Code},
		SymbolO: {UserID: state.PlayerO.UserID, Username: state.PlayerO.Username, Code: state.PlayerO.Code},
	}

	// game-start 逐端發送，各自攜帶自己的符號
	hub.sendTo(state.PlayerX.ConnectionID, EventGameStart, gameStartMessage{
		RoomID:      state.ID,
		Board:       state.Board,
		CurrentTurn: state.Turn,
		Players:     players,
		YourSymbol:  SymbolX,
	})
	hub.sendTo(state.PlayerO.ConnectionID, EventGameStart, gameStartMessage{
		RoomID:      state.ID,
		Board:       state.Board,
		CurrentTurn: state.Turn,
		Players:     players,
		YourSymbol:  SymbolO,
	})
}

// handleRejectInvite 處理拒絕邀請
func (hub *Hub) handleRejectInvite(c *Connection, data json.RawMessage) {
	var payload rejectInvitePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	invite, ok := hub.invites.Reject(c.ID)
	if !ok {
		return
	}

	name := "Opponent"
	if session, exists := hub.presence.Session(c.ID); exists {
		name = session.Username
	}

	hub.sendTo(invite.FromConnectionID, EventInviteRejected, errorMessage{
		Message: fmt.Sprintf("%s rejected your invite", name),
	})
}

// handleMakeMove 處理落子
//
// 非法落子由引擎靜默落空，這裡不發送任何回應。
func (hub *Hub) handleMakeMove(c *Connection, data json.RawMessage) {
	var payload makeMovePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" {
		return
	}

	result, ok := hub.games.ApplyMove(payload.RoomID, c.UserID, payload.Index)
	if !ok {
		return
	}

	hub.broadcast(result.Members, EventOpponentMove, opponentMoveMessage{
		Index:    result.Index,
		Symbol:   result.Symbol,
		Board:    result.Board,
		NextTurn: result.NextTurn,
	})

	if result.Terminal {
		hub.broadcast(result.Members, EventGameOver, gameOverMessage{
			Winner: result.Winner,
			Draw:   result.Draw,
			Board:  result.Board,
			Score:  result.Score,
		})
	}
}

// handleRestartGame 處理重賽
func (hub *Hub) handleRestartGame(c *Connection, data json.RawMessage) {
	var payload restartGamePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" {
		return
	}

	// 只有房間內的玩家能重賽；外人與房間不存在同樣回報，不洩漏房間存活狀態
	state, exists := hub.games.State(payload.RoomID)
	if !exists || !state.HasUser(c.UserID) {
		hub.sendTo(c.ID, EventGameClosed, gameClosedMessage{
			RoomID:     payload.RoomID,
			Reason:     "Room not found",
			ScoreReset: true,
		})
		return
	}

	restarted, err := hub.games.Restart(payload.RoomID)
	if err != nil {
		hub.sendTo(c.ID, EventGameClosed, gameClosedMessage{
			RoomID:     payload.RoomID,
			Reason:     "Room not found",
			ScoreReset: true,
		})
		return
	}

	hub.broadcast(restarted.Members(), EventGameRestarted, gameRestartedMessage{
		RoomID:      restarted.ID,
		Board:       restarted.Board,
		CurrentTurn: restarted.Turn,
		Score:       restarted.Score,
	})
}

// handleExitGame 處理主動退出
func (hub *Hub) handleExitGame(c *Connection, data json.RawMessage) {
	var payload exitGamePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" {
		return
	}

	state, exists := hub.games.State(payload.RoomID)
	if !exists || !state.HasUser(c.UserID) {
		// 已銷毀的房間重複退出是合法的，靜默忽略
		return
	}

	hub.closeRoom(payload.RoomID, "Opponent left the game")
}

// closeRoom 銷毀房間並通知兩端
func (hub *Hub) closeRoom(roomIDStr, reason string) {
	state, ok := hub.games.Exit(roomIDStr)
	if !ok {
		return
	}

	hub.broadcast(state.Members(), EventGameClosed, gameClosedMessage{
		RoomID:     state.ID,
		Reason:     reason,
		Score:      state.Score,
		ScoreReset: true,
	})
}

// handleDisconnect 斷線清理
//
// 順序固定：名冊 → 邀請 → 對局。名冊與索引的過期防護
// 保證這條路徑晚於同一使用者的新登入到達時不會誤傷新會話。
func (hub *Hub) handleDisconnect(c *Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub.presence.Remove(ctx, c.ID)
	hub.invites.DropByConnection(c.ID)

	if c.UserID == "" {
		return
	}

	roomIDStr, ok := hub.games.FindRoomByUser(c.UserID)
	if !ok {
		return
	}

	// 索引可能已被同一使用者的新房間覆蓋，只拆自己參與的那間
	state, exists := hub.games.State(roomIDStr)
	if !exists {
		return
	}
	if state.PlayerX.ConnectionID != c.ID && state.PlayerO.ConnectionID != c.ID {
		return
	}

	hub.closeRoom(roomIDStr, "Opponent disconnected")
}

// Stats 連線與對局統計
func (hub *Hub) Stats() map[string]any {
	hub.mu.RLock()
	connCount := len(hub.conns)
	hub.mu.RUnlock()

	stats := map[string]any{
		"connections":     connCount,
		"online_users":    hub.presence.Count(),
		"pending_invites": hub.invites.Count(),
	}
	for k, v := range hub.games.Stats() {
		stats[k] = v
	}
	return stats
}

// Stop 停止連接中心
func (hub *Hub) Stop() {
	hub.invites.Stop()

	hub.mu.Lock()
	for _, conn := range hub.conns {
		conn.closeOnce.Do(func() {
			close(conn.Send)
		})
		conn.Conn.Close()
	}
	hub.conns = make(map[string]*Connection)
	hub.mu.Unlock()

	hub.logger.Info("連接中心已停止")
}

// readPump 讀取客戶端訊息
//
// 心跳機制（讀取端）：60 秒內沒有任何訊息（含 Pong）就關閉連接，
// 配合 writePump 的 54 秒 Ping（留 6 秒余量）。
func (c *Connection) readPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
		c.Hub.handleDisconnect(c)
	}()

	if err := c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		c.Hub.logger.Error("設置讀取期限失敗", "error", err)
	}

	c.Conn.SetPongHandler(func(string) error {
		if err := c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			c.Hub.logger.Error("設置讀取期限失敗", "error", err)
		}
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"connection_id", c.ID,
					"user_id", c.UserID)
			}
			break
		}

		if messageType == websocket.TextMessage {
			c.Hub.dispatch(c, message)
		}
	}
}

// writePump 寫入訊息到客戶端
//
// 心跳機制（發送端）：54 秒 Ping 避開常見的 60 秒代理超時；
// 訊息經 Send channel 緩衝，業務邏輯不被慢客戶端阻塞。
func (c *Connection) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// Hub 關閉了通道，優雅關閉連接
				deadline := time.Now().Add(time.Second)
				if err := c.Conn.SetWriteDeadline(deadline); err == nil {
					_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量發送隊列中的訊息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				if err := c.Conn.WriteMessage(websocket.TextMessage, <-c.Send); err != nil {
					c.Hub.logger.Error("發送訊息失敗", "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
