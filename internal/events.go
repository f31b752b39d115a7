package internal

import "encoding/json"

// 客戶端事件協議
//
// 入站與出站訊息都使用統一的信封格式：
//
//	{ "event": "<名稱>", "data": { ... } }
//
// 每個事件的 data 都是固定結構，在分發邊界反序列化並驗證，
// 不合法的 payload 直接丟棄（不回報，避免探測）。

// 入站事件名稱
const (
	EventSendInvite   = "send-invite"
	EventAcceptInvite = "accept-invite"
	EventRejectInvite = "reject-invite"
	EventMakeMove     = "make-move"
	EventRestartGame  = "restart-game"
	EventExitGame     = "exit-game"
)

// 出站事件名稱
const (
	EventAuthError       = "auth-error"
	EventJoined          = "joined"
	EventForceDisconnect = "force-disconnect"
	EventInviteSent      = "invite-sent"
	EventReceiveInvite   = "receive-invite"
	EventInviteError     = "invite-error"
	EventInviteRejected  = "invite-rejected"
	EventGameStart       = "game-start"
	EventOpponentMove    = "opponent-move"
	EventGameOver        = "game-over"
	EventGameRestarted   = "game-restarted"
	EventGameClosed      = "game-closed"
)

// Envelope 訊息信封
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// 入站 payload

type handshakePayload struct {
	UserID string `json:"userId"`
}

type sendInvitePayload struct {
	ToCode string `json:"toCode"`
}

type acceptInvitePayload struct {
	FromConnectionID string `json:"fromConnectionId"`
}

type rejectInvitePayload struct {
	FromConnectionID string `json:"fromConnectionId"`
}

type makeMovePayload struct {
	RoomID string `json:"roomId"`
	Index  int    `json:"index"`
}

type restartGamePayload struct {
	RoomID string `json:"roomId"`
}

type exitGamePayload struct {
	RoomID string `json:"roomId"`
}

// 出站 payload

type errorMessage struct {
	Message string `json:"message"`
}

type joinedMessage struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Code     string `json:"code"`
}

type inviteSentMessage struct {
	ToCode string `json:"toCode"`
}

type receiveInviteMessage struct {
	FromName         string `json:"fromName"`
	FromCode         string `json:"fromCode"`
	FromConnectionID string `json:"fromConnectionId"`
}

// playerInfo 對外公開的玩家資訊
type playerInfo struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Code     string `json:"code"`
}

type gameStartMessage struct {
	RoomID      string                `json:"roomId"`
	Board       Board                 `json:"board"`
	CurrentTurn Symbol                `json:"currentTurn"`
	Players     map[Symbol]playerInfo `json:"players"`
	YourSymbol  Symbol                `json:"yourSymbol"`
}

type opponentMoveMessage struct {
	Index    int    `json:"index"`
	Symbol   Symbol `json:"symbol"`
	Board    Board  `json:"board"`
	NextTurn Symbol `json:"nextTurn"`
}

type gameOverMessage struct {
	Winner *Symbol `json:"winner"` // 平手時為 null
	Draw   bool    `json:"draw"`
	Board  Board   `json:"board"`
	Score  Score   `json:"score"`
}

type gameRestartedMessage struct {
	RoomID      string `json:"roomId"`
	Board       Board  `json:"board"`
	CurrentTurn Symbol `json:"currentTurn"`
	Score       Score  `json:"score"`
}

type gameClosedMessage struct {
	RoomID     string `json:"roomId"`
	Reason     string `json:"reason"`
	Score      Score  `json:"score"`
	ScoreReset bool   `json:"scoreReset"`
}

// encodeEvent 序列化出站事件
func encodeEvent(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: payload})
}
