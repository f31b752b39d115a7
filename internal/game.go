package internal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/koopa0/match-arena/pkg/errors"
)

// 對局引擎
//
// 系統設計問題：
//   如何持有雙人回合制對局的權威狀態，並在兩端事件競爭時保證棋盤不被撕裂？
//
// 核心挑戰：
//   1. 狀態管理：對局有明確的生命週期（進行中 → 終局 → 重賽 / 銷毀）
//   2. 並發控制：兩位玩家的落子可能幾乎同時到達
//   3. 作弊防護：非法落子必須靜默拒絕，不回報任何資訊
//   4. 資源回收：退出或斷線時房間立即銷毀
//
// 設計方案：
//   ✅ 有限狀態機 - 終局後拒絕落子，重賽才重新開局
//   ✅ 引擎級 RWMutex 保護房間索引，房間級 Mutex 串行化同房間變更
//   ✅ 不同房間的事件互不阻塞；同房間競爭恰好一方成功，另一方靜默落空
//   ✅ userRoom 索引 - 斷線清理 O(1) 定位房間，不掃全表

// Symbol 棋子符號
type Symbol string

const (
	SymbolX Symbol = "X"
	SymbolO Symbol = "O"
)

// other 對手符號
func (s Symbol) other() Symbol {
	if s == SymbolX {
		return SymbolO
	}
	return SymbolX
}

// Board 3x3 棋盤，空格為零值
//
// 序列化時空格輸出 null，與前端協議一致（[X,null,null,...]）。
type Board [9]Symbol

// MarshalJSON 實現 json.Marshaler
func (b Board) MarshalJSON() ([]byte, error) {
	cells := make([]*Symbol, len(b))
	for i := range b {
		if b[i] != "" {
			s := b[i]
			cells[i] = &s
		}
	}
	return json.Marshal(cells)
}

// UnmarshalJSON 實現 json.Unmarshaler
func (b *Board) UnmarshalJSON(data []byte) error {
	var cells [9]*Symbol
	if err := json.Unmarshal(data, &cells); err != nil {
		return err
	}
	for i := range cells {
		if cells[i] != nil {
			b[i] = *cells[i]
		} else {
			b[i] = ""
		}
	}
	return nil
}

// Score 房間累計比分（重賽不歸零）
type Score struct {
	X int `json:"X"`
	O int `json:"O"`
}

// RoomPhase 房間階段
//
// 有限狀態機設計：
//
//	active → finished → active（重賽）
//	任何階段 → 銷毀（退出 / 斷線），銷毀為吸收態
//
// 終局後房間保留（玩家可重賽），但在重賽前不再接受落子。
type RoomPhase string

const (
	PhaseActive   RoomPhase = "active"   // 對局進行中
	PhaseFinished RoomPhase = "finished" // 終局，等待重賽或退出
)

// PlayerRef 房間內的玩家引用
type PlayerRef struct {
	UserID       string
	ConnectionID string
	Username     string
	Code         string
}

// GameRoom 一場對局的權威狀態
//
// 由引擎獨佔持有，外部只拿到 RoomState 快照；
// 同房間的變更由房間鎖串行化，同一時刻至多一個事件處理器觸碰棋盤。
type GameRoom struct {
	ID      string
	PlayerX PlayerRef // 邀請發送方執 X
	PlayerO PlayerRef // 接受方執 O

	board     Board
	turn      Symbol
	score     Score
	phase     RoomPhase
	createdAt time.Time

	mu sync.Mutex
}

// RoomState 房間狀態快照（鎖外安全讀取）
type RoomState struct {
	ID      string
	PlayerX PlayerRef
	PlayerO PlayerRef
	Board   Board
	Turn    Symbol
	Score   Score
	Phase   RoomPhase
}

// MoveResult 一步落子的廣播材料
type MoveResult struct {
	RoomID   string
	Index    int
	Symbol   Symbol
	Board    Board
	NextTurn Symbol

	// 終局資訊
	Terminal bool
	Winner   *Symbol // 平手為 nil
	Draw     bool
	Score    Score

	// 廣播對象
	Members [2]string
}

// winLines 8 條連線：3 橫、3 直、2 斜
var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// GameEngine 對局引擎
type GameEngine struct {
	rooms    map[string]*GameRoom // roomID -> room
	userRoom map[string]string    // userID -> roomID
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewGameEngine 創建對局引擎
func NewGameEngine(logger *slog.Logger) *GameEngine {
	return &GameEngine{
		rooms:    make(map[string]*GameRoom),
		userRoom: make(map[string]string),
		logger:   logger,
	}
}

// roomID 由兩條連接 ID 確定性導出
//
// 連接 ID 在連接存續期間唯一，房間又隨任一方斷線銷毀，
// 因此這個組合在房間生命週期內不會碰撞。
func roomID(senderConnID, accepterConnID string) string {
	return fmt.Sprintf("room_%s_%s", senderConnID, accepterConnID)
}

// CreateRoom 創建房間
//
// 邀請被接受時呼叫：發送方執 X、接受方執 O，空棋盤、X 先手、比分歸零。
func (e *GameEngine) CreateRoom(playerX, playerO PlayerRef) *RoomState {
	room := &GameRoom{
		ID:        roomID(playerX.ConnectionID, playerO.ConnectionID),
		PlayerX:   playerX,
		PlayerO:   playerO,
		turn:      SymbolX,
		phase:     PhaseActive,
		createdAt: time.Now(),
	}

	e.mu.Lock()
	e.rooms[room.ID] = room
	e.userRoom[playerX.UserID] = room.ID
	e.userRoom[playerO.UserID] = room.ID
	e.mu.Unlock()

	e.logger.Info("房間已創建",
		"room_id", room.ID,
		"player_x", playerX.Username,
		"player_o", playerO.Username)

	return room.state()
}

// ApplyMove 套用一步落子
//
// 以下情況靜默落空（返回 false，不改任何狀態、不發任何錯誤事件，
// 避免向作弊的客戶端洩漏棋盤時序）：
//   - 房間不存在或已終局
//   - 格位越界或已被佔用
//   - 請求者不是房間內的玩家
//   - 未輪到請求者
func (e *GameEngine) ApplyMove(roomIDStr, userID string, index int) (MoveResult, bool) {
	e.mu.RLock()
	room, exists := e.rooms[roomIDStr]
	e.mu.RUnlock()
	if !exists {
		return MoveResult{}, false
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.phase != PhaseActive {
		return MoveResult{}, false
	}
	if index < 0 || index >= len(room.board) {
		return MoveResult{}, false
	}
	if room.board[index] != "" {
		return MoveResult{}, false
	}

	var symbol Symbol
	switch userID {
	case room.PlayerX.UserID:
		symbol = SymbolX
	case room.PlayerO.UserID:
		symbol = SymbolO
	default:
		return MoveResult{}, false
	}

	if room.turn != symbol {
		return MoveResult{}, false
	}

	room.board[index] = symbol
	room.turn = symbol.other()

	result := MoveResult{
		RoomID:   room.ID,
		Index:    index,
		Symbol:   symbol,
		Board:    room.board,
		NextTurn: room.turn,
		Members:  [2]string{room.PlayerX.ConnectionID, room.PlayerO.ConnectionID},
	}

	// 終局判定
	if winner, ok := winnerOf(room.board); ok {
		room.phase = PhaseFinished
		switch winner {
		case SymbolX:
			room.score.X++
		case SymbolO:
			room.score.O++
		}
		w := winner
		result.Terminal = true
		result.Winner = &w
	} else if boardFull(room.board) {
		room.phase = PhaseFinished
		result.Terminal = true
		result.Draw = true
	}
	result.Score = room.score

	return result, true
}

// winnerOf 檢查 8 條連線是否有三子連成
//
// 終局後引擎即拒絕落子，因此棋盤至多只有一條勝利線，
// 掃到第一條即可返回。
func winnerOf(board Board) (Symbol, bool) {
	for _, line := range winLines {
		a, b, c := board[line[0]], board[line[1]], board[line[2]]
		if a != "" && a == b && a == c {
			return a, true
		}
	}
	return "", false
}

// boardFull 棋盤是否下滿
func boardFull(board Board) bool {
	for _, cell := range board {
		if cell == "" {
			return false
		}
	}
	return true
}

// Restart 重賽
//
// 棋盤清空、X 先手、比分保留。房間不存在返回 ErrRoomNotFound。
func (e *GameEngine) Restart(roomIDStr string) (*RoomState, error) {
	e.mu.RLock()
	room, exists := e.rooms[roomIDStr]
	e.mu.RUnlock()
	if !exists {
		return nil, apperrors.ErrRoomNotFound
	}

	room.mu.Lock()
	room.board = Board{}
	room.turn = SymbolX
	room.phase = PhaseActive
	state := room.stateLocked()
	room.mu.Unlock()

	e.logger.Info("房間重賽", "room_id", roomIDStr, "score_x", state.Score.X, "score_o", state.Score.O)

	return state, nil
}

// Exit 銷毀房間（冪等）
//
// 返回銷毀前的狀態快照供呼叫端廣播 game-closed；
// 房間已不存在時返回 false，呼叫端視為 no-op。
func (e *GameEngine) Exit(roomIDStr string) (*RoomState, bool) {
	e.mu.Lock()
	room, exists := e.rooms[roomIDStr]
	if !exists {
		e.mu.Unlock()
		return nil, false
	}

	delete(e.rooms, roomIDStr)
	// 索引只在仍指向本房間時刪除，防止誤刪玩家的新房間
	if id, ok := e.userRoom[room.PlayerX.UserID]; ok && id == roomIDStr {
		delete(e.userRoom, room.PlayerX.UserID)
	}
	if id, ok := e.userRoom[room.PlayerO.UserID]; ok && id == roomIDStr {
		delete(e.userRoom, room.PlayerO.UserID)
	}
	e.mu.Unlock()

	state := room.state()

	e.logger.Info("房間已銷毀", "room_id", roomIDStr)

	return state, true
}

// FindRoomByUser 查玩家所在房間
//
// 透過 userRoom 索引 O(1) 查找，供斷線清理使用。
func (e *GameEngine) FindRoomByUser(userID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.userRoom[userID]
	return id, ok
}

// State 取房間狀態快照
func (e *GameEngine) State(roomIDStr string) (*RoomState, bool) {
	e.mu.RLock()
	room, exists := e.rooms[roomIDStr]
	e.mu.RUnlock()
	if !exists {
		return nil, false
	}
	return room.state(), true
}

// Count 活躍房間數
func (e *GameEngine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rooms)
}

// Stats 各階段房間數統計
func (e *GameEngine) Stats() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	phaseCount := make(map[RoomPhase]int)
	for _, room := range e.rooms {
		room.mu.Lock()
		phaseCount[room.phase]++
		room.mu.Unlock()
	}

	return map[string]any{
		"total_rooms": len(e.rooms),
		"by_phase":    phaseCount,
	}
}

// state 取快照（自行加鎖）
func (r *GameRoom) state() *RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

// stateLocked 取快照（需持有房間鎖）
func (r *GameRoom) stateLocked() *RoomState {
	return &RoomState{
		ID:      r.ID,
		PlayerX: r.PlayerX,
		PlayerO: r.PlayerO,
		Board:   r.board,
		Turn:    r.turn,
		Score:   r.score,
		Phase:   r.phase,
	}
}

// Members 房間兩端的連接 ID
func (s *RoomState) Members() [2]string {
	return [2]string{s.PlayerX.ConnectionID, s.PlayerO.ConnectionID}
}

// HasUser 使用者是否為房間玩家
func (s *RoomState) HasUser(userID string) bool {
	return s.PlayerX.UserID == userID || s.PlayerO.UserID == userID
}
