package internal

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubIdentity 固定返回的身份服務，無持久化
type stubIdentity struct{}

func (stubIdentity) ResolveUser(ctx context.Context, userID string) (*UserProfile, error) {
	return &UserProfile{UserID: userID, Username: "player", Code: "CODE00"}, nil
}

func (stubIdentity) SetPresence(ctx context.Context, userID string, presence Presence) error {
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	logger := quietLogger()
	presence := NewPresenceRegistry(stubIdentity{}, logger)
	games := NewGameEngine(logger)
	hub := NewHub(presence, games, stubIdentity{}, DefaultConfig(), logger)
	t.Cleanup(hub.Stop)
	return hub
}

// newSocketPair 建立一對真實的 WebSocket 連接（伺服器端、客戶端）
func newSocketPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	server = <-accepted

	t.Cleanup(func() {
		client.Close()
		server.Close()
		srv.Close()
	})
	return server, client
}

// TestHub_SendRacesWithDisconnect 測試入列與斷線清理的競爭
//
// sendTo 持讀鎖跨越整個入列動作，而 Send channel 只在連接
// 已移出 conns 之後（或寫鎖臨界區內）關閉；因此入列不可能
// 撞上已關閉的 channel。這裡以高頻競爭驗證：任何一次向已
// 關閉 channel 的發送都會直接 panic 使測試失敗。
func TestHub_SendRacesWithDisconnect(t *testing.T) {
	hub := newTestHub(t)

	const (
		rounds  = 10000
		senders = 4
	)

	for i := 0; i < rounds; i++ {
		conn := &Connection{ID: "conn-race", Send: make(chan []byte, senders+1), Hub: hub}
		hub.register(conn)

		start := make(chan struct{})
		var wg sync.WaitGroup
		for s := 0; s < senders; s++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				hub.sendTo("conn-race", EventInviteError, errorMessage{Message: "ping"})
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			hub.unregister(conn)
		}()

		close(start)
		wg.Wait()
	}
}

// TestHub_FullBufferDegradesToDisconnect 測試廣播失敗降級
//
// 佇列無人消費的連接在緩衝區滿後被關閉，走既有的斷線路徑：
// 房間銷毀、名冊清空、對手收到 game-closed。
func TestHub_FullBufferDegradesToDisconnect(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	victimWS, victimClient := newSocketPair(t)
	oppWS, _ := newSocketPair(t)

	const (
		victimUser   = "000000000000000000000001"
		opponentUser = "000000000000000000000002"
	)

	victim := &Connection{ID: "conn-victim", UserID: victimUser, Conn: victimWS, Send: make(chan []byte, 1), Hub: hub}
	opponent := &Connection{ID: "conn-opp", UserID: opponentUser, Conn: oppWS, Send: make(chan []byte, 16), Hub: hub}

	hub.presence.Register(ctx, victim.ID, &UserProfile{UserID: victimUser, Username: "alice", Code: "CODE01"})
	hub.presence.Register(ctx, opponent.ID, &UserProfile{UserID: opponentUser, Username: "bob", Code: "CODE02"})
	hub.register(victim)
	hub.register(opponent)

	state := hub.games.CreateRoom(
		PlayerRef{UserID: victimUser, ConnectionID: victim.ID, Username: "alice", Code: "CODE01"},
		PlayerRef{UserID: opponentUser, ConnectionID: opponent.ID, Username: "bob", Code: "CODE02"},
	)

	// 只跑 readPump：Send 佇列無人消費，模擬停滯的客戶端
	go victim.readPump()

	// 第一則塞滿容量為 1 的佇列，第二則觸發降級關閉
	hub.sendTo(victim.ID, EventInviteError, errorMessage{Message: "one"})
	hub.sendTo(victim.ID, EventInviteError, errorMessage{Message: "two"})

	// 降級觸發斷線清理：對手收到 game-closed
	select {
	case raw := <-opponent.Send:
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		assert.Equal(t, EventGameClosed, env.Event)

		var closed gameClosedMessage
		require.NoError(t, json.Unmarshal(env.Data, &closed))
		assert.Equal(t, state.ID, closed.RoomID)
		assert.Equal(t, "Opponent disconnected", closed.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("expected game-closed on the surviving connection")
	}

	// 被降級的連接已被關閉
	require.NoError(t, victimClient.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := victimClient.ReadMessage()
	require.Error(t, err)

	// 房間已銷毀、名冊已清空
	_, ok := hub.games.State(state.ID)
	assert.False(t, ok)
	_, ok = hub.presence.Session(victim.ID)
	assert.False(t, ok)
}
