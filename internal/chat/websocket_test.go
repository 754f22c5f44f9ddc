package chat_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-chat-cache/internal/chat"
	"github.com/koopa0/system-design/14-chat-cache/internal/testutils"
)

// newHubServer 建立掛載 ServeWS 的測試服務器。
//
// http.NewServeMux 的路徑參數在 httptest 外不可用，
// 這裡從 URL 手動還原 {id}。
func newHubServer(t *testing.T, hub *chat.Hub) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		if len(parts) >= 4 {
			r.SetPathValue("id", parts[3])
		}
		hub.ServeWS(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

// dialRoom 以指定使用者連入房間。
func dialRoom(t *testing.T, server *httptest.Server, roomID, userID string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") +
		fmt.Sprintf("/ws/rooms/%s?user_id=%s", roomID, userID)
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readEventOfType 讀取事件直到出現指定類型。
//
// 連線建立時會先收到 user_joined 等事件，呼叫方只關心目標類型。
func readEventOfType(t *testing.T, ws *websocket.Conn, eventType string) map[string]any {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var event map[string]any
		if err := ws.ReadJSON(&event); err != nil {
			t.Fatalf("waiting for %q event: %v", eventType, err)
		}
		if event["type"] == eventType {
			return event
		}
	}
}

// TestHub_Connection 測試 WebSocket 連接建立
func TestHub_Connection(t *testing.T) {
	ctx := context.Background()

	t.Run("successful connection joins presence", func(t *testing.T) {
		env := newTestEnv(t)
		hub := chat.NewHub(env.service, testutils.NewTestLogger())
		defer hub.Stop()
		server := newHubServer(t, hub)

		room, err := env.service.CreateRoom(ctx, "general", "alice")
		require.NoError(t, err)

		wsURL := "ws" + strings.TrimPrefix(server.URL, "http") +
			fmt.Sprintf("/ws/rooms/%s?user_id=alice", room.ID)
		ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer ws.Close()
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

		// 註冊發生在握手完成之後，等待狀態同步
		testutils.WaitForCondition(t, func() bool {
			return hub.ConnectionCount()[room.ID] == 1
		}, time.Second, "connection should be registered")

		testutils.WaitForCondition(t, func() bool {
			online, err := env.service.IsOnline(ctx, room.ID, "alice")
			return err == nil && online
		}, time.Second, "alice should be online after connecting")
	})

	t.Run("missing user_id is rejected", func(t *testing.T) {
		env := newTestEnv(t)
		hub := chat.NewHub(env.service, testutils.NewTestLogger())
		defer hub.Stop()
		server := newHubServer(t, hub)

		room, err := env.service.CreateRoom(ctx, "general", "alice")
		require.NoError(t, err)

		wsURL := "ws" + strings.TrimPrefix(server.URL, "http") +
			fmt.Sprintf("/ws/rooms/%s", room.ID)
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		assert.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown room is rejected", func(t *testing.T) {
		env := newTestEnv(t)
		hub := chat.NewHub(env.service, testutils.NewTestLogger())
		defer hub.Stop()
		server := newHubServer(t, hub)

		wsURL := "ws" + strings.TrimPrefix(server.URL, "http") +
			"/ws/rooms/ghost?user_id=alice"
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		assert.Error(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

// TestHub_ChatBroadcast 測試聊天訊息廣播
func TestHub_ChatBroadcast(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	hub := chat.NewHub(env.service, testutils.NewTestLogger())
	defer hub.Stop()
	server := newHubServer(t, hub)

	room, err := env.service.CreateRoom(ctx, "general", "alice")
	require.NoError(t, err)

	alice := dialRoom(t, server, room.ID, "alice")
	bob := dialRoom(t, server, room.ID, "bob")

	// alice 應該看到 bob 上線（她自己的上線事件排在前面）
	for {
		joined := readEventOfType(t, alice, "user_joined")
		data := joined["data"].(map[string]any)
		if data["user_id"] == "bob" {
			break
		}
	}

	// alice 發話，bob 收到廣播
	require.NoError(t, alice.WriteJSON(map[string]any{"type": "chat", "text": "hello"}))

	event := readEventOfType(t, bob, "message")
	msg := event["data"].(map[string]any)
	assert.Equal(t, room.ID, msg["room_id"])
	assert.Equal(t, "alice", msg["sender"])
	assert.Equal(t, "hello", msg["text"])

	// 訊息同時落入熱窗口
	testutils.WaitForCondition(t, func() bool {
		recent, err := env.service.RecentMessages(ctx, room.ID)
		return err == nil && len(recent) == 1
	}, time.Second, "message should land in hot window")
}

// TestHub_PingPong 測試應用層心跳
func TestHub_PingPong(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	hub := chat.NewHub(env.service, testutils.NewTestLogger())
	defer hub.Stop()
	server := newHubServer(t, hub)

	room, err := env.service.CreateRoom(ctx, "general", "alice")
	require.NoError(t, err)

	ws := dialRoom(t, server, room.ID, "alice")

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	readEventOfType(t, ws, "pong")
}

// TestHub_Reconnect 測試同一使用者重連
func TestHub_Reconnect(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	hub := chat.NewHub(env.service, testutils.NewTestLogger())
	defer hub.Stop()
	server := newHubServer(t, hub)

	room, err := env.service.CreateRoom(ctx, "general", "alice")
	require.NoError(t, err)

	first := dialRoom(t, server, room.ID, "alice")
	testutils.WaitForCondition(t, func() bool {
		return hub.ConnectionCount()[room.ID] == 1
	}, time.Second, "first connection should be registered")

	second := dialRoom(t, server, room.ID, "alice")

	// 舊連接被服務器關閉
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// 每個使用者至多一條連線
	assert.Equal(t, 1, hub.ConnectionCount()[room.ID])

	// 新連接正常工作，且使用者仍在線（舊連接退場不觸發 Leave）
	require.NoError(t, second.WriteJSON(map[string]string{"type": "ping"}))
	readEventOfType(t, second, "pong")

	online, err := env.service.IsOnline(ctx, room.ID, "alice")
	require.NoError(t, err)
	assert.True(t, online)
}

// TestHub_DisconnectSyncsPresence 測試斷線同步在線狀態
func TestHub_DisconnectSyncsPresence(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	hub := chat.NewHub(env.service, testutils.NewTestLogger())
	defer hub.Stop()
	server := newHubServer(t, hub)

	room, err := env.service.CreateRoom(ctx, "general", "alice")
	require.NoError(t, err)

	alice := dialRoom(t, server, room.ID, "alice")
	bob := dialRoom(t, server, room.ID, "bob")

	readEventOfType(t, alice, "user_joined")

	bob.Close()

	// alice 收到離線事件
	left := readEventOfType(t, alice, "user_left")
	data := left["data"].(map[string]any)
	assert.Equal(t, "bob", data["user_id"])

	// 在線集合與連接映射同步清理
	testutils.WaitForCondition(t, func() bool {
		online, err := env.service.IsOnline(ctx, room.ID, "bob")
		return err == nil && !online
	}, time.Second, "bob should leave presence after disconnect")

	testutils.WaitForCondition(t, func() bool {
		return hub.ConnectionCount()[room.ID] == 1
	}, time.Second, "room should keep only alice's connection")
}

// TestHub_HTTPSendBroadcasts 測試 HTTP 發話路徑的廣播
func TestHub_HTTPSendBroadcasts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	hub := chat.NewHub(env.service, testutils.NewTestLogger())
	defer hub.Stop()

	// 走完整路由：WebSocket 與 REST 同一個入口
	handler := chat.NewHandler(env.service, env.engine, hub, testutils.NewTestLogger())
	server := httptest.NewServer(handler.Routes())
	defer server.Close()

	room, err := env.service.CreateRoom(ctx, "general", "alice")
	require.NoError(t, err)

	ws := dialRoom(t, server, room.ID, "bob")

	testutils.WaitForCondition(t, func() bool {
		return hub.ConnectionCount()[room.ID] == 1
	}, time.Second, "bob's connection should be registered before sending")

	resp, err := server.Client().Post(
		server.URL+"/api/v1/rooms/"+room.ID+"/messages",
		"application/json",
		strings.NewReader(`{"sender": "alice", "text": "hello over http"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	event := readEventOfType(t, ws, "message")
	msg := event["data"].(map[string]any)
	assert.Equal(t, "alice", msg["sender"])
	assert.Equal(t, "hello over http", msg["text"])
}

// TestHub_Stop 測試 Hub 停機
func TestHub_Stop(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	hub := chat.NewHub(env.service, testutils.NewTestLogger())
	server := newHubServer(t, hub)

	room, err := env.service.CreateRoom(ctx, "general", "alice")
	require.NoError(t, err)

	ws := dialRoom(t, server, room.ID, "alice")

	testutils.WaitForCondition(t, func() bool {
		return hub.ConnectionCount()[room.ID] == 1
	}, time.Second, "connection should be registered before stopping")

	hub.Stop()

	// 停機後連接被關閉，讀取應該失敗
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	assert.Empty(t, hub.ConnectionCount())
}
