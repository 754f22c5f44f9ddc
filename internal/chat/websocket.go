package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   如何把房間內的訊息與在線變動實時推送給所有成員？
//
// 設計方案：
//   ✅ WebSocket - 全雙工通信（低延遲、服務器推送）
//   ✅ Hub 模式 - 集中管理所有房間的連線
//   ✅ Ping/Pong 心跳 - 檢測死連接（54s/60s）
//   ✅ 緩衝 channel - 異步發送（慢客戶端不拖累房間）

// Event 推送給客戶端的事件封包。
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub WebSocket 連接中心。
//
// 連接映射：map[roomID]map[userID]*Connection
//   - 兩層 map：快速定位房間和使用者
//   - RWMutex：廣播頻繁（讀鎖），註冊/註銷少（寫鎖）
type Hub struct {
	service     *Service
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	connections map[string]map[string]*Connection // roomID -> userID -> Connection
	mu          sync.RWMutex
}

// Connection 單一 WebSocket 連接。
type Connection struct {
	UserID    string
	RoomID    string
	Conn      *websocket.Conn
	Send      chan []byte
	Hub       *Hub
	closeOnce sync.Once // 確保 channel 只關閉一次
}

// NewHub 創建 WebSocket Hub。
func NewHub(service *Service, logger *slog.Logger) *Hub {
	return &Hub{
		service: service,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[string]map[string]*Connection),
	}
}

// ServeWS 處理 WebSocket 連接。
//
// GET /ws/rooms/{id}?user_id=...
//
// 連線生命週期與在線狀態綁定：
//   建立連線 → Join（加入在線集合 + 廣播上線事件）
//   連線關閉 → Leave（移出在線集合 + 廣播離線事件）
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	userID := r.URL.Query().Get("user_id")
	if roomID == "" || userID == "" {
		http.Error(w, "room id and user_id required", http.StatusBadRequest)
		return
	}

	// 房間必須存在
	if _, err := hub.service.RoomInfo(r.Context(), roomID); err != nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	connection := &Connection{
		UserID: userID,
		RoomID: roomID,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		Hub:    hub,
	}

	hub.register(connection)

	if err := hub.service.Join(r.Context(), roomID, userID); err != nil {
		hub.logger.Warn("presence join failed", "room_id", roomID, "user_id", userID, "error", err)
	}
	hub.broadcastEvent(roomID, Event{Type: "user_joined", Data: map[string]string{"user_id": userID}})

	go connection.writePump()
	go connection.readPump()

	hub.logger.Info("websocket connected",
		"room_id", roomID,
		"user_id", userID)
}

// register 註冊連接。
func (hub *Hub) register(conn *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.connections[conn.RoomID] == nil {
		hub.connections[conn.RoomID] = make(map[string]*Connection)
	}

	// 關閉舊連接（同一使用者重連/多分頁）
	if oldConn, exists := hub.connections[conn.RoomID][conn.UserID]; exists {
		oldConn.closeOnce.Do(func() {
			close(oldConn.Send)
		})
		oldConn.Conn.Close()
	}

	hub.connections[conn.RoomID][conn.UserID] = conn
}

// unregister 取消註冊連接，並同步在線狀態。
func (hub *Hub) unregister(conn *Connection) {
	hub.mu.Lock()
	removed := false
	if roomConns, exists := hub.connections[conn.RoomID]; exists {
		if actualConn, exists := roomConns[conn.UserID]; exists && actualConn == conn {
			delete(roomConns, conn.UserID)
			conn.closeOnce.Do(func() {
				close(conn.Send)
			})
			if len(roomConns) == 0 {
				delete(hub.connections, conn.RoomID)
			}
			removed = true
		}
	}
	hub.mu.Unlock()

	if !removed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hub.service.Leave(ctx, conn.RoomID, conn.UserID); err != nil {
		hub.logger.Warn("presence leave failed",
			"room_id", conn.RoomID,
			"user_id", conn.UserID,
			"error", err)
	}
	hub.broadcastEvent(conn.RoomID, Event{Type: "user_left", Data: map[string]string{"user_id": conn.UserID}})
}

// BroadcastMessage 將訊息廣播到所屬房間（HTTP 發送路徑也會呼叫）。
func (hub *Hub) BroadcastMessage(msg *Message) {
	hub.broadcastEvent(msg.RoomID, Event{Type: "message", Data: msg})
}

// broadcastEvent 廣播事件到房間的所有連接。
func (hub *Hub) broadcastEvent(roomID string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		hub.logger.Error("encode event failed", "error", err)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for _, conn := range hub.connections[roomID] {
		select {
		case conn.Send <- payload:
		default:
			// 緩衝區滿：跳過慢客戶端，不阻塞整個房間
			hub.logger.Warn("send buffer full, event dropped",
				"room_id", roomID,
				"user_id", conn.UserID)
		}
	}
}

// ConnectionCount 回傳每個房間的連接數（監控用）。
func (hub *Hub) ConnectionCount() map[string]int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	result := make(map[string]int)
	for roomID, conns := range hub.connections {
		result[roomID] = len(conns)
	}
	return result
}

// Stop 關閉所有連接。
func (hub *Hub) Stop() {
	hub.mu.Lock()
	for _, roomConns := range hub.connections {
		for _, conn := range roomConns {
			conn.closeOnce.Do(func() {
				close(conn.Send)
			})
			conn.Conn.Close()
		}
	}
	hub.connections = make(map[string]map[string]*Connection)
	hub.mu.Unlock()

	hub.logger.Info("websocket hub stopped")
}

// readPump 讀取客戶端消息。
//
// 心跳機制（讀取端）：
//   60 秒內沒有任何消息（包括 Pong）就關閉連接，
//   配合 writePump 的 54 秒 Ping（留 6 秒余量）。
func (c *Connection) readPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
	}()

	if err := c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		c.Hub.logger.Error("set read deadline failed", "error", err)
	}
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Error("websocket read error",
					"error", err,
					"room_id", c.RoomID,
					"user_id", c.UserID)
			}
			break
		}

		if messageType == websocket.TextMessage {
			c.handleMessage(message)
		}
	}
}

// writePump 寫入消息到客戶端。
//
// 心跳機制（發送端）：
//   54 秒 Ping 避開常見代理的 60 秒逾時閾值。
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
				c.Hub.logger.Error("set write deadline failed", "error", err)
			}
			if !ok {
				// Hub 關閉了通道，優雅關閉連接
				_ = c.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量發送隊列中的消息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				if err := c.Conn.WriteMessage(websocket.TextMessage, <-c.Send); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				c.Hub.logger.Error("set write deadline failed", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 處理客戶端消息。
//
// 支援的消息類型：
//   {"type": "chat", "text": "..."} - 發送訊息（落庫 + 廣播）
//   {"type": "ping"}               - 應用層心跳（回 pong）
func (c *Connection) handleMessage(message []byte) {
	var msg map[string]any
	if err := json.Unmarshal(message, &msg); err != nil {
		c.Hub.logger.Warn("parse client message failed",
			"error", err,
			"room_id", c.RoomID,
			"user_id", c.UserID)
		return
	}

	msgType, _ := msg["type"].(string)
	switch msgType {
	case "chat":
		text, _ := msg["text"].(string)
		if text == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		sent, err := c.Hub.service.SendMessage(ctx, c.RoomID, c.UserID, text)
		if err != nil {
			c.Hub.logger.Warn("websocket send message failed",
				"room_id", c.RoomID,
				"user_id", c.UserID,
				"error", err)
			return
		}
		c.Hub.BroadcastMessage(sent)

	case "ping":
		response, _ := json.Marshal(Event{Type: "pong"})
		select {
		case c.Send <- response:
		default:
		}

	default:
		c.Hub.logger.Debug("unknown client message type",
			"type", msgType,
			"room_id", c.RoomID,
			"user_id", c.UserID)
	}
}
