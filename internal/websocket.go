package internal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   如何把「連接身份 + 群組廣播」這組傳輸能力提供給會話協調核心？
//
// 核心挑戰：
//   1. 連接身份：每個 WebSocket 連接要有一個在其生命週期內穩定的識別碼
//   2. 群組投遞：事件要能發給單一連接、一個房間的成員、或全部連接
//   3. 心跳機制：檢測死連接（網絡異常、客戶端崩潰），死連接觸發寬限期
//   4. 並發廣播：同時向多個客戶端發送消息，慢客戶端不能拖累整個房間
//
// 設計方案：
//   ✅ Hub 模式 - 集中管理所有連接與群組成員資格
//   ✅ 連接 ID 用 uuid - 對客戶端不透明，跨連接不重用
//   ✅ Ping/Pong 心跳 - 檢測死連接（54s/60s）
//   ✅ 緩衝 channel - 異步發送（不阻塞業務邏輯）

// Hub WebSocket 連接中心
//
// 實作 Broadcaster：協調核心只依賴廣播介面，投遞機制全部在這一層。
//
// 連接映射：
//   - connections：connectionID → *Connection（單播與全域廣播）
//   - groups：roomID → connectionID 集合（房間群組廣播）
//
// 併發安全：RWMutex，廣播走讀鎖（頻繁），註冊/註銷走寫鎖（少）。
type Hub struct {
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	coordinator *Coordinator

	mu          sync.RWMutex
	connections map[string]*Connection
	groups      map[string]map[string]bool // roomID -> connectionID 集合
}

// Connection 單一 WebSocket 連接
type Connection struct {
	ID        string
	Conn      *websocket.Conn
	Send      chan []byte
	Hub       *Hub
	closeOnce sync.Once // 確保 channel 只關閉一次
}

// NewHub 創建 WebSocket Hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[string]*Connection),
		groups:      make(map[string]map[string]bool),
	}
}

// SetCoordinator 注入會話協調器
//
// Hub 與 Coordinator 互相依賴（Hub 派發指令給協調器，協調器透過
// Broadcaster 回推事件），用兩段式構造解開循環。
func (hub *Hub) SetCoordinator(c *Coordinator) {
	hub.coordinator = c
}

// ServeWS 處理 WebSocket 連接
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	connection := &Connection{
		ID:   uuid.NewString(),
		Conn: conn,
		Send: make(chan []byte, 256),
		Hub:  hub,
	}

	hub.register(connection)

	go connection.writePump()
	go connection.readPump()

	// 客戶端需要知道自己的連接識別碼（斷線重連時對比用）
	connection.sendEvent("Connected", map[string]any{
		"connection_id": connection.ID,
	})

	hub.logger.Info("WebSocket 連接建立", "connection_id", connection.ID)
}

// register 註冊連接
func (hub *Hub) register(conn *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.connections[conn.ID] = conn
}

// unregister 取消註冊連接並清除群組成員資格
func (hub *Hub) unregister(conn *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if actual, ok := hub.connections[conn.ID]; !ok || actual != conn {
		return
	}
	delete(hub.connections, conn.ID)

	for roomID, members := range hub.groups {
		if members[conn.ID] {
			delete(members, conn.ID)
			if len(members) == 0 {
				delete(hub.groups, roomID)
			}
		}
	}

	conn.closeOnce.Do(func() {
		close(conn.Send)
	})
}

// SendTo 單播事件
func (hub *Hub) SendTo(connID, event string, payload any) {
	message, err := marshalEvent(event, payload)
	if err != nil {
		hub.logger.Error("序列化事件失敗", "event", event, "error", err)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	conn, ok := hub.connections[connID]
	if !ok {
		return
	}
	// 投遞必須在讀鎖內完成：unregister/Stop 持寫鎖才會關閉 Send，
	// 鎖外投遞會與關閉賽跑（向已關閉的 channel 發送）
	conn.enqueue(message, hub.logger)
}

// SendToGroup 廣播事件到房間群組
func (hub *Hub) SendToGroup(roomID, event string, payload any) {
	message, err := marshalEvent(event, payload)
	if err != nil {
		hub.logger.Error("序列化事件失敗", "event", event, "error", err)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for connID := range hub.groups[roomID] {
		if conn, ok := hub.connections[connID]; ok {
			conn.enqueue(message, hub.logger)
		}
	}
}

// SendToAll 廣播事件到所有連接
func (hub *Hub) SendToAll(event string, payload any) {
	message, err := marshalEvent(event, payload)
	if err != nil {
		hub.logger.Error("序列化事件失敗", "event", event, "error", err)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for _, conn := range hub.connections {
		conn.enqueue(message, hub.logger)
	}
}

// AddToGroup 把連接加入房間群組
func (hub *Hub) AddToGroup(connID, roomID string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.groups[roomID] == nil {
		hub.groups[roomID] = make(map[string]bool)
	}
	hub.groups[roomID][connID] = true
}

// RemoveFromGroup 把連接移出房間群組
func (hub *Hub) RemoveFromGroup(connID, roomID string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if members, ok := hub.groups[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(hub.groups, roomID)
		}
	}
}

// ConnectionCount 目前的連接總數
func (hub *Hub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.connections)
}

// Stop 停止 Hub，關閉所有連接
func (hub *Hub) Stop() {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	for _, conn := range hub.connections {
		conn.closeOnce.Do(func() {
			close(conn.Send)
		})
		conn.Conn.Close()
	}
	hub.connections = make(map[string]*Connection)
	hub.groups = make(map[string]map[string]bool)

	hub.logger.Info("WebSocket Hub 已停止")
}

// enqueue 非阻塞投遞
//
// 緩衝區滿時丟棄該連接的消息（優先保證廣播不被慢客戶端拖住），
// 心跳超時稍後會清掉這種連接。
func (c *Connection) enqueue(message []byte, logger *slog.Logger) {
	select {
	case c.Send <- message:
	default:
		logger.Warn("連接緩衝區滿，丟棄消息", "connection_id", c.ID)
	}
}

// sendEvent 序列化並投遞單一事件
func (c *Connection) sendEvent(event string, payload any) {
	message, err := marshalEvent(event, payload)
	if err != nil {
		c.Hub.logger.Error("序列化事件失敗", "event", event, "error", err)
		return
	}
	c.enqueue(message, c.Hub.logger)
}

// marshalEvent 事件信封：{"event": ..., "data": ...}
func marshalEvent(event string, payload any) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event": event,
		"data":  payload,
	})
}

// readPump 讀取客戶端消息
//
// 心跳機制（讀取端）：60 秒內沒有任何消息（包括 Pong）就關閉連接，
// 配合 writePump 的 54 秒 Ping（留 6 秒余量）。
// 讀取循環退出（主動關閉或死連接）即視為連接中斷，交給協調器啟動寬限期。
func (c *Connection) readPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
		// 寬限期從傳輸層觀察到斷線的那一刻開始
		c.Hub.coordinator.OnConnectionLost(c.ID)
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
					"connection_id", c.ID)
			}
			break
		}

		if messageType == websocket.TextMessage {
			c.handleMessage(message)
		}
	}
}

// writePump 寫入消息到客戶端
//
// 心跳機制（發送端）：54 秒 Ping，避開常見的 60 秒代理超時閾值。
// 業務消息走緩衝 channel 異步發送，排隊的消息批量寫出。
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

			// 批量發送隊列中的消息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				if err := c.Conn.WriteMessage(websocket.TextMessage, <-c.Send); err != nil {
					c.Hub.logger.Error("發送消息失敗", "error", err)
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

// clientMessage 客戶端指令
//
// player_id 是呼叫方提供的穩定身份（跨重連不變），
// 與連接識別碼是兩回事（後者由 Hub 鑄造、隨連接生滅）。
type clientMessage struct {
	Action     string `json:"action"`
	RequestID  string `json:"request_id,omitempty"`
	RoomID     string `json:"room_id,omitempty"`
	PlayerName string `json:"player_name,omitempty"`
	PlayerID   string `json:"player_id,omitempty"`
	Row        int    `json:"row"`
	Col        int    `json:"col"`
}

// handleMessage 派發客戶端指令到協調器
func (c *Connection) handleMessage(message []byte) {
	var msg clientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.Hub.logger.Error("解析客戶端消息失敗",
			"error", err,
			"connection_id", c.ID)
		c.sendError(msg, errors.New("無效的消息格式"))
		return
	}

	coord := c.Hub.coordinator

	switch msg.Action {
	case "create_room":
		roomID, err := coord.CreateRoom(c.ID, msg.PlayerName, msg.PlayerID)
		if err != nil {
			c.sendError(msg, err)
			return
		}
		c.sendResult(msg, map[string]any{"room_id": roomID})

	case "join_room":
		if err := coord.JoinRoom(c.ID, msg.RoomID, msg.PlayerName, msg.PlayerID); err != nil {
			c.sendError(msg, err)
			return
		}
		c.sendResult(msg, map[string]any{"room_id": msg.RoomID})

	case "make_move":
		if err := coord.MakeMove(msg.RoomID, msg.Row, msg.Col, msg.PlayerID); err != nil {
			c.sendError(msg, err)
			return
		}
		c.sendResult(msg, nil)

	case "restart_room":
		if err := coord.RestartRoom(msg.RoomID); err != nil {
			c.sendError(msg, err)
			return
		}
		c.sendResult(msg, nil)

	case "leave_room":
		if err := coord.LeaveRoom(c.ID); err != nil {
			c.sendError(msg, err)
			return
		}
		c.sendResult(msg, nil)

	case "list_rooms":
		c.sendResult(msg, map[string]any{"rooms": coord.GetRoomOccupancy()})

	case "get_state":
		snap, ok := coord.GetGameState(msg.RoomID)
		if !ok {
			c.sendError(msg, ErrRoomNotFound)
			return
		}
		c.sendResult(msg, snap)

	case "ping":
		c.sendResult(msg, map[string]any{"type": "pong"})

	default:
		c.Hub.logger.Debug("收到未知指令",
			"action", msg.Action,
			"connection_id", c.ID)
		c.sendError(msg, errors.New("未知指令"))
	}
}

// sendResult 回覆指令成功
func (c *Connection) sendResult(msg clientMessage, data any) {
	response, err := json.Marshal(map[string]any{
		"action":     msg.Action,
		"request_id": msg.RequestID,
		"success":    true,
		"data":       data,
	})
	if err != nil {
		c.Hub.logger.Error("序列化回覆失敗", "error", err)
		return
	}
	c.enqueue(response, c.Hub.logger)
}

// sendError 回覆指令失敗
func (c *Connection) sendError(msg clientMessage, opErr error) {
	response, err := json.Marshal(map[string]any{
		"action":     msg.Action,
		"request_id": msg.RequestID,
		"success":    false,
		"error":      opErr.Error(),
	})
	if err != nil {
		c.Hub.logger.Error("序列化回覆失敗", "error", err)
		return
	}
	c.enqueue(response, c.Hub.logger)
}
