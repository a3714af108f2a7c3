package internal

import (
	"log/slog"
	"time"
)

// 系統設計問題：
//   瞬斷的連接和真正離開的玩家，在傳輸層看起來一模一樣，怎麼區分？
//
// 核心挑戰：
//   1. 斷線消歧：網路抖動 5 秒內就會重連，真正放棄的玩家永遠不回來
//   2. 非阻塞等待：寬限期不能睡在連接處理流程上，否則會餓死其他連接
//   3. 取消路徑：重連必須能取消進行中的移除，且與計時器到期的競態要收斂
//
// 設計方案：
//   ✅ time.AfterFunc 排程續延 - 寬限期是排程任務，不佔用任何處理流程
//   ✅ 旗標 + 鎖內重查 - 不保存計時器控制代碼、不呼叫 Stop；
//      重連清旗標後，遲到的計時器在 FinalizeRemoval 鎖內發現旗標已清，
//      自然退化為無操作
//   ✅ 廣播義務集中在協調層 - 房間只管狀態轉移，誰該收到什麼事件由這裡決定

// Broadcaster 即時通知的外部協作者
//
// 核心只呼叫這組能力，不實作投遞機制（由傳輸層提供）。
type Broadcaster interface {
	SendTo(connID, event string, payload any)
	SendToGroup(roomID, event string, payload any)
	SendToAll(event string, payload any)
	AddToGroup(connID, roomID string)
	RemoveFromGroup(connID, roomID string)
}

// 事件名稱（與客戶端協定一致）
const (
	EventRoomsUpdated  = "RoomsUpdated"  // → 所有連接
	EventSyncGameState = "SyncGameState" // → 剛（重）加入的連接
	EventBoardUpdated  = "BoardUpdated"  // → 房間群組
	EventGameOver      = "GameOver"      // → 房間群組
	EventGameRestarted = "GameRestarted" // → 房間群組
	EventPlayerLeft    = "PlayerLeft"    // → 房間群組
)

// WinnerDraw GameOver 事件中代表平手的標記
const WinnerDraw = "Draw"

// DefaultGracePeriod 斷線後棋位保留的預設寬限期
const DefaultGracePeriod = 5 * time.Second

// Coordinator 會話協調器
//
// 每個連接的操作入口（建房、加入、落子、離開、斷線），
// 組合 Registry 與 Room 的狀態轉移並履行廣播義務。
type Coordinator struct {
	registry  *Registry
	broadcast Broadcaster
	grace     time.Duration
	logger    *slog.Logger
}

// NewCoordinator 創建會話協調器
func NewCoordinator(registry *Registry, broadcast Broadcaster, grace time.Duration, logger *slog.Logger) *Coordinator {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Coordinator{
		registry:  registry,
		broadcast: broadcast,
		grace:     grace,
		logger:    logger,
	}
}

// ListRooms 列出所有房間識別碼
func (c *Coordinator) ListRooms() []string {
	return c.registry.ListRoomIDs()
}

// GetRoomOccupancy 取得大廳佔位列表
func (c *Coordinator) GetRoomOccupancy() []RoomOccupancy {
	return c.registry.ListOccupancy()
}

// GetGameState 取得房間狀態快照
func (c *Coordinator) GetGameState(roomID string) (Snapshot, bool) {
	room, ok := c.registry.Lookup(roomID)
	if !ok {
		return Snapshot{}, false
	}
	return room.Snapshot(), true
}

// CreateRoom 創建房間並讓創建者入座 X 位
func (c *Coordinator) CreateRoom(connID, displayName, stableID string) (string, error) {
	if _, ok := c.registry.RoomForConnection(connID); ok {
		return "", ErrAlreadyInRoom
	}

	roomID, room := c.registry.Create()
	if err := c.registry.BindConnection(connID, roomID); err != nil {
		// 同一連接並發建房輸了競態，收回剛建的空房間
		c.registry.Destroy(roomID)
		return "", err
	}
	if err := room.BindSlot(SlotX, displayName, stableID, connID); err != nil {
		// 新房間的 X 位必然是空的，這裡只是防禦性傳遞
		c.registry.UnbindConnection(connID)
		c.registry.Destroy(roomID)
		return "", err
	}

	c.broadcast.AddToGroup(connID, roomID)
	c.broadcast.SendToAll(EventRoomsUpdated, c.registry.ListOccupancy())

	c.logger.Info("房間已建立",
		"room_id", roomID,
		"player", displayName,
		"stable_id", stableID)
	return roomID, nil
}

// JoinRoom 加入解析
//
// 依序嘗試三條路徑：
//
//	(a) 穩定身份已佔位 → 重連：私發狀態同步，重開時另廣播 GameRestarted
//	(b) 對局進行中且房間處於寬限期 → 拒絕（棋位還不是真的空，防止趁斷手搶位）
//	(c) 指派到第一個空位；成功後廣播佔位變化並同步狀態給加入者
func (c *Coordinator) JoinRoom(connID, roomID, displayName, stableID string) error {
	if bound, ok := c.registry.RoomForConnection(connID); ok && bound != roomID {
		return ErrAlreadyInRoom
	}

	room, ok := c.registry.Lookup(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	// (a) 重連
	if rejoin, ok := room.RejoinByStableID(stableID, connID, displayName); ok {
		if rejoin.PrevConnID != "" {
			// 舊連接的綁定與群組成員資格由新連接接手
			c.registry.UnbindConnection(rejoin.PrevConnID)
			c.broadcast.RemoveFromGroup(rejoin.PrevConnID, roomID)
		}
		if err := c.registry.BindConnection(connID, roomID); err != nil {
			// 入口守衛已擋掉綁定他房的連接，這裡只是防禦性記錄
			c.logger.Error("重連後綁定連接失敗",
				"room_id", roomID,
				"connection_id", connID,
				"error", err)
		}
		c.broadcast.AddToGroup(connID, roomID)

		if rejoin.Reset {
			snap := room.Snapshot()
			c.broadcast.SendToGroup(roomID, EventGameRestarted, boardPayload(snap.Board, snap.Turn))
		}
		c.broadcast.SendTo(connID, EventSyncGameState, room.Snapshot())

		c.logger.Info("玩家重連",
			"room_id", roomID,
			"slot", rejoin.Slot.String(),
			"player", displayName,
			"restarted", rejoin.Reset)
		return nil
	}

	// (b) 寬限期守衛
	if room.PendingRemoval() && !room.GameOver() {
		return ErrPendingGraceActive
	}

	// (c) 指派新玩家
	assigned, reset, err := room.AssignNewOccupant(connID, displayName, stableID)
	if err != nil {
		return err
	}
	if err := c.registry.BindConnection(connID, roomID); err != nil {
		// 同上：守衛之後這條分支不應該發生
		c.logger.Error("入座後綁定連接失敗",
			"room_id", roomID,
			"connection_id", connID,
			"error", err)
	}
	c.broadcast.AddToGroup(connID, roomID)

	if reset {
		snap := room.Snapshot()
		c.broadcast.SendToGroup(roomID, EventGameRestarted, boardPayload(snap.Board, snap.Turn))
	}
	c.broadcast.SendTo(connID, EventSyncGameState, room.Snapshot())
	c.broadcast.SendToAll(EventRoomsUpdated, c.registry.ListOccupancy())

	c.logger.Info("玩家加入房間",
		"room_id", roomID,
		"slot", assigned.String(),
		"player", displayName)
	return nil
}

// MakeMove 落子
//
// 被拒絕的落子是靜默的：回傳錯誤給呼叫方，不廣播、不留下任何狀態變化。
func (c *Coordinator) MakeMove(roomID string, row, col int, stableID string) error {
	room, ok := c.registry.Lookup(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	res, err := room.RecordMove(stableID, row, col)
	if err != nil {
		return err
	}

	c.broadcast.SendToGroup(roomID, EventBoardUpdated, boardPayload(res.Board, res.Turn))
	if res.GameOver {
		winner := res.Winner
		if winner == "" {
			winner = WinnerDraw
		}
		c.broadcast.SendToGroup(roomID, EventGameOver, winner)
	}
	return nil
}

// RestartRoom 顯式重開對局
//
// 任何時點都可呼叫（要不要限制在終局後由呼叫方決定）。
func (c *Coordinator) RestartRoom(roomID string) error {
	room, ok := c.registry.Lookup(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	snap := room.Reset()
	c.broadcast.SendToGroup(roomID, EventGameRestarted, boardPayload(snap.Board, snap.Turn))

	c.logger.Info("對局已重開", "room_id", roomID)
	return nil
}

// LeaveRoom 主動離開房間
//
// 離開自己未綁定的房間是回傳失敗的無操作。
func (c *Coordinator) LeaveRoom(connID string) error {
	roomID, ok := c.registry.UnbindConnection(connID)
	if !ok {
		return ErrNotInRoom
	}
	c.broadcast.RemoveFromGroup(connID, roomID)

	room, ok := c.registry.Lookup(roomID)
	if !ok {
		// 房間已被其他路徑清理
		return nil
	}

	removed, empty, forfeit := room.Leave(connID)
	if !removed {
		return nil
	}
	c.settleDeparture(roomID, connID, empty, forfeit)

	c.logger.Info("玩家離開房間", "room_id", roomID, "connection_id", connID)
	return nil
}

// OnConnectionLost 連接意外中斷，啟動寬限期
//
// 寬限期是排程的續延（time.AfterFunc），不是睡在工作者上的阻塞等待。
// 不保存計時器控制代碼：重連透過清旗標取消移除，到期回呼在鎖內重查旗標，
// 計時器比取消晚到也只會是無操作。
func (c *Coordinator) OnConnectionLost(connID string) {
	roomID, ok := c.registry.RoomForConnection(connID)
	if !ok {
		return
	}
	room, ok := c.registry.Lookup(roomID)
	if !ok {
		c.registry.UnbindConnection(connID)
		return
	}

	room.MarkPendingRemoval(connID)

	c.logger.Info("連接中斷，進入寬限期",
		"room_id", roomID,
		"connection_id", connID,
		"grace", c.grace)

	time.AfterFunc(c.grace, func() {
		c.finalizeDisconnect(roomID, connID)
	})
}

// finalizeDisconnect 寬限期到期後的移除
func (c *Coordinator) finalizeDisconnect(roomID, connID string) {
	room, ok := c.registry.Lookup(roomID)
	if !ok {
		// 房間已被獨立清理（競態），視為無操作而非錯誤
		c.registry.UnbindConnection(connID)
		return
	}

	removed, empty, forfeit := room.FinalizeRemoval(connID)
	if !removed {
		// 寬限期內重連成功；若舊綁定未被重連接手則清掉殘留
		if bound, ok := c.registry.RoomForConnection(connID); ok && bound == roomID && !room.HoldsConnection(connID) {
			c.registry.UnbindConnection(connID)
		}
		c.logger.Debug("玩家已在寬限期內重連", "room_id", roomID, "connection_id", connID)
		return
	}

	c.registry.UnbindConnection(connID)
	c.broadcast.RemoveFromGroup(connID, roomID)
	c.settleDeparture(roomID, connID, empty, forfeit)

	c.logger.Info("寬限期結束，玩家已移除",
		"room_id", roomID,
		"connection_id", connID,
		"forfeit_winner", forfeit,
		"room_destroyed", empty)
}

// settleDeparture 離開（主動或寬限期到期）後的廣播義務
func (c *Coordinator) settleDeparture(roomID, connID string, empty bool, forfeit string) {
	if forfeit != "" {
		c.broadcast.SendToGroup(roomID, EventGameOver, forfeit)
	}
	if empty {
		c.registry.Destroy(roomID)
	} else {
		c.broadcast.SendToGroup(roomID, EventPlayerLeft, connID)
	}
	c.broadcast.SendToAll(EventRoomsUpdated, c.registry.ListOccupancy())
}

// boardPayload BoardUpdated 與 GameRestarted 事件的負載
func boardPayload(board Board, turn Mark) map[string]any {
	return map[string]any{
		"board": board,
		"turn":  turn,
	}
}
