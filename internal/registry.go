package internal

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Registry 房間註冊表
//
// 系統設計考量：
//
//  1. 顯式構造取代全域靜態 map：
//     問題：進程級共享狀態沒有明確的生命週期，無法隔離測試
//     方案：註冊表作為顯式構造的實例注入會話協調層
//     優勢：多個獨立註冊表可並存（測試、分片都變得可行）
//
//  2. 兩張映射，單一序列化點：
//     - rooms：roomID → *Room（獨佔擁有；外部只透過 Lookup 取得操作範圍內的句柄）
//     - connRoom：connectionID → roomID（一個連接同時至多綁定一個房間）
//
//  3. 鎖順序：註冊表鎖先於房間鎖，絕不反向。
//     Destroy 在持有註冊表鎖時才去拿房間鎖做最終確認，
//     與「先查註冊表、釋放後再拿房間鎖」的加入路徑不會互相等待。
type Registry struct {
	rooms    map[string]*Room
	connRoom map[string]string // connectionID -> roomID
	rules    Rules
	mu       sync.RWMutex
	logger   *slog.Logger
}

// RoomOccupancy 房間人數（大廳列表用）
type RoomOccupancy struct {
	RoomID      string `json:"room_id"`
	PlayerCount int    `json:"player_count"`
}

// NewRegistry 創建房間註冊表
func NewRegistry(rules Rules, logger *slog.Logger) *Registry {
	return &Registry{
		rooms:    make(map[string]*Room),
		connRoom: make(map[string]string),
		rules:    rules,
		logger:   logger,
	}
}

// Create 生成唯一識別碼並插入新房間
func (g *Registry) Create() (string, *Room) {
	roomID := uuid.NewString()
	room := NewRoom(roomID, g.rules)

	g.mu.Lock()
	g.rooms[roomID] = room
	g.mu.Unlock()

	g.logger.Info("房間已創建", "room_id", roomID)
	return roomID, room
}

// Lookup 取得房間句柄
func (g *Registry) Lookup(roomID string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room, ok := g.rooms[roomID]
	return room, ok
}

// ListRoomIDs 列出所有房間識別碼
func (g *Registry) ListRoomIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.rooms))
	for id := range g.rooms {
		ids = append(ids, id)
	}
	return ids
}

// ListOccupancy 列出各房間的佔位數
//
// 呼叫當下一致的快照讀取，與後續操作不構成交易。
func (g *Registry) ListOccupancy() []RoomOccupancy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make([]RoomOccupancy, 0, len(g.rooms))
	for id, room := range g.rooms {
		result = append(result, RoomOccupancy{
			RoomID:      id,
			PlayerCount: room.OccupantCount(),
		})
	}
	return result
}

// BindConnection 綁定連接到房間
//
// 連接已綁定到別的房間時回傳 ErrAlreadyInRoom；
// 對同一房間重複綁定是冪等的（重連會重用這個路徑）。
func (g *Registry) BindConnection(connID, roomID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.connRoom[connID]; ok && existing != roomID {
		return ErrAlreadyInRoom
	}
	g.connRoom[connID] = roomID
	return nil
}

// UnbindConnection 解除連接綁定並回傳原本綁定的房間
func (g *Registry) UnbindConnection(connID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	roomID, ok := g.connRoom[connID]
	if !ok {
		return "", false
	}
	delete(g.connRoom, connID)
	return roomID, true
}

// RoomForConnection 查詢連接綁定的房間
func (g *Registry) RoomForConnection(connID string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	roomID, ok := g.connRoom[connID]
	return roomID, ok
}

// Destroy 銷毀房間
//
// 只在房間兩個棋位確實都空時移除：在註冊表鎖內再拿房間鎖確認佔位數，
// 避免銷毀一個被並發加入剛剛填入玩家的房間。回傳是否真的移除。
func (g *Registry) Destroy(roomID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, ok := g.rooms[roomID]
	if !ok {
		return false
	}
	if room.OccupantCount() != 0 {
		g.logger.Debug("略過銷毀：房間仍有玩家", "room_id", roomID)
		return false
	}

	delete(g.rooms, roomID)

	// 清除殘留的連接綁定
	for connID, rid := range g.connRoom {
		if rid == roomID {
			delete(g.connRoom, connID)
		}
	}

	g.logger.Info("房間已銷毀", "room_id", roomID)
	return true
}

// RoomCount 目前的房間總數
func (g *Registry) RoomCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// Stats 統計資訊（監控端點用）
func (g *Registry) Stats() map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()

	totalPlayers := 0
	pendingRooms := 0
	finishedRooms := 0
	for _, room := range g.rooms {
		totalPlayers += room.OccupantCount()
		if room.PendingRemoval() {
			pendingRooms++
		}
		if room.GameOver() {
			finishedRooms++
		}
	}

	return map[string]any{
		"total_rooms":     len(g.rooms),
		"total_players":   totalPlayers,
		"pending_removal": pendingRooms,
		"finished_games":  finishedRooms,
		"connections":     len(g.connRoom),
	}
}
