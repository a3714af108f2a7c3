package internal_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-game-session/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// broadcastEvent 一筆被記錄的投遞
type broadcastEvent struct {
	scope   string // "conn" / "group" / "all"
	target  string // 連接 ID 或房間 ID（all 為空）
	event   string
	payload any
}

// fakeBroadcaster 記錄式的 Broadcaster 假實作（執行緒安全）
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []broadcastEvent
	groups map[string]map[string]bool // roomID -> connID 集合
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{groups: make(map[string]map[string]bool)}
}

func (f *fakeBroadcaster) SendTo(connID, event string, payload any) {
	f.record(broadcastEvent{scope: "conn", target: connID, event: event, payload: payload})
}

func (f *fakeBroadcaster) SendToGroup(roomID, event string, payload any) {
	f.record(broadcastEvent{scope: "group", target: roomID, event: event, payload: payload})
}

func (f *fakeBroadcaster) SendToAll(event string, payload any) {
	f.record(broadcastEvent{scope: "all", event: event, payload: payload})
}

func (f *fakeBroadcaster) AddToGroup(connID, roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groups[roomID] == nil {
		f.groups[roomID] = make(map[string]bool)
	}
	f.groups[roomID][connID] = true
}

func (f *fakeBroadcaster) RemoveFromGroup(connID, roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groups[roomID], connID)
}

func (f *fakeBroadcaster) record(ev broadcastEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

// named 回傳指定事件名稱的所有投遞（依發生順序）
func (f *fakeBroadcaster) named(event string) []broadcastEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []broadcastEvent
	for _, ev := range f.events {
		if ev.event == event {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeBroadcaster) inGroup(connID, roomID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups[roomID][connID]
}

func newTestCoordinator(grace time.Duration) (*internal.Coordinator, *internal.Registry, *fakeBroadcaster) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := internal.NewRegistry(internal.TicTacToeRules{}, logger)
	broadcast := newFakeBroadcaster()
	coord := internal.NewCoordinator(registry, broadcast, grace, logger)
	return coord, registry, broadcast
}

// setupMatch 建房並讓兩位玩家入座
func setupMatch(t *testing.T, coord *internal.Coordinator) string {
	t.Helper()

	roomID, err := coord.CreateRoom("conn_001", "玩家一", "p1")
	require.NoError(t, err)
	require.NoError(t, coord.JoinRoom("conn_002", roomID, "玩家二", "p2"))
	return roomID
}

// TestCoordinator_CreateRoom 測試建房
func TestCoordinator_CreateRoom(t *testing.T) {
	coord, registry, broadcast := newTestCoordinator(time.Second)

	roomID, err := coord.CreateRoom("conn_001", "玩家一", "p1")
	require.NoError(t, err)
	require.NotEmpty(t, roomID)

	// 創建者直接入座 X 位並加入群組
	room, ok := registry.Lookup(roomID)
	require.True(t, ok)
	assert.Equal(t, 1, room.OccupantCount())
	assert.Equal(t, "玩家一", room.Snapshot().PlayerXName)
	assert.True(t, broadcast.inGroup("conn_001", roomID))

	// 大廳收到佔位更新
	updates := broadcast.named(internal.EventRoomsUpdated)
	require.NotEmpty(t, updates)
	assert.Equal(t, "all", updates[len(updates)-1].scope)

	t.Run("connection already bound elsewhere", func(t *testing.T) {
		_, err := coord.CreateRoom("conn_001", "玩家一", "p1")
		assert.ErrorIs(t, err, internal.ErrAlreadyInRoom)
		assert.Equal(t, 1, registry.RoomCount())
	})
}

// TestCoordinator_JoinRoom 測試加入房間
func TestCoordinator_JoinRoom(t *testing.T) {
	t.Run("second player joins and receives state sync", func(t *testing.T) {
		coord, registry, broadcast := newTestCoordinator(time.Second)
		roomID := setupMatch(t, coord)

		room, _ := registry.Lookup(roomID)
		assert.Equal(t, 2, room.OccupantCount())
		assert.Equal(t, "玩家二", room.Snapshot().PlayerOName)
		assert.True(t, broadcast.inGroup("conn_002", roomID))

		// 加入者收到私發的狀態同步
		syncs := broadcast.named(internal.EventSyncGameState)
		require.NotEmpty(t, syncs)
		last := syncs[len(syncs)-1]
		assert.Equal(t, "conn", last.scope)
		assert.Equal(t, "conn_002", last.target)

		snap, ok := last.payload.(internal.Snapshot)
		require.True(t, ok)
		assert.Equal(t, internal.MarkX, snap.Turn)
	})

	t.Run("room not found", func(t *testing.T) {
		coord, _, _ := newTestCoordinator(time.Second)
		err := coord.JoinRoom("conn_001", "no_such_room", "玩家", "p1")
		assert.ErrorIs(t, err, internal.ErrRoomNotFound)
	})

	t.Run("room full", func(t *testing.T) {
		coord, _, _ := newTestCoordinator(time.Second)
		roomID := setupMatch(t, coord)

		err := coord.JoinRoom("conn_003", roomID, "玩家三", "p3")
		assert.ErrorIs(t, err, internal.ErrRoomFull)
	})

	t.Run("rejoin over the same connection is idempotent", func(t *testing.T) {
		coord, registry, _ := newTestCoordinator(time.Second)
		roomID := setupMatch(t, coord)

		// 同一連接、同一穩定身份重送加入指令：重連路徑重用既有綁定
		require.NoError(t, coord.JoinRoom("conn_002", roomID, "玩家二", "p2"))

		room, _ := registry.Lookup(roomID)
		assert.Equal(t, 2, room.OccupantCount())
		bound, ok := registry.RoomForConnection("conn_002")
		require.True(t, ok)
		assert.Equal(t, roomID, bound)
	})

	t.Run("connection bound to another room", func(t *testing.T) {
		coord, _, _ := newTestCoordinator(time.Second)
		setupMatch(t, coord)
		otherID, err := coord.CreateRoom("conn_003", "玩家三", "p3")
		require.NoError(t, err)

		err = coord.JoinRoom("conn_001", otherID, "玩家一", "p1")
		assert.ErrorIs(t, err, internal.ErrAlreadyInRoom)
	})
}

// TestCoordinator_MakeMove 測試落子與對局事件
func TestCoordinator_MakeMove(t *testing.T) {
	t.Run("full game ends with winner name", func(t *testing.T) {
		coord, _, broadcast := newTestCoordinator(time.Second)
		roomID := setupMatch(t, coord)

		// O 取得反對角線 (0,2) (1,1) (2,0)
		moves := []struct {
			stableID string
			row, col int
		}{
			{"p1", 0, 0},
			{"p2", 1, 1},
			{"p1", 0, 1},
			{"p2", 0, 2},
			{"p1", 2, 2},
			{"p2", 2, 0},
		}
		for _, mv := range moves {
			require.NoError(t, coord.MakeMove(roomID, mv.row, mv.col, mv.stableID))
		}

		// 每手成功落子都廣播一次棋盤更新
		assert.Len(t, broadcast.named(internal.EventBoardUpdated), len(moves))

		overs := broadcast.named(internal.EventGameOver)
		require.Len(t, overs, 1)
		assert.Equal(t, "group", overs[0].scope)
		assert.Equal(t, roomID, overs[0].target)
		assert.Equal(t, "玩家二", overs[0].payload)

		snap, ok := coord.GetGameState(roomID)
		require.True(t, ok)
		assert.True(t, snap.GameOver)
		assert.Equal(t, "玩家二", snap.Winner)
	})

	t.Run("draw reports the draw marker", func(t *testing.T) {
		coord, _, broadcast := newTestCoordinator(time.Second)
		roomID := setupMatch(t, coord)

		moves := []struct {
			stableID string
			row, col int
		}{
			{"p1", 0, 0}, {"p2", 0, 1}, {"p1", 0, 2},
			{"p2", 1, 1}, {"p1", 1, 0}, {"p2", 1, 2},
			{"p1", 2, 1}, {"p2", 2, 0}, {"p1", 2, 2},
		}
		for _, mv := range moves {
			require.NoError(t, coord.MakeMove(roomID, mv.row, mv.col, mv.stableID))
		}

		overs := broadcast.named(internal.EventGameOver)
		require.Len(t, overs, 1)
		assert.Equal(t, internal.WinnerDraw, overs[0].payload)
	})

	t.Run("rejected move broadcasts nothing", func(t *testing.T) {
		coord, _, broadcast := newTestCoordinator(time.Second)
		roomID := setupMatch(t, coord)

		// 非 O 的回合
		err := coord.MakeMove(roomID, 0, 0, "p2")
		assert.ErrorIs(t, err, internal.ErrNotYourTurn)
		assert.Empty(t, broadcast.named(internal.EventBoardUpdated))

		// 非房間成員
		err = coord.MakeMove(roomID, 0, 0, "p9")
		assert.ErrorIs(t, err, internal.ErrNotInRoom)
		assert.Empty(t, broadcast.named(internal.EventBoardUpdated))
	})

	t.Run("room not found", func(t *testing.T) {
		coord, _, _ := newTestCoordinator(time.Second)
		err := coord.MakeMove("no_such_room", 0, 0, "p1")
		assert.ErrorIs(t, err, internal.ErrRoomNotFound)
	})
}

// TestCoordinator_DisconnectGrace 測試斷線寬限期
func TestCoordinator_DisconnectGrace(t *testing.T) {
	const grace = 50 * time.Millisecond

	t.Run("sole occupant removed and room destroyed after grace", func(t *testing.T) {
		coord, registry, _ := newTestCoordinator(grace)
		roomID, err := coord.CreateRoom("conn_001", "玩家一", "p1")
		require.NoError(t, err)

		coord.OnConnectionLost("conn_001")

		// 寬限期內棋位保留，房間還在
		room, ok := registry.Lookup(roomID)
		require.True(t, ok)
		assert.True(t, room.PendingRemoval())
		assert.Equal(t, 1, room.OccupantCount())

		require.Eventually(t, func() bool {
			_, ok := registry.Lookup(roomID)
			return !ok
		}, time.Second, 10*time.Millisecond, "寬限期到期後空房間應被銷毀")

		_, bound := registry.RoomForConnection("conn_001")
		assert.False(t, bound)
	})

	t.Run("mid-game disconnect forfeits to the opponent", func(t *testing.T) {
		coord, registry, broadcast := newTestCoordinator(grace)
		roomID := setupMatch(t, coord)
		require.NoError(t, coord.MakeMove(roomID, 0, 0, "p1"))

		coord.OnConnectionLost("conn_002")

		require.Eventually(t, func() bool {
			return len(broadcast.named(internal.EventGameOver)) == 1
		}, time.Second, 10*time.Millisecond)

		overs := broadcast.named(internal.EventGameOver)
		assert.Equal(t, "玩家一", overs[0].payload)

		// 對手還在，房間不銷毀
		room, ok := registry.Lookup(roomID)
		require.True(t, ok)
		assert.Equal(t, 1, room.OccupantCount())

		// 群組收到玩家離開通知
		lefts := broadcast.named(internal.EventPlayerLeft)
		require.Len(t, lefts, 1)
		assert.Equal(t, "conn_002", lefts[0].payload)
	})

	t.Run("rejoin within grace cancels removal", func(t *testing.T) {
		coord, registry, broadcast := newTestCoordinator(grace)
		roomID := setupMatch(t, coord)
		require.NoError(t, coord.MakeMove(roomID, 0, 0, "p1"))

		coord.OnConnectionLost("conn_002")
		require.NoError(t, coord.JoinRoom("conn_003", roomID, "玩家二", "p2"))

		// 等計時器確實開過火
		time.Sleep(4 * grace)

		room, ok := registry.Lookup(roomID)
		require.True(t, ok)
		assert.Equal(t, 2, room.OccupantCount())
		assert.False(t, room.PendingRemoval())
		assert.False(t, room.GameOver(), "重連不能觸發棄權")
		assert.Empty(t, broadcast.named(internal.EventGameOver))
		assert.Empty(t, broadcast.named(internal.EventPlayerLeft))

		// 棋位與綁定換到新連接上
		assert.True(t, room.HoldsConnection("conn_003"))
		assert.False(t, room.HoldsConnection("conn_002"))
		bound, ok := registry.RoomForConnection("conn_003")
		require.True(t, ok)
		assert.Equal(t, roomID, bound)
		_, stale := registry.RoomForConnection("conn_002")
		assert.False(t, stale, "舊連接的綁定應被清除")

		// 盤面在重連後延續，不重開
		snap := room.Snapshot()
		assert.Equal(t, internal.MarkX, snap.Board[0][0])
		assert.Equal(t, internal.MarkO, snap.Turn)

		// 重連者可以直接落子
		require.NoError(t, coord.MakeMove(roomID, 1, 1, "p2"))
	})

	t.Run("join rejected while grace is active mid-game", func(t *testing.T) {
		coord, _, _ := newTestCoordinator(time.Minute)
		roomID := setupMatch(t, coord)
		require.NoError(t, coord.MakeMove(roomID, 0, 0, "p1"))

		coord.OnConnectionLost("conn_002")

		err := coord.JoinRoom("conn_003", roomID, "玩家三", "p3")
		assert.ErrorIs(t, err, internal.ErrPendingGraceActive)
	})

	t.Run("unknown connection is a no-op", func(t *testing.T) {
		coord, registry, _ := newTestCoordinator(grace)
		coord.OnConnectionLost("conn_999")
		assert.Equal(t, 0, registry.RoomCount())
	})
}

// TestCoordinator_RejoinAfterGameOver 測試終局後重連觸發重開
func TestCoordinator_RejoinAfterGameOver(t *testing.T) {
	coord, registry, broadcast := newTestCoordinator(time.Minute)
	roomID := setupMatch(t, coord)

	moves := []struct {
		stableID string
		row, col int
	}{
		{"p1", 0, 0}, {"p2", 1, 0}, {"p1", 0, 1}, {"p2", 1, 1}, {"p1", 0, 2},
	}
	for _, mv := range moves {
		require.NoError(t, coord.MakeMove(roomID, mv.row, mv.col, mv.stableID))
	}

	// O 位玩家換了連接回來
	coord.OnConnectionLost("conn_002")
	require.NoError(t, coord.JoinRoom("conn_003", roomID, "玩家二", "p2"))

	restarts := broadcast.named(internal.EventGameRestarted)
	require.Len(t, restarts, 1)
	assert.Equal(t, "group", restarts[0].scope)

	room, _ := registry.Lookup(roomID)
	snap := room.Snapshot()
	assert.False(t, snap.GameOver)
	assert.Equal(t, internal.Board{}, snap.Board)
	assert.Equal(t, internal.MarkX, snap.Turn)
}

// TestCoordinator_LeaveRoom 測試主動離開
func TestCoordinator_LeaveRoom(t *testing.T) {
	t.Run("not bound anywhere", func(t *testing.T) {
		coord, _, _ := newTestCoordinator(time.Second)
		err := coord.LeaveRoom("conn_001")
		assert.ErrorIs(t, err, internal.ErrNotInRoom)
	})

	t.Run("mid-game leave forfeits immediately", func(t *testing.T) {
		coord, registry, broadcast := newTestCoordinator(time.Second)
		roomID := setupMatch(t, coord)
		require.NoError(t, coord.MakeMove(roomID, 0, 0, "p1"))

		require.NoError(t, coord.LeaveRoom("conn_001"))

		overs := broadcast.named(internal.EventGameOver)
		require.Len(t, overs, 1)
		assert.Equal(t, "玩家二", overs[0].payload)

		room, ok := registry.Lookup(roomID)
		require.True(t, ok)
		assert.Equal(t, 1, room.OccupantCount())
		assert.False(t, broadcast.inGroup("conn_001", roomID))
	})

	t.Run("last occupant leaving destroys the room", func(t *testing.T) {
		coord, registry, broadcast := newTestCoordinator(time.Second)
		roomID := setupMatch(t, coord)

		require.NoError(t, coord.LeaveRoom("conn_001"))
		require.NoError(t, coord.LeaveRoom("conn_002"))

		_, ok := registry.Lookup(roomID)
		assert.False(t, ok)

		// 大廳在每次離開後都收到更新
		assert.GreaterOrEqual(t, len(broadcast.named(internal.EventRoomsUpdated)), 2)
	})
}

// TestCoordinator_RestartRoom 測試顯式重開
func TestCoordinator_RestartRoom(t *testing.T) {
	t.Run("room not found", func(t *testing.T) {
		coord, _, _ := newTestCoordinator(time.Second)
		err := coord.RestartRoom("no_such_room")
		assert.ErrorIs(t, err, internal.ErrRoomNotFound)
	})

	t.Run("restart clears the board and broadcasts", func(t *testing.T) {
		coord, _, broadcast := newTestCoordinator(time.Second)
		roomID := setupMatch(t, coord)
		require.NoError(t, coord.MakeMove(roomID, 0, 0, "p1"))

		require.NoError(t, coord.RestartRoom(roomID))

		restarts := broadcast.named(internal.EventGameRestarted)
		require.Len(t, restarts, 1)

		snap, ok := coord.GetGameState(roomID)
		require.True(t, ok)
		assert.Equal(t, internal.Board{}, snap.Board)
		assert.Equal(t, internal.MarkX, snap.Turn)
	})
}

// TestCoordinator_Queries 測試唯讀查詢
func TestCoordinator_Queries(t *testing.T) {
	coord, _, _ := newTestCoordinator(time.Second)
	roomID := setupMatch(t, coord)

	assert.Contains(t, coord.ListRooms(), roomID)

	occupancy := coord.GetRoomOccupancy()
	require.Len(t, occupancy, 1)
	assert.Equal(t, 2, occupancy[0].PlayerCount)

	_, ok := coord.GetGameState("no_such_room")
	assert.False(t, ok)
}
