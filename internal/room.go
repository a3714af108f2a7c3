package internal

import "sync"

// 系統設計問題：
//   如何在多個連接處理流程並發讀寫同一個對局時，保證房間狀態不被撕裂？
//
// 核心挑戰：
//   1. 狀態一致性：「檢查輪次 → 寫入棋格 → 翻轉輪次 → 判定勝負」必須是
//      同一個臨界區，否則交錯的落子會破壞棋盤或重複計算輪次
//   2. 斷線與重連：瞬斷的連接不等於玩家放棄，棋位要為穩定身份保留一段寬限期
//   3. 重連與移除的競態：寬限期計時器到期與重連同時發生時，不能丟失重連
//
// 設計方案：
//   ✅ 每個房間一把獨立的鎖 - 所有多欄位讀寫都是單一臨界區
//   ✅ 穩定身份（stableID）- 連接 ID 換了，棋位還是同一個玩家的
//   ✅ pendingRemoval 旗標 + 到期後鎖內重查 - 重連只要清旗標就能取消移除，
//      不需要任何計時器控制代碼的簿記（遲到的計時器自然成為無操作）

// PlayerSlot 棋位（固定兩個：X 先於 O）
type PlayerSlot int

const (
	SlotX PlayerSlot = iota
	SlotO

	slotNone PlayerSlot = -1
)

// Mark 回傳棋位對應的標記
func (s PlayerSlot) Mark() Mark {
	if s == SlotX {
		return MarkX
	}
	return MarkO
}

func (s PlayerSlot) String() string {
	if s == SlotX {
		return "X"
	}
	return "O"
}

// slot 單一棋位的佔用狀態
//
// 連接 ID 與穩定身份分開記錄：
//   - connectionID 隨連接生滅（斷線重連後會換掉）
//   - stableID 在棋位被清空前不變，是跨連接識別玩家的唯一依據
//
// 寬限期內 connectionID 仍保留在棋位上，棋位視為佔用（不開放頂替）。
type slot struct {
	displayName    string
	stableID       string
	connectionID   string
	pendingRemoval bool
}

func (s *slot) occupied() bool {
	return s.connectionID != ""
}

// Snapshot 房間狀態的一致性快照（狀態同步與查詢用）
type Snapshot struct {
	Board       Board  `json:"board"`
	Turn        Mark   `json:"turn"`
	GameOver    bool   `json:"game_over"`
	Winner      string `json:"winner"`
	PlayerXName string `json:"player_x_name"`
	PlayerOName string `json:"player_o_name"`
}

// MoveResult 落子後的狀態（無論落子是否被接受都會回傳）
type MoveResult struct {
	Board    Board
	Turn     Mark
	GameOver bool
	Winner   string
}

// RejoinResult 以穩定身份重連的結果
type RejoinResult struct {
	// Slot 玩家原本佔用的棋位
	Slot PlayerSlot
	// PrevConnID 被取代的舊連接 ID（呼叫方負責清理其綁定）
	PrevConnID string
	// Reset 對局是否因重連而重開（只在前一局已結束時發生）
	Reset bool
}

// SlotView 棋位佔用的唯讀視圖（測試與監控用）
type SlotView struct {
	DisplayName    string
	StableID       string
	ConnectionID   string
	PendingRemoval bool
	Occupied       bool
}

// Room 一場對局的全部可變狀態
//
// 併發控制：
//   - 所有導出方法都在房間自己的鎖下執行，呼叫方不會觀察到部分更新
//   - 鎖順序：註冊表鎖先於房間鎖，絕不反向（避免銷毀與建房路徑互相死鎖）
//
// 狀態機：
//
//	InProgress → InProgress（落子，未終局）→ GameOver（連線或平手或棄權）
//
// GameOver 之後唯一回到 InProgress 的路徑是重開
// （下一次成功的加入/重連，或顯式的 restart），對局進行中絕不重開。
type Room struct {
	// ID 房間唯一識別碼（創建時生成，不可變）
	ID string

	mu    sync.RWMutex
	rules Rules
	slots [2]slot
	board Board
	turn  Mark
	// gameOver 在單一對局內單調：只有重開會把它清回 false
	gameOver bool
	// winner 勝者顯示名稱；gameOver 且 winner 為空代表平手
	winner string
	// pending 恆等於「任一棋位 pendingRemoval 為 true」
	pending bool
}

// NewRoom 創建房間
func NewRoom(id string, rules Rules) *Room {
	return &Room{
		ID:    id,
		rules: rules,
		turn:  MarkX,
	}
}

// BindSlot 把玩家綁定到指定棋位（建房路徑：創建者直接入座 X 位）
//
// 棋位已被另一個穩定身份以活躍連接佔用時失敗。
func (r *Room) BindSlot(s PlayerSlot, displayName, stableID, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sl := &r.slots[s]
	if sl.occupied() && sl.stableID != stableID {
		return ErrRoomFull
	}

	*sl = slot{
		displayName:  displayName,
		stableID:     stableID,
		connectionID: connID,
	}
	r.refreshPendingLocked()
	return nil
}

// RejoinByStableID 以穩定身份重新綁定連接
//
// 找到持有該 stableID 的棋位時：
//   - 換上新的連接 ID 與顯示名稱
//   - 清除該棋位與房間層級的 pendingRemoval（取消進行中的寬限期移除）
//   - 前一局已結束時觸發重開（對房間內所有人可見，不只重連者）
func (r *Room) RejoinByStableID(stableID, newConnID, newName string) (RejoinResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		sl := &r.slots[i]
		if sl.stableID == "" || sl.stableID != stableID {
			continue
		}

		res := RejoinResult{Slot: PlayerSlot(i)}
		if sl.connectionID != newConnID {
			res.PrevConnID = sl.connectionID
		}

		sl.connectionID = newConnID
		sl.displayName = newName
		sl.pendingRemoval = false
		r.refreshPendingLocked()

		if r.gameOver {
			r.resetLocked()
			res.Reset = true
		}
		return res, true
	}
	return RejoinResult{Slot: slotNone}, false
}

// AssignNewOccupant 把新玩家指派到第一個空位（X 優先於 O）
//
// 兩個棋位都被佔用時回傳 ErrRoomFull（寬限期內的棋位也算佔用）。
// 前一局已結束時先重開再入座，重開語義與重連路徑一致。
func (r *Room) AssignNewOccupant(connID, displayName, stableID string) (PlayerSlot, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := slotNone
	for i := range r.slots {
		if !r.slots[i].occupied() {
			target = PlayerSlot(i)
			break
		}
	}
	if target == slotNone {
		return slotNone, false, ErrRoomFull
	}

	reset := false
	if r.gameOver {
		r.resetLocked()
		reset = true
	}

	r.slots[target] = slot{
		displayName:  displayName,
		stableID:     stableID,
		connectionID: connID,
	}
	r.refreshPendingLocked()
	return target, reset, nil
}

// RecordMove 落子
//
// 從穩定身份解析出執子方，委派規則判定，只有合法才修改狀態；
// 無論接受與否都回傳落子後（或原封不動）的狀態。
func (r *Room) RecordMove(stableID string, row, col int) (MoveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := MoveResult{Board: r.board, Turn: r.turn, GameOver: r.gameOver, Winner: r.winner}

	target := slotNone
	for i := range r.slots {
		if r.slots[i].occupied() && r.slots[i].stableID == stableID {
			target = PlayerSlot(i)
			break
		}
	}
	if target == slotNone {
		return res, ErrNotInRoom
	}
	if r.gameOver {
		return res, ErrIllegalMove
	}

	mark := target.Mark()
	if mark != r.turn {
		return res, ErrNotYourTurn
	}
	if !r.rules.IsLegalMove(r.board, row, col, mark, r.turn) {
		return res, ErrIllegalMove
	}

	board, over, winMark := r.rules.ApplyMove(r.board, row, col, mark)
	r.board = board
	if over {
		r.gameOver = true
		if winMark != MarkEmpty {
			r.winner = r.slots[target].displayName
		}
		// 終局後輪次凍結
	} else {
		r.turn = mark.Opponent()
	}

	return MoveResult{Board: r.board, Turn: r.turn, GameOver: r.gameOver, Winner: r.winner}, nil
}

// MarkPendingRemoval 標記連接對應棋位進入寬限期（冪等）
func (r *Room) MarkPendingRemoval(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		if r.slots[i].connectionID == connID {
			r.slots[i].pendingRemoval = true
			r.pending = true
		}
	}
}

// ClearPendingRemoval 清除連接對應棋位的寬限期標記（冪等）
func (r *Room) ClearPendingRemoval(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		if r.slots[i].connectionID == connID {
			r.slots[i].pendingRemoval = false
		}
	}
	r.refreshPendingLocked()
}

// FinalizeRemoval 寬限期結束後的最終移除
//
// 旗標重查與移除在同一個臨界區內：與計時器賽跑的重連已經清掉旗標時，
// 這裡什麼都不做（last-writer-wins 在這裡是不可接受的）。
// 移除成立時清空棋位；若對手仍在且對局未結束，判對手棄權獲勝。
func (r *Room) FinalizeRemoval(connID string) (removed bool, roomEmpty bool, forfeitWinner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := slotNone
	for i := range r.slots {
		if r.slots[i].connectionID == connID && r.slots[i].pendingRemoval {
			target = PlayerSlot(i)
			break
		}
	}
	if target == slotNone {
		// 重連搶先清了旗標，或連接本來就不佔位
		return false, false, ""
	}

	forfeitWinner = r.forfeitLocked(target)
	roomEmpty = r.vacateLocked(target)
	return true, roomEmpty, forfeitWinner
}

// Leave 主動離開（不經過寬限期）
//
// 棄權與清位語義和 FinalizeRemoval 相同，只是不要求 pendingRemoval。
func (r *Room) Leave(connID string) (removed bool, roomEmpty bool, forfeitWinner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := slotNone
	for i := range r.slots {
		if r.slots[i].occupied() && r.slots[i].connectionID == connID {
			target = PlayerSlot(i)
			break
		}
	}
	if target == slotNone {
		return false, false, ""
	}

	forfeitWinner = r.forfeitLocked(target)
	roomEmpty = r.vacateLocked(target)
	return true, roomEmpty, forfeitWinner
}

// forfeitLocked 在 target 棋位騰空前評估棄權
//
// 對局進行中且對手仍在座時，標記終局並判對手獲勝；
// 已經結束的對局不會再次觸發棄權。必須持有寫鎖。
func (r *Room) forfeitLocked(vacated PlayerSlot) string {
	other := &r.slots[1-vacated]
	if !other.occupied() || r.gameOver {
		return ""
	}
	r.gameOver = true
	r.winner = other.displayName
	return other.displayName
}

// vacateLocked 清空棋位並回傳房間是否已空。必須持有寫鎖。
func (r *Room) vacateLocked(s PlayerSlot) bool {
	r.slots[s] = slot{}
	r.refreshPendingLocked()
	return !r.slots[0].occupied() && !r.slots[1].occupied()
}

// Reset 顯式重開對局（清空棋盤、X 先行、清除勝負）
func (r *Room) Reset() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resetLocked()
	return r.snapshotLocked()
}

// resetLocked 重開對局。必須持有寫鎖。
func (r *Room) resetLocked() {
	r.board = Board{}
	r.turn = MarkX
	r.gameOver = false
	r.winner = ""
}

// Snapshot 取得一致性快照
func (r *Room) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Room) snapshotLocked() Snapshot {
	return Snapshot{
		Board:       r.board,
		Turn:        r.turn,
		GameOver:    r.gameOver,
		Winner:      r.winner,
		PlayerXName: r.slots[SlotX].displayName,
		PlayerOName: r.slots[SlotO].displayName,
	}
}

// OccupantCount 目前佔用的棋位數（0、1 或 2）
func (r *Room) OccupantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for i := range r.slots {
		if r.slots[i].occupied() {
			count++
		}
	}
	return count
}

// PendingRemoval 是否有任一棋位處於寬限期
func (r *Room) PendingRemoval() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pending
}

// GameOver 對局是否已結束
func (r *Room) GameOver() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gameOver
}

// HoldsConnection 連接是否仍綁定在任一棋位上
func (r *Room) HoldsConnection(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.slots {
		if r.slots[i].connectionID == connID {
			return true
		}
	}
	return false
}

// SlotViews 兩個棋位的唯讀視圖
func (r *Room) SlotViews() [2]SlotView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var views [2]SlotView
	for i := range r.slots {
		views[i] = SlotView{
			DisplayName:    r.slots[i].displayName,
			StableID:       r.slots[i].stableID,
			ConnectionID:   r.slots[i].connectionID,
			PendingRemoval: r.slots[i].pendingRemoval,
			Occupied:       r.slots[i].occupied(),
		}
	}
	return views
}

// refreshPendingLocked 維護「房間 pending ⇔ 任一棋位 pending」的不變量。
// 必須持有寫鎖。
func (r *Room) refreshPendingLocked() {
	r.pending = r.slots[0].pendingRemoval || r.slots[1].pendingRemoval
}
