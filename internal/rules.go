package internal

// 系統設計問題：
//   如何讓房間狀態機不依賴特定棋類的勝負判定？
//
// 設計方案：
//   ✅ Rules 介面 - 房間只依賴合法性檢查與落子結果
//   ✅ 純函數 - 棋盤用值語義傳遞，規則評估無副作用、無鎖
//   ✅ Fail closed - 任何前置條件不滿足一律回傳不合法

// Mark 棋格標記
type Mark string

const (
	MarkEmpty Mark = ""
	MarkX     Mark = "X"
	MarkO     Mark = "O"
)

// Opponent 回傳對手標記
func (m Mark) Opponent() Mark {
	if m == MarkX {
		return MarkO
	}
	return MarkX
}

// BoardSize 棋盤邊長
const BoardSize = 3

// Board 3×3 棋盤
//
// 值型別：複製即快照，規則評估與狀態同步都不需要額外的防禦性拷貝。
type Board [BoardSize][BoardSize]Mark

// Rules 遊戲規則
//
// 房間狀態機依賴這個介面而不擁有規則本身：
//   - IsLegalMove 檢查落子合法性（越界、佔用、輪次一律 fail closed）
//   - ApplyMove 寫入標記並評估終局，回傳新棋盤、是否結束、勝方標記
//     （gameOver 為 true 且勝方為空標記代表平手）
//
// 實作必須是確定性的純函數，不得修改傳入的棋盤以外的任何狀態。
type Rules interface {
	IsLegalMove(b Board, row, col int, mark, turn Mark) bool
	ApplyMove(b Board, row, col int, mark Mark) (Board, bool, Mark)
}

// TicTacToeRules 井字棋規則（無狀態）
type TicTacToeRules struct{}

// IsLegalMove 檢查落子合法性
func (TicTacToeRules) IsLegalMove(b Board, row, col int, mark, turn Mark) bool {
	if row < 0 || row >= BoardSize || col < 0 || col >= BoardSize {
		return false
	}
	if mark != turn {
		return false
	}
	return b[row][col] == MarkEmpty
}

// ApplyMove 寫入標記並評估終局
//
// 只檢查剛落子一方的 8 條連線（3 橫、3 直、2 斜）：
// 只有這一方可能剛完成連線，另一方不需要重複掃描。
func (TicTacToeRules) ApplyMove(b Board, row, col int, mark Mark) (Board, bool, Mark) {
	b[row][col] = mark

	if hasLine(b, mark) {
		return b, true, mark
	}
	if isFull(b) {
		// 平手
		return b, true, MarkEmpty
	}
	return b, false, MarkEmpty
}

// hasLine 檢查指定標記是否完成任一條連線
func hasLine(b Board, mark Mark) bool {
	for i := 0; i < BoardSize; i++ {
		if b[i][0] == mark && b[i][1] == mark && b[i][2] == mark {
			return true
		}
		if b[0][i] == mark && b[1][i] == mark && b[2][i] == mark {
			return true
		}
	}
	if b[0][0] == mark && b[1][1] == mark && b[2][2] == mark {
		return true
	}
	return b[0][2] == mark && b[1][1] == mark && b[2][0] == mark
}

// isFull 檢查棋盤是否已滿
func isFull(b Board) bool {
	for i := 0; i < BoardSize; i++ {
		for j := 0; j < BoardSize; j++ {
			if b[i][j] == MarkEmpty {
				return false
			}
		}
	}
	return true
}
