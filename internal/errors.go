package internal

import "errors"

// 錯誤分類設計：
//   所有錯誤都是呼叫方可恢復的業務條件，不會讓進程崩潰，
//   也不會讓房間處於部分更新的狀態（先檢查前置條件，再修改狀態）。
//
// 使用哨兵錯誤（sentinel errors）配合 errors.Is 判斷，
// 讓傳輸層可以把錯誤映射為對客戶端的拒絕回應。
var (
	// ErrAlreadyInRoom 連接已綁定其他房間（一個連接同時只能在一個房間）
	ErrAlreadyInRoom = errors.New("連接已綁定其他房間")

	// ErrRoomNotFound 操作的房間不存在
	ErrRoomNotFound = errors.New("房間不存在")

	// ErrRoomFull 兩個棋位都已被不同的穩定身份佔用
	ErrRoomFull = errors.New("房間已滿")

	// ErrNotYourTurn 尚未輪到該玩家落子
	ErrNotYourTurn = errors.New("尚未輪到該玩家")

	// ErrIllegalMove 座標越界或格子已被佔用
	ErrIllegalMove = errors.New("非法落子")

	// ErrPendingGraceActive 有玩家在寬限期內等待重連，棋位暫不開放頂替
	ErrPendingGraceActive = errors.New("房間有玩家等待重連中")

	// ErrNotInRoom 連接或穩定身份並未佔用任何棋位
	ErrNotInRoom = errors.New("玩家不在房間內")
)
