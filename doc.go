// Package gamesession 提供了一個雙人即時對局的會話協調服務器。
//
// 實現了一個井字棋對局服務器，核心是房間/會話生命週期與並發安全的狀態機：
//
// 房間與會話管理
//
// 提供完整的對局會話生命週期管理：
//   - 房間創建與銷毀（兩個棋位同時清空即銷毀）
//   - 瞬態連接與持久玩家身份的綁定（stableID 跨重連識別玩家）
//   - 斷線寬限期（預設 5 秒）：瞬斷重連 vs 真正放棄的消歧
//   - 棄權判定：寬限期到期且對局未結束時，判對手獲勝
//
// # WebSocket 通訊
//
// 實現了即時雙向通訊機制：
//   - 每個連接一個不透明的連接識別碼
//   - 單播（狀態同步）、房間群組廣播（落子、終局）、全域廣播（大廳更新）
//   - 支援心跳檢測（Ping/Pong）
//   - 連接中斷自動觸發寬限期
//
// 併發安全設計
//
// 採用了多層次的併發控制策略：
//   - 每個房間一把獨立的鎖，所有多欄位讀寫都是單一臨界區
//   - 註冊表自己的讀寫鎖守護兩張 id 映射
//   - 鎖順序固定：註冊表先於房間，避免銷毀與建房路徑死鎖
//   - 寬限期用排程回呼 + 鎖內旗標重查，不阻塞任何連接處理流程
//
// 使用範例
//
// 啟動服務器：
//
//	registry := internal.NewRegistry(internal.TicTacToeRules{}, logger)
//	hub := internal.NewHub(logger)
//	coordinator := internal.NewCoordinator(registry, hub, 5*time.Second, logger)
//	hub.SetCoordinator(coordinator)
//
//	http.HandleFunc("GET /ws", hub.ServeWS)
//	log.Fatal(http.ListenAndServe(":8080", nil))
//
// 客戶端透過 WebSocket 發送指令：
//
//	{"action": "create_room", "player_name": "Alice", "player_id": "p1"}
//	{"action": "join_room", "room_id": "...", "player_name": "Bob", "player_id": "p2"}
//	{"action": "make_move", "room_id": "...", "row": 0, "col": 0, "player_id": "p1"}
//
// 架構設計
//
// 系統採用分層架構設計：
//   - Hub 層：WebSocket 傳輸（連接身份、群組投遞、心跳）
//   - Coordinator 層：每連接操作入口與廣播義務
//   - Registry 層：房間與連接綁定的單一序列化點
//   - Room 層：單一對局的狀態機
//   - Rules 層：純函數的勝負判定（可替換的介面）
//
// 每層都有明確的職責邊界，透過介面進行交互，便於測試與擴展。
//
// 配置選項
//
// 支援多種運行時配置：
//   - -port：服務監聽端口（預設 8080）
//   - -log-level：日誌級別（debug/info/warn/error）
//   - -log-format：日誌格式（text/json）
//   - -grace-seconds：斷線寬限期秒數（預設 5）
package gamesession
