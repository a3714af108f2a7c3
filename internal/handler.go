package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Handler HTTP 請求處理器
//
// 只承載唯讀介面（大廳列表、房間快照、健康檢查、統計）：
// 所有會改變房間狀態的操作都走 WebSocket（狀態變更需要即時推送給房間成員，
// 走請求-回應的 HTTP 做不到這件事）。
type Handler struct {
	coordinator *Coordinator
	registry    *Registry
	hub         *Hub
	logger      *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(coordinator *Coordinator, registry *Registry, hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		registry:    registry,
		hub:         hub,
		logger:      logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 唯讀查詢 API
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getGameState))

	// 健康檢查與監控
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// listRooms 大廳列表（房間識別碼與佔位數）
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	occupancy := h.coordinator.GetRoomOccupancy()

	h.jsonResponse(w, map[string]any{
		"rooms": occupancy,
		"total": len(occupancy),
	}, http.StatusOK)
}

// getGameState 房間狀態快照
func (h *Handler) getGameState(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	snap, ok := h.coordinator.GetGameState(roomID)
	if !ok {
		h.errorResponse(w, ErrRoomNotFound.Error(), http.StatusNotFound)
		return
	}

	h.jsonResponse(w, snap, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.registry.Stats()
	if h.hub != nil {
		stats["websocket_connections"] = h.hub.ConnectionCount()
	}
	h.jsonResponse(w, stats, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
