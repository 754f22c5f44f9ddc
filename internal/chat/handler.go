package chat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/koopa0/system-design/14-chat-cache/internal/cache"
	apperrors "github.com/koopa0/system-design/14-chat-cache/pkg/errors"
)

// Handler HTTP 請求處理器。
//
// 端點層只做請求/響應轉譯，領域邏輯都在 Service。
type Handler struct {
	service *Service
	cache   *cache.Engine
	hub     *Hub
	logger  *slog.Logger
}

// NewHandler 創建 HTTP 處理器。
func NewHandler(service *Service, engine *cache.Engine, hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		cache:   engine,
		hub:     hub,
		logger:  logger,
	}
}

// Routes 設定路由。
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：恢復 -> 日誌 -> 業務處理
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.requestLogger(handler))
	}

	// 房間
	mux.HandleFunc("POST /api/v1/rooms", wrap(h.createRoom))
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{id}", wrap(h.roomInfo))
	mux.HandleFunc("PUT /api/v1/rooms/{id}", wrap(h.updateRoom))

	// 訊息
	mux.HandleFunc("POST /api/v1/rooms/{id}/messages", wrap(h.sendMessage))
	mux.HandleFunc("GET /api/v1/rooms/{id}/messages", wrap(h.recentMessages))
	mux.HandleFunc("GET /api/v1/rooms/{id}/history", wrap(h.history))
	mux.HandleFunc("GET /api/v1/messages/{id}", wrap(h.messageByID))

	// 在線狀態
	mux.HandleFunc("POST /api/v1/rooms/{id}/join", wrap(h.join))
	mux.HandleFunc("POST /api/v1/rooms/{id}/leave", wrap(h.leave))
	mux.HandleFunc("GET /api/v1/rooms/{id}/online", wrap(h.online))

	// 排行榜
	mux.HandleFunc("POST /api/v1/leaderboard/{user}/score", wrap(h.recordScore))
	mux.HandleFunc("GET /api/v1/leaderboard", wrap(h.leaderboard))
	mux.HandleFunc("GET /api/v1/leaderboard/{user}", wrap(h.userScore))

	// 快取管理
	mux.HandleFunc("GET /api/v1/cache/stats", wrap(h.cacheStats))
	mux.HandleFunc("DELETE /api/v1/cache", wrap(h.invalidate))

	// WebSocket
	if h.hub != nil {
		mux.HandleFunc("GET /ws/rooms/{id}", h.hub.ServeWS)
	}

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /ready", wrap(h.ready))

	return mux
}

// 請求和響應結構
type createRoomRequest struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

type updateRoomRequest struct {
	Name string `json:"name"`
}

type sendMessageRequest struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

type presenceRequest struct {
	UserID string `json:"user_id"`
}

type scoreRequest struct {
	Delta float64 `json:"delta"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// createRoom 處理建立房間請求
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	room, err := h.service.CreateRoom(r.Context(), req.Name, req.Owner)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, room)
}

// listRooms 處理房間列表請求
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	ids, err := h.service.ListRooms(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"rooms": ids})
}

// roomInfo 處理房間資訊請求
func (h *Handler) roomInfo(w http.ResponseWriter, r *http.Request) {
	room, err := h.service.RoomInfo(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, room)
}

// updateRoom 處理更新房間請求
func (h *Handler) updateRoom(w http.ResponseWriter, r *http.Request) {
	var req updateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	room, err := h.service.UpdateRoom(r.Context(), r.PathValue("id"), req.Name)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, room)
}

// sendMessage 處理發送訊息請求
func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	msg, err := h.service.SendMessage(r.Context(), r.PathValue("id"), req.Sender, req.Text)
	if err != nil {
		h.respondError(w, err)
		return
	}

	// 廣播給房間內的 WebSocket 連線
	if h.hub != nil {
		h.hub.BroadcastMessage(msg)
	}

	h.respondJSON(w, http.StatusCreated, msg)
}

// recentMessages 處理近期訊息請求
func (h *Handler) recentMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.service.RecentMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// history 處理歷史訊息請求
func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid limit"))
			return
		}
		limit = n
	}

	messages, err := h.service.History(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// messageByID 處理單筆訊息請求
func (h *Handler) messageByID(w http.ResponseWriter, r *http.Request) {
	msg, err := h.service.MessageByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, msg)
}

// join 處理加入房間請求
func (h *Handler) join(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	if err := h.service.Join(r.Context(), r.PathValue("id"), req.UserID); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// leave 處理離開房間請求
func (h *Handler) leave(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	if err := h.service.Leave(r.Context(), r.PathValue("id"), req.UserID); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// online 處理在線名單請求
func (h *Handler) online(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.Online(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"online": users})
}

// recordScore 處理記分請求
func (h *Handler) recordScore(w http.ResponseWriter, r *http.Request) {
	req := scoreRequest{Delta: 1}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body"))
			return
		}
	}

	score, err := h.service.RecordScore(r.Context(), r.PathValue("user"), req.Delta)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"score": score})
}

// leaderboard 處理排行榜請求
func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	ranks, err := h.service.TopUsers(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"leaderboard": ranks})
}

// userScore 處理個人分數請求
func (h *Handler) userScore(w http.ResponseWriter, r *http.Request) {
	score, err := h.service.UserScore(r.Context(), r.PathValue("user"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"user_id": r.PathValue("user"), "score": score})
}

// cacheStats 處理快取統計請求
func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.cache.Snapshot(r.Context())
	if err != nil {
		h.respondError(w, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "read cache stats"))
		return
	}
	h.respondJSON(w, http.StatusOK, snapshot)
}

// invalidate 處理樣式失效請求
//
// DELETE /api/v1/cache?pattern=cache:room:42:*
func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "pattern required"))
		return
	}

	removed, err := h.cache.Invalidate(r.Context(), pattern)
	if err != nil {
		h.respondError(w, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "invalidate"))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// health 存活探針
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ready 就緒探針（確認儲存端可達）
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if _, err := h.cache.Snapshot(r.Context()); err != nil {
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// respondJSON 寫出 JSON 響應
func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("encode response failed", "error", err)
	}
}

// respondError 將應用錯誤轉為 HTTP 響應
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case apperrors.ErrCodeAlreadyExists:
		status = http.StatusConflict
	case apperrors.ErrCodeUnavailable:
		status = http.StatusServiceUnavailable
	}

	message := "internal error"
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	h.respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// requestLogger 請求日誌中間件
func (h *Handler) requestLogger(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		h.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic recovered",
					"panic", rec,
					"path", r.URL.Path)
				h.respondJSON(w, http.StatusInternalServerError,
					errorResponse{Error: "internal error", Code: apperrors.ErrCodeInternal})
			}
		}()
		next(w, r)
	}
}
