// Package handler HTTP 控制面
//
// 每個路由對應一個 Registry、Matchmaker 或 Store 的讀取方法；
// 除了 /health 與 /stats，所有 /api/v1 路由都需要 Bearer token。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/koopa0/pong-engine/internal/auth"
	"github.com/koopa0/pong-engine/internal/game"
	apperrors "github.com/koopa0/pong-engine/pkg/errors"
)

// ErrStoreUnavailable 未設定結果儲存
var ErrStoreUnavailable = apperrors.New(apperrors.ErrCodeUnavailable, "match history is not available")

// Handler HTTP 請求處理器
type Handler struct {
	registry   *game.Registry
	matchmaker *game.Matchmaker
	store      game.Store
	verifier   *auth.Verifier
	roster     *auth.Roster
	logger     *slog.Logger
}

// New 創建 HTTP 處理器；store、roster 可為 nil
func New(registry *game.Registry, matchmaker *game.Matchmaker, store game.Store, verifier *auth.Verifier, roster *auth.Roster, logger *slog.Logger) *Handler {
	return &Handler{
		registry:   registry,
		matchmaker: matchmaker,
		store:      store,
		verifier:   verifier,
		roster:     roster,
		logger:     logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}
	authed := func(handler http.HandlerFunc) http.HandlerFunc {
		return wrap(h.authenticate(handler))
	}

	// 對局
	mux.HandleFunc("POST /api/v1/sessions", authed(h.createSession))
	mux.HandleFunc("GET /api/v1/sessions", authed(h.listSessions))
	mux.HandleFunc("GET /api/v1/sessions/{session_id}", authed(h.getSession))
	mux.HandleFunc("POST /api/v1/sessions/{session_id}/join", authed(h.joinSession))

	// 呼叫者自己
	mux.HandleFunc("GET /api/v1/me/session", authed(h.mySession))
	mux.HandleFunc("POST /api/v1/me/leave", authed(h.leave))

	// 戰績
	mux.HandleFunc("GET /api/v1/players/{player_id}/stats", authed(h.playerStats))
	mux.HandleFunc("GET /api/v1/players/{player_id}/history", authed(h.playerHistory))

	// 配對
	mux.HandleFunc("POST /api/v1/matchmaking/enqueue", authed(h.enqueue))
	mux.HandleFunc("POST /api/v1/matchmaking/dequeue", authed(h.dequeue))
	mux.HandleFunc("GET /api/v1/matchmaking/status", authed(h.queueStatus))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// createSession 建立對局，呼叫者成為 player1；body 可帶 max_score、paddle_speed、ball_speed
func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var overrides game.Overrides
	if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil && !errors.Is(err, io.EOF) {
		h.errorResponse(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	id := identity(r)
	state, err := h.registry.CreateSession(r.Context(), id.PlayerID, overrides)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, state, http.StatusCreated)
}

// listSessions 可加入的對局
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.ListJoinable()
	h.jsonResponse(w, map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
	}, http.StatusOK)
}

// getSession 對局狀態
func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	state, err := h.registry.GetState(r.PathValue("session_id"))
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, state, http.StatusOK)
}

// joinSession 加入對局成為 player2
func (h *Handler) joinSession(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	state, err := h.registry.JoinSession(r.Context(), r.PathValue("session_id"), id.PlayerID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, state, http.StatusOK)
}

// mySession 呼叫者目前的對局
func (h *Handler) mySession(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	sessionID, ok := h.registry.IsPlayerInGame(id.PlayerID)
	if !ok {
		h.errorResponse(w, r, game.ErrNotInSession)
		return
	}
	state, err := h.registry.GetState(sessionID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, state, http.StatusOK)
}

// leave 離開並強制結束目前的對局
func (h *Handler) leave(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	_, _ = h.matchmaker.Dequeue(id.PlayerID)

	sessionID, err := h.registry.Leave(id.PlayerID, game.ReasonLeft)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "玩家離開對局", "session_id", sessionID)
	h.jsonResponse(w, map[string]any{
		"session_id": sessionID,
		"left":       true,
	}, http.StatusOK)
}

// playerStats 玩家戰績統計
func (h *Handler) playerStats(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.errorResponse(w, r, ErrStoreUnavailable)
		return
	}
	playerID, err := pathPlayerID(r)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	stats, err := h.store.FindStats(r.Context(), playerID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, stats, http.StatusOK)
}

// historyEntry 歷史紀錄的回應格式
type historyEntry struct {
	game.MatchResult
	DurationSeconds float64 `json:"duration_seconds"`
}

// playerHistory 玩家對局歷史，新到舊
func (h *Handler) playerHistory(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.errorResponse(w, r, ErrStoreUnavailable)
		return
	}
	playerID, err := pathPlayerID(r)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	limit = game.ClampHistoryLimit(limit)

	results, err := h.store.FindHistory(r.Context(), playerID, limit, offset)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	entries := make([]historyEntry, 0, len(results))
	for _, res := range results {
		entries = append(entries, historyEntry{
			MatchResult:     res,
			DurationSeconds: res.Duration().Seconds(),
		})
	}
	h.jsonResponse(w, map[string]any{
		"history": entries,
		"limit":   limit,
		"offset":  offset,
	}, http.StatusOK)
}

// enqueue 加入配對佇列並嘗試配對
func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if err := h.matchmaker.Enqueue(id.PlayerID); err != nil {
		h.errorResponse(w, r, err)
		return
	}

	pairing, err := h.matchmaker.TryMatch(r.Context())
	if err != nil {
		h.logger.WarnContext(r.Context(), "配對失敗", "error", err)
	}

	position := h.matchmaker.Position(id.PlayerID)
	resp := map[string]any{
		"queued":   position > 0,
		"position": position,
	}
	if sessionID, ok := h.registry.IsPlayerInGame(id.PlayerID); ok {
		resp["session_id"] = sessionID
	}
	if pairing != nil {
		resp["pairing"] = pairing
	}
	h.jsonResponse(w, resp, http.StatusOK)
}

// dequeue 離開配對佇列
func (h *Handler) dequeue(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	removed, err := h.matchmaker.Dequeue(id.PlayerID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"removed": removed,
	}, http.StatusOK)
}

// queueStatus 佇列位置
func (h *Handler) queueStatus(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	h.jsonResponse(w, map[string]any{
		"position":     h.matchmaker.Position(id.PlayerID),
		"queue_length": h.matchmaker.Len(),
	}, http.StatusOK)
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
	h.jsonResponse(w, map[string]any{
		"sessions":     h.registry.Stats(),
		"queue_length": h.matchmaker.Len(),
	}, http.StatusOK)
}

// identity 取得已驗證的身份（authenticate 之後必定存在）
func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

// pathPlayerID 解析路徑中的玩家 ID
func pathPlayerID(r *http.Request) (game.PlayerID, error) {
	raw := r.PathValue("player_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, game.ErrInvalidPlayer.WithDetails("%q", raw)
	}
	return game.PlayerID(id), nil
}

// queryInt 解析非負整數查詢參數
func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid query parameter").WithDetails("%s=%q", key, raw)
	}
	return v, nil
}
