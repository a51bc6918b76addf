// Package ws 即時通道：WebSocket 連線管理與事件分派
//
// Hub 實作 game.Gateway，把對局狀態推送給訂閱的玩家；
// 同時把玩家送來的事件轉成 Registry 呼叫。
//
// 連線映射：
//   - clients：playerID -> 目前的連線（同一玩家只保留最新一條）
//   - members：sessionID -> 對局中的玩家，由狀態快照更新，ended 送出後移除
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/koopa0/pong-engine/internal/auth"
	"github.com/koopa0/pong-engine/internal/game"
	"github.com/koopa0/pong-engine/internal/ratelimit"
	apperrors "github.com/koopa0/pong-engine/pkg/errors"
)

// Hub WebSocket 連線中心
type Hub struct {
	verifier *auth.Verifier
	roster   *auth.Roster
	limiter  ratelimit.Limiter
	logger   *slog.Logger
	upgrader websocket.Upgrader

	registry   *game.Registry
	matchmaker *game.Matchmaker

	mu      sync.RWMutex
	clients map[game.PlayerID]*Client
	members map[string]map[game.PlayerID]struct{}
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub 創建 Hub
//
// roster、limiter 可為 nil。建立後需以 Bind 綁定 Registry 才能處理事件。
func NewHub(verifier *auth.Verifier, roster *auth.Roster, limiter ratelimit.Limiter, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		verifier: verifier,
		roster:   roster,
		limiter:  limiter,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 身份已由 token 驗證
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[game.PlayerID]*Client),
		members: make(map[string]map[game.PlayerID]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Bind 綁定 Registry 與 Matchmaker
//
// Registry 以 Hub 作為 Gateway 建立，因此兩者只能在建立後互相連接。
func (h *Hub) Bind(registry *game.Registry, matchmaker *game.Matchmaker) {
	h.registry = registry
	h.matchmaker = matchmaker
}

// ServeWS 驗證身份並升級為 WebSocket 連線
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		writeHTTPError(w, http.StatusUnauthorized, err)
		return
	}

	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()
	if stopped || h.registry == nil {
		writeHTTPError(w, http.StatusServiceUnavailable,
			apperrors.New(apperrors.ErrCodeUnavailable, "realtime channel is not available"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	if h.roster != nil {
		h.roster.Remember(identity)
	}

	c := newClient(h, conn, identity)
	if !h.register(c) {
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()

	h.logger.InfoContext(c.ctx, "WebSocket 連接建立")

	// 重新連線時補送目前的對局狀態
	if sessionID, ok := h.registry.IsPlayerInGame(identity.PlayerID); ok {
		if snap, err := h.registry.GetState(sessionID); err == nil {
			h.PublishState(sessionID, snap)
		}
	}
}

// register 註冊連接，同一玩家的舊連線會被關閉
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return false
	}
	if old, ok := h.clients[c.PlayerID()]; ok {
		old.closeSend()
		_ = old.conn.Close()
		h.logger.InfoContext(c.ctx, "取代舊連線")
	}
	h.clients[c.PlayerID()] = c
	return true
}

// unregister 取消註冊；只有仍是目前連線時返回 true
func (h *Hub) unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.clients[c.PlayerID()]; ok && current == c {
		delete(h.clients, c.PlayerID())
		c.closeSend()
		return true
	}
	return false
}

// disconnected 目前連線中斷：離開佇列與對局
func (h *Hub) disconnected(c *Client) {
	id := c.PlayerID()
	if h.matchmaker != nil {
		_, _ = h.matchmaker.Dequeue(id)
	}
	if h.registry != nil {
		if sessionID, err := h.registry.Leave(id, game.ReasonDisconnected); err == nil {
			h.logger.InfoContext(c.ctx, "玩家斷線，對局結束", "session_id", sessionID)
		}
	}
	if h.limiter != nil {
		h.limiter.Forget(context.Background(), limiterKey(id))
	}
	h.logger.InfoContext(c.ctx, "WebSocket 連接關閉")
}

// PublishState 實現 game.Gateway：推送快照給對局中的所有玩家
func (h *Hub) PublishState(sessionID string, snapshot game.State) {
	msg, err := encode(game.EventState, snapshot)
	if err != nil {
		h.logger.Error("序列化狀態失敗", "session_id", sessionID, "error", err)
		return
	}
	players := snapshot.Players()

	h.mu.RLock()
	if h.knownLocked(sessionID, players) {
		h.broadcastLocked(sessionID, msg)
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	members, ok := h.members[sessionID]
	if !ok {
		members = make(map[game.PlayerID]struct{}, 2)
		h.members[sessionID] = members
	}
	for _, id := range players {
		members[id] = struct{}{}
	}
	h.broadcastLocked(sessionID, msg)
}

// PublishEvent 實現 game.Gateway
func (h *Hub) PublishEvent(target game.Target, event string, payload any) {
	msg, err := encode(event, payload)
	if err != nil {
		h.logger.Error("序列化事件失敗", "event", event, "error", err)
		return
	}

	if target.PlayerID != 0 {
		h.mu.RLock()
		if c, ok := h.clients[target.PlayerID]; ok {
			h.sendLocked(c, msg)
		}
		h.mu.RUnlock()
		return
	}

	if event != game.EventEnded {
		h.mu.RLock()
		h.broadcastLocked(target.SessionID, msg)
		h.mu.RUnlock()
		return
	}

	// ended 是對局的最後一則訊息
	h.mu.Lock()
	h.broadcastLocked(target.SessionID, msg)
	delete(h.members, target.SessionID)
	h.mu.Unlock()
}

// knownLocked 玩家是否都已在對局成員中（需持有 mu）
func (h *Hub) knownLocked(sessionID string, players []game.PlayerID) bool {
	members, ok := h.members[sessionID]
	if !ok {
		return false
	}
	for _, id := range players {
		if _, ok := members[id]; !ok {
			return false
		}
	}
	return true
}

// broadcastLocked 廣播給對局成員（需持有 mu）
func (h *Hub) broadcastLocked(sessionID string, msg []byte) {
	for id := range h.members[sessionID] {
		if c, ok := h.clients[id]; ok {
			h.sendLocked(c, msg)
		}
	}
}

// sendLocked 非阻塞寫入（需持有 mu）
//
// 緩衝區滿時丟棄此訊息；下一個 tick 的完整快照會覆蓋遺失的狀態。
func (h *Hub) sendLocked(c *Client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		h.logger.WarnContext(c.ctx, "連接緩衝區滿，丟棄訊息")
	}
}

// reply 回覆單一連線（連線已被取代或關閉時忽略）
func (h *Hub) reply(c *Client, event string, data any) {
	msg, err := encode(event, data)
	if err != nil {
		h.logger.Error("序列化回覆失敗", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if current, ok := h.clients[c.PlayerID()]; ok && current == c {
		h.sendLocked(c, msg)
	}
}

// replyError 以 error 事件回覆錯誤碼與訊息
func (h *Hub) replyError(c *Client, err error) {
	payload := game.ErrorPayload{Code: apperrors.Code(err), Message: err.Error()}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		payload.Message = appErr.Message
		if appErr.Details != "" {
			payload.Message += ": " + appErr.Details
		}
	}
	h.reply(c, game.EventError, payload)
}

// allow 檢查玩家的事件頻率
func (h *Hub) allow(c *Client) bool {
	if h.limiter == nil {
		return true
	}
	ok, err := h.limiter.Allow(c.ctx, limiterKey(c.PlayerID()))
	if err != nil {
		h.logger.WarnContext(c.ctx, "限流器錯誤", "error", err)
	}
	return ok
}

// ConnectionCount 目前連線數
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop 關閉所有連線
//
// 不會觸發斷線離開流程；對局由 Registry.Stop 統一結束。
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	h.stopped = true
	for id, c := range h.clients {
		c.closeSend()
		_ = c.conn.Close()
		delete(h.clients, id)
	}
	h.members = make(map[string]map[game.PlayerID]struct{})
	h.mu.Unlock()

	h.logger.Info("WebSocket Hub 已停止")
}

func limiterKey(id game.PlayerID) string {
	return fmt.Sprintf("player:%d", id)
}

// writeHTTPError 握手階段的錯誤回應
func writeHTTPError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    apperrors.Code(err),
			"message": err.Error(),
		},
	})
}
