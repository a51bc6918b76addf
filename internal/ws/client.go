package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/pong-engine/internal/auth"
	"github.com/koopa0/pong-engine/internal/game"
	"github.com/koopa0/pong-engine/internal/ratelimit"
	apperrors "github.com/koopa0/pong-engine/pkg/errors"
	"github.com/koopa0/pong-engine/pkg/logger"
)

// 心跳與寫入參數：每 54 秒送出 Ping，60 秒內沒有任何訊息（含 Pong）即視為斷線
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

// ErrMalformedMessage 無法解析的訊息
var ErrMalformedMessage = apperrors.New(apperrors.ErrCodeInvalidInput, "malformed message")

// ErrUnknownEvent 不支援的事件
var ErrUnknownEvent = apperrors.New(apperrors.ErrCodeInvalidInput, "unknown event")

// Client 單一玩家的 WebSocket 連線
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	identity auth.Identity
	ctx      context.Context // 衍生自 hub.ctx，帶有玩家 ID 供日誌使用

	send      chan []byte
	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, identity auth.Identity) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		identity: identity,
		ctx:      logger.WithPlayerID(hub.ctx, int64(identity.PlayerID)),
		send:     make(chan []byte, sendBuffer),
	}
}

// PlayerID 連線所屬玩家
func (c *Client) PlayerID() game.PlayerID {
	return c.identity.PlayerID
}

// closeSend 關閉送出通道（需持有 hub.mu 寫鎖）
func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump 讀取客戶端訊息
//
// 連線結束時若仍是玩家目前的連線，視為斷線：離開佇列並強制結束所在對局。
// 被新連線取代的舊連線結束時不做任何事。
func (c *Client) readPump() {
	defer func() {
		if c.hub.unregister(c) {
			c.hub.disconnected(c)
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.ErrorContext(c.ctx, "設置讀取期限失敗", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.WarnContext(c.ctx, "WebSocket 讀取錯誤", "error", err)
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.hub.logger.ErrorContext(c.ctx, "設置讀取期限失敗", "error", err)
		}

		if messageType == websocket.TextMessage {
			c.handleMessage(message)
		}
	}
}

// writePump 把送出通道的訊息寫入連線，並定期送出 Ping
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// Hub 關閉了通道
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 依序寫出已排隊的訊息
			n := len(c.send)
			for range n {
				message, ok := <-c.send
				if !ok {
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
					c.hub.logger.DebugContext(c.ctx, "發送訊息失敗", "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 解析並分派單則訊息，錯誤以 error 事件回覆
func (c *Client) handleMessage(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
		c.hub.replyError(c, ErrMalformedMessage)
		return
	}

	if !c.hub.allow(c) {
		c.hub.logger.DebugContext(c.ctx, "事件超過頻率限制", "event", env.Event)
		c.hub.replyError(c, ratelimit.ErrLimited)
		return
	}

	if err := c.dispatch(env); err != nil {
		c.hub.logger.DebugContext(c.ctx, "事件被拒絕",
			"event", env.Event,
			"error", err)
		c.hub.replyError(c, err)
	}
}

// dispatch 把事件轉成 Registry 呼叫
func (c *Client) dispatch(env Envelope) error {
	registry := c.hub.registry
	id := c.PlayerID()

	switch env.Event {
	case InPing:
		c.hub.reply(c, OutPong, nil)
		return nil

	case InJoin:
		var data joinData
		if err := decodeData(env.Data, &data); err != nil {
			return err
		}
		// 已是該對局成員（例如房主或配對後）時只訂閱狀態
		if current, ok := registry.IsPlayerInGame(id); ok && current == data.SessionID {
			snap, err := registry.GetState(data.SessionID)
			if err != nil {
				return err
			}
			c.hub.PublishState(data.SessionID, snap)
			return nil
		}
		_, err := registry.JoinSession(c.ctx, data.SessionID, id)
		return err

	case InSetReady:
		var data readyData
		if err := decodeData(env.Data, &data); err != nil {
			return err
		}
		_, err := registry.SetReady(data.SessionID, id, data.Ready)
		return err

	case InMovePaddle:
		var data moveData
		if err := decodeData(env.Data, &data); err != nil {
			return err
		}
		return registry.MovePaddle(data.SessionID, id, data.Direction)

	case InLeave:
		if c.hub.matchmaker != nil {
			_, _ = c.hub.matchmaker.Dequeue(id)
		}
		_, err := registry.Leave(id, game.ReasonLeft)
		return err
	}

	return ErrUnknownEvent.WithDetails("%q", env.Event)
}

// decodeData 解析事件內容
func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return ErrMalformedMessage.WithDetails("missing data")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return ErrMalformedMessage.WithDetails("%v", err)
	}
	return nil
}
