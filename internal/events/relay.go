// Package events 把對局生命週期事件轉發到 NATS，供其他服務（排名、賽程）訂閱
//
// 只轉發 started 與 ended；每 tick 的狀態推送不進入訊息匯流排。
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/koopa0/pong-engine/internal/game"
)

// Publisher 訊息發佈介面，*nats.Conn 即可滿足
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message 匯流排上的事件格式
type Message struct {
	Event      string    `json:"event"`
	SessionID  string    `json:"session_id"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Relay 包裝另一個 Gateway，並把生命週期事件轉發到 <prefix>.<event>
type Relay struct {
	next      game.Gateway
	publisher Publisher
	prefix    string
	logger    *slog.Logger
	now       func() time.Time
}

// NewRelay 建立轉發器
func NewRelay(next game.Gateway, publisher Publisher, prefix string, logger *slog.Logger) *Relay {
	if next == nil {
		next = game.NopGateway{}
	}
	if prefix == "" {
		prefix = "pong"
	}
	return &Relay{
		next:      next,
		publisher: publisher,
		prefix:    prefix,
		logger:    logger,
		now:       time.Now,
	}
}

// PublishState 實現 game.Gateway（只交給下一層）
func (r *Relay) PublishState(sessionID string, snapshot game.State) {
	r.next.PublishState(sessionID, snapshot)
}

// PublishEvent 實現 game.Gateway
func (r *Relay) PublishEvent(target game.Target, event string, payload any) {
	r.next.PublishEvent(target, event, payload)

	if event != game.EventStarted && event != game.EventEnded {
		return
	}

	msg := Message{
		Event:      event,
		SessionID:  target.SessionID,
		Payload:    payload,
		OccurredAt: r.now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("序列化事件失敗", "event", event, "error", err)
		return
	}

	subject := r.Subject(event)
	if err := r.publisher.Publish(subject, data); err != nil {
		// 匯流排不可用不影響對局
		r.logger.Warn("轉發事件失敗",
			"subject", subject,
			"session_id", target.SessionID,
			"error", err)
	}
}

// Subject 事件對應的主題
func (r *Relay) Subject(event string) string {
	return r.prefix + "." + event
}

// Connect 連接 NATS，斷線時自動重連
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS 連線中斷", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS 已重新連線", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}
	return conn, nil
}
