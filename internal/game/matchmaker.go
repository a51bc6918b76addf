package game

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eapache/queue"
)

// Matchmaker 先到先配的配對佇列
//
// 佇列只記錄玩家 ID：離隊時不從 ring buffer 中間刪除，而是讓 tickets 中的序號失效，
// 出隊時跳過失效的項目（惰性刪除）。失效項目過多時重建佇列。
type Matchmaker struct {
	mu      sync.Mutex
	queue   *queue.Queue        // ticket，依到達順序
	tickets map[PlayerID]uint64 // 仍在排隊的玩家 -> 有效序號
	seq     uint64

	registry *Registry
	gateway  Gateway
	logger   *slog.Logger
}

type ticket struct {
	player PlayerID
	seq    uint64
}

// Pairing 一次配對的結果
type Pairing struct {
	SessionID string   `json:"session_id"`
	Player1   PlayerID `json:"player1"`
	Player2   PlayerID `json:"player2"`
}

// NewMatchmaker 創建配對器
//
// 會向 registry 註冊入座回呼：玩家建立或加入任何對局後自動離開佇列。
func NewMatchmaker(registry *Registry, gateway Gateway, logger *slog.Logger) *Matchmaker {
	if gateway == nil {
		gateway = NopGateway{}
	}
	m := &Matchmaker{
		queue:    queue.New(),
		tickets:  make(map[PlayerID]uint64),
		registry: registry,
		gateway:  gateway,
		logger:   logger,
	}
	registry.OnSeated(func(id PlayerID) {
		_, _ = m.Dequeue(id)
	})
	return m
}

// Enqueue 加入佇列
//
// 已在佇列中時不做任何事並返回 nil；ID 無效返回 ErrInvalidPlayer，
// 已在對局中返回 ErrAlreadyInSession。
func (m *Matchmaker) Enqueue(playerID PlayerID) error {
	if playerID <= 0 {
		return ErrInvalidPlayer
	}
	if existing, busy := m.registry.IsPlayerInGame(playerID); busy {
		return ErrAlreadyInSession.WithDetails("session %s", existing)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, queued := m.tickets[playerID]; queued {
		return nil
	}
	m.seq++
	m.tickets[playerID] = m.seq
	m.queue.Add(ticket{player: playerID, seq: m.seq})

	m.logger.Debug("玩家加入配對佇列",
		"player_id", playerID,
		"queue_len", len(m.tickets))
	return nil
}

// Dequeue 離開佇列，返回是否真的移除；不在佇列中時是 no-op
func (m *Matchmaker) Dequeue(playerID PlayerID) (bool, error) {
	if playerID <= 0 {
		return false, ErrInvalidPlayer
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, queued := m.tickets[playerID]; !queued {
		return false, nil
	}
	delete(m.tickets, playerID)
	m.compact()

	m.logger.Debug("玩家離開配對佇列", "player_id", playerID)
	return true, nil
}

// Len 佇列中的玩家數
func (m *Matchmaker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickets)
}

// Position 玩家在佇列中的位置（從 1 開始）；不在佇列中返回 0
func (m *Matchmaker) Position(playerID PlayerID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, queued := m.tickets[playerID]
	if !queued {
		return 0
	}
	pos := 0
	for i := 0; i < m.queue.Length(); i++ {
		t := m.queue.Get(i).(ticket)
		if m.live(t) {
			pos++
			if t.seq == seq {
				return pos
			}
		}
	}
	return 0
}

// TryMatch 佇列中至少兩人時取出最早的兩位並建立對局
//
// 人數不足時返回 nil, nil。
// 建立或加入失敗時，造成失敗的玩家離開佇列，另一位放回佇列最前端並繼續嘗試，
// 直到配對成功或人數不足；失敗的對局以 pairing_failed 強制結束。
// 最終沒有配對成功時返回最後一次的錯誤。
func (m *Matchmaker) TryMatch(ctx context.Context) (*Pairing, error) {
	var lastErr error
	for {
		m.mu.Lock()
		if len(m.tickets) < 2 {
			m.mu.Unlock()
			return nil, lastErr
		}
		p1 := m.popLocked()
		p2 := m.popLocked()
		m.mu.Unlock()

		pairing, survivor, err := m.pair(ctx, p1, p2)
		if err == nil {
			return pairing, nil
		}

		m.logger.Warn("配對失敗",
			"player1", p1,
			"player2", p2,
			"error", err)
		m.requeueFront(survivor)
		lastErr = err
	}
}

// pair 為兩位玩家建立對局；失敗時返回不受影響、應放回佇列的玩家
func (m *Matchmaker) pair(ctx context.Context, p1, p2 PlayerID) (*Pairing, PlayerID, error) {
	state, err := m.registry.CreateSession(ctx, p1, Overrides{})
	if err != nil {
		return nil, p2, fmt.Errorf("create session for %d: %w", p1, err)
	}

	if _, err := m.registry.JoinSession(ctx, state.ID, p2); err != nil {
		_ = m.registry.ForceEnd(state.ID, ReasonPairing)
		return nil, p1, fmt.Errorf("join session %s for %d: %w", state.ID, p2, err)
	}

	m.logger.Info("配對成功",
		"session_id", state.ID,
		"player1", p1,
		"player2", p2)

	m.gateway.PublishEvent(PlayerTarget(p1), EventMatched, MatchedPayload{SessionID: state.ID, OpponentID: p2})
	m.gateway.PublishEvent(PlayerTarget(p2), EventMatched, MatchedPayload{SessionID: state.ID, OpponentID: p1})
	return &Pairing{SessionID: state.ID, Player1: p1, Player2: p2}, 0, nil
}

// requeueFront 把配對失敗的玩家放回佇列最前端，保留其到達順序
//
// 期間已重新排隊或已進入對局時不做任何事。
func (m *Matchmaker) requeueFront(playerID PlayerID) {
	if _, busy := m.registry.IsPlayerInGame(playerID); busy {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, queued := m.tickets[playerID]; queued {
		return
	}
	m.seq++
	m.tickets[playerID] = m.seq

	// ring buffer 不支援從前端插入，重建佇列
	fresh := queue.New()
	fresh.Add(ticket{player: playerID, seq: m.seq})
	for m.queue.Length() > 0 {
		t := m.queue.Remove().(ticket)
		if m.live(t) {
			fresh.Add(t)
		}
	}
	m.queue = fresh
}

// popLocked 取出最早的有效玩家（需持有 mu，且至少有一位有效玩家）
func (m *Matchmaker) popLocked() PlayerID {
	for m.queue.Length() > 0 {
		t := m.queue.Remove().(ticket)
		if m.live(t) {
			delete(m.tickets, t.player)
			return t.player
		}
	}
	return 0
}

func (m *Matchmaker) live(t ticket) bool {
	seq, ok := m.tickets[t.player]
	return ok && seq == t.seq
}

// compact 失效項目超過有效項目兩倍時重建佇列（需持有 mu）
func (m *Matchmaker) compact() {
	if m.queue.Length() <= 2*len(m.tickets)+16 {
		return
	}
	fresh := queue.New()
	for m.queue.Length() > 0 {
		t := m.queue.Remove().(ticket)
		if m.live(t) {
			fresh.Add(t)
		}
	}
	m.queue = fresh
}
