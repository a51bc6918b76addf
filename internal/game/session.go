package game

import (
	"context"
	"sync"
	"time"
)

// PlayerID 玩家識別碼，由外部身份服務簽發
type PlayerID int64

// Status 對局狀態
//
// 狀態只能單向前進：
//
//	waiting → ready → playing → finished
//	   └────────┴──────────────────↑ (ForceEnd)
type Status string

const (
	StatusWaiting  Status = "waiting"  // 等待第二位玩家
	StatusReady    Status = "ready"    // 兩位玩家到齊，等待雙方準備
	StatusPlaying  Status = "playing"  // 對局進行中，由 SessionLoop 驅動
	StatusFinished Status = "finished" // 已結束，保留一段時間供查詢
)

// Side 球拍所在的一側
type Side string

const (
	SideNone  Side = ""
	SideLeft  Side = "left"  // player1
	SideRight Side = "right" // player2
)

// sign 左側球拍把球往右打（+1），右側往左打（-1）
func (s Side) sign() float64 {
	switch s {
	case SideLeft:
		return 1
	case SideRight:
		return -1
	}
	return 0
}

// Opponent 對手的一側
func (s Side) Opponent() Side {
	switch s {
	case SideLeft:
		return SideRight
	case SideRight:
		return SideLeft
	}
	return SideNone
}

// PlayerState 玩家在對局中的狀態
type PlayerState struct {
	ID    PlayerID `json:"id"`
	Name  string   `json:"name"`
	Y     float64  `json:"y"`
	Score int      `json:"score"`
	Ready bool     `json:"ready"`
}

// Ball 球的狀態
type Ball struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	DX      float64 `json:"dx"`
	DY      float64 `json:"dy"`
	Speed   float64 `json:"speed"`
	LastHit Side    `json:"last_hit,omitempty"`
}

// State 一場對局的權威狀態
//
// State 是值型別：GetState 與廣播拿到的都是複本，修改不會影響對局。
type State struct {
	ID         string       `json:"id"`
	Status     Status       `json:"status"`
	Player1    PlayerState  `json:"player1"`
	Player2    *PlayerState `json:"player2"`
	Ball       Ball         `json:"ball"`
	Config     Config       `json:"config"`
	LastTick   time.Time    `json:"last_tick"`
	WinnerID   *PlayerID    `json:"winner_id"`
	EndReason  string       `json:"end_reason,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  time.Time    `json:"started_at,omitzero"`
	FinishedAt time.Time    `json:"finished_at,omitzero"`
}

// clone 深拷貝指標欄位
func (s State) clone() State {
	if s.Player2 != nil {
		p2 := *s.Player2
		s.Player2 = &p2
	}
	if s.WinnerID != nil {
		w := *s.WinnerID
		s.WinnerID = &w
	}
	return s
}

// Player 依 ID 找到玩家與所在側
func (s *State) Player(id PlayerID) (*PlayerState, Side) {
	if s.Player1.ID == id {
		return &s.Player1, SideLeft
	}
	if s.Player2 != nil && s.Player2.ID == id {
		return s.Player2, SideRight
	}
	return nil, SideNone
}

// paddle 依側取得玩家
func (s *State) paddle(side Side) *PlayerState {
	switch side {
	case SideLeft:
		return &s.Player1
	case SideRight:
		return s.Player2
	}
	return nil
}

// Players 對局中的玩家 ID
func (s State) Players() []PlayerID {
	ids := []PlayerID{s.Player1.ID}
	if s.Player2 != nil {
		ids = append(ids, s.Player2.ID)
	}
	return ids
}

// Score 比分
type Score struct {
	Player1 int `json:"player1"`
	Player2 int `json:"player2"`
}

// Score 目前比分
func (s State) Score() Score {
	sc := Score{Player1: s.Player1.Score}
	if s.Player2 != nil {
		sc.Player2 = s.Player2.Score
	}
	return sc
}

// Session 單一對局
//
// 並發模型：
//   - mu 保護 state、rng 與迴圈控制欄位
//   - Playing 期間 tick 與玩家指令都在 mu 下短暫執行，確保指令在下一個 tick 前可見
//   - 不同對局之間沒有共享的可變狀態，也不需要跨對局加鎖
type Session struct {
	mu    sync.Mutex
	state State
	rng   Rand

	// 迴圈控制（由 Registry 在進入 Playing 時建立）
	cancel context.CancelFunc
	done   chan struct{}
}

// newSession 建立等待中的對局，host 成為 player1
func newSession(id string, host PlayerState, cfg Config, now time.Time, rng Rand) *Session {
	host.Y = centeredPaddleY(cfg)
	host.Score = 0
	host.Ready = false

	s := &Session{
		rng: rng,
		state: State{
			ID:        id,
			Status:    StatusWaiting,
			Player1:   host,
			Config:    cfg,
			LastTick:  now,
			CreatedAt: now,
		},
	}
	s.state.Ball = Ball{
		X:     cfg.CanvasWidth / 2,
		Y:     cfg.CanvasHeight / 2,
		Speed: cfg.BallSpeed,
	}
	return s
}

// Snapshot 返回狀態複本
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// centeredPaddleY 球拍置中時的 y
func centeredPaddleY(cfg Config) float64 {
	return cfg.CanvasHeight/2 - cfg.PaddleHeight/2
}

// decideWinner 任一方達到 MaxScore 時返回分數較高者
func decideWinner(st *State) *PlayerID {
	if st.Player2 == nil {
		return nil
	}
	p1, p2 := st.Player1.Score, st.Player2.Score
	if p1 < st.Config.MaxScore && p2 < st.Config.MaxScore {
		return nil
	}
	switch {
	case p1 > p2:
		id := st.Player1.ID
		return &id
	case p2 > p1:
		id := st.Player2.ID
		return &id
	}
	return nil
}
