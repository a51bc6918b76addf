package game

// 生命週期事件名稱
const (
	EventState   = "state"
	EventJoined  = "joined"
	EventStarted = "started"
	EventEnded   = "ended"
	EventLeft    = "left"
	EventMatched = "matched"
	EventError   = "error"
)

// Target 事件的接收者：整個對局或單一玩家
type Target struct {
	SessionID string
	PlayerID  PlayerID
}

// SessionTarget 發給對局內所有訂閱者
func SessionTarget(sessionID string) Target {
	return Target{SessionID: sessionID}
}

// PlayerTarget 只發給單一玩家
func PlayerTarget(playerID PlayerID) Target {
	return Target{PlayerID: playerID}
}

// Gateway 對外廣播介面（由傳輸層實作）
//
// 實作必須：
//   - 對同一訂閱者依提交順序送達 PublishState
//   - 不得無限期阻塞呼叫端（tick 迴圈會直接呼叫）
type Gateway interface {
	PublishState(sessionID string, snapshot State)
	PublishEvent(target Target, event string, payload any)
}

// NopGateway 丟棄所有事件
type NopGateway struct{}

func (NopGateway) PublishState(string, State)      {}
func (NopGateway) PublishEvent(Target, string, any) {}

// JoinedPayload joined 事件內容
type JoinedPayload struct {
	SessionID string   `json:"session_id"`
	PlayerID  PlayerID `json:"player_id"`
	Name      string   `json:"name"`
}

// StartedPayload started 事件內容
type StartedPayload struct {
	SessionID string `json:"session_id"`
}

// EndedPayload ended 事件內容
type EndedPayload struct {
	SessionID  string    `json:"session_id"`
	WinnerID   *PlayerID `json:"winner_id"`
	FinalScore Score     `json:"final_score"`
	Reason     string    `json:"reason"`
}

// LeftPayload left 事件內容
type LeftPayload struct {
	SessionID string   `json:"session_id"`
	PlayerID  PlayerID `json:"player_id"`
	Reason    string   `json:"reason"`
}

// MatchedPayload matched 事件內容
type MatchedPayload struct {
	SessionID  string   `json:"session_id"`
	OpponentID PlayerID `json:"opponent_id"`
}

// ErrorPayload error 事件內容
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
