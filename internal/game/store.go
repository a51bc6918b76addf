package game

import (
	"context"
	"math"
	"time"
)

// 對局結束原因
const (
	ReasonCompleted    = "completed"
	ReasonLeft         = "left"
	ReasonDisconnected = "disconnected"
	ReasonShutdown     = "server_shutdown"
	ReasonPairing      = "pairing_failed"
)

// MatchResult 一場已結束對局的紀錄
type MatchResult struct {
	SessionID  string    `json:"session_id"`
	Player1ID  PlayerID  `json:"player1_id"`
	Player2ID  PlayerID  `json:"player2_id"`
	Score1     int       `json:"score1"`
	Score2     int       `json:"score2"`
	WinnerID   *PlayerID `json:"winner_id"`
	Reason     string    `json:"reason"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration 對局時長
func (r MatchResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// resultFromState 由最終狀態建立紀錄，沒有 player2 時返回 false
func resultFromState(st State) (MatchResult, bool) {
	if st.Player2 == nil {
		return MatchResult{}, false
	}
	return MatchResult{
		SessionID:  st.ID,
		Player1ID:  st.Player1.ID,
		Player2ID:  st.Player2.ID,
		Score1:     st.Player1.Score,
		Score2:     st.Player2.Score,
		WinnerID:   st.WinnerID,
		Reason:     st.EndReason,
		StartedAt:  st.StartedAt,
		FinishedAt: st.FinishedAt,
	}, true
}

// PlayerStats 玩家統計
type PlayerStats struct {
	PlayerID     PlayerID `json:"player_id"`
	TotalGames   int      `json:"total_games"`
	WonGames     int      `json:"won_games"`
	LostGames    int      `json:"lost_games"`
	WinRate      float64  `json:"win_rate"` // 百分比
	TotalScore   int      `json:"total_score"`
	AverageScore float64  `json:"average_score"`
}

// NewPlayerStats 由彙總數字計算勝率與平均分（四捨五入到小數兩位）
func NewPlayerStats(id PlayerID, total, won, totalScore int) PlayerStats {
	stats := PlayerStats{
		PlayerID:   id,
		TotalGames: total,
		WonGames:   won,
		LostGames:  total - won,
		TotalScore: totalScore,
	}
	if total > 0 {
		stats.WinRate = round2(float64(won) / float64(total) * 100)
		stats.AverageScore = round2(float64(totalScore) / float64(total))
	}
	return stats
}

// ComputeStats 從對局紀錄計算統計
func ComputeStats(id PlayerID, results []MatchResult) PlayerStats {
	var total, won, score int
	for _, r := range results {
		switch id {
		case r.Player1ID:
			score += r.Score1
		case r.Player2ID:
			score += r.Score2
		default:
			continue
		}
		total++
		if r.WinnerID != nil && *r.WinnerID == id {
			won++
		}
	}
	return NewPlayerStats(id, total, won, score)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// 歷史查詢分頁限制
const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

// ClampHistoryLimit 把 limit 限制在 [1, MaxHistoryLimit]，0 使用預設值
func ClampHistoryLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}

// Store 持久化介面（外部協作者）
//
// SaveResult 在每場進入過 Playing 的對局結束時呼叫一次；
// 寫入失敗只記錄日誌，不會改變記憶體中的結果。
type Store interface {
	SaveResult(ctx context.Context, result MatchResult) error
	FindStats(ctx context.Context, playerID PlayerID) (PlayerStats, error)
	FindHistory(ctx context.Context, playerID PlayerID, limit, offset int) ([]MatchResult, error)
}

// Directory 解析玩家顯示名稱（外部身份服務）
type Directory interface {
	DisplayName(ctx context.Context, playerID PlayerID) string
}
