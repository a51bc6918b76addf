// Package memory 提供記憶體版的對局結果儲存，用於開發與測試
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/koopa0/pong-engine/internal/game"
)

// Store 記憶體儲存
type Store struct {
	mu      sync.RWMutex
	results []game.MatchResult
	seen    map[string]struct{} // 已保存的 session id，重試時不重複寫入
}

// New 創建記憶體儲存
func New() *Store {
	return &Store{seen: make(map[string]struct{})}
}

// SaveResult 保存結果；同一 session 只保存一次
func (s *Store) SaveResult(ctx context.Context, result game.MatchResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[result.SessionID]; ok {
		return nil
	}
	s.seen[result.SessionID] = struct{}{}
	s.results = append(s.results, result)
	return nil
}

// FindStats 計算玩家統計
func (s *Store) FindStats(ctx context.Context, playerID game.PlayerID) (game.PlayerStats, error) {
	if err := ctx.Err(); err != nil {
		return game.PlayerStats{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return game.ComputeStats(playerID, s.results), nil
}

// FindHistory 依結束時間由新到舊返回玩家的對局
func (s *Store) FindHistory(ctx context.Context, playerID game.PlayerID, limit, offset int) ([]game.MatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = game.ClampHistoryLimit(limit)
	offset = max(offset, 0)

	s.mu.RLock()
	var mine []game.MatchResult
	for _, r := range s.results {
		if r.Player1ID == playerID || r.Player2ID == playerID {
			mine = append(mine, r)
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(mine, func(a, b game.MatchResult) int {
		if c := b.FinishedAt.Compare(a.FinishedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.SessionID, b.SessionID)
	})

	if offset >= len(mine) {
		return []game.MatchResult{}, nil
	}
	end := min(offset+limit, len(mine))
	return mine[offset:end], nil
}

// Len 已保存的結果數
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}
