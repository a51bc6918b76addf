// Package ratelimit 限制每位玩家送入即時通道的事件頻率。
//
// 兩種實作共用令牌桶演算法：
//   - Local：單機記憶體，每個 key 一個桶
//   - Redis：多個實例共用同一組桶，以 Lua 腳本保證原子性
package ratelimit

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/koopa0/pong-engine/pkg/errors"
)

// ErrLimited 超過頻率限制，事件被丟棄
var ErrLimited = apperrors.New(apperrors.ErrCodeRateLimited, "too many events")

// Limiter 限流器
type Limiter interface {
	// Allow 取用 key 的一個令牌；返回 false 代表應拒絕
	Allow(ctx context.Context, key string) (bool, error)
	// Forget 釋放 key 的狀態（例如連線關閉時）
	Forget(ctx context.Context, key string)
}

// bucket 單一 key 的令牌桶
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Local 單機令牌桶限流器
//
// 令牌以浮點數累積，低速率下也能平滑補充。
type Local struct {
	rate  float64 // 每秒補充令牌數
	burst float64 // 桶容量
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLocal 建立本地限流器
//
// 範例：
//
//	limiter := NewLocal(10, 10) // 每秒 10 個事件，最多累積 10 個
func NewLocal(rate float64, burst int) *Local {
	return newLocal(rate, burst, time.Now)
}

// NewLocalWithClock 使用指定時鐘建立本地限流器（測試用）
func NewLocalWithClock(rate float64, burst int, now func() time.Time) *Local {
	return newLocal(rate, burst, now)
}

func newLocal(rate float64, burst int, now func() time.Time) *Local {
	if burst < 1 {
		burst = 1
	}
	return &Local{
		rate:    rate,
		burst:   float64(burst),
		now:     now,
		buckets: make(map[string]*bucket),
	}
}

// Allow 實現 Limiter
func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		// 新的桶是滿的
		b = &bucket{tokens: l.burst, lastRefill: now}
		l.buckets[key] = b
	}

	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

// Forget 實現 Limiter
func (l *Local) Forget(_ context.Context, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Len 目前追蹤的 key 數量（用於監控）
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
