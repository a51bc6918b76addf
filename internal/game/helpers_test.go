package game_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/pong-engine/internal/game"
)

// 創建測試用的 logger
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // 測試時只顯示錯誤
	}))
}

// stepClock 每次讀取前進固定步長
//
// 步長設為 1 秒時球每個 tick 移動 200～300 像素，兩個 tick 內必定出界得分，
// 可以不依賴真實時間驗證完整對局。
type stepClock struct {
	base  time.Time
	step  time.Duration
	calls atomic.Int64
}

func newStepClock(step time.Duration) *stepClock {
	return &stepClock{base: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), step: step}
}

func (c *stepClock) Now() time.Time {
	n := c.calls.Add(1)
	return c.base.Add(time.Duration(n) * c.step)
}

type recordedEvent struct {
	Target  game.Target
	Event   string
	Payload any
}

// recordingGateway 記錄所有推送
type recordingGateway struct {
	mu       sync.Mutex
	states   []game.State
	events   []recordedEvent
	timeline []string // 依推送順序記錄 "state:<status>" 與事件名稱
}

func (g *recordingGateway) PublishState(_ string, snapshot game.State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states = append(g.states, snapshot)
	g.timeline = append(g.timeline, "state:"+string(snapshot.Status))
}

func (g *recordingGateway) PublishEvent(target game.Target, event string, payload any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, recordedEvent{Target: target, Event: event, Payload: payload})
	g.timeline = append(g.timeline, event)
}

func (g *recordingGateway) Timeline() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.timeline...)
}

func (g *recordingGateway) Events(name string) []recordedEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []recordedEvent
	for _, e := range g.events {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

func (g *recordingGateway) States() []game.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]game.State(nil), g.states...)
}

// fakeStore 記憶體結果紀錄，可設定前幾次寫入失敗
type fakeStore struct {
	mu       sync.Mutex
	results  []game.MatchResult
	failures int
	calls    int
}

func (s *fakeStore) SaveResult(_ context.Context, result game.MatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("connection refused")
	}
	s.results = append(s.results, result)
	return nil
}

func (s *fakeStore) FindStats(_ context.Context, id game.PlayerID) (game.PlayerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return game.ComputeStats(id, s.results), nil
}

func (s *fakeStore) FindHistory(_ context.Context, id game.PlayerID, limit, offset int) ([]game.MatchResult, error) {
	return nil, nil
}

func (s *fakeStore) Results() []game.MatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]game.MatchResult(nil), s.results...)
}

func (s *fakeStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// newTestRegistry 建立快速 tick 的註冊表，測試結束時自動停止
func newTestRegistry(t *testing.T, gw game.Gateway, store game.Store, opts game.Options) *game.Registry {
	t.Helper()
	if opts.TickInterval == 0 {
		opts.TickInterval = 2 * time.Millisecond
	}
	if opts.PersistBackoff == 0 {
		opts.PersistBackoff = time.Millisecond
	}
	r := game.NewRegistry(gw, store, testLogger(), opts)
	t.Cleanup(r.Stop)
	return r
}

func intPtr(v int) *int { return &v }

// syncBuffer 可被多個 goroutine 同時寫入的日誌緩衝
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}
