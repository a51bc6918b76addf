package game

import (
	"context"
	"time"

	"github.com/koopa0/pong-engine/pkg/logger"
)

// SessionLoop
//
// 每個 Playing 對局一個 goroutine，以固定週期 tick：
//
//	tick → 計算 dt → StepBall → 檢查勝負 → PublishState（每 tick 全量推送）
//
// 勝負已分時先推送最終狀態，再停止並交回 Registry 收尾。
// ForceEnd 透過 cancel 停止迴圈並等待 done 關閉，確保不留下孤兒計時器。

// TickResult 單次 tick 的結果
type TickResult struct {
	Snapshot State
	Scorer   Side
	Over     bool // 本 tick 結束了對局
	Running  bool // tick 執行時對局仍在 Playing
}

// Tick 以 now 推進一個 tick
func (s *Session) Tick(now time.Time) TickResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &s.state
	if st.Status != StatusPlaying {
		return TickResult{}
	}

	dt := now.Sub(st.LastTick).Seconds()
	if dt < 0 {
		dt = 0
	}
	st.LastTick = now

	res := TickResult{Running: true}
	res.Scorer = StepBall(st, dt, s.rng)

	if winner := decideWinner(st); winner != nil {
		st.Status = StatusFinished
		st.WinnerID = winner
		st.EndReason = ReasonCompleted
		st.FinishedAt = now
		res.Over = true
	}

	res.Snapshot = st.clone()
	return res
}

// start 進入 Playing，建立迴圈的取消控制（需持有 s.mu）
func (s *Session) start(now time.Time) context.Context {
	st := &s.state
	st.Status = StatusPlaying
	st.StartedAt = now
	st.LastTick = now
	ResetBall(st, SideNone, s.rng)

	ctx, cancel := context.WithCancel(logger.WithSessionID(context.Background(), st.ID))
	s.cancel = cancel
	s.done = make(chan struct{})
	return ctx
}

// stop 取消迴圈並等待結束；不可在迴圈 goroutine 內呼叫
func (s *Session) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// releaseContext 釋放迴圈 context（cancel 可重複呼叫）
func (s *Session) releaseContext() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// run 對局迴圈本體
func (r *Registry) run(ctx context.Context, s *Session) {
	defer r.loops.Done()
	defer close(s.done)
	defer s.releaseContext()

	ticker := time.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := s.Tick(r.opts.Now())
			if !res.Running {
				return
			}

			r.gateway.PublishState(res.Snapshot.ID, res.Snapshot)

			if res.Over {
				r.complete(ctx, res.Snapshot)
				return
			}
		}
	}
}
