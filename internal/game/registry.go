package game

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/koopa0/pong-engine/pkg/logger"
)

// Options Registry 參數
type Options struct {
	TickInterval time.Duration // 預設 1/60 秒
	Retention    time.Duration // Finished 後保留多久，預設 5 分鐘
	ReapInterval time.Duration // 清理週期，預設 1 分鐘
	Defaults     Config        // 建立對局時的基礎參數

	PersistTimeout  time.Duration // 單場結果寫入的總時限
	PersistAttempts uint          // 寫入嘗試次數
	PersistBackoff  time.Duration // 第一次重試前的等待

	Now       func() time.Time
	NewRand   func() Rand
	Directory Directory
}

func (o *Options) setDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second / ReferenceFPS
	}
	if o.Retention <= 0 {
		o.Retention = 5 * time.Minute
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Minute
	}
	if o.Defaults == (Config{}) {
		o.Defaults = DefaultConfig()
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 10 * time.Second
	}
	if o.PersistAttempts == 0 {
		o.PersistAttempts = 3
	}
	if o.PersistBackoff <= 0 {
		o.PersistBackoff = 200 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewRand == nil {
		o.NewRand = func() Rand {
			return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	if o.Directory == nil {
		o.Directory = defaultDirectory{}
	}
}

type defaultDirectory struct{}

func (defaultDirectory) DisplayName(_ context.Context, id PlayerID) string {
	return fmt.Sprintf("player-%d", id)
}

// Registry 對局註冊表
//
// sessions 與 players 是唯一被多個 goroutine 共用的結構（tick 迴圈、指令處理、清理），
// 由 mu 保護且只短暫持有，不會出現在物理計算的熱路徑上。
//
// 鎖順序固定為 Registry.mu → Session.mu；tick 迴圈持有 Session.mu 時不會取 Registry.mu。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // sessionID -> Session
	players  map[PlayerID]string // playerID -> 進行中（非 Finished）的 sessionID

	gateway Gateway
	store   Store
	logger  *slog.Logger
	opts    Options
	seated  []func(PlayerID) // 玩家建立或加入對局成功後的回呼，受 mu 保護

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // 清理迴圈與結果寫入
	loops    sync.WaitGroup // 對局迴圈
}

// NewRegistry 創建註冊表並啟動清理 goroutine
//
// store 可為 nil（不保存結果）。
func NewRegistry(gateway Gateway, store Store, logger *slog.Logger, opts Options) *Registry {
	opts.setDefaults()
	if gateway == nil {
		gateway = NopGateway{}
	}
	r := &Registry{
		sessions: make(map[string]*Session),
		players:  make(map[PlayerID]string),
		gateway:  gateway,
		store:    store,
		logger:   logger,
		opts:     opts,
		stopCh:   make(chan struct{}),
	}

	r.wg.Add(1)
	go r.reapLoop()

	return r
}

// CreateSession 建立等待中的對局，hostID 成為 player1
func (r *Registry) CreateSession(ctx context.Context, hostID PlayerID, overrides Overrides) (State, error) {
	if hostID <= 0 {
		return State{}, ErrInvalidPlayer
	}
	cfg, err := overrides.Apply(r.opts.Defaults)
	if err != nil {
		return State{}, err
	}
	name := r.opts.Directory.DisplayName(ctx, hostID)

	r.mu.Lock()
	if existing, ok := r.players[hostID]; ok {
		r.mu.Unlock()
		return State{}, ErrAlreadyInSession.WithDetails("session %s", existing)
	}
	id := uuid.NewString()
	s := newSession(id, PlayerState{ID: hostID, Name: name}, cfg, r.opts.Now(), r.opts.NewRand())
	r.sessions[id] = s
	r.players[hostID] = id
	r.mu.Unlock()

	snap := s.Snapshot()
	r.logger.Info("對局已建立",
		"session_id", id,
		"host_id", hostID,
		"max_score", cfg.MaxScore)

	r.notifySeated(hostID)
	r.gateway.PublishState(id, snap)
	return snap, nil
}

// JoinSession 第二位玩家加入，對局進入 Ready
func (r *Registry) JoinSession(ctx context.Context, sessionID string, playerID PlayerID) (State, error) {
	if playerID <= 0 {
		return State{}, ErrInvalidPlayer
	}
	name := r.opts.Directory.DisplayName(ctx, playerID)

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return State{}, ErrSessionNotFound.WithDetails("session %s", sessionID)
	}

	s.mu.Lock()
	st := &s.state
	var joinErr error
	switch {
	case st.Status != StatusWaiting:
		joinErr = ErrSessionNotJoinable.WithDetails("status %s", st.Status)
	case st.Player1.ID == playerID:
		joinErr = ErrCannotJoinOwn
	case st.Player2 != nil:
		joinErr = ErrSessionFull
	}
	if joinErr == nil {
		if existing, busy := r.players[playerID]; busy {
			joinErr = ErrAlreadyInSession.WithDetails("session %s", existing)
		}
	}
	if joinErr != nil {
		s.mu.Unlock()
		r.mu.Unlock()
		return State{}, joinErr
	}

	st.Player2 = &PlayerState{
		ID:   playerID,
		Name: name,
		Y:    centeredPaddleY(st.Config),
	}
	st.Status = StatusReady
	snap := st.clone()
	s.mu.Unlock()

	r.players[playerID] = sessionID
	r.mu.Unlock()

	r.logger.Info("玩家加入對局",
		"session_id", sessionID,
		"player_id", playerID)

	r.notifySeated(playerID)
	r.gateway.PublishState(sessionID, snap)
	r.gateway.PublishEvent(SessionTarget(sessionID), EventJoined, JoinedPayload{
		SessionID: sessionID,
		PlayerID:  playerID,
		Name:      name,
	})
	return snap, nil
}

// SetReady 設置玩家準備狀態
//
// 對局為 Ready 且雙方都準備好的瞬間進入 Playing 並啟動迴圈。
// Playing 之後取消準備不會影響已在執行的迴圈。
func (r *Registry) SetReady(sessionID string, playerID PlayerID, ready bool) (State, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return State{}, err
	}

	s.mu.Lock()
	st := &s.state
	if st.Status == StatusFinished {
		s.mu.Unlock()
		return State{}, ErrSessionFinished
	}
	p, _ := st.Player(playerID)
	if p == nil {
		s.mu.Unlock()
		return State{}, ErrNotInSession
	}
	p.Ready = ready

	var loopCtx context.Context
	if st.Status == StatusReady && st.Player2 != nil && st.Player1.Ready && st.Player2.Ready {
		loopCtx = s.start(r.opts.Now())
		r.loops.Add(1)
	}
	snap := st.clone()
	s.mu.Unlock()

	if loopCtx != nil {
		// 先推送開始狀態與 started，再啟動迴圈，第一個 tick 的狀態必定在其後
		r.logger.InfoContext(loopCtx, "對局開始",
			"player1", snap.Player1.ID,
			"player2", snap.Player2.ID)
		r.gateway.PublishState(sessionID, snap)
		r.gateway.PublishEvent(SessionTarget(sessionID), EventStarted, StartedPayload{SessionID: sessionID})

		go r.run(loopCtx, s)
		return snap, nil
	}

	r.logger.Debug("玩家準備狀態變更",
		"session_id", sessionID,
		"player_id", playerID,
		"ready", ready)
	r.gateway.PublishState(sessionID, snap)
	return snap, nil
}

// MovePaddle 移動玩家的球拍，只在 Playing 時有效
func (r *Registry) MovePaddle(sessionID string, playerID PlayerID, direction int) error {
	if direction < -1 || direction > 1 {
		return ErrInvalidDirection
	}
	s, err := r.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, side := s.state.Player(playerID)
	if side == SideNone {
		return ErrNotInSession
	}
	return MovePaddle(&s.state, side, direction)
}

// Leave 玩家離開目前的對局（主動離開或斷線），對局強制結束
func (r *Registry) Leave(playerID PlayerID, reason string) (string, error) {
	sessionID, ok := r.IsPlayerInGame(playerID)
	if !ok {
		return "", ErrNotInSession
	}

	r.gateway.PublishEvent(SessionTarget(sessionID), EventLeft, LeftPayload{
		SessionID: sessionID,
		PlayerID:  playerID,
		Reason:    reason,
	})

	if err := r.ForceEnd(sessionID, fmt.Sprintf("player %d %s", playerID, reason)); err != nil {
		return sessionID, err
	}
	return sessionID, nil
}

// ForceEnd 強制結束對局（斷線、離開、配對失敗、關機）
//
// 冪等：對局不存在或已結束時直接返回 nil。
// 會立即停止迴圈並等待其退出；不記錄勝者，除非某方已達到 MaxScore。
func (r *Registry) ForceEnd(sessionID, reason string) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	st := &s.state
	if st.Status == StatusFinished {
		s.mu.Unlock()
		return nil
	}
	wasPlaying := st.Status == StatusPlaying
	st.Status = StatusFinished
	st.FinishedAt = r.opts.Now()
	st.EndReason = reason
	st.WinnerID = decideWinner(st)
	snap := st.clone()
	s.mu.Unlock()

	s.stop()
	r.release(snap)

	r.logger.Info("對局強制結束",
		"session_id", sessionID,
		"reason", reason,
		"was_playing", wasPlaying)

	r.publishEnded(snap)
	if wasPlaying {
		r.persist(snap)
	}
	return nil
}

// complete 迴圈判定勝負後的收尾（由迴圈 goroutine 呼叫）
func (r *Registry) complete(ctx context.Context, snap State) {
	r.release(snap)

	r.logger.InfoContext(ctx, "對局結束",
		"winner_id", *snap.WinnerID,
		"score1", snap.Player1.Score,
		"score2", snap.Score().Player2)

	r.publishEnded(snap)
	r.persist(snap)
}

// publishEnded 推送結束狀態與 ended 事件
func (r *Registry) publishEnded(snap State) {
	r.gateway.PublishState(snap.ID, snap)
	r.gateway.PublishEvent(SessionTarget(snap.ID), EventEnded, EndedPayload{
		SessionID:  snap.ID,
		WinnerID:   snap.WinnerID,
		FinalScore: snap.Score(),
		Reason:     snap.EndReason,
	})
}

// release 解除玩家與已結束對局的綁定
func (r *Registry) release(snap State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range snap.Players() {
		if r.players[id] == snap.ID {
			delete(r.players, id)
		}
	}
}

// persist 非同步寫入結果，失敗時以指數退避重試，最終失敗只記錄日誌
func (r *Registry) persist(snap State) {
	if r.store == nil {
		return
	}
	result, ok := resultFromState(snap)
	if !ok {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx := logger.WithSessionID(context.Background(), result.SessionID)
		ctx, cancel := context.WithTimeout(ctx, r.opts.PersistTimeout)
		defer cancel()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.opts.PersistBackoff

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, r.store.SaveResult(ctx, result)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxTries(r.opts.PersistAttempts),
			backoff.WithNotify(func(err error, next time.Duration) {
				r.logger.WarnContext(ctx, "寫入對局結果失敗，準備重試",
					"retry_in", next,
					"error", err)
			}),
		)
		if err != nil {
			r.logger.ErrorContext(ctx, "寫入對局結果失敗", "error", err)
			return
		}
		r.logger.DebugContext(ctx, "對局結果已保存")
	}()
}

// OnSeated 註冊玩家入座（建立或加入對局成功）後的回呼
//
// 回呼在不持有任何註冊表鎖的情況下執行。
func (r *Registry) OnSeated(fn func(PlayerID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seated = append(r.seated, fn)
}

func (r *Registry) notifySeated(id PlayerID) {
	r.mu.RLock()
	hooks := r.seated
	r.mu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
}

// GetState 返回對局狀態複本
func (r *Registry) GetState(sessionID string) (State, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return State{}, err
	}
	return s.Snapshot(), nil
}

// IsPlayerInGame 返回玩家所在的進行中對局
func (r *Registry) IsPlayerInGame(playerID PlayerID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.players[playerID]
	return id, ok
}

// ListJoinable 列出可加入的對局（Waiting 且沒有 player2），依建立時間排序
func (r *Registry) ListJoinable() []State {
	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	result := make([]State, 0)
	for _, s := range candidates {
		snap := s.Snapshot()
		if snap.Status == StatusWaiting && snap.Player2 == nil {
			result = append(result, snap)
		}
	}
	slices.SortFunc(result, func(a, b State) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result
}

// RegistryStats 統計資訊
type RegistryStats struct {
	TotalSessions int            `json:"total_sessions"`
	ActivePlayers int            `json:"active_players"`
	ByStatus      map[Status]int `json:"by_status"`
}

// Stats 獲取統計資訊
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	stats := RegistryStats{
		TotalSessions: len(r.sessions),
		ActivePlayers: len(r.players),
		ByStatus:      make(map[Status]int),
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		stats.ByStatus[s.Snapshot().Status]++
	}
	return stats
}

// lookup 取得對局
func (r *Registry) lookup(sessionID string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound.WithDetails("session %s", sessionID)
	}
	return s, nil
}

// reapLoop 定期清理超過保留期的對局
func (r *Registry) reapLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Reap()
		case <-r.stopCh:
			return
		}
	}
}

// Reap 移除 Finished 超過保留期的對局，返回移除數量（公開供測試使用）
func (r *Registry) Reap() int {
	cutoff := r.opts.Now().Add(-r.opts.Retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		s.mu.Lock()
		expired := s.state.Status == StatusFinished && !s.state.FinishedAt.After(cutoff)
		s.mu.Unlock()
		if expired {
			delete(r.sessions, id)
			removed++
			r.logger.Info("對局已清理", "session_id", id)
		}
	}
	return removed
}

// Stop 停止註冊表：結束所有未完成對局、等待迴圈與結果寫入完成
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)

		r.mu.RLock()
		ids := make([]string, 0, len(r.sessions))
		for id := range r.sessions {
			ids = append(ids, id)
		}
		r.mu.RUnlock()

		for _, id := range ids {
			_ = r.ForceEnd(id, ReasonShutdown)
		}

		r.loops.Wait()
		r.wg.Wait()
		r.logger.Info("對局註冊表已停止")
	})
}
