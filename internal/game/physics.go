package game

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// 物理引擎
//
// 以下皆為純函式：只讀寫傳入的 *State，不持有狀態、不加鎖。
// 呼叫端（SessionLoop、Registry）負責在 Session.mu 下呼叫。
//
// 碰撞偵測只檢查移動後的位置，不做掃掠檢測；
// 高速下球可能穿過球拍（已知問題，目前維持原行為）。

// ReferenceFPS 速度以「60Hz 下每幀位移」為單位
const ReferenceFPS = 60

// maxServeAngle 發球時的最大垂直角（度）
const maxServeAngle = 45

// Rand 可注入的隨機來源，*math/rand/v2.Rand 即可滿足
type Rand interface {
	Float64() float64
}

// StepBall 推進球的位置 dt 秒，處理牆壁反彈、球拍碰撞與得分
//
// 返回得分的一側；沒有得分時返回 SideNone。
// 順序固定：移動 → 上下牆 → 球拍 → 出界得分。
func StepBall(st *State, dt float64, rng Rand) Side {
	if st.Player2 == nil {
		return SideNone
	}
	cfg := st.Config
	ball := &st.Ball

	ball.X += ball.DX * dt * ReferenceFPS
	ball.Y += ball.DY * dt * ReferenceFPS

	half := cfg.BallSize / 2
	if ball.Y <= half {
		ball.Y = half
		ball.DY = math.Abs(ball.DY)
	} else if ball.Y >= cfg.CanvasHeight-half {
		ball.Y = cfg.CanvasHeight - half
		ball.DY = -math.Abs(ball.DY)
	}

	checkPaddleCollision(st, SideLeft, rng)
	checkPaddleCollision(st, SideRight, rng)

	switch {
	case ball.X <= 0:
		st.Player2.Score++
		ResetBall(st, SideRight, rng)
		return SideRight
	case ball.X >= cfg.CanvasWidth:
		st.Player1.Score++
		ResetBall(st, SideLeft, rng)
		return SideLeft
	}
	return SideNone
}

// checkPaddleCollision 檢查球與指定側球拍的碰撞
//
// 同一側連續碰撞會被 LastHit 擋下，球被移到球拍外緣，避免同一 tick 重複判定。
func checkPaddleCollision(st *State, side Side, rng Rand) bool {
	cfg := st.Config
	ball := &st.Ball
	if ball.LastHit == side {
		return false
	}
	p := st.paddle(side)
	if p == nil {
		return false
	}

	half := cfg.BallSize / 2
	ballLeft, ballRight := ball.X-half, ball.X+half
	ballTop, ballBottom := ball.Y-half, ball.Y+half

	var paddleLeft, paddleRight float64
	if side == SideLeft {
		paddleLeft, paddleRight = 0, cfg.PaddleWidth
	} else {
		paddleLeft, paddleRight = cfg.CanvasWidth-cfg.PaddleWidth, cfg.CanvasWidth
	}
	paddleTop, paddleBottom := p.Y, p.Y+cfg.PaddleHeight

	if ballLeft > paddleRight || ballRight < paddleLeft || ballBottom < paddleTop || ballTop > paddleBottom {
		return false
	}

	// 擊中位置：-1（上緣）～ 1（下緣）
	center := p.Y + cfg.PaddleHeight/2
	hit := mgl64.Clamp((ball.Y-center)/(cfg.PaddleHeight/2), -1, 1)
	jitter := (rng.Float64() - 0.5) * cfg.AngleVariation
	angle := mgl64.DegToRad(hit*cfg.MaxDeflection + jitter)

	ball.Speed = math.Min(ball.Speed+cfg.BallSpeedIncrement, cfg.MaxBallSpeed)
	ball.DX = side.sign() * ball.Speed * math.Cos(angle)
	ball.DY = ball.Speed * math.Sin(angle)

	if side == SideLeft {
		ball.X = paddleRight + half
	} else {
		ball.X = paddleLeft - half
	}
	ball.LastHit = side
	return true
}

// ResetBall 得分後重新發球
//
// 球回到中心、速度重設為 BallSpeed、清除 LastHit；
// 發球方向朝向失分的一方（遠離 scorer），垂直角在 ±45 度內隨機。
// scorer 為 SideNone 時（開局發球）隨機選擇方向。
func ResetBall(st *State, scorer Side, rng Rand) {
	cfg := st.Config
	toward := scorer.Opponent()
	if toward == SideNone {
		toward = SideLeft
		if rng.Float64() >= 0.5 {
			toward = SideRight
		}
	}

	// 朝向左側（player1）時 dx < 0
	dir := -1.0
	if toward == SideRight {
		dir = 1
	}
	angle := mgl64.DegToRad((rng.Float64()*2 - 1) * maxServeAngle)

	st.Ball = Ball{
		X:     cfg.CanvasWidth / 2,
		Y:     cfg.CanvasHeight / 2,
		Speed: cfg.BallSpeed,
		DX:    dir * cfg.BallSpeed * math.Cos(angle),
		DY:    cfg.BallSpeed * math.Sin(angle),
	}
}

// MovePaddle 移動指定側的球拍，direction 為 -1（上）、0、1（下）
//
// 每個指令位移 PaddleSpeed，結果夾在 [0, CanvasHeight-PaddleHeight]。
func MovePaddle(st *State, side Side, direction int) error {
	if direction < -1 || direction > 1 {
		return ErrInvalidDirection
	}
	if st.Status != StatusPlaying {
		return ErrNotPlaying
	}
	p := st.paddle(side)
	if p == nil {
		return ErrNotInSession
	}
	cfg := st.Config
	p.Y = mgl64.Clamp(p.Y+float64(direction)*cfg.PaddleSpeed, 0, cfg.CanvasHeight-cfg.PaddleHeight)
	return nil
}
