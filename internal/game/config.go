package game

import "fmt"

// Config 對局參數
//
// 所有長度以畫布像素為單位，速度以「60Hz 下每幀位移」為單位。
type Config struct {
	CanvasWidth        float64 `json:"canvas_width" yaml:"canvas_width"`
	CanvasHeight       float64 `json:"canvas_height" yaml:"canvas_height"`
	PaddleWidth        float64 `json:"paddle_width" yaml:"paddle_width"`
	PaddleHeight       float64 `json:"paddle_height" yaml:"paddle_height"`
	PaddleSpeed        float64 `json:"paddle_speed" yaml:"paddle_speed"`
	BallSpeed          float64 `json:"ball_speed" yaml:"ball_speed"`
	BallSpeedIncrement float64 `json:"ball_speed_increment" yaml:"ball_speed_increment"`
	MaxBallSpeed       float64 `json:"max_ball_speed" yaml:"max_ball_speed"`
	BallSize           float64 `json:"ball_size" yaml:"ball_size"`
	MaxScore           int     `json:"max_score" yaml:"max_score"`

	// AngleVariation 擊球角度隨機擾動的總寬度（度），實際擾動在 ±AngleVariation/2
	AngleVariation float64 `json:"angle_variation" yaml:"angle_variation"`

	// MaxDeflection 擊中球拍邊緣時的最大反彈角（度）
	MaxDeflection float64 `json:"max_deflection" yaml:"max_deflection"`
}

// 可調整範圍
const (
	MaxPaddleSpeed   = 50
	MaxBallSpeedCap  = 60
	MaxScoreLimit    = 100
	maxOutgoingAngle = 89 // 出球角必須小於 90 度，否則水平速度反向
)

// DefaultConfig 預設對局參數
func DefaultConfig() Config {
	return Config{
		CanvasWidth:        800,
		CanvasHeight:       400,
		PaddleWidth:        10,
		PaddleHeight:       80,
		PaddleSpeed:        8,
		BallSpeed:          5,
		BallSpeedIncrement: 0.5,
		MaxBallSpeed:       15,
		BallSize:           10,
		MaxScore:           5,
		AngleVariation:     10,
		MaxDeflection:      60,
	}
}

// Validate 驗證參數
func (c Config) Validate() error {
	switch {
	case c.CanvasWidth <= 0 || c.CanvasHeight <= 0:
		return ErrInvalidConfig.WithDetails("canvas size must be positive")
	case c.PaddleWidth <= 0 || c.PaddleHeight <= 0:
		return ErrInvalidConfig.WithDetails("paddle size must be positive")
	case c.PaddleHeight >= c.CanvasHeight || 2*c.PaddleWidth >= c.CanvasWidth:
		return ErrInvalidConfig.WithDetails("paddle does not fit the canvas")
	case c.PaddleSpeed <= 0 || c.PaddleSpeed > MaxPaddleSpeed:
		return ErrInvalidConfig.WithDetails("paddle speed must be in (0, %d]", MaxPaddleSpeed)
	case c.MaxBallSpeed <= 0 || c.MaxBallSpeed > MaxBallSpeedCap:
		return ErrInvalidConfig.WithDetails("max ball speed must be in (0, %d]", MaxBallSpeedCap)
	case c.BallSpeed <= 0 || c.BallSpeed > c.MaxBallSpeed:
		return ErrInvalidConfig.WithDetails("ball speed must be in (0, %g]", c.MaxBallSpeed)
	case c.BallSpeedIncrement < 0:
		return ErrInvalidConfig.WithDetails("ball speed increment must not be negative")
	case c.BallSize <= 0 || c.BallSize >= c.CanvasHeight:
		return ErrInvalidConfig.WithDetails("ball size must be in (0, canvas height)")
	case c.MaxScore <= 0 || c.MaxScore > MaxScoreLimit:
		return ErrInvalidConfig.WithDetails("max score must be in [1, %d]", MaxScoreLimit)
	case c.MaxDeflection <= 0 || c.AngleVariation < 0:
		return ErrInvalidConfig.WithDetails("deflection angles must be positive")
	case c.MaxDeflection+c.AngleVariation/2 > maxOutgoingAngle:
		return ErrInvalidConfig.WithDetails("max deflection plus half variation must stay below %d degrees", maxOutgoingAngle)
	}
	return nil
}

// Overrides 建立對局時允許玩家調整的參數
type Overrides struct {
	MaxScore    *int     `json:"max_score,omitempty"`
	PaddleSpeed *float64 `json:"paddle_speed,omitempty"`
	BallSpeed   *float64 `json:"ball_speed,omitempty"`
}

// Apply 將覆寫值套用到基礎參數並驗證
func (o Overrides) Apply(base Config) (Config, error) {
	cfg := base
	if o.MaxScore != nil {
		cfg.MaxScore = *o.MaxScore
	}
	if o.PaddleSpeed != nil {
		cfg.PaddleSpeed = *o.PaddleSpeed
	}
	if o.BallSpeed != nil {
		cfg.BallSpeed = *o.BallSpeed
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("apply overrides: %w", err)
	}
	return cfg, nil
}
