// Package auth 驗證玩家身份
//
// 身份由外部服務以 HS256 JWT 簽發：sub 為玩家 ID，name 為顯示名稱。
// 即時通道與控制面都只接受驗證過的身份。
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/koopa0/pong-engine/internal/game"
	apperrors "github.com/koopa0/pong-engine/pkg/errors"
)

// ErrUnauthenticated 身份驗證失敗
var ErrUnauthenticated = apperrors.New(apperrors.ErrCodeUnauthenticated, "authentication required")

// Identity 已驗證的玩家身份
type Identity struct {
	PlayerID game.PlayerID `json:"player_id"`
	Name     string        `json:"name"`
}

// Claims JWT 內容
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier 簽發與驗證 token
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier 建立驗證器；issuer 為空時不檢查 iss
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}, nil
}

// WithClock 返回使用指定時鐘的副本（測試用）
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	cp := *v
	cp.now = now
	return &cp
}

// Issue 簽發 token
func (v *Verifier) Issue(identity Identity, ttl time.Duration) (string, error) {
	if identity.PlayerID <= 0 {
		return "", fmt.Errorf("issue token: invalid player id %d", identity.PlayerID)
	}
	now := v.now()
	claims := Claims{
		Name: identity.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(int64(identity.PlayerID), 10),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Verify 驗證 token 並返回身份
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnauthenticated.WithDetails("missing token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, mapJWTError(err)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return Identity{}, ErrUnauthenticated.WithDetails("invalid subject")
	}
	return Identity{PlayerID: game.PlayerID(id), Name: claims.Name}, nil
}

// mapJWTError 把 jwt 錯誤轉成 UNAUTHENTICATED
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrUnauthenticated.WithDetails("token expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrUnauthenticated.WithDetails("invalid signature")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrUnauthenticated.WithDetails("issuer mismatch")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrUnauthenticated.WithDetails("unsupported signing method")
	}
	return ErrUnauthenticated.WithDetails("malformed token")
}

// TokenFromRequest 從 Authorization: Bearer 或 ?token= 取得 token
//
// 瀏覽器的 WebSocket API 無法設定標頭，因此握手時也接受查詢參數。
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

type identityKey struct{}

// WithIdentity 把身份放入 context
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// FromContext 從 context 取出身份
func FromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}

// Roster 記錄已驗證玩家的顯示名稱，供 Registry 解析名稱
type Roster struct {
	mu    sync.RWMutex
	names map[game.PlayerID]string
}

// NewRoster 建立名冊
func NewRoster() *Roster {
	return &Roster{names: make(map[game.PlayerID]string)}
}

// Remember 記錄身份的顯示名稱
func (r *Roster) Remember(identity Identity) {
	if identity.Name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[identity.PlayerID] = identity.Name
}

// DisplayName 實現 game.Directory；未知玩家返回 "player-<id>"
func (r *Roster) DisplayName(_ context.Context, id game.PlayerID) string {
	r.mu.RLock()
	name, ok := r.names[id]
	r.mu.RUnlock()
	if ok {
		return name
	}
	return fmt.Sprintf("player-%d", id)
}
