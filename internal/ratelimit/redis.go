package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript 令牌桶（單一 hash 保存 tokens 與 ts）
//
// KEYS[1]: 桶的 key
// ARGV[1]: 容量
// ARGV[2]: 每秒補充速率
// ARGV[3]: 當前時間（毫秒）
// ARGV[4]: 過期時間（秒）
//
// 返回 1 允許、0 拒絕
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

local elapsed = math.max(0, now - ts) / 1000
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', now)
redis.call('EXPIRE', key, ttl)
return allowed
`)

// Redis 分散式令牌桶限流器
//
// 多個伺服器實例共用同一組桶，同一玩家連到不同實例也受同一個限制。
type Redis struct {
	client redis.UniversalClient
	prefix string
	rate   float64
	burst  int
	ttl    time.Duration
	now    func() time.Time
}

// NewRedis 建立分散式限流器
//
// key 會加上 prefix，例如 "pong:ratelimit:" + "player:42"。
func NewRedis(client redis.UniversalClient, prefix string, rate float64, burst int) *Redis {
	if burst < 1 {
		burst = 1
	}
	// 閒置超過填滿整個桶所需的時間後，桶的狀態與新桶相同，可以過期
	ttl := time.Duration(float64(burst)/rate*float64(time.Second)) + time.Minute
	return &Redis{
		client: client,
		prefix: prefix,
		rate:   rate,
		burst:  burst,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Allow 實現 Limiter
//
// Redis 不可用時允許事件並返回錯誤：可用性優先於精確限流。
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	result, err := tokenBucketScript.Run(ctx, r.client,
		[]string{r.prefix + key},
		r.burst,
		r.rate,
		r.now().UnixMilli(),
		int64(r.ttl.Seconds()),
	).Int()
	if err != nil {
		return true, fmt.Errorf("redis token bucket: %w", err)
	}
	return result == 1, nil
}

// Forget 實現 Limiter
func (r *Redis) Forget(ctx context.Context, key string) {
	_ = r.client.Del(ctx, r.prefix+key).Err()
}
