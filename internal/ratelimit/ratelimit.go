package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/PetoAdam/lumina-relay/internal/auth"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type LimiterConfig struct {
	RPS   int
	Burst int
}

// Allower decides whether one more request for key fits the budget.
type Allower interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Token bucket in a redis hash. Tokens refill continuously; the key expires
// once a full bucket would have refilled.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local bucket = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(bucket[1]) or max_tokens
local last = tonumber(bucket[2]) or now
local delta = math.max(0, now - last) / 1000
tokens = math.min(max_tokens, tokens + delta * refill_rate)
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', key, 'tokens', tostring(tokens), 'last', now)
redis.call('EXPIRE', key, math.ceil(max_tokens / refill_rate) + 1)
return allowed
`)

type RedisLimiter struct {
	Redis  *redis.Client
	Prefix string
	Config LimiterConfig
}

func NewRedis(rdb *redis.Client, prefix string, cfg LimiterConfig) *RedisLimiter {
	return &RedisLimiter{Redis: rdb, Prefix: prefix, Config: normalize(cfg)}
}

func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMilli()
	full := rl.Prefix + ":" + key
	res, err := bucketScript.Run(ctx, rl.Redis, []string{full}, rl.Config.Burst, rl.Config.RPS, now).Int64()
	if err != nil {
		slog.Error("redis eval error", "key", full, "error", err)
		return false, err
	}
	slog.Debug("token bucket", "key", full, "allowed", res, "max", rl.Config.Burst, "rps", rl.Config.RPS)
	return res == 1, nil
}

// LocalLimiter keeps one token bucket per key in process memory. It is used
// when no redis is configured. Buckets untouched for idleAfter are swept; a
// bucket idle that long has refilled, so dropping it loses nothing.
type LocalLimiter struct {
	cfg       LimiterConfig
	idleAfter time.Duration
	now       func() time.Time

	mu        sync.Mutex
	buckets   map[string]*localBucket
	lastSweep time.Time
}

type localBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewLocal(cfg LimiterConfig) *LocalLimiter {
	cfg = normalize(cfg)
	idle := time.Duration(cfg.Burst) * time.Second / time.Duration(cfg.RPS)
	if idle < time.Minute {
		idle = time.Minute
	}
	return &LocalLimiter{
		cfg:       cfg,
		idleAfter: idle,
		now:       time.Now,
		buckets:   map[string]*localBucket{},
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{lim: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1), nil
}

// Len reports the number of tracked keys.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *LocalLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.idleAfter {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.seen) >= l.idleAfter {
			delete(l.buckets, key)
		}
	}
}

func normalize(cfg LimiterConfig) LimiterConfig {
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RPS * 2
	}
	return cfg
}

func Middleware(a Allower, keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := a.Allow(r.Context(), keyFunc(r))
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "rate limiter error")
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `","code":` + strconv.Itoa(status) + `}`))
}

func KeyByIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// KeyByUserOrIP keys by the JWT subject when the auth middleware ran first.
func KeyByUserOrIP(r *http.Request) string {
	if claims := auth.GetClaims(r.Context()); claims != nil && claims.Subject != "" {
		return "user:" + claims.Subject
	}
	return "ip:" + KeyByIP(r)
}
