package middleware

import (
    "context"
    "fmt"
    "math"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"
    "go.uber.org/zap"

    "github.com/iliyamo/transit-seat-reservation/internal/config"
)

// tokenBucket refills interval-wise and takes one token per call.  It
// returns {allowed, remaining, retry_after_ms}.
var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_tokens = tonumber(ARGV[3])
local interval_ms = tonumber(ARGV[4])
local ttl_seconds = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if tokens == nil or last_refill == nil then
    tokens = capacity
    last_refill = now_ms
end

local elapsed = math.max(0, now_ms - last_refill)
local intervals = math.floor(elapsed / interval_ms)
if intervals > 0 then
    tokens = math.min(capacity, tokens + intervals * refill_tokens)
    last_refill = last_refill + intervals * interval_ms
end

local allowed = 0
local retry_after_ms = 0
if tokens > 0 then
    allowed = 1
    tokens = tokens - 1
else
    retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)
return { allowed, tokens, retry_after_ms }
`)

// Decision is the outcome of one bucket take.
type Decision struct {
    Allowed    bool
    Remaining  int64
    RetryAfter time.Duration
}

// Limiter takes tokens from Redis buckets configured by cfg.
type Limiter struct {
    cfg config.RateLimitConfig
    rdb redis.Scripter
}

// NewLimiter returns a limiter, or nil when rate limiting is disabled or
// Redis is unavailable.
func NewLimiter(cfg config.RateLimitConfig, rdb *redis.Client) *Limiter {
    if !cfg.Enabled || rdb == nil {
        return nil
    }
    return &Limiter{cfg: cfg, rdb: rdb}
}

// Take removes one token from key's bucket.
func (l *Limiter) Take(ctx context.Context, key string, now time.Time) (Decision, error) {
    vals, err := tokenBucket.Run(ctx, l.rdb, []string{key},
        now.UnixMilli(),
        l.cfg.Capacity,
        l.cfg.RefillTokens,
        l.cfg.RefillInterval.Milliseconds(),
        int64(l.cfg.TTL/time.Second),
    ).Int64Slice()
    if err != nil {
        return Decision{}, err
    }
    if len(vals) != 3 {
        return Decision{}, fmt.Errorf("ratelimit: unexpected script result %v", vals)
    }
    return Decision{
        Allowed:    vals[0] == 1,
        Remaining:  vals[1],
        RetryAfter: time.Duration(vals[2]) * time.Millisecond,
    }, nil
}

// RateLimit enforces the limiter on each request.  A nil limiter passes
// everything through, and so does a Redis failure: rate limiting never
// takes the API down.
func RateLimit(l *Limiter, log *zap.Logger) echo.MiddlewareFunc {
    if l == nil {
        return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
    }
    log = log.Named("ratelimit")
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            key := rateKey(l.cfg, c)
            d, err := l.Take(c.Request().Context(), key, time.Now())
            if err != nil {
                log.Warn("bucket unavailable, allowing request", zap.String("key", key), zap.Error(err))
                return next(c)
            }

            h := c.Response().Header()
            h.Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.Capacity))
            h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
            if l.cfg.Debug {
                h.Set("X-RateLimit-Key", key)
            }
            if !d.Allowed {
                secs := int(math.Ceil(d.RetryAfter.Seconds()))
                h.Set("Retry-After", strconv.Itoa(secs))
                log.Debug("request blocked", zap.String("key", key), zap.Duration("retry_after", d.RetryAfter))
                return c.JSON(http.StatusTooManyRequests, echo.Map{
                    "error":       "too_many_requests",
                    "message":     "rate limit exceeded",
                    "retry_after": secs,
                })
            }
            return next(c)
        }
    }
}

func rateKey(cfg config.RateLimitConfig, c echo.Context) string {
    ip := c.RealIP()
    if ip == "" {
        ip = "unknown"
    }
    uid := subject(c)
    route := c.Request().Method + " " + c.Path()

    parts := []string{cfg.Prefix}
    switch strings.ToLower(cfg.KeyStrategy) {
    case "ip":
        parts = append(parts, "ip", ip)
    case "user":
        parts = append(parts, "user", uid)
    case "route":
        parts = append(parts, "route", route)
    case "ip_user":
        parts = append(parts, "ip", ip, "user", uid)
    case "user_route":
        parts = append(parts, "user", uid, "route", route)
    default:
        parts = append(parts, "ip", ip, "user", uid, "route", route)
    }
    return strings.Join(parts, ":")
}
