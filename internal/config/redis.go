package config

import (
    "context"
    "crypto/tls"
    "fmt"
    "os"
    "strings"
    "time"

    "github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for Redis, which backs rate
// limiting, the response cache and the route polyline cache.
type RedisConfig struct {
    Addr     string
    Password string
    DB       int
    TLS      bool
    Disabled bool
}

// LoadRedisConfig reads REDIS_* variables.  REDIS_HOST and REDIS_PORT win
// over REDIS_ADDR; REDIS_DISABLED=true turns every Redis feature off.
func LoadRedisConfig() RedisConfig {
    addr := envStr("REDIS_ADDR", "localhost:6379")
    if host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT"); host != "" && port != "" {
        addr = host + ":" + port
    }
    return RedisConfig{
        Addr:     addr,
        Password: os.Getenv("REDIS_PASSWORD"),
        DB:       envInt("REDIS_DB", 0),
        TLS:      envBool("REDIS_TLS", false),
        Disabled: envBool("REDIS_DISABLED", false),
    }
}

// NewRedisClient connects and pings Redis.  Callers degrade gracefully on
// error by running without rate limiting and caches.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
    if cfg.Disabled {
        return nil, fmt.Errorf("redis disabled")
    }
    opts := &redis.Options{
        Addr:     cfg.Addr,
        Password: cfg.Password,
        DB:       cfg.DB,
    }
    if cfg.TLS {
        opts.TLSConfig = &tls.Config{ServerName: strings.Split(cfg.Addr, ":")[0]}
    }
    client := redis.NewClient(opts)

    ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    if err := client.Ping(ctx).Err(); err != nil {
        _ = client.Close()
        return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
    }
    return client, nil
}
