package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"vanish/cfg"
	"vanish/pkg/domain"
)

const challengePrefix = "pow:"

// Redis is the shared state backend used when several replicas serve the same
// traffic: the live challenge set and the rate-limit buckets.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(url string, cfg *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 5
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if cfg.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if cfg.RedisUsername != "" {
		opt.Username = cfg.RedisUsername
	}
	if cfg.RedisPassword.Value() != "" {
		opt.Password = cfg.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Wrap(err, "ping redis")
	}
	timeout := cfg.RedisTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Redis{
		client:  client,
		timeout: timeout,
	}, nil
}
func buildRedisTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,
	}
	redisHostname := os.Getenv("REDIS_HOSTNAME")
	if redisHostname == "" {
		return nil, fmt.Errorf("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	tlsConfig.ServerName = redisHostname
	certPath := os.Getenv("REDIS_TLS_CA_CERT")
	if certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		tlsConfig.RootCAs = systemPool
	}
	env := os.Getenv("ENVIRONMENT")
	if env != "production" {
		devCertPath := os.Getenv("REDIS_TLS_DEV_CA")
		if devCertPath != "" {
			devCert, err := os.ReadFile(devCertPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read dev CA cert: %w", err)
			}
			if tlsConfig.RootCAs == nil {
				tlsConfig.RootCAs = x509.NewCertPool()
			}
			if !tlsConfig.RootCAs.AppendCertsFromPEM(devCert) {
				return nil, fmt.Errorf("failed to append dev CA cert")
			}
		}
	}
	return tlsConfig, nil
}
type storedChallenge struct {
	Difficulty int   `json:"d"`
	ExpiresAt  int64 `json:"exp"`
}

// Put stores c until its expiry; Redis drops it on its own afterwards.
func (r *Redis) Put(ctx context.Context, c *domain.Challenge) error {
	ttl := time.Until(c.ExpiresAt)
	if ttl <= 0 {
		return errors.New("challenge already expired")
	}
	data, err := json.Marshal(storedChallenge{Difficulty: c.Difficulty, ExpiresAt: c.ExpiresAt.UnixMilli()})
	if err != nil {
		return errors.Wrap(err, "marshal challenge")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Set(ctx, challengePrefix+c.Token, data, ttl).Err(), "set challenge")
}

func (r *Redis) Get(ctx context.Context, token string) (*domain.Challenge, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, challengePrefix+token).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get challenge")
	}
	var sc storedChallenge
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, errors.Wrap(err, "unmarshal challenge")
	}
	return &domain.Challenge{
		Token:      token,
		Difficulty: sc.Difficulty,
		ExpiresAt:  time.UnixMilli(sc.ExpiresAt),
	}, nil
}

// Consume deletes the challenge; DEL is atomic so only one caller sees 1.
func (r *Redis) Consume(ctx context.Context, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Del(ctx, challengePrefix+token).Result()
	if err != nil {
		return false, errors.Wrap(err, "consume challenge")
	}
	return n == 1, nil
}

// Sweep is a no-op: challenge keys carry their own TTL.
func (r *Redis) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

// tokenBucket refills lazily from the stored timestamp, caps at capacity and
// takes one token when at least one is available. Tokens are returned as a
// string because Lua numbers are truncated to integers on the way out.
var tokenBucket = redis.NewScript(`
	local capacity = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])
	local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
	local tokens = tonumber(state[1])
	local ts = tonumber(state[2])
	if tokens == nil or ts == nil then
		tokens = capacity
		ts = now
	end
	if now > ts then
		tokens = math.min(capacity, tokens + (now - ts) * rate)
		ts = now
	end
	local allowed = 0
	if tokens >= 1 then
		tokens = tokens - 1
		allowed = 1
	end
	redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(ts))
	redis.call("PEXPIRE", KEYS[1], ttl)
	return {allowed, tostring(tokens)}
`)

const maxBucketTTL = 24 * time.Hour

// TakeToken runs one token-bucket check for key. refillPerSec may be zero.
func (r *Redis) TakeToken(ctx context.Context, key string, capacity int, refillPerSec float64, now time.Time) (bool, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	perMs := refillPerSec / 1000
	ttl := maxBucketTTL
	if refillPerSec > 0 {
		full := time.Duration(float64(capacity) / refillPerSec * float64(time.Second))
		ttl = time.Duration(math.Min(float64(full+time.Second), float64(maxBucketTTL)))
	}
	res, err := tokenBucket.Run(ctx, r.client, []string{"bucket:" + key},
		capacity, strconv.FormatFloat(perMs, 'g', -1, 64), now.UnixMilli(), ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return false, 0, errors.Wrap(err, "token bucket lua")
	}
	if len(res) != 2 {
		return false, 0, errors.Errorf("token bucket lua: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	tokensStr, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return false, 0, errors.Wrap(err, "token bucket lua: tokens")
	}
	return allowed == 1, tokens, nil
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
