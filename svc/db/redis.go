package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"ciphertoken/cfg"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const consumedKeyPrefix = "consumed:"

// fixedWindow increments KEYS[1] unless it already reached ARGV[2] and
// returns the count; the window starts on the first hit.
var fixedWindow = redis.NewScript(`
	local current = tonumber(redis.call("GET", KEYS[1]) or "0")
	if current >= tonumber(ARGV[2]) then
		return current + 1
	end
	local n = redis.call("INCR", KEYS[1])
	if n == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return n
`)

// Redis holds state shared by every instance: rate-limit windows and
// consumed-token tombstones. Tokens themselves never live here.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(ctx context.Context, c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(c.RedisURL)
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
	if c.RedisTLS {
		if opt.TLSConfig, err = redisTLS(); err != nil {
			return nil, errors.Wrap(err, "redis tls")
		}
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	timeout := c.RedisTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Redis{client: client, timeout: timeout}, nil
}

// redisTLS pins TLS 1.3 and trusts REDIS_TLS_CA_CERT when given, the system
// pool otherwise.
func redisTLS() (*tls.Config, error) {
	host := os.Getenv("REDIS_HOSTNAME")
	if host == "" {
		return nil, fmt.Errorf("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	conf := &tls.Config{MinVersion: tls.VersionTLS13, ServerName: host}
	caPath := os.Getenv("REDIS_TLS_CA_CERT")
	if caPath == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("load system cert pool: %w", err)
		}
		conf.RootCAs = pool
		return conf, nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read redis CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", caPath)
	}
	conf.RootCAs = pool
	return conf, nil
}

// RateLimit reports the hit count for key in the current window. A count
// above limit means the request must be rejected.
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	usage, err := fixedWindow.Run(ctx, r.client, []string{"rl:" + key}, window.Milliseconds(), limit).Int()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit lua")
	}
	return usage, nil
}

// MarkConsumed writes a tombstone so other instances can reject a spent
// hash without a database round trip.
func (r *Redis) MarkConsumed(ctx context.Context, hash string, ttl time.Duration) error {
	if hash == "" {
		return errors.New("token hash cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Set(ctx, consumedKeyPrefix+hash, "1", ttl).Err(), "mark consumed")
}

func (r *Redis) IsConsumed(ctx context.Context, hash string) (bool, error) {
	if hash == "" {
		return false, errors.New("token hash cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Exists(ctx, consumedKeyPrefix+hash).Result()
	if err != nil {
		return false, errors.Wrap(err, "is consumed")
	}
	return n > 0, nil
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
