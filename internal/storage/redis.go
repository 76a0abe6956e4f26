package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the shared quota store connection
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int

	// MaxRetries is passed to go-redis; -1 disables retries
	MaxRetries int
}

// RedisClient wraps the go-redis client used as the shared quota store
type RedisClient struct {
	client *redis.Client
}

// Connects to Redis and checks the connection with a PING
func NewRedis(opts RedisOptions) (*RedisClient, error) {
	r := OpenRedis(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.Ping(ctx); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	return r, nil
}

// Builds the client without checking connectivity. Socket reads and
// writes honour context deadlines, so a caller's timeout bounds each call
// regardless of ReadTimeout.
func OpenRedis(opts RedisOptions) *RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:                  opts.Addr,
		Password:              opts.Password,
		DB:                    opts.DB,
		DialTimeout:           opts.DialTimeout,
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		PoolSize:              opts.PoolSize,
		MaxRetries:            opts.MaxRetries,
		ContextTimeoutEnabled: true,
	})

	return &RedisClient{client: client}
}

// Wraps an existing client without pinging it. The client should set
// ContextTimeoutEnabled, otherwise go-redis ignores context deadlines on
// the socket and calls are bounded only by its ReadTimeout.
func NewRedisFromClient(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// Runs a Lua script with EVALSHA, falling back to EVAL when the script
// is not cached on the server
func (r *RedisClient) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return script.Run(ctx, r.client, keys, args...).Result()
}

// Loads a Lua script into the server's script cache
func (r *RedisClient) LoadScript(ctx context.Context, script *redis.Script) error {
	return script.Load(ctx, r.client).Err()
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}
