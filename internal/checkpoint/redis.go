package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "iotkpi:checkpoint:"

// advanceScript sets the key only when the new position is greater.
var advanceScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if (not current) or tonumber(ARGV[1]) > tonumber(current) then
	redis.call('SET', KEYS[1], ARGV[1])
	return 1
end
return 0
`)

// Redis stores checkpoints as unix microseconds under iotkpi:checkpoint:<name>.
type Redis struct {
	client *redis.Client
}

// RedisOptions configures the Redis store.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("checkpoint: connect redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, name string) (time.Time, bool, error) {
	if name == "" {
		return time.Time{}, false, ErrEmptyName
	}
	micros, err := r.client.Get(ctx, redisKeyPrefix+name).Int64()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("checkpoint: redis get: %w", err)
	}
	return time.UnixMicro(micros).UTC(), true, nil
}

// Advance implements Store.
func (r *Redis) Advance(ctx context.Context, name string, position time.Time) error {
	if name == "" {
		return ErrEmptyName
	}
	if err := advanceScript.Run(ctx, r.client, []string{redisKeyPrefix + name}, position.UnixMicro()).Err(); err != nil {
		return fmt.Errorf("checkpoint: redis advance: %w", err)
	}
	return nil
}
