package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/logger"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// RedisLock shares user keys across processes. The local mutex keeps goroutines of
// this process from polling Redis against each other.
type RedisLock struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
	local  *KeyedMutex
	log    *logger.Logger
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
	Logger   *logger.Logger
}

func NewRedisLock(cfg RedisConfig) *RedisLock {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tradebot:lock:"
	}
	return &RedisLock{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		poll:   100 * time.Millisecond,
		local:  NewKeyedMutex(),
		log:    logger.OrDefault(cfg.Logger).Named("lock"),
	}
}

func (r *RedisLock) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLock) Close() error {
	return r.client.Close()
}

func (r *RedisLock) Lock(ctx context.Context, key string) (Unlock, error) {
	localUnlock, err := r.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	token := newToken()
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, r.prefix+key, token, r.ttl).Result()
		if err != nil {
			localUnlock()
			return nil, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return r.unlocker(key, token, localUnlock), nil
		}
		select {
		case <-ctx.Done():
			localUnlock()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *RedisLock) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	localUnlock, ok, _ := r.local.TryLock(ctx, key)
	if !ok {
		return nil, false, nil
	}
	token := newToken()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, r.ttl).Result()
	if err != nil {
		localUnlock()
		return nil, false, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		localUnlock()
		return nil, false, nil
	}
	return r.unlocker(key, token, localUnlock), true, nil
}

func (r *RedisLock) unlocker(key, token string, localUnlock Unlock) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() { r.release(key, token) })
		localUnlock()
	}
}

func (r *RedisLock) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := r.client.Eval(ctx, releaseScript, []string{r.prefix + key}, token).Int64()
	if err != nil {
		r.log.Warn("release redis lock", logger.String("key", key), logger.FieldErr(err))
		return
	}
	if res == 0 {
		r.log.Warn("redis lock expired before release", logger.String("key", key), logger.FieldErr(ErrNotHeld))
	}
}

func newToken() string {
	return uuid.NewString()
}
