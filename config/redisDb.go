package config

import (
	"context"
	"errors"
	"os"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

func GetRedisDB() *redis.Client {
	return rdb
}

func GetRedisLock() *redislock.Client {
	return locker
}

// SetRedisClient installs an already-connected client (tests use miniredis).
func SetRedisClient(c *redis.Client) {
	rdb = c
	if c == nil {
		locker = nil
		return
	}
	locker = redislock.New(c)
}

// GetRedisValue reports false when the key is missing or Redis is not
// connected yet.
func GetRedisValue(ctx context.Context, key string) (string, bool, error) {
	if rdb == nil {
		return "", false, nil
	}
	val, err := rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// ConnectRedisWithRetry connects and sets the global Redis client + lock client.
// Call this from main() AFTER the HTTP server is listening.
func ConnectRedisWithRetry() {
	addr := stringFromEnv("REDIS_ADDRESS", "localhost:6379")
	dialWithRetry("Redis", logrus.Fields{"addr": addr}, func() error {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			PoolSize: 100,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			_ = client.Close()
			return err
		}
		SetRedisClient(client)
		return nil
	})
}
