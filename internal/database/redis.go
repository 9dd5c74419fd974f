package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	err = retry.Do(ctx, connectBackoff(), func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			logrus.WithError(err).Warn("redis not ready, retrying")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("error pinging redis: %w", err)
	}

	logrus.Info("redis client created")
	return client, nil
}
