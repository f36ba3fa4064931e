// Package notify delivers billing notifications to branch admins.
//
// Two publishers are provided: Log writes every notification to the
// structured log, Redis publishes JSON on a per-branch channel
// ("notifications:{branch_id}") that the admin UI subscribes to.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/warp/school-billing/billing"
)

// ChannelPrefix prefixes the Redis channel of each branch.
const ChannelPrefix = "notifications:"

// Channel returns the Redis channel for a branch.
func Channel(branchID string) string { return ChannelPrefix + branchID }

// Log publishes notifications as log lines.
type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log.With().Str("component", "notify").Logger()}
}

func (l *Log) Publish(_ context.Context, n billing.Notification) error {
	l.log.Info().
		Str("branch_id", n.BranchID).
		Str("category", n.Category).
		Str("title", n.Title).
		Msg(n.Message)
	return nil
}

// redisPublisher is the subset of *redis.Client used here.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis publishes notifications on Redis pub/sub.
type Redis struct {
	rdb redisPublisher
	log zerolog.Logger
}

func NewRedis(rdb redisPublisher, log zerolog.Logger) *Redis {
	return &Redis{rdb: rdb, log: log.With().Str("component", "notify").Logger()}
}

func (r *Redis) Publish(ctx context.Context, n billing.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	receivers, err := r.rdb.Publish(ctx, Channel(n.BranchID), data).Result()
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	r.log.Debug().Str("branch_id", n.BranchID).Int64("receivers", receivers).Msg("notification published")
	return nil
}

// Connect parses redisURL and checks connectivity.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

var (
	_ billing.Publisher = (*Log)(nil)
	_ billing.Publisher = (*Redis)(nil)
)
