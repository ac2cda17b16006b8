// Package store keeps forwarded transcript segments in Redis and announces
// each one on a pub/sub channel.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/interviewkit/transcript-relay/internal/relay"
)

const (
	DefaultKeyPrefix = "transcript:"
	DefaultChannel   = "transcripts"
	DefaultTTL       = 24 * time.Hour
)

type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Channel   string
	TTL       time.Duration
}

// Redis stores segments as a list per connection. It satisfies
// relay.TranscriptSink.
type Redis struct {
	client  *redis.Client
	prefix  string
	channel string
	ttl     time.Duration
}

func NewRedis(opts Options) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 2 * time.Second,
	})
	return newRedis(client, opts)
}

func newRedis(client *redis.Client, opts Options) *Redis {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Redis{client: client, prefix: opts.KeyPrefix, channel: opts.Channel, ttl: opts.TTL}
}

func (s *Redis) key(connID string) string {
	return s.prefix + connID
}

// Ping checks that the server is reachable.
func (s *Redis) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis PING: %w", err)
	}
	return nil
}

// Publish appends seg to its connection's list, refreshes the list TTL and
// announces the segment on the channel, in one round trip.
func (s *Redis) Publish(ctx context.Context, seg relay.Segment) error {
	payload, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("encode segment: %w", err)
	}
	key := s.key(seg.ConnectionID)

	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.Expire(ctx, key, s.ttl)
		pipe.Publish(ctx, s.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", key, err)
	}
	return nil
}

// History returns the stored segments of a connection, oldest first. An
// unknown connection yields an empty slice.
func (s *Redis) History(ctx context.Context, connID string) ([]relay.Segment, error) {
	key := s.key(connID)
	values, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis LRANGE %s: %w", key, err)
	}
	return decodeSegments(values)
}

func decodeSegments(values []string) ([]relay.Segment, error) {
	segments := make([]relay.Segment, 0, len(values))
	for _, v := range values {
		var seg relay.Segment
		if err := json.Unmarshal([]byte(v), &seg); err != nil {
			return nil, fmt.Errorf("decode segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}
