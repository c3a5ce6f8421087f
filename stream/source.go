package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evalgo-org/storedb/dberr"
)

// EventSource supplies events to an Engine from some upstream transport.
type EventSource interface {
	Publish(ctx context.Context, evt Event) error
	// Subscribe blocks, invoking deliver for every event received until
	// ctx is canceled.
	Subscribe(ctx context.Context, deliver func(Event)) error
}

// MemoryEventSource is an in-process EventSource, useful for tests and
// single-node deployments that don't need durability across restarts.
type MemoryEventSource struct {
	ch chan Event
}

// NewMemoryEventSource builds a buffered in-memory EventSource.
func NewMemoryEventSource(bufferSize int) *MemoryEventSource {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &MemoryEventSource{ch: make(chan Event, bufferSize)}
}

func (m *MemoryEventSource) Publish(ctx context.Context, evt Event) error {
	select {
	case m.ch <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemoryEventSource) Subscribe(ctx context.Context, deliver func(Event)) error {
	for {
		select {
		case evt := <-m.ch:
			deliver(evt)
		case <-ctx.Done():
			return nil
		}
	}
}

// RedisEventSource is a Redis-streams-backed EventSource, supplementing
// the core spec with durability across process restarts, grounded on the
// teacher's queue/redis package (RPush/BLPop job queue) adapted from a
// single-consumer work queue to a fanned-out change stream via XADD/XREAD.
type RedisEventSource struct {
	client     *redis.Client
	streamKey  string
	group      string
	consumer   string
	blockFor   time.Duration
}

// RedisConfig configures a RedisEventSource.
type RedisConfig struct {
	Addr      string
	StreamKey string
	Group     string
	Consumer  string
	BlockFor  time.Duration
}

// NewRedisEventSource connects to Redis and ensures the consumer group exists.
func NewRedisEventSource(ctx context.Context, cfg RedisConfig) (*RedisEventSource, error) {
	if cfg.StreamKey == "" {
		cfg.StreamKey = "storedb:events"
	}
	if cfg.Group == "" {
		cfg.Group = "storedb-refresh"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-1"
	}
	if cfg.BlockFor == 0 {
		cfg.BlockFor = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, dberr.Wrap(dberr.KindBackendUnavailable, err, "connecting to redis at %q", cfg.Addr)
	}

	err := client.XGroupCreateMkStream(ctx, cfg.StreamKey, cfg.Group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return nil, dberr.Wrap(dberr.KindBackendUnavailable, err, "creating consumer group %q", cfg.Group)
	}

	return &RedisEventSource{
		client:    client,
		streamKey: cfg.StreamKey,
		group:     cfg.Group,
		consumer:  cfg.Consumer,
		blockFor:  cfg.BlockFor,
	}, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() != "" && containsBusyGroup(err.Error())
}

func containsBusyGroup(s string) bool {
	const marker = "BUSYGROUP"
	for i := 0; i+len(marker) <= len(s); i++ {
		if s[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}

func (r *RedisEventSource) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return dberr.Wrap(dberr.KindInvalidInput, err, "encoding event")
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamKey,
		Values: map[string]interface{}{"body": body},
	}).Err()
	if err != nil {
		return dberr.Wrap(dberr.KindBackendUnavailable, err, "publishing event to redis stream %q", r.streamKey)
	}
	return nil
}

func (r *RedisEventSource) Subscribe(ctx context.Context, deliver func(Event)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{r.streamKey, ">"},
			Count:    100,
			Block:    r.blockFor,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return dberr.Wrap(dberr.KindBackendUnavailable, err, "reading from redis stream %q", r.streamKey)
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				raw, _ := msg.Values["body"].(string)
				var evt Event
				if json.Unmarshal([]byte(raw), &evt) == nil {
					deliver(evt)
				}
				r.client.XAck(ctx, r.streamKey, r.group, msg.ID)
			}
		}
	}
}

// Close releases the underlying Redis connection.
func (r *RedisEventSource) Close() error {
	return r.client.Close()
}
