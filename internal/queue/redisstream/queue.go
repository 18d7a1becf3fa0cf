// Package redisstream implements the job queue on a Redis Stream with a
// consumer group. Entries stay pending until acknowledged, so a worker that
// crashes mid-job sees its unacknowledged entries again on restart.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/book-relay/internal/relay"
)

const defaultBlockTimeout = 2 * time.Second

// Config names the stream and the consumer.
type Config struct {
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
}

// Queue is a relay.Queue backed by XADD / XREADGROUP / XACK.
type Queue struct {
	client *redis.Client
	cfg    Config

	// pendingDrained flips once this consumer's pending entries were re-read.
	pendingDrained bool
}

// New ensures the consumer group exists and returns the queue.
func New(ctx context.Context, client *redis.Client, cfg Config) (*Queue, error) {
	if cfg.Stream == "" {
		cfg.Stream = "bookrelay:jobs"
	}
	if cfg.Group == "" {
		cfg.Group = "workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = defaultBlockTimeout
	}
	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &Queue{client: client, cfg: cfg}, nil
}

// Enqueue appends the item to the stream.
func (q *Queue) Enqueue(ctx context.Context, item relay.QueueItem) error {
	payload := item.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{
			"job_id":     item.JobID,
			"name":       string(item.Name),
			"payload":    string(payload),
			"timeout_ms": item.Timeout.Milliseconds(),
			"submitted":  item.Submitted.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Dequeue returns the next entry for this consumer. Pending entries left by
// a previous run are returned first.
func (q *Queue) Dequeue(ctx context.Context) (relay.QueueItem, error) {
	if !q.pendingDrained {
		item, ok, err := q.read(ctx, "0", -1)
		if err != nil {
			return relay.QueueItem{}, err
		}
		if ok {
			return item, nil
		}
		q.pendingDrained = true
	}
	for {
		if err := ctx.Err(); err != nil {
			return relay.QueueItem{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		item, ok, err := q.read(ctx, ">", q.cfg.Block)
		if err != nil {
			return relay.QueueItem{}, err
		}
		if ok {
			return item, nil
		}
	}
}

func (q *Queue) read(ctx context.Context, id string, block time.Duration) (relay.QueueItem, bool, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, id},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return relay.QueueItem{}, false, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return relay.QueueItem{}, false, fmt.Errorf("dequeue canceled: %w", ctxErr)
		}
		return relay.QueueItem{}, false, fmt.Errorf("xreadgroup: %w", err)
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			item, err := decode(msg)
			if err != nil {
				// Unreadable entries are acknowledged so they do not block the stream.
				_ = q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, msg.ID).Err()
				return relay.QueueItem{}, false, err
			}
			return item, true, nil
		}
	}
	return relay.QueueItem{}, false, nil
}

// Ack removes the entry from the consumer's pending list.
func (q *Queue) Ack(ctx context.Context, item relay.QueueItem) error {
	if item.Receipt == "" {
		return nil
	}
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, item.Receipt).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", item.Receipt, err)
	}
	return nil
}

// Pending reports how many entries are delivered but not yet acknowledged.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	res, err := q.client.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending: %w", err)
	}
	return res.Count, nil
}

func decode(msg redis.XMessage) (relay.QueueItem, error) {
	str := func(key string) string {
		v, _ := msg.Values[key].(string)
		return v
	}
	item := relay.QueueItem{
		JobID:   str("job_id"),
		Name:    relay.JobName(str("name")),
		Receipt: msg.ID,
	}
	if item.JobID == "" {
		return relay.QueueItem{}, fmt.Errorf("stream entry %s has no job_id", msg.ID)
	}
	if p := str("payload"); p != "" {
		item.Payload = json.RawMessage(p)
	}
	if ms, err := strconv.ParseInt(str("timeout_ms"), 10, 64); err == nil {
		item.Timeout = time.Duration(ms) * time.Millisecond
	}
	if ts, err := time.Parse(time.RFC3339Nano, str("submitted")); err == nil {
		item.Submitted = ts
	}
	return item, nil
}
