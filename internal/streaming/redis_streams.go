package streaming

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "time"

    "github.com/redis/go-redis/v9"
    "go.uber.org/zap"

    "github.com/atelier-ai/atelier/internal/models"
)

// RedisMirror copies task events into Redis Streams so external consumers
// (dashboards, other services) can follow tasks without touching the HTTP
// API. The in-memory Bus stays authoritative for connected sessions; the
// mirror is best-effort and never blocks the emit path.
type RedisMirror struct {
    client *redis.Client
    logger *zap.Logger
    maxLen int64
    ttl    time.Duration
}

const (
    streamKeyPrefix  = "atelier:events:"
    defaultStreamLen = 1024
    defaultStreamTTL = 24 * time.Hour
)

// NewRedisMirror creates a mirror writing to atelier:events:{task_id} keys.
func NewRedisMirror(client *redis.Client, logger *zap.Logger) *RedisMirror {
    if logger == nil { logger = zap.NewNop() }
    return &RedisMirror{
        client: client,
        logger: logger,
        maxLen: defaultStreamLen,
        ttl:    defaultStreamTTL,
    }
}

func streamKey(taskID string) string { return streamKeyPrefix + taskID }

// Publish appends the event to the task's stream. Failures are logged and
// swallowed; mirroring must never fail a running task.
func (m *RedisMirror) Publish(taskID string, evt models.Event) {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()

    data, err := json.Marshal(evt)
    if err != nil {
        m.logger.Warn("Failed to marshal event for stream mirror",
            zap.String("task_id", taskID),
            zap.Error(err))
        return
    }

    key := streamKey(taskID)
    pipe := m.client.Pipeline()
    pipe.XAdd(ctx, &redis.XAddArgs{
        Stream: key,
        MaxLen: m.maxLen,
        Approx: true,
        Values: map[string]interface{}{"event": string(data)},
    })
    pipe.Expire(ctx, key, m.ttl)
    if _, err := pipe.Exec(ctx); err != nil {
        m.logger.Warn("Failed to mirror event to stream",
            zap.String("task_id", taskID),
            zap.Int64("event_id", evt.EventID),
            zap.Error(err))
    }
}

// ReplaySince returns mirrored events with EventID > since, oldest first.
func (m *RedisMirror) ReplaySince(taskID string, since int64) []models.Event {
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()

    entries, err := m.client.XRange(ctx, streamKey(taskID), "-", "+").Result()
    if err != nil {
        if !errors.Is(err, redis.Nil) {
            m.logger.Warn("Failed to read stream for replay",
                zap.String("task_id", taskID),
                zap.Error(err))
        }
        return nil
    }

    out := make([]models.Event, 0, len(entries))
    for _, entry := range entries {
        evt, ok := decodeStreamEntry(entry)
        if !ok {
            continue
        }
        if evt.EventID > since {
            out = append(out, evt)
        }
    }
    return out
}

// Subscribe replays the stream from the beginning, skipping events with
// EventID <= since, then follows new entries until ctx is done. Events are
// delivered on the caller's channel; the caller owns its lifecycle.
func (m *RedisMirror) Subscribe(ctx context.Context, taskID string, since int64, out chan<- models.Event) error {
    key := streamKey(taskID)
    lastID := "0"

    for {
        if err := ctx.Err(); err != nil {
            return err
        }

        streams, err := m.client.XRead(ctx, &redis.XReadArgs{
            Streams: []string{key, lastID},
            Count:   64,
            Block:   time.Second,
        }).Result()
        if err != nil {
            if errors.Is(err, redis.Nil) {
                continue
            }
            if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
                return ctx.Err()
            }
            return fmt.Errorf("reading stream %s: %w", key, err)
        }

        for _, stream := range streams {
            for _, entry := range stream.Messages {
                lastID = entry.ID
                evt, ok := decodeStreamEntry(entry)
                if !ok {
                    continue
                }
                if evt.EventID <= since {
                    continue
                }
                select {
                case out <- evt:
                case <-ctx.Done():
                    return ctx.Err()
                }
            }
        }
    }
}

// CloseStreams deletes the task's stream key, e.g. after the task record
// is removed.
func (m *RedisMirror) CloseStreams(taskID string) {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    if err := m.client.Del(ctx, streamKey(taskID)).Err(); err != nil {
        m.logger.Warn("Failed to delete event stream",
            zap.String("task_id", taskID),
            zap.Error(err))
    }
}

func decodeStreamEntry(entry redis.XMessage) (models.Event, bool) {
    raw, ok := entry.Values["event"].(string)
    if !ok {
        return models.Event{}, false
    }
    var evt models.Event
    if err := json.Unmarshal([]byte(raw), &evt); err != nil {
        return models.Event{}, false
    }
    return evt, true
}
