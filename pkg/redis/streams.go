package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// UnitMessage is a durable unit of work carried on a stream
type UnitMessage struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// StreamMessage is a UnitMessage with its stream position
type StreamMessage struct {
	ID     string
	Stream string
	Unit   UnitMessage
}

// Streams provides Redis Streams operations for the unit queue
type Streams struct {
	client *Client
}

func NewStreams(client *Client) *Streams {
	return &Streams{client: client}
}

// Publish adds a unit to a stream
func (s *Streams) Publish(ctx context.Context, stream string, unit *UnitMessage) (string, error) {
	if unit.ID == "" {
		unit.ID = uuid.New().String()
	}
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = time.Now()
	}

	payload, err := json.Marshal(unit)
	if err != nil {
		return "", fmt.Errorf("failed to marshal unit: %w", err)
	}

	result, err := s.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"data": string(payload),
		},
	}).Result()
	if err != nil {
		s.client.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to stream %s", stream)
		return "", err
	}

	s.client.logger.WithContext(ctx).Infof("Published unit %s (%s) to stream %s as %s", unit.ID, unit.Name, stream, result)
	return result, nil
}

// CreateConsumerGroup creates a consumer group, ignoring an existing one
func (s *Streams) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := s.client.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Consume reads new messages for consumer in group
func (s *Streams) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	results, err := s.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, result := range results {
		messages = append(messages, s.decode(ctx, result.Stream, result.Messages)...)
	}
	return messages, nil
}

// Ack acknowledges processed messages
func (s *Streams) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return s.client.rdb.XAck(ctx, stream, group, ids...).Err()
}

// Pending lists messages delivered but not yet acknowledged
func (s *Streams) Pending(ctx context.Context, stream, group string, count int64) ([]redis.XPendingExt, error) {
	return s.client.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
}

// Claim takes over messages idle for at least minIdle
func (s *Streams) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error) {
	results, err := s.client.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.decode(ctx, stream, results), nil
}

// Touch resets the idle time of messages this consumer is still working on,
// so other consumers do not claim them.
func (s *Streams) Touch(ctx context.Context, stream, group, consumer string, ids ...string) error {
	return s.client.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		Messages: ids,
	}).Err()
}

func (s *Streams) decode(ctx context.Context, stream string, raw []redis.XMessage) []StreamMessage {
	var messages []StreamMessage
	for _, msg := range raw {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}

		var unit UnitMessage
		if err := json.Unmarshal([]byte(data), &unit); err != nil {
			s.client.logger.WithContext(ctx).WithError(err).Warnf("Failed to unmarshal message %s", msg.ID)
			continue
		}

		messages = append(messages, StreamMessage{
			ID:     msg.ID,
			Stream: stream,
			Unit:   unit,
		})
	}
	return messages
}

// SetResult stores a unit's outcome under key for ttl
func (s *Streams) SetResult(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.rdb.Set(ctx, key, value, ttl).Err()
}

// GetResult returns the stored outcome, or ok=false when none exists yet
func (s *Streams) GetResult(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Claimed marks key as owned for ttl; false when already present
func (s *Streams) Claimed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.rdb.SetNX(ctx, key, "1", ttl).Result()
}

// Forget deletes key
func (s *Streams) Forget(ctx context.Context, key string) error {
	return s.client.rdb.Del(ctx, key).Err()
}
