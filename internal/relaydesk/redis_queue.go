package relaydesk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisInboundQueueKey  = redisKeyPrefix + ":inbound"
	redisDequeueBlockTime = time.Second
)

// RedisInboundQueue is a list used as a FIFO: LPUSH to enqueue, BRPOP to
// dequeue. Capacity is checked under WATCH so concurrent producers cannot
// push past it.
type RedisInboundQueue struct {
	client   *redis.Client
	key      string
	capacity int
}

func NewRedisInboundQueue(dsn string, capacity int) (InboundQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	if capacity <= 0 {
		capacity = defaultInboundQueueCapacity
	}
	return &RedisInboundQueue{
		client:   redis.NewClient(opt),
		key:      redisInboundQueueKey,
		capacity: capacity,
	}, nil
}

func (q *RedisInboundQueue) TryEnqueue(msg InboundMessage) error {
	if q == nil || strings.TrimSpace(msg.ID) == "" {
		return errBlankQueuedID
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode inbound message: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	err = q.client.Watch(ctx, func(tx *redis.Tx) error {
		depth, err := tx.LLen(ctx, q.key).Result()
		if err != nil {
			return err
		}
		if depth >= int64(q.capacity) {
			return ErrQueueFull
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, q.key, payload)
			return nil
		})
		return err
	}, q.key)
	if err != nil && !errors.Is(err, ErrQueueFull) {
		return fmt.Errorf("redis enqueue: %w", err)
	}
	return err
}

func (q *RedisInboundQueue) Enqueue(ctx context.Context, msg InboundMessage) bool {
	for {
		if q.TryEnqueue(msg) == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(queuePollInterval):
		}
	}
}

func (q *RedisInboundQueue) Dequeue(ctx context.Context) (InboundMessage, bool) {
	for {
		if ctx.Err() != nil {
			return InboundMessage{}, false
		}
		result, err := q.client.BRPop(ctx, redisDequeueBlockTime, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			select {
			case <-ctx.Done():
				return InboundMessage{}, false
			case <-time.After(queuePollInterval):
				continue
			}
		}
		if len(result) != 2 {
			continue
		}
		var msg InboundMessage
		if err := json.Unmarshal([]byte(result[1]), &msg); err != nil || strings.TrimSpace(msg.ID) == "" {
			continue
		}
		return msg, true
	}
}

func (q *RedisInboundQueue) Depth() int {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0
	}
	return int(depth)
}

func (q *RedisInboundQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *RedisInboundQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
