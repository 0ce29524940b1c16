package relaydesk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix        = "relaydesk"
	redisIdleSessionsKey  = redisKeyPrefix + ":sessions:idle"
	redisMemberSeparator  = "\x00"
	redisOperationTimeout = 5 * time.Second
)

// RedisBackend stores each user as a hash and keeps a per-tenant phone index
// hash. HSETNX on the index is the uniqueness check for (tenant, phone).
// Sessions are JSON strings updated under WATCH so that a concurrent writer
// aborts the transaction instead of overwriting it.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(dsn string) (*RedisBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	return &RedisBackend{client: redis.NewClient(opt)}, nil
}

// NewRedisBackendWithClient wraps an existing client, e.g. one shared with
// the inbound queue.
func NewRedisBackendWithClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func redisPhoneIndexKey(tenantID string) string {
	return redisKeyPrefix + ":" + tenantID + ":phones"
}

func redisUserKey(tenantID, userID string) string {
	return redisKeyPrefix + ":" + tenantID + ":user:" + userID
}

func redisSessionKey(tenantID, userID string) string {
	return redisKeyPrefix + ":" + tenantID + ":session:" + userID
}

func (b *RedisBackend) InsertUser(ctx context.Context, user User) error {
	if strings.TrimSpace(user.TenantID) == "" || strings.TrimSpace(user.Phone) == "" || strings.TrimSpace(user.ID) == "" {
		return ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()

	// The hash is written before the index entry so that any reader that
	// finds the phone in the index also finds the user.
	userKey := redisUserKey(user.TenantID, user.ID)
	if err := b.client.HSet(ctx, userKey, userToHash(user)).Err(); err != nil {
		return err
	}
	won, err := b.client.HSetNX(ctx, redisPhoneIndexKey(user.TenantID), user.Phone, user.ID).Result()
	if err != nil {
		_ = b.client.Del(ctx, userKey).Err()
		return err
	}
	if !won {
		_ = b.client.Del(ctx, userKey).Err()
		return fmt.Errorf("%w: user %s/%s", ErrDuplicate, user.TenantID, user.Phone)
	}
	return nil
}

func (b *RedisBackend) FindUserByPhone(ctx context.Context, tenantID, phone string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()

	userID, err := b.client.HGet(ctx, redisPhoneIndexKey(tenantID), phone).Result()
	if errors.Is(err, redis.Nil) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return b.getUser(ctx, tenantID, userID)
}

func (b *RedisBackend) GetUser(ctx context.Context, tenantID, userID string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()
	return b.getUser(ctx, tenantID, userID)
}

func (b *RedisBackend) getUser(ctx context.Context, tenantID, userID string) (User, error) {
	fields, err := b.client.HGetAll(ctx, redisUserKey(tenantID, userID)).Result()
	if err != nil {
		return User{}, err
	}
	if len(fields) == 0 {
		return User{}, ErrNotFound
	}
	return userFromHash(fields), nil
}

func (b *RedisBackend) TouchUser(ctx context.Context, tenantID, phone string, at time.Time) error {
	user, err := b.FindUserByPhone(ctx, tenantID, phone)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()
	return b.client.HSet(ctx, redisUserKey(tenantID, user.ID), "updated_at", formatRedisTime(at)).Err()
}

func (b *RedisBackend) LoadSession(ctx context.Context, tenantID, userID string) (SessionRow, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()

	raw, err := b.client.Get(ctx, redisSessionKey(tenantID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return SessionRow{}, ErrNotFound
	}
	if err != nil {
		return SessionRow{}, err
	}
	var row SessionRow
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return SessionRow{}, err
	}
	return row, nil
}

func (b *RedisBackend) SaveSession(ctx context.Context, row SessionRow, expectedVersion int64) error {
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()

	key := redisSessionKey(row.TenantID, row.UserID)
	conflict := &VersionConflictError{TenantID: row.TenantID, UserID: row.UserID, ExpectedVersion: expectedVersion}
	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			if expectedVersion != 0 {
				return conflict
			}
		case err != nil:
			return err
		default:
			var current SessionRow
			if err := json.Unmarshal([]byte(raw), &current); err != nil {
				return err
			}
			if current.Version != expectedVersion {
				return conflict
			}
			row.ID = current.ID
		}
		row.Version = expectedVersion + 1
		payload, err := json.Marshal(row)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.ZAdd(ctx, redisIdleSessionsKey, redis.Z{
				Score:  float64(row.LastActivity.UnixMilli()),
				Member: row.TenantID + redisMemberSeparator + row.UserID,
			})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return conflict
	}
	return err
}

func (b *RedisBackend) ListIdleSessions(ctx context.Context, before time.Time, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = postgresIdleSessionLimit
	}
	members, err := b.client.ZRangeByScore(ctx, redisIdleSessionsKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	rows := make([]SessionRow, 0, len(members))
	for _, member := range members {
		tenantID, userID, ok := strings.Cut(member, redisMemberSeparator)
		if !ok {
			continue
		}
		row, err := b.LoadSession(ctx, tenantID, userID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (b *RedisBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

func userToHash(user User) map[string]any {
	return map[string]any{
		"id":         user.ID,
		"tenant_id":  user.TenantID,
		"phone":      user.Phone,
		"name":       user.Name,
		"type":       user.Type,
		"created_at": formatRedisTime(user.CreatedAt),
		"updated_at": formatRedisTime(user.UpdatedAt),
	}
}

func userFromHash(fields map[string]string) User {
	return User{
		ID:        fields["id"],
		TenantID:  fields["tenant_id"],
		Phone:     fields["phone"],
		Name:      fields["name"],
		Type:      fields["type"],
		CreatedAt: parseRedisTime(fields["created_at"]),
		UpdatedAt: parseRedisTime(fields["updated_at"]),
	}
}

func formatRedisTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseRedisTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
