package vtoken

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "VibeGuard/internal/errors"
)

// consumeScript 在 Redis 端原子地完成 "未使用 -> 已使用" 的比较交换。
// 返回值: -1 不存在, -2 已过期, 0 已被使用, 1 成功。
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if tonumber(ARGV[1]) > expires then
  return -2
end
if redis.call('HGET', KEYS[1], 'used') == '1' then
  return 0
end
redis.call('HSET', KEYS[1], 'used', '1', 'used_at', ARGV[1])
return 1
`)

// RedisStore keeps each token in a hash. Keys expire on their own once
// the retention window after ExpiresAt has passed, so Prune is a no-op.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// RedisStoreOption customises the store.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRetention keeps consumed and expired tokens around for audit.
func WithRetention(d time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		if d >= 0 {
			s.retention = d
		}
	}
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "vibeguard:token:", retention: time.Hour}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Save(ctx context.Context, token Token) error {
	key := s.key(token.ID)
	created, err := s.client.HSetNX(ctx, key, "id", token.ID).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "save token")
	}
	if !created {
		return xerrors.New(xerrors.CodeConflict, "token already exists")
	}
	used := "0"
	if token.Used {
		used = "1"
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"user_id", token.UserID,
			"request_id", token.RequestID,
			"params_hash", token.ParamsHash,
			"issued_at", token.IssuedAt.UnixMilli(),
			"expires_at", token.ExpiresAt.UnixMilli(),
			"used", used,
			"used_at", millis(token.UsedAt),
			"issuing_ip", token.IssuingIP,
			"issuing_user_agent", token.IssuingUserAgent,
		)
		pipe.PExpireAt(ctx, key, token.ExpiresAt.Add(s.retention))
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "save token")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Token, error) {
	values, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return Token{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load token")
	}
	if len(values) == 0 {
		return Token{}, ErrNotFound
	}
	return decodeHash(values)
}

func (s *RedisStore) Consume(ctx context.Context, id string, now time.Time) (Token, error) {
	// Read first so the caller gets the token body back; the script is the
	// only step that decides the outcome.
	before, err := s.Get(ctx, id)
	if err != nil {
		return Token{}, err
	}
	result, err := consumeScript.Run(ctx, s.client, []string{s.key(id)}, now.UnixMilli()).Int()
	if err != nil {
		return Token{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "consume token")
	}
	switch result {
	case 1:
		before.Used = false
		before.UsedAt = time.Time{}
		return before, nil
	case 0:
		return before, ErrAlreadyUsed
	case -2:
		return before, ErrExpired
	default:
		return Token{}, ErrNotFound
	}
}

func (s *RedisStore) Prune(context.Context, time.Time) (int, error) {
	return 0, nil
}

func decodeHash(values map[string]string) (Token, error) {
	token := Token{
		ID:               values["id"],
		UserID:           values["user_id"],
		RequestID:        values["request_id"],
		ParamsHash:       values["params_hash"],
		Used:             values["used"] == "1",
		IssuingIP:        values["issuing_ip"],
		IssuingUserAgent: values["issuing_user_agent"],
	}
	var err error
	if token.IssuedAt, err = parseMillis(values["issued_at"]); err != nil {
		return Token{}, err
	}
	if token.ExpiresAt, err = parseMillis(values["expires_at"]); err != nil {
		return Token{}, err
	}
	if token.UsedAt, err = parseMillis(values["used_at"]); err != nil {
		return Token{}, err
	}
	if token.ID == "" {
		return Token{}, errors.New("token hash missing id")
	}
	return token, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func parseMillis(raw string) (time.Time, error) {
	if raw == "" || raw == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode token timestamp: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

var _ Store = (*RedisStore)(nil)
