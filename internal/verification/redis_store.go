package verification

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "VibeGuard/internal/errors"
)

const maxUpdateRetries = 8

// RedisStore keeps each request as a JSON document. Updates use
// WATCH/MULTI so concurrent attempts on one request serialise; keys expire
// on their own, which makes Sweep a no-op.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisStore wraps client.
func NewRedisStore(client redis.UniversalClient, retention time.Duration) *RedisStore {
	if retention < 0 {
		retention = 0
	}
	return &RedisStore{client: client, prefix: "vibeguard:vreq:", retention: retention}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Create(ctx context.Context, req *Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode verification request")
	}
	ttl := req.ExpiresAt.Sub(req.CreatedAt) + s.retention
	if ttl <= 0 {
		ttl = s.retention + time.Minute
	}
	created, err := s.client.SetNX(ctx, s.key(req.ID), payload, ttl).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "save verification request")
	}
	if !created {
		return xerrors.New(xerrors.CodeConflict, "verification request already exists")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Request, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load verification request")
	}
	return decodeRequest(raw)
}

func (s *RedisStore) Update(ctx context.Context, id string, fn func(*Request) error) (*Request, error) {
	key := s.key(id)
	var (
		result *Request
		fnErr  error
	)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrRequestNotFound
		}
		if err != nil {
			return err
		}
		req, err := decodeRequest(raw)
		if err != nil {
			return err
		}
		fnErr = fn(req)
		payload, err := json.Marshal(req)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, payload, redis.SetArgs{KeepTTL: true})
			return nil
		})
		if err == nil {
			result = req
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if _, ok := xerrors.From(err); ok {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "update verification request")
		}
		return result, fnErr
	}
	return nil, xerrors.New(xerrors.CodeConflict, "verification request is busy")
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete verification request")
	}
	return nil
}

// Sweep is a no-op: expired requests are inert on access and their keys
// are evicted by Redis.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func decodeRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode verification request")
	}
	return &req, nil
}

var _ RequestStore = (*RedisStore)(nil)
