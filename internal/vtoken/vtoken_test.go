package vtoken

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var issued = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func sampleToken(id string) Token {
	return Token{
		ID:               id,
		UserID:           "alice",
		RequestID:        "req-1",
		ParamsHash:       "abc123",
		IssuedAt:         issued,
		ExpiresAt:        issued.Add(5 * time.Minute),
		IssuingIP:        "10.0.0.1",
		IssuingUserAgent: "ios/1.0",
	}
}

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  newRedisStore(t),
	}
}

func TestStoreConsumeIsSingleUse(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, sampleToken("t-1")))

			got, err := store.Consume(ctx, "t-1", issued.Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, "abc123", got.ParamsHash)
			assert.False(t, got.Used)

			_, err = store.Consume(ctx, "t-1", issued.Add(time.Minute))
			assert.ErrorIs(t, err, ErrAlreadyUsed)

			stored, err := store.Get(ctx, "t-1")
			require.NoError(t, err)
			assert.True(t, stored.Used)
			assert.True(t, stored.UsedAt.Equal(issued.Add(time.Minute)))
		})
	}
}

func TestStoreRejectsExpiredAndUnknown(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, sampleToken("t-1")))

			_, err := store.Consume(ctx, "t-1", issued.Add(5*time.Minute+time.Millisecond))
			assert.ErrorIs(t, err, ErrExpired)

			_, err = store.Consume(ctx, "missing", issued)
			assert.ErrorIs(t, err, ErrNotFound)

			err = store.Save(ctx, sampleToken("t-1"))
			assert.Error(t, err)
		})
	}
}

func TestStoreConcurrentConsumeHasOneWinner(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, sampleToken("t-race")))

			var wins, losses atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := store.Consume(ctx, "t-race", issued.Add(time.Second))
					if err == nil {
						wins.Add(1)
						return
					}
					if assert.ErrorIs(t, err, ErrAlreadyUsed) {
						losses.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
			assert.Equal(t, int32(15), losses.Load())
		})
	}
}

func TestMemoryStorePrune(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, sampleToken("old")))
	fresh := sampleToken("fresh")
	fresh.ExpiresAt = issued.Add(time.Hour)
	require.NoError(t, store.Save(ctx, fresh))

	removed, err := store.Prune(ctx, issued.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = store.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreRoundTripsFields(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, sampleToken("t-1")))

	got, err := store.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "ios/1.0", got.IssuingUserAgent)
	assert.True(t, got.ExpiresAt.Equal(issued.Add(5*time.Minute)))
	assert.False(t, got.Used)
}

func TestCodecRoundTrip(t *testing.T) {
	now := issued
	codec, err := NewCodec([]byte(strings.Repeat("k", 32)), "vibeguard", func() time.Time { return now })
	require.NoError(t, err)

	handle, err := codec.Encode(sampleToken("t-1"))
	require.NoError(t, err)

	claims, err := codec.Decode(handle)
	require.NoError(t, err)
	assert.Equal(t, "t-1", claims.TokenID)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "abc123", claims.ParamsHash)

	now = issued.Add(10 * time.Minute)
	_, err = codec.Decode(handle)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestCodecRejectsForgery(t *testing.T) {
	codec, err := NewCodec([]byte(strings.Repeat("k", 32)), "vibeguard", func() time.Time { return issued })
	require.NoError(t, err)
	forger, err := NewCodec([]byte(strings.Repeat("x", 32)), "vibeguard", func() time.Time { return issued })
	require.NoError(t, err)

	forged, err := forger.Encode(sampleToken("t-1"))
	require.NoError(t, err)
	_, err = codec.Decode(forged)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = codec.Decode("not-a-jwt")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = NewCodec([]byte("short"), "", nil)
	assert.Error(t, err)
}
