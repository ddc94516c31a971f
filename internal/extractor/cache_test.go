package extractor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"iouchain/internal/chain/sim"
	"iouchain/internal/domain"
	"iouchain/pkg/cache"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEventCache(t *testing.T) *RedisEventCache {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skip("Redis not available")
	}
	t.Cleanup(func() { rdb.Close() })
	return NewRedisEventCache(cache.NewFromClient(rdb), time.Minute)
}

func TestRedisEventCache_RoundTrip(t *testing.T) {
	ec := testEventCache(t)
	ctx := context.Background()
	key := ScanKey(contract, DefaultEventKind, id(uuid.NewString()))

	events, ok, err := ec.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, events)

	ts := int64(1700000000)
	want := []domain.DebtEvent{
		{
			Debtor:    alice,
			Creditor:  bob,
			Amount:    10,
			Timestamp: &ts,
			Sequence:  0,
			BlockID:   id("b1"),
			TxHash:    id("tx1"),
		},
		{
			Debtor:    bob,
			Creditor:  carol,
			Amount:    7,
			Sequence:  1,
			BlockID:   id("b2"),
			TxHash:    id("tx2"),
			Path:      domain.Path{carol, bob, alice},
			NetAmount: 3,
		},
	}
	require.NoError(t, ec.Put(ctx, key, want))

	got, ok, err := ec.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, want, got)
	require.NotNil(t, got[0].Timestamp)
	assert.Equal(t, ts, *got[0].Timestamp)
	assert.Nil(t, got[1].Timestamp)
}

func TestRedisEventCache_EmptyScanIsAHit(t *testing.T) {
	ec := testEventCache(t)
	ctx := context.Background()
	key := ScanKey(contract, DefaultEventKind, id(uuid.NewString()))

	require.NoError(t, ec.Put(ctx, key, nil))
	events, ok, err := ec.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestRedisEventCache_BacksExtractor(t *testing.T) {
	ec := testEventCache(t)
	ctx := context.Background()

	// A fresh contract keeps runs against a long-lived Redis independent.
	deployment := domain.NormalizeIdentity("0x" + uuid.NewString()[:8] + "00000000000000000000000000000000")
	c := sim.New(deployment)
	record(t, c, alice, bob, 4)

	first, err := newExtractor(c, Config{Contract: deployment}).WithEventCache(ec).Extract(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	r := &countingReader{Reader: c}
	second, err := newExtractor(r, Config{Contract: deployment}).WithEventCache(ec).Extract(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Zero(t, atomic.LoadInt32(&r.blocks))

	foreign, err := newExtractor(c, Config{Contract: other}).WithEventCache(ec).Extract(ctx)
	require.NoError(t, err)
	assert.Empty(t, foreign)
}
