package points

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRedemption() Redemption {
	return Redemption{
		ID:             "r-1",
		TransactionID:  "t-1",
		WalletID:       "w-1",
		UserID:         "alice",
		BenefitID:      "museum",
		CostPoints:     200,
		NewBalance:     50,
		IdempotencyKey: "req-1",
		CreatedAt:      time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestMemoryIdempotencyCache_Expires(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	c := NewMemoryIdempotencyCache()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Put(context.Background(), "req-1", sampleRedemption(), time.Hour))

	got, ok, err := c.Get(context.Background(), "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, RedemptionID("r-1"), got.ID)

	now = now.Add(time.Hour)
	_, ok, err = c.Get(context.Background(), "req-1")
	require.NoError(t, err)
	assert.False(t, ok, "entry must expire at the end of the window")
}

func TestRedisIdempotencyCache_PutThenGet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedisIdempotencyCache(db, "")
	r := sampleRedemption()
	payload, err := encodeRedemption(r)
	require.NoError(t, err)

	mock.ExpectSet("rewards:redeem:req-1", payload, 24*time.Hour).SetVal("OK")
	mock.ExpectGet("rewards:redeem:req-1").SetVal(string(payload))

	require.NoError(t, c.Put(context.Background(), "req-1", r, 24*time.Hour))
	got, ok, err := c.Get(context.Background(), "req-1")

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, r, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisIdempotencyCache_Miss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedisIdempotencyCache(db, "test:")

	mock.ExpectGet("test:unknown").RedisNil()

	_, ok, err := c.Get(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisIdempotencyCache_Error(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedisIdempotencyCache(db, "")

	mock.ExpectGet("rewards:redeem:req-1").SetErr(errors.New("connection refused"))

	_, _, err := c.Get(context.Background(), "req-1")
	assert.ErrorContains(t, err, "connection refused")
}
