package store

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rewards-engine/points"
)

func seedWallet(t *testing.T, s points.Store, id, user string) {
	t.Helper()
	require.NoError(t, s.CreateWallet(context.Background(), points.Wallet{
		ID: points.WalletID(id), UserID: points.UserID(user),
	}))
}

func earned(wallet string, amount int64, key string) points.PointTransaction {
	return points.PointTransaction{
		ID:             points.TransactionID("tx-" + key),
		WalletID:       points.WalletID(wallet),
		Kind:           points.KindEarned,
		Amount:         amount,
		Description:    "recycling",
		IdempotencyKey: key,
	}
}

func TestMemory_ApplyWalletDeltaNeverNegative(t *testing.T) {
	m := NewMemory()
	seedWallet(t, m, "w1", "alice")

	bal, err := m.ApplyWalletDelta(context.Background(), "w1", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(30), bal)

	_, err = m.ApplyWalletDelta(context.Background(), "w1", -31)
	assert.ErrorIs(t, err, points.ErrInsufficientFunds)

	w, err := m.GetWallet(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), w.Balance)

	_, err = m.ApplyWalletDelta(context.Background(), "nope", 1)
	assert.ErrorIs(t, err, points.ErrNotFound)
}

func TestMemory_DuplicateWalletAndKey(t *testing.T) {
	m := NewMemory()
	seedWallet(t, m, "w1", "alice")

	err := m.CreateWallet(context.Background(), points.Wallet{ID: "w2", UserID: "alice"})
	assert.ErrorIs(t, err, points.ErrDuplicateWallet)

	_, err = m.AppendTransaction(context.Background(), earned("w1", 5, "k1"))
	require.NoError(t, err)
	_, err = m.AppendTransaction(context.Background(), earned("w1", 5, "k1"))
	assert.ErrorIs(t, err, points.ErrDuplicateIdempotencyKey)

	found, err := m.FindTransactionByIdempotencyKey(context.Background(), "k1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(5), found.Amount)

	missing, err := m.FindTransactionByIdempotencyKey(context.Background(), "k2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemory_ListTransactionsAfterSeq(t *testing.T) {
	m := NewMemory()
	seedWallet(t, m, "w1", "alice")
	seedWallet(t, m, "w2", "bob")

	var seqs []int64
	for i, w := range []string{"w1", "w2", "w1", "w1"} {
		tx, err := m.AppendTransaction(context.Background(), earned(w, int64(i+1), ""))
		require.NoError(t, err)
		seqs = append(seqs, tx.Seq)
	}

	rows, err := m.ListTransactions(context.Background(), "w1", seqs[0], 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(3), rows[0].Amount)
	assert.Equal(t, int64(4), rows[1].Amount)

	sum, err := m.SumTransactions(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), sum)
}

func TestMemory_MetadataIsCopied(t *testing.T) {
	m := NewMemory()
	seedWallet(t, m, "w1", "alice")

	tx := earned("w1", 5, "")
	tx.Metadata = points.Metadata{"action": "recycling"}
	_, err := m.AppendTransaction(context.Background(), tx)
	require.NoError(t, err)
	tx.Metadata["action"] = "tampered"

	rows, err := m.ListTransactions(context.Background(), "w1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "recycling", rows[0].Metadata["action"])
}

func TestMemory_StockPrimitives(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SaveBenefit(ctx, points.Benefit{ID: "b1", Title: "Bus", CostPoints: 10, Stock: 1, Active: true}))
	require.NoError(t, m.SaveBenefit(ctx, points.Benefit{ID: "b2", Title: "Old", CostPoints: 10, Stock: 4, Active: false}))

	b, err := m.DecrementStock(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Stock)

	_, err = m.DecrementStock(ctx, "b1")
	assert.ErrorIs(t, err, points.ErrOutOfStock)

	_, err = m.DecrementStock(ctx, "b2")
	assert.ErrorIs(t, err, points.ErrInactiveBenefit)

	_, err = m.AdjustStock(ctx, "b1", -1)
	assert.ErrorIs(t, err, points.ErrValidation)

	b, err = m.AdjustStock(ctx, "b1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.Stock)
}

func TestMemory_ApplyWalletDeltaNeverOverflows(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedWallet(t, m, "w1", "alice")

	_, err := m.ApplyWalletDelta(ctx, "w1", math.MaxInt64-10)
	require.NoError(t, err)

	_, err = m.ApplyWalletDelta(ctx, "w1", 20)
	assert.ErrorIs(t, err, points.ErrBalanceOverflow)
	assert.ErrorIs(t, err, points.ErrValidation)
	assert.NotErrorIs(t, err, points.ErrInsufficientFunds)

	w, err := m.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64-10), w.Balance)
}

func TestTxMemory_ReadersSeeWholeUnits(t *testing.T) {
	// GIVEN: A unit that has applied its delta but not yet appended its row
	tm := NewTxMemory()
	ctx := context.Background()
	seedWallet(t, tm, "w1", "alice")

	type view struct{ balance, sum int64 }
	seen := make(chan view, 1)
	deltaApplied := make(chan struct{})

	go func() {
		<-deltaApplied
		w, _ := tm.GetWallet(ctx, "w1")
		sum, _ := tm.SumTransactions(ctx, "w1")
		seen <- view{w.Balance, sum}
	}()

	err := tm.WithTx(ctx, func(s points.Store) error {
		if _, err := s.ApplyWalletDelta(ctx, "w1", 40); err != nil {
			return err
		}
		close(deltaApplied)

		// WHEN: A reader runs while the unit is open
		select {
		case v := <-seen:
			t.Errorf("reader saw an open unit: balance %d, sum %d", v.balance, v.sum)
		case <-time.After(50 * time.Millisecond):
		}

		_, err := s.AppendTransaction(ctx, earned("w1", 40, "k1"))
		return err
	})
	require.NoError(t, err)

	// THEN: It only sees the committed unit
	select {
	case v := <-seen:
		assert.Equal(t, int64(40), v.balance)
		assert.Equal(t, v.balance, v.sum)
	case <-time.After(time.Second):
		t.Fatal("reader never finished")
	}
}

func TestTxMemory_RollbackOnError(t *testing.T) {
	// GIVEN: A wallet with one transaction
	tm := NewTxMemory()
	ctx := context.Background()
	seedWallet(t, tm, "w1", "alice")
	_, err := tm.AppendTransaction(ctx, earned("w1", 10, "k0"))
	require.NoError(t, err)
	_, err = tm.ApplyWalletDelta(ctx, "w1", 10)
	require.NoError(t, err)

	// WHEN: A unit writes and then fails
	boom := errors.New("boom")
	err = tm.WithTx(ctx, func(s points.Store) error {
		if _, err := s.ApplyWalletDelta(ctx, "w1", 5); err != nil {
			return err
		}
		if _, err := s.AppendTransaction(ctx, earned("w1", 5, "k1")); err != nil {
			return err
		}
		return boom
	})

	// THEN: Nothing of the unit remains
	assert.ErrorIs(t, err, boom)
	w, err := tm.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), w.Balance)

	rows, err := tm.ListTransactions(ctx, "w1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	found, err := tm.FindTransactionByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestTxMemory_Commit(t *testing.T) {
	tm := NewTxMemory()
	ctx := context.Background()
	seedWallet(t, tm, "w1", "alice")

	err := tm.WithTx(ctx, func(s points.Store) error {
		if _, err := s.ApplyWalletDelta(ctx, "w1", 7); err != nil {
			return err
		}
		_, err := s.AppendTransaction(ctx, earned("w1", 7, ""))
		return err
	})
	require.NoError(t, err)

	sum, err := tm.SumTransactions(ctx, "w1")
	require.NoError(t, err)
	w, err := tm.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, sum, w.Balance)
}

func TestMemory_RedemptionsNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, id := range []points.RedemptionID{"r1", "r2", "r3"} {
		require.NoError(t, m.SaveRedemption(ctx, points.Redemption{ID: id, WalletID: "w1"}))
	}
	require.NoError(t, m.SaveRedemption(ctx, points.Redemption{ID: "r4", WalletID: "w1", IdempotencyKey: "k"}))
	assert.ErrorIs(t, m.SaveRedemption(ctx, points.Redemption{ID: "r5", WalletID: "w1", IdempotencyKey: "k"}), points.ErrDuplicateIdempotencyKey)

	rs, err := m.ListRedemptionsByWallet(ctx, "w1", 2)
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, points.RedemptionID("r4"), rs[0].ID)
	assert.Equal(t, points.RedemptionID("r3"), rs[1].ID)
}
