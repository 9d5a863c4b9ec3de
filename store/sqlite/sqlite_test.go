package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rewards-engine/logger"
	"github.com/warp/rewards-engine/points"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(DialectSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s, err := FromDB(sqlx.NewDb(db, DialectPostgres), DialectPostgres)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mock
}

func seedWallet(t *testing.T, s points.Store, id, user string) {
	t.Helper()
	require.NoError(t, s.CreateWallet(context.Background(), points.Wallet{
		ID: points.WalletID(id), UserID: points.UserID(user),
	}))
}

func earned(wallet string, amount int64, key string) points.PointTransaction {
	return points.PointTransaction{
		ID:             points.TransactionID("tx-" + wallet + "-" + key),
		WalletID:       points.WalletID(wallet),
		Kind:           points.KindEarned,
		Amount:         amount,
		BalanceAfter:   amount,
		Description:    "recycling",
		IdempotencyKey: key,
		CreatedAt:      time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// STORE PRIMITIVES (SQLite)
// =============================================================================

func TestStore_WalletLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWallet(t, s, "w1", "alice")

	err := s.CreateWallet(ctx, points.Wallet{ID: "w2", UserID: "alice"})
	assert.ErrorIs(t, err, points.ErrDuplicateWallet)

	w, err := s.GetWalletByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, points.WalletID("w1"), w.ID)
	assert.False(t, w.CreatedAt.IsZero())

	_, err = s.GetWalletByUser(ctx, "bob")
	assert.ErrorIs(t, err, points.ErrNotFound)

	wallets, err := s.ListWallets(ctx)
	require.NoError(t, err)
	assert.Len(t, wallets, 1)
}

func TestStore_ApplyWalletDeltaNeverNegative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWallet(t, s, "w1", "alice")

	bal, err := s.ApplyWalletDelta(ctx, "w1", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(30), bal)

	_, err = s.ApplyWalletDelta(ctx, "w1", -31)
	var ife *points.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, int64(30), ife.Balance)
	assert.Equal(t, int64(31), ife.Requested)

	w, err := s.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), w.Balance)

	_, err = s.ApplyWalletDelta(ctx, "nope", 1)
	assert.ErrorIs(t, err, points.ErrNotFound)
}

func TestStore_ApplyWalletDeltaNeverOverflows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWallet(t, s, "w1", "alice")

	// GIVEN: A balance ten points short of the int64 limit
	bal, err := s.ApplyWalletDelta(ctx, "w1", math.MaxInt64-10)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64-10), bal)

	// WHEN: A credit would cross the limit
	_, err = s.ApplyWalletDelta(ctx, "w1", 20)

	// THEN: It is refused as invalid and the balance still scans as an integer
	assert.ErrorIs(t, err, points.ErrBalanceOverflow)
	assert.ErrorIs(t, err, points.ErrValidation)
	w, err := s.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64-10), w.Balance)

	bal, err = s.ApplyWalletDelta(ctx, "w1", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), bal)
}

func TestStore_AppendAndPaginate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWallet(t, s, "w1", "alice")
	seedWallet(t, s, "w2", "bob")

	var seqs []int64
	for i, w := range []string{"w1", "w2", "w1", "w1"} {
		tx := earned(w, int64(i+1), "")
		tx.ID = points.TransactionID("tx-" + string(rune('a'+i)))
		got, err := s.AppendTransaction(ctx, tx)
		require.NoError(t, err)
		seqs = append(seqs, got.Seq)
	}
	assert.IsIncreasing(t, seqs)

	rows, err := s.ListTransactions(ctx, "w1", seqs[0], 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(3), rows[0].Amount)
	assert.Equal(t, int64(4), rows[1].Amount)

	spent := earned("w1", 5, "spend")
	spent.Kind = points.KindSpent
	_, err = s.AppendTransaction(ctx, spent)
	require.NoError(t, err)

	sum, err := s.SumTransactions(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1+3+4-5), sum)

	sum, err = s.SumTransactions(ctx, "empty")
	require.NoError(t, err)
	assert.Zero(t, sum)
}

func TestStore_AppendRejectsDuplicateKeyAndUnknownWallet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWallet(t, s, "w1", "alice")

	_, err := s.AppendTransaction(ctx, earned("w1", 5, "k1"))
	require.NoError(t, err)

	dup := earned("w1", 5, "k1")
	dup.ID = "tx-other"
	_, err = s.AppendTransaction(ctx, dup)
	assert.ErrorIs(t, err, points.ErrDuplicateIdempotencyKey)

	_, err = s.AppendTransaction(ctx, earned("ghost", 5, "k2"))
	assert.ErrorIs(t, err, points.ErrNotFound)

	found, err := s.FindTransactionByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, points.KindEarned, found.Kind)
	assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), found.CreatedAt)

	missing, err := s.FindTransactionByIdempotencyKey(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_MetadataRoundTripsVerbatim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWallet(t, s, "w1", "alice")

	tx := earned("w1", 5, "")
	tx.Metadata = points.Metadata{"action": "recycling", "kg": json.Number("5.50"), "verified": true}
	_, err := s.AppendTransaction(ctx, tx)
	require.NoError(t, err)

	rows, err := s.ListTransactions(ctx, "w1", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "recycling", rows[0].Metadata["action"])
	assert.Equal(t, json.Number("5.50"), rows[0].Metadata["kg"])
	assert.Equal(t, true, rows[0].Metadata["verified"])
}

func TestStore_StockPrimitives(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveBenefit(ctx, points.Benefit{ID: "b1", Title: "Bus", CostPoints: 10, Stock: 1, Active: true}))
	require.NoError(t, s.SaveBenefit(ctx, points.Benefit{ID: "b2", Title: "Old", CostPoints: 10, Stock: 4, Active: false}))

	b, err := s.DecrementStock(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Stock)
	assert.Equal(t, "Bus", b.Title)

	_, err = s.DecrementStock(ctx, "b1")
	assert.ErrorIs(t, err, points.ErrOutOfStock)

	_, err = s.DecrementStock(ctx, "b2")
	assert.ErrorIs(t, err, points.ErrInactiveBenefit)

	_, err = s.DecrementStock(ctx, "ghost")
	assert.ErrorIs(t, err, points.ErrNotFound)

	_, err = s.AdjustStock(ctx, "b1", -1)
	assert.ErrorIs(t, err, points.ErrValidation)

	b, err = s.AdjustStock(ctx, "b1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.Stock)

	// Upsert keeps a single row
	require.NoError(t, s.SaveBenefit(ctx, points.Benefit{ID: "b1", Title: "Bus pass", CostPoints: 12, Stock: 2, Active: true}))
	all, err := s.ListBenefits(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Bus pass", all[0].Title)
}

func TestStore_RedemptionsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWallet(t, s, "w1", "alice")

	for _, id := range []points.RedemptionID{"r1", "r2", "r3"} {
		require.NoError(t, s.SaveRedemption(ctx, points.Redemption{ID: id, WalletID: "w1", UserID: "alice", BenefitID: "b1", TransactionID: "t"}))
	}
	require.NoError(t, s.SaveRedemption(ctx, points.Redemption{ID: "r4", WalletID: "w1", UserID: "alice", IdempotencyKey: "k"}))
	err := s.SaveRedemption(ctx, points.Redemption{ID: "r5", WalletID: "w1", UserID: "alice", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, points.ErrDuplicateIdempotencyKey)

	rs, err := s.ListRedemptionsByWallet(ctx, "w1", 2)
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, points.RedemptionID("r4"), rs[0].ID)
	assert.Equal(t, points.RedemptionID("r3"), rs[1].ID)

	found, err := s.FindRedemptionByIdempotencyKey(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, points.RedemptionID("r4"), found.ID)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	// GIVEN: A wallet with a balance of 10
	s := newTestStore(t)
	ctx := context.Background()
	seedWallet(t, s, "w1", "alice")
	_, err := s.ApplyWalletDelta(ctx, "w1", 10)
	require.NoError(t, err)

	// WHEN: A unit writes and then fails
	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx points.Store) error {
		if _, err := tx.ApplyWalletDelta(ctx, "w1", 5); err != nil {
			return err
		}
		if _, err := tx.AppendTransaction(ctx, earned("w1", 5, "k1")); err != nil {
			return err
		}
		return boom
	})

	// THEN: Nothing of the unit remains
	assert.ErrorIs(t, err, boom)
	w, err := s.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), w.Balance)

	found, err := s.FindTransactionByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, found)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func newEngine(t *testing.T) *points.Engine {
	t.Helper()
	opts := points.DefaultOptions()
	opts.Logger = logger.Discard()
	opts.RetryBackoff = time.Millisecond
	opts.ReconcileRecheck = 0
	return points.NewEngine(newTestStore(t), opts)
}

func TestEngine_EarnThenRedeem(t *testing.T) {
	// GIVEN: A citizen with 250 points and a museum pass with 1 unit left
	e := newEngine(t)
	ctx := context.Background()

	w, _, err := e.Wallets.Open(ctx, "alice")
	require.NoError(t, err)
	res, err := e.Earnings.Earn(ctx, points.EarnInput{WalletID: w.ID, Amount: 250, Description: "Registration bonus"})
	require.NoError(t, err)
	assert.Equal(t, int64(250), res.NewBalance)

	_, err = e.Catalog.Save(ctx, points.Benefit{ID: "museum", Title: "Museum pass", Category: "culture", CostPoints: 200, Stock: 1, Active: true})
	require.NoError(t, err)

	// WHEN: The citizen redeems it
	r, err := e.Redemptions.Redeem(ctx, points.RedeemInput{UserID: "alice", BenefitID: "museum", IdempotencyKey: "req-1"})

	// THEN: Balance 50, stock 0, and the ledger agrees
	require.NoError(t, err)
	assert.Equal(t, int64(50), r.NewBalance)

	b, err := e.Catalog.Get(ctx, "museum")
	require.NoError(t, err)
	assert.Zero(t, b.Stock)

	sum, err := e.Ledger.SumBalance(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), sum)

	// A replay returns the same redemption without a second debit
	again, err := e.Redemptions.Redeem(ctx, points.RedeemInput{UserID: "alice", BenefitID: "museum", IdempotencyKey: "req-1"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, r.ID, again.ID)

	sum, err = e.Ledger.SumBalance(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), sum)
}

func TestEngine_LastUnitHasOneWinner(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.Catalog.Save(ctx, points.Benefit{ID: "bike", Title: "Bike day", CostPoints: 10, Stock: 1, Active: true})
	require.NoError(t, err)

	const racers = 8
	for i := 0; i < racers; i++ {
		w, _, err := e.Wallets.Open(ctx, points.UserID(string(rune('a'+i))))
		require.NoError(t, err)
		_, err = e.Earnings.Earn(ctx, points.EarnInput{WalletID: w.ID, Amount: 100, Description: "funding"})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Redemptions.Redeem(ctx, points.RedeemInput{
				UserID:    points.UserID(string(rune('a' + i))),
				BenefitID: "bike",
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, points.ErrOutOfStock)
	}
	assert.Equal(t, 1, wins)

	b, err := e.Catalog.Get(ctx, "bike")
	require.NoError(t, err)
	assert.Zero(t, b.Stock)

	report, err := e.Wallets.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, racers, report.Checked)
	assert.Zero(t, report.Corrected)
}

// =============================================================================
// ERROR MAPPING (sqlmock)
// =============================================================================

func TestMapError_ContentionIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"sqlite locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"pq serialization", &pq.Error{Code: "40001"}, true},
		{"pq deadlock", &pq.Error{Code: "40P01"}, true},
		{"pq syntax", &pq.Error{Code: "42601"}, false},
		{"plain", errors.New("disk on fire"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, points.IsRetryable(mapError("op", tt.err)))
		})
	}
}

func TestMock_SerializationFailureIsRetryable(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE wallets SET balance").
		WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})

	_, err := s.ApplyWalletDelta(context.Background(), "w1", -10)

	assert.True(t, points.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_GuardMissReadsWalletForDetails(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE wallets SET balance = balance \+ \$1`).
		WithArgs(int64(-50), sqlmock.AnyArg(), "w1", int64(50), int64(math.MaxInt64)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectQuery(`SELECT (.+) FROM wallets WHERE id = \$1`).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "created_at", "updated_at"}).
			AddRow("w1", "alice", 30, "2026-03-10T09:00:00.000000000Z", "2026-03-10T09:00:00.000000000Z"))

	_, err := s.ApplyWalletDelta(context.Background(), "w1", -50)

	var ife *points.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, int64(30), ife.Balance)
	assert.Equal(t, int64(50), ife.Requested)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_UniqueViolationOnAppend(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO point_transactions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "point_transactions_idempotency_key_key"})

	_, err := s.AppendTransaction(context.Background(), earned("w1", 5, "k1"))

	assert.ErrorIs(t, err, points.ErrDuplicateIdempotencyKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_InactiveBenefitOnDecrement(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{"id", "title", "description", "category", "cost_points", "stock", "active", "created_at", "updated_at"}

	mock.ExpectQuery("UPDATE benefits SET stock = stock - 1").
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery(`SELECT (.+) FROM benefits WHERE id = \$1`).
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("b1", "Bus", "", "transport", 10, 3, false, "", ""))

	_, err := s.DecrementStock(context.Background(), "b1")

	assert.ErrorIs(t, err, points.ErrInactiveBenefit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_ReconcileLocksWalletRowBeforeSumming(t *testing.T) {
	s, mock := newMockStore(t)
	opts := points.DefaultOptions()
	opts.Logger = logger.Discard()
	opts.ReconcileRecheck = 0
	e := points.NewEngine(s, opts)

	walletCols := []string{"id", "user_id", "balance", "created_at", "updated_at"}
	aliceRow := func() *sqlmock.Rows {
		return sqlmock.NewRows(walletCols).
			AddRow("w1", "alice", 30, "2026-03-10T09:00:00.000000000Z", "2026-03-10T09:00:00.000000000Z")
	}

	// GIVEN: A cached balance of 30 against a ledger sum of 50, seen twice
	// outside the wallet unit
	for i := 0; i < 2; i++ {
		mock.ExpectQuery(`SELECT (.+) FROM wallets WHERE id = \$1`).WithArgs("w1").WillReturnRows(aliceRow())
		mock.ExpectQuery(`SELECT COALESCE`).WithArgs("w1").WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(50))
	}
	// The confirm takes the row lock before it sums the ledger
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM wallets WHERE id = \$1 FOR UPDATE`).WithArgs("w1").WillReturnRows(aliceRow())
	mock.ExpectQuery(`SELECT COALESCE`).WithArgs("w1").WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(50))
	mock.ExpectQuery(`UPDATE wallets SET balance = balance \+ \$1`).
		WithArgs(int64(20), sqlmock.AnyArg(), "w1", int64(-20), int64(math.MaxInt64-20)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(50))
	mock.ExpectCommit()

	// WHEN: The wallet is reconciled
	res, err := e.Wallets.Reconcile(context.Background(), "w1")

	// THEN: The drift is corrected inside the locked transaction
	require.NoError(t, err)
	assert.True(t, res.Corrected)
	assert.Equal(t, int64(20), res.Drift)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LockWalletInsideTransaction(t *testing.T) {
	s := newTestStore(t)
	seedWallet(t, s, "w1", "alice")

	err := s.WithTx(context.Background(), func(tx points.Store) error {
		w, err := tx.(points.WalletLocker).LockWallet(context.Background(), "w1")
		require.NoError(t, err)
		assert.Equal(t, points.UserID("alice"), w.UserID)

		_, err = tx.(points.WalletLocker).LockWallet(context.Background(), "missing")
		assert.True(t, points.IsNotFound(err))
		return nil
	})
	require.NoError(t, err)
}

func TestMock_CommitFailureSurfaces(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE wallets SET balance").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(15))
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001"})

	err := s.WithTx(context.Background(), func(tx points.Store) error {
		_, err := tx.ApplyWalletDelta(context.Background(), "w1", 5)
		return err
	})

	assert.True(t, points.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
