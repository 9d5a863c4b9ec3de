/*
store.go - Persistence interfaces for the points engine

PURPOSE:
  Defines the boundary between engine logic and the database. Each
  component depends on the narrow interface it needs; Store bundles them
  for implementations.

KEY INTERFACES:
  WalletStore:      wallet rows and the conditional balance update
  TransactionStore: append-only ledger rows
  BenefitStore:     catalog rows and the compare-and-decrement stock update
  RedemptionStore:  redemption records
  TxStore:          Store + WithTx for atomic multi-table units

APPEND-ONLY CONTRACT:
  TransactionStore has no Update and no Delete. Corrections are new
  offsetting transactions.

CONDITIONAL UPDATES:
  ApplyWalletDelta and DecrementStock check and mutate in one step, so a
  store can never be asked to write a negative balance or negative stock.
  Both return the domain errors (InsufficientFundsError, OutOfStockError,
  InactiveBenefitError, NotFoundError) directly.

IMPLEMENTATIONS:
  - store/memory.go: in-memory, TxStore via snapshot + rollback
  - ../store/sqlite: SQLite and PostgreSQL via sqlx

SEE ALSO:
  - unit.go: how the engine uses WithTx when the store offers it
*/
package points

import "context"

// =============================================================================
// STORE - Interfaces for persistence
// =============================================================================

type WalletStore interface {
	// CreateWallet inserts a wallet. Returns ErrDuplicateWallet if the user
	// already owns one.
	CreateWallet(ctx context.Context, w Wallet) error

	GetWallet(ctx context.Context, id WalletID) (Wallet, error)
	GetWalletByUser(ctx context.Context, userID UserID) (Wallet, error)
	ListWallets(ctx context.Context) ([]Wallet, error)

	// ApplyWalletDelta adds delta to the balance if the result stays >= 0 and
	// returns the new balance.
	ApplyWalletDelta(ctx context.Context, id WalletID, delta int64) (int64, error)
}

type TransactionStore interface {
	// AppendTransaction persists tx and returns it with Seq assigned.
	// Returns ErrDuplicateIdempotencyKey if the key already exists.
	// This is the ONLY write operation on the ledger.
	AppendTransaction(ctx context.Context, tx PointTransaction) (PointTransaction, error)

	// ListTransactions returns up to limit rows with Seq > afterSeq, ascending.
	ListTransactions(ctx context.Context, walletID WalletID, afterSeq int64, limit int) ([]PointTransaction, error)

	// SumTransactions folds every row of the wallet with its signed effect.
	SumTransactions(ctx context.Context, walletID WalletID) (int64, error)

	// FindTransactionByIdempotencyKey returns nil, nil when the key is unknown.
	FindTransactionByIdempotencyKey(ctx context.Context, key string) (*PointTransaction, error)
}

type BenefitStore interface {
	// SaveBenefit inserts or updates a benefit definition.
	SaveBenefit(ctx context.Context, b Benefit) error

	GetBenefit(ctx context.Context, id BenefitID) (Benefit, error)
	ListBenefits(ctx context.Context) ([]Benefit, error)

	// DecrementStock removes one unit if the benefit is active and in stock
	// and returns the benefit as it was right after the decrement.
	DecrementStock(ctx context.Context, id BenefitID) (Benefit, error)

	// AdjustStock adds delta (may be negative) unless stock would drop below zero.
	AdjustStock(ctx context.Context, id BenefitID, delta int64) (Benefit, error)
}

type RedemptionStore interface {
	SaveRedemption(ctx context.Context, r Redemption) error

	// FindRedemptionByIdempotencyKey returns nil, nil when the key is unknown.
	FindRedemptionByIdempotencyKey(ctx context.Context, key string) (*Redemption, error)

	// ListRedemptionsByWallet returns the newest redemptions first.
	ListRedemptionsByWallet(ctx context.Context, walletID WalletID, limit int) ([]Redemption, error)
}

// Store is everything the engine persists.
type Store interface {
	WalletStore
	TransactionStore
	BenefitStore
	RedemptionStore
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	// Concurrent readers never observe the writes of fn before commit.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// WalletLocker is implemented by transaction-scoped stores that can hold a
// wallet row until the transaction ends. Reconcile locks the row before it
// sums the ledger, so no concurrent unit commits between the two reads.
type WalletLocker interface {
	LockWallet(ctx context.Context, id WalletID) (Wallet, error)
}
