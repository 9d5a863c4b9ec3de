/*
ledger.go - Ledger Store: the append-only log of point transactions

PURPOSE:
  The ledger is the source of truth for every wallet. Cached balances are
  checked against SumBalance; when they disagree, the ledger wins.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. POSITIVE AMOUNTS: amount > 0, direction comes from Kind.
  3. ORDERED: rows of a wallet are listed by Seq, which follows createdAt
     because writers of one wallet are serialized.
  4. PAIRED: every append happens in the same unit as the matching wallet
     delta. Only Intake and Coordinator write, through appendIn.

CORRECTIONS:
  A mistaken transaction is never edited. An offsetting transaction of the
  opposite kind is appended instead; both stay visible.

SEE ALSO:
  - wallet.go: the cached balance kept in step with the ledger
  - unit.go: the atomic unit appendIn runs inside
*/
package points

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store Store
	clock func() time.Time
	newID func() string
}

// appendIn validates tx and appends it through s, the store scope of the
// current unit. Fills ID and CreatedAt when empty.
func (l *Ledger) appendIn(ctx context.Context, s Store, tx PointTransaction) (PointTransaction, error) {
	if err := validateTransaction(tx); err != nil {
		return PointTransaction{}, err
	}
	if _, err := s.GetWallet(ctx, tx.WalletID); err != nil {
		return PointTransaction{}, err
	}

	if tx.ID == "" {
		tx.ID = TransactionID(l.newID())
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = l.clock()
	}
	tx.Metadata = tx.Metadata.Clone()

	stored, err := s.AppendTransaction(ctx, tx)
	if err != nil {
		return PointTransaction{}, fmt.Errorf("append transaction %s: %w", tx.ID, err)
	}
	return stored, nil
}

func validateTransaction(tx PointTransaction) error {
	if tx.WalletID == "" {
		return &ValidationError{Field: "walletId", Reason: "required"}
	}
	if !tx.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: "must be EARNED or SPENT"}
	}
	if tx.Amount <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if tx.Amount > MaxAmount {
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("at most %d", MaxAmount)}
	}
	if len(tx.Description) > MaxDescriptionLen {
		return &ValidationError{Field: "description", Reason: fmt.Sprintf("at most %d characters", MaxDescriptionLen)}
	}
	if strings.TrimSpace(tx.Description) == "" {
		return &ValidationError{Field: "description", Reason: "required"}
	}
	return tx.Metadata.Validate()
}

// ListByWallet returns one page of the wallet history, oldest first. Rows
// appended while paging land after the cursor and never reorder earlier pages.
func (l *Ledger) ListByWallet(ctx context.Context, walletID WalletID, page Page) (TransactionPage, error) {
	page = page.normalize()

	if _, err := l.store.GetWallet(ctx, walletID); err != nil {
		return TransactionPage{}, err
	}

	rows, err := l.store.ListTransactions(ctx, walletID, page.Cursor, page.Limit+1)
	if err != nil {
		return TransactionPage{}, fmt.Errorf("list transactions of %s: %w", walletID, err)
	}

	result := TransactionPage{Items: rows}
	if len(rows) > page.Limit {
		result.Items = rows[:page.Limit]
		result.NextCursor = result.Items[page.Limit-1].Seq
	}
	if result.Items == nil {
		result.Items = []PointTransaction{}
	}
	return result, nil
}

// SumBalance recomputes the balance from the ledger alone. It never reads
// the cached wallet balance.
func (l *Ledger) SumBalance(ctx context.Context, walletID WalletID) (int64, error) {
	return sumIn(ctx, l.store, walletID)
}

func sumIn(ctx context.Context, s Store, walletID WalletID) (int64, error) {
	if _, err := s.GetWallet(ctx, walletID); err != nil {
		return 0, err
	}
	sum, err := s.SumTransactions(ctx, walletID)
	if err != nil {
		return 0, fmt.Errorf("sum transactions of %s: %w", walletID, err)
	}
	return sum, nil
}

// FindByIdempotencyKey returns the transaction recorded under key, or nil.
func (l *Ledger) FindByIdempotencyKey(ctx context.Context, key string) (*PointTransaction, error) {
	if key == "" {
		return nil, nil
	}
	return l.store.FindTransactionByIdempotencyKey(ctx, key)
}

// Fold computes the signed sum of txs. Stores without an aggregate query
// use it to implement SumTransactions.
func Fold(txs []PointTransaction) int64 {
	var sum int64
	for _, tx := range txs {
		sum += tx.Delta()
	}
	return sum
}
