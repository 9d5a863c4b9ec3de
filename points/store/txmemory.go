package store

import (
	"context"

	"github.com/warp/rewards-engine/points"
)

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, so readers see either the
// state before the unit or the state after it.
func (tm *TxMemory) WithTx(_ context.Context, fn func(points.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.state.clone()

	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.state = snapshot
		return err
	}
	return nil
}

func (s state) clone() state {
	c := newState()
	c.seq = s.seq
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.walletsByUser {
		c.walletsByUser[k] = v
	}
	// Slices are copied so appends made by fn never reach the snapshot.
	for k, v := range s.transactions {
		c.transactions[k] = append([]points.PointTransaction(nil), v...)
	}
	for k, v := range s.txByKey {
		c.txByKey[k] = v
	}
	for k, v := range s.benefits {
		c.benefits[k] = v
	}
	for k, v := range s.redemptions {
		c.redemptions[k] = append([]points.Redemption(nil), v...)
	}
	for k, v := range s.redemptionKeys {
		c.redemptionKeys[k] = v
	}
	return c
}

// txMemoryView is the Store handed to fn. Its parent's lock is already held.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) CreateWallet(_ context.Context, w points.Wallet) error {
	return tv.parent.createWalletLocked(w)
}

func (tv *txMemoryView) GetWallet(_ context.Context, id points.WalletID) (points.Wallet, error) {
	return tv.parent.getWalletLocked(id)
}

func (tv *txMemoryView) GetWalletByUser(_ context.Context, userID points.UserID) (points.Wallet, error) {
	return tv.parent.getWalletByUserLocked(userID)
}

func (tv *txMemoryView) ListWallets(_ context.Context) ([]points.Wallet, error) {
	return tv.parent.listWalletsLocked(), nil
}

func (tv *txMemoryView) ApplyWalletDelta(_ context.Context, id points.WalletID, delta int64) (int64, error) {
	return tv.parent.applyWalletDeltaLocked(id, delta)
}

func (tv *txMemoryView) AppendTransaction(_ context.Context, tx points.PointTransaction) (points.PointTransaction, error) {
	return tv.parent.appendLocked(tx)
}

func (tv *txMemoryView) ListTransactions(_ context.Context, walletID points.WalletID, afterSeq int64, limit int) ([]points.PointTransaction, error) {
	return tv.parent.listTransactionsLocked(walletID, afterSeq, limit), nil
}

func (tv *txMemoryView) SumTransactions(_ context.Context, walletID points.WalletID) (int64, error) {
	return points.Fold(tv.parent.transactions[walletID]), nil
}

func (tv *txMemoryView) FindTransactionByIdempotencyKey(_ context.Context, key string) (*points.PointTransaction, error) {
	return tv.parent.findTransactionLocked(key), nil
}

func (tv *txMemoryView) SaveBenefit(_ context.Context, b points.Benefit) error {
	tv.parent.saveBenefitLocked(b)
	return nil
}

func (tv *txMemoryView) GetBenefit(_ context.Context, id points.BenefitID) (points.Benefit, error) {
	return tv.parent.getBenefitLocked(id)
}

func (tv *txMemoryView) ListBenefits(_ context.Context) ([]points.Benefit, error) {
	return tv.parent.listBenefitsLocked(), nil
}

func (tv *txMemoryView) DecrementStock(_ context.Context, id points.BenefitID) (points.Benefit, error) {
	return tv.parent.decrementStockLocked(id)
}

func (tv *txMemoryView) AdjustStock(_ context.Context, id points.BenefitID, delta int64) (points.Benefit, error) {
	return tv.parent.adjustStockLocked(id, delta)
}

func (tv *txMemoryView) SaveRedemption(_ context.Context, r points.Redemption) error {
	return tv.parent.saveRedemptionLocked(r)
}

func (tv *txMemoryView) FindRedemptionByIdempotencyKey(_ context.Context, key string) (*points.Redemption, error) {
	return tv.parent.findRedemptionLocked(key), nil
}

func (tv *txMemoryView) ListRedemptionsByWallet(_ context.Context, walletID points.WalletID, limit int) ([]points.Redemption, error) {
	return tv.parent.listRedemptionsLocked(walletID, limit), nil
}

var (
	_ points.Store   = (*Memory)(nil)
	_ points.TxStore = (*TxMemory)(nil)
	_ points.Store   = (*txMemoryView)(nil)
)
