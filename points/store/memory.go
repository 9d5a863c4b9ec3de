// Package store provides in-memory Store implementations for the points engine.
package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/warp/rewards-engine/points"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a test double. Each call locks on its own, so a concurrent
// reader can see a wallet unit half done: the balance delta applied before
// the ledger row is appended. Use TxMemory wherever readers must only see
// whole units.
type Memory struct {
	mu sync.RWMutex
	state
	now func() time.Time
}

// state is everything WithTx snapshots and restores.
type state struct {
	seq            int64
	wallets        map[points.WalletID]points.Wallet
	walletsByUser  map[points.UserID]points.WalletID
	transactions   map[points.WalletID][]points.PointTransaction
	txByKey        map[string]points.PointTransaction
	benefits       map[points.BenefitID]points.Benefit
	redemptions    map[points.WalletID][]points.Redemption
	redemptionKeys map[string]points.Redemption
}

func newState() state {
	return state{
		wallets:        make(map[points.WalletID]points.Wallet),
		walletsByUser:  make(map[points.UserID]points.WalletID),
		transactions:   make(map[points.WalletID][]points.PointTransaction),
		txByKey:        make(map[string]points.PointTransaction),
		benefits:       make(map[points.BenefitID]points.Benefit),
		redemptions:    make(map[points.WalletID][]points.Redemption),
		redemptionKeys: make(map[string]points.Redemption),
	}
}

func NewMemory() *Memory {
	return &Memory{
		state: newState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// -----------------------------------------------------------------------------
// Wallets
// -----------------------------------------------------------------------------

func (m *Memory) CreateWallet(_ context.Context, w points.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createWalletLocked(w)
}

func (m *Memory) createWalletLocked(w points.Wallet) error {
	if _, ok := m.walletsByUser[w.UserID]; ok {
		return points.ErrDuplicateWallet
	}
	if _, ok := m.wallets[w.ID]; ok {
		return points.ErrDuplicateWallet
	}
	m.wallets[w.ID] = w
	m.walletsByUser[w.UserID] = w.ID
	return nil
}

func (m *Memory) GetWallet(_ context.Context, id points.WalletID) (points.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getWalletLocked(id)
}

func (m *Memory) getWalletLocked(id points.WalletID) (points.Wallet, error) {
	w, ok := m.wallets[id]
	if !ok {
		return points.Wallet{}, &points.NotFoundError{Resource: "wallet", ID: string(id)}
	}
	return w, nil
}

func (m *Memory) GetWalletByUser(_ context.Context, userID points.UserID) (points.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getWalletByUserLocked(userID)
}

func (m *Memory) getWalletByUserLocked(userID points.UserID) (points.Wallet, error) {
	id, ok := m.walletsByUser[userID]
	if !ok {
		return points.Wallet{}, &points.NotFoundError{Resource: "user", ID: string(userID)}
	}
	return m.wallets[id], nil
}

func (m *Memory) ListWallets(_ context.Context) ([]points.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listWalletsLocked(), nil
}

func (m *Memory) listWalletsLocked() []points.Wallet {
	out := make([]points.Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) ApplyWalletDelta(_ context.Context, id points.WalletID, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyWalletDeltaLocked(id, delta)
}

func (m *Memory) applyWalletDeltaLocked(id points.WalletID, delta int64) (int64, error) {
	w, err := m.getWalletLocked(id)
	if err != nil {
		return 0, err
	}
	if delta > 0 && w.Balance > math.MaxInt64-delta {
		return 0, points.ErrBalanceOverflow
	}
	next := w.Balance + delta
	if next < 0 {
		return 0, &points.InsufficientFundsError{WalletID: id, Balance: w.Balance, Requested: -delta}
	}
	w.Balance = next
	w.UpdatedAt = m.now()
	m.wallets[id] = w
	return next, nil
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

// AppendTransaction adds a single transaction. Append-only.
func (m *Memory) AppendTransaction(_ context.Context, tx points.PointTransaction) (points.PointTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Memory) appendLocked(tx points.PointTransaction) (points.PointTransaction, error) {
	if _, ok := m.wallets[tx.WalletID]; !ok {
		return points.PointTransaction{}, &points.NotFoundError{Resource: "wallet", ID: string(tx.WalletID)}
	}
	if tx.IdempotencyKey != "" {
		if _, ok := m.txByKey[tx.IdempotencyKey]; ok {
			return points.PointTransaction{}, points.ErrDuplicateIdempotencyKey
		}
	}

	m.seq++
	tx.Seq = m.seq
	tx.Metadata = tx.Metadata.Clone()
	m.transactions[tx.WalletID] = append(m.transactions[tx.WalletID], tx)
	if tx.IdempotencyKey != "" {
		m.txByKey[tx.IdempotencyKey] = tx
	}
	return withMetadataCopy(tx), nil
}

func (m *Memory) ListTransactions(_ context.Context, walletID points.WalletID, afterSeq int64, limit int) ([]points.PointTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTransactionsLocked(walletID, afterSeq, limit), nil
}

func (m *Memory) listTransactionsLocked(walletID points.WalletID, afterSeq int64, limit int) []points.PointTransaction {
	txs := m.transactions[walletID]

	// Rows of a wallet are stored in Seq order.
	i := sort.Search(len(txs), func(i int) bool { return txs[i].Seq > afterSeq })

	var result []points.PointTransaction
	for ; i < len(txs) && len(result) < limit; i++ {
		result = append(result, withMetadataCopy(txs[i]))
	}
	return result
}

func (m *Memory) SumTransactions(_ context.Context, walletID points.WalletID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return points.Fold(m.transactions[walletID]), nil
}

func (m *Memory) FindTransactionByIdempotencyKey(_ context.Context, key string) (*points.PointTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findTransactionLocked(key), nil
}

func (m *Memory) findTransactionLocked(key string) *points.PointTransaction {
	tx, ok := m.txByKey[key]
	if !ok {
		return nil
	}
	tx = withMetadataCopy(tx)
	return &tx
}

func withMetadataCopy(tx points.PointTransaction) points.PointTransaction {
	tx.Metadata = tx.Metadata.Clone()
	return tx
}

// -----------------------------------------------------------------------------
// Benefits
// -----------------------------------------------------------------------------

func (m *Memory) SaveBenefit(_ context.Context, b points.Benefit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveBenefitLocked(b)
	return nil
}

func (m *Memory) saveBenefitLocked(b points.Benefit) {
	m.benefits[b.ID] = b
}

func (m *Memory) GetBenefit(_ context.Context, id points.BenefitID) (points.Benefit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBenefitLocked(id)
}

func (m *Memory) getBenefitLocked(id points.BenefitID) (points.Benefit, error) {
	b, ok := m.benefits[id]
	if !ok {
		return points.Benefit{}, &points.NotFoundError{Resource: "benefit", ID: string(id)}
	}
	return b, nil
}

func (m *Memory) ListBenefits(_ context.Context) ([]points.Benefit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listBenefitsLocked(), nil
}

func (m *Memory) listBenefitsLocked() []points.Benefit {
	out := make([]points.Benefit, 0, len(m.benefits))
	for _, b := range m.benefits {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DecrementStock is the compare-and-decrement primitive.
func (m *Memory) DecrementStock(_ context.Context, id points.BenefitID) (points.Benefit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decrementStockLocked(id)
}

func (m *Memory) decrementStockLocked(id points.BenefitID) (points.Benefit, error) {
	b, err := m.getBenefitLocked(id)
	if err != nil {
		return points.Benefit{}, err
	}
	if !b.Active {
		return points.Benefit{}, &points.InactiveBenefitError{BenefitID: id}
	}
	if b.Stock <= 0 {
		return points.Benefit{}, &points.OutOfStockError{BenefitID: id}
	}
	b.Stock--
	b.UpdatedAt = m.now()
	m.benefits[id] = b
	return b, nil
}

func (m *Memory) AdjustStock(_ context.Context, id points.BenefitID, delta int64) (points.Benefit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjustStockLocked(id, delta)
}

func (m *Memory) adjustStockLocked(id points.BenefitID, delta int64) (points.Benefit, error) {
	b, err := m.getBenefitLocked(id)
	if err != nil {
		return points.Benefit{}, err
	}
	if b.Stock+delta < 0 {
		return points.Benefit{}, &points.ValidationError{Field: "delta", Reason: "stock would drop below zero"}
	}
	b.Stock += delta
	b.UpdatedAt = m.now()
	m.benefits[id] = b
	return b, nil
}

// -----------------------------------------------------------------------------
// Redemptions
// -----------------------------------------------------------------------------

func (m *Memory) SaveRedemption(_ context.Context, r points.Redemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveRedemptionLocked(r)
}

func (m *Memory) saveRedemptionLocked(r points.Redemption) error {
	if r.IdempotencyKey != "" {
		if _, ok := m.redemptionKeys[r.IdempotencyKey]; ok {
			return points.ErrDuplicateIdempotencyKey
		}
		m.redemptionKeys[r.IdempotencyKey] = r
	}
	r.Replayed = false
	m.redemptions[r.WalletID] = append(m.redemptions[r.WalletID], r)
	return nil
}

func (m *Memory) FindRedemptionByIdempotencyKey(_ context.Context, key string) (*points.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findRedemptionLocked(key), nil
}

func (m *Memory) findRedemptionLocked(key string) *points.Redemption {
	r, ok := m.redemptionKeys[key]
	if !ok {
		return nil
	}
	return &r
}

func (m *Memory) ListRedemptionsByWallet(_ context.Context, walletID points.WalletID, limit int) ([]points.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRedemptionsLocked(walletID, limit), nil
}

func (m *Memory) listRedemptionsLocked(walletID points.WalletID, limit int) []points.Redemption {
	rs := m.redemptions[walletID]
	var out []points.Redemption
	for i := len(rs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rs[i])
	}
	return out
}
