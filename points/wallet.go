/*
wallet.go - Wallet Projection: cached balances derived from the ledger

PURPOSE:
  Keeps one balance per wallet so reads never fold the whole ledger.
  The cache is never authoritative: Reconcile recomputes from the ledger
  and corrects the cache when they disagree.

CRITICAL INVARIANTS:
  1. balance >= 0, enforced by the store's conditional update.
  2. balance == Ledger.SumBalance once no unit is in flight.
  3. applyDelta only runs inside a wallet unit, paired with a ledger append.
     Reconcile is the single exception and corrects under the same lock.

RECONCILIATION:
  Drift seen without the lock may be a unit in flight (stores without
  WithTx expose the delta before the append). Reconcile re-reads after a
  pause and then confirms under the wallet lock. Only confirmed drift is
  logged, counted and corrected.
*/
package points

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/warp/rewards-engine/metrics"
)

// =============================================================================
// WALLET PROJECTION
// =============================================================================

type Wallets struct {
	store   Store
	units   *units
	locks   *LockTable
	log     *slog.Logger
	clock   func() time.Time
	newID   func() string
	recheck time.Duration
}

// ReconcileResult describes one wallet check. Drift is LedgerSum - Cached.
type ReconcileResult struct {
	WalletID  WalletID
	Cached    int64
	LedgerSum int64
	Drift     int64
	Corrected bool
}

// ReconcileReport summarises a ReconcileAll run.
type ReconcileReport struct {
	Checked   int
	Corrected int
	Drifted   []ReconcileResult
}

func (w *Wallets) Get(ctx context.Context, id WalletID) (Wallet, error) {
	if id == "" {
		return Wallet{}, &ValidationError{Field: "walletId", Reason: "required"}
	}
	return w.store.GetWallet(ctx, id)
}

// GetBalance returns the cached balance. It may trail an in-flight unit but
// never shows half of one.
func (w *Wallets) GetBalance(ctx context.Context, id WalletID) (int64, error) {
	wal, err := w.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return wal.Balance, nil
}

// ForUser resolves the wallet owned by userID.
func (w *Wallets) ForUser(ctx context.Context, userID UserID) (Wallet, error) {
	if strings.TrimSpace(string(userID)) == "" {
		return Wallet{}, &ValidationError{Field: "userId", Reason: "required"}
	}
	return w.store.GetWalletByUser(ctx, userID)
}

// Open creates the wallet of userID with a zero balance. Calling it again for
// the same user returns the existing wallet and created == false.
func (w *Wallets) Open(ctx context.Context, userID UserID) (wal Wallet, created bool, err error) {
	if strings.TrimSpace(string(userID)) == "" {
		return Wallet{}, false, &ValidationError{Field: "userId", Reason: "required"}
	}

	release, err := w.locks.Acquire(ctx, userKey(userID))
	if err != nil {
		return Wallet{}, false, err
	}
	defer release()

	existing, err := w.store.GetWalletByUser(ctx, userID)
	if err == nil {
		return existing, false, nil
	}
	if !IsNotFound(err) {
		return Wallet{}, false, err
	}

	now := w.clock()
	wal = Wallet{
		ID:        WalletID(w.newID()),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.store.CreateWallet(ctx, wal); err != nil {
		// Another process opened it first.
		if errors.Is(err, ErrDuplicateWallet) {
			if existing, gerr := w.store.GetWalletByUser(ctx, userID); gerr == nil {
				return existing, false, nil
			}
		}
		return Wallet{}, false, fmt.Errorf("create wallet for %s: %w", userID, err)
	}
	return wal, true, nil
}

// applyDelta is the only regular mutator of Wallet.balance. s is the store
// scope of the current wallet unit.
func (w *Wallets) applyDelta(ctx context.Context, s Store, id WalletID, delta int64) (int64, error) {
	if delta == 0 {
		return 0, &ValidationError{Field: "amount", Reason: "delta must not be zero"}
	}
	return s.ApplyWalletDelta(ctx, id, delta)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconcile compares the cached balance with the ledger sum and corrects
// drift that survives a re-read and a check under the wallet lock.
func (w *Wallets) Reconcile(ctx context.Context, id WalletID) (ReconcileResult, error) {
	res, err := w.observe(ctx, w.store, id)
	if err != nil || res.Drift == 0 {
		return res, err
	}

	if w.recheck > 0 {
		timer := time.NewTimer(w.recheck)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, ctx.Err()
		case <-timer.C:
		}
	}

	res, err = w.observe(ctx, w.store, id)
	if err != nil || res.Drift == 0 {
		return res, err
	}

	err = w.units.wallet(ctx, id, func(ctx context.Context, s Store) error {
		confirmed, err := w.observeLocked(ctx, s, id)
		if err != nil {
			return err
		}
		res = confirmed
		if res.Drift == 0 {
			return nil
		}
		if res.LedgerSum < 0 {
			return &ConsistencyError{
				Action: "reconcile",
				Target: string(id),
				Err:    fmt.Errorf("ledger sum %d is negative", res.LedgerSum),
			}
		}
		if _, err := s.ApplyWalletDelta(ctx, id, res.Drift); err != nil {
			return fmt.Errorf("correct drift of %s: %w", id, err)
		}
		res.Corrected = true
		return nil
	})
	if err != nil {
		raiseAlarm(ctx, w.log, err)
		return res, err
	}

	if res.Corrected {
		w.log.WarnContext(ctx, "wallet balance drifted from ledger; corrected",
			"wallet_id", id, "cached", res.Cached, "ledger_sum", res.LedgerSum, "drift", res.Drift)
		metrics.RecordDriftCorrection()
	}
	return res, nil
}

func (w *Wallets) observe(ctx context.Context, s Store, id WalletID) (ReconcileResult, error) {
	wal, err := s.GetWallet(ctx, id)
	if err != nil {
		return ReconcileResult{WalletID: id}, err
	}
	return w.compare(ctx, s, id, wal.Balance)
}

// observeLocked is observe inside a wallet unit. Stores that can lock the
// wallet row do so before the ledger is summed.
func (w *Wallets) observeLocked(ctx context.Context, s Store, id WalletID) (ReconcileResult, error) {
	locker, ok := s.(WalletLocker)
	if !ok {
		return w.observe(ctx, s, id)
	}
	wal, err := locker.LockWallet(ctx, id)
	if err != nil {
		return ReconcileResult{WalletID: id}, err
	}
	return w.compare(ctx, s, id, wal.Balance)
}

func (w *Wallets) compare(ctx context.Context, s Store, id WalletID, cached int64) (ReconcileResult, error) {
	sum, err := s.SumTransactions(ctx, id)
	if err != nil {
		return ReconcileResult{WalletID: id}, fmt.Errorf("sum transactions of %s: %w", id, err)
	}
	return ReconcileResult{
		WalletID:  id,
		Cached:    cached,
		LedgerSum: sum,
		Drift:     sum - cached,
	}, nil
}

// ReconcileAll reconciles every wallet. One failing wallet does not stop the
// run; all failures are joined into the returned error.
func (w *Wallets) ReconcileAll(ctx context.Context) (ReconcileReport, error) {
	wallets, err := w.store.ListWallets(ctx)
	if err != nil {
		metrics.RecordReconcileRun(false)
		return ReconcileReport{}, fmt.Errorf("list wallets: %w", err)
	}

	var report ReconcileReport
	var errs []error
	for _, wal := range wallets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report.Checked++
		res, err := w.Reconcile(ctx, wal.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", wal.ID, err))
			continue
		}
		if res.Corrected {
			report.Corrected++
			report.Drifted = append(report.Drifted, res)
		}
	}

	metrics.RecordReconcileRun(len(errs) == 0)
	return report, errors.Join(errs...)
}
