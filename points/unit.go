package points

import "context"

// =============================================================================
// ATOMIC UNITS - Wallet-scoped serialization + store transaction
// =============================================================================

// units runs the wallet-scoped atomic units used by earning and redemption:
// the wallet lock serializes writers of the same wallet, and WithTx (when the
// store offers it) hides the unit from readers until it commits. Stores
// without WithTx rely on the explicit compensations inside fn.
type units struct {
	store Store
	locks *LockTable
}

// wallet runs fn while holding the wallet lock. Cancellation is honored up to
// the moment the lock is held; after that fn runs on a context that ignores
// the caller's cancellation so a started unit always finishes or rolls back.
func (u *units) wallet(ctx context.Context, id WalletID, fn func(ctx context.Context, s Store) error) error {
	release, err := u.locks.Acquire(ctx, walletKey(id))
	if err != nil {
		return err
	}
	defer release()

	if err := ctx.Err(); err != nil {
		return err
	}

	uctx := context.WithoutCancel(ctx)
	if ts, ok := u.store.(TxStore); ok {
		return ts.WithTx(uctx, func(s Store) error {
			return fn(uctx, s)
		})
	}
	return fn(uctx, u.store)
}

// transactional reports whether a failed unit is rolled back by the store.
// When false, fn must undo its own writes before returning an error.
func (u *units) transactional() bool {
	_, ok := u.store.(TxStore)
	return ok
}
