/*
redemption.go - Redemption Coordinator: points for a benefit, atomically

PURPOSE:
  Exchanges points for one unit of a benefit. Either the wallet is debited,
  the SPENT transaction is in the ledger, the stock is decremented and the
  redemption is recorded, or none of these effects remain.

SEQUENCE:
  1. Resolve the wallet of the user.                      (NotFoundError)
  2. Reserve one unit of stock; snapshot costPoints.      first mutation
  3. Wallet unit: debit, append SPENT, save redemption.   (InsufficientFundsError)
  4. On any failure after step 2, release the stock.

  Stock is checked before points: the catalog check is cheap and fails fast
  without contending on the wallet.

LOCK ORDER:
  idempotency key -> benefit (released after step 2) -> wallet.
  A redemption never holds a benefit lock and a wallet lock together.

COMPENSATION:
  Inside the wallet unit a TxStore rolls back on error. Other stores undo
  explicitly: the debit is reversed and, if the SPENT row was already
  appended, an offsetting EARNED row is appended. Outside the unit the
  reserved stock is released on a non-cancellable context. A compensation
  that fails becomes a ConsistencyError and raises the alarm.

IDEMPOTENCY:
  A supplied key is locked for the whole call, so concurrent replays are
  serialized. The cache answers replays inside the window; the redemption
  store answers after eviction. Either way no second debit happens.
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

type Coordinator struct {
	store   Store
	units   *units
	locks   *LockTable
	ledger  *Ledger
	wallets *Wallets
	catalog *Catalog

	cache  IdempotencyCache
	window time.Duration

	maxRetries int
	backoff    time.Duration

	log   *slog.Logger
	newID func() string
}

type RedeemInput struct {
	UserID         UserID
	BenefitID      BenefitID
	IdempotencyKey string
}

const maxIdempotencyKeyLen = 128

func (in RedeemInput) validate() error {
	if strings.TrimSpace(string(in.UserID)) == "" {
		return &ValidationError{Field: "userId", Reason: "required"}
	}
	if strings.TrimSpace(string(in.BenefitID)) == "" {
		return &ValidationError{Field: "benefitId", Reason: "required"}
	}
	if len(in.IdempotencyKey) > maxIdempotencyKeyLen {
		return &ValidationError{Field: "idempotencyKey", Reason: fmt.Sprintf("at most %d characters", maxIdempotencyKeyLen)}
	}
	return nil
}

// Redeem exchanges the benefit's current cost for one unit of its stock.
func (c *Coordinator) Redeem(ctx context.Context, in RedeemInput) (r Redemption, err error) {
	start := time.Now()
	defer func() {
		outcome := "success"
		switch {
		case err != nil:
			outcome = ErrorKind(err)
			c.logFailure(ctx, in, err)
		case r.Replayed:
			outcome = "replayed"
		}
		metrics.RecordRedemption(outcome, time.Since(start))
	}()

	if err := in.validate(); err != nil {
		return Redemption{}, err
	}

	if in.IdempotencyKey == "" {
		return c.redeem(ctx, in)
	}

	release, err := c.locks.Acquire(ctx, idemKey("redeem", in.IdempotencyKey))
	if err != nil {
		return Redemption{}, err
	}
	defer release()

	prior, found, err := c.lookup(ctx, in)
	if err != nil || found {
		return prior, err
	}

	r, err = c.redeem(ctx, in)
	if err != nil {
		return Redemption{}, err
	}
	if cerr := c.cache.Put(context.WithoutCancel(ctx), in.IdempotencyKey, r, c.window); cerr != nil {
		// The redemption store still answers replays.
		c.log.WarnContext(ctx, "idempotency cache put failed", "key", in.IdempotencyKey, "error", cerr)
	}
	return r, nil
}

// lookup finds an earlier redemption made with the same key.
func (c *Coordinator) lookup(ctx context.Context, in RedeemInput) (Redemption, bool, error) {
	prior, found, err := c.cache.Get(ctx, in.IdempotencyKey)
	if err != nil {
		c.log.WarnContext(ctx, "idempotency cache get failed", "key", in.IdempotencyKey, "error", err)
		found = false
	}
	if !found {
		stored, err := c.store.FindRedemptionByIdempotencyKey(ctx, in.IdempotencyKey)
		if err != nil {
			return Redemption{}, false, fmt.Errorf("find redemption by key: %w", err)
		}
		if stored == nil {
			return Redemption{}, false, nil
		}
		prior = *stored
	}

	if prior.UserID != in.UserID || prior.BenefitID != in.BenefitID {
		return Redemption{}, false, &ValidationError{
			Field:  "idempotencyKey",
			Reason: "already used for a different redemption",
		}
	}
	prior.Replayed = true
	return prior, true, nil
}

func (c *Coordinator) redeem(ctx context.Context, in RedeemInput) (Redemption, error) {
	wal, err := c.wallets.ForUser(ctx, in.UserID)
	if err != nil {
		return Redemption{}, err
	}

	// Last point where cancellation leaves nothing behind.
	if err := ctx.Err(); err != nil {
		return Redemption{}, err
	}

	var benefit Benefit
	err = retry(ctx, c.maxRetries, c.backoff, func() error {
		b, err := c.catalog.ReserveStock(ctx, in.BenefitID)
		benefit = b
		return err
	})
	if err != nil {
		if IsRetryable(err) {
			return Redemption{}, &RedemptionFailedError{Step: "reserve_stock", Err: err}
		}
		return Redemption{}, err
	}

	// Stock is taken: from here every exit releases it.
	var out Redemption
	err = retry(ctx, c.maxRetries, c.backoff, func() error {
		r, err := c.debit(ctx, wal, benefit, in.IdempotencyKey)
		out = r
		return err
	})
	if err == nil {
		metrics.RecordPoints(KindSpent.String(), out.CostPoints)
		c.log.InfoContext(ctx, "benefit redeemed",
			"redemption_id", out.ID,
			"wallet_id", out.WalletID,
			"benefit_id", out.BenefitID,
			"cost_points", out.CostPoints,
			"new_balance", out.NewBalance,
		)
		return out, nil
	}

	if cerr := c.releaseStock(ctx, benefit.ID, err); cerr != nil {
		return Redemption{}, cerr
	}

	switch {
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrConsistency),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrValidation),
		isCanceled(err):
		return Redemption{}, err
	default:
		return Redemption{}, &RedemptionFailedError{Step: "debit", Err: err}
	}
}

// debit runs the wallet unit of a redemption: debit, SPENT row, record.
func (c *Coordinator) debit(ctx context.Context, wal Wallet, b Benefit, key string) (Redemption, error) {
	var out Redemption
	err := c.units.wallet(ctx, wal.ID, func(ctx context.Context, s Store) error {
		newBalance, err := c.wallets.applyDelta(ctx, s, wal.ID, -b.CostPoints)
		if err != nil {
			return err
		}

		spent := PointTransaction{
			WalletID:     wal.ID,
			Kind:         KindSpent,
			Amount:       b.CostPoints,
			BalanceAfter: newBalance,
			Description:  "Redeemed: " + b.Title,
			Metadata:     Metadata{"benefitId": string(b.ID)},
		}
		if key != "" {
			spent.IdempotencyKey = "redeem:" + key
		}

		tx, err := c.ledger.appendIn(ctx, s, spent)
		if err != nil {
			return c.undoDebit(ctx, s, wal.ID, b, nil, err)
		}

		r := Redemption{
			ID:             RedemptionID(c.newID()),
			TransactionID:  tx.ID,
			WalletID:       wal.ID,
			UserID:         wal.UserID,
			BenefitID:      b.ID,
			CostPoints:     b.CostPoints,
			NewBalance:     newBalance,
			IdempotencyKey: key,
			CreatedAt:      tx.CreatedAt,
		}
		if err := s.SaveRedemption(ctx, r); err != nil {
			return c.undoDebit(ctx, s, wal.ID, b, &tx, fmt.Errorf("save redemption: %w", err))
		}
		out = r
		return nil
	})
	return out, err
}

// undoDebit restores the wallet after a failure later in the unit and
// returns cause. A TxStore rolls the unit back on its own. Otherwise the
// debit is reversed; if the SPENT row already exists it is offset by an
// EARNED row so the ledger keeps explaining the balance.
func (c *Coordinator) undoDebit(ctx context.Context, s Store, id WalletID, b Benefit, spent *PointTransaction, cause error) error {
	if c.units.transactional() {
		return cause
	}
	metrics.RecordCompensation("reverse_debit")

	balance, err := c.wallets.applyDelta(ctx, s, id, b.CostPoints)
	if err != nil {
		return &ConsistencyError{Action: "reverse_debit", Target: string(id), Err: err, Cause: cause}
	}
	if spent == nil {
		return cause
	}

	_, err = c.ledger.appendIn(ctx, s, PointTransaction{
		WalletID:     id,
		Kind:         KindEarned,
		Amount:       b.CostPoints,
		BalanceAfter: balance,
		Description:  "Redemption reversed",
		Metadata:     Metadata{"benefitId": string(b.ID), "reverses": string(spent.ID)},
	})
	if err != nil {
		return &ConsistencyError{Action: "offset_spent", Target: string(id), Err: err, Cause: cause}
	}
	return cause
}

// releaseStock returns the reserved unit. Retries transient failures on a
// context the caller cannot cancel.
func (c *Coordinator) releaseStock(ctx context.Context, id BenefitID, cause error) error {
	metrics.RecordCompensation("release_stock")

	rctx := context.WithoutCancel(ctx)
	err := retry(rctx, c.maxRetries, c.backoff, func() error {
		return c.catalog.ReleaseStock(rctx, id)
	})
	if err != nil {
		return &ConsistencyError{Action: "release_stock", Target: string(id), Err: err, Cause: cause}
	}
	return nil
}

func (c *Coordinator) logFailure(ctx context.Context, in RedeemInput, err error) {
	if errors.Is(err, ErrConsistency) {
		raiseAlarm(ctx, c.log, err)
		return
	}
	level := slog.LevelInfo
	if errors.Is(err, ErrRedemptionFailed) {
		level = slog.LevelWarn
	}
	c.log.Log(ctx, level, "redemption rejected",
		"user_id", in.UserID,
		"benefit_id", in.BenefitID,
		"kind", ErrorKind(err),
		"error", err,
	)
}

// History returns the newest redemptions of a wallet first.
func (c *Coordinator) History(ctx context.Context, walletID WalletID, limit int) ([]Redemption, error) {
	if _, err := c.wallets.Get(ctx, walletID); err != nil {
		return nil, err
	}
	limit = Page{Limit: limit}.normalize().Limit
	rs, err := c.store.ListRedemptionsByWallet(ctx, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("list redemptions of %s: %w", walletID, err)
	}
	if rs == nil {
		rs = []Redemption{}
	}
	return rs, nil
}
