package points

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/warp/rewards-engine/metrics"
)

// =============================================================================
// EARNING INTAKE - Validated credits into the ledger
// =============================================================================

// Intake records point-earning events. Each event is one wallet unit:
// credit the wallet and append the EARNED row, or neither.
type Intake struct {
	units   *units
	locks   *LockTable
	ledger  *Ledger
	wallets *Wallets

	maxRetries int
	backoff    time.Duration

	log *slog.Logger
}

type EarnInput struct {
	WalletID    WalletID
	Amount      int64
	Description string
	Metadata    Metadata

	// IdempotencyKey makes retried submissions safe. Keys are kept forever.
	IdempotencyKey string
}

type EarnResult struct {
	Transaction PointTransaction
	NewBalance  int64
	Replayed    bool
}

func (in EarnInput) validate() error {
	if in.WalletID == "" {
		return &ValidationError{Field: "walletId", Reason: "required"}
	}
	if in.Amount <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if in.Amount > MaxAmount {
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("at most %d", MaxAmount)}
	}
	if strings.TrimSpace(in.Description) == "" {
		return &ValidationError{Field: "description", Reason: "required"}
	}
	if len(in.IdempotencyKey) > maxIdempotencyKeyLen {
		return &ValidationError{Field: "idempotencyKey", Reason: fmt.Sprintf("at most %d characters", maxIdempotencyKeyLen)}
	}
	return in.Metadata.Validate()
}

// Earn credits in.Amount to the wallet.
func (e *Intake) Earn(ctx context.Context, in EarnInput) (res EarnResult, err error) {
	defer func() {
		switch {
		case err != nil:
			raiseAlarm(ctx, e.log, err)
			metrics.RecordEarning(ErrorKind(err))
		case res.Replayed:
			metrics.RecordEarning("replayed")
		default:
			metrics.RecordEarning("success")
			metrics.RecordPoints(KindEarned.String(), res.Transaction.Amount)
		}
	}()

	if err := in.validate(); err != nil {
		return EarnResult{}, err
	}

	var ledgerKey string
	if in.IdempotencyKey != "" {
		ledgerKey = "earn:" + in.IdempotencyKey

		release, err := e.locks.Acquire(ctx, idemKey("earn", in.IdempotencyKey))
		if err != nil {
			return EarnResult{}, err
		}
		defer release()

		prior, err := e.ledger.FindByIdempotencyKey(ctx, ledgerKey)
		if err != nil {
			return EarnResult{}, fmt.Errorf("find transaction by key: %w", err)
		}
		if prior != nil {
			if prior.WalletID != in.WalletID || prior.Amount != in.Amount {
				return EarnResult{}, &ValidationError{
					Field:  "idempotencyKey",
					Reason: "already used for a different earning",
				}
			}
			return EarnResult{Transaction: *prior, NewBalance: prior.BalanceAfter, Replayed: true}, nil
		}
	}

	err = retry(ctx, e.maxRetries, e.backoff, func() error {
		r, err := e.credit(ctx, in, ledgerKey)
		res = r
		return err
	})
	if err != nil {
		return EarnResult{}, err
	}

	e.log.InfoContext(ctx, "points earned",
		"transaction_id", res.Transaction.ID,
		"wallet_id", in.WalletID,
		"amount", in.Amount,
		"new_balance", res.NewBalance,
	)
	return res, nil
}

// Recorded returns the earning made under the client key, or nil if there
// is none. The result is marked as replayed.
func (e *Intake) Recorded(ctx context.Context, idempotencyKey string) (*EarnResult, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	prior, err := e.ledger.FindByIdempotencyKey(ctx, "earn:"+idempotencyKey)
	if err != nil || prior == nil {
		return nil, err
	}
	return &EarnResult{Transaction: *prior, NewBalance: prior.BalanceAfter, Replayed: true}, nil
}

func (e *Intake) credit(ctx context.Context, in EarnInput, ledgerKey string) (EarnResult, error) {
	var res EarnResult
	err := e.units.wallet(ctx, in.WalletID, func(ctx context.Context, s Store) error {
		balance, err := e.wallets.applyDelta(ctx, s, in.WalletID, in.Amount)
		if err != nil {
			return err
		}

		tx, err := e.ledger.appendIn(ctx, s, PointTransaction{
			WalletID:       in.WalletID,
			Kind:           KindEarned,
			Amount:         in.Amount,
			BalanceAfter:   balance,
			Description:    in.Description,
			Metadata:       in.Metadata,
			IdempotencyKey: ledgerKey,
		})
		if err != nil {
			if e.units.transactional() {
				return err
			}
			metrics.RecordCompensation("reverse_credit")
			if _, rerr := e.wallets.applyDelta(ctx, s, in.WalletID, -in.Amount); rerr != nil {
				return &ConsistencyError{Action: "reverse_credit", Target: string(in.WalletID), Err: rerr, Cause: err}
			}
			return err
		}

		res = EarnResult{Transaction: tx, NewBalance: balance}
		return nil
	})
	return res, err
}
