package rewards

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/warp/rewards-engine/logger"
	"github.com/warp/rewards-engine/points"
)

// ActionInput is one reported civic action.
type ActionInput struct {
	WalletID       points.WalletID
	Action         Action
	Quantity       decimal.Decimal
	IdempotencyKey string
}

// Registration is the result of opening a wallet.
type Registration struct {
	Wallet  points.Wallet
	Created bool
	// Bonus is nil when no registration bonus is configured.
	Bonus *points.EarnResult
}

// Service applies the earning rules on top of the engine.
type Service struct {
	engine *points.Engine
	rules  *RuleSet
	log    *slog.Logger
}

func NewService(engine *points.Engine, rules *RuleSet) *Service {
	return &Service{
		engine: engine,
		rules:  rules,
		log:    logger.WithComponent("rewards"),
	}
}

// Rules lists the active rules.
func (s *Service) Rules() []Rule {
	return s.rules.Rules()
}

// Register opens the user's wallet and grants the registration bonus once.
// Calling it again for the same user returns the same wallet and replays
// the bonus instead of granting it twice.
func (s *Service) Register(ctx context.Context, userID points.UserID) (Registration, error) {
	w, created, err := s.engine.Wallets.Open(ctx, userID)
	if err != nil {
		return Registration{}, err
	}
	reg := Registration{Wallet: w, Created: created}
	bonusKey := "registration:" + string(userID)

	// A returning user gets the bonus recorded at registration, even if the
	// configured amount has changed since.
	if !created {
		prior, err := s.engine.Earnings.Recorded(ctx, bonusKey)
		if err != nil {
			return Registration{}, err
		}
		if prior != nil {
			reg.Bonus = prior
			return reg, nil
		}
	}

	rule, err := s.rules.Rule(ActionRegistration)
	if points.IsNotFound(err) {
		return reg, nil
	}
	if err != nil {
		return Registration{}, err
	}

	one := decimal.NewFromInt(1)
	amount, err := rule.Points(one)
	if err != nil {
		return Registration{}, err
	}
	res, err := s.engine.Earnings.Earn(ctx, points.EarnInput{
		WalletID:       w.ID,
		Amount:         amount,
		Description:    rule.Describe(one),
		Metadata:       rule.Metadata(one),
		IdempotencyKey: bonusKey,
	})
	if err != nil {
		return Registration{}, err
	}

	reg.Bonus = &res
	reg.Wallet.Balance = res.NewBalance
	if res.Replayed {
		// The bonus is old news; report the wallet as it is now.
		if reg.Wallet, err = s.engine.Wallets.Get(ctx, w.ID); err != nil {
			return Registration{}, err
		}
	}
	return reg, nil
}

// EarnForAction converts a reported action into points and credits them.
func (s *Service) EarnForAction(ctx context.Context, in ActionInput) (points.EarnResult, error) {
	if in.Action == ActionRegistration {
		return points.EarnResult{}, &points.ValidationError{Field: "action", Reason: "granted on registration only"}
	}
	rule, err := s.rules.Rule(in.Action)
	if err != nil {
		return points.EarnResult{}, err
	}
	amount, err := rule.Points(in.Quantity)
	if err != nil {
		return points.EarnResult{}, err
	}

	res, err := s.engine.Earnings.Earn(ctx, points.EarnInput{
		WalletID:       in.WalletID,
		Amount:         amount,
		Description:    rule.Describe(in.Quantity),
		Metadata:       rule.Metadata(in.Quantity),
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return points.EarnResult{}, err
	}

	s.log.DebugContext(ctx, "action converted",
		"action", in.Action,
		"quantity", in.Quantity.String(),
		"points", amount,
	)
	return res, nil
}
