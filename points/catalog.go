/*
catalog.go - Benefit Catalog: definitions and scarce stock

PURPOSE:
  Owns benefit definitions and the stock counter guarded against oversell.

STOCK MUTATION:
  Every stock change (reservation, compensation, restock, admin edit) goes
  through the store's conditional primitives under the benefit lock:
    DecrementStock  compare-and-decrement by one (active and stock > 0)
    AdjustStock     add delta unless stock would drop below zero
  With stock == 1 and two racing reservations exactly one wins; the other
  sees OutOfStockError.
*/
package points

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// MaxBenefitTitleLen keeps "Redeemed: <title>" within MaxDescriptionLen.
const MaxBenefitTitleLen = 200

type Catalog struct {
	store Store
	locks *LockTable
	log   *slog.Logger
	clock func() time.Time
	newID func() string
}

func (c *Catalog) Get(ctx context.Context, id BenefitID) (Benefit, error) {
	if id == "" {
		return Benefit{}, &ValidationError{Field: "benefitId", Reason: "required"}
	}
	return c.store.GetBenefit(ctx, id)
}

// List returns the benefits matching f, ordered by category then title.
func (c *Catalog) List(ctx context.Context, f BenefitFilter) ([]Benefit, error) {
	all, err := c.store.ListBenefits(ctx)
	if err != nil {
		return nil, fmt.Errorf("list benefits: %w", err)
	}

	out := make([]Benefit, 0, len(all))
	for _, b := range all {
		if f.matches(b) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ReserveStock takes one unit of stock and returns the benefit as it was
// right after the decrement; its CostPoints is the price snapshot.
func (c *Catalog) ReserveStock(ctx context.Context, id BenefitID) (Benefit, error) {
	if id == "" {
		return Benefit{}, &ValidationError{Field: "benefitId", Reason: "required"}
	}

	release, err := c.locks.Acquire(ctx, benefitKey(id))
	if err != nil {
		return Benefit{}, err
	}
	defer release()

	return c.store.DecrementStock(ctx, id)
}

// ReleaseStock is the compensation for ReserveStock. It ignores caller
// cancellation: once stock has been taken it must be returned.
func (c *Catalog) ReleaseStock(ctx context.Context, id BenefitID) error {
	ctx = context.WithoutCancel(ctx)

	release, err := c.locks.Acquire(ctx, benefitKey(id))
	if err != nil {
		return err
	}
	defer release()

	_, err = c.store.AdjustStock(ctx, id, 1)
	return err
}

// Save creates or updates a benefit definition. For an existing benefit the
// stock is moved to b.Stock through AdjustStock, so a concurrent writer on
// another process is never overwritten with a stale absolute value.
func (c *Catalog) Save(ctx context.Context, b Benefit) (Benefit, error) {
	if err := validateBenefit(b); err != nil {
		return Benefit{}, err
	}
	if b.ID == "" {
		b.ID = BenefitID(c.newID())
	}

	release, err := c.locks.Acquire(ctx, benefitKey(b.ID))
	if err != nil {
		return Benefit{}, err
	}
	defer release()

	now := c.clock()
	existing, err := c.store.GetBenefit(ctx, b.ID)
	switch {
	case IsNotFound(err):
		b.CreatedAt = now
		b.UpdatedAt = now
		if err := c.store.SaveBenefit(ctx, b); err != nil {
			return Benefit{}, fmt.Errorf("create benefit %s: %w", b.ID, err)
		}
		c.log.InfoContext(ctx, "benefit created", "benefit_id", b.ID, "stock", b.Stock, "cost_points", b.CostPoints)
		return b, nil
	case err != nil:
		return Benefit{}, err
	}

	def := b
	def.Stock = existing.Stock
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = now
	if err := c.store.SaveBenefit(ctx, def); err != nil {
		return Benefit{}, fmt.Errorf("update benefit %s: %w", b.ID, err)
	}
	if delta := b.Stock - existing.Stock; delta != 0 {
		return c.store.AdjustStock(ctx, b.ID, delta)
	}
	return def, nil
}

// Restock adds delta (negative to withdraw) to the stock. Never below zero.
func (c *Catalog) Restock(ctx context.Context, id BenefitID, delta int64) (Benefit, error) {
	if id == "" {
		return Benefit{}, &ValidationError{Field: "benefitId", Reason: "required"}
	}
	if delta == 0 {
		return Benefit{}, &ValidationError{Field: "delta", Reason: "must not be zero"}
	}

	release, err := c.locks.Acquire(ctx, benefitKey(id))
	if err != nil {
		return Benefit{}, err
	}
	defer release()

	b, err := c.store.AdjustStock(ctx, id, delta)
	if err != nil {
		return Benefit{}, err
	}
	c.log.InfoContext(ctx, "benefit restocked", "benefit_id", id, "delta", delta, "stock", b.Stock)
	return b, nil
}

func validateBenefit(b Benefit) error {
	if strings.TrimSpace(b.Title) == "" {
		return &ValidationError{Field: "title", Reason: "required"}
	}
	if len(b.Title) > MaxBenefitTitleLen {
		return &ValidationError{Field: "title", Reason: fmt.Sprintf("at most %d characters", MaxBenefitTitleLen)}
	}
	if b.CostPoints <= 0 {
		return &ValidationError{Field: "costPoints", Reason: "must be positive"}
	}
	if b.CostPoints > MaxAmount {
		return &ValidationError{Field: "costPoints", Reason: fmt.Sprintf("at most %d", MaxAmount)}
	}
	if b.Stock < 0 {
		return &ValidationError{Field: "stock", Reason: "must not be negative"}
	}
	return nil
}
