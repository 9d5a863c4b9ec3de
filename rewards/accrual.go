package rewards

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/rewards-engine/points"
)

// maxQuantity bounds a single report; anything above is a client error.
var maxQuantity = decimal.NewFromInt(100_000)

// Points converts quantity units of the rule's action into whole points.
//
//	points = min(floor(quantity * PointsPerUnit), MaxPerEvent)
func (r Rule) Points(quantity decimal.Decimal) (int64, error) {
	if !quantity.IsPositive() {
		return 0, &points.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if quantity.GreaterThan(maxQuantity) {
		return 0, &points.ValidationError{Field: "quantity", Reason: fmt.Sprintf("must not exceed %s", maxQuantity)}
	}

	earned := quantity.Mul(r.PointsPerUnit).Floor()
	if earned.LessThan(decimal.NewFromInt(1)) {
		return 0, &points.ValidationError{
			Field:  "quantity",
			Reason: fmt.Sprintf("%s %s of %s is worth less than one point", quantity, r.Unit, r.Action),
		}
	}

	n := earned.IntPart()
	if r.MaxPerEvent > 0 && n > r.MaxPerEvent {
		n = r.MaxPerEvent
	}
	return n, nil
}

// Describe renders the ledger description for an action, e.g.
// "Recycling (5.5 kg)".
func (r Rule) Describe(quantity decimal.Decimal) string {
	if r.Unit == UnitEvent {
		return r.Name
	}
	return fmt.Sprintf("%s (%s %s)", r.Name, quantity.String(), r.Unit)
}

// Metadata is the provenance attached to the earned transaction.
func (r Rule) Metadata(quantity decimal.Decimal) points.Metadata {
	return points.Metadata{
		"action":   string(r.Action),
		"quantity": quantity.String(),
		"unit":     r.Unit,
	}
}
