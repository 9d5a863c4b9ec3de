/*
Package rewards turns civic and ecological actions into points.

PURPOSE:
  The points engine only knows integer amounts. This package owns the
  conversion from "what the citizen did" (5.5 kg recycled, 3 bus trips,
  2 hours volunteering) into an earn request, and the demo catalog of
  benefits they can spend points on.

KEY CONCEPTS:
  Action:    stable identifier of an earning activity ("recycling")
  Rule:      how many points one unit of the action is worth
  RuleSet:   the active rules, looked up by action
  Service:   registration bonus + earn-for-action on top of points.Engine

ROUNDING:
  Quantities and rates are decimals (shopspring/decimal). The product is
  rounded DOWN to whole points, then capped by the rule's MaxPerEvent.
  An event worth less than one point is rejected.

EXAMPLE FLOW:
  1. Citizen opens a wallet: 150 points registration bonus
  2. Citizen recycles 5.5 kg: floor(5.5 * 10) = 55 points
  3. Citizen redeems a museum pass for 200 points
  4. Balance: 150 + 55 - 200 = 5 points

SEE ALSO:
  - policies.go: Default rules
  - accrual.go: Decimal conversion
  - factory.go: Rules from configuration
  - catalog.go: Demo benefits
*/
package rewards

import (
	"github.com/shopspring/decimal"
)

// Action identifies an earning activity.
type Action string

const (
	ActionRegistration    Action = "registration_bonus"
	ActionRecycling       Action = "recycling"
	ActionPublicTransport Action = "public_transport"
	ActionBikeCommute     Action = "bike_commute"
	ActionVolunteering    Action = "volunteering"
	ActionTreePlanting    Action = "tree_planting"
)

// Units in which quantities are reported.
const (
	UnitEvent = "event"
	UnitKg    = "kg"
	UnitTrip  = "trip"
	UnitKm    = "km"
	UnitHour  = "hour"
	UnitTree  = "tree"
)

// =============================================================================
// RULE
// =============================================================================

// Rule converts a quantity of an action into points.
type Rule struct {
	Action        Action
	Name          string
	Unit          string
	PointsPerUnit decimal.Decimal
	MaxPerEvent   int64 // 0 = unlimited
}
