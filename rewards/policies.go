package rewards

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/rewards-engine/points"
)

// DefaultRegistrationBonus is granted once when a wallet is opened.
const DefaultRegistrationBonus = 150

// =============================================================================
// DEFAULT RULES
// =============================================================================

// DefaultRules returns the built-in earning rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			Action: ActionRegistration, Name: "Registration bonus", Unit: UnitEvent,
			PointsPerUnit: decimal.NewFromInt(DefaultRegistrationBonus), MaxPerEvent: DefaultRegistrationBonus,
		},
		{
			Action: ActionRecycling, Name: "Recycling", Unit: UnitKg,
			PointsPerUnit: decimal.NewFromInt(10), MaxPerEvent: 500,
		},
		{
			Action: ActionPublicTransport, Name: "Public transport trip", Unit: UnitTrip,
			PointsPerUnit: decimal.NewFromInt(5), MaxPerEvent: 50,
		},
		{
			Action: ActionBikeCommute, Name: "Bike commute", Unit: UnitKm,
			PointsPerUnit: decimal.RequireFromString("0.5"), MaxPerEvent: 100,
		},
		{
			Action: ActionVolunteering, Name: "Volunteering", Unit: UnitHour,
			PointsPerUnit: decimal.NewFromInt(20), MaxPerEvent: 160,
		},
		{
			Action: ActionTreePlanting, Name: "Tree planting", Unit: UnitTree,
			PointsPerUnit: decimal.NewFromInt(25), MaxPerEvent: 250,
		},
	}
}

// =============================================================================
// RULE SET
// =============================================================================

// RuleSet is an immutable lookup of rules by action.
type RuleSet struct {
	rules map[Action]Rule
}

// NewRuleSet validates rules and indexes them. Duplicate actions are rejected.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	rs := &RuleSet{rules: make(map[Action]Rule, len(rules))}
	for _, r := range rules {
		if err := validateRule(r); err != nil {
			return nil, err
		}
		if _, dup := rs.rules[r.Action]; dup {
			return nil, &points.ValidationError{Field: "action", Reason: fmt.Sprintf("duplicate rule for %q", r.Action)}
		}
		rs.rules[r.Action] = r
	}
	return rs, nil
}

func validateRule(r Rule) error {
	if r.Action == "" {
		return &points.ValidationError{Field: "action", Reason: "is required"}
	}
	if r.Name == "" {
		return &points.ValidationError{Field: "name", Reason: fmt.Sprintf("rule %q needs a name", r.Action)}
	}
	if !r.PointsPerUnit.IsPositive() {
		return &points.ValidationError{Field: "points_per_unit", Reason: fmt.Sprintf("rule %q must award a positive rate", r.Action)}
	}
	if r.MaxPerEvent < 0 {
		return &points.ValidationError{Field: "max_per_event", Reason: "must not be negative"}
	}
	return nil
}

// Rule returns the rule for an action.
func (rs *RuleSet) Rule(a Action) (Rule, error) {
	r, ok := rs.rules[a]
	if !ok {
		return Rule{}, &points.NotFoundError{Resource: "action", ID: string(a)}
	}
	return r, nil
}

// Rules lists every rule sorted by action.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, 0, len(rs.rules))
	for _, r := range rs.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

// WithRegistrationBonus returns a copy whose registration rule awards bonus
// points. A bonus of zero removes the rule.
func (rs *RuleSet) WithRegistrationBonus(bonus int64) *RuleSet {
	out := &RuleSet{rules: make(map[Action]Rule, len(rs.rules))}
	for a, r := range rs.rules {
		out.rules[a] = r
	}
	if bonus <= 0 {
		delete(out.rules, ActionRegistration)
		return out
	}
	r, ok := out.rules[ActionRegistration]
	if !ok {
		r = Rule{Action: ActionRegistration, Name: "Registration bonus", Unit: UnitEvent}
	}
	r.PointsPerUnit = decimal.NewFromInt(bonus)
	r.MaxPerEvent = bonus
	out.rules[ActionRegistration] = r
	return out
}
