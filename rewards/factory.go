package rewards

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/rewards-engine/points"
)

// RuleSpec is the configuration form of a Rule. Rates are strings so YAML
// never turns 0.1 into a float.
type RuleSpec struct {
	Action        string `yaml:"action" json:"action"`
	Name          string `yaml:"name" json:"name"`
	Unit          string `yaml:"unit" json:"unit"`
	PointsPerUnit string `yaml:"points_per_unit" json:"pointsPerUnit"`
	MaxPerEvent   int64  `yaml:"max_per_event" json:"maxPerEvent"`
}

// ParseRule converts a spec into a Rule.
func ParseRule(s RuleSpec) (Rule, error) {
	rate, err := decimal.NewFromString(s.PointsPerUnit)
	if err != nil {
		return Rule{}, &points.ValidationError{
			Field:  "points_per_unit",
			Reason: fmt.Sprintf("rule %q: %q is not a decimal", s.Action, s.PointsPerUnit),
		}
	}
	unit := s.Unit
	if unit == "" {
		unit = UnitEvent
	}
	return Rule{
		Action:        Action(s.Action),
		Name:          s.Name,
		Unit:          unit,
		PointsPerUnit: rate,
		MaxPerEvent:   s.MaxPerEvent,
	}, nil
}

// RuleSetFromSpecs builds a RuleSet. An empty list yields the defaults;
// specs for an action already in the defaults replace that rule.
func RuleSetFromSpecs(specs []RuleSpec) (*RuleSet, error) {
	byAction := make(map[Action]Rule)
	var order []Action
	for _, r := range DefaultRules() {
		byAction[r.Action] = r
		order = append(order, r.Action)
	}

	seen := make(map[Action]bool, len(specs))
	for _, s := range specs {
		r, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		if seen[r.Action] {
			return nil, &points.ValidationError{Field: "action", Reason: fmt.Sprintf("duplicate rule for %q", r.Action)}
		}
		seen[r.Action] = true
		if _, ok := byAction[r.Action]; !ok {
			order = append(order, r.Action)
		}
		byAction[r.Action] = r
	}

	rules := make([]Rule, 0, len(order))
	for _, a := range order {
		rules = append(rules, byAction[a])
	}
	return NewRuleSet(rules)
}
