/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for demos. Each scenario registers citizens, reports civic
	actions, and seeds the catalog to show a specific behaviour.

AVAILABLE SCENARIOS:

	city-launch:  Demo catalog, three citizens with a week of actions
	last-unit:    One ticket left and two citizens who can both afford it

HOW SCENARIOS WORK:
 1. Seed benefits (existing benefits keep their stock)
 2. Register citizens (registration bonus applies)
 3. Report actions with scenario-scoped idempotency keys

Every write is idempotent, so loading a scenario twice changes nothing.
Scenarios never delete data.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "city-launch"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, h)
 3. Add case to runScenario

SEE ALSO:
  - ../rewards/catalog.go: Demo catalog
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/rewards-engine/points"
	"github.com/warp/rewards-engine/rewards"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "city-launch",
		Name:        "City Launch",
		Description: "Demo catalog with three citizens who recycled, cycled and volunteered",
	},
	{
		ID:          "last-unit",
		Name:        "Last Unit",
		Description: "A benefit with one unit left and two citizens able to afford it",
	},
}

type scenarioAction struct {
	user     points.UserID
	action   rewards.Action
	quantity string
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"scenarioId": current})
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.runScenario(r.Context(), req.ScenarioID); err != nil {
		writeEngineError(w, r, err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.log.InfoContext(r.Context(), "scenario loaded", "scenario", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "loaded",
		"scenarioId": req.ScenarioID,
	})
}

func (h *Handler) runScenario(ctx context.Context, id string) error {
	switch id {
	case "city-launch":
		return loadCityLaunchScenario(ctx, h)
	case "last-unit":
		return loadLastUnitScenario(ctx, h)
	default:
		return &points.NotFoundError{Resource: "scenario", ID: id}
	}
}

// =============================================================================
// LOADERS
// =============================================================================

func loadCityLaunchScenario(ctx context.Context, h *Handler) error {
	if _, err := rewards.SeedCatalog(ctx, h.Engine.Catalog, rewards.DemoCatalog()); err != nil {
		return err
	}

	return reportActions(ctx, h, "city-launch", []scenarioAction{
		{"alice", rewards.ActionRecycling, "5.5"},
		{"alice", rewards.ActionBikeCommute, "42"},
		{"bob", rewards.ActionPublicTransport, "10"},
		{"bob", rewards.ActionTreePlanting, "2"},
		{"carol", rewards.ActionVolunteering, "6"},
	})
}

func loadLastUnitScenario(ctx context.Context, h *Handler) error {
	if _, err := rewards.SeedCatalog(ctx, h.Engine.Catalog, []points.Benefit{{
		ID:          "final-concert-seat",
		Title:       "Final concert seat",
		Description: "The last seat at the summer concert in the park",
		Category:    "culture",
		CostPoints:  200,
		Stock:       1,
		Active:      true,
	}}); err != nil {
		return err
	}

	// Registration bonus plus 10 kg of recycling covers the seat
	return reportActions(ctx, h, "last-unit", []scenarioAction{
		{"dave", rewards.ActionRecycling, "10"},
		{"erin", rewards.ActionRecycling, "10"},
	})
}

func reportActions(ctx context.Context, h *Handler, scenario string, actions []scenarioAction) error {
	for i, a := range actions {
		reg, err := h.Rewards.Register(ctx, a.user)
		if err != nil {
			return err
		}
		_, err = h.Rewards.EarnForAction(ctx, rewards.ActionInput{
			WalletID:       reg.Wallet.ID,
			Action:         a.action,
			Quantity:       decimal.RequireFromString(a.quantity),
			IdempotencyKey: fmt.Sprintf("scenario:%s:%d", scenario, i),
		})
		if err != nil {
			return fmt.Errorf("scenario %s action %d: %w", scenario, i, err)
		}
	}
	return nil
}
