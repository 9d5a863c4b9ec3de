package rewards

import (
	"context"
	"fmt"

	"github.com/warp/rewards-engine/points"
)

// DemoCatalog returns the benefits loaded by `-seed`.
func DemoCatalog() []points.Benefit {
	return []points.Benefit{
		{
			ID: "museum-pass", Title: "City museum day pass", Category: "culture",
			Description: "One free entry to any municipal museum",
			CostPoints:  200, Stock: 25, Active: true,
		},
		{
			ID: "bus-week", Title: "Weekly bus pass", Category: "transport",
			Description: "Seven days of unlimited bus travel",
			CostPoints:  350, Stock: 40, Active: true,
		},
		{
			ID: "bike-share-month", Title: "Bike share, one month", Category: "transport",
			Description: "Thirty days of shared bike rides under 45 minutes",
			CostPoints:  500, Stock: 15, Active: true,
		},
		{
			ID: "market-voucher", Title: "Farmers market voucher", Category: "food",
			Description: "10% discount at the Saturday farmers market",
			CostPoints:  120, Stock: 60, Active: true,
		},
		{
			ID: "compost-kit", Title: "Home compost kit", Category: "goods",
			Description: "Starter kit with bin and guide",
			CostPoints:  400, Stock: 10, Active: true,
		},
		{
			ID: "concert-ticket", Title: "Open-air concert ticket", Category: "culture",
			Description: "Summer concert series, single ticket",
			CostPoints:  300, Stock: 0, Active: false,
		},
	}
}

// SeedCatalog saves benefits that do not exist yet. Existing benefits are
// left alone so a restart never resets stock. Returns the number created.
func SeedCatalog(ctx context.Context, catalog *points.Catalog, benefits []points.Benefit) (int, error) {
	created := 0
	for _, b := range benefits {
		_, err := catalog.Get(ctx, b.ID)
		if err == nil {
			continue
		}
		if !points.IsNotFound(err) {
			return created, fmt.Errorf("seed %s: %w", b.ID, err)
		}
		if _, err := catalog.Save(ctx, b); err != nil {
			return created, fmt.Errorf("seed %s: %w", b.ID, err)
		}
		created++
	}
	return created, nil
}
