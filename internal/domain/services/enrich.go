package services

import (
	"context"
	"fmt"

	"github.com/iapkit/asc-importer/internal/appstore"
	"github.com/iapkit/asc-importer/internal/domain/models"
	"github.com/iapkit/asc-importer/pkg/interfaces"
)

const defaultBaseTerritory = "USA"

// enrichProduct applies the secondary setup to a freshly created product:
// price schedule, localizations and territory availability. Each step is
// best-effort; failures come back as warnings and never undo the create.
func enrichProduct(ctx context.Context, api AppStoreAPI, logger interfaces.LoggerPort, iapID string, rec models.ImportRecord, opts models.BatchOptions) []string {
	var warnings []string

	baseTerritory := opts.BaseTerritory
	if baseTerritory == "" {
		baseTerritory = defaultBaseTerritory
	}

	points, err := api.ListPricePoints(ctx, iapID, baseTerritory)
	switch {
	case err != nil:
		warnings = append(warnings, fmt.Sprintf("listing price points: %v", err))
	default:
		point := appstore.MatchPricePoint(rec.Price, points)
		if point == nil {
			warnings = append(warnings, fmt.Sprintf("no price point matches %q in %s", rec.Price, baseTerritory))
		} else if err := api.CreatePriceSchedule(ctx, iapID, point.ID, baseTerritory); err != nil {
			warnings = append(warnings, fmt.Sprintf("creating price schedule: %v", err))
		}
	}

	for _, loc := range rec.Localizations {
		if _, err := api.CreateLocalization(ctx, iapID, loc); err != nil {
			warnings = append(warnings, fmt.Sprintf("creating %s localization: %v", loc.Locale, err))
		}
	}

	if err := api.CreateAvailability(ctx, iapID, opts.ExcludeRestrictedTerritories); err != nil {
		warnings = append(warnings, fmt.Sprintf("setting availability: %v", err))
	}

	if len(warnings) > 0 && logger != nil {
		logger.WarnWithContext(ctx, "product created with incomplete setup",
			"product_id", rec.ProductID, "iap_id", iapID, "warnings", warnings)
	}
	return warnings
}
