package appstore

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// IAPType enumerates the in-app purchase product types ASC accepts.
type IAPType string

const (
	TypeConsumable    IAPType = "CONSUMABLE"
	TypeNonConsumable IAPType = "NON_CONSUMABLE"
	TypeAutoRenewable IAPType = "AUTO_RENEWABLE"
	TypeNonRenewing   IAPType = "NON_RENEWING"
)

// ParseIAPType maps the type spellings found in import files onto IAPType.
// Unknown values are an error, not a silent default.
func ParseIAPType(s string) (IAPType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "CONSUMABLE":
		// Import files rarely carry a type; consumable is the product
		// family this tool exists for.
		return TypeConsumable, nil
	case "NON_CONSUMABLE":
		return TypeNonConsumable, nil
	case "AUTO_RENEWABLE", "AUTO_RENEWABLE_SUBSCRIPTION":
		return TypeAutoRenewable, nil
	case "NON_RENEWING", "NON_RENEWING_SUBSCRIPTION":
		return TypeNonRenewing, nil
	default:
		return "", fmt.Errorf("unknown in-app purchase type %q", s)
	}
}

// IAPState enumerates the lifecycle states ASC reports for a product.
type IAPState string

const (
	StateCreated                 IAPState = "CREATED"
	StateMissingMetadata         IAPState = "MISSING_METADATA"
	StateDeveloperSignedOff      IAPState = "DEVELOPER_SIGNED_OFF"
	StateDeveloperActionNeeded   IAPState = "DEVELOPER_ACTION_NEEDED"
	StatePendingBinaryApproval   IAPState = "PENDING_BINARY_APPROVAL"
	StateWaitingForReview        IAPState = "WAITING_FOR_REVIEW"
	StateInReview                IAPState = "IN_REVIEW"
	StatePendingDeveloperRelease IAPState = "PENDING_DEVELOPER_RELEASE"
	StateReadyForSale            IAPState = "READY_FOR_SALE"
	StateApproved                IAPState = "APPROVED"
	StateRejected                IAPState = "REJECTED"
	StateRemoved                 IAPState = "REMOVED"
)

// App is an application visible to the configured API key.
type App struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	BundleID string `json:"bundle_id"`
	SKU      string `json:"sku"`
}

// InAppPurchase is a product as ASC reports it.
type InAppPurchase struct {
	ID             string   `json:"id"`
	ProductID      string   `json:"product_id"`
	ReferenceName  string   `json:"reference_name"`
	Type           IAPType  `json:"type"`
	State          IAPState `json:"state"`
	FamilySharable bool     `json:"family_sharable"`
	ContentHosting bool     `json:"content_hosting"`
}

// Localization is display text for one locale.
type Localization struct {
	ID          string `json:"id,omitempty"`
	Locale      string `json:"locale"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// PricePoint is one selectable price in a territory.
type PricePoint struct {
	ID            string `json:"id"`
	CustomerPrice string `json:"customer_price"`
	Proceeds      string `json:"proceeds,omitempty"`
}

// Territory is a storefront region.
type Territory struct {
	ID       string `json:"id"`
	Currency string `json:"currency"`
}

// restrictedTerritoryIDs covers mainland China, Hong Kong, Macau and
// Taiwan under both their alpha-3 and alpha-2 spellings.
var restrictedTerritoryIDs = map[string]struct{}{
	"CHN": {}, "CN": {},
	"HKG": {}, "HK": {},
	"MAC": {}, "MO": {},
	"TWN": {}, "TW": {},
}

// IsRestrictedTerritory reports whether the territory belongs to the
// CN/HK/MO/TW exclusion set.
func IsRestrictedTerritory(id string) bool {
	_, ok := restrictedTerritoryIDs[id]
	return ok
}

// FilterRestrictedTerritories returns territories with the exclusion set removed.
func FilterRestrictedTerritories(territories []Territory) []Territory {
	out := make([]Territory, 0, len(territories))
	for _, t := range territories {
		if !IsRestrictedTerritory(t.ID) {
			out = append(out, t)
		}
	}
	return out
}

// MatchPricePoint picks the price point for a target customer price.
// An exact substring match wins; otherwise the numerically closest
// point is used. Returns nil when nothing usable exists.
func MatchPricePoint(target string, points []PricePoint) *PricePoint {
	for i := range points {
		if strings.Contains(points[i].CustomerPrice, target) {
			return &points[i]
		}
	}

	targetValue, err := strconv.ParseFloat(target, 64)
	if err != nil {
		return nil
	}

	var closest *PricePoint
	smallest := math.Inf(1)
	for i := range points {
		value, err := strconv.ParseFloat(numericPart(points[i].CustomerPrice), 64)
		if err != nil {
			continue
		}
		if diff := math.Abs(value - targetValue); diff < smallest {
			smallest = diff
			closest = &points[i]
		}
	}
	return closest
}

// numericPart strips currency symbols, keeping digits and the decimal point.
func numericPart(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
