package services

import (
	"context"

	"github.com/iapkit/asc-importer/internal/appstore"
)

// AppStoreAPI is the slice of the App Store Connect client the services
// use. Declared here so tests can substitute a fake backend.
type AppStoreAPI interface {
	TestConnection(ctx context.Context) error
	ListApps(ctx context.Context) ([]appstore.App, error)
	ListInAppPurchases(ctx context.Context, appID string) ([]appstore.InAppPurchase, error)
	CreateInAppPurchase(ctx context.Context, appID string, req appstore.CreateIAPRequest) (*appstore.InAppPurchase, error)
	UpdateInAppPurchase(ctx context.Context, iapID, referenceName string, familySharable bool) (*appstore.InAppPurchase, error)
	DeleteInAppPurchase(ctx context.Context, iapID string) error
	CreateLocalization(ctx context.Context, iapID string, loc appstore.Localization) (*appstore.Localization, error)
	ListPricePoints(ctx context.Context, iapID, territory string) ([]appstore.PricePoint, error)
	CreatePriceSchedule(ctx context.Context, iapID, pricePointID, baseTerritory string) error
	CreateAvailability(ctx context.Context, iapID string, excludeRestricted bool) error
	UploadReviewScreenshot(ctx context.Context, iapID string, data []byte, fileName string) error
}
