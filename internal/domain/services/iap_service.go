package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iapkit/asc-importer/internal/appstore"
	"github.com/iapkit/asc-importer/internal/domain/models"
	"github.com/iapkit/asc-importer/pkg/interfaces"
)

const (
	appsCacheKey      = "asc:apps"
	iapsCachePrefix   = "asc:iaps:"
	iapsCachePattern  = "asc:iaps:*"
	defaultListingTTL = 10 * time.Minute
)

// IAPService orchestrates single-product operations: listings with
// cache, create with full setup, update, delete and screenshot upload.
type IAPService struct {
	api      AppStoreAPI
	cache    interfaces.CachePort
	guard    *InflightGuard
	logger   interfaces.LoggerPort
	cacheTTL time.Duration
}

// NewIAPService wires the service. A zero cacheTTL falls back to ten minutes.
func NewIAPService(api AppStoreAPI, cache interfaces.CachePort, guard *InflightGuard, logger interfaces.LoggerPort, cacheTTL time.Duration) *IAPService {
	if cacheTTL <= 0 {
		cacheTTL = defaultListingTTL
	}
	return &IAPService{
		api:      api,
		cache:    cache,
		guard:    guard,
		logger:   logger,
		cacheTTL: cacheTTL,
	}
}

// TestConnection verifies the configured credentials against the API.
func (s *IAPService) TestConnection(ctx context.Context) error {
	return s.api.TestConnection(ctx)
}

// ListApps returns the apps visible to the key, served from cache when fresh.
func (s *IAPService) ListApps(ctx context.Context) ([]appstore.App, error) {
	if cached, err := s.cache.Get(ctx, appsCacheKey); err == nil && cached != nil {
		var apps []appstore.App
		if err := json.Unmarshal(cached, &apps); err == nil {
			return apps, nil
		}
		// Unreadable cache entries are dropped and refetched.
		_ = s.cache.Delete(ctx, appsCacheKey)
	}

	apps, err := s.api.ListApps(ctx)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(apps); err == nil {
		if err := s.cache.Set(ctx, appsCacheKey, encoded, s.cacheTTL); err != nil {
			s.logger.WarnWithContext(ctx, "failed to cache app listing", "error", err)
		}
	}
	return apps, nil
}

// ListIAPs returns the registered products of an app, cache-first.
func (s *IAPService) ListIAPs(ctx context.Context, appID string) ([]appstore.InAppPurchase, error) {
	key := iapsCachePrefix + appID
	if cached, err := s.cache.Get(ctx, key); err == nil && cached != nil {
		var iaps []appstore.InAppPurchase
		if err := json.Unmarshal(cached, &iaps); err == nil {
			return iaps, nil
		}
		_ = s.cache.Delete(ctx, key)
	}

	iaps, err := s.api.ListInAppPurchases(ctx, appID)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(iaps); err == nil {
		if err := s.cache.Set(ctx, key, encoded, s.cacheTTL); err != nil {
			s.logger.WarnWithContext(ctx, "failed to cache product listing", "app_id", appID, "error", err)
		}
	}
	return iaps, nil
}

// CreateIAP creates one product with the same full setup a batch record
// gets (price schedule, localizations, availability). It shares the
// in-flight guard with the batch pipeline, so a product id being
// submitted by a running batch cannot be created manually at the same time.
func (s *IAPService) CreateIAP(ctx context.Context, appID string, rec models.ImportRecord, opts models.BatchOptions) (*appstore.InAppPurchase, []string, error) {
	if !s.guard.Acquire(rec.ProductID) {
		return nil, nil, fmt.Errorf("a submission for product id %q is already in flight", rec.ProductID)
	}
	defer s.guard.Release(rec.ProductID)

	iap, err := s.api.CreateInAppPurchase(ctx, appID, appstore.CreateIAPRequest{
		ProductID:     rec.ProductID,
		ReferenceName: rec.ReferenceName,
		Type:          rec.Type,
	})
	if err != nil {
		return nil, nil, err
	}

	warnings := enrichProduct(ctx, s.api, s.logger, iap.ID, rec, opts)
	s.invalidateListing(ctx, appID)

	s.logger.InfoWithContext(ctx, "product created",
		"app_id", appID, "product_id", rec.ProductID, "iap_id", iap.ID)
	return iap, warnings, nil
}

// UpdateIAP changes the reference name and family-sharing flag.
func (s *IAPService) UpdateIAP(ctx context.Context, iapID, referenceName string, familySharable bool) (*appstore.InAppPurchase, error) {
	iap, err := s.api.UpdateInAppPurchase(ctx, iapID, referenceName, familySharable)
	if err != nil {
		return nil, err
	}
	s.invalidateAllListings(ctx)
	return iap, nil
}

// DeleteIAP removes a product that never went on sale.
func (s *IAPService) DeleteIAP(ctx context.Context, iapID string) error {
	if err := s.api.DeleteInAppPurchase(ctx, iapID); err != nil {
		return err
	}
	s.invalidateAllListings(ctx)
	return nil
}

// UploadScreenshot runs the review screenshot flow for one product.
func (s *IAPService) UploadScreenshot(ctx context.Context, iapID string, data []byte, fileName string) error {
	if len(data) == 0 {
		return fmt.Errorf("screenshot %q is empty", fileName)
	}
	return s.api.UploadReviewScreenshot(ctx, iapID, data, fileName)
}

func (s *IAPService) invalidateListing(ctx context.Context, appID string) {
	if err := s.cache.Delete(ctx, iapsCachePrefix+appID); err != nil {
		s.logger.WarnWithContext(ctx, "failed to invalidate product listing", "app_id", appID, "error", err)
	}
}

// invalidateAllListings is used by operations keyed by product id, where
// the owning app is not known without an extra lookup.
func (s *IAPService) invalidateAllListings(ctx context.Context) {
	if err := s.cache.DeleteByPattern(ctx, iapsCachePattern); err != nil {
		s.logger.WarnWithContext(ctx, "failed to invalidate product listings", "error", err)
	}
}
