package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iapkit/asc-importer/internal/appstore"
	"github.com/iapkit/asc-importer/internal/domain/models"
)

// memoryCache is an in-process CachePort for tests.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	sets    int
	gets    int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]byte)}
}

func (c *memoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	value, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	return value, nil
}

func (c *memoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.entries[key] = value
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *memoryCache) DeleteByPattern(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// good enough for the "asc:iaps:*" pattern the service uses
	for key := range c.entries {
		if len(key) >= len(pattern)-1 && key[:len(pattern)-1] == pattern[:len(pattern)-1] {
			delete(c.entries, key)
		}
	}
	return nil
}

func (c *memoryCache) Close() error { return nil }

type listingFake struct {
	*fakeAppStore
	listCalls int
	apps      []appstore.App
	iaps      []appstore.InAppPurchase
}

func (f *listingFake) ListApps(context.Context) ([]appstore.App, error) {
	f.listCalls++
	return f.apps, nil
}

func (f *listingFake) ListInAppPurchases(context.Context, string) ([]appstore.InAppPurchase, error) {
	f.listCalls++
	return f.iaps, nil
}

func TestListAppsUsesCache(t *testing.T) {
	api := &listingFake{
		fakeAppStore: newFakeAppStore(),
		apps:         []appstore.App{{ID: "app1", Name: "My App"}},
	}
	cache := newMemoryCache()
	svc := NewIAPService(api, cache, NewInflightGuard(), noopLogger{}, time.Minute)

	first, err := svc.ListApps(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, api.listCalls)

	second, err := svc.ListApps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	// served from cache, no second upstream call
	assert.Equal(t, 1, api.listCalls)
}

func TestListIAPsDropsCorruptCacheEntry(t *testing.T) {
	api := &listingFake{
		fakeAppStore: newFakeAppStore(),
		iaps:         []appstore.InAppPurchase{{ID: "iap1", ProductID: "com.app.a"}},
	}
	cache := newMemoryCache()
	cache.entries["asc:iaps:app1"] = []byte("not json")

	svc := NewIAPService(api, cache, NewInflightGuard(), noopLogger{}, time.Minute)

	iaps, err := svc.ListIAPs(context.Background(), "app1")
	require.NoError(t, err)
	require.Len(t, iaps, 1)
	assert.Equal(t, 1, api.listCalls)

	// the bad entry was replaced with a good one
	var cached []appstore.InAppPurchase
	require.NoError(t, json.Unmarshal(cache.entries["asc:iaps:app1"], &cached))
	assert.Equal(t, iaps, cached)
}

func TestCreateIAPInvalidatesListing(t *testing.T) {
	api := newFakeAppStore()
	cache := newMemoryCache()
	cache.entries["asc:iaps:app1"] = []byte(`[]`)

	svc := NewIAPService(api, cache, NewInflightGuard(), noopLogger{}, time.Minute)

	iap, warnings, err := svc.CreateIAP(context.Background(), "app1", testRecord("com.app.new"), models.BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "iap-com.app.new", iap.ID)
	assert.Empty(t, warnings)

	_, cached := cache.entries["asc:iaps:app1"]
	assert.False(t, cached)
}

func TestCreateIAPRespectsInflightGuard(t *testing.T) {
	api := newFakeAppStore()
	guard := NewInflightGuard()
	require.True(t, guard.Acquire("com.app.busy"))

	svc := NewIAPService(api, newMemoryCache(), guard, noopLogger{}, time.Minute)

	_, _, err := svc.CreateIAP(context.Background(), "app1", testRecord("com.app.busy"), models.BatchOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in flight")
	assert.Equal(t, 0, api.attempts("com.app.busy"))
}

func TestUploadScreenshotRejectsEmptyData(t *testing.T) {
	svc := NewIAPService(newFakeAppStore(), newMemoryCache(), NewInflightGuard(), noopLogger{}, time.Minute)

	err := svc.UploadScreenshot(context.Background(), "iap1", nil, "shot.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}
