package appstore

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	src, _ := testTokenSource(t)
	return NewClient(server.URL, src, 5*time.Second, 5*time.Second, nil)
}

func TestClientRefreshesTokenOnceOn401(t *testing.T) {
	var tokens []string
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens = append(tokens, r.Header.Get("Authorization"))
		if len(tokens) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data": [{"id": "app1", "attributes": {"name": "My App"}}]}`))
	}))

	apps, err := client.ListApps(context.Background())
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "app1", apps[0].ID)

	// the replay carries a freshly signed token
	require.Len(t, tokens, 2)
	assert.NotEqual(t, tokens[0], tokens[1])
}

func TestClientGivesUpAfterSecond401(t *testing.T) {
	calls := 0
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := client.TestConnection(context.Background())

	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, 2, calls)
	assert.False(t, Retryable(err))
}

func TestClient429BecomesRateLimitError(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"errors": [{"status": "429", "code": "RATE_LIMIT_EXCEEDED", "title": "Rate limited", "detail": "try later"}]}`))
	}))

	err := client.TestConnection(context.Background())

	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, 3*time.Second, rateErr.RetryAfter)
	assert.True(t, Retryable(err))
}

func TestClient4xxBecomesRemoteValidationError(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"errors": [{"status": "409", "code": "ENTITY_ERROR.ATTRIBUTE.INVALID.DUPLICATE", "title": "Duplicate", "detail": "productId already exists"}]}`))
	}))

	_, err := client.CreateInAppPurchase(context.Background(), "app1", CreateIAPRequest{
		ProductID:     "com.app.dup",
		ReferenceName: "Dup",
		Type:          TypeConsumable,
	})

	var validationErr *RemoteValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, http.StatusConflict, validationErr.StatusCode)
	require.Len(t, validationErr.Errors, 1)
	assert.Equal(t, "ENTITY_ERROR.ATTRIBUTE.INVALID.DUPLICATE", validationErr.Code())
	assert.False(t, Retryable(err))
}

func TestClient5xxBecomesNetworkError(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	err := client.TestConnection(context.Background())

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusBadGateway, netErr.StatusCode)
	assert.True(t, Retryable(err))
}

func TestClientCancelledContext(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.TestConnection(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestCreateInAppPurchasePayload(t *testing.T) {
	var captured map[string]interface{}
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v2/inAppPurchases", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data": {"id": "iap1", "attributes": {"productId": "com.app.c100", "name": "100 coins", "inAppPurchaseType": "CONSUMABLE", "state": "CREATED"}}}`))
	}))

	iap, err := client.CreateInAppPurchase(context.Background(), "app1", CreateIAPRequest{
		ProductID:     "com.app.c100",
		ReferenceName: "100 coins",
		Type:          TypeConsumable,
	})
	require.NoError(t, err)
	assert.Equal(t, "iap1", iap.ID)
	assert.Equal(t, StateCreated, iap.State)

	data := captured["data"].(map[string]interface{})
	assert.Equal(t, "inAppPurchases", data["type"])

	attrs := data["attributes"].(map[string]interface{})
	assert.Equal(t, "com.app.c100", attrs["productId"])
	assert.Equal(t, "100 coins", attrs["name"])
	assert.Equal(t, "CONSUMABLE", attrs["inAppPurchaseType"])

	rels := data["relationships"].(map[string]interface{})
	app := rels["app"].(map[string]interface{})["data"].(map[string]interface{})
	assert.Equal(t, "app1", app["id"])
}

func TestCreatePriceScheduleUsesPlaceholderPrice(t *testing.T) {
	var captured map[string]interface{}
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/inAppPurchasePriceSchedules", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.WriteHeader(http.StatusCreated)
	}))

	require.NoError(t, client.CreatePriceSchedule(context.Background(), "iap1", "point1", "USA"))

	data := captured["data"].(map[string]interface{})
	rels := data["relationships"].(map[string]interface{})
	manual := rels["manualPrices"].(map[string]interface{})["data"].([]interface{})
	require.Len(t, manual, 1)
	assert.Equal(t, "${price1}", manual[0].(map[string]interface{})["id"])

	base := rels["baseTerritory"].(map[string]interface{})["data"].(map[string]interface{})
	assert.Equal(t, "USA", base["id"])

	included := captured["included"].([]interface{})
	require.Len(t, included, 1)
	entry := included[0].(map[string]interface{})
	assert.Equal(t, "${price1}", entry["id"])
	point := entry["relationships"].(map[string]interface{})["inAppPurchasePricePoint"].(map[string]interface{})["data"].(map[string]interface{})
	assert.Equal(t, "point1", point["id"])
}

func TestCreateAvailabilityFiltersRestrictedTerritories(t *testing.T) {
	var captured map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/territories", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": [
			{"id": "USA", "attributes": {"currency": "USD"}},
			{"id": "CHN", "attributes": {"currency": "CNY"}},
			{"id": "HKG", "attributes": {"currency": "HKD"}},
			{"id": "JPN", "attributes": {"currency": "JPY"}}
		]}`))
	})
	mux.HandleFunc("/v1/inAppPurchaseAvailabilities", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.WriteHeader(http.StatusCreated)
	})
	client := testClient(t, mux)

	require.NoError(t, client.CreateAvailability(context.Background(), "iap1", true))

	data := captured["data"].(map[string]interface{})
	refs := data["relationships"].(map[string]interface{})["availableTerritories"].(map[string]interface{})["data"].([]interface{})
	require.Len(t, refs, 2)
	assert.Equal(t, "USA", refs[0].(map[string]interface{})["id"])
	assert.Equal(t, "JPN", refs[1].(map[string]interface{})["id"])
}

func TestUploadReviewScreenshotFlow(t *testing.T) {
	data := []byte("fake png bytes")
	var steps []string

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/v1/inAppPurchaseAppStoreReviewScreenshots", func(w http.ResponseWriter, r *http.Request) {
		steps = append(steps, "reserve")
		require.Equal(t, http.MethodPost, r.Method)

		var reserve map[string]interface{}
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &reserve))
		attrs := reserve["data"].(map[string]interface{})["attributes"].(map[string]interface{})
		assert.Equal(t, "shot.png", attrs["fileName"])
		assert.Equal(t, float64(len(data)), attrs["fileSize"])

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"id": "shot1",
				"attributes": map[string]interface{}{
					"uploadOperations": []map[string]interface{}{{
						"method": "PUT",
						"url":    server.URL + "/upload/shot1",
						"offset": 0,
						"length": len(data),
					}},
				},
			},
		})
	})
	mux.HandleFunc("/upload/shot1", func(w http.ResponseWriter, r *http.Request) {
		steps = append(steps, "upload")
		require.Equal(t, http.MethodPut, r.Method)

		// chunk uploads go to the storage host without a bearer token
		assert.Empty(t, r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, data, body)
		sum := md5.Sum(data)
		assert.Equal(t, base64.StdEncoding.EncodeToString(sum[:]), r.Header.Get("Content-MD5"))
	})
	mux.HandleFunc("/v1/inAppPurchaseAppStoreReviewScreenshots/shot1", func(w http.ResponseWriter, r *http.Request) {
		steps = append(steps, "commit")
		require.Equal(t, http.MethodPatch, r.Method)

		var commit map[string]interface{}
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &commit))
		attrs := commit["data"].(map[string]interface{})["attributes"].(map[string]interface{})
		assert.Equal(t, true, attrs["uploaded"])
		w.WriteHeader(http.StatusOK)
	})

	src, _ := testTokenSource(t)
	client := NewClient(server.URL, src, 5*time.Second, 5*time.Second, nil)

	require.NoError(t, client.UploadReviewScreenshot(context.Background(), "iap1", data, "shot.png"))
	assert.Equal(t, []string{"reserve", "upload", "commit"}, steps)
}

func TestUploadReviewScreenshotNoOperations(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data": {"id": "shot1", "attributes": {"uploadOperations": []}}}`))
	}))

	err := client.UploadReviewScreenshot(context.Background(), "iap1", []byte("x"), "shot.png")

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
}

func TestRetryAfterHeaderParsing(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, time.Duration(0), retryAfter(h))

	h.Set("Retry-After", "10")
	assert.Equal(t, 10*time.Second, retryAfter(h))

	h.Set("Retry-After", "soon")
	assert.Equal(t, time.Duration(0), retryAfter(h))
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, Retryable(&RateLimitError{}))
	assert.True(t, Retryable(&NetworkError{Op: "get"}))
	assert.False(t, Retryable(&RemoteValidationError{StatusCode: 409}))
	assert.False(t, Retryable(&CredentialError{Reason: "bad key"}))
	assert.False(t, Retryable(errors.New("plain")))
	assert.False(t, Retryable(nil))
}
