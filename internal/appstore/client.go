package appstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/iapkit/asc-importer/pkg/interfaces"
)

// DefaultBaseURL is the production App Store Connect API host.
const DefaultBaseURL = "https://api.appstoreconnect.apple.com"

// errUnauthorized is internal to the request loop; callers never see it.
var errUnauthorized = errors.New("unauthorized")

// Client talks to the App Store Connect REST API. Every call carries an
// explicit timeout and a bearer token from the TokenSource; a 401 triggers
// one forced token refresh and a single replay.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	tokens         *TokenSource
	requestTimeout time.Duration
	uploadTimeout  time.Duration
	logger         interfaces.LoggerPort
}

// NewClient creates an API client. Zero timeouts fall back to the
// 30s/60s defaults the API tolerates well.
func NewClient(baseURL string, tokens *TokenSource, requestTimeout, uploadTimeout time.Duration, logger interfaces.LoggerPort) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	if uploadTimeout <= 0 {
		uploadTimeout = 60 * time.Second
	}
	return &Client{
		baseURL:        baseURL,
		httpClient:     &http.Client{},
		tokens:         tokens,
		requestTimeout: requestTimeout,
		uploadTimeout:  uploadTimeout,
		logger:         logger,
	}
}

// JSON:API plumbing shared by the request payloads.

type resourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type relationship struct {
	Data resourceRef `json:"data"`
}

type relationshipList struct {
	Data []resourceRef `json:"data"`
}

type errorEnvelope struct {
	Errors []ErrorDetail `json:"errors"`
}

// TestConnection verifies the credentials with the cheapest possible call.
func (c *Client) TestConnection(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/apps?limit=1", nil, nil)
}

// ListApps returns the applications visible to the API key.
func (c *Client) ListApps(ctx context.Context) ([]App, error) {
	var resp struct {
		Data []struct {
			ID         string `json:"id"`
			Attributes struct {
				Name     string `json:"name"`
				BundleID string `json:"bundleId"`
				SKU      string `json:"sku"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/apps?limit=200", nil, &resp); err != nil {
		return nil, err
	}
	apps := make([]App, 0, len(resp.Data))
	for _, d := range resp.Data {
		apps = append(apps, App{
			ID:       d.ID,
			Name:     d.Attributes.Name,
			BundleID: d.Attributes.BundleID,
			SKU:      d.Attributes.SKU,
		})
	}
	return apps, nil
}

type iapResource struct {
	ID         string `json:"id"`
	Attributes struct {
		ProductID      string `json:"productId"`
		Name           string `json:"name"`
		Type           string `json:"inAppPurchaseType"`
		State          string `json:"state"`
		FamilySharable bool   `json:"familySharable"`
		ContentHosting bool   `json:"contentHosting"`
	} `json:"attributes"`
}

func (r iapResource) toModel() *InAppPurchase {
	return &InAppPurchase{
		ID:             r.ID,
		ProductID:      r.Attributes.ProductID,
		ReferenceName:  r.Attributes.Name,
		Type:           IAPType(r.Attributes.Type),
		State:          IAPState(r.Attributes.State),
		FamilySharable: r.Attributes.FamilySharable,
		ContentHosting: r.Attributes.ContentHosting,
	}
}

// ListInAppPurchases returns the products already registered for an app.
func (c *Client) ListInAppPurchases(ctx context.Context, appID string) ([]InAppPurchase, error) {
	var resp struct {
		Data []iapResource `json:"data"`
	}
	path := fmt.Sprintf("/v1/apps/%s/inAppPurchasesV2?limit=200", url.PathEscape(appID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	iaps := make([]InAppPurchase, 0, len(resp.Data))
	for _, d := range resp.Data {
		iaps = append(iaps, *d.toModel())
	}
	return iaps, nil
}

// CreateIAPRequest carries the attributes for a product create call.
type CreateIAPRequest struct {
	ProductID      string
	ReferenceName  string
	Type           IAPType
	FamilySharable bool
}

// CreateInAppPurchase registers a new product under the given app.
func (c *Client) CreateInAppPurchase(ctx context.Context, appID string, req CreateIAPRequest) (*InAppPurchase, error) {
	body := map[string]interface{}{
		"data": map[string]interface{}{
			"type": "inAppPurchases",
			"attributes": map[string]interface{}{
				"name":              req.ReferenceName,
				"productId":         req.ProductID,
				"inAppPurchaseType": string(req.Type),
				"familySharable":    req.FamilySharable,
			},
			"relationships": map[string]interface{}{
				"app": relationship{Data: resourceRef{Type: "apps", ID: appID}},
			},
		},
	}
	var resp struct {
		Data iapResource `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/inAppPurchases", body, &resp); err != nil {
		return nil, err
	}
	return resp.Data.toModel(), nil
}

// UpdateInAppPurchase changes the reference name and family-sharing flag.
func (c *Client) UpdateInAppPurchase(ctx context.Context, iapID, referenceName string, familySharable bool) (*InAppPurchase, error) {
	body := map[string]interface{}{
		"data": map[string]interface{}{
			"type": "inAppPurchases",
			"id":   iapID,
			"attributes": map[string]interface{}{
				"name":           referenceName,
				"familySharable": familySharable,
			},
		},
	}
	var resp struct {
		Data iapResource `json:"data"`
	}
	path := "/v2/inAppPurchases/" + url.PathEscape(iapID)
	if err := c.do(ctx, http.MethodPatch, path, body, &resp); err != nil {
		return nil, err
	}
	return resp.Data.toModel(), nil
}

// DeleteInAppPurchase removes a product. Only products that never went
// on sale can be deleted; ASC enforces that and reports it as a
// validation rejection.
func (c *Client) DeleteInAppPurchase(ctx context.Context, iapID string) error {
	return c.do(ctx, http.MethodDelete, "/v2/inAppPurchases/"+url.PathEscape(iapID), nil, nil)
}

// CreateLocalization attaches display text for one locale to a product.
func (c *Client) CreateLocalization(ctx context.Context, iapID string, loc Localization) (*Localization, error) {
	body := map[string]interface{}{
		"data": map[string]interface{}{
			"type": "inAppPurchaseLocalizations",
			"attributes": map[string]interface{}{
				"locale":      loc.Locale,
				"name":        loc.Name,
				"description": loc.Description,
			},
			"relationships": map[string]interface{}{
				"inAppPurchaseV2": relationship{Data: resourceRef{Type: "inAppPurchases", ID: iapID}},
			},
		},
	}
	var resp struct {
		Data struct {
			ID         string `json:"id"`
			Attributes struct {
				Locale      string `json:"locale"`
				Name        string `json:"name"`
				Description string `json:"description"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/inAppPurchaseLocalizations", body, &resp); err != nil {
		return nil, err
	}
	return &Localization{
		ID:          resp.Data.ID,
		Locale:      resp.Data.Attributes.Locale,
		Name:        resp.Data.Attributes.Name,
		Description: resp.Data.Attributes.Description,
	}, nil
}

// ListPricePoints returns the selectable price points for a product in
// one territory.
func (c *Client) ListPricePoints(ctx context.Context, iapID, territory string) ([]PricePoint, error) {
	var resp struct {
		Data []struct {
			ID         string `json:"id"`
			Attributes struct {
				CustomerPrice string `json:"customerPrice"`
				Proceeds      string `json:"proceeds"`
			} `json:"attributes"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/v2/inAppPurchases/%s/pricePoints?filter[territory]=%s&limit=200",
		url.PathEscape(iapID), url.QueryEscape(territory))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	points := make([]PricePoint, 0, len(resp.Data))
	for _, d := range resp.Data {
		points = append(points, PricePoint{
			ID:            d.ID,
			CustomerPrice: d.Attributes.CustomerPrice,
			Proceeds:      d.Attributes.Proceeds,
		})
	}
	return points, nil
}

// CreatePriceSchedule sets a manual price for a product. The schedule
// references a price entry that only exists inside this request, so the
// entry uses the "${price1}" placeholder id ASC resolves server-side.
func (c *Client) CreatePriceSchedule(ctx context.Context, iapID, pricePointID, baseTerritory string) error {
	const placeholderID = "${price1}"
	body := map[string]interface{}{
		"data": map[string]interface{}{
			"type": "inAppPurchasePriceSchedules",
			"relationships": map[string]interface{}{
				"baseTerritory": relationship{Data: resourceRef{Type: "territories", ID: baseTerritory}},
				"inAppPurchase": relationship{Data: resourceRef{Type: "inAppPurchases", ID: iapID}},
				"manualPrices": relationshipList{Data: []resourceRef{
					{Type: "inAppPurchasePrices", ID: placeholderID},
				}},
			},
		},
		"included": []map[string]interface{}{{
			"type": "inAppPurchasePrices",
			"id":   placeholderID,
			"attributes": map[string]interface{}{
				"startDate": nil,
				"endDate":   nil,
			},
			"relationships": map[string]interface{}{
				"inAppPurchaseV2":         relationship{Data: resourceRef{Type: "inAppPurchases", ID: iapID}},
				"inAppPurchasePricePoint": relationship{Data: resourceRef{Type: "inAppPurchasePricePoints", ID: pricePointID}},
			},
		}},
	}
	return c.do(ctx, http.MethodPost, "/v1/inAppPurchasePriceSchedules", body, nil)
}

// ListTerritories returns every storefront territory.
func (c *Client) ListTerritories(ctx context.Context) ([]Territory, error) {
	var resp struct {
		Data []struct {
			ID         string `json:"id"`
			Attributes struct {
				Currency string `json:"currency"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/territories?limit=200", nil, &resp); err != nil {
		return nil, err
	}
	territories := make([]Territory, 0, len(resp.Data))
	for _, d := range resp.Data {
		territories = append(territories, Territory{ID: d.ID, Currency: d.Attributes.Currency})
	}
	return territories, nil
}

// CreateAvailability makes the product available in every territory,
// optionally minus the CN/HK/MO/TW exclusion set.
func (c *Client) CreateAvailability(ctx context.Context, iapID string, excludeRestricted bool) error {
	territories, err := c.ListTerritories(ctx)
	if err != nil {
		return err
	}
	if excludeRestricted {
		territories = FilterRestrictedTerritories(territories)
	}

	refs := make([]resourceRef, 0, len(territories))
	for _, t := range territories {
		refs = append(refs, resourceRef{Type: "territories", ID: t.ID})
	}

	body := map[string]interface{}{
		"data": map[string]interface{}{
			"type": "inAppPurchaseAvailabilities",
			"attributes": map[string]interface{}{
				"availableInNewTerritories": true,
			},
			"relationships": map[string]interface{}{
				"inAppPurchase":        relationship{Data: resourceRef{Type: "inAppPurchases", ID: iapID}},
				"availableTerritories": relationshipList{Data: refs},
			},
		},
	}
	return c.do(ctx, http.MethodPost, "/v1/inAppPurchaseAvailabilities", body, nil)
}

type uploadOperation struct {
	Method         string `json:"method"`
	URL            string `json:"url"`
	Offset         int    `json:"offset"`
	Length         int    `json:"length"`
	RequestHeaders []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"requestHeaders"`
}

// UploadReviewScreenshot runs the three-step review screenshot flow:
// reserve the asset, upload the chunks, commit. The chunk uploads go
// straight to the storage host and carry no bearer token.
func (c *Client) UploadReviewScreenshot(ctx context.Context, iapID string, data []byte, fileName string) error {
	reserveBody := map[string]interface{}{
		"data": map[string]interface{}{
			"type": "inAppPurchaseAppStoreReviewScreenshots",
			"attributes": map[string]interface{}{
				"fileName": fileName,
				"fileSize": len(data),
			},
			"relationships": map[string]interface{}{
				"inAppPurchaseV2": relationship{Data: resourceRef{Type: "inAppPurchases", ID: iapID}},
			},
		},
	}
	var reserved struct {
		Data struct {
			ID         string `json:"id"`
			Attributes struct {
				UploadOperations []uploadOperation `json:"uploadOperations"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/inAppPurchaseAppStoreReviewScreenshots", reserveBody, &reserved); err != nil {
		return err
	}
	if len(reserved.Data.Attributes.UploadOperations) == 0 {
		return &NetworkError{Op: "reserve screenshot", Err: errors.New("no upload operations returned")}
	}

	for _, op := range reserved.Data.Attributes.UploadOperations {
		end := op.Offset + op.Length
		if op.Length == 0 || end > len(data) {
			end = len(data)
		}
		chunk := data[op.Offset:end]
		if err := c.uploadChunk(ctx, op, chunk); err != nil {
			return err
		}
	}

	commitBody := map[string]interface{}{
		"data": map[string]interface{}{
			"id":   reserved.Data.ID,
			"type": "inAppPurchaseAppStoreReviewScreenshots",
			"attributes": map[string]interface{}{
				"uploaded": true,
			},
		},
	}
	path := "/v1/inAppPurchaseAppStoreReviewScreenshots/" + url.PathEscape(reserved.Data.ID)
	return c.do(ctx, http.MethodPatch, path, commitBody, nil)
}

func (c *Client) uploadChunk(ctx context.Context, op uploadOperation, chunk []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	method := op.Method
	if method == "" {
		method = http.MethodPut
	}
	req, err := http.NewRequestWithContext(ctx, method, op.URL, bytes.NewReader(chunk))
	if err != nil {
		return &NetworkError{Op: "upload screenshot chunk", Err: err}
	}

	sum := md5.Sum(chunk)
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(sum[:]))
	req.ContentLength = int64(len(chunk))
	for _, h := range op.RequestHeaders {
		if h.Name != "" && h.Value != "" {
			req.Header.Set(h.Name, h.Value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError("upload screenshot chunk", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return &NetworkError{Op: "upload screenshot chunk", StatusCode: resp.StatusCode}
	}
	return nil
}

// do sends one API request, replaying it once with a fresh token if the
// first attempt comes back 401.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	err := c.once(ctx, method, path, body, out)
	if errors.Is(err, errUnauthorized) {
		if c.logger != nil {
			c.logger.WarnWithContext(ctx, "token rejected, refreshing and replaying", "method", method, "path", path)
		}
		c.tokens.Invalidate()
		err = c.once(ctx, method, path, body, out)
		if errors.Is(err, errUnauthorized) {
			return &CredentialError{Reason: "app store connect rejected the refreshed token"}
		}
	}
	return err
}

func (c *Client) once(ctx context.Context, method, path string, body, out interface{}) error {
	op := method + " " + path

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request for %s: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}

	token, err := c.tokens.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return &NetworkError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return errUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{
			Detail:     firstErrorDetail(respBody),
			RetryAfter: retryAfter(resp.Header),
		}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var envelope errorEnvelope
		_ = json.Unmarshal(respBody, &envelope)
		return &RemoteValidationError{StatusCode: resp.StatusCode, Errors: envelope.Errors}
	default:
		return &NetworkError{Op: op, StatusCode: resp.StatusCode}
	}
}

// transportError distinguishes caller cancellation from real transport
// failures so cancelled work is not retried.
func (c *Client) transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, ErrCancelled)
	}
	return &NetworkError{Op: op, Err: err}
}

func firstErrorDetail(body []byte) string {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Errors) == 0 {
		return ""
	}
	return envelope.Errors[0].String()
}

// retryAfter reads the Retry-After header, in seconds, when present.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
