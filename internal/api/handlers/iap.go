package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/iapkit/asc-importer/internal/appstore"
	"github.com/iapkit/asc-importer/internal/domain/models"
	"github.com/iapkit/asc-importer/internal/domain/services"
	"github.com/iapkit/asc-importer/pkg/interfaces"
)

// errorResponse is the error envelope returned by every handler.
type errorResponse struct {
	Error   string      `json:"error"`
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// response is the success envelope returned by every handler.
type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
}

// IAPHandler serves single-product operations against App Store Connect.
type IAPHandler struct {
	service *services.IAPService
	logger  interfaces.LoggerPort
}

// NewIAPHandler creates the handler.
func NewIAPHandler(service *services.IAPService, logger interfaces.LoggerPort) *IAPHandler {
	return &IAPHandler{
		service: service,
		logger:  logger,
	}
}

// renderUpstreamError maps App Store Connect failures onto HTTP statuses:
// bad credentials turn into 401, remote validation keeps its upstream
// status, throttling becomes 429 and transport problems 502.
func renderUpstreamError(w http.ResponseWriter, r *http.Request, logger interfaces.LoggerPort, err error, message string) {
	logger.ErrorWithContext(r.Context(), message, "error", err.Error())

	var credErr *appstore.CredentialError
	if errors.As(err, &credErr) {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, errorResponse{
			Error:   "credential_error",
			Code:    http.StatusUnauthorized,
			Message: credErr.Error(),
		})
		return
	}

	var validationErr *appstore.RemoteValidationError
	if errors.As(err, &validationErr) {
		status := validationErr.StatusCode
		if status < 400 || status > 499 {
			status = http.StatusUnprocessableEntity
		}
		render.Status(r, status)
		render.JSON(w, r, errorResponse{
			Error:   "remote_validation_error",
			Code:    status,
			Message: validationErr.Error(),
			Details: validationErr.Errors,
		})
		return
	}

	var rateErr *appstore.RateLimitError
	if errors.As(err, &rateErr) {
		render.Status(r, http.StatusTooManyRequests)
		render.JSON(w, r, errorResponse{
			Error:   "rate_limited",
			Code:    http.StatusTooManyRequests,
			Message: rateErr.Error(),
		})
		return
	}

	var netErr *appstore.NetworkError
	if errors.As(err, &netErr) {
		render.Status(r, http.StatusBadGateway)
		render.JSON(w, r, errorResponse{
			Error:   "upstream_unavailable",
			Code:    http.StatusBadGateway,
			Message: netErr.Error(),
		})
		return
	}

	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, errorResponse{
		Error:   "internal_error",
		Code:    http.StatusInternalServerError,
		Message: message,
	})
}

// TestConnection verifies the configured key against the live API.
func (h *IAPHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.service.TestConnection(r.Context()); err != nil {
		renderUpstreamError(w, r, h.logger, err, "connection check failed")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    map[string]interface{}{"connected": true},
	})
}

// ListApps returns the apps visible to the configured key.
func (h *IAPHandler) ListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := h.service.ListApps(r.Context())
	if err != nil {
		renderUpstreamError(w, r, h.logger, err, "failed to list apps")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    apps,
	})
}

// ListIAPs returns the products registered under an app.
func (h *IAPHandler) ListIAPs(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	if appID == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "app id is missing",
		})
		return
	}

	iaps, err := h.service.ListIAPs(r.Context(), appID)
	if err != nil {
		renderUpstreamError(w, r, h.logger, err, "failed to list in-app purchases")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    iaps,
	})
}

// createIAPRequest is the body of a manual product creation.
type createIAPRequest struct {
	ProductID                    string `json:"product_id"`
	ReferenceName                string `json:"reference_name"`
	Description                  string `json:"description"`
	Type                         string `json:"type"`
	Price                        string `json:"price"`
	ExcludeRestrictedTerritories *bool  `json:"exclude_restricted_territories"`
	BaseTerritory                string `json:"base_territory"`
}

// CreateIAP creates one product with full setup (price schedule,
// localization, availability).
func (h *IAPHandler) CreateIAP(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	if appID == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "app id is missing",
		})
		return
	}

	var req createIAPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "request body is not valid JSON",
		})
		return
	}

	if req.ProductID == "" || req.ReferenceName == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "validation_error",
			Code:    http.StatusBadRequest,
			Message: "product_id and reference_name are required",
		})
		return
	}

	iapType, err := appstore.ParseIAPType(req.Type)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "validation_error",
			Code:    http.StatusBadRequest,
			Message: err.Error(),
		})
		return
	}

	price := req.Price
	if price == "" {
		price = models.DefaultPrice
	}

	rec := models.ImportRecord{
		ID:            uuid.New().String(),
		ProductID:     req.ProductID,
		Type:          iapType,
		ReferenceName: req.ReferenceName,
		Description:   req.Description,
		Price:         price,
		Localizations: []appstore.Localization{{
			Locale:      "en-US",
			Name:        req.ReferenceName,
			Description: req.Description,
		}},
	}
	opts := models.BatchOptions{
		ExcludeRestrictedTerritories: req.ExcludeRestrictedTerritories == nil || *req.ExcludeRestrictedTerritories,
		BaseTerritory:                req.BaseTerritory,
	}

	iap, warnings, err := h.service.CreateIAP(r.Context(), appID, rec, opts)
	if err != nil {
		renderUpstreamError(w, r, h.logger, err, "failed to create in-app purchase")
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, response{
		Success: true,
		Data:    iap,
		Meta: map[string]interface{}{
			"warnings": warnings,
		},
	})
}

// updateIAPRequest is the body of a product update.
type updateIAPRequest struct {
	ReferenceName  string `json:"reference_name"`
	FamilySharable bool   `json:"family_sharable"`
}

// UpdateIAP changes the reference name and family-sharing flag.
func (h *IAPHandler) UpdateIAP(w http.ResponseWriter, r *http.Request) {
	iapID := chi.URLParam(r, "iapID")
	if iapID == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "in-app purchase id is missing",
		})
		return
	}

	var req updateIAPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "request body is not valid JSON",
		})
		return
	}

	if req.ReferenceName == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "validation_error",
			Code:    http.StatusBadRequest,
			Message: "reference_name is required",
		})
		return
	}

	iap, err := h.service.UpdateIAP(r.Context(), iapID, req.ReferenceName, req.FamilySharable)
	if err != nil {
		renderUpstreamError(w, r, h.logger, err, "failed to update in-app purchase")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    iap,
	})
}

// DeleteIAP removes a product that never went on sale.
func (h *IAPHandler) DeleteIAP(w http.ResponseWriter, r *http.Request) {
	iapID := chi.URLParam(r, "iapID")
	if iapID == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "in-app purchase id is missing",
		})
		return
	}

	if err := h.service.DeleteIAP(r.Context(), iapID); err != nil {
		renderUpstreamError(w, r, h.logger, err, "failed to delete in-app purchase")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data: map[string]interface{}{
			"id":      iapID,
			"deleted": true,
		},
	})
}

// maxScreenshotSize bounds review screenshot uploads.
const maxScreenshotSize = 10 << 20

// UploadScreenshot accepts a multipart review screenshot and runs the
// reserve-upload-commit flow against App Store Connect.
func (h *IAPHandler) UploadScreenshot(w http.ResponseWriter, r *http.Request) {
	iapID := chi.URLParam(r, "iapID")
	if iapID == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "in-app purchase id is missing",
		})
		return
	}

	if err := r.ParseMultipartForm(maxScreenshotSize); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "request is not a valid multipart form",
		})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "screenshot file is missing",
		})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxScreenshotSize+1))
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "failed to read screenshot file",
		})
		return
	}
	if len(data) > maxScreenshotSize {
		render.Status(r, http.StatusRequestEntityTooLarge)
		render.JSON(w, r, errorResponse{
			Error:   "payload_too_large",
			Code:    http.StatusRequestEntityTooLarge,
			Message: "screenshot exceeds the 10 MiB limit",
		})
		return
	}

	if err := h.service.UploadScreenshot(r.Context(), iapID, data, header.Filename); err != nil {
		renderUpstreamError(w, r, h.logger, err, "failed to upload review screenshot")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data: map[string]interface{}{
			"iap_id":    iapID,
			"file_name": header.Filename,
			"uploaded":  true,
		},
	})
}

// ListCommonPrices returns the price presets offered to clients.
func (h *IAPHandler) ListCommonPrices(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    models.CommonPrices,
	})
}
