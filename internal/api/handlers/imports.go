package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/iapkit/asc-importer/internal/adapters/messaging"
	"github.com/iapkit/asc-importer/internal/adapters/storage"
	"github.com/iapkit/asc-importer/internal/domain/models"
	"github.com/iapkit/asc-importer/internal/parser"
	"github.com/iapkit/asc-importer/pkg/interfaces"
	"github.com/iapkit/asc-importer/pkg/utils"
)

// maxImportFileSize bounds uploaded import files.
const maxImportFileSize = 20 << 20

// ImportHandler accepts import files, stores the parsed jobs and hands
// them to the worker over Kafka.
type ImportHandler struct {
	storage       storage.BatchStorageInterface
	messaging     interfaces.MessagingPort
	logger        interfaces.LoggerPort
	commandsTopic string
}

// NewImportHandler creates the handler.
func NewImportHandler(store storage.BatchStorageInterface, broker interfaces.MessagingPort, logger interfaces.LoggerPort, commandsTopic string) *ImportHandler {
	return &ImportHandler{
		storage:       store,
		messaging:     broker,
		logger:        logger,
		commandsTopic: commandsTopic,
	}
}

// CreateImport parses the uploaded file, persists the job and publishes
// a run command for the worker. Rows that failed to parse are reported
// in the response but do not block the importable rows.
func (h *ImportHandler) CreateImport(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxImportFileSize); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "request is not a valid multipart form",
		})
		return
	}

	appID := r.FormValue("app_id")
	if appID == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "validation_error",
			Code:    http.StatusBadRequest,
			Message: "app_id is required",
		})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "import file is missing",
		})
		return
	}
	defer file.Close()

	result, err := parser.Parse(header.Filename, io.LimitReader(file, maxImportFileSize))
	if err != nil {
		var formatErr *parser.FormatError
		if errors.As(err, &formatErr) {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, errorResponse{
				Error:   "format_error",
				Code:    http.StatusBadRequest,
				Message: formatErr.Error(),
			})
			return
		}
		h.logger.ErrorWithContext(r.Context(), "failed to parse import file",
			"file_name", header.Filename, "error", err.Error())
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{
			Error:   "internal_error",
			Code:    http.StatusInternalServerError,
			Message: "failed to parse import file",
		})
		return
	}

	excludeRestricted := true
	if raw := r.FormValue("exclude_restricted_territories"); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			excludeRestricted = parsed
		}
	}

	now := time.Now().UTC()
	job := &models.BatchJob{
		ID:       uuid.New().String(),
		AppID:    appID,
		FileName: header.Filename,
		Status:   models.BatchPending,
		Options: models.BatchOptions{
			ExcludeRestrictedTerritories: excludeRestricted,
			BaseTerritory:                r.FormValue("base_territory"),
		},
		Records:   result.Records,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.storage.SaveJob(r.Context(), job); err != nil {
		h.logger.ErrorWithContext(r.Context(), "failed to save batch job",
			"batch_id", job.ID, "error", err.Error())
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{
			Error:   "internal_error",
			Code:    http.StatusInternalServerError,
			Message: "failed to save import job",
		})
		return
	}

	if err := h.publishCommand(r, messaging.RunImportCommand, job.ID); err != nil {
		h.logger.ErrorWithContext(r.Context(), "failed to publish run command",
			"batch_id", job.ID, "error", err.Error())
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{
			Error:   "internal_error",
			Code:    http.StatusInternalServerError,
			Message: "failed to schedule import job",
		})
		return
	}

	h.logger.InfoWithContext(r.Context(), "import job accepted",
		"batch_id", job.ID, "app_id", appID,
		"records", len(job.Records), "row_errors", len(result.RowErrors))

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, response{
		Success: true,
		Data:    job,
		Meta: map[string]interface{}{
			"row_errors": result.RowErrors,
		},
	})
}

// GetImport returns one job with its per-record results.
func (h *ImportHandler) GetImport(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	if batchID == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "batch id is missing",
		})
		return
	}

	job, err := h.storage.GetJob(r.Context(), batchID)
	if err != nil {
		h.logger.ErrorWithContext(r.Context(), "failed to load batch job",
			"batch_id", batchID, "error", err.Error())
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{
			Error:   "internal_error",
			Code:    http.StatusInternalServerError,
			Message: "failed to load import job",
		})
		return
	}
	if job == nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, errorResponse{
			Error:   "not_found",
			Code:    http.StatusNotFound,
			Message: "import job not found",
		})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    job,
	})
}

// ListImports returns jobs ordered by creation time, newest first.
func (h *ImportHandler) ListImports(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}

	pageSize, err := strconv.Atoi(r.URL.Query().Get("page_size"))
	if err != nil || pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	pagination := utils.NewPagination(page, pageSize, "created_at", true)

	jobs, total, err := h.storage.ListJobs(r.Context(), pagination.GetLimit(), pagination.GetOffset())
	if err != nil {
		h.logger.ErrorWithContext(r.Context(), "failed to list batch jobs", "error", err.Error())
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{
			Error:   "internal_error",
			Code:    http.StatusInternalServerError,
			Message: "failed to list import jobs",
		})
		return
	}
	pagination.SetTotal(int64(total))

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    jobs,
		Meta: map[string]interface{}{
			"pagination": pagination,
		},
	})
}

// CancelImport asks the worker to stop a running job. Records already
// submitted stay submitted; the rest are failed by the pipeline.
func (h *ImportHandler) CancelImport(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	if batchID == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "batch id is missing",
		})
		return
	}

	job, err := h.storage.GetJob(r.Context(), batchID)
	if err != nil {
		h.logger.ErrorWithContext(r.Context(), "failed to load batch job",
			"batch_id", batchID, "error", err.Error())
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{
			Error:   "internal_error",
			Code:    http.StatusInternalServerError,
			Message: "failed to load import job",
		})
		return
	}
	if job == nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, errorResponse{
			Error:   "not_found",
			Code:    http.StatusNotFound,
			Message: "import job not found",
		})
		return
	}
	if job.Status == models.BatchCompleted || job.Status == models.BatchCancelled {
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, errorResponse{
			Error:   "conflict",
			Code:    http.StatusConflict,
			Message: "import job already finished",
		})
		return
	}

	if err := h.publishCommand(r, messaging.CancelImportCommand, batchID); err != nil {
		h.logger.ErrorWithContext(r.Context(), "failed to publish cancel command",
			"batch_id", batchID, "error", err.Error())
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{
			Error:   "internal_error",
			Code:    http.StatusInternalServerError,
			Message: "failed to cancel import job",
		})
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, response{
		Success: true,
		Data: map[string]interface{}{
			"batch_id":  batchID,
			"cancelled": true,
		},
	})
}

func (h *ImportHandler) publishCommand(r *http.Request, commandType, batchID string) error {
	command := models.ImportCommand{
		CommandType: commandType,
		BatchID:     batchID,
		RequestedAt: time.Now().Unix(),
	}
	payload, err := json.Marshal(command)
	if err != nil {
		return err
	}
	// Keyed by batch id so commands for one job stay ordered.
	return h.messaging.PublishWithKey(r.Context(), h.commandsTopic, batchID, payload)
}
