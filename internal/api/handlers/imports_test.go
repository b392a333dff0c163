package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iapkit/asc-importer/internal/domain/models"
	"github.com/iapkit/asc-importer/pkg/interfaces"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{})                           {}
func (noopLogger) Info(string, ...interface{})                            {}
func (noopLogger) Warn(string, ...interface{})                            {}
func (noopLogger) Error(string, ...interface{})                           {}
func (noopLogger) Fatal(string, ...interface{})                           {}
func (noopLogger) Panic(string, ...interface{})                           {}
func (noopLogger) DebugWithContext(context.Context, string, ...interface{}) {}
func (noopLogger) InfoWithContext(context.Context, string, ...interface{})  {}
func (noopLogger) WarnWithContext(context.Context, string, ...interface{})  {}
func (noopLogger) ErrorWithContext(context.Context, string, ...interface{}) {}
func (noopLogger) FatalWithContext(context.Context, string, ...interface{}) {}
func (noopLogger) PanicWithContext(context.Context, string, ...interface{}) {}
func (l noopLogger) WithFields(...interfaces.LogField) interfaces.LoggerPort {
	return l
}
func (l noopLogger) WithField(string, interface{}) interfaces.LoggerPort { return l }
func (noopLogger) Flush() error                                          { return nil }
func (noopLogger) Sync() error                                           { return nil }

// memoryStorage is an in-process BatchStorageInterface for handler tests.
type memoryStorage struct {
	mu   sync.Mutex
	jobs map[string]*models.BatchJob
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{jobs: make(map[string]*models.BatchJob)}
}

func (s *memoryStorage) SaveJob(ctx context.Context, job *models.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *memoryStorage) GetJob(ctx context.Context, batchID string) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[batchID], nil
}

func (s *memoryStorage) ListJobs(ctx context.Context, limit, offset int) ([]*models.BatchJob, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*models.BatchJob
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return jobs, len(jobs), nil
}

func (s *memoryStorage) SaveResult(ctx context.Context, batchID string, result *models.SubmissionResult) error {
	return nil
}

func (s *memoryStorage) ListResults(ctx context.Context, batchID string) ([]models.SubmissionResult, error) {
	return nil, nil
}

// recordingBroker captures published messages.
type recordingBroker struct {
	mu       sync.Mutex
	messages []publishedMessage
}

type publishedMessage struct {
	Topic string
	Key   string
	Value []byte
}

func (b *recordingBroker) Publish(ctx context.Context, topic string, message []byte) error {
	return b.PublishWithKey(ctx, topic, "", message)
}

func (b *recordingBroker) PublishWithKey(ctx context.Context, topic, key string, message []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, publishedMessage{Topic: topic, Key: key, Value: message})
	return nil
}

func (b *recordingBroker) Subscribe(ctx context.Context, topic string, handler interfaces.MessageHandler) (func() error, error) {
	return func() error { return nil }, nil
}

func (b *recordingBroker) Close() error { return nil }

func importTestRouter(store *memoryStorage, broker *recordingBroker) *chi.Mux {
	h := NewImportHandler(store, broker, noopLogger{}, "iap-import-commands")
	r := chi.NewRouter()
	r.Post("/imports", h.CreateImport)
	r.Get("/imports", h.ListImports)
	r.Get("/imports/{batchID}", h.GetImport)
	r.Delete("/imports/{batchID}", h.CancelImport)
	return r
}

func multipartImport(t *testing.T, fileName, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	part, err := writer.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return &buf, writer.FormDataContentType()
}

func TestCreateImportAcceptsFileAndPublishesCommand(t *testing.T) {
	store := newMemoryStorage()
	broker := &recordingBroker{}
	router := importTestRouter(store, broker)

	body, contentType := multipartImport(t, "products.json",
		`[{"productId": "com.app.a", "displayName": "A"}, {"displayName": "no id"}]`,
		map[string]string{"app_id": "app1", "base_territory": "GBR"})

	req := httptest.NewRequest(http.MethodPost, "/imports", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Success bool           `json:"success"`
		Data    models.BatchJob `json:"data"`
		Meta    struct {
			RowErrors []struct {
				Row     int    `json:"row"`
				Message string `json:"message"`
			} `json:"row_errors"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "app1", resp.Data.AppID)
	assert.Equal(t, models.BatchPending, resp.Data.Status)
	assert.Equal(t, "GBR", resp.Data.Options.BaseTerritory)
	assert.True(t, resp.Data.Options.ExcludeRestrictedTerritories)
	require.Len(t, resp.Data.Records, 1)
	require.Len(t, resp.Meta.RowErrors, 1)

	// the job was persisted before the command went out
	saved, err := store.GetJob(context.Background(), resp.Data.ID)
	require.NoError(t, err)
	require.NotNil(t, saved)

	require.Len(t, broker.messages, 1)
	msg := broker.messages[0]
	assert.Equal(t, "iap-import-commands", msg.Topic)
	assert.Equal(t, resp.Data.ID, msg.Key)

	var command models.ImportCommand
	require.NoError(t, json.Unmarshal(msg.Value, &command))
	assert.Equal(t, "run_import", command.CommandType)
	assert.Equal(t, resp.Data.ID, command.BatchID)
}

func TestCreateImportRejectsUnparseableFile(t *testing.T) {
	router := importTestRouter(newMemoryStorage(), &recordingBroker{})

	body, contentType := multipartImport(t, "products.json", `not json at all`,
		map[string]string{"app_id": "app1"})

	req := httptest.NewRequest(http.MethodPost, "/imports", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "format_error", resp.Error)
}

func TestCreateImportRequiresAppID(t *testing.T) {
	router := importTestRouter(newMemoryStorage(), &recordingBroker{})

	body, contentType := multipartImport(t, "products.json",
		`[{"productId": "com.app.a", "displayName": "A"}]`, nil)

	req := httptest.NewRequest(http.MethodPost, "/imports", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetImportNotFound(t *testing.T) {
	router := importTestRouter(newMemoryStorage(), &recordingBroker{})

	req := httptest.NewRequest(http.MethodGet, "/imports/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelImportPublishesCommand(t *testing.T) {
	store := newMemoryStorage()
	broker := &recordingBroker{}
	router := importTestRouter(store, broker)

	require.NoError(t, store.SaveJob(context.Background(), &models.BatchJob{
		ID:        "batch-1",
		AppID:     "app1",
		Status:    models.BatchRunning,
		CreatedAt: time.Now().UTC(),
	}))

	req := httptest.NewRequest(http.MethodDelete, "/imports/batch-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, broker.messages, 1)

	var command models.ImportCommand
	require.NoError(t, json.Unmarshal(broker.messages[0].Value, &command))
	assert.Equal(t, "cancel_import", command.CommandType)
	assert.Equal(t, "batch-1", command.BatchID)
}

func TestCancelImportConflictsWhenFinished(t *testing.T) {
	store := newMemoryStorage()
	broker := &recordingBroker{}
	router := importTestRouter(store, broker)

	require.NoError(t, store.SaveJob(context.Background(), &models.BatchJob{
		ID:     "batch-done",
		Status: models.BatchCompleted,
	}))

	req := httptest.NewRequest(http.MethodDelete, "/imports/batch-done", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, broker.messages)
}
