package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iapkit/asc-importer/internal/domain/models"
	"github.com/iapkit/asc-importer/pkg/interfaces"
	"github.com/iapkit/asc-importer/pkg/tx"
)

// BatchStorageInterface defines the persistence operations for import
// jobs and their per-record results.
type BatchStorageInterface interface {
	SaveJob(ctx context.Context, job *models.BatchJob) error
	GetJob(ctx context.Context, batchID string) (*models.BatchJob, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*models.BatchJob, int, error)
	SaveResult(ctx context.Context, batchID string, result *models.SubmissionResult) error
	ListResults(ctx context.Context, batchID string) ([]models.SubmissionResult, error)
}

// BatchStoragePort is the full storage port including transactions.
type BatchStoragePort interface {
	BatchStorageInterface
	interfaces.StoragePort
}

type contextKey string

const txKey contextKey = "transaction"

// BatchStorage is the PostgreSQL implementation of BatchStoragePort.
type BatchStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects a new pool.
func NewPostgresStorage(ctx context.Context, connectionString string) (*BatchStorage, error) {
	pool, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &BatchStorage{pool: pool}, nil
}

// NewPostgresStorageWithPool wraps an existing pool.
func NewPostgresStorageWithPool(ctx context.Context, pool *pgxpool.Pool) (*BatchStorage, error) {
	if pool == nil {
		return nil, errors.New("pool is nil")
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &BatchStorage{pool: pool}, nil
}

// Close closes the pool.
func (r *BatchStorage) Close() error {
	r.pool.Close()
	return nil
}

type executor interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// getExecutor returns the transaction from the context when one is
// active, otherwise the pool.
func (r *BatchStorage) getExecutor(ctx context.Context) executor {
	if tx := r.getTx(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *BatchStorage) getTx(ctx context.Context) pgx.Tx {
	if txFromCtx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return txFromCtx
	}
	// Also honor transactions opened by the shared tx manager.
	if txFromCtx, ok := ctx.Value(tx.GetKey()).(pgx.Tx); ok {
		return txFromCtx
	}
	return nil
}

// BeginTx starts a transaction and stores it in the returned context.
func (r *BatchStorage) BeginTx(ctx context.Context) (context.Context, error) {
	pgTx, err := r.pool.Begin(ctx)
	if err != nil {
		return ctx, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return context.WithValue(ctx, txKey, pgTx), nil
}

// CommitTx commits the transaction carried by the context.
func (r *BatchStorage) CommitTx(ctx context.Context) error {
	pgTx := r.getTx(ctx)
	if pgTx == nil {
		return errors.New("no transaction in context")
	}
	return pgTx.Commit(ctx)
}

// RollbackTx rolls back the transaction carried by the context.
func (r *BatchStorage) RollbackTx(ctx context.Context) error {
	pgTx := r.getTx(ctx)
	if pgTx == nil {
		return errors.New("no transaction in context")
	}
	return pgTx.Rollback(ctx)
}

// SaveJob upserts the job header, its options and the record payload.
// Results live in their own table and are saved separately.
func (r *BatchStorage) SaveJob(ctx context.Context, job *models.BatchJob) error {
	exec := r.getExecutor(ctx)

	query := `
		INSERT INTO importer.jobs (id, app_id, file_name, status, options, records, succeeded, failed,
			created_at, updated_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id)
		DO UPDATE SET
			status = $4,
			succeeded = $7,
			failed = $8,
			updated_at = $10,
			started_at = $11,
			finished_at = $12
	`

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("failed to encode job options: %w", err)
	}
	records, err := json.Marshal(job.Records)
	if err != nil {
		return fmt.Errorf("failed to encode job records: %w", err)
	}

	_, err = exec.Exec(ctx, query, job.ID, job.AppID, job.FileName, job.Status, options, records,
		job.Succeeded, job.Failed, job.CreatedAt, job.UpdatedAt, job.StartedAt, job.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// GetJob loads a job with its results. Returns nil, nil when absent.
func (r *BatchStorage) GetJob(ctx context.Context, batchID string) (*models.BatchJob, error) {
	exec := r.getExecutor(ctx)

	query := `
		SELECT id, app_id, file_name, status, options, records, succeeded, failed,
			created_at, updated_at, started_at, finished_at
		FROM importer.jobs
		WHERE id = $1
	`

	var (
		job     models.BatchJob
		options []byte
		records []byte
	)
	row := exec.QueryRow(ctx, query, batchID)
	err := row.Scan(&job.ID, &job.AppID, &job.FileName, &job.Status, &options, &records,
		&job.Succeeded, &job.Failed, &job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if err := json.Unmarshal(options, &job.Options); err != nil {
		return nil, fmt.Errorf("failed to decode job options: %w", err)
	}
	if err := json.Unmarshal(records, &job.Records); err != nil {
		return nil, fmt.Errorf("failed to decode job records: %w", err)
	}

	results, err := r.ListResults(ctx, batchID)
	if err != nil {
		return nil, err
	}
	job.Results = results
	return &job, nil
}

// ListJobs pages through jobs newest-first and reports the total count.
func (r *BatchStorage) ListJobs(ctx context.Context, limit, offset int) ([]*models.BatchJob, int, error) {
	exec := r.getExecutor(ctx)

	var total int
	if err := exec.QueryRow(ctx, `SELECT COUNT(*) FROM importer.jobs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	query := `
		SELECT id, app_id, file_name, status, options, records, succeeded, failed,
			created_at, updated_at, started_at, finished_at
		FROM importer.jobs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := exec.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.BatchJob
	for rows.Next() {
		var (
			job     models.BatchJob
			options []byte
			records []byte
		)
		err := rows.Scan(&job.ID, &job.AppID, &job.FileName, &job.Status, &options, &records,
			&job.Succeeded, &job.Failed, &job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.FinishedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan job: %w", err)
		}
		if err := json.Unmarshal(options, &job.Options); err != nil {
			return nil, 0, fmt.Errorf("failed to decode job options: %w", err)
		}
		if err := json.Unmarshal(records, &job.Records); err != nil {
			return nil, 0, fmt.Errorf("failed to decode job records: %w", err)
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, total, nil
}

// SaveResult upserts one record result.
func (r *BatchStorage) SaveResult(ctx context.Context, batchID string, result *models.SubmissionResult) error {
	exec := r.getExecutor(ctx)

	query := `
		INSERT INTO importer.results (batch_id, record_id, product_id, status, attempts, iap_id,
			last_error, warnings, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (batch_id, record_id)
		DO UPDATE SET
			status = $4,
			attempts = $5,
			iap_id = $6,
			last_error = $7,
			warnings = $8,
			updated_at = $9
	`

	warnings, err := json.Marshal(result.Warnings)
	if err != nil {
		return fmt.Errorf("failed to encode result warnings: %w", err)
	}
	result.UpdatedAt = time.Now().UTC()

	_, err = exec.Exec(ctx, query, batchID, result.RecordID, result.ProductID, result.Status,
		result.Attempts, result.IAPID, result.LastError, warnings, result.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// ListResults returns the results for a job in record order.
func (r *BatchStorage) ListResults(ctx context.Context, batchID string) ([]models.SubmissionResult, error) {
	exec := r.getExecutor(ctx)

	query := `
		SELECT record_id, product_id, status, attempts, iap_id, last_error, warnings, updated_at
		FROM importer.results
		WHERE batch_id = $1
		ORDER BY record_id
	`
	rows, err := exec.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var results []models.SubmissionResult
	for rows.Next() {
		var (
			res      models.SubmissionResult
			warnings []byte
		)
		err := rows.Scan(&res.RecordID, &res.ProductID, &res.Status, &res.Attempts, &res.IAPID,
			&res.LastError, &warnings, &res.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if len(warnings) > 0 {
			if err := json.Unmarshal(warnings, &res.Warnings); err != nil {
				return nil, fmt.Errorf("failed to decode result warnings: %w", err)
			}
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate results: %w", err)
	}
	return results, nil
}
