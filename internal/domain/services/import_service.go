package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/iapkit/asc-importer/internal/appstore"
	"github.com/iapkit/asc-importer/internal/domain/models"
	"github.com/iapkit/asc-importer/pkg/interfaces"
)

const cancelledMessage = "import cancelled"

// BatchConfig tunes the import pipeline.
type BatchConfig struct {
	Workers       int           // concurrent submitters, clamped to 1..4
	MaxAttempts   int           // attempts per record including the first
	RetryBackoff  time.Duration // first retry delay, doubled per attempt
	MaxBackoff    time.Duration // ceiling for the backoff and Retry-After
	RatePerSecond float64       // shared token-bucket refill rate
	Burst         int           // token-bucket capacity
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.Workers > 4 {
		c.Workers = 4
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.RetryBackoff {
		c.MaxBackoff = 8 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 2
	}
	if c.Burst < 1 {
		c.Burst = 1
	}
	return c
}

// ProgressSink receives every record state transition.
type ProgressSink func(ctx context.Context, event models.ProgressEvent)

// ImportService runs batch import jobs against App Store Connect.
type ImportService struct {
	api    AppStoreAPI
	guard  *InflightGuard
	logger interfaces.LoggerPort
	cfg    BatchConfig
}

// NewImportService wires the pipeline.
func NewImportService(api AppStoreAPI, guard *InflightGuard, logger interfaces.LoggerPort, cfg BatchConfig) *ImportService {
	return &ImportService{
		api:    api,
		guard:  guard,
		logger: logger,
		cfg:    cfg.withDefaults(),
	}
}

// Run submits every record of the job and blocks until all of them reach
// a terminal state. Cancellation via ctx is cooperative: it is honored
// before each submission and during retry waits, records already sent
// are never rolled back, and records that had not started are marked
// failed with a cancellation error so the summary always adds up.
func (s *ImportService) Run(ctx context.Context, job *models.BatchJob, sink ProgressSink) (*models.BatchSummary, error) {
	if len(job.Records) == 0 {
		return nil, errors.New("batch job has no records")
	}

	now := time.Now().UTC()
	job.Status = models.BatchRunning
	job.StartedAt = &now

	run := &batchRun{
		svc: s,
		job: job,
		// One limiter shared by every worker keeps the aggregate request
		// rate inside the configured budget.
		limiter: rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.Burst),
		sink:    sink,
	}

	job.Results = make([]models.SubmissionResult, len(job.Records))
	for i, rec := range job.Records {
		job.Results[i] = models.SubmissionResult{
			RecordID:  rec.ID,
			ProductID: rec.ProductID,
			Status:    models.StatusPending,
			UpdatedAt: now,
		}
	}

	workers := s.cfg.Workers
	if workers > len(job.Records) {
		workers = len(job.Records)
	}

	indexes := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for idx := range indexes {
				run.processRecord(ctx, idx)
			}
		}()
	}
	for idx := range job.Records {
		indexes <- idx
	}
	close(indexes)
	wg.Wait()

	finished := time.Now().UTC()
	job.FinishedAt = &finished
	if ctx.Err() != nil {
		job.Status = models.BatchCancelled
	} else {
		job.Status = models.BatchCompleted
	}

	summary := &models.BatchSummary{BatchID: job.ID, Total: len(job.Records)}
	for i := range job.Results {
		switch job.Results[i].Status {
		case models.StatusSucceeded:
			summary.Succeeded++
		default:
			summary.Failed++
			summary.Failures = append(summary.Failures, job.Results[i])
		}
	}
	job.Succeeded = summary.Succeeded
	job.Failed = summary.Failed

	s.logger.InfoWithContext(ctx, "batch import finished",
		"batch_id", job.ID, "status", job.Status,
		"total", summary.Total, "succeeded", summary.Succeeded, "failed", summary.Failed)
	return summary, nil
}

// batchRun is the mutable state of one pipeline execution. The results
// slice and counters are only touched under mu.
type batchRun struct {
	svc     *ImportService
	job     *models.BatchJob
	limiter *rate.Limiter
	sink    ProgressSink
	mu      sync.Mutex
}

// transition moves one record to a new state and emits the progress event.
func (r *batchRun) transition(ctx context.Context, idx int, status models.SubmissionStatus, attempt int, errMsg string) {
	r.mu.Lock()
	res := &r.job.Results[idx]
	res.Status = status
	res.Attempts = attempt
	res.LastError = errMsg
	res.UpdatedAt = time.Now().UTC()
	event := models.ProgressEvent{
		BatchID:   r.job.ID,
		RecordID:  res.RecordID,
		ProductID: res.ProductID,
		Status:    status,
		Attempt:   attempt,
		Error:     errMsg,
		Timestamp: res.UpdatedAt,
	}
	r.mu.Unlock()

	if r.sink != nil {
		r.sink(ctx, event)
	}
}

func (r *batchRun) setOutcome(idx int, iapID string, warnings []string) {
	r.mu.Lock()
	r.job.Results[idx].IAPID = iapID
	r.job.Results[idx].Warnings = warnings
	r.mu.Unlock()
}

// processRecord drives one record through the state machine:
// pending -> submitting -> succeeded | failed | retrying -> submitting.
func (r *batchRun) processRecord(ctx context.Context, idx int) {
	rec := r.job.Records[idx]

	if ctx.Err() != nil {
		r.transition(ctx, idx, models.StatusFailed, 0, cancelledMessage+" before submission")
		return
	}

	if !r.svc.guard.Acquire(rec.ProductID) {
		r.transition(ctx, idx, models.StatusFailed, 0,
			fmt.Sprintf("a submission for product id %q is already in flight", rec.ProductID))
		return
	}
	defer r.svc.guard.Release(rec.ProductID)

	backoff := r.svc.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		r.transition(ctx, idx, models.StatusSubmitting, attempt, "")

		if err := r.limiter.Wait(ctx); err != nil {
			r.transition(ctx, idx, models.StatusFailed, attempt, cancelledMessage)
			return
		}

		iap, err := r.svc.api.CreateInAppPurchase(ctx, r.job.AppID, appstore.CreateIAPRequest{
			ProductID:     rec.ProductID,
			ReferenceName: rec.ReferenceName,
			Type:          rec.Type,
		})
		if err == nil {
			warnings := enrichProduct(ctx, r.svc.api, r.svc.logger, iap.ID, rec, r.job.Options)
			r.setOutcome(idx, iap.ID, warnings)
			r.transition(ctx, idx, models.StatusSucceeded, attempt, "")
			return
		}

		if errors.Is(err, appstore.ErrCancelled) || ctx.Err() != nil {
			r.transition(ctx, idx, models.StatusFailed, attempt, cancelledMessage)
			return
		}
		if !appstore.Retryable(err) || attempt >= r.svc.cfg.MaxAttempts {
			r.transition(ctx, idx, models.StatusFailed, attempt, err.Error())
			return
		}

		r.transition(ctx, idx, models.StatusRetrying, attempt, err.Error())

		wait := backoff
		var rateErr *appstore.RateLimitError
		if errors.As(err, &rateErr) && rateErr.RetryAfter > wait {
			wait = rateErr.RetryAfter
		}
		if wait > r.svc.cfg.MaxBackoff {
			wait = r.svc.cfg.MaxBackoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.transition(ctx, idx, models.StatusFailed, attempt, cancelledMessage)
			return
		case <-timer.C:
		}
		backoff *= 2
	}
}
