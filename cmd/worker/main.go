package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iapkit/asc-importer/config"
	"github.com/iapkit/asc-importer/internal/adapters/cache"
	"github.com/iapkit/asc-importer/internal/adapters/logger"
	"github.com/iapkit/asc-importer/internal/adapters/messaging"
	"github.com/iapkit/asc-importer/internal/adapters/storage"
	"github.com/iapkit/asc-importer/internal/appstore"
	"github.com/iapkit/asc-importer/internal/domain/models"
	"github.com/iapkit/asc-importer/internal/domain/services"
	"github.com/iapkit/asc-importer/internal/utils"
	"github.com/iapkit/asc-importer/pkg/interfaces"
)

var (
	importJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_import_jobs_total",
		Help: "Number of processed import jobs by final status.",
	}, []string{"status"})

	importRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_import_records_total",
		Help: "Number of processed records by outcome.",
	}, []string{"status"})

	importJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "worker_import_job_duration_seconds",
		Help:    "Wall time of one import job.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log, err := logger.NewZapLogger(cfg.LogLevel, cfg.ENV == "production")
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("starting import worker",
		"app_name", cfg.AppName+"-worker",
		"version", cfg.Version,
		"env", cfg.ENV,
	)

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("OK"))
			})

			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Info("metrics server listening", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error("metrics server failed", "error", err.Error())
			}
		}()
	}

	connectionStr, err := utils.GenerateConnectionString(
		cfg.Postgres.Host,
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DBName,
		cfg.Postgres.SSLMode,
		cfg.Postgres.Port,
		cfg.Postgres.PoolSize,
		cfg.Postgres.Timeout,
	)
	if err != nil {
		log.Fatal("invalid postgres configuration", "error", err.Error())
	}

	repo, err := storage.NewPostgresStorage(ctx, connectionStr)
	if err != nil {
		log.Fatal("failed to initialize storage", "error", err.Error())
	}
	defer repo.Close()
	log.Info("storage initialized")

	cacheClient, err := cache.NewRedisCache(
		ctx,
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
	)
	if err != nil {
		log.Fatal("failed to initialize cache", "error", err.Error())
	}
	defer cacheClient.Close()
	log.Info("cache initialized")

	messagingClient, err := messaging.NewKafkaMessaging(
		cfg.Kafka.Brokers,
		cfg.Kafka.GroupID,
		log,
	)
	if err != nil {
		log.Fatal("failed to initialize messaging", "error", err.Error())
	}
	defer messagingClient.Close()
	log.Info("messaging initialized")

	keyPEM, err := os.ReadFile(cfg.AppStore.PrivateKeyPath)
	if err != nil {
		log.Fatal("failed to read private key", "path", cfg.AppStore.PrivateKeyPath, "error", err.Error())
	}
	tokens, err := appstore.NewTokenSource(appstore.Credentials{
		KeyID:      cfg.AppStore.KeyID,
		IssuerID:   cfg.AppStore.IssuerID,
		PrivateKey: keyPEM,
	}, cfg.AppStore.TokenLifetime, cfg.AppStore.TokenEarlyRefresh)
	if err != nil {
		log.Fatal("failed to initialize credentials", "error", err.Error())
	}

	ascClient := appstore.NewClient(
		cfg.AppStore.BaseURL,
		tokens,
		cfg.AppStore.RequestTimeout,
		cfg.AppStore.UploadTimeout,
		log,
	)

	importService := services.NewImportService(
		ascClient,
		services.NewInflightGuard(),
		log,
		services.BatchConfig{
			Workers:       cfg.Batch.Workers,
			MaxAttempts:   cfg.Batch.MaxAttempts,
			RetryBackoff:  cfg.Batch.RetryBackoff,
			MaxBackoff:    cfg.Batch.MaxBackoff,
			RatePerSecond: cfg.Batch.RatePerSecond,
			Burst:         cfg.Batch.Burst,
		},
	)
	log.Info("import service initialized")

	r := &jobRunner{
		storage:     repo,
		messaging:   messagingClient,
		cache:       cacheClient,
		imports:     importService,
		logger:      log,
		eventsTopic: cfg.Kafka.EventsTopic,
		running:     make(map[string]context.CancelFunc),
	}

	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		unsubscribe, err := messagingClient.Subscribe(ctx, cfg.Kafka.CommandsTopic, r.handleCommand)
		if err != nil {
			log.Fatal("failed to subscribe to commands", "topic", cfg.Kafka.CommandsTopic, "error", err.Error())
		}
		defer unsubscribe()

		log.Info("subscribed to import commands", "topic", cfg.Kafka.CommandsTopic)
		<-ctx.Done()
		log.Info("unsubscribing from import commands")
	}()

	go func() {
		<-quit
		log.Info("shutdown signal received, draining...")
		cancel()
		// Running jobs observe the cancellation, persist their terminal
		// states and return before the process exits.
		wg.Wait()
		r.wait()
		close(done)
	}()

	log.Info("worker ready")
	<-done
	log.Info("worker stopped cleanly")
}

// jobRunner executes import jobs and tracks the running ones so a
// cancel command can reach them.
type jobRunner struct {
	storage     storage.BatchStorageInterface
	messaging   interfaces.MessagingPort
	cache       interfaces.CachePort
	imports     *services.ImportService
	logger      interfaces.LoggerPort
	eventsTopic string

	mu      sync.Mutex
	running map[string]context.CancelFunc
	jobs    sync.WaitGroup
}

// handleCommand dispatches one command from the commands topic. Run
// commands start the job on a separate goroutine so the consumer loop
// stays free to deliver a later cancel for the same job.
func (r *jobRunner) handleCommand(ctx context.Context, msg *interfaces.Message) error {
	var command models.ImportCommand
	if err := json.Unmarshal(msg.Value, &command); err != nil {
		r.logger.ErrorWithContext(ctx, "failed to decode import command",
			"message_id", msg.ID, "error", err.Error())
		return err
	}

	cmdCtx := context.WithValue(ctx, "batch_id", command.BatchID)

	switch command.CommandType {
	case messaging.RunImportCommand:
		r.startJob(cmdCtx, command.BatchID)
	case messaging.CancelImportCommand:
		r.cancelJob(cmdCtx, command.BatchID)
	default:
		r.logger.WarnWithContext(cmdCtx, "unknown command type",
			"command_type", command.CommandType)
	}
	return nil
}

func (r *jobRunner) startJob(ctx context.Context, batchID string) {
	jobCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	if _, exists := r.running[batchID]; exists {
		r.mu.Unlock()
		cancel()
		r.logger.WarnWithContext(ctx, "job is already running", "batch_id", batchID)
		return
	}
	r.running[batchID] = cancel
	r.mu.Unlock()

	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, batchID)
			r.mu.Unlock()
			cancel()
		}()
		r.runJob(jobCtx, batchID)
	}()
}

func (r *jobRunner) cancelJob(ctx context.Context, batchID string) {
	r.mu.Lock()
	cancel, ok := r.running[batchID]
	r.mu.Unlock()

	if !ok {
		r.logger.WarnWithContext(ctx, "cancel requested for a job that is not running",
			"batch_id", batchID)
		return
	}
	r.logger.InfoWithContext(ctx, "cancelling import job", "batch_id", batchID)
	cancel()
}

func (r *jobRunner) runJob(ctx context.Context, batchID string) {
	start := time.Now()

	// Persistence must survive job cancellation, otherwise the terminal
	// states of a cancelled run would never reach the database.
	persistCtx := context.WithoutCancel(ctx)

	job, err := r.storage.GetJob(persistCtx, batchID)
	if err != nil {
		r.logger.ErrorWithContext(ctx, "failed to load batch job", "error", err.Error())
		importJobsTotal.WithLabelValues("load_error").Inc()
		return
	}
	if job == nil {
		r.logger.ErrorWithContext(ctx, "batch job not found")
		importJobsTotal.WithLabelValues("not_found").Inc()
		return
	}
	if job.Status != models.BatchPending {
		r.logger.WarnWithContext(ctx, "batch job is not pending, skipping",
			"status", job.Status)
		importJobsTotal.WithLabelValues("skipped").Inc()
		return
	}

	sink := func(ctx context.Context, event models.ProgressEvent) {
		if event.Status.Terminal() {
			importRecordsTotal.WithLabelValues(string(event.Status)).Inc()
		}

		result := models.SubmissionResult{
			RecordID:  event.RecordID,
			ProductID: event.ProductID,
			Status:    event.Status,
			Attempts:  event.Attempt,
			LastError: event.Error,
			UpdatedAt: event.Timestamp,
		}
		for i := range job.Results {
			if job.Results[i].RecordID == event.RecordID {
				result = job.Results[i]
				break
			}
		}
		if err := r.storage.SaveResult(persistCtx, job.ID, &result); err != nil {
			r.logger.ErrorWithContext(ctx, "failed to persist record result",
				"record_id", event.RecordID, "error", err.Error())
		}

		r.publishEvent(persistCtx, job.ID, messaging.RecordProgressEvent, event)
	}

	summary, err := r.imports.Run(ctx, job, sink)
	if err != nil {
		r.logger.ErrorWithContext(ctx, "import job failed to run", "error", err.Error())
		importJobsTotal.WithLabelValues("error").Inc()
		return
	}

	job.UpdatedAt = time.Now().UTC()
	if err := r.storage.SaveJob(persistCtx, job); err != nil {
		r.logger.ErrorWithContext(ctx, "failed to persist finished job", "error", err.Error())
	}

	// The run registered new products, the cached listing is stale now.
	if err := r.cache.Delete(persistCtx, "asc:iaps:"+job.AppID); err != nil {
		r.logger.WarnWithContext(ctx, "failed to invalidate product listing",
			"app_id", job.AppID, "error", err.Error())
	}

	finishedAt := time.Now().Unix()
	if job.FinishedAt != nil {
		finishedAt = job.FinishedAt.Unix()
	}
	r.publishEvent(persistCtx, job.ID, messaging.BatchCompletedEvent, models.BatchCompletedEvent{
		BatchID:    job.ID,
		Status:     job.Status,
		Total:      summary.Total,
		Succeeded:  summary.Succeeded,
		Failed:     summary.Failed,
		FinishedAt: finishedAt,
	})

	importJobsTotal.WithLabelValues(string(job.Status)).Inc()
	importJobDuration.Observe(time.Since(start).Seconds())
}

// publishEvent sends one event to the events topic keyed by batch id,
// so consumers see the events of one job in order.
func (r *jobRunner) publishEvent(ctx context.Context, batchID, eventType string, payload interface{}) {
	envelope := struct {
		EventType string      `json:"event_type"`
		Payload   interface{} `json:"payload"`
	}{
		EventType: eventType,
		Payload:   payload,
	}

	value, err := json.Marshal(envelope)
	if err != nil {
		r.logger.ErrorWithContext(ctx, "failed to encode event",
			"event_type", eventType, "error", err.Error())
		return
	}
	if err := r.messaging.PublishWithKey(ctx, r.eventsTopic, batchID, value); err != nil {
		r.logger.ErrorWithContext(ctx, "failed to publish event",
			"event_type", eventType, "error", err.Error())
	}
}

// wait blocks until every running job has finished.
func (r *jobRunner) wait() {
	r.jobs.Wait()
}
