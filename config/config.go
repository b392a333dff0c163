package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting the importer services read.
type Config struct {
	AppName  string
	Version  string
	LogLevel string
	ENV      string

	Server struct {
		Host            string
		Port            int
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		ShutdownTimeout time.Duration
		BodyLimit       int // max request size in MB, multipart uploads included
	}

	AppStore struct {
		BaseURL           string
		KeyID             string
		IssuerID          string
		PrivateKeyPath    string
		RequestTimeout    time.Duration // per-call HTTP timeout
		UploadTimeout     time.Duration // screenshot chunk uploads take longer
		TokenLifetime     time.Duration // ASC caps JWT lifetime at 20 minutes
		TokenEarlyRefresh time.Duration // regenerate when this little life remains
	}

	Batch struct {
		Workers       int           // concurrent submitters, clamped to 1..4
		MaxAttempts   int           // attempts per record including the first
		RetryBackoff  time.Duration // first retry delay, doubles each attempt
		MaxBackoff    time.Duration // backoff ceiling
		RatePerSecond float64       // shared token-bucket refill rate
		Burst         int           // token-bucket capacity
	}

	Postgres struct {
		Host     string
		Port     int
		User     string
		Password string
		DBName   string
		SSLMode  string
		Timeout  time.Duration
		PoolSize int
	}

	Redis struct {
		Host              string
		Port              int
		Password          string
		DB                int
		PoolSize          int
		MinIdleConns      int
		ConnectTimeout    time.Duration
		ReadTimeout       time.Duration
		WriteTimeout      time.Duration
		PoolTimeout       time.Duration
		IdleTimeout       time.Duration
		MaxRetries        int
		DefaultExpiration time.Duration
	}

	Kafka struct {
		Brokers       []string `mapstructure:"brokers"`
		GroupID       string   `mapstructure:"group_id"`
		CommandsTopic string   `mapstructure:"commands_topic"`
		EventsTopic   string   `mapstructure:"events_topic"`
	}

	Metrics struct {
		Enabled     bool
		ServiceName string
		Endpoint    string
		Port        int `mapstructure:"port"`
	}
}

// Load reads configuration from a yaml file and environment variables.
func Load(configPath string) (*Config, error) {
	configFile := "config"
	if configPath != "" {
		configFile = configPath
	}

	var cfg Config

	viper.SetConfigName(configFile)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("../config")
	viper.AddConfigPath("../../config")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No file is fine, environment variables still apply.
	}

	setDefaults()
	bindEnvVariables()

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ENV = viper.GetString("env")
	if cfg.ENV == "" {
		cfg.ENV = "development"
		if envVar := os.Getenv("APP_ENV"); envVar != "" {
			cfg.ENV = envVar
		}
	}

	// The worker pool is deliberately small so a single job cannot
	// flood the App Store Connect rate allowance.
	if cfg.Batch.Workers < 1 {
		cfg.Batch.Workers = 1
	}
	if cfg.Batch.Workers > 4 {
		cfg.Batch.Workers = 4
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("appName", "asc-importer")
	viper.SetDefault("version", "1.0.0")
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("env", "development")

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", "10s")
	viper.SetDefault("server.writeTimeout", "10s")
	viper.SetDefault("server.shutdownTimeout", "5s")
	viper.SetDefault("server.bodyLimit", 10)

	viper.SetDefault("appstore.baseURL", "https://api.appstoreconnect.apple.com")
	viper.SetDefault("appstore.requestTimeout", "30s")
	viper.SetDefault("appstore.uploadTimeout", "60s")
	viper.SetDefault("appstore.tokenLifetime", "20m")
	viper.SetDefault("appstore.tokenEarlyRefresh", "5m")

	viper.SetDefault("batch.workers", 2)
	viper.SetDefault("batch.maxAttempts", 3)
	viper.SetDefault("batch.retryBackoff", "500ms")
	viper.SetDefault("batch.maxBackoff", "8s")
	viper.SetDefault("batch.ratePerSecond", 2.0)
	viper.SetDefault("batch.burst", 2)

	viper.SetDefault("postgres.host", "localhost")
	viper.SetDefault("postgres.port", 5432)
	viper.SetDefault("postgres.user", "postgres")
	viper.SetDefault("postgres.password", "postgres")
	viper.SetDefault("postgres.dbname", "asc_importer")
	viper.SetDefault("postgres.sslmode", "disable")
	viper.SetDefault("postgres.timeout", "5s")
	viper.SetDefault("postgres.poolSize", 10)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolSize", 10)
	viper.SetDefault("redis.minIdleConns", 2)
	viper.SetDefault("redis.connectTimeout", "1s")
	viper.SetDefault("redis.readTimeout", "1s")
	viper.SetDefault("redis.writeTimeout", "1s")
	viper.SetDefault("redis.poolTimeout", "4s")
	viper.SetDefault("redis.idleTimeout", "300s")
	viper.SetDefault("redis.maxRetries", 3)
	viper.SetDefault("redis.defaultExpiration", "10m")

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.group_id", "asc-importer")
	viper.SetDefault("kafka.commands_topic", "iap-import-commands")
	viper.SetDefault("kafka.events_topic", "iap-import-events")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.serviceName", "asc-importer")
	viper.SetDefault("metrics.endpoint", "/metrics")
	viper.SetDefault("metrics.port", 9090)
}

func bindEnvVariables() {
	viper.BindEnv("appName", "APP_NAME")
	viper.BindEnv("version", "APP_VERSION")
	viper.BindEnv("logLevel", "LOG_LEVEL")
	viper.BindEnv("env", "APP_ENV")

	viper.BindEnv("server.host", "SERVER_HOST")
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.readTimeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.writeTimeout", "SERVER_WRITE_TIMEOUT")
	viper.BindEnv("server.shutdownTimeout", "SERVER_SHUTDOWN_TIMEOUT")
	viper.BindEnv("server.bodyLimit", "SERVER_BODY_LIMIT")

	viper.BindEnv("appstore.baseURL", "APPSTORE_BASE_URL")
	viper.BindEnv("appstore.keyID", "APPSTORE_KEY_ID")
	viper.BindEnv("appstore.issuerID", "APPSTORE_ISSUER_ID")
	viper.BindEnv("appstore.privateKeyPath", "APPSTORE_PRIVATE_KEY_PATH")
	viper.BindEnv("appstore.requestTimeout", "APPSTORE_REQUEST_TIMEOUT")
	viper.BindEnv("appstore.uploadTimeout", "APPSTORE_UPLOAD_TIMEOUT")
	viper.BindEnv("appstore.tokenLifetime", "APPSTORE_TOKEN_LIFETIME")
	viper.BindEnv("appstore.tokenEarlyRefresh", "APPSTORE_TOKEN_EARLY_REFRESH")

	viper.BindEnv("batch.workers", "BATCH_WORKERS")
	viper.BindEnv("batch.maxAttempts", "BATCH_MAX_ATTEMPTS")
	viper.BindEnv("batch.retryBackoff", "BATCH_RETRY_BACKOFF")
	viper.BindEnv("batch.maxBackoff", "BATCH_MAX_BACKOFF")
	viper.BindEnv("batch.ratePerSecond", "BATCH_RATE_PER_SECOND")
	viper.BindEnv("batch.burst", "BATCH_BURST")

	viper.BindEnv("postgres.host", "POSTGRES_HOST")
	viper.BindEnv("postgres.port", "POSTGRES_PORT")
	viper.BindEnv("postgres.user", "POSTGRES_USER")
	viper.BindEnv("postgres.password", "POSTGRES_PASSWORD")
	viper.BindEnv("postgres.dbname", "POSTGRES_DBNAME")
	viper.BindEnv("postgres.sslmode", "POSTGRES_SSLMODE")
	viper.BindEnv("postgres.timeout", "POSTGRES_TIMEOUT")
	viper.BindEnv("postgres.poolSize", "POSTGRES_POOL_SIZE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")
	viper.BindEnv("redis.poolSize", "REDIS_POOL_SIZE")
	viper.BindEnv("redis.minIdleConns", "REDIS_MIN_IDLE_CONNS")
	viper.BindEnv("redis.connectTimeout", "REDIS_CONNECT_TIMEOUT")
	viper.BindEnv("redis.readTimeout", "REDIS_READ_TIMEOUT")
	viper.BindEnv("redis.writeTimeout", "REDIS_WRITE_TIMEOUT")
	viper.BindEnv("redis.poolTimeout", "REDIS_POOL_TIMEOUT")
	viper.BindEnv("redis.idleTimeout", "REDIS_IDLE_TIMEOUT")
	viper.BindEnv("redis.maxRetries", "REDIS_MAX_RETRIES")
	viper.BindEnv("redis.defaultExpiration", "REDIS_DEFAULT_EXPIRATION")

	viper.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	viper.BindEnv("kafka.group_id", "KAFKA_GROUP_ID")
	viper.BindEnv("kafka.commands_topic", "KAFKA_COMMANDS_TOPIC")
	viper.BindEnv("kafka.events_topic", "KAFKA_EVENTS_TOPIC")

	viper.BindEnv("metrics.enabled", "METRICS_ENABLED")
	viper.BindEnv("metrics.serviceName", "METRICS_SERVICE_NAME")
	viper.BindEnv("metrics.endpoint", "METRICS_ENDPOINT")
	viper.BindEnv("metrics.port", "METRICS_PORT")
}
