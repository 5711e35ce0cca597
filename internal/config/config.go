package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Service   ServiceConfig
	Session   SessionConfig
	API       APIConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
	Tracing   TracingConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Webhook   WebhookConfig
}

// ServiceConfig points at the external processing service.
type ServiceConfig struct {
	BaseURL string
	// Timeout of zero leaves timing to the HTTP transport.
	Timeout        time.Duration
	ForwardUploads bool
}

type SessionConfig struct {
	DefaultAlgorithm string
	StrictParameters bool
	StalePolicy      string
	HistoryOrder     string
	MaxUploadBytes   int64
}

type APIConfig struct {
	Addr       string
	PresignTTL time.Duration
}

type RateLimitConfig struct {
	Enabled    bool
	Capacity   int
	Window     time.Duration
	UserHeader string
	// BatchCost is the number of tokens one batch job creation spends.
	BatchCost int
}

type LoggingConfig struct {
	Level  string
	Format string
}

type TracingConfig struct {
	Exporter       string
	OTLPEndpoint   string
	OTLPInsecure   bool
	SampleRatio    float64
	ServiceVersion string
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
	// MaxRetry below zero keeps the asynq default.
	MaxRetry    int
	TaskTimeout time.Duration
	// Retention keeps finished tasks inspectable and blocks re-enqueue of
	// the same job ID for that long.
	Retention time.Duration
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

func (q QueueConfig) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int
	MaxActiveJobs  int
	LocalOutputDir string
	// MetricsAddr empty disables the worker metrics listener.
	MetricsAddr string
}

type StorageConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Region set up front lets presigning skip the bucket location lookup.
	Region string
}

type DatabaseConfig struct {
	// DSN empty selects the in-memory job store.
	DSN string
}

type WebhookConfig struct {
	SigningSecret string
	Timeout       time.Duration
	MaxAttempts   int
}

// Load reads a .env file when one exists, then the environment.
func Load() Config {
	_ = godotenv.Load()

	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		Service: ServiceConfig{
			BaseURL:        env("VISIONX_API_URL", env("NEXT_PUBLIC_API_URL", "http://localhost:8000")),
			Timeout:        envDuration("VISIONX_SERVICE_TIMEOUT", 0),
			ForwardUploads: envBool("VISIONX_FORWARD_UPLOADS", false),
		},
		Session: SessionConfig{
			DefaultAlgorithm: env("VISIONX_DEFAULT_ALGORITHM", "canny"),
			StrictParameters: envBool("VISIONX_STRICT_PARAMETERS", false),
			StalePolicy:      env("VISIONX_STALE_POLICY", "last_arrival_wins"),
			HistoryOrder:     env("VISIONX_HISTORY_ORDER", "newest_first"),
			MaxUploadBytes:   int64(envInt("VISIONX_MAX_UPLOAD_BYTES", 10<<20)),
		},
		API: APIConfig{
			Addr:       env("VISIONX_ADDR", ":8080"),
			PresignTTL: envDuration("VISIONX_PRESIGN_TTL", 15*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:    envBool("RATE_LIMIT_ENABLED", false),
			Capacity:   envInt("RATE_LIMIT_CAPACITY", 30),
			Window:     envDuration("RATE_LIMIT_WINDOW", time.Minute),
			UserHeader: env("RATE_LIMIT_USER_HEADER", "X-User-ID"),
			BatchCost:  envInt("RATE_LIMIT_BATCH_COST", 5),
		},
		Logging: LoggingConfig{
			Level:  env("LOG_LEVEL", "info"),
			Format: env("LOG_FORMAT", "console"),
		},
		Tracing: TracingConfig{
			Exporter:       env("TRACE_EXPORTER", "none"),
			OTLPEndpoint:   env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure:   envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
			SampleRatio:    envFloat("TRACE_SAMPLE_RATIO", 1),
			ServiceVersion: env("VISIONX_VERSION", ""),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
			MaxRetry:      envInt("QUEUE_MAX_RETRY", 3),
			TaskTimeout:   envDuration("QUEUE_TASK_TIMEOUT", 5*time.Minute),
			Retention:     envDuration("QUEUE_RETENTION", 24*time.Hour),
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs:  envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			LocalOutputDir: env("WORKER_LOCAL_OUTPUT_DIR", "./.visionx-output"),
			MetricsAddr:    env("WORKER_METRICS_ADDR", ":9091"),
		},
		Storage: StorageConfig{
			Enabled:   envBool("MINIO_ENABLED", false),
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "visionx-jobs"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
			Region:    env("MINIO_REGION", "us-east-1"),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Webhook: WebhookConfig{
			SigningSecret: env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:       envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:   envInt("WEBHOOK_MAX_ATTEMPTS", 3),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
