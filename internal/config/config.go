package config

import (
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/unwatermark/internal/unwatermark"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	Remote    RemoteConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
	Log       LogConfig
}

type APIConfig struct {
	Addr           string
	MaxUploadBytes int64
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
	MaxRetry      int
	TaskTimeout   time.Duration
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

// RedisOptions returns go-redis options for the same server the queue uses.
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
	MetricsAddr    string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type DatabaseConfig struct {
	DSN string
}

type CacheConfig struct {
	Enabled   bool
	TTL       time.Duration
	KeyPrefix string
}

// RemoteConfig describes the watermark-removal service.
type RemoteConfig struct {
	CreateJobURL   string
	JobStatusURL   string
	ProductSerial  string
	RequestTimeout time.Duration
	Timeout        time.Duration
	PollInterval   time.Duration
	MaxInputBytes  int64
}

// ClientConfig turns the remote settings into a client config. Logger,
// metrics and cache are left for the caller to attach.
func (r RemoteConfig) ClientConfig() unwatermark.Config {
	var headers http.Header
	if strings.TrimSpace(r.ProductSerial) != "" {
		headers = unwatermark.DefaultHeaders()
		headers.Set("Product-Serial", r.ProductSerial)
	}
	return unwatermark.Config{
		CreateJobURL:   r.CreateJobURL,
		JobStatusURL:   r.JobStatusURL,
		Headers:        headers,
		RequestTimeout: r.RequestTimeout,
		Timeout:        r.Timeout,
		PollInterval:   r.PollInterval,
		MaxInputBytes:  r.MaxInputBytes,
	}
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type RateLimitConfig struct {
	Enabled      bool
	Capacity     int
	Window       time.Duration
	UserIDHeader string
}

type TracingConfig struct {
	ServiceName  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

type LogConfig struct {
	Level string
}

func Load() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:           env("UNWATERMARK_API_ADDR", ":8080"),
			MaxUploadBytes: int64(envInt("UNWATERMARK_API_MAX_UPLOAD_BYTES", unwatermark.DefaultMaxInputBytes)),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
			MaxRetry:      envInt("QUEUE_MAX_RETRY", 3),
			TaskTimeout:   envDuration("QUEUE_TASK_TIMEOUT", 5*time.Minute),
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs:  envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			LocalOutputDir: env("WORKER_LOCAL_OUTPUT_DIR", "./.unwatermark-output"),
			MetricsAddr:    env("WORKER_METRICS_ADDR", ":9090"),
		},
		Storage: StorageConfig{
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "unwatermark-removals"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Cache: CacheConfig{
			Enabled:   envBool("RESULT_CACHE_ENABLED", true),
			TTL:       envDuration("RESULT_CACHE_TTL", time.Hour),
			KeyPrefix: env("RESULT_CACHE_KEY_PREFIX", "unwatermark:result"),
		},
		Remote: RemoteConfig{
			CreateJobURL:   env("UNWATERMARK_CREATE_JOB_URL", unwatermark.DefaultCreateJobURL),
			JobStatusURL:   env("UNWATERMARK_JOB_STATUS_URL", unwatermark.DefaultJobStatusURL),
			ProductSerial:  env("UNWATERMARK_PRODUCT_SERIAL", ""),
			RequestTimeout: envDuration("UNWATERMARK_REQUEST_TIMEOUT", unwatermark.DefaultRequestTimeout),
			Timeout:        envDuration("UNWATERMARK_TIMEOUT", unwatermark.DefaultTimeout),
			PollInterval:   envDuration("UNWATERMARK_POLL_INTERVAL", unwatermark.DefaultPollInterval),
			MaxInputBytes:  int64(envInt("UNWATERMARK_MAX_INPUT_BYTES", unwatermark.DefaultMaxInputBytes)),
		},
		Webhook: WebhookConfig{
			SigningSecret:  env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:        envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("WEBHOOK_MAX_BACKOFF", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:      envBool("RATE_LIMIT_ENABLED", true),
			Capacity:     envInt("RATE_LIMIT_CAPACITY", 30),
			Window:       envDuration("RATE_LIMIT_WINDOW", time.Minute),
			UserIDHeader: env("RATE_LIMIT_USER_ID_HEADER", "X-User-ID"),
		},
		Tracing: TracingConfig{
			ServiceName:  env("OTEL_SERVICE_NAME", "unwatermark"),
			Exporter:     env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		},
		Log: LogConfig{
			Level: env("LOG_LEVEL", "info"),
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

// envDuration accepts Go durations ("90s") or bare seconds ("90").
func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}
