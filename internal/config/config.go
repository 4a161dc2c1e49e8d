package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the process configuration, read once at boot from the
// environment and immutable afterwards.
type Config struct {
	// HTTP
	ListenAddr     string
	AllowedOrigins []string

	// Datastore
	DBPath string

	// Redis (queue + event bus)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Object storage
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3PublicURL string // base URL blobs are served from; default endpoint/bucket

	// Client-facing proxy for storage URLs
	ProxyBaseURL string

	// Providers
	ImageAPIURL   string
	ImageAPIKey   string
	ImageModel    string
	MeshAPIURL    string
	MeshAPIKey    string
	LLMAPIURL     string
	LLMAPIKey     string
	LLMModel      string
	SlicerAPIURL  string
	SlicerAPIKey  string
	ImageTimeout  time.Duration // per image-generation call
	SubmitTimeout time.Duration // mesh submit
	PollTimeout   time.Duration // mesh poll
	BlobTimeout   time.Duration // storage calls

	// Workers
	ImageConcurrency int
	ModelConcurrency int
	ImageJobTimeout  time.Duration
	ModelJobTimeout  time.Duration

	// Orphan sweeper
	SweepSchedule  string // cron spec
	SweepBatchSize int
}

// Load reads the environment and applies defaults. Called once from main.
func Load() Config {
	return Config{
		ListenAddr:     getenv("FABRICA_LISTEN_ADDR", ":8080"),
		AllowedOrigins: []string{getenv("FABRICA_ALLOWED_ORIGIN", "http://localhost:5173")},

		DBPath: getenv("FABRICA_DB_PATH", "fabrica.db"),

		RedisAddr:     getenv("FABRICA_REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("FABRICA_REDIS_PASSWORD"),
		RedisDB:       getint("FABRICA_REDIS_DB", 0),

		S3Endpoint:  getenv("FABRICA_S3_ENDPOINT", "http://localhost:9000"),
		S3Region:    getenv("FABRICA_S3_REGION", "us-east-1"),
		S3Bucket:    getenv("FABRICA_S3_BUCKET", "fabrica"),
		S3AccessKey: os.Getenv("FABRICA_S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("FABRICA_S3_SECRET_KEY"),
		S3PublicURL: os.Getenv("FABRICA_S3_PUBLIC_URL"),

		ProxyBaseURL: getenv("FABRICA_PROXY_BASE_URL", "http://localhost:8080"),

		ImageAPIURL:   getenv("FABRICA_IMAGE_API_URL", "https://api.openai.com/v1"),
		ImageAPIKey:   os.Getenv("FABRICA_IMAGE_API_KEY"),
		ImageModel:    getenv("FABRICA_IMAGE_MODEL", "gpt-image-1"),
		MeshAPIURL:    getenv("FABRICA_MESH_API_URL", "https://api.tripo3d.ai/v2"),
		MeshAPIKey:    os.Getenv("FABRICA_MESH_API_KEY"),
		LLMAPIURL:     getenv("FABRICA_LLM_API_URL", "https://api.openai.com/v1"),
		LLMAPIKey:     os.Getenv("FABRICA_LLM_API_KEY"),
		LLMModel:      getenv("FABRICA_LLM_MODEL", "gpt-4o-mini"),
		SlicerAPIURL:  getenv("FABRICA_SLICER_API_URL", "http://localhost:9100"),
		SlicerAPIKey:  os.Getenv("FABRICA_SLICER_API_KEY"),
		ImageTimeout:  getdur("FABRICA_IMAGE_TIMEOUT", 45*time.Second),
		SubmitTimeout: getdur("FABRICA_MESH_SUBMIT_TIMEOUT", 60*time.Second),
		PollTimeout:   getdur("FABRICA_MESH_POLL_TIMEOUT", 15*time.Second),
		BlobTimeout:   getdur("FABRICA_BLOB_TIMEOUT", 30*time.Second),

		ImageConcurrency: getint("FABRICA_IMAGE_CONCURRENCY", 2),
		ModelConcurrency: getint("FABRICA_MODEL_CONCURRENCY", 1),
		ImageJobTimeout:  getdur("FABRICA_IMAGE_JOB_TIMEOUT", 10*time.Minute),
		ModelJobTimeout:  getdur("FABRICA_MODEL_JOB_TIMEOUT", 30*time.Minute),

		SweepSchedule:  getenv("FABRICA_SWEEP_SCHEDULE", "@hourly"),
		SweepBatchSize: getint("FABRICA_SWEEP_BATCH", 100),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
