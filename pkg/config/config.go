package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds application configuration
type Config struct {
	Server     ServerConfig
	Auth       AuthConfig
	Storage    StorageConfig
	Redis      RedisConfig
	Database   DatabaseConfig
	Recognizer RecognizerConfig
	Inference  InferenceConfig
	Session    SessionConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	Environment     string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// AuthConfig holds session token configuration
type AuthConfig struct {
	Enabled bool
	Secret  string
	TTL     time.Duration
	Issuer  string
}

// StorageConfig holds blob storage configuration
type StorageConfig struct {
	Type            string // "memory" or "minio"
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool
	Addr           string
	Password       string
	DB             int
	IdempotencyTTL time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Enabled     bool
	DSN         string
	MaxConns    int
	MinConns    int
	AutoMigrate bool
}

// RecognizerConfig holds streaming recognizer settings.
// Loaded with envconfig under the RECOGNIZER prefix.
type RecognizerConfig struct {
	Provider       string        `envconfig:"PROVIDER" default:"dashscope"`
	URL            string        `envconfig:"URL" default:"wss://dashscope.aliyuncs.com/api-ws/v1/inference"`
	APIKey         string        `envconfig:"API_KEY"`
	AssemblyAIURL  string        `envconfig:"ASSEMBLYAI_URL"`
	Model          string        `envconfig:"MODEL" default:"paraformer-realtime-v2"`
	StartTimeout   time.Duration `envconfig:"START_TIMEOUT" default:"5s"`
	FinishWait     time.Duration `envconfig:"FINISH_WAIT" default:"2s"`
	BackoffInitial time.Duration `envconfig:"BACKOFF_INITIAL" default:"500ms"`
	BackoffMax     time.Duration `envconfig:"BACKOFF_MAX" default:"10s"`
	QueueLimit     int           `envconfig:"QUEUE_LIMIT" default:"600"`
}

// InferenceConfig holds dual-backend inference settings.
// Loaded with envconfig under the INFERENCE prefix.
type InferenceConfig struct {
	PrimaryURL       string        `envconfig:"PRIMARY_URL" default:"http://localhost:8000"`
	PrimaryKey       string        `envconfig:"PRIMARY_KEY"`
	SecondaryURL     string        `envconfig:"SECONDARY_URL"`
	SecondaryKey     string        `envconfig:"SECONDARY_KEY"`
	FailoverEnabled  bool          `envconfig:"FAILOVER_ENABLED" default:"true"`
	RetryMax         int           `envconfig:"RETRY_MAX" default:"1"`
	Backoff          time.Duration `envconfig:"BACKOFF" default:"200ms"`
	Timeout          time.Duration `envconfig:"TIMEOUT" default:"15s"`
	CircuitCooldown  time.Duration `envconfig:"CIRCUIT_COOLDOWN" default:"30s"`
	FailureThreshold int           `envconfig:"FAILURE_THRESHOLD" default:"2"`
	SigningSecret    string        `envconfig:"SIGNING_SECRET"`
}

// SessionConfig holds per-session engine tuning
type SessionConfig struct {
	EmbeddingCacheBytes  int64
	ClusterThreshold     float64
	ClusterLinkage       string
	RosterMatchThreshold float64
	UnresolvedRatioMax   float64
	RetireAfter          time.Duration
	SnapshotEveryChunks  int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables or defaults")
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			Host:            getEnv("HOST", "0.0.0.0"),
			Environment:     getEnv("ENVIRONMENT", "development"),
			AllowedOrigins:  getEnvAsList("ALLOWED_ORIGINS", "http://localhost:3000"),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", "10s"),
		},
		Auth: AuthConfig{
			Enabled: getEnvAsBool("AUTH_ENABLED", false),
			Secret:  getEnv("JWT_SECRET", "change-me-in-production"),
			TTL:     getEnvAsDuration("JWT_TTL", "12h"),
			Issuer:  getEnv("JWT_ISSUER", "meeting-session"),
		},
		Storage: StorageConfig{
			Type:            getEnv("STORAGE_TYPE", "memory"),
			Endpoint:        getEnv("STORAGE_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getEnv("STORAGE_ACCESS_KEY", "minioadmin"),
			SecretAccessKey: getEnv("STORAGE_SECRET_KEY", "minioadmin"),
			BucketName:      getEnv("STORAGE_BUCKET", "meeting-sessions"),
			UseSSL:          getEnvAsBool("STORAGE_USE_SSL", false),
		},
		Redis: RedisConfig{
			Enabled:        getEnvAsBool("REDIS_ENABLED", false),
			Addr:           getEnv("REDIS_ADDR", "localhost:6379"),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvAsInt("REDIS_DB", 0),
			IdempotencyTTL: getEnvAsDuration("IDEMPOTENCY_TTL", "10m"),
		},
		Database: DatabaseConfig{
			Enabled:     getEnvAsBool("DB_ENABLED", false),
			DSN:         getEnv("DB_DSN", "host=localhost port=5432 user=postgres password=postgres dbname=meeting_session sslmode=disable"),
			MaxConns:    getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:    getEnvAsInt("DB_MIN_CONNS", 5),
			AutoMigrate: getEnvAsBool("DB_AUTO_MIGRATE", false),
		},
		Session: SessionConfig{
			EmbeddingCacheBytes:  int64(getEnvAsInt("EMBEDDING_CACHE_BYTES", 8<<20)),
			ClusterThreshold:     getEnvAsFloat("CLUSTER_THRESHOLD", 0.3),
			ClusterLinkage:       getEnv("CLUSTER_LINKAGE", "average"),
			RosterMatchThreshold: getEnvAsFloat("ROSTER_MATCH_THRESHOLD", 0.65),
			UnresolvedRatioMax:   getEnvAsFloat("UNRESOLVED_RATIO_MAX", 0.25),
			RetireAfter:          getEnvAsDuration("SESSION_RETIRE_AFTER", "10m"),
			SnapshotEveryChunks:  getEnvAsInt("SNAPSHOT_EVERY_CHUNKS", 30),
		},
	}

	if err := envconfig.Process("RECOGNIZER", &config.Recognizer); err != nil {
		return nil, fmt.Errorf("failed to load recognizer config: %w", err)
	}
	if err := envconfig.Process("INFERENCE", &config.Inference); err != nil {
		return nil, fmt.Errorf("failed to load inference config: %w", err)
	}

	// Validate required fields
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Auth.Enabled && len(c.Auth.Secret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 characters when AUTH_ENABLED=true")
	}
	switch c.Storage.Type {
	case "memory", "minio":
	default:
		return fmt.Errorf("STORAGE_TYPE must be memory or minio, got %q", c.Storage.Type)
	}
	switch c.Recognizer.Provider {
	case "dashscope", "assemblyai":
	default:
		return fmt.Errorf("RECOGNIZER_PROVIDER must be dashscope or assemblyai, got %q", c.Recognizer.Provider)
	}
	if c.Inference.PrimaryURL == "" {
		return fmt.Errorf("INFERENCE_PRIMARY_URL is required")
	}
	if c.Inference.RetryMax < 0 {
		return fmt.Errorf("INFERENCE_RETRY_MAX must be >= 0")
	}
	if c.Inference.FailureThreshold < 1 {
		return fmt.Errorf("INFERENCE_FAILURE_THRESHOLD must be >= 1")
	}
	switch c.Session.ClusterLinkage {
	case "single", "complete", "average":
	default:
		return fmt.Errorf("CLUSTER_LINKAGE must be single, complete or average, got %q", c.Session.ClusterLinkage)
	}
	if c.Session.EmbeddingCacheBytes <= 0 {
		return fmt.Errorf("EMBEDDING_CACHE_BYTES must be positive")
	}
	return nil
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}
	return duration
}

func getEnvAsList(key string, defaultValue string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, defaultValue), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
