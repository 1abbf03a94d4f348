package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Tiers     TiersConfig
	Queue     QueueConfig
	Cache     CacheConfig
	Discovery DiscoveryConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

type DatabaseConfig struct {
	Driver   string // "postgres" or "memory"
	URL      string
	MaxConns int
	MinConns int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LLMConfig struct {
	OpenAIKey        string
	AnthropicKey     string
	OllamaURL        string
	DefaultProvider  string
	DefaultModel     string
	FallbackProvider string
	MaxRetries       int
}

// TiersConfig selects the backend for every storage tier. An empty backend
// leaves the tier unregistered.
type TiersConfig struct {
	Ingest   string   // tier that receives uploads first
	Replicas []string // tiers every upload is copied to
	PublicTo string   // extra tier for public files

	LocalDir string

	CDNBackend    string // "supabase", "local" or ""
	CloudBackend  string // "s3", "local" or ""
	CacheBackend  string // "redis", "local" or ""
	CollabBackend string // "supabase", "local" or ""

	SupabaseURL   string
	SupabaseKey   string
	CDNBucket     string
	CollabBucket  string
	S3Bucket      string
	S3Region      string
	S3AccessKey   string
	S3SecretKey   string
	S3Endpoint    string
	S3CapacityGiB int64
}

type QueueConfig struct {
	Workers           int
	TaskConcurrency   int // asynq handlers for discovery and maintenance tasks
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	ReapInterval      time.Duration
}

type CacheConfig struct {
	TTL           time.Duration
	WarmLimit     int
	WarmInterval  time.Duration
	CleanInterval time.Duration
	MemoSize      int
}

type DiscoveryConfig struct {
	Model             string
	HighThreshold     float64
	MediumThreshold   float64
	AutoAccept        bool
	MaxContentTokens  int
	VisibilityTimeout time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := getEnvInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	rps, err := getEnvFloat("RATE_LIMIT_RPS", 100)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_RPS: %w", err)
	}

	burst, err := getEnvInt("RATE_LIMIT_BURST", 200)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_BURST: %w", err)
	}

	maxConns, err := getEnvInt("DB_MAX_CONNS", 20)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
	}

	minConns, err := getEnvInt("DB_MIN_CONNS", 2)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MIN_CONNS: %w", err)
	}

	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxRetries, err := getEnvInt("LLM_MAX_RETRIES", 2)
	if err != nil {
		return nil, fmt.Errorf("invalid LLM_MAX_RETRIES: %w", err)
	}

	workers, err := getEnvInt("QUEUE_WORKERS", 4)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_WORKERS: %w", err)
	}

	taskConcurrency, err := getEnvInt("TASK_CONCURRENCY", 10)
	if err != nil {
		return nil, fmt.Errorf("invalid TASK_CONCURRENCY: %w", err)
	}

	pollInterval, err := getEnvDuration("QUEUE_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_POLL_INTERVAL: %w", err)
	}

	visibility, err := getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_VISIBILITY_TIMEOUT: %w", err)
	}

	reapInterval, err := getEnvDuration("QUEUE_REAP_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_REAP_INTERVAL: %w", err)
	}

	cacheTTL, err := getEnvDuration("CACHE_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_TTL: %w", err)
	}

	warmLimit, err := getEnvInt("CACHE_WARM_LIMIT", 50)
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_WARM_LIMIT: %w", err)
	}

	warmInterval, err := getEnvDuration("CACHE_WARM_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_WARM_INTERVAL: %w", err)
	}

	cleanInterval, err := getEnvDuration("CACHE_CLEAN_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_CLEAN_INTERVAL: %w", err)
	}

	memoSize, err := getEnvInt("CACHE_MEMO_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_MEMO_SIZE: %w", err)
	}

	high, err := getEnvFloat("DISCOVERY_HIGH_THRESHOLD", 0.75)
	if err != nil {
		return nil, fmt.Errorf("invalid DISCOVERY_HIGH_THRESHOLD: %w", err)
	}

	medium, err := getEnvFloat("DISCOVERY_MEDIUM_THRESHOLD", 0.50)
	if err != nil {
		return nil, fmt.Errorf("invalid DISCOVERY_MEDIUM_THRESHOLD: %w", err)
	}

	maxTokens, err := getEnvInt("DISCOVERY_MAX_CONTENT_TOKENS", 6000)
	if err != nil {
		return nil, fmt.Errorf("invalid DISCOVERY_MAX_CONTENT_TOKENS: %w", err)
	}

	discoveryVisibility, err := getEnvDuration("DISCOVERY_VISIBILITY_TIMEOUT", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid DISCOVERY_VISIBILITY_TIMEOUT: %w", err)
	}

	s3Capacity, err := getEnvInt("S3_CAPACITY_GIB", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid S3_CAPACITY_GIB: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           port,
			CORSOrigins:    getEnvList("CORS_ORIGINS", []string{"*"}),
			RateLimitRPS:   rps,
			RateLimitBurst: burst,
		},
		Database: DatabaseConfig{
			Driver:   getEnv("STORE_DRIVER", "postgres"),
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: maxConns,
			MinConns: minConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		LLM: LLMConfig{
			OpenAIKey:        getEnv("OPENAI_API_KEY", ""),
			AnthropicKey:     getEnv("ANTHROPIC_API_KEY", ""),
			OllamaURL:        getEnv("OLLAMA_URL", ""),
			DefaultProvider:  getEnv("LLM_DEFAULT_PROVIDER", "openai"),
			DefaultModel:     getEnv("LLM_DEFAULT_MODEL", "gpt-4o-mini"),
			FallbackProvider: getEnv("LLM_FALLBACK_PROVIDER", ""),
			MaxRetries:       maxRetries,
		},
		Tiers: TiersConfig{
			Ingest:        getEnv("TIER_INGEST", "local"),
			Replicas:      getEnvList("TIER_REPLICAS", []string{"cloud"}),
			PublicTo:      getEnv("TIER_PUBLIC", "cdn"),
			LocalDir:      getEnv("TIER_LOCAL_DIR", "data/files"),
			CDNBackend:    getEnv("TIER_CDN_BACKEND", "supabase"),
			CloudBackend:  getEnv("TIER_CLOUD_BACKEND", "s3"),
			CacheBackend:  getEnv("TIER_CACHE_BACKEND", "redis"),
			CollabBackend: getEnv("TIER_COLLAB_BACKEND", ""),
			SupabaseURL:   getEnv("SUPABASE_URL", ""),
			SupabaseKey:   getEnv("SUPABASE_SERVICE_KEY", ""),
			CDNBucket:     getEnv("CDN_BUCKET", "public-documents"),
			CollabBucket:  getEnv("COLLAB_BUCKET", "shared-documents"),
			S3Bucket:      getEnv("S3_BUCKET", "nonprofit-documents"),
			S3Region:      getEnv("S3_REGION", "us-east-1"),
			S3AccessKey:   getEnv("S3_ACCESS_KEY", ""),
			S3SecretKey:   getEnv("S3_SECRET_KEY", ""),
			S3Endpoint:    getEnv("S3_ENDPOINT", ""),
			S3CapacityGiB: int64(s3Capacity),
		},
		Queue: QueueConfig{
			Workers:           workers,
			TaskConcurrency:   taskConcurrency,
			PollInterval:      pollInterval,
			VisibilityTimeout: visibility,
			ReapInterval:      reapInterval,
		},
		Cache: CacheConfig{
			TTL:           cacheTTL,
			WarmLimit:     warmLimit,
			WarmInterval:  warmInterval,
			CleanInterval: cleanInterval,
			MemoSize:      memoSize,
		},
		Discovery: DiscoveryConfig{
			Model:             getEnv("DISCOVERY_MODEL", ""),
			HighThreshold:     high,
			MediumThreshold:   medium,
			AutoAccept:        getEnvBool("DISCOVERY_AUTO_ACCEPT", true),
			MaxContentTokens:  maxTokens,
			VisibilityTimeout: discoveryVisibility,
		},
	}

	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) Validate() error {
	var problems []string
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		problems = append(problems, "DATABASE_URL is required when STORE_DRIVER=postgres")
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "memory" {
		problems = append(problems, fmt.Sprintf("STORE_DRIVER must be postgres or memory, got %q", c.Database.Driver))
	}
	if c.Discovery.MediumThreshold < 0 || c.Discovery.HighThreshold > 1 || c.Discovery.MediumThreshold > c.Discovery.HighThreshold {
		problems = append(problems, "discovery thresholds must satisfy 0 <= medium <= high <= 1")
	}
	if c.Queue.Workers < 1 {
		problems = append(problems, "QUEUE_WORKERS must be at least 1")
	}
	if c.Queue.VisibilityTimeout <= 0 {
		problems = append(problems, "QUEUE_VISIBILITY_TIMEOUT must be positive")
	}
	if c.Cache.TTL <= 0 {
		problems = append(problems, "CACHE_TTL must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// getEnvList splits a comma separated value. An explicit "-" yields an empty list.
func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if v == "-" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
