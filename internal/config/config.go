package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Redis     RedisConfig
	JWT       JWTConfig
	OIDC      OIDCConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
	Groq      GroqConfig
	TTS       TTSConfig
	Media     MediaConfig
	Assembly  AssemblyConfig
	Publish   PublishConfig
	R2        R2Config
	Pipeline  PipelineConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	ApiDomain string
}

type LogConfig struct {
	Level  string
	Format string // json or console
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type OIDCConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	PipelinesPerHour   int
	StageInvokesPerMin int
}

type GroqConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type TTSConfig struct {
	ServiceURL string
	Voice      string
	Timeout    int // seconds
}

type MediaConfig struct {
	PexelsAPIKey   string
	PexelsBaseURL  string
	PixabayAPIKey  string
	PixabayBaseURL string
	MinIntervalMs  int
}

type AssemblyConfig struct {
	ServiceURL string
	Resolution string
	Timeout    int // seconds
}

type PublishConfig struct {
	APIKey       string
	BaseURL      string
	Platform     string
	PollInterval int // seconds
	MaxWait      int // seconds
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

// PipelineConfig controls orchestration, retries and dispatch
type PipelineConfig struct {
	MaxAttempts       int
	RetryBaseMs       int
	RetryMaxMs        int
	VisibilityBaseMs  int
	VisibilityMaxMs   int
	VisibilityReads   int
	SyncBudgetSec     int
	PollInitialSec    int
	PollMaxSec        int
	PollMaxWaitSec    int
	Queue             string
	StageQueue        string
	WorkerConcurrency int
	StageConcurrency  int
	InlineStages      bool
}

// RetryBase returns the retry base delay
func (p PipelineConfig) RetryBase() time.Duration {
	return time.Duration(p.RetryBaseMs) * time.Millisecond
}

// RetryMax returns the retry delay cap
func (p PipelineConfig) RetryMax() time.Duration {
	return time.Duration(p.RetryMaxMs) * time.Millisecond
}

// SyncBudget returns the synchronous stage budget
func (p PipelineConfig) SyncBudget() time.Duration {
	return time.Duration(p.SyncBudgetSec) * time.Second
}

// PollMaxWait returns the longest time an async stage is awaited
func (p PipelineConfig) PollMaxWait() time.Duration {
	return time.Duration(p.PollMaxWaitSec) * time.Second
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("GROQ_API_KEY")
	readSecret("PEXELS_API_KEY")
	readSecret("PIXABAY_API_KEY")
	readSecret("PUBLISH_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("OIDC_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("log.format", "LOG_FORMAT")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = v.BindEnv("oidc.domain", "OIDC_DOMAIN")
	_ = v.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = v.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("ratelimit.pipelines_per_hour", "RATELIMIT_PIPELINES_PER_HOUR")
	_ = v.BindEnv("ratelimit.stage_invokes_per_min", "RATELIMIT_STAGE_INVOKES_PER_MIN")
	_ = v.BindEnv("groq.api_key", "GROQ_API_KEY")
	_ = v.BindEnv("groq.base_url", "GROQ_BASE_URL")
	_ = v.BindEnv("groq.model", "GROQ_MODEL")
	_ = v.BindEnv("tts.service_url", "TTS_SERVICE_URL")
	_ = v.BindEnv("tts.voice", "TTS_VOICE")
	_ = v.BindEnv("tts.timeout", "TTS_TIMEOUT")
	_ = v.BindEnv("media.pexels_api_key", "PEXELS_API_KEY")
	_ = v.BindEnv("media.pexels_base_url", "PEXELS_BASE_URL")
	_ = v.BindEnv("media.pixabay_api_key", "PIXABAY_API_KEY")
	_ = v.BindEnv("media.pixabay_base_url", "PIXABAY_BASE_URL")
	_ = v.BindEnv("media.min_interval_ms", "MEDIA_MIN_INTERVAL_MS")
	_ = v.BindEnv("assembly.service_url", "ASSEMBLY_SERVICE_URL")
	_ = v.BindEnv("assembly.resolution", "ASSEMBLY_RESOLUTION")
	_ = v.BindEnv("assembly.timeout", "ASSEMBLY_TIMEOUT")
	_ = v.BindEnv("publish.api_key", "PUBLISH_API_KEY")
	_ = v.BindEnv("publish.base_url", "PUBLISH_BASE_URL")
	_ = v.BindEnv("publish.platform", "PUBLISH_PLATFORM")
	_ = v.BindEnv("publish.poll_interval", "PUBLISH_POLL_INTERVAL")
	_ = v.BindEnv("publish.max_wait", "PUBLISH_MAX_WAIT")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("pipeline.max_attempts", "PIPELINE_MAX_ATTEMPTS")
	_ = v.BindEnv("pipeline.retry_base_ms", "PIPELINE_RETRY_BASE_MS")
	_ = v.BindEnv("pipeline.retry_max_ms", "PIPELINE_RETRY_MAX_MS")
	_ = v.BindEnv("pipeline.visibility_base_ms", "PIPELINE_VISIBILITY_BASE_MS")
	_ = v.BindEnv("pipeline.visibility_max_ms", "PIPELINE_VISIBILITY_MAX_MS")
	_ = v.BindEnv("pipeline.visibility_reads", "PIPELINE_VISIBILITY_READS")
	_ = v.BindEnv("pipeline.sync_budget_sec", "PIPELINE_SYNC_BUDGET_SEC")
	_ = v.BindEnv("pipeline.poll_initial_sec", "PIPELINE_POLL_INITIAL_SEC")
	_ = v.BindEnv("pipeline.poll_max_sec", "PIPELINE_POLL_MAX_SEC")
	_ = v.BindEnv("pipeline.poll_max_wait_sec", "PIPELINE_POLL_MAX_WAIT_SEC")
	_ = v.BindEnv("pipeline.queue", "PIPELINE_QUEUE")
	_ = v.BindEnv("pipeline.stage_queue", "PIPELINE_STAGE_QUEUE")
	_ = v.BindEnv("pipeline.worker_concurrency", "PIPELINE_WORKER_CONCURRENCY")
	_ = v.BindEnv("pipeline.stage_concurrency", "PIPELINE_STAGE_CONCURRENCY")
	_ = v.BindEnv("pipeline.inline_stages", "PIPELINE_INLINE_STAGES")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.pipelines_per_hour", 10)
	v.SetDefault("ratelimit.stage_invokes_per_min", 30)

	// Groq defaults
	v.SetDefault("groq.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("groq.model", "llama-3.3-70b-versatile")

	// TTS defaults
	v.SetDefault("tts.voice", "narrator")
	v.SetDefault("tts.timeout", 60)

	// Stock media defaults
	v.SetDefault("media.pexels_base_url", "https://api.pexels.com/v1")
	v.SetDefault("media.pixabay_base_url", "https://pixabay.com/api")
	v.SetDefault("media.min_interval_ms", 1000)

	// Assembly defaults
	v.SetDefault("assembly.resolution", "1080x1920")
	v.SetDefault("assembly.timeout", 600)

	// Publish defaults
	v.SetDefault("publish.platform", "youtube-shorts")
	v.SetDefault("publish.poll_interval", 5)
	v.SetDefault("publish.max_wait", 120)

	// Pipeline defaults
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.retry_base_ms", 1000)
	v.SetDefault("pipeline.retry_max_ms", 30000)
	v.SetDefault("pipeline.visibility_base_ms", 200)
	v.SetDefault("pipeline.visibility_max_ms", 2000)
	v.SetDefault("pipeline.visibility_reads", 5)
	v.SetDefault("pipeline.sync_budget_sec", 30)
	v.SetDefault("pipeline.poll_initial_sec", 2)
	v.SetDefault("pipeline.poll_max_sec", 30)
	v.SetDefault("pipeline.poll_max_wait_sec", 600)
	v.SetDefault("pipeline.queue", "pipelines")
	v.SetDefault("pipeline.stage_queue", "stages")
	v.SetDefault("pipeline.worker_concurrency", 10)
	v.SetDefault("pipeline.stage_concurrency", 10)
	v.SetDefault("pipeline.inline_stages", false)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		OIDC: OIDCConfig{
			Domain:   v.GetString("oidc.domain"),
			ClientID: v.GetString("oidc.client_id"),
			Issuer:   v.GetString("oidc.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			PipelinesPerHour:   v.GetInt("ratelimit.pipelines_per_hour"),
			StageInvokesPerMin: v.GetInt("ratelimit.stage_invokes_per_min"),
		},
		Groq: GroqConfig{
			APIKey:  v.GetString("groq.api_key"),
			BaseURL: v.GetString("groq.base_url"),
			Model:   v.GetString("groq.model"),
		},
		TTS: TTSConfig{
			ServiceURL: v.GetString("tts.service_url"),
			Voice:      v.GetString("tts.voice"),
			Timeout:    v.GetInt("tts.timeout"),
		},
		Media: MediaConfig{
			PexelsAPIKey:   v.GetString("media.pexels_api_key"),
			PexelsBaseURL:  v.GetString("media.pexels_base_url"),
			PixabayAPIKey:  v.GetString("media.pixabay_api_key"),
			PixabayBaseURL: v.GetString("media.pixabay_base_url"),
			MinIntervalMs:  v.GetInt("media.min_interval_ms"),
		},
		Assembly: AssemblyConfig{
			ServiceURL: v.GetString("assembly.service_url"),
			Resolution: v.GetString("assembly.resolution"),
			Timeout:    v.GetInt("assembly.timeout"),
		},
		Publish: PublishConfig{
			APIKey:       v.GetString("publish.api_key"),
			BaseURL:      v.GetString("publish.base_url"),
			Platform:     v.GetString("publish.platform"),
			PollInterval: v.GetInt("publish.poll_interval"),
			MaxWait:      v.GetInt("publish.max_wait"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Pipeline: PipelineConfig{
			MaxAttempts:       v.GetInt("pipeline.max_attempts"),
			RetryBaseMs:       v.GetInt("pipeline.retry_base_ms"),
			RetryMaxMs:        v.GetInt("pipeline.retry_max_ms"),
			VisibilityBaseMs:  v.GetInt("pipeline.visibility_base_ms"),
			VisibilityMaxMs:   v.GetInt("pipeline.visibility_max_ms"),
			VisibilityReads:   v.GetInt("pipeline.visibility_reads"),
			SyncBudgetSec:     v.GetInt("pipeline.sync_budget_sec"),
			PollInitialSec:    v.GetInt("pipeline.poll_initial_sec"),
			PollMaxSec:        v.GetInt("pipeline.poll_max_sec"),
			PollMaxWaitSec:    v.GetInt("pipeline.poll_max_wait_sec"),
			Queue:             v.GetString("pipeline.queue"),
			StageQueue:        v.GetString("pipeline.stage_queue"),
			WorkerConcurrency: v.GetInt("pipeline.worker_concurrency"),
			StageConcurrency:  v.GetInt("pipeline.stage_concurrency"),
			InlineStages:      v.GetBool("pipeline.inline_stages"),
		},
	}

	return cfg, nil
}
