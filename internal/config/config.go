package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/video-product-extractor/internal/catalog"
	"github.com/MimeLyc/video-product-extractor/internal/product"
	"github.com/MimeLyc/video-product-extractor/pkg/log"
)

const (
	ProvidersLive = "live"
	ProvidersMock = "mock"
)

// Config holds all application configuration.
// Values come from environment variables with defaults and can be adjusted with options.
//
// Environment Variables:
// Service:
// - HTTP_ADDR: listen address (default: :8080)
// - DATA_DIR: directory for the SQLite database (default: /app/data)
// - WORKER_COUNT: concurrent jobs (default: 2)
// - PROVIDERS_MODE: live or mock (default: live)
// - LOG_LEVEL, ENVIRONMENT: see pkg/log
//
// Providers:
// - LLM_API_KEY, LLM_API_URL, LLM_MODEL, LLM_TIMEOUT: chat model for extraction
// - VISION_MODEL: chat model for frame identification (default: LLM_MODEL)
// - TRANSCRIPTION_API_KEY, TRANSCRIPTION_API_URL, TRANSCRIPTION_MODEL (key defaults to LLM_API_KEY)
// - SEARCH_API_KEY, SEARCH_API_URL, CATALOG_MARKETS
//
// Pipeline:
// - DISAMBIGUATION_PER_JOB (default: 4), DISAMBIGUATION_GLOBAL (default: 8)
// - MATCH_THRESHOLD (default: 0.85), PRIMARY_MARKET (default: amazon)
// - *_RETRIES and *_TIMEOUT per stage, RETRY_INITIAL_INTERVAL, RETRY_MAX_INTERVAL
//
// Media:
// - MEDIA_WORK_DIR: scratch space for downloads, audio and frames
// - MEDIA_LOCAL_ROOT: directory local video paths may point into (default: unset, local paths rejected)
//
// Infrastructure:
// - REDIS_ADDR: enables the search cache and job locks when set
// - RETENTION_CRON (default: @hourly), RETENTION_TTL (default: 168h)
// - OTEL_EXPORTER_OTLP_ENDPOINT: enables tracing when set
type Config struct {
	HTTP          HTTPConfig          `json:"http"`
	Store         StoreConfig         `json:"store"`
	Worker        WorkerConfig        `json:"worker"`
	Pipeline      PipelineConfig      `json:"pipeline"`
	LLM           LLMConfig           `json:"llm"`
	Transcription TranscriptionConfig `json:"transcription"`
	Vision        VisionConfig        `json:"vision"`
	Search        SearchConfig        `json:"search"`
	Media         MediaConfig         `json:"media"`
	Redis         RedisConfig         `json:"redis"`
	Retention     RetentionConfig     `json:"retention"`
	Observability ObservabilityConfig `json:"observability"`
	Providers     ProvidersConfig     `json:"providers"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

type StoreConfig struct {
	DataDir string `json:"data_dir"`
	// CatalogSeedFile is a JSON array of catalog entries loaded at startup.
	CatalogSeedFile string `json:"catalog_seed_file"`
}

type WorkerConfig struct {
	Count int `json:"count"`
}

// StagePolicy is the retry budget of one kind of outbound call.
type StagePolicy struct {
	Retries int           `json:"retries"`
	Timeout time.Duration `json:"timeout"`
}

type PipelineConfig struct {
	PerJobFanout    int           `json:"per_job_fanout"`
	GlobalFanout    int           `json:"global_fanout"`
	Threshold       float64       `json:"threshold"`
	PrimaryMarket   string        `json:"primary_market"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	Multiplier      float64       `json:"multiplier"`

	Fetch      StagePolicy `json:"fetch"`
	Transcribe StagePolicy `json:"transcribe"`
	Extract    StagePolicy `json:"extract"`
	Vision     StagePolicy `json:"vision"`
	Search     StagePolicy `json:"search"`
}

// LLMConfig holds the configuration for the chat model used by extraction and vision.
type LLMConfig struct {
	APIKey      string  `json:"api_key"`
	APIURL      string  `json:"api_url"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Timeout     int     `json:"timeout"`
	SiteURL     string  `json:"site_url"`
	AppName     string  `json:"app_name"`
	// MaxInFlight and RatePerSecond bound extraction calls.
	MaxInFlight   int     `json:"max_in_flight"`
	RatePerSecond float64 `json:"rate_per_second"`
}

type TranscriptionConfig struct {
	APIKey        string        `json:"api_key"`
	APIURL        string        `json:"api_url"`
	Model         string        `json:"model"`
	Timeout       time.Duration `json:"timeout"`
	MaxInFlight   int           `json:"max_in_flight"`
	RatePerSecond float64       `json:"rate_per_second"`
}

type VisionConfig struct {
	Model         string  `json:"model"`
	MaxInFlight   int     `json:"max_in_flight"`
	RatePerSecond float64 `json:"rate_per_second"`
}

type SearchConfig struct {
	APIKey        string           `json:"api_key"`
	APIURL        string           `json:"api_url"`
	MaxResults    int              `json:"max_results"`
	Markets       []product.Market `json:"markets"`
	Timeout       time.Duration    `json:"timeout"`
	CacheTTL      time.Duration    `json:"cache_ttl"`
	MaxInFlight   int              `json:"max_in_flight"`
	RatePerSecond float64          `json:"rate_per_second"`
}

type MediaConfig struct {
	WorkDir string `json:"work_dir"`
	FFmpeg  string `json:"ffmpeg"`
	FFprobe string `json:"ffprobe"`
	YTDLP   string `json:"ytdlp"`

	// LocalRoot bounds local file refs. Empty means only http(s) URLs are accepted.
	LocalRoot string `json:"local_root"`
}

type RedisConfig struct {
	Addr     string        `json:"addr"`
	Password string        `json:"-"`
	DB       int           `json:"db"`
	LockTTL  time.Duration `json:"lock_ttl"`
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type RetentionConfig struct {
	CronExpr string        `json:"cron_expr"`
	TTL      time.Duration `json:"ttl"`
	MaxJobs  int           `json:"max_jobs"`
}

type ObservabilityConfig struct {
	ServiceName  string `json:"service_name"`
	OTLPEndpoint string `json:"otlp_endpoint"`
	LogLevel     string `json:"log_level"`
}

type ProvidersConfig struct {
	Mode string `json:"mode"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	llmKey := getEnvString("LLM_API_KEY", "")
	llmModel := getEnvString("LLM_MODEL", "openai/gpt-4o-mini")

	config := &Config{
		HTTP: HTTPConfig{
			Addr: getEnvString("HTTP_ADDR", ":8080"),
		},
		Store: StoreConfig{
			DataDir:         getEnvString("DATA_DIR", "/app/data"),
			CatalogSeedFile: getEnvString("CATALOG_SEED_FILE", ""),
		},
		Worker: WorkerConfig{
			Count: getEnvInt("WORKER_COUNT", 2),
		},
		Pipeline: PipelineConfig{
			PerJobFanout:    getEnvInt("DISAMBIGUATION_PER_JOB", 4),
			GlobalFanout:    getEnvInt("DISAMBIGUATION_GLOBAL", 8),
			Threshold:       getEnvFloat("MATCH_THRESHOLD", catalog.DefaultThreshold),
			PrimaryMarket:   getEnvString("PRIMARY_MARKET", string(product.MarketAmazon)),
			InitialInterval: getEnvDuration("RETRY_INITIAL_INTERVAL", 500*time.Millisecond),
			MaxInterval:     getEnvDuration("RETRY_MAX_INTERVAL", 8*time.Second),
			Multiplier:      getEnvFloat("RETRY_MULTIPLIER", 2),
			Fetch:           stagePolicy("FETCH", 2, 10*time.Minute),
			Transcribe:      stagePolicy("TRANSCRIBE", 3, 5*time.Minute),
			Extract:         stagePolicy("EXTRACT", 3, 2*time.Minute),
			Vision:          stagePolicy("VISION", 1, 60*time.Second),
			Search:          stagePolicy("SEARCH", 1, 20*time.Second),
		},
		LLM: LLMConfig{
			APIKey:        llmKey,
			APIURL:        getEnvString("LLM_API_URL", "https://openrouter.ai/api/v1"),
			Model:         llmModel,
			MaxTokens:     getEnvInt("LLM_MAX_TOKENS", 4000),
			Temperature:   getEnvFloat("LLM_TEMPERATURE", 0.2),
			Timeout:       getEnvInt("LLM_TIMEOUT", 120),
			SiteURL:       getEnvString("LLM_SITE_URL", ""),
			AppName:       getEnvString("LLM_APP_NAME", ""),
			MaxInFlight:   getEnvInt("LLM_MAX_IN_FLIGHT", 4),
			RatePerSecond: getEnvFloat("LLM_RATE_PER_SECOND", 0),
		},
		Transcription: TranscriptionConfig{
			APIKey:        getEnvString("TRANSCRIPTION_API_KEY", llmKey),
			APIURL:        getEnvString("TRANSCRIPTION_API_URL", "https://api.openai.com/v1"),
			Model:         getEnvString("TRANSCRIPTION_MODEL", "whisper-1"),
			Timeout:       getEnvDuration("TRANSCRIPTION_HTTP_TIMEOUT", 5*time.Minute),
			MaxInFlight:   getEnvInt("TRANSCRIPTION_MAX_IN_FLIGHT", 2),
			RatePerSecond: getEnvFloat("TRANSCRIPTION_RATE_PER_SECOND", 0),
		},
		Vision: VisionConfig{
			Model:         getEnvString("VISION_MODEL", llmModel),
			MaxInFlight:   getEnvInt("VISION_MAX_IN_FLIGHT", 8),
			RatePerSecond: getEnvFloat("VISION_RATE_PER_SECOND", 0),
		},
		Search: SearchConfig{
			APIKey:        getEnvString("SEARCH_API_KEY", ""),
			APIURL:        getEnvString("SEARCH_API_URL", "https://api.tavily.com/search"),
			MaxResults:    getEnvInt("SEARCH_MAX_RESULTS", 5),
			Markets:       getEnvMarkets("CATALOG_MARKETS", []product.Market{product.MarketAmazon, product.MarketTrendyol}),
			Timeout:       getEnvDuration("SEARCH_HTTP_TIMEOUT", 20*time.Second),
			CacheTTL:      getEnvDuration("SEARCH_CACHE_TTL", 24*time.Hour),
			MaxInFlight:   getEnvInt("SEARCH_MAX_IN_FLIGHT", 4),
			RatePerSecond: getEnvFloat("SEARCH_RATE_PER_SECOND", 0),
		},
		Media: MediaConfig{
			WorkDir:   getEnvString("MEDIA_WORK_DIR", filepath.Join(os.TempDir(), "vpe-media")),
			FFmpeg:    getEnvString("FFMPEG_BIN", "ffmpeg"),
			FFprobe:   getEnvString("FFPROBE_BIN", "ffprobe"),
			YTDLP:     getEnvString("YTDLP_BIN", "yt-dlp"),
			LocalRoot: getEnvString("MEDIA_LOCAL_ROOT", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnvString("REDIS_ADDR", ""),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			LockTTL:  getEnvDuration("JOB_LOCK_TTL", 2*time.Hour),
		},
		Retention: RetentionConfig{
			CronExpr: getEnvString("RETENTION_CRON", "@hourly"),
			TTL:      getEnvDuration("RETENTION_TTL", 168*time.Hour),
			MaxJobs:  getEnvInt("MAX_JOBS", 1000),
		},
		Observability: ObservabilityConfig{
			ServiceName:  getEnvString("OTEL_SERVICE_NAME", "video-product-extractor"),
			OTLPEndpoint: getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			LogLevel:     getEnvString("LOG_LEVEL", "info"),
		},
		Providers: ProvidersConfig{
			Mode: strings.ToLower(getEnvString("PROVIDERS_MODE", ProvidersLive)),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Info("Config: mode=%s addr=%s data_dir=%s workers=%d redis=%t tracing=%t",
		config.Providers.Mode, config.HTTP.Addr, config.Store.DataDir, config.Worker.Count,
		config.Redis.Enabled(), config.Observability.OTLPEndpoint != "")

	return config, nil
}

// DBPath is the SQLite database inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.Store.DataDir, "vpe.db")
}

// Matching is the startup value of the runtime-editable matching settings.
func (c *Config) Matching() catalog.Settings {
	return catalog.Settings{
		Threshold:     c.Pipeline.Threshold,
		PrimaryMarket: product.Market(c.Pipeline.PrimaryMarket),
	}
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	switch c.Providers.Mode {
	case ProvidersMock:
	case ProvidersLive:
		if c.LLM.APIKey == "" {
			return fmt.Errorf("LLM_API_KEY is required")
		}
		if c.Transcription.APIKey == "" {
			return fmt.Errorf("TRANSCRIPTION_API_KEY is required")
		}
	default:
		return fmt.Errorf("PROVIDERS_MODE must be %q or %q, got %q", ProvidersLive, ProvidersMock, c.Providers.Mode)
	}
	if err := c.Matching().Validate(); err != nil {
		return err
	}
	if len(c.Search.Markets) == 0 {
		return fmt.Errorf("CATALOG_MARKETS needs at least one market")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive")
	}
	if c.Pipeline.PerJobFanout <= 0 || c.Pipeline.GlobalFanout <= 0 {
		return fmt.Errorf("disambiguation fan-out must be positive")
	}
	if _, err := cron.ParseStandard(c.Retention.CronExpr); err != nil {
		return fmt.Errorf("invalid RETENTION_CRON: %w", err)
	}
	return nil
}

func stagePolicy(prefix string, retries int, timeout time.Duration) StagePolicy {
	return StagePolicy{
		Retries: getEnvInt(prefix+"_RETRIES", retries),
		Timeout: getEnvDuration(prefix+"_TIMEOUT", timeout),
	}
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvMarkets reads a comma separated market list. Unknown names are skipped.
func getEnvMarkets(key string, defaultValue []product.Market) []product.Market {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []product.Market
	for _, part := range strings.Split(value, ",") {
		m := product.Market(strings.ToLower(strings.TrimSpace(part)))
		if m.Valid() {
			out = append(out, m)
		}
	}
	return out
}
