// SPDX-License-Identifier: MIT

// Package config loads and validates the daemon configuration from the
// process environment. Precedence is ENV > defaults; there is no config file.
package config

import (
	"fmt"
	"strings"
	"time"
)

// AnalysisMode selects which media signals feed the analysis call.
type AnalysisMode string

const (
	AnalysisAudio  AnalysisMode = "audio"
	AnalysisVisual AnalysisMode = "visual"
	AnalysisHybrid AnalysisMode = "hybrid"
)

// Config is the validated runtime configuration.
type Config struct {
	// Server
	ListenAddr     string
	BaseURL        string // public base for /s/{publicId} links
	LogLevel       string
	AdminAPIKey    string
	TrustedProxies string // CSV of CIDRs allowed to set X-Forwarded-For

	// Stores
	SQLitePath   string
	RedisAddr    string
	RedisDB      int
	RedisPass    string
	StorePoolMax int

	// Upstream credentials
	GeneratorProject    string
	GeneratorAPIKey     string
	GeneratorEndpoint   string
	UploaderAPIKey      string
	UploaderEndpoint    string
	UploaderProvider    string // "imgbb" or "s3-compat"
	MessagingAPIKey     string
	MessagingEndpoint   string
	MessagingSendDirect bool // also send a DM, not just field updates

	// Tools
	YTDLPPath   string
	FFmpegPath  string
	FFprobePath string
	CookiesPath string
	TempRoot    string

	// Pipeline limits
	AnalysisMode    AnalysisMode
	MaxVideoSeconds int
	MaxVideoBytes   int64
	MaxFrames       int
	FrameWidth      int
	JPEGQuality     int
	JobTimeout      time.Duration
	AdapterTimeout  time.Duration

	// Queue
	QueueConcurrency int
	QueueRatePerMin  int
	JobAttempts      int
	RetryBackoffBase time.Duration
	HeartbeatEvery   time.Duration
	StallAfter       time.Duration
	JobRetention     time.Duration

	// Access control
	BetaCapacity     int
	UserQuotaPerHour int
	QuotaWindow      time.Duration
	BlockTTL         time.Duration
	IPRatePerMinute  int

	// Sessions
	SessionTTL      time.Duration
	VariationTTL    time.Duration
	VariationAdvise int // soft ceiling that triggers an advisory

	// Caching
	AnalysisTTL time.Duration

	// Circuit breakers
	BreakerThreshold   int
	BreakerResetAfter  time.Duration
	BreakerHalfOpenOK  int
	BreakerWindow      time.Duration
	BreakerDistributed bool

	// Tracing
	TraceEnabled  bool
	TraceExporter string
	TraceEndpoint string
	TraceSampling float64
}

// Load reads configuration from the environment and applies defaults.
func Load() Config {
	return Config{
		ListenAddr:     ParseString("RS_LISTEN", ":8080"),
		BaseURL:        strings.TrimRight(ParseString("RS_BASE_URL", "http://localhost:8080"), "/"),
		LogLevel:       ParseString("LOG_LEVEL", "info"),
		AdminAPIKey:    ParseString("RS_ADMIN_API_KEY", ""),
		TrustedProxies: ParseString("RS_TRUSTED_PROXIES", ""),

		SQLitePath:   ParseString("RS_SQLITE_PATH", "reelscribe.db"),
		RedisAddr:    ParseString("RS_REDIS_ADDR", "localhost:6379"),
		RedisDB:      ParseInt("RS_REDIS_DB", 0),
		RedisPass:    ParseString("RS_REDIS_PASSWORD", ""),
		StorePoolMax: ParseInt("RS_STORE_POOL_MAX", 10),

		GeneratorProject:    ParseString("RS_GENERATOR_PROJECT", ""),
		GeneratorAPIKey:     ParseString("RS_GENERATOR_API_KEY", ""),
		GeneratorEndpoint:   ParseString("RS_GENERATOR_ENDPOINT", ""),
		UploaderAPIKey:      ParseString("RS_UPLOADER_API_KEY", ""),
		UploaderEndpoint:    ParseString("RS_UPLOADER_ENDPOINT", ""),
		UploaderProvider:    ParseString("RS_UPLOADER_PROVIDER", "imgbb"),
		MessagingAPIKey:     ParseString("RS_MESSAGING_API_KEY", ""),
		MessagingEndpoint:   ParseString("RS_MESSAGING_ENDPOINT", "https://api.manychat.com"),
		MessagingSendDirect: ParseBool("RS_MESSAGING_SEND_DIRECT", false),

		YTDLPPath:   ParseString("RS_YTDLP_PATH", "yt-dlp"),
		FFmpegPath:  ParseString("RS_FFMPEG_PATH", "ffmpeg"),
		FFprobePath: ParseString("RS_FFPROBE_PATH", "ffprobe"),
		CookiesPath: ParseString("RS_COOKIES_PATH", ""),
		TempRoot:    ParseString("RS_TEMP_ROOT", ""),

		AnalysisMode:    AnalysisMode(ParseString("RS_ANALYSIS_MODE", string(AnalysisHybrid))),
		MaxVideoSeconds: ParseInt("RS_MAX_VIDEO_SECONDS", 300),
		MaxVideoBytes:   ParseInt64("RS_MAX_VIDEO_BYTES", 50*1024*1024),
		MaxFrames:       ParseInt("RS_MAX_FRAMES", 20),
		FrameWidth:      ParseInt("RS_FRAME_WIDTH", 480),
		JPEGQuality:     ParseInt("RS_JPEG_QUALITY", 5),
		JobTimeout:      ParseDuration("RS_JOB_TIMEOUT", 5*time.Minute),
		AdapterTimeout:  ParseDuration("RS_ADAPTER_TIMEOUT", 30*time.Second),

		QueueConcurrency: ParseInt("RS_QUEUE_CONCURRENCY", 5),
		QueueRatePerMin:  ParseInt("RS_QUEUE_RATE_PER_MIN", 10),
		JobAttempts:      ParseInt("RS_JOB_ATTEMPTS", 3),
		RetryBackoffBase: ParseDuration("RS_RETRY_BACKOFF_BASE", 2*time.Second),
		HeartbeatEvery:   ParseDuration("RS_HEARTBEAT_EVERY", 15*time.Second),
		StallAfter:       ParseDuration("RS_STALL_AFTER", 60*time.Second),
		JobRetention:     ParseDuration("RS_JOB_RETENTION", 7*24*time.Hour),

		BetaCapacity:     ParseInt("RS_BETA_CAPACITY", 100),
		UserQuotaPerHour: ParseInt("RS_USER_QUOTA_PER_HOUR", 10),
		QuotaWindow:      ParseDuration("RS_QUOTA_WINDOW", time.Hour),
		BlockTTL:         ParseDuration("RS_BLOCK_TTL", 24*time.Hour),
		IPRatePerMinute:  ParseInt("RS_IP_RATE_PER_MIN", 60),

		SessionTTL:      ParseDuration("RS_SESSION_TTL", 30*time.Minute),
		VariationTTL:    ParseDuration("RS_VARIATION_TTL", 7*24*time.Hour),
		VariationAdvise: ParseInt("RS_VARIATION_ADVISE", 5),

		AnalysisTTL: ParseDuration("RS_ANALYSIS_TTL", 7*24*time.Hour),

		BreakerThreshold:   ParseInt("RS_BREAKER_THRESHOLD", 5),
		BreakerResetAfter:  ParseDuration("RS_BREAKER_RESET", 30*time.Second),
		BreakerHalfOpenOK:  ParseInt("RS_BREAKER_HALFOPEN_OK", 2),
		BreakerWindow:      ParseDuration("RS_BREAKER_WINDOW", 60*time.Second),
		BreakerDistributed: ParseBool("RS_BREAKER_DISTRIBUTED", true),

		TraceEnabled:  ParseBool("RS_TRACE_ENABLED", false),
		TraceExporter: ParseString("RS_TRACE_EXPORTER", "http"),
		TraceEndpoint: ParseString("RS_TRACE_ENDPOINT", "localhost:4318"),
		TraceSampling: 1.0,
	}
}

// Validate rejects configurations the daemon cannot safely run with.
func (c Config) Validate() error {
	switch c.AnalysisMode {
	case AnalysisAudio, AnalysisVisual, AnalysisHybrid:
	default:
		return fmt.Errorf("invalid analysis mode %q (want audio|visual|hybrid)", c.AnalysisMode)
	}
	if c.QueueConcurrency < 1 {
		return fmt.Errorf("queue concurrency must be >= 1, got %d", c.QueueConcurrency)
	}
	if c.JobAttempts < 1 {
		return fmt.Errorf("job attempts must be >= 1, got %d", c.JobAttempts)
	}
	if c.BetaCapacity < 0 {
		return fmt.Errorf("beta capacity must be >= 0, got %d", c.BetaCapacity)
	}
	if c.UserQuotaPerHour < 1 {
		return fmt.Errorf("per-user quota must be >= 1, got %d", c.UserQuotaPerHour)
	}
	if c.MaxVideoSeconds < 1 || c.MaxVideoBytes < 1 {
		return fmt.Errorf("video limits must be positive")
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite path must not be empty")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis address must not be empty")
	}
	if c.JobTimeout < time.Second {
		return fmt.Errorf("job timeout too small: %s", c.JobTimeout)
	}
	switch c.UploaderProvider {
	case "imgbb", "s3-compat":
	default:
		return fmt.Errorf("invalid uploader provider %q (want imgbb|s3-compat)", c.UploaderProvider)
	}
	return nil
}
