// Package config provides environment-based configuration for soundforge.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all soundforge configuration values loaded from environment variables.
type Config struct {
	// UploadDir is the source-file directory.
	UploadDir string

	// OutputDir is the artifact directory.
	OutputDir string

	// KaraokeSubdir is the subdirectory under OutputDir for karaoke stage outputs.
	KaraokeSubdir string

	// MaxUploadBytes rejects larger uploads with 413.
	MaxUploadBytes int64

	// AllowedExtensions is the set of accepted upload extensions (lowercase, no dot).
	AllowedExtensions []string

	// Port is the HTTP listen port.
	Port int

	// CORSOrigins is the Access-Control-Allow-Origin value.
	CORSOrigins string

	// CISmokeMode skips the GPU precondition so GPU-required stages run without
	// a GPU. The registered processors are the same in either mode.
	CISmokeMode bool

	// Debug includes exception/traceback detail in error responses.
	Debug bool

	// AutoProcessChain is the ordered stage list run after upload when auto_process=true.
	AutoProcessChain []string

	// ProgressQueueSize is the per-subscription buffer before dropping non-terminal events.
	ProgressQueueSize int

	// GPUConcurrency is the number of concurrent GPU-bound stage executions per device.
	GPUConcurrency int

	// GPUStatusCacheTTL controls how long a gpu_status() probe result is cached.
	GPUStatusCacheTTL time.Duration

	// RedisURL, if set, backs the GPU status cache; empty means in-process cache only.
	RedisURL string

	// S3Bucket, if set, enables the optional artifact mirror.
	S3Bucket    string
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool

	// LogLevel controls the verbosity of structured logging.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		UploadDir:         getEnv("UPLOAD_DIR", "./uploads"),
		OutputDir:         getEnv("OUTPUT_DIR", "./outputs"),
		KaraokeSubdir:     getEnv("KARAOKE_SUBDIR", "Karaoke-pjesme"),
		MaxUploadBytes:    getEnvInt64("MAX_UPLOAD_BYTES", 100*1024*1024),
		AllowedExtensions: getEnvCSV("ALLOWED_EXTENSIONS", []string{"mp3", "wav", "flac", "m4a", "ogg"}),
		Port:              getEnvInt("DEFAULT_PORT", 5000),
		CORSOrigins:       getEnv("CORS_ORIGINS", "*"),
		CISmokeMode:       getEnvBool("CI_SMOKE_MODE", false),
		Debug:             getEnvBool("DEBUG", false),
		AutoProcessChain:  getEnvCSV("AUTO_PROCESS_CHAIN", []string{"separation", "transcription", "karaoke"}),
		ProgressQueueSize: getEnvInt("PROGRESS_QUEUE_SIZE", 32),
		GPUConcurrency:    getEnvInt("GPU_CONCURRENCY", 1),
		GPUStatusCacheTTL: getEnvDuration("GPU_STATUS_CACHE_TTL", 5*time.Second),
		RedisURL:          getEnv("REDIS_URL", ""),
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3Region:          getEnv("S3_REGION", "us-east-1"),
		S3AccessKey:       getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:       getEnv("S3_SECRET_KEY", ""),
		S3PathStyle:       getEnvBool("S3_PATH_STYLE", true),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvCSV(key string, fallback []string) []string {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return fallback
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
