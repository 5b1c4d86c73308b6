package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Token
	JWTSecretKey string
	TokenTTL     time.Duration
	BcryptCost   int

	// Image
	ImageDir      string
	MaxUploadSize int64

	// Post
	TitleMinLength   int
	ContentMinLength int
	DefaultPageSize  int
	MaxPageSize      int

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitUpload  int

	// Notification Hub
	HubQueueSize    int
	HubClientBuffer int
	SSEHeartbeat    time.Duration

	// Cleanup
	CleanupInterval   time.Duration
	OrphanGracePeriod time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecretKey = os.Getenv("JWT_SECRET_KEY")
	if cfg.JWTSecretKey == "" {
		missing = append(missing, "JWT_SECRET_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.TokenTTL = getEnvDuration("TOKEN_TTL", time.Hour)
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 12)
	cfg.ImageDir = getEnvString("IMAGE_DIR", "images")
	cfg.MaxUploadSize = getEnvInt64("MAX_UPLOAD_SIZE", 5<<20)
	cfg.TitleMinLength = getEnvInt("POST_TITLE_MIN_LENGTH", 5)
	cfg.ContentMinLength = getEnvInt("POST_CONTENT_MIN_LENGTH", 5)
	cfg.DefaultPageSize = getEnvInt("DEFAULT_PAGE_SIZE", 2)
	cfg.MaxPageSize = getEnvInt("MAX_PAGE_SIZE", 50)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitUpload = getEnvInt("RATE_LIMIT_UPLOAD", 20)
	cfg.HubQueueSize = getEnvInt("HUB_QUEUE_SIZE", 256)
	cfg.HubClientBuffer = getEnvInt("HUB_CLIENT_BUFFER", 64)
	cfg.SSEHeartbeat = getEnvDuration("SSE_HEARTBEAT", 25*time.Second)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.OrphanGracePeriod = getEnvDuration("ORPHAN_GRACE_PERIOD", time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if cfg.TokenTTL <= 0 {
		return nil, fmt.Errorf("TOKEN_TTL must be positive: %s", cfg.TokenTTL)
	}
	if cfg.DefaultPageSize < 1 || cfg.MaxPageSize < cfg.DefaultPageSize {
		return nil, fmt.Errorf("invalid page size settings: default=%d max=%d", cfg.DefaultPageSize, cfg.MaxPageSize)
	}

	return cfg, nil
}

// UsesMemoryStore はDATABASE_URLがインメモリストアを指しているかを返す。
func (c *Config) UsesMemoryStore() bool {
	return c.DatabaseURL == "memory://"
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
