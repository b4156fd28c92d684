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

	// Scraper
	TTL                  time.Duration // 鮮度ウィンドウ。超過で再スクレイプ対象
	PerDomainConcurrency int           // ドメインごとの同時フェッチ上限
	GlobalConcurrency    int           // 全ドメイン合計の同時フェッチ上限
	DomainRPS            float64       // ドメインごとのリクエストレート上限（req/sec）。0で無効
	WorkerCount          int
	MaxRetries           int // 一時的エラーの追加試行回数
	QueueCapacity        int

	// Fetch
	FetchTimeout    time.Duration
	FetchMaxSize    int64
	SyncWaitTimeout time.Duration // wait=true時の同期待ちの上限
	RenderEnabled   bool          // chromedpによるレンダリングフェッチを使用するか

	// Images
	ImageDir string // ダウンロードした商品画像の保存先ディレクトリ

	// Rate Limit
	RateLimitGeneral int // API全般のレート制限（req/min/クライアント）

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variables are not set: [DATABASE_URL]")
	}

	// Optional fields with defaults
	cfg.TTL = getEnvDuration("SCRAPER_TTL", 24*time.Hour)
	cfg.PerDomainConcurrency = getEnvInt("SCRAPER_CONCURRENCY_PER_DOMAIN", 3)
	cfg.GlobalConcurrency = getEnvInt("SCRAPER_GLOBAL_CONCURRENCY", 6)
	cfg.DomainRPS = getEnvFloat("SCRAPER_DOMAIN_RPS", 1.0)
	cfg.WorkerCount = getEnvInt("WORKER_COUNT", 3)
	cfg.MaxRetries = getEnvInt("MAX_RETRIES", 2)
	cfg.QueueCapacity = getEnvInt("QUEUE_CAPACITY", 256)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 30*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.SyncWaitTimeout = getEnvDuration("SYNC_WAIT_TIMEOUT", 25*time.Second)
	cfg.RenderEnabled = getEnvBool("RENDER_ENABLED", false)
	cfg.ImageDir = getEnvString("IMAGE_DIR", "data/images")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate は設定値の整合性を検証する。
func (c *Config) validate() error {
	if c.PerDomainConcurrency <= 0 {
		return fmt.Errorf("SCRAPER_CONCURRENCY_PER_DOMAIN must be positive: %d", c.PerDomainConcurrency)
	}
	if c.GlobalConcurrency <= 0 {
		return fmt.Errorf("SCRAPER_GLOBAL_CONCURRENCY must be positive: %d", c.GlobalConcurrency)
	}
	if c.GlobalConcurrency < c.PerDomainConcurrency {
		return fmt.Errorf("SCRAPER_GLOBAL_CONCURRENCY (%d) must not be less than SCRAPER_CONCURRENCY_PER_DOMAIN (%d)",
			c.GlobalConcurrency, c.PerDomainConcurrency)
	}
	if c.DomainRPS < 0 {
		return fmt.Errorf("SCRAPER_DOMAIN_RPS must not be negative: %g", c.DomainRPS)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive: %d", c.WorkerCount)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative: %d", c.MaxRetries)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive: %s", c.FetchTimeout)
	}
	return nil
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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
