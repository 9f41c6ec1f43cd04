// Package config は環境変数からのアプリケーション設定読み込みを提供する。
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

	// Poll
	PollBasePeriod       time.Duration // バックオフ係数1のときのポーリング周期
	PollDispatchInterval time.Duration // ディスパッチャのスキャン間隔
	PollMaxConcurrent    int           // 同時実行するソース更新の上限
	PollMaxBodySize      int64         // フィードレスポンスの最大読み取りサイズ

	// Store
	StoreQueueSize int // エントリ保存ハンドオフの非同期キュー容量

	// Favicon
	FaviconTimeout   time.Duration
	FaviconMaxSize   int64
	FaviconQueueSize int

	// Rate Limit
	RateLimitSubscribe int // 購読登録のレート（req/min）

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variable is not set: DATABASE_URL")
	}

	cfg.PollBasePeriod = getEnvDuration("POLL_BASE_PERIOD", 60*time.Minute)
	cfg.PollDispatchInterval = getEnvDuration("POLL_DISPATCH_INTERVAL", time.Minute)
	cfg.PollMaxConcurrent = getEnvInt("POLL_MAX_CONCURRENT", 20)
	cfg.PollMaxBodySize = getEnvInt64("POLL_MAX_BODY_SIZE", 5242880)
	cfg.StoreQueueSize = getEnvInt("STORE_QUEUE_SIZE", 64)
	cfg.FaviconTimeout = getEnvDuration("FAVICON_TIMEOUT", 10*time.Second)
	cfg.FaviconMaxSize = getEnvInt64("FAVICON_MAX_SIZE", 2097152)
	cfg.FaviconQueueSize = getEnvInt("FAVICON_QUEUE_SIZE", 128)
	cfg.RateLimitSubscribe = getEnvInt("RATE_LIMIT_SUBSCRIBE", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
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
