package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// AppConfig 聚合运行时配置：默认值 -> CONFIG_FILE 指定的 YAML -> 环境变量，后者覆盖前者。
type AppConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// sqlite | postgres
	DBDriver string `yaml:"db_driver"`
	DBDSN    string `yaml:"db_dsn"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// 商户缓存：读取策略 passthrough | mutex | logical
	ShopCacheStrategy string        `yaml:"shop_cache_strategy"`
	ShopCacheTTL      time.Duration `yaml:"shop_cache_ttl"`
	CacheNullTTL      time.Duration `yaml:"cache_null_ttl"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
	MutexRetryBase    time.Duration `yaml:"mutex_retry_base"`
	MutexRetryMax     time.Duration `yaml:"mutex_retry_max"`
	MutexMaxAttempts  int           `yaml:"mutex_max_attempts"`

	// 逻辑过期异步重建协程池
	RebuildWorkers int `yaml:"rebuild_workers"`
	RebuildBuffer  int `yaml:"rebuild_buffer"`

	// 订单流水线；OrderJournalStream 为空时不开启 Redis Stream 日志
	OrderQueueCapacity int           `yaml:"order_queue_capacity"`
	OrderJournalStream string        `yaml:"order_journal_stream"`
	OrderStateTTL      time.Duration `yaml:"order_state_ttl"`

	// Kafka 为空时不发送订单事件
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	// 事件由后台协程发送，缓冲区满时丢弃并记日志
	KafkaEventBuffer int           `yaml:"kafka_event_buffer"`
	KafkaTimeout     time.Duration `yaml:"kafka_timeout"`

	// 秒杀接口按用户限流
	BuyRateLimit  int           `yaml:"buy_rate_limit"`
	BuyRateWindow time.Duration `yaml:"buy_rate_window"`

	// 新增秒杀券、预热等管理接口的令牌（demo 级别保护）
	AdminToken string `yaml:"admin_token"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json | console

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default 本地开发用的默认配置。
func Default() AppConfig {
	return AppConfig{
		HTTPAddr:           ":8080",
		DBDriver:           "sqlite",
		DBDSN:              "dianping.db",
		RedisAddr:          "localhost:6379",
		ShopCacheStrategy:  "passthrough",
		ShopCacheTTL:       30 * time.Minute,
		CacheNullTTL:       2 * time.Minute,
		LockTTL:            10 * time.Second,
		MutexRetryBase:     50 * time.Millisecond,
		MutexRetryMax:      time.Second,
		MutexMaxAttempts:   10,
		RebuildWorkers:     10,
		RebuildBuffer:      100,
		OrderQueueCapacity: 1 << 20,
		OrderStateTTL:      24 * time.Hour,
		KafkaTopic:         "voucher-order-created",
		KafkaEventBuffer:   4096,
		KafkaTimeout:       5 * time.Second,
		BuyRateLimit:       5,
		BuyRateWindow:      time.Second,
		AdminToken:         "dev-admin-token",
		LogLevel:           "info",
		LogFormat:          "json",
		ShutdownTimeout:    10 * time.Second,
	}
}

// Load 读取并校验配置。
func Load() (AppConfig, error) {
	cfg := Default()
	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return AppConfig{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// loadFile 在已有值上叠加 YAML 文件，文件中没写的字段保持原值。
func loadFile(path string, cfg *AppConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *AppConfig) error {
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DBDriver = getEnv("DB_DRIVER", cfg.DBDriver)
	cfg.DBDSN = getEnv("DB_DSN", cfg.DBDSN)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.ShopCacheStrategy = getEnv("SHOP_CACHE_STRATEGY", cfg.ShopCacheStrategy)
	cfg.OrderJournalStream = getEnv("ORDER_JOURNAL_STREAM", cfg.OrderJournalStream)
	cfg.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.AdminToken = getEnv("ADMIN_TOKEN", cfg.AdminToken)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		cfg.KafkaBrokers = splitCSV(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"REDIS_DB", &cfg.RedisDB},
		{"MUTEX_MAX_ATTEMPTS", &cfg.MutexMaxAttempts},
		{"REBUILD_WORKERS", &cfg.RebuildWorkers},
		{"REBUILD_BUFFER", &cfg.RebuildBuffer},
		{"ORDER_QUEUE_CAPACITY", &cfg.OrderQueueCapacity},
		{"BUY_RATE_LIMIT", &cfg.BuyRateLimit},
		{"KAFKA_EVENT_BUFFER", &cfg.KafkaEventBuffer},
	}
	for _, f := range ints {
		v, err := getEnvInt(f.key, *f.dst)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", f.key, err)
		}
		*f.dst = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SHOP_CACHE_TTL", &cfg.ShopCacheTTL},
		{"CACHE_NULL_TTL", &cfg.CacheNullTTL},
		{"LOCK_TTL", &cfg.LockTTL},
		{"MUTEX_RETRY_BASE", &cfg.MutexRetryBase},
		{"MUTEX_RETRY_MAX", &cfg.MutexRetryMax},
		{"ORDER_STATE_TTL", &cfg.OrderStateTTL},
		{"BUY_RATE_WINDOW", &cfg.BuyRateWindow},
		{"KAFKA_TIMEOUT", &cfg.KafkaTimeout},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	}
	for _, f := range durations {
		v, err := getEnvDuration(f.key, *f.dst)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", f.key, err)
		}
		*f.dst = v
	}
	return nil
}

// Validate 检查取值范围。
func (c AppConfig) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("DB_DSN must not be empty")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR must not be empty")
	}
	switch c.ShopCacheStrategy {
	case "passthrough", "mutex", "logical":
	default:
		return fmt.Errorf("SHOP_CACHE_STRATEGY must be passthrough, mutex or logical, got %q", c.ShopCacheStrategy)
	}
	positive := map[string]time.Duration{
		"SHOP_CACHE_TTL":   c.ShopCacheTTL,
		"CACHE_NULL_TTL":   c.CacheNullTTL,
		"LOCK_TTL":         c.LockTTL,
		"MUTEX_RETRY_BASE": c.MutexRetryBase,
		"MUTEX_RETRY_MAX":  c.MutexRetryMax,
		"ORDER_STATE_TTL":  c.OrderStateTTL,
		"BUY_RATE_WINDOW":  c.BuyRateWindow,
		"KAFKA_TIMEOUT":    c.KafkaTimeout,
		"SHUTDOWN_TIMEOUT": c.ShutdownTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	// 空值标记必须比正常缓存先过期，否则新写入的数据会被空值长期遮住
	if c.CacheNullTTL >= c.ShopCacheTTL {
		return fmt.Errorf("CACHE_NULL_TTL (%s) must be shorter than SHOP_CACHE_TTL (%s)", c.CacheNullTTL, c.ShopCacheTTL)
	}
	if c.MutexRetryMax < c.MutexRetryBase {
		return fmt.Errorf("MUTEX_RETRY_MAX must be >= MUTEX_RETRY_BASE")
	}
	if c.MutexMaxAttempts <= 0 {
		return fmt.Errorf("MUTEX_MAX_ATTEMPTS must be > 0")
	}
	if c.RebuildWorkers <= 0 || c.RebuildBuffer < 0 {
		return fmt.Errorf("REBUILD_WORKERS must be > 0 and REBUILD_BUFFER >= 0")
	}
	if c.OrderQueueCapacity <= 0 {
		return fmt.Errorf("ORDER_QUEUE_CAPACITY must be > 0")
	}
	if c.BuyRateLimit <= 0 {
		return fmt.Errorf("BUY_RATE_LIMIT must be > 0")
	}
	if c.KafkaEventBuffer <= 0 {
		return fmt.Errorf("KAFKA_EVENT_BUFFER must be > 0")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC must not be empty when KAFKA_BROKERS is set")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// getEnvDuration 读取 time.ParseDuration 格式的环境变量，如 30m、500ms。
func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
