package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ShopCacheTTL != 30*time.Minute || cfg.CacheNullTTL != 2*time.Minute {
		t.Fatalf("cache ttl defaults = %v / %v", cfg.ShopCacheTTL, cfg.CacheNullTTL)
	}
	if cfg.MutexRetryMax != time.Second {
		t.Fatalf("mutex retry cap = %v, want 1s", cfg.MutexRetryMax)
	}
	if cfg.OrderQueueCapacity != 1<<20 {
		t.Fatalf("queue capacity = %d", cfg.OrderQueueCapacity)
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Fatalf("kafka enabled by default: %v", cfg.KafkaBrokers)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
http_addr: ":9090"
shop_cache_strategy: logical
rebuild_workers: 4
kafka_brokers:
  - kafka-1:9092
  - kafka-2:9092
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REBUILD_WORKERS", "8")
	t.Setenv("LOCK_TTL", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.ShopCacheStrategy != "logical" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.RebuildWorkers != 8 {
		t.Fatalf("env did not override file: workers = %d", cfg.RebuildWorkers)
	}
	if cfg.LockTTL != 3*time.Second {
		t.Fatalf("lock ttl = %v", cfg.LockTTL)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("brokers = %v", cfg.KafkaBrokers)
	}
	// 文件里没写的字段保留默认值
	if cfg.DBDriver != "sqlite" {
		t.Fatalf("db driver = %q", cfg.DBDriver)
	}
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("BUY_RATE_LIMIT", "abc")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric BUY_RATE_LIMIT")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*AppConfig){
		"driver":   func(c *AppConfig) { c.DBDriver = "mysql" },
		"strategy": func(c *AppConfig) { c.ShopCacheStrategy = "lru" },
		"null ttl": func(c *AppConfig) { c.CacheNullTTL = 0 },
		"capacity": func(c *AppConfig) { c.OrderQueueCapacity = 0 },
		"kafka":    func(c *AppConfig) { c.KafkaBrokers = []string{"k:9092"}; c.KafkaTopic = "" },
		"log":      func(c *AppConfig) { c.LogFormat = "xml" },

		"null ttl not shorter": func(c *AppConfig) { c.CacheNullTTL = c.ShopCacheTTL },
		"retry max below base": func(c *AppConfig) { c.MutexRetryMax = c.MutexRetryBase / 2 },
		"retry max zero":       func(c *AppConfig) { c.MutexRetryMax = 0 },
		"event buffer":         func(c *AppConfig) { c.KafkaEventBuffer = 0 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("splitCSV = %q", got)
	}
}
