package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"dianping/internal/cache"
	"dianping/internal/config"
	"dianping/internal/queue"
	"dianping/internal/router"
	"dianping/internal/seckill"
	"dianping/internal/shop"
	"dianping/internal/store"
	rediskey "dianping/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	initLogger(cfg)

	// 1. 数据库，自动建表
	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("db open")
	}
	st := store.New(db)

	// 2. Redis
	rdb := rd.NewClient(&rd.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis ping")
	}
	kv := rediskey.NewStore(rdb)

	// 3. 缓存
	pool := cache.NewPool(cfg.RebuildWorkers, cfg.RebuildBuffer)
	cacheClient := cache.New(kv, pool, cache.Options{
		NullTTL:          cfg.CacheNullTTL,
		LockTTL:          cfg.LockTTL,
		MutexRetryBase:   cfg.MutexRetryBase,
		MutexRetryMax:    cfg.MutexRetryMax,
		MutexMaxAttempts: cfg.MutexMaxAttempts,
	})
	strategy, err := shop.ParseStrategy(cfg.ShopCacheStrategy)
	if err != nil {
		log.Fatal().Err(err).Msg("shop cache strategy")
	}
	shops := shop.NewService(st, cacheClient, strategy, cfg.ShopCacheTTL)

	// 4. 订单流水线：可选 Kafka 事件 + 可选 Redis Stream 日志
	var events seckill.EventPublisher
	var producer *queue.Producer
	var dispatcher *queue.Dispatcher
	if len(cfg.KafkaBrokers) > 0 {
		producer = queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		dispatcher = queue.NewDispatcher(producer, cfg.KafkaEventBuffer, cfg.KafkaTimeout)
		events = dispatcher
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("order events enabled")
	}
	states := seckill.NewStateRecorder(rdb, cfg.OrderStateTTL, cfg.OrderJournalStream != "")
	creator := seckill.NewOrderCreator(st, kv, cfg.LockTTL, events)

	opts := []queue.Option{queue.WithObserver(states.Observe)}
	if cfg.OrderJournalStream != "" {
		opts = append(opts, queue.WithJournal(queue.NewStreamJournal(rdb, cfg.OrderJournalStream)))
		log.Info().Str("stream", cfg.OrderJournalStream).Msg("order journal enabled")
	}
	pipeline := queue.NewPipeline(cfg.OrderQueueCapacity, creator.Handle, opts...)
	if err := pipeline.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("start order pipeline")
	}
	seckills := seckill.NewService(st, seckill.NewGate(kv), rediskey.NewIDWorker(kv), pipeline)

	// 5. HTTP
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	router.Setup(r, router.Deps{
		Shops:   shops,
		Seckill: seckills,
		States:  states,
		RDB:     rdb,
		Config:  cfg,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	// 先停入口，再排空流水线，最后关闭下游连接
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := pipeline.Stop(ctx); err != nil {
		log.Error().Err(err).Int("pending", pipeline.Len()).Msg("order pipeline did not drain")
	}
	stats := pipeline.Stats()
	log.Info().
		Int64("persisted", stats.Persisted).
		Int64("dropped_duplicate", stats.DroppedDuplicate).
		Int64("dropped_inconsistent", stats.DroppedInconsistent).
		Int64("failed", stats.Failed).
		Msg("order pipeline stopped")
	pool.Close()
	if dispatcher != nil {
		if err := dispatcher.Close(ctx); err != nil {
			log.Warn().Err(err).Int64("dropped", dispatcher.Dropped()).Msg("order events not flushed")
		}
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Warn().Err(err).Msg("kafka writer close")
		}
	}
	if err := rdb.Close(); err != nil {
		log.Warn().Err(err).Msg("redis close")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// initLogger 配置全局 zerolog：级别来自配置，console 格式便于本地查看。
func initLogger(cfg config.AppConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
