package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carscanada/internal/config"
	"carscanada/internal/db"
	clog "carscanada/internal/log"
	"carscanada/internal/notify"
	"carscanada/internal/ratelimit"
	"carscanada/internal/server"
	"carscanada/internal/service"
	"carscanada/internal/store"
	"carscanada/internal/store/memory"
	"carscanada/internal/ws"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type backend interface {
	service.Gateway
	service.Users
}

func main() {
	// main 负责加载配置、初始化日志、组装依赖并启动 HTTP 服务，收到信号后优雅退出。
	_ = godotenv.Load()
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st backend
	switch cfg.StoreDriver {
	case "memory":
		log.Warn().Msg("using in-memory store, data is not persisted")
		st = memory.New()
	default:
		gdb, err := db.Connect(cfg.DatabaseDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("db connect")
		}
		if err := db.Migrate(gdb); err != nil {
			log.Fatal().Err(err).Msg("db migrate")
		}
		st = store.New(gdb)
	}

	hub := ws.NewHub(cfg.TypingTimeout)

	var (
		limiter service.Limiter
		window  *ratelimit.Window
		rdb     *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis ping")
		}
		limiter = ratelimit.NewRedis(rdb, cfg.MessageRateLimit, cfg.MessageRateWindow)
		hub.SetRelay(ws.NewRedisRelay(rdb, ws.DefaultRelayChannel))
		hub.SetDirectory(ws.NewRedisDirectory(rdb, hub.NodeID(), 90*time.Second))
		go hub.RunPresence(ctx, 30*time.Second)
		go func() {
			if err := hub.RunRelay(ctx); err != nil {
				log.Error().Err(err).Msg("redis relay")
			}
		}()
	} else {
		window = ratelimit.NewWindow(cfg.MessageRateLimit, cfg.MessageRateWindow)
		go window.Run(time.Minute)
		limiter = window
	}

	var notifier service.Notifier = notify.Log{}
	var producer *notify.Kafka
	if len(cfg.KafkaBrokers) > 0 {
		k, err := notify.DialKafka(cfg.KafkaBrokers, cfg.KafkaNotifyTopic)
		if err != nil {
			log.Fatal().Err(err).Strs("brokers", cfg.KafkaBrokers).Msg("kafka producer")
		}
		producer = k
		notifier = k
	}

	deps := server.NewDeps(cfg, st, st, limiter, notifier, hub)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.StoreDriver).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	if window != nil {
		window.Stop()
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Error().Err(err).Msg("kafka close")
		}
	}
	if rdb != nil {
		_ = rdb.Close()
	}
}
