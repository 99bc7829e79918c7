// Package main provides the quizhub server binary: the room registry, the
// WebSocket gateway and the HTTP API in one process.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/cory-johannsen/quizhub/internal/config"
	"github.com/cory-johannsen/quizhub/internal/game/policy"
	"github.com/cory-johannsen/quizhub/internal/game/session"
	"github.com/cory-johannsen/quizhub/internal/gateway"
	"github.com/cory-johannsen/quizhub/internal/httpapi"
	"github.com/cory-johannsen/quizhub/internal/observability"
	"github.com/cory-johannsen/quizhub/internal/registry"
	"github.com/cory-johannsen/quizhub/internal/server"
	"github.com/cory-johannsen/quizhub/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Info("starting quizhub",
		zap.String("http_addr", cfg.HTTP.Addr()),
		zap.String("store", cfg.Store.Driver),
		zap.String("throttle", cfg.Throttle.Backend),
	)

	lifecycle := server.NewLifecycle(logger)

	// Room store
	var (
		store  registry.Store
		health httpapi.HealthChecker
	)
	switch cfg.Store.Driver {
	case "postgres":
		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		store = postgres.NewRoomRepository(pool.DB())
		health = pool

		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func(ctx context.Context) error {
				ticker := time.NewTicker(30 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						if err := pool.Health(ctx, 5*time.Second); err != nil {
							logger.Warn("database health check failed", zap.Error(err))
						}
					}
				}
			},
			StopFn: func(context.Context) {
				pool.Close()
			},
		})
	default:
		logger.Warn("using in-memory room store; rooms are lost on restart")
		store = registry.NewMemoryStore()
	}

	reg := registry.New(store, logger, registry.Settings{
		SessionLength:   cfg.Game.SessionLength,
		QuestionSeconds: cfg.Game.QuestionSeconds,
	})

	// Winner policy
	policies := policy.NewSet()
	if cfg.Game.PoliciesDir != "" {
		policies, err = policy.LoadDirectory(cfg.Game.PoliciesDir, logger)
		if err != nil {
			logger.Fatal("loading winner policies", zap.Error(err))
		}
	}
	winner, ok := policies.Get(cfg.Game.WinnerPolicy)
	if !ok {
		logger.Fatal("unknown winner policy",
			zap.String("policy", cfg.Game.WinnerPolicy),
			zap.Strings("available", policies.IDs()),
		)
	}
	logger.Info("winner policy selected", zap.String("policy", winner.ID()))

	// Timer throttle
	var throttle gateway.Throttle
	switch cfg.Throttle.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("connecting to redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		throttle = gateway.NewRedisThrottle(rdb, cfg.Throttle.Interval)
		lifecycle.Add("redis", &server.FuncService{
			StartFn: func(ctx context.Context) error {
				<-ctx.Done()
				return nil
			},
			StopFn: func(context.Context) {
				if err := rdb.Close(); err != nil {
					logger.Warn("closing redis client", zap.Error(err))
				}
			},
		})
	default:
		throttle = gateway.NewLocalThrottle(cfg.Throttle.Interval)
	}

	sessions := session.NewManager(cfg.WebSocket.OutboxSize)
	gw := gateway.New(reg, sessions, throttle, winner, logger)
	ws := gateway.NewServer(gw, cfg.WebSocket, cfg.HTTP.AllowedOrigins, logger)
	sweeper := gateway.NewSweeper(gw, cfg.Game.DepartureGrace, cfg.Game.SweepInterval, logger)

	router := httpapi.NewRouter(httpapi.Deps{
		Registry:       reg,
		Gateway:        gw,
		WebSocket:      ws,
		Health:         health,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         logger,
	})
	httpServer := httpapi.NewServer(cfg.HTTP, router, ws.Shutdown, logger)

	lifecycle.Add("sweeper", sweeper)
	lifecycle.Add("http", httpServer)

	logger.Info("quizhub initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Strings("commands", gateway.Commands()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
