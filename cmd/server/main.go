package main

import (
	"context"

	"github.com/joho/godotenv"

	"github.com/cinelog/cinelog-sync/internal/app"
	"github.com/cinelog/cinelog-sync/internal/cache"
	"github.com/cinelog/cinelog-sync/internal/config"
	"github.com/cinelog/cinelog-sync/internal/db"
	"github.com/cinelog/cinelog-sync/internal/logger"
	"github.com/cinelog/cinelog-sync/internal/server"
	"github.com/cinelog/cinelog-sync/internal/service/sync"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.New()

	// Init logger (global singleton)
	logger.InitFromConfig(cfg)
	log := logger.L()

	// Init DB
	database, err := db.NewDB(cfg)
	if err != nil {
		log.Error("failed to init db", "err", err)
		return
	}

	// Init Redis
	redisCache := cache.NewRedisCache(cfg)
	if err := redisCache.Ping(context.Background()); err != nil {
		log.Error("failed to connect to redis", "err", err)
		return
	}

	// Inject logger into app context
	appCtx := app.New(database, redisCache, log)

	registrars := []server.Registrar{
		sync.NewRegistrar(appCtx, cfg),
	}

	if cfg.App.ENV == "development" {
		if err := db.SeedTestData(database); err != nil {
			log.Error("failed to seed", "err", err)
		}
	}

	addr := cfg.HTTP.Host + ":" + cfg.HTTP.Port
	log.Info("starting HTTP server", "addr", addr)

	if err := server.StartHTTPServer(cfg, registrars...); err != nil {
		log.Error("failed to start HTTP server", "err", err)
	}
}
