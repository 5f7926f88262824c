// The agent is the device-side half of sync: it owns the local database
// and runs the background coordinator against the sync service. The app
// process embeds the same packages; this binary exists to run and debug
// the loop standalone.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/cinelog/cinelog-sync/internal/auth"
	"github.com/cinelog/cinelog-sync/internal/config"
	"github.com/cinelog/cinelog-sync/internal/localstore"
	"github.com/cinelog/cinelog-sync/internal/logger"
	"github.com/cinelog/cinelog-sync/internal/syncer"
)

func main() {
	_ = godotenv.Load()

	cfg := config.New()

	logger.Init(&logger.Config{
		Level:     cfg.Log.Level,
		Format:    logger.Format(cfg.Log.Format),
		Component: "sync_agent",
	})
	log := logger.L()

	token := os.Getenv("SYNC_TOKEN")
	if token == "" {
		log.Error("SYNC_TOKEN is required")
		return
	}
	userID, err := auth.ParseToken(cfg.Auth.JWTSecret, token)
	if err != nil {
		log.Error("invalid SYNC_TOKEN", "err", err)
		return
	}

	store, err := localstore.Open(cfg.Client.LocalDBPath)
	if err != nil {
		// A broken local file degrades to an in-memory session: edits made
		// now still sync, they just don't survive this process.
		log.Warn("local store unusable, running in memory",
			"path", cfg.Client.LocalDBPath, "err", err)
		store, err = localstore.OpenInMemory()
		if err != nil {
			log.Error("failed to open in-memory store", "err", err)
			return
		}
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deviceID, err := store.DeviceID(ctx)
	if err != nil {
		log.Error("failed to read device id", "err", err)
		return
	}

	client := syncer.NewClient(cfg.Client.ServerURL, cfg.Sync.RequestTimeout,
		func() (string, error) { return token, nil })

	coord, err := syncer.New(store, client, cfg, userID)
	if err != nil {
		log.Error("failed to build coordinator", "err", err)
		return
	}

	log.Info("sync agent running",
		"server", cfg.Client.ServerURL, "device_id", deviceID, "user", userID)

	if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("sync loop stopped", "err", err)
		return
	}

	status := coord.Status()
	log.Info("sync agent stopped", "pending", status.Pending, "last_sync", status.LastSyncAt)
}
