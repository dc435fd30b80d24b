package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tallgreen-machine/FindMyCat/internal/agent"
	"github.com/tallgreen-machine/FindMyCat/pkg/api/client"
	"github.com/tallgreen-machine/FindMyCat/pkg/config"
	"github.com/tallgreen-machine/FindMyCat/pkg/logger"
)

func main() {
	cfg := config.LoadAgentConfig()
	log := logger.New("agent", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api, err := client.New(cfg.ServerURL,
		client.WithDeviceToken(cfg.DeviceAuthToken),
		client.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
	)
	if err != nil {
		log.Error("invalid server url", "error", err)
		os.Exit(1)
	}

	var store agent.Store = agent.NewMemoryStore()
	if cfg.FilterStatePath != "" {
		fileStore, err := agent.NewFileStore(cfg.FilterStatePath)
		if err != nil {
			log.Error("failed to open filter state", "path", cfg.FilterStatePath, "error", err)
			os.Exit(1)
		}
		store = fileStore
	}

	filter := agent.NewUploadFilter(store, agent.Thresholds{
		DistanceMeters:     cfg.DistanceMeters,
		PoorAccuracyMeters: cfg.PoorAccuracy,
		AccuracyGain:       cfg.AccuracyGain,
		MinInterval:        cfg.MinInterval,
		Heartbeat:          cfg.HeartbeatEvery,
	}, log)

	poller := agent.NewPoller(
		agent.NewCacheSource(cfg.CachePath),
		api,
		filter,
		agent.PollerConfig{
			Interval:        cfg.PollInterval,
			BatchSize:       cfg.BatchSize,
			MaxSendAttempts: cfg.MaxSendAttempts,
			MaxPollErrors:   cfg.MaxPollErrors,
		},
		log,
	)

	log.Info("agent starting", "server", cfg.ServerURL, "cache", cfg.CachePath)
	if err := poller.Run(ctx); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			log.Info("agent stopped")
		case errors.Is(err, client.ErrSessionExpired):
			log.Error("server rejected device credentials", "error", err)
			os.Exit(1)
		default:
			log.Error("agent exited with error", "error", err)
			os.Exit(1)
		}
	}
}
