// ABOUTME: Entry point for the pulse-worker queue consumer.
// ABOUTME: Pops work items from the broker queue and publishes results back.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/pulse-gateway/internal/broker"
	"github.com/2389/pulse-gateway/internal/config"
	"github.com/2389/pulse-gateway/internal/logging"
	"github.com/2389/pulse-gateway/internal/worker"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
             _
 _ __  _   _| |___  ___
| '_ \| | | | / __|/ _ \
| |_) | |_| | \__ \  __/
| .__/ \__,_|_|___/\___|
|_|        worker
`

// getConfigPath returns the path to the worker config file. The worker
// shares the gateway config; only the redis, channels, and worker sections
// are consulted.
func getConfigPath() string {
	if envPath := os.Getenv("PULSE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "pulse", "gateway.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(cfg.Logging)

	logger.Info("starting pulse-worker",
		"config", configPath,
		"redis_addr", cfg.Redis.Addr,
		"queue", cfg.Channels.TaskQueue,
	)

	b := broker.NewRedisBroker(broker.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	defer b.Close()

	if err := b.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	logger.Info("broker connection established")

	w := worker.New(
		b,
		&worker.HeavyProcessor{Delay: cfg.Worker.ProcessDelay},
		worker.Options{
			Queue:            cfg.Channels.TaskQueue,
			BroadcastChannel: cfg.Channels.Broadcast,
			AnnounceTopic:    cfg.Worker.AnnounceTopic,
		},
		logger,
	)

	return w.Run(ctx)
}
