package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/promontage/montage-agent/internal/api"
	"github.com/promontage/montage-agent/internal/config"
	"github.com/promontage/montage-agent/internal/db"
	"github.com/promontage/montage-agent/internal/history"
	"github.com/promontage/montage-agent/internal/logging"
	"github.com/promontage/montage-agent/internal/playback"
	"github.com/promontage/montage-agent/internal/session"
)

const (
	shutdownTimeout = 10 * time.Second
	agentLockFile   = "agent.lock"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local montage API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				if err := cfg.SetPort(port); err != nil {
					return err
				}
			}
			return runServe(cmd.Context(), cfg, ctx.logLevel())
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides config)")
	return cmd
}

func runServe(parent context.Context, cfg *config.AgentConfig, level string) error {
	startTime := time.Now()

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(level)
	logger.Info("starting montage agent", "version", config.Version, "data_dir", cfg.DataDir())

	// The owner of the data dir recovers interrupted runs, so only one agent
	// may serve from it.
	lock := flock.New(filepath.Join(cfg.DataDir(), agentLockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock data dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("another agent is already serving from %s", cfg.DataDir())
	}
	defer lock.Unlock()

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := history.NewRepository(database.Conn())

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	instanceID, token, err := history.EnsureInstance(ctx, repo)
	if err != nil {
		return fmt.Errorf("failed to ensure instance identity: %w", err)
	}

	enc, err := newEncoderStack(ctx, cfg, logger)
	if err != nil {
		return err
	}

	opts, err := sessionOptions(cfg, enc, history.NewRecorder(repo), logger)
	if err != nil {
		return err
	}
	store := session.NewStore(opts)

	printBanner(cfg, token, instanceID)

	server := api.NewServer(api.ServerConfig{
		Port:           cfg.Port(),
		Version:        config.Version,
		Sessions:       store,
		History:        repo,
		Tokens:         repo,
		Doctor:         enc.doctor,
		Playback:       playback.NewServer(logger),
		AuthRequired:   cfg.AuthRequired(),
		AllowedOrigins: cfg.CORSOrigins(),
		MaxUploadBytes: cfg.MaxUploadBytes(),
		Logger:         logger,
		StartTime:      startTime,
		InstanceID:     instanceID,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := store.CloseAll(shutdownCtx); err != nil {
		logger.Warn("failed to close sessions", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func printBanner(cfg config.Config, token, instanceID string) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║  %-57s║\n", "PRO MONTAGE AGENT v"+config.Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-28d║\n", cfg.Port())
	if cfg.AuthRequired() {
		fmt.Printf("║  Auth Token: %-45s║\n", token)
	} else {
		fmt.Printf("║  Auth Token: %-45s║\n", "(not required)")
	}
	fmt.Printf("║  Instance:   %-45s║\n", shortID(instanceID))
	if endpoint := cfg.ProcessingEndpoint(); endpoint != "" {
		fmt.Printf("║  Endpoint:   %-45s║\n", endpoint)
	}
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
}

func shortID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:16] + "..."
}
