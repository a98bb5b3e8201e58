package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/crossproject"
	"github.com/fyrsmithlabs/vaultd/internal/embeddings"
	"github.com/fyrsmithlabs/vaultd/internal/keys"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
	"github.com/fyrsmithlabs/vaultd/internal/server"
	"github.com/fyrsmithlabs/vaultd/internal/vault"
	"github.com/fyrsmithlabs/vaultd/internal/vectorstore"
)

// reencryptInterval paces the background key-migration sweep.
const reencryptInterval = 15 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the vaultd HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting vaultd",
		zap.String("version", version),
		zap.String("backend", cfg.VectorStore.Provider),
		zap.Bool("encryption", cfg.Encryption.Enabled))

	backend, err := vectorstore.NewBackend(cfg.VectorStore, logger)
	if err != nil {
		return fmt.Errorf("creating vector backend: %w", err)
	}

	var embedder embeddings.Embedder
	switch cfg.Embeddings.Provider {
	case "external":
		// No external client is wired into this binary; callers that need a
		// real model inject their Embedder when embedding the vault as a
		// library. The serve command degrades to the hash embedder, loudly.
		logger.Warn("no external embedding client available, falling back to local hash embedder")
		fallthrough
	case "local":
		logger.Warn("using local hash embedder: vectors carry no semantic meaning, use only for development")
		embedder = embeddings.NewInstrumented(embeddings.NewLocal(cfg.Embeddings.Dimension), "local-hash", logger)
	}

	store, err := vectorstore.NewStore(backend, embedder, vectorstore.NewCollectionRegistry(), logger)
	if err != nil {
		return fmt.Errorf("creating vector store: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing vector store: %w", err)
	}
	defer func() { _ = store.Close() }()

	var km *keys.Manager
	if cfg.Encryption.Enabled {
		km, err = keys.NewManager(cfg.Keys, keys.NewKeyStore(), logger)
		if err != nil {
			return fmt.Errorf("creating key manager: %w", err)
		}
		defer func() { _ = km.Close() }()
	} else {
		logger.Warn("content encryption is disabled, memories are stored in plaintext")
	}

	queue := vault.NewTaskQueue(0, logger)
	svc, err := vault.NewService(store, vault.NewEncryptedStore(km, logger), km, embedder, queue, logger)
	if err != nil {
		return fmt.Errorf("creating vault service: %w", err)
	}

	engine, err := crossproject.NewEngine(svc, embedder, cfg.Heuristics, logger)
	if err != nil {
		return fmt.Errorf("creating cross-project engine: %w", err)
	}

	srv, err := server.NewServer(svc, engine, cfg.Server, logger)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	// Background re-encryption drain so rotated users migrate off old
	// keys before retention pruning reaches them.
	go func() {
		ticker := time.NewTicker(reencryptInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := svc.DrainReencryption(ctx); n > 0 {
					logger.Info("re-encrypted stale records", zap.Int("count", n))
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
		return err
	}
	// Flush any queued re-encryption work before the key manager zeroizes.
	if n := svc.DrainReencryption(shutdownCtx); n > 0 {
		logger.Info("drained re-encryption queue on shutdown", zap.Int("count", n))
	}
	logger.Info("shutdown complete")
	return nil
}
