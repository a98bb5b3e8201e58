// Package config provides configuration loading for vaultd.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/vaultd/internal/crossproject"
	"github.com/fyrsmithlabs/vaultd/internal/keys"
	"github.com/fyrsmithlabs/vaultd/internal/vectorstore"
)

// Config is the complete vaultd configuration.
type Config struct {
	Server      ServerConfig                 `koanf:"server"`
	Logging     LoggingConfig                `koanf:"logging"`
	VectorStore vectorstore.BackendConfig    `koanf:"vectorstore"`
	Embeddings  EmbeddingsConfig             `koanf:"embeddings"`
	Encryption  EncryptionConfig             `koanf:"encryption"`
	Keys        keys.Config                  `koanf:"keys"`
	Heuristics  crossproject.HeuristicConfig `koanf:"heuristics"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	// Host to bind. Default 127.0.0.1; the vault holds personal data and
	// must not listen on all interfaces unless explicitly configured to.
	Host string `koanf:"host"`
	// Port for the HTTP API. Default 8950.
	Port int `koanf:"port"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// RequestTimeout is the per-request deadline.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default info.
	Level string `koanf:"level"`
	// Format is "json" (production) or "console". Default json.
	Format string `koanf:"format"`
}

// EmbeddingsConfig selects the embedding collaborator.
type EmbeddingsConfig struct {
	// Provider is "local" (deterministic hash embedder, dev/test only)
	// or "external" (embeddings supplied by the caller per request).
	Provider string `koanf:"provider"`
	// Dimension is the embedding vector size. Must match the backend's
	// vector size. Default 384.
	Dimension int `koanf:"dimension"`
}

// EncryptionConfig switches content encryption.
type EncryptionConfig struct {
	// Enabled turns content encryption on. Off means plaintext storage;
	// the server logs a prominent warning at startup.
	Enabled bool `koanf:"enabled"`
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8950
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "local"
	}
	if cfg.Embeddings.Dimension == 0 {
		cfg.Embeddings.Dimension = 384
	}
	cfg.VectorStore.ApplyDefaults()
	cfg.Keys.ApplyDefaults()
	cfg.Heuristics.ApplyDefaults()
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	switch c.Embeddings.Provider {
	case "local", "external":
	default:
		return fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimension < 1 {
		return fmt.Errorf("embeddings dimension must be positive, got %d", c.Embeddings.Dimension)
	}
	if err := c.VectorStore.Validate(); err != nil {
		return fmt.Errorf("vectorstore: %w", err)
	}
	if err := c.Keys.Validate(); err != nil {
		return fmt.Errorf("keys: %w", err)
	}
	return nil
}
