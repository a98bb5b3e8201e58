package vectorstore

import (
	"fmt"

	"go.uber.org/zap"
)

// BackendConfig selects and configures a similarity-search backend.
type BackendConfig struct {
	// Provider is "chromem" (embedded, default) or "qdrant" (external).
	Provider string `koanf:"provider"`

	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// ApplyDefaults fills provider-specific defaults.
func (c *BackendConfig) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = "chromem"
	}
	c.Chromem.ApplyDefaults()
	c.Qdrant.ApplyDefaults()
}

// Validate checks the selected provider's configuration.
func (c *BackendConfig) Validate() error {
	switch c.Provider {
	case "chromem", "":
		return c.Chromem.Validate()
	case "qdrant":
		return c.Qdrant.Validate()
	default:
		return fmt.Errorf("%w: unsupported backend provider %q (supported: chromem, qdrant)", ErrInvalidConfig, c.Provider)
	}
}

// NewBackend creates the configured Backend implementation.
//
//   - "chromem" (default): embedded chromem-go, no external service
//   - "qdrant": external Qdrant over gRPC
func NewBackend(cfg BackendConfig, logger *zap.Logger) (Backend, error) {
	switch cfg.Provider {
	case "chromem", "":
		return NewChromemBackend(cfg.Chromem, logger)
	case "qdrant":
		return NewQdrantBackend(cfg.Qdrant, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported backend provider %q (supported: chromem, qdrant)", ErrInvalidConfig, cfg.Provider)
	}
}
