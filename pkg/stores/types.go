package stores

import (
	"context"

	"github.com/labforge/labforge/pkg/engine"
)

// Store is a ResourceRegistry with a managed lifecycle.
type Store interface {
	engine.Registry

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Utility
	HealthCheck(ctx context.Context) error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
