package blob

import (
	"fmt"

	"go.uber.org/zap"
)

// New creates a blob store based on the configured backend type.
func New(config Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch config.Type {
	case StoreTypeMemory:
		return NewMemoryStore(config), nil
	case StoreTypeFilesystem:
		return NewFSStore(config, logger)
	case StoreTypeRedis:
		return NewRedisStore(config, logger)
	default:
		return nil, fmt.Errorf("unknown blob store type: %q", config.Type)
	}
}
