package store

import "fmt"

// New creates a task store based on the configured backend type.
func New(config Config) (TaskStore, error) {
	switch config.Type {
	case StoreTypeMemory:
		return NewMemoryTaskStore(config), nil
	case StoreTypeFile:
		return NewFileTaskStore(config)
	case StoreTypeSQLite:
		return NewGormTaskStore(config)
	case StoreTypeRedis:
		return NewRedisTaskStore(config)
	default:
		return nil, fmt.Errorf("unsupported task store type: %s", config.Type)
	}
}
