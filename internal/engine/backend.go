package engine

import (
	"fmt"

	"github.com/sabeel/offline-cache/internal/cache"
	"github.com/sabeel/offline-cache/internal/config"
)

// OpenBackend 按 StoreBackend 构造缓存后端：filesystem 使用 StoragePath，redis 使用 Redis* 配置。
func OpenBackend(cfg *config.Config) (cache.Backend, error) {
	switch cfg.Global.StoreBackend {
	case config.StoreBackendRedis:
		backend, err := cache.NewRedisBackend(cache.RedisConfig{
			Addr:     cfg.Global.RedisAddr,
			Password: cfg.Global.RedisPassword,
			DB:       cfg.Global.RedisDB,
			Prefix:   cfg.Global.RedisPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis backend: %w", err)
		}
		return backend, nil
	case "", config.StoreBackendFilesystem:
		backend, err := cache.NewFileBackend(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("open filesystem backend: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Global.StoreBackend)
	}
}
