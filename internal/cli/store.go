package cli

import (
	"github.com/aegis-sec/aegis/internal/config"
	"github.com/aegis-sec/aegis/internal/keystore"
)

// connectStore opens the shared store for a one-shot command, applying
// the optional config file and --redis override.
func connectStore(configPath, redisAddr string) (config.Config, *keystore.RedisStore, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			return cfg, nil, err
		}
	}
	if redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}

	store, err := keystore.NewRedisStore(&keystore.RedisConfig{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout.Std(),
		OpTimeout:    cfg.Redis.OpTimeout.Std(),
		Cluster:      cfg.Redis.Cluster,
		ClusterNodes: cfg.Redis.ClusterNodes,
	})
	if err != nil {
		return cfg, nil, err
	}
	return cfg, store, nil
}
