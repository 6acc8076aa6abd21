package app

import (
	"context"
	"convlog/internal/config"
	"convlog/internal/repository/credential"
	redisSvc "convlog/internal/service/redis"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

func openCredentials(ctx context.Context, cfg config.Config) (credential.Store, func() error, error) {
	switch cfg.Credentials.Backend {
	case config.BackendMemory:
		return credential.NewMemory(), func() error { return nil }, nil
	case config.BackendRedis:
		if cfg.Credentials.Passphrase == "" {
			return nil, nil, errors.New("credentials.passphrase is required for the redis backend")
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		svc := redisSvc.NewRedis(rdb)
		if err := svc.Ping(ctx); err != nil {
			svc.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		return credential.NewRedis(svc, cfg.Credentials.Passphrase), svc.Close, nil
	case config.BackendFile:
		if cfg.Credentials.Passphrase == "" {
			return nil, nil, errors.New("credentials.passphrase is required for the file backend")
		}
		f, err := credential.NewFile(cfg.Credentials.Dir, cfg.Credentials.Passphrase)
		if err != nil {
			return nil, nil, err
		}
		return f, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown credential backend %q", cfg.Credentials.Backend)
	}
}
