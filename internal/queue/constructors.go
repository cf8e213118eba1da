package queue

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

// StoreConfig selects and configures the queue store backend.
type StoreConfig struct {
	Type string // file, redis or sql
	Dir  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	SQLDriver string
	SQLDSN    string
}

// OpenStore creates the store described by cfg. The returned closer
// releases backend connections.
func OpenStore(ctx context.Context, cfg StoreConfig) (Store, io.Closer, error) {
	switch cfg.Type {
	case "file", "":
		fs, err := NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return fs, nopCloser{}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return NewRedisStore(client, cfg.RedisPrefix), client, nil

	case "sql":
		s, err := OpenSQLStore(ctx, cfg.SQLDriver, cfg.SQLDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil

	default:
		return nil, nil, fmt.Errorf("unsupported queue store type %q", cfg.Type)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
