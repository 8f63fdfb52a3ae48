package lock

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ethpandaops/upgradoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// New builds a Service for the configured backend. The returned closer
// releases backend resources and is safe to call when nothing needs closing.
func New(
	ctx context.Context, log logrus.FieldLogger, cfg *config.LockConfig,
) (*Service, io.Closer, error) {
	var (
		backend Backend
		closer  io.Closer = nopCloser{}
		ttl     func(timeout time.Duration) time.Duration
	)

	switch cfg.Driver {
	case config.LockDriverMemory:
		backend = NewMemoryBackend()
	case config.LockDriverFile:
		fb, err := NewFileBackend(cfg.File.Dir)
		if err != nil {
			return nil, nil, err
		}

		backend = fb
	case config.LockDriverRedis:
		rb, err := NewRedisBackend(ctx, RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}

		backend = rb
		closer = rb
		// A crashed holder's key expires on its own once it would be stale.
		ttl = StaleAfter
	default:
		return nil, nil, fmt.Errorf("unknown lock driver %q", cfg.Driver)
	}

	svc := NewService(log, backend, Config{
		Wait:       cfg.Wait,
		BackendTTL: ttl,
	})

	return svc, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
