package postgres

import (
	"context"

	"eventsync/internal/storage"
)

// wrappedRepo adapts Repository to storage.Repository by owning the pool's
// cleanup function.
type wrappedRepo struct {
	*Repository
	closeFn func()
}

func (w *wrappedRepo) Close() {
	if w.closeFn != nil {
		w.closeFn()
	}
}

var _ storage.Repository = (*wrappedRepo)(nil)

func init() {
	storage.Register("postgres", func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		r, closeFn, err := NewRepository(ctx, Config{
			DSN:      cfg.DSN,
			MaxConns: int32(cfg.Options.Int("max_conns", 0)),
		})
		if err != nil {
			return nil, err
		}
		return &wrappedRepo{Repository: r, closeFn: closeFn}, nil
	})
}
