package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"

	"collabtext/crdt"
)

type RetryConfig struct {
	Attempts        uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:        5,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	// attempts bound the retries, not elapsed time
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, c.Attempts), ctx)
}

// Retry runs op until it succeeds, fails with a non transient error, or the
// attempts are used up. The last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, name string, op func() error) error {
	var permanent error
	err := backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !IsTransient(err) {
			permanent = err
			return nil
		}
		return err
	}, cfg.backOff(ctx), func(err error, next time.Duration) {
		glog.Infof("[store]%s retry in %s: %v", name, next, err)
	})
	if permanent != nil {
		return permanent
	}
	return err
}

type retryStore struct {
	Store
	cfg RetryConfig
}

// WithRetry wraps s so that transient failures of every operation are
// retried with exponential backoff.
func WithRetry(s Store, cfg RetryConfig) Store {
	return &retryStore{Store: s, cfg: cfg}
}

func (s *retryStore) Append(ctx context.Context, workspaceID string, delta *crdt.Delta) error {
	return Retry(ctx, s.cfg, "append "+workspaceID, func() error {
		return s.Store.Append(ctx, workspaceID, delta)
	})
}

func (s *retryStore) LoadLatest(ctx context.Context, workspaceID string) (snapshot *Snapshot, records []*Record, err error) {
	err = Retry(ctx, s.cfg, "load "+workspaceID, func() error {
		var loadErr error
		snapshot, records, loadErr = s.Store.LoadLatest(ctx, workspaceID)
		return loadErr
	})
	return
}

func (s *retryStore) Compact(ctx context.Context, workspaceID string, data []byte, covered crdt.StateVector) error {
	return Retry(ctx, s.cfg, "compact "+workspaceID, func() error {
		return s.Store.Compact(ctx, workspaceID, data, covered)
	})
}
