package main

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	vc "github.com/linnemanlabs/hush/internal/cfg"
	"github.com/linnemanlabs/hush/internal/notify/console"
	"github.com/linnemanlabs/hush/internal/notify/slack"
	"github.com/linnemanlabs/hush/internal/notify/throttle"
	"github.com/linnemanlabs/hush/internal/postgres"
	"github.com/linnemanlabs/hush/internal/triage"
	"github.com/linnemanlabs/hush/internal/triage/memstore"
	"github.com/linnemanlabs/hush/internal/triage/pgstore"
	"github.com/linnemanlabs/hush/internal/triage/sqlitestore"
)

const slowQuery = 200 * time.Millisecond

// openStore opens the backend selected by -store. The returned close
// function is never nil.
func openStore(ctx context.Context, c *vc.Config, L log.Logger) (triage.Store, func(), error) {
	switch c.Store {
	case vc.StoreMemory:
		L.Info(ctx, "using in-memory store")
		return memstore.New(), func() {}, nil

	case vc.StorePostgres:
		pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolOptions{SlowQuery: slowQuery})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		s, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store")
		return s, pool.Close, nil

	default:
		s, err := sqlitestore.New(c.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlitestore init: %w", err)
		}
		L.Info(ctx, "using sqlite store", "path", c.DBPath)
		return s, func() {
			if err := s.Close(); err != nil {
				L.Error(context.Background(), err, "sqlite close failed")
			}
		}, nil
	}
}

// newNotifier builds the toast sink: Slack when a webhook is configured,
// the log otherwise, always behind the rate limiter.
func newNotifier(c *vc.Config, L log.Logger) (triage.Notifier, string) {
	var (
		sink triage.Notifier
		kind string
	)
	if c.SlackWebhookURL != "" {
		sink, kind = slack.New(c.SlackWebhookURL, L), "slack"
	} else {
		sink, kind = console.New(L), "console"
	}
	return throttle.New(sink, float64(c.ToastRate), c.ToastBurst), kind
}

// serviceOptions maps application config onto the core options. lock may
// be nil.
func serviceOptions(c *vc.Config, hooks triage.Hooks, lock triage.DigestLock) (triage.Options, error) {
	mode, err := triage.ParseMatchMode(c.VIPMatch)
	if err != nil {
		return triage.Options{}, err
	}
	return triage.Options{
		StoreTimeout: c.StoreTimeout,
		SinkTimeout:  c.SinkTimeout,
		Retention:    c.Retention,
		VIPMatch:     mode,
		Lock:         lock,
		Hooks:        hooks,
	}, nil
}
