package triage

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultStoreTimeout = 5 * time.Second
	DefaultSinkTimeout  = 10 * time.Second
	DefaultRetention    = 24 * time.Hour
	DefaultLockTTL      = 2 * time.Minute
)

// Options tunes the core components. Zero values take defaults.
type Options struct {
	// StoreTimeout bounds every store call.
	StoreTimeout time.Duration
	// SinkTimeout bounds every toast delivery.
	SinkTimeout time.Duration
	// Retention is the age after which a PENDING entry counts as expired.
	Retention time.Duration
	// VIPMatch selects exact or fuzzy VIP sender matching.
	VIPMatch MatchMode
	// Lock, when set, makes digest generation exclusive across processes.
	Lock    DigestLock
	LockTTL time.Duration

	Hooks          Hooks
	TracerProvider trace.TracerProvider
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = DefaultStoreTimeout
	}
	if o.SinkTimeout <= 0 {
		o.SinkTimeout = DefaultSinkTimeout
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.VIPMatch == "" {
		o.VIPMatch = MatchExact
	}
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// readContext bounds a read by timeout and honours caller cancellation.
func readContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}

// commitContext detaches a durable write from caller cancellation so a
// commit that has started runs to completion, bounded by timeout.
func commitContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
