// Package throttle rate-limits toast delivery so a burst of surfaced
// notifications cannot flood the desktop.
package throttle

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/linnemanlabs/hush/internal/triage"
)

// Notifier wraps another sink with a token bucket. High-urgency toasts skip
// the bucket.
type Notifier struct {
	next    triage.Notifier
	limiter *rate.Limiter
}

// New allows perMinute toasts per minute with bursts of burst. perMinute <= 0
// disables limiting.
func New(next triage.Notifier, perMinute float64, burst int) *Notifier {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	if burst < 1 {
		burst = 1
	}
	return &Notifier{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Send waits for a token and forwards t. The wait is bounded by ctx; the
// caller's sink timeout turns a long backlog into a delivery error instead
// of a hang.
func (n *Notifier) Send(ctx context.Context, t triage.Toast) error {
	if t.Urgency != triage.UrgencyHigh {
		if err := n.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("throttle: %w", err)
		}
	}
	return n.next.Send(ctx, t)
}
