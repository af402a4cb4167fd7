// Package console is the degraded-mode toast sink: it writes each toast to
// the structured log instead of the desktop.
package console

import (
	"context"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/hush/internal/triage"
)

// Notifier logs toasts.
type Notifier struct {
	logger log.Logger
}

// New returns a Notifier writing to logger.
func New(logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{logger: logger.With("sink", "console")}
}

// Send logs t. It never fails.
func (n *Notifier) Send(ctx context.Context, t triage.Toast) error {
	n.logger.Info(ctx, "toast",
		"title", t.Title,
		"body", t.Body,
		"urgency", string(t.Urgency),
		"rationale", t.Rationale,
		"app", t.App,
		"notification_id", t.NotificationID,
	)
	return nil
}
