// Package slack delivers toasts to a Slack channel via an incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/hush/internal/triage"
)

const (
	maxHeaderLen = 150 // Slack rejects longer plain_text headers
	maxBodyLen   = 3000
	httpTimeout  = 10 * time.Second
)

// Notifier posts toasts to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts t to the configured webhook.
func (n *Notifier) Send(ctx context.Context, t triage.Toast) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(t))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "toast posted to slack", "notification_id", t.NotificationID, "urgency", string(t.Urgency))
	return nil
}

func buildMessage(t triage.Toast) map[string]any {
	return map[string]any{
		// Fallback for clients that do not render blocks, and the text of
		// the push notification Slack itself raises.
		"text": truncate(t.Title, maxHeaderLen),
		"blocks": []map[string]any{
			headerBlock(t),
			bodyBlock(t),
			contextBlock(t),
		},
	}
}

func headerBlock(t triage.Toast) map[string]any {
	title := strings.TrimSpace(t.Title)
	if title == "" {
		title = "Notification"
	}
	text := urgencyEmoji(t.Urgency) + " " + title
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, maxHeaderLen),
		},
	}
}

func bodyBlock(t triage.Toast) map[string]any {
	text := escape(truncate(t.Body, maxBodyLen))
	if strings.TrimSpace(text) == "" {
		text = "_(no body)_"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func contextBlock(t triage.Toast) map[string]any {
	parts := []string{"hush"}
	if t.App != "" {
		parts = append(parts, escape(t.App))
	}
	if t.Rationale != "" {
		parts = append(parts, escape(t.Rationale))
	}
	if t.NotificationID != "" {
		parts = append(parts, t.NotificationID)
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": strings.Join(parts, " • "),
			},
		},
	}
}

func urgencyEmoji(u triage.Urgency) string {
	switch u {
	case triage.UrgencyHigh:
		return "\U0001f534" // red circle
	case triage.UrgencyLow:
		return "\U0001f4e8" // incoming envelope
	default:
		return "\U0001f7e1" // yellow circle
	}
}

// escape neutralizes Slack control sequences. Notification text comes from
// other apps, so a "<!channel>" in a body must not ping anyone.
var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(s string) string {
	return escaper.Replace(s)
}

// truncate shortens s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len("...")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
