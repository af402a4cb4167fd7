package triage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"golang.org/x/sync/singleflight"
)

// ErrDigestInProgress is returned when another process holds the digest
// lock for the same label.
var ErrDigestInProgress = errors.New("digest already in progress")

const (
	maxSenderNames   = 3
	maxSummaryItems  = 20
	bodyExcerptLimit = 120
	emptyDigestText  = "No notifications in this timeframe."
)

// DigestItem is one consumed notification.
type DigestItem struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// SenderGroup is the notifications of one sender within an app.
type SenderGroup struct {
	Sender string       `json:"sender"`
	Count  int          `json:"count"`
	Items  []DigestItem `json:"items"`
}

// AppGroup is the notifications of one app, grouped by sender.
type AppGroup struct {
	App     string        `json:"app"`
	Count   int           `json:"count"`
	Senders []SenderGroup `json:"senders"`
}

// Digest is a grouped summary of consumed DIGEST notifications. An empty
// digest is valid.
type Digest struct {
	ID          string     `json:"id"`
	Label       string     `json:"label"`
	Since       time.Time  `json:"since,omitzero"`
	GeneratedAt time.Time  `json:"generated_at"`
	Total       int        `json:"total"`
	Groups      []AppGroup `json:"groups"`
	Text        string     `json:"text"`
}

// Empty reports whether the digest consumed nothing.
func (d *Digest) Empty() bool { return d.Total == 0 }

// DigestBuilder consumes batched notifications into digests.
type DigestBuilder struct {
	store  LedgerStore
	logger log.Logger
	opts   Options
	flight singleflight.Group
}

// NewDigestBuilder creates a builder over store.
func NewDigestBuilder(store LedgerStore, logger log.Logger, opts Options) *DigestBuilder {
	if store == nil {
		panic(xerrors.New("ledger store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &DigestBuilder{store: store, logger: logger, opts: opts.withDefaults()}
}

// Build consumes every PENDING DIGEST notification received at or after
// since (zero means all) and returns them grouped by app then sender. The
// claim archives the entries in the same transaction, so a second build
// returns an empty digest. Concurrent builds for the same label share one
// run; with a DigestLock configured, a build held by another process
// returns ErrDigestInProgress.
func (b *DigestBuilder) Build(ctx context.Context, label string, since time.Time) (*Digest, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "on-demand"
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := b.opts.Now()
	v, err, shared := b.flight.Do(label, func() (any, error) {
		return b.build(context.WithoutCancel(ctx), label, since)
	})
	if err != nil {
		result := "error"
		if errors.Is(err, ErrDigestInProgress) {
			result = "busy"
		}
		b.opts.Hooks.digest(label, 0, result, b.opts.Now().Sub(start).Seconds())
		return nil, err
	}
	d := v.(*Digest)
	if !shared {
		b.opts.Hooks.digest(label, d.Total, "ok", b.opts.Now().Sub(start).Seconds())
	}
	return d, nil
}

func (b *DigestBuilder) build(ctx context.Context, label string, since time.Time) (*Digest, error) {
	if b.opts.Lock != nil {
		lctx, cancel := readContext(ctx, b.opts.StoreTimeout)
		release, ok, err := b.opts.Lock.Acquire(lctx, "digest:"+label, b.opts.LockTTL)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("acquire digest lock: %w", err)
		}
		if !ok {
			return nil, ErrDigestInProgress
		}
		defer func() {
			rctx, cancel := readContext(ctx, b.opts.StoreTimeout)
			defer cancel()
			if err := release(rctx); err != nil {
				b.logger.Warn(ctx, "failed to release digest lock", "label", label, "error", err)
			}
		}()
	}

	now := b.opts.Now()
	d := &Digest{
		ID:          uuid.NewString(),
		Label:       label,
		Since:       since,
		GeneratedAt: now,
	}

	cctx, cancel := commitContext(ctx, b.opts.StoreTimeout)
	defer cancel()
	items, err := b.store.ClaimDigest(cctx, DigestClaim{DigestID: d.ID, Since: since, At: now})
	if err != nil {
		return nil, unavailable("claim digest", err)
	}

	d.Total = len(items)
	d.Groups = groupByApp(items)
	d.Text = renderDigest(d)

	b.logger.Info(ctx, "digest built",
		"digest_id", d.ID,
		"label", label,
		"items", d.Total,
		"apps", len(d.Groups),
	)
	return d, nil
}

// groupByApp groups items by app then sender. Apps and senders are ordered
// by count descending then name.
func groupByApp(items []*Notification) []AppGroup {
	type key struct{ app, sender string }
	apps := make(map[string]*AppGroup)
	senders := make(map[key]*SenderGroup)
	var order []string

	for _, n := range items {
		appKey := Fold(n.App)
		ag, ok := apps[appKey]
		if !ok {
			ag = &AppGroup{App: n.App}
			apps[appKey] = ag
			order = append(order, appKey)
		}
		ag.Count++

		sender := n.Sender
		if strings.TrimSpace(sender) == "" {
			sender = "(no sender)"
		}
		k := key{appKey, Fold(sender)}
		sg, ok := senders[k]
		if !ok {
			sg = &SenderGroup{Sender: sender}
			senders[k] = sg
		}
		sg.Count++
		sg.Items = append(sg.Items, DigestItem{
			ID:         n.ID,
			Title:      n.Title,
			Body:       truncate(n.Body, bodyExcerptLimit),
			ReceivedAt: n.ReceivedAt,
		})
	}

	for k, sg := range senders {
		apps[k.app].Senders = append(apps[k.app].Senders, *sg)
	}

	out := make([]AppGroup, 0, len(order))
	for _, k := range order {
		ag := apps[k]
		slices.SortFunc(ag.Senders, func(a, b SenderGroup) int {
			return cmp.Or(cmp.Compare(b.Count, a.Count), strings.Compare(a.Sender, b.Sender))
		})
		out = append(out, *ag)
	}
	slices.SortFunc(out, func(a, b AppGroup) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), strings.Compare(a.App, b.App))
	})
	return out
}

func renderDigest(d *Digest) string {
	if d.Empty() {
		return emptyDigestText
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s digest: %d %s from %d %s\n",
		d.Label, d.Total, plural(d.Total, "notification"), len(d.Groups), plural(len(d.Groups), "app"))
	for _, g := range d.Groups {
		names := make([]string, len(g.Senders))
		for i, s := range g.Senders {
			names[i] = s.Sender
		}
		fmt.Fprintf(&sb, "  - %s: %d (%s)\n", g.App, g.Count, senderList(names))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// senderList renders at most maxSenderNames names plus "and N others".
func senderList(names []string) string {
	if len(names) <= maxSenderNames {
		return strings.Join(names, ", ")
	}
	rest := len(names) - maxSenderNames
	return fmt.Sprintf("%s and %d %s", strings.Join(names[:maxSenderNames], ", "), rest, plural(rest, "other"))
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

// GroupBy selects the grouping of a read-only summary.
type GroupBy string

const (
	GroupByApp    GroupBy = "app"
	GroupBySender GroupBy = "sender"
	GroupByTime   GroupBy = "time"
)

// ParseGroupBy validates a grouping name. Empty means app.
func ParseGroupBy(s string) (GroupBy, error) {
	switch GroupBy(s) {
	case "", GroupByApp:
		return GroupByApp, nil
	case GroupBySender, GroupByTime:
		return GroupBy(s), nil
	}
	return "", &ValidationError{Field: "group_by", Reason: fmt.Sprintf("unknown grouping %q", s)}
}

// SummaryGroup is one bucket of a summary.
type SummaryGroup struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Summary is a read-only view of a window of the ledger. Unlike a Digest
// it consumes nothing.
type Summary struct {
	Window        time.Duration   `json:"window"`
	GroupBy       GroupBy         `json:"group_by"`
	Total         int             `json:"total"`
	TotalPending  int             `json:"total_pending"`
	ByVerdict     map[Verdict]int `json:"by_verdict"`
	Groups        []SummaryGroup  `json:"groups"`
	Notifications []*Notification `json:"notifications"`
	Truncated     bool            `json:"truncated"`
	Text          string          `json:"text"`
}

// Summarize builds a Summary from items, which must be most recent first.
func Summarize(items []*Notification, window time.Duration, by GroupBy) *Summary {
	s := &Summary{
		Window:    window,
		GroupBy:   by,
		Total:     len(items),
		ByVerdict: make(map[Verdict]int),
	}
	counts := make(map[string]int)
	display := make(map[string]string)
	var keys []string
	for _, n := range items {
		s.ByVerdict[n.Verdict]++
		if n.State == StatePending {
			s.TotalPending++
		}
		var k string
		switch by {
		case GroupBySender:
			k = n.Sender
			if k == "" {
				k = "(no sender)"
			}
		case GroupByTime:
			k = n.ReceivedAt.Truncate(time.Hour).Format("2006-01-02 15:00")
		default:
			k = n.App
		}
		fk := Fold(k)
		if _, ok := counts[fk]; !ok {
			keys = append(keys, fk)
			display[fk] = k
		}
		counts[fk]++
	}
	for _, k := range keys {
		s.Groups = append(s.Groups, SummaryGroup{Key: display[k], Count: counts[k]})
	}
	if by == GroupByTime {
		slices.SortFunc(s.Groups, func(a, b SummaryGroup) int { return strings.Compare(a.Key, b.Key) })
	} else {
		slices.SortFunc(s.Groups, func(a, b SummaryGroup) int {
			return cmp.Or(cmp.Compare(b.Count, a.Count), strings.Compare(a.Key, b.Key))
		})
	}

	s.Notifications = items
	if len(items) > maxSummaryItems {
		s.Notifications = items[:maxSummaryItems]
		s.Truncated = true
	}
	s.Text = renderSummary(s, items)
	return s
}

func renderSummary(s *Summary, items []*Notification) string {
	if s.Total == 0 {
		return emptyDigestText
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Received %d %s:\n", s.Total, plural(s.Total, "notification"))
	fmt.Fprintf(&sb, "  - %d surfaced\n", s.ByVerdict[VerdictSurface])
	fmt.Fprintf(&sb, "  - %d suppressed\n", s.ByVerdict[VerdictSuppress])
	fmt.Fprintf(&sb, "  - %d batched for digest\n", s.ByVerdict[VerdictDigest])

	groups := groupByApp(items)
	sb.WriteString("\nBy app:\n")
	for _, g := range groups {
		names := make([]string, len(g.Senders))
		for i, sg := range g.Senders {
			names[i] = sg.Sender
		}
		fmt.Fprintf(&sb, "  - %s: %d (%s)\n", g.App, g.Count, senderList(names))
	}
	if n := len(items); n > 0 {
		fmt.Fprintf(&sb, "\nOldest: %s", humanize.Time(items[n-1].ReceivedAt))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
