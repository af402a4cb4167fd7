package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

const (
	toastBodyLimit = 200
	maxFieldLen    = 64 << 10

	feedbackConfirm = "confirm_proposal"
)

// Service is the triage coordinator and the single entry point for
// notification sources, the scheduler, the CLI and the HTTP API.
type Service struct {
	policies *Policies
	ledger   *Ledger
	digests  *DigestBuilder
	notifier Notifier
	logger   log.Logger
	opts     Options
	tracer   trace.Tracer
}

// NewService wires the policy owner, ledger and digest builder over store.
// A nil notifier discards toasts.
func NewService(store Store, notifier Notifier, logger log.Logger, opts Options) *Service {
	if store == nil {
		panic(xerrors.New("triage store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	opts = opts.withDefaults()
	return &Service{
		policies: NewPolicies(store, logger, opts),
		ledger:   NewLedger(store, logger, opts),
		digests:  NewDigestBuilder(store, logger, opts),
		notifier: notifier,
		logger:   logger,
		opts:     opts,
		tracer:   opts.TracerProvider.Tracer("github.com/linnemanlabs/hush/internal/triage"),
	}
}

func validateRaw(raw *RawNotification) error {
	raw.App = strings.TrimSpace(raw.App)
	raw.Sender = strings.TrimSpace(raw.Sender)
	if raw.App == "" {
		return &ValidationError{Field: "app", Reason: "must not be empty"}
	}
	for name, v := range map[string]string{"title": raw.Title, "body": raw.Body, "sender": raw.Sender, "app": raw.App} {
		if len(v) > maxFieldLen {
			return &ValidationError{Field: name, Reason: fmt.Sprintf("exceeds %d bytes", maxFieldLen)}
		}
	}
	return nil
}

// Ingest classifies raw against the current policy, records it and, for a
// SURFACE verdict, delivers a toast and marks it SURFACED. Once the record
// is stored Ingest no longer returns an error: a toast failure or a failed
// SURFACED update leaves the notification PENDING and is reported in the
// result, so callers never retry an event that was already recorded.
func (s *Service) Ingest(ctx context.Context, raw RawNotification) (*IngestResult, error) {
	ctx, span := s.tracer.Start(ctx, "triage.Ingest", trace.WithAttributes(
		attribute.String("hush.app", raw.App),
	))
	defer span.End()

	start := s.opts.Now()
	if err := validateRaw(&raw); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	pol, err := s.policies.Snapshot(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	n := &Notification{
		App:              raw.App,
		Sender:           raw.Sender,
		Title:            raw.Title,
		Body:             raw.Body,
		ConversationHint: raw.ConversationHint,
		ReceivedAt:       raw.ReceivedAt,
	}
	d := Classify(n, pol, start)
	n.Verdict = d.Verdict
	n.Rationale = d.Rationale

	id, err := s.ledger.Record(ctx, n)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("hush.notification.id", id),
		attribute.String("hush.verdict", string(d.Verdict)),
		attribute.Int64("hush.policy.version", pol.Version),
	)

	res := &IngestResult{ID: id, Verdict: n.Verdict, Rationale: n.Rationale, State: n.State}
	L := s.logger.With("notification_id", id, "app", n.App)

	if d.Verdict == VerdictSurface {
		if err := s.deliver(ctx, toastFor(n, d.Urgency)); err != nil {
			res.DeliveryError = err.Error()
			span.RecordError(err)
			L.Error(ctx, err, "toast delivery failed, notification left pending")
		} else {
			res.Delivered = true
			updated, err := s.ledger.Update(ctx, id, Patch{State: StateSurfaced})
			if err != nil {
				res.StateError = err.Error()
				span.RecordError(err)
				L.Error(ctx, err, "toast delivered but surfaced state not stored")
			} else {
				res.State = updated.State
			}
		}
	}

	s.opts.Hooks.ingest(d.Verdict, d.Reason(), s.opts.Now().Sub(start).Seconds())
	L.Info(ctx, "notification triaged",
		"verdict", string(d.Verdict),
		"rationale", d.Rationale,
		"state", string(res.State),
		"delivered", res.Delivered,
	)
	return res, nil
}

// Classify evaluates raw against the live policy without recording it.
func (s *Service) Classify(ctx context.Context, raw RawNotification) (Decision, error) {
	if err := validateRaw(&raw); err != nil {
		return Decision{}, err
	}
	pol, err := s.policies.Snapshot(ctx)
	if err != nil {
		return Decision{}, err
	}
	n := &Notification{App: raw.App, Sender: raw.Sender, Title: raw.Title, Body: raw.Body}
	return Classify(n, pol, s.opts.Now()), nil
}

func toastFor(n *Notification, u Urgency) Toast {
	head := n.Sender
	if head == "" {
		head = n.Title
	}
	body := n.Body
	if body == "" {
		body = n.Title
	}
	return Toast{
		NotificationID: n.ID,
		App:            n.App,
		Title:          fmt.Sprintf("%s | %s", n.App, head),
		Body:           truncate(body, toastBodyLimit),
		Urgency:        u,
		Rationale:      n.Rationale,
	}
}

func (s *Service) deliver(ctx context.Context, t Toast) error {
	if s.notifier == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.opts.SinkTimeout)
	defer cancel()
	err := s.notifier.Send(sctx, t)
	s.opts.Hooks.toast(err == nil)
	return err
}

// SendToast delivers t directly, bypassing classification.
func (s *Service) SendToast(ctx context.Context, t Toast) error {
	t.Urgency = ParseUrgency(string(t.Urgency))
	if strings.TrimSpace(t.Title) == "" && strings.TrimSpace(t.Body) == "" {
		return &ValidationError{Field: "toast", Reason: "title or body is required"}
	}
	return s.deliver(ctx, t)
}

// FeedbackRequest is user feedback on one notification. Action optionally
// applies a ledger action; Proposal optionally records a policy change to
// be confirmed later. Feedback never changes policy by itself.
type FeedbackRequest struct {
	Text     string    `json:"text"`
	Action   string    `json:"action,omitempty"`
	Proposal *PolicyOp `json:"proposal,omitempty"`
}

// ApplyFeedback appends feedback to the notification with id.
func (s *Service) ApplyFeedback(ctx context.Context, id string, req FeedbackRequest) (*Notification, error) {
	fb := &Feedback{Text: strings.TrimSpace(req.Text)}
	p := Patch{Feedback: fb}
	if req.Action != "" {
		a, err := ParseLedgerAction(req.Action)
		if err != nil {
			return nil, err
		}
		fb.Action = string(a)
		p.State = a.TargetState()
	}
	if req.Proposal != nil {
		op := req.Proposal.clone()
		if err := op.Validate(s.opts.Now()); err != nil {
			return nil, err
		}
		fb.Proposal = &op
	}
	n, err := s.ledger.Update(ctx, id, p)
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "feedback recorded",
		"notification_id", id,
		"action", fb.Action,
		"has_proposal", fb.Proposal != nil,
	)
	return n, nil
}

// ConfirmFeedback applies the policy proposal attached to a feedback entry
// and appends a confirmation entry. Confirming twice is rejected.
func (s *Service) ConfirmFeedback(ctx context.Context, id, feedbackID string) (*PolicyChange, error) {
	n, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var proposal *PolicyOp
	for _, f := range n.Feedback {
		if f.ID == feedbackID {
			proposal = f.Proposal
		}
		if f.Action == feedbackConfirm && f.Ref == feedbackID {
			return nil, &ValidationError{Field: "feedback_id", Reason: "proposal already confirmed"}
		}
	}
	if proposal == nil {
		return nil, &ValidationError{Field: "feedback_id", Reason: fmt.Sprintf("no policy proposal in feedback %q", feedbackID)}
	}

	change, err := s.policies.Apply(ctx, *proposal)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.Update(ctx, id, Patch{Feedback: &Feedback{
		Text:   "confirmed: " + change.Message,
		Action: feedbackConfirm,
		Ref:    feedbackID,
	}}); err != nil {
		return change, fmt.Errorf("policy applied but confirmation not recorded: %w", err)
	}
	return change, nil
}

// Retriage re-classifies a non-archived notification against the current
// policy. A new SUPPRESS verdict archives it.
func (s *Service) Retriage(ctx context.Context, id string) (*Notification, error) {
	n, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.State == StateArchived {
		return nil, &ValidationError{Field: "state", Reason: "archived notifications cannot be re-triaged"}
	}
	pol, err := s.policies.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	d := Classify(n, pol, s.opts.Now())
	p := Patch{Verdict: d.Verdict, Rationale: d.Rationale}
	if d.Verdict == VerdictSuppress {
		p.State = StateArchived
	}
	return s.ledger.Update(ctx, id, p)
}

// TriggerDigest consumes batched notifications and, when the digest is
// non-empty, delivers a summary toast. A zero window claims everything
// still pending, which is everything since the previous digest since each
// digest archives what it consumes. A positive window claims only the
// most recent part and leaves older items for the next digest.
func (s *Service) TriggerDigest(ctx context.Context, label string, window time.Duration) (*Digest, error) {
	ctx, span := s.tracer.Start(ctx, "triage.TriggerDigest", trace.WithAttributes(
		attribute.String("hush.digest.label", label),
	))
	defer span.End()

	if window < 0 {
		return nil, &ValidationError{Field: "window", Reason: "must not be negative"}
	}
	var since time.Time
	if window > 0 {
		since = s.opts.Now().Add(-window)
	}
	d, err := s.digests.Build(ctx, label, since)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("hush.digest.items", d.Total))

	if !d.Empty() {
		t := Toast{
			Title:     fmt.Sprintf("%s digest: %d %s", d.Label, d.Total, plural(d.Total, "notification")),
			Body:      truncate(d.Text, toastBodyLimit),
			Urgency:   UrgencyLow,
			Rationale: "digest",
		}
		if err := s.deliver(ctx, t); err != nil {
			span.RecordError(err)
			s.logger.Error(ctx, err, "digest toast delivery failed", "digest_id", d.ID)
		}
	}
	return d, nil
}

// Summarize returns a read-only summary of the last window.
func (s *Service) Summarize(ctx context.Context, window time.Duration, by GroupBy) (*Summary, error) {
	if window <= 0 {
		return nil, &ValidationError{Field: "window", Reason: "must be positive"}
	}
	items, err := s.ledger.List(ctx, Filter{Since: s.opts.Now().Add(-window)})
	if err != nil {
		return nil, err
	}
	return Summarize(items, window, by), nil
}

// ManagePolicy validates and applies one policy operation.
func (s *Service) ManagePolicy(ctx context.Context, op PolicyOp) (*PolicyChange, error) {
	return s.policies.Apply(ctx, op)
}

// Policy returns the current policy snapshot.
func (s *Service) Policy(ctx context.Context) (*Policy, error) {
	return s.policies.Snapshot(ctx)
}

// Get returns one notification.
func (s *Service) Get(ctx context.Context, id string) (*Notification, error) {
	return s.ledger.Get(ctx, id)
}

// List returns notifications matching f, most recent first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Notification, error) {
	return s.ledger.List(ctx, f)
}

// Update applies a partial update to one notification.
func (s *Service) Update(ctx context.Context, id string, p Patch) (*Notification, error) {
	return s.ledger.Update(ctx, id, p)
}

// Act applies a named ledger action with an optional note.
func (s *Service) Act(ctx context.Context, id, action, note string) (*Notification, error) {
	a, err := ParseLedgerAction(action)
	if err != nil {
		return nil, err
	}
	return s.ledger.Apply(ctx, id, a, note)
}

// BulkUpdate applies action to each id independently.
func (s *Service) BulkUpdate(ctx context.Context, ids []string, action string) (*BatchResult, error) {
	return s.ledger.BulkUpdate(ctx, ids, action)
}

// Stats summarizes the ledger over window (zero means all time).
func (s *Service) Stats(ctx context.Context, window time.Duration) (*Stats, error) {
	return s.ledger.Stats(ctx, window)
}

// Maintain expires stale PENDING notifications and purges archived and
// expired ones older than keep.
func (s *Service) Maintain(ctx context.Context, keep time.Duration) (expired, purged int, err error) {
	expired, err = s.ledger.Expire(ctx)
	if err != nil {
		return 0, 0, err
	}
	purged, err = s.ledger.Purge(ctx, keep)
	if err != nil {
		return expired, 0, err
	}
	s.logger.Info(ctx, "ledger maintenance complete", "expired", expired, "purged", purged)
	return expired, purged, nil
}
