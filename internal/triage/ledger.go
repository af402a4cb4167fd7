package triage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
)

// Ledger is the record of every ingested notification.
type Ledger struct {
	store  LedgerStore
	logger log.Logger
	opts   Options
}

// NewLedger creates a ledger over store.
func NewLedger(store LedgerStore, logger log.Logger, opts Options) *Ledger {
	if store == nil {
		panic(xerrors.New("ledger store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Ledger{store: store, logger: logger, opts: opts.withDefaults()}
}

// LedgerAction is a named state change applied by update and bulk update.
type LedgerAction string

const (
	ActionArchive        LedgerAction = "archive"
	ActionMarkSurfaced   LedgerAction = "mark_surfaced"
	ActionMarkExpired    LedgerAction = "mark_expired"
	ActionDealtWith      LedgerAction = "dealt_with"
	ActionIgnore         LedgerAction = "ignore"
	ActionAlreadyHandled LedgerAction = "already_handled"
)

// ParseLedgerAction validates an action name.
func ParseLedgerAction(s string) (LedgerAction, error) {
	a := LedgerAction(strings.TrimSpace(s))
	switch a {
	case ActionArchive, ActionMarkSurfaced, ActionMarkExpired,
		ActionDealtWith, ActionIgnore, ActionAlreadyHandled:
		return a, nil
	}
	return "", &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", s)}
}

// TargetState is the state the action moves a notification to.
func (a LedgerAction) TargetState() State {
	switch a {
	case ActionMarkSurfaced:
		return StateSurfaced
	case ActionMarkExpired:
		return StateExpired
	}
	return StateArchived
}

// userAction reports whether the action records what the user did, in
// which case it is kept as a feedback entry.
func (a LedgerAction) userAction() bool {
	switch a {
	case ActionDealtWith, ActionIgnore, ActionAlreadyHandled:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StatePending:  {StateSurfaced, StateArchived, StateExpired},
	StateSurfaced: {StateArchived},
	StateExpired:  {StateArchived},
	StateArchived: nil,
}

// CheckTransition reports whether a notification may move from one state
// to another. Staying in the same state is always allowed. ARCHIVED is
// terminal.
func CheckTransition(from, to State) error {
	if !to.Valid() {
		return &ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", to)}
	}
	if from == to || slices.Contains(transitions[from], to) {
		return nil
	}
	return &ValidationError{Field: "state", Reason: fmt.Sprintf("illegal transition %s -> %s", from, to)}
}

// Patch is a partial update. Empty fields are left unchanged; Feedback is
// appended, never replacing earlier entries.
type Patch struct {
	State     State
	Feedback  *Feedback
	Verdict   Verdict
	Rationale string
}

func (p *Patch) validate() error {
	if p.State != "" && !p.State.Valid() {
		return &ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", p.State)}
	}
	if p.Verdict != "" && !p.Verdict.Valid() {
		return &ValidationError{Field: "verdict", Reason: fmt.Sprintf("unknown verdict %q", p.Verdict)}
	}
	if p.Feedback != nil && strings.TrimSpace(p.Feedback.Text) == "" && p.Feedback.Action == "" && p.Feedback.Proposal == nil {
		return &ValidationError{Field: "feedback", Reason: "must not be empty"}
	}
	if p.State == "" && p.Feedback == nil && p.Verdict == "" {
		return &ValidationError{Field: "fields", Reason: "nothing to update"}
	}
	return nil
}

// Record assigns an id and stores n. SUPPRESS verdicts are stored ARCHIVED
// so they never appear pending to digest queries; everything else starts
// PENDING.
func (l *Ledger) Record(ctx context.Context, n *Notification) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := l.opts.Now()
	n.ID = ulid.Make().String()
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = now
	}
	n.UpdatedAt = now
	n.State = StatePending
	if n.Verdict == VerdictSuppress {
		n.State = StateArchived
	}

	cctx, cancel := commitContext(ctx, l.opts.StoreTimeout)
	defer cancel()
	if err := l.store.Insert(cctx, n); err != nil {
		return "", unavailable("record notification", err)
	}
	return n.ID, nil
}

// Get returns the notification with id or a NotFoundError.
func (l *Ledger) Get(ctx context.Context, id string) (*Notification, error) {
	rctx, cancel := readContext(ctx, l.opts.StoreTimeout)
	defer cancel()
	n, ok, err := l.store.Get(rctx, id)
	if err != nil {
		return nil, unavailable("get notification", err)
	}
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return n, nil
}

// List returns matching notifications, most recent first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]*Notification, error) {
	if err := l.normalizeFilter(&f); err != nil {
		return nil, err
	}
	rctx, cancel := readContext(ctx, l.opts.StoreTimeout)
	defer cancel()
	out, err := l.store.List(rctx, f)
	if err != nil {
		return nil, unavailable("list notifications", err)
	}
	return out, nil
}

func (l *Ledger) normalizeFilter(f *Filter) error {
	switch f.View {
	case "":
	case ViewAll, ViewPending, ViewExpired:
	default:
		return &ValidationError{Field: "view", Reason: fmt.Sprintf("unknown view %q", f.View)}
	}
	if f.View == ViewExpired && f.StaleBefore.IsZero() {
		f.StaleBefore = l.opts.Now().Add(-l.opts.Retention)
	}
	if f.State != "" && !f.State.Valid() {
		return &ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", f.State)}
	}
	if f.Verdict != "" && !f.Verdict.Valid() {
		return &ValidationError{Field: "verdict", Reason: fmt.Sprintf("unknown verdict %q", f.Verdict)}
	}
	if f.Limit < 0 || f.Offset < 0 {
		return &ValidationError{Field: "limit", Reason: "limit and offset must not be negative"}
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return &ValidationError{Field: "until", Reason: "must not be before since"}
	}
	return nil
}

// Update applies p to the notification with id. The read-modify-write runs
// inside the store's per-record transaction so it cannot interleave with a
// concurrent update of the same id.
func (l *Ledger) Update(ctx context.Context, id string, p Patch) (*Notification, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := l.opts.Now()
	if p.Feedback != nil {
		fb := *p.Feedback
		if fb.ID == "" {
			fb.ID = uuid.NewString()
		}
		if fb.CreatedAt.IsZero() {
			fb.CreatedAt = now
		}
		p.Feedback = &fb
	}

	cctx, cancel := commitContext(ctx, l.opts.StoreTimeout)
	defer cancel()
	n, ok, err := l.store.Update(cctx, id, func(n *Notification) error {
		return applyPatch(n, p, now)
	})
	if err != nil {
		return nil, unavailable("update notification", err)
	}
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return n, nil
}

func applyPatch(n *Notification, p Patch, now time.Time) error {
	if p.Verdict != "" && n.State == StateArchived {
		return &ValidationError{Field: "verdict", Reason: "archived notifications cannot be re-triaged"}
	}
	if p.State != "" {
		if err := CheckTransition(n.State, p.State); err != nil {
			return err
		}
		n.State = p.State
	}
	if p.Verdict != "" {
		n.Verdict = p.Verdict
		n.Rationale = p.Rationale
	}
	if p.Feedback != nil {
		n.Feedback = append(n.Feedback, *p.Feedback)
	}
	n.UpdatedAt = now
	return nil
}

// Apply performs a named action on one notification.
func (l *Ledger) Apply(ctx context.Context, id string, action LedgerAction, note string) (*Notification, error) {
	p := Patch{State: action.TargetState()}
	if action.userAction() || strings.TrimSpace(note) != "" {
		p.Feedback = &Feedback{Text: strings.TrimSpace(note), Action: string(action)}
	}
	return l.Update(ctx, id, p)
}

// BulkUpdate applies action to each id independently. A failure on one id
// is recorded in the result and does not stop or undo the others. The
// returned error is non-nil only when the action itself is invalid.
func (l *Ledger) BulkUpdate(ctx context.Context, ids []string, action string) (*BatchResult, error) {
	a, err := ParseLedgerAction(action)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, &ValidationError{Field: "ids", Reason: "must not be empty"}
	}

	res := &BatchResult{Action: string(a), Items: make([]BatchItem, 0, len(ids))}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		n, err := l.Apply(ctx, id, a, "")
		if err != nil {
			res.Items = append(res.Items, BatchItem{ID: id, Error: err.Error(), err: err})
			continue
		}
		res.Items = append(res.Items, BatchItem{ID: id, OK: true, State: n.State})
	}

	failed := len(res.FailedIDs())
	l.opts.Hooks.bulkUpdate(len(res.Items)-failed, failed)
	if failed > 0 {
		l.logger.Warn(ctx, "bulk update partially failed",
			"action", string(a),
			"failed", failed,
			"total", len(res.Items),
		)
	}
	return res, nil
}

// Stats summarizes notifications received within window (zero means all).
func (l *Ledger) Stats(ctx context.Context, window time.Duration) (*Stats, error) {
	now := l.opts.Now()
	var since time.Time
	if window > 0 {
		since = now.Add(-window)
	}
	rctx, cancel := readContext(ctx, l.opts.StoreTimeout)
	defer cancel()
	st, err := l.store.Stats(rctx, since)
	if err != nil {
		return nil, unavailable("stats", err)
	}
	if !st.OldestPending.IsZero() {
		st.OldestPendingAge = now.Sub(st.OldestPending)
	}
	return st, nil
}

// Expire marks PENDING entries older than the retention window EXPIRED.
func (l *Ledger) Expire(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := l.opts.Now()
	cctx, cancel := commitContext(ctx, l.opts.StoreTimeout)
	defer cancel()
	n, err := l.store.Expire(cctx, now.Add(-l.opts.Retention), now)
	if err != nil {
		return 0, unavailable("expire notifications", err)
	}
	return n, nil
}

// Purge deletes ARCHIVED and EXPIRED entries older than keep.
func (l *Ledger) Purge(ctx context.Context, keep time.Duration) (int, error) {
	if keep <= 0 {
		return 0, &ValidationError{Field: "keep", Reason: "must be positive"}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cctx, cancel := commitContext(ctx, l.opts.StoreTimeout)
	defer cancel()
	n, err := l.store.Purge(cctx, l.opts.Now().Add(-keep))
	if err != nil {
		return 0, unavailable("purge notifications", err)
	}
	return n, nil
}
