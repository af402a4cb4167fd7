package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/hush/internal/triage"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "hush.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id, app string, v triage.Verdict, st triage.State, at time.Time) *triage.Notification {
	return &triage.Notification{
		ID: id, App: app, Sender: "Bob", Title: "hi", Body: "body",
		Verdict: v, Rationale: "test", State: st, ReceivedAt: at, UpdatedAt: at,
	}
}

func mustInsert(t *testing.T, s *Store, n *triage.Notification) {
	t.Helper()
	if err := s.Insert(context.Background(), n); err != nil {
		t.Fatalf("Insert(%s): %v", n.ID, err)
	}
}

func ids(ns []*triage.Notification) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}

func TestStore_InsertAndGet(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	n := record("n-1", "Teams", triage.VerdictDigest, triage.StatePending, t0)
	n.ConversationHint = "thread-7"
	n.Feedback = []triage.Feedback{{ID: "f-1", Text: "fine", Action: "mark_read", CreatedAt: t0}}
	mustInsert(t, s, n)

	got, ok, err := s.Get(ctx, "n-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected notification to be found")
	}
	if got.App != "Teams" || got.Sender != "Bob" || got.ConversationHint != "thread-7" {
		t.Errorf("got %+v", got)
	}
	if !got.ReceivedAt.Equal(t0) {
		t.Errorf("ReceivedAt = %v, want %v", got.ReceivedAt, t0)
	}
	if got.Verdict != triage.VerdictDigest || got.State != triage.StatePending {
		t.Errorf("verdict=%q state=%q", got.Verdict, got.State)
	}
	if len(got.Feedback) != 1 || got.Feedback[0].ID != "f-1" || got.Feedback[0].Action != "mark_read" {
		t.Errorf("Feedback = %+v", got.Feedback)
	}
}

func TestStore_InsertDuplicate(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	n := record("n-1", "Teams", triage.VerdictDigest, triage.StatePending, t0)
	mustInsert(t, s, n)
	if err := s.Insert(context.Background(), n); err == nil {
		t.Fatal("expected error for duplicate id")
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestStore_ListFiltersAndOrders(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, record("a", "Teams", triage.VerdictDigest, triage.StatePending, t0))
	mustInsert(t, s, record("b", "Outlook", triage.VerdictSurface, triage.StateSurfaced, t0.Add(time.Minute)))
	mustInsert(t, s, record("c", "teams", triage.VerdictDigest, triage.StatePending, t0.Add(2*time.Minute)))

	got, err := s.List(ctx, triage.Filter{App: "TEAMS"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Errorf("got %v, want [c a]", ids(got))
	}

	got, _ = s.List(ctx, triage.Filter{Verdict: triage.VerdictSurface})
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("by verdict = %v, want [b]", ids(got))
	}

	got, _ = s.List(ctx, triage.Filter{Since: t0.Add(30 * time.Second), Until: t0.Add(90 * time.Second)})
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("by range = %v, want [b]", ids(got))
	}

	got, _ = s.List(ctx, triage.Filter{Limit: 1, Offset: 1})
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("paged = %v, want [b]", ids(got))
	}

	got, _ = s.List(ctx, triage.Filter{Offset: 10})
	if len(got) != 0 {
		t.Errorf("offset past end returned %v", ids(got))
	}
}

func TestStore_ListExpiredView(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, record("old", "Teams", triage.VerdictDigest, triage.StatePending, t0.Add(-48*time.Hour)))
	mustInsert(t, s, record("new", "Teams", triage.VerdictDigest, triage.StatePending, t0))
	mustInsert(t, s, record("exp", "Teams", triage.VerdictDigest, triage.StateExpired, t0))

	got, err := s.List(ctx, triage.Filter{View: triage.ViewExpired, StaleBefore: t0.Add(-24 * time.Hour)})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].ID != "exp" || got[1].ID != "old" {
		t.Errorf("got %v, want [exp old]", ids(got))
	}
}

func TestStore_UpdatePersistsAppendedFeedback(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	n := record("n-1", "Teams", triage.VerdictDigest, triage.StatePending, t0)
	n.Feedback = []triage.Feedback{{ID: "f-1", Text: "first", CreatedAt: t0}}
	mustInsert(t, s, n)

	proposal := &triage.PolicyOp{Kind: triage.OpAddVIP, Target: "Bob"}
	got, ok, err := s.Update(ctx, "n-1", func(n *triage.Notification) error {
		n.State = triage.StateArchived
		n.UpdatedAt = t0.Add(time.Minute)
		n.Feedback = append(n.Feedback, triage.Feedback{ID: "f-2", Text: "Bob matters", Proposal: proposal, CreatedAt: t0.Add(time.Minute)})
		return nil
	})
	if err != nil || !ok {
		t.Fatalf("Update: ok=%v err=%v", ok, err)
	}
	if got.State != triage.StateArchived {
		t.Errorf("returned State = %q", got.State)
	}

	again, _, _ := s.Get(ctx, "n-1")
	if again.State != triage.StateArchived || !again.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("stored state=%q updated=%v", again.State, again.UpdatedAt)
	}
	if len(again.Feedback) != 2 || again.Feedback[0].ID != "f-1" || again.Feedback[1].ID != "f-2" {
		t.Fatalf("Feedback = %+v", again.Feedback)
	}
	p := again.Feedback[1].Proposal
	if p == nil || p.Kind != triage.OpAddVIP || p.Target != "Bob" {
		t.Errorf("Proposal = %+v", p)
	}
}

func TestStore_UpdateAbortsOnError(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, record("n-1", "Teams", triage.VerdictDigest, triage.StatePending, t0))

	errNope := errors.New("nope")
	_, ok, err := s.Update(ctx, "n-1", func(n *triage.Notification) error {
		n.State = triage.StateArchived
		n.Feedback = append(n.Feedback, triage.Feedback{ID: "f-x", Text: "x", CreatedAt: t0})
		return errNope
	})
	if !errors.Is(err, errNope) || !ok {
		t.Fatalf("Update: ok=%v err=%v, want ok=true and errNope", ok, err)
	}
	got, _, _ := s.Get(ctx, "n-1")
	if got.State != triage.StatePending || len(got.Feedback) != 0 {
		t.Errorf("state=%q feedback=%d, want untouched record", got.State, len(got.Feedback))
	}

	_, ok, err = s.Update(ctx, "missing", func(*triage.Notification) error { return nil })
	if err != nil || ok {
		t.Errorf("Update missing: ok=%v err=%v", ok, err)
	}
}

func TestStore_ConcurrentUpdatesAppendInOrder(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, record("n-1", "Teams", triage.VerdictDigest, triage.StatePending, t0))

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.Update(ctx, "n-1", func(n *triage.Notification) error {
				n.Feedback = append(n.Feedback, triage.Feedback{ID: fmt.Sprintf("f-%d", i), Text: "x", CreatedAt: t0})
				return nil
			})
			if err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _, _ := s.Get(ctx, "n-1")
	if len(got.Feedback) != 10 {
		t.Errorf("Feedback len = %d, want 10", len(got.Feedback))
	}
}

func TestStore_ClaimDigestIsExclusive(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, record("d1", "Teams", triage.VerdictDigest, triage.StatePending, t0))
	mustInsert(t, s, record("d2", "Slack", triage.VerdictDigest, triage.StatePending, t0.Add(time.Second)))
	mustInsert(t, s, record("old", "Slack", triage.VerdictDigest, triage.StatePending, t0.Add(-2*time.Hour)))
	mustInsert(t, s, record("s1", "Teams", triage.VerdictSurface, triage.StatePending, t0))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.ClaimDigest(ctx, triage.DigestClaim{DigestID: fmt.Sprintf("dg-%d", i), Since: t0.Add(-time.Hour), At: t0})
			if err != nil {
				t.Errorf("ClaimDigest: %v", err)
				return
			}
			if len(got) == 2 && got[0].ID != "d2" {
				t.Errorf("order = %v, want most recent first", ids(got))
			}
			mu.Lock()
			total += len(got)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 2 {
		t.Errorf("claimed %d notifications across builds, want 2", total)
	}
	got, _, _ := s.Get(ctx, "d1")
	if got.State != triage.StateArchived || got.DigestID == "" {
		t.Errorf("d1 state=%q digest=%q, want archived with digest id", got.State, got.DigestID)
	}
	got, _, _ = s.Get(ctx, "old")
	if got.State != triage.StatePending {
		t.Errorf("entry outside window state = %q, want pending", got.State)
	}
}

func TestStore_ExpireAndPurge(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	stale := record("stale", "Teams", triage.VerdictDigest, triage.StatePending, t0.Add(-30*time.Hour))
	done := record("done", "Teams", triage.VerdictSurface, triage.StateArchived, t0.Add(-10*24*time.Hour))
	done.Feedback = []triage.Feedback{{ID: "f-done", Text: "x", CreatedAt: t0}}
	mustInsert(t, s, stale)
	mustInsert(t, s, record("fresh", "Teams", triage.VerdictDigest, triage.StatePending, t0))
	mustInsert(t, s, done)

	n, err := s.Expire(ctx, t0.Add(-24*time.Hour), t0)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}

	n, err = s.Purge(ctx, t0.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, ok, _ := s.Get(ctx, "done"); ok {
		t.Error("expected archived entry to be purged")
	}

	var orphans int
	if err := s.db.Get(&orphans, "SELECT COUNT(*) FROM feedback WHERE notification_id = 'done'"); err != nil {
		t.Fatalf("count feedback: %v", err)
	}
	if orphans != 0 {
		t.Errorf("feedback rows left after purge = %d", orphans)
	}
}

func TestStore_Stats(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, record("a", "Teams", triage.VerdictDigest, triage.StatePending, t0))
	mustInsert(t, s, record("b", "Teams", triage.VerdictSurface, triage.StateSurfaced, t0))
	mustInsert(t, s, record("c", "Outlook", triage.VerdictDigest, triage.StatePending, t0.Add(-3*time.Hour)))

	st, err := s.Stats(ctx, t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 2 {
		t.Errorf("Total = %d, want 2", st.Total)
	}
	if st.ByApp["Teams"] != 2 {
		t.Errorf("ByApp[Teams] = %d, want 2", st.ByApp["Teams"])
	}
	if st.ByVerdict[triage.VerdictDigest] != 1 || st.ByState[triage.StateSurfaced] != 1 {
		t.Errorf("ByVerdict = %v ByState = %v", st.ByVerdict, st.ByState)
	}
	if len(st.TopSenders) != 1 || st.TopSenders[0].Sender != "Bob" || st.TopSenders[0].Count != 2 {
		t.Errorf("TopSenders = %+v", st.TopSenders)
	}
	if st.Pending != 1 || !st.OldestPending.Equal(t0) {
		t.Errorf("Pending = %d oldest = %v", st.Pending, st.OldestPending)
	}

	all, err := s.Stats(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Stats(all): %v", err)
	}
	if all.Total != 3 {
		t.Errorf("Total(all) = %d, want 3", all.Total)
	}
}

func TestStore_PolicyOpsAreIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	apply := func(op triage.PolicyOp) bool {
		t.Helper()
		changed, err := s.ApplyPolicyOp(ctx, op)
		if err != nil {
			t.Fatalf("ApplyPolicyOp(%s): %v", op.Kind, err)
		}
		return changed
	}

	if !apply(triage.PolicyOp{Kind: triage.OpAddVIP, Target: "Alice Chen"}) {
		t.Error("first add should change the policy")
	}
	if apply(triage.PolicyOp{Kind: triage.OpAddVIP, Target: "alice  CHEN"}) {
		t.Error("case-insensitive duplicate add should not change the policy")
	}
	if apply(triage.PolicyOp{Kind: triage.OpRemoveKeyword, Target: "deadline"}) {
		t.Error("removing an absent keyword should not change the policy")
	}
	if apply(triage.PolicyOp{Kind: triage.OpUnmuteApp, Target: "Slack"}) {
		t.Error("unmuting an unknown app should not change the policy")
	}
	if !apply(triage.PolicyOp{Kind: triage.OpAddSuppressPattern, Target: "newsletter"}) {
		t.Error("adding a suppress pattern should change the policy")
	}
	if !apply(triage.PolicyOp{Kind: triage.OpRemoveSuppressPattern, Target: "NEWSLETTER"}) {
		t.Error("removing a suppress pattern should change the policy")
	}

	p, err := s.LoadPolicy(ctx)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if p.Version != 3 {
		t.Errorf("Version = %d, want 3", p.Version)
	}
	if len(p.VIPSenders) != 1 || p.VIPSenders[0] != "Alice Chen" {
		t.Errorf("VIPSenders = %v", p.VIPSenders)
	}
	if len(p.SuppressPatterns) != 0 {
		t.Errorf("SuppressPatterns = %v", p.SuppressPatterns)
	}
}

func TestStore_AppRulesRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	until := t0.Add(time.Hour)
	if _, err := s.ApplyPolicyOp(ctx, triage.PolicyOp{Kind: triage.OpMuteApp, Target: "Slack", Until: until}); err != nil {
		t.Fatalf("mute: %v", err)
	}

	rule := triage.AppRule{App: "Slack", Ingest: true, DefaultAction: triage.ActionSummarize, EscalateKeywords: []string{"outage"}}
	changed, err := s.ApplyPolicyOp(ctx, triage.PolicyOp{Kind: triage.OpSetAppRule, Target: "Slack", Rule: &rule})
	if err != nil || !changed {
		t.Fatalf("set rule: changed=%v err=%v", changed, err)
	}

	p, _ := s.LoadPolicy(ctx)
	got := p.Rule("slack")
	if !got.Muted || !got.MuteUntil.Equal(until) {
		t.Errorf("rule = %+v, want mute preserved", got)
	}
	if got.DefaultAction != triage.ActionSummarize || len(got.EscalateKeywords) != 1 {
		t.Errorf("rule = %+v", got)
	}

	changed, _ = s.ApplyPolicyOp(ctx, triage.PolicyOp{Kind: triage.OpSetAppRule, Target: "Slack", Rule: &rule})
	if changed {
		t.Error("re-applying the same rule should not change the policy")
	}

	changed, _ = s.ApplyPolicyOp(ctx, triage.PolicyOp{Kind: triage.OpUnmuteApp, Target: "SLACK"})
	if !changed {
		t.Error("unmute should change the policy")
	}
	p, _ = s.LoadPolicy(ctx)
	if got := p.Rule("Slack"); got.Muted || !got.MuteUntil.IsZero() {
		t.Errorf("rule after unmute = %+v", got)
	}

	if _, err := s.ApplyPolicyOp(ctx, triage.PolicyOp{Kind: triage.OpMuteApp, Target: "Teams"}); err != nil {
		t.Fatalf("indefinite mute: %v", err)
	}
	p, _ = s.LoadPolicy(ctx)
	if got := p.Rule("teams"); !got.Muted || !got.MuteUntil.IsZero() || !got.MutedAt(t0.AddDate(1, 0, 0)) {
		t.Errorf("indefinite mute = %+v", got)
	}
}

func TestStore_DigestSchedule(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	sched := []triage.ScheduleEntry{{Time: "09:00", Label: "morning"}, {Time: "17:30", Label: "evening"}}

	changed, err := s.ApplyPolicyOp(ctx, triage.PolicyOp{Kind: triage.OpSetDigestSchedule, Schedule: sched})
	if err != nil || !changed {
		t.Fatalf("set schedule: changed=%v err=%v", changed, err)
	}
	changed, _ = s.ApplyPolicyOp(ctx, triage.PolicyOp{Kind: triage.OpSetDigestSchedule, Schedule: sched})
	if changed {
		t.Error("same schedule should not change the policy")
	}

	p, _ := s.LoadPolicy(ctx)
	if len(p.DigestSchedule) != 2 || p.DigestSchedule[1] != sched[1] {
		t.Errorf("DigestSchedule = %+v", p.DigestSchedule)
	}
	if p.Version != 1 {
		t.Errorf("Version = %d, want 1", p.Version)
	}
}

func TestStore_UnknownPolicyOp(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, err := s.ApplyPolicyOp(context.Background(), triage.PolicyOp{Kind: "explode"})
	var ve *triage.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hush.db")
	ctx := context.Background()

	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustInsert(t, s, record("n-1", "Teams", triage.VerdictDigest, triage.StatePending, t0))
	if _, err := s.ApplyPolicyOp(ctx, triage.PolicyOp{Kind: triage.OpAddVIP, Target: "Alice"}); err != nil {
		t.Fatalf("ApplyPolicyOp: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if _, ok, _ := s.Get(ctx, "n-1"); !ok {
		t.Error("notification lost across reopen")
	}
	p, _ := s.LoadPolicy(ctx)
	if len(p.VIPSenders) != 1 || p.Version != 1 {
		t.Errorf("policy after reopen = %+v", p)
	}
	v, err := s.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("schema version = %d, want %d", v, len(migrations))
	}
}

func TestStore_UpgradesFromFirstSchema(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hush.db")
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec(migrations[0].sql); err != nil {
		t.Fatalf("v1 schema: %v", err)
	}
	_, err = db.Exec(`INSERT INTO notifications
		(id, app, app_key, sender, sender_key, title, body, received_at, verdict, rationale, state, digest_id, updated_at)
		VALUES ('legacy', 'Teams', 'teams', 'Bob', 'bob', 't', 'b', ?, 'digest', 'r', 'pending', '', ?)`,
		t0.UnixNano(), t0.UnixNano())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	db.Close()

	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	got, ok, err := s.Get(context.Background(), "legacy")
	if err != nil || !ok {
		t.Fatalf("Get legacy: ok=%v err=%v", ok, err)
	}
	if got.ConversationHint != "" || got.App != "Teams" {
		t.Errorf("legacy row = %+v", got)
	}
}

func TestStore_PolicyVersion(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	if v, err := s.PolicyVersion(ctx); err != nil || v != 0 {
		t.Fatalf("fresh PolicyVersion = %d, %v; want 0", v, err)
	}
	_, _ = s.ApplyPolicyOp(ctx, triage.PolicyOp{Kind: triage.OpAddVIP, Target: "Alice"})
	_, _ = s.ApplyPolicyOp(ctx, triage.PolicyOp{Kind: triage.OpAddVIP, Target: "alice"})
	if v, _ := s.PolicyVersion(ctx); v != 1 {
		t.Errorf("PolicyVersion = %d, want 1", v)
	}
}

// A running daemon and a CLI invocation each open their own connection to
// the same database file.
func TestStore_PolicyEditsVisibleAcrossConnections(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hush.db")
	open := func() *triage.Service {
		s, err := New(path)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return triage.NewService(s, nil, log.Nop(), triage.Options{})
	}
	daemon, cli := open(), open()
	ctx := context.Background()

	vip := triage.RawNotification{App: "Teams", Sender: "Alice Chen", Body: "got a minute?"}
	if d, err := daemon.Classify(ctx, vip); err != nil || d.Verdict != triage.VerdictDigest {
		t.Fatalf("before edit: %+v, %v; want digest", d, err)
	}

	if _, err := cli.ManagePolicy(ctx, triage.PolicyOp{Kind: triage.OpAddVIP, Target: "Alice Chen"}); err != nil {
		t.Fatalf("add_vip: %v", err)
	}
	if d, _ := daemon.Classify(ctx, vip); d.Verdict != triage.VerdictSurface {
		t.Errorf("after add_vip: verdict = %s (%s), want surface", d.Verdict, d.Rationale)
	}

	if _, err := cli.ManagePolicy(ctx, triage.PolicyOp{Kind: triage.OpMuteApp, Target: "Teams"}); err != nil {
		t.Fatalf("mute_app: %v", err)
	}
	if d, _ := daemon.Classify(ctx, vip); d.Verdict != triage.VerdictSuppress || d.Rationale != triage.RationaleMuted {
		t.Errorf("after mute_app: %s (%s), want suppress (app muted)", d.Verdict, d.Rationale)
	}

	p, err := daemon.Policy(ctx)
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if p.Version != 2 || len(p.VIPSenders) != 1 {
		t.Errorf("daemon policy version = %d vips = %v, want 2 and [Alice Chen]", p.Version, p.VIPSenders)
	}
}

func TestStore_LoadPolicyConsistentUnderConcurrentWrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hush.db")
	writer, err := New(path)
	if err != nil {
		t.Fatalf("New writer: %v", err)
	}
	t.Cleanup(func() { writer.Close() })
	reader, err := New(path)
	if err != nil {
		t.Fatalf("New reader: %v", err)
	}
	t.Cleanup(func() { reader.Close() })
	ctx := context.Background()

	const adds = 50
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range adds {
			if _, err := writer.ApplyPolicyOp(ctx, triage.PolicyOp{Kind: triage.OpAddVIP, Target: fmt.Sprintf("vip-%d", i)}); err != nil {
				t.Errorf("ApplyPolicyOp: %v", err)
				return
			}
		}
	}()

	// every add bumps the version once, so a consistent read has one VIP per version
	for {
		p, err := reader.LoadPolicy(ctx)
		if err != nil {
			t.Fatalf("LoadPolicy: %v", err)
		}
		if int64(len(p.VIPSenders)) != p.Version {
			t.Fatalf("torn read: version %d with %d VIPs", p.Version, len(p.VIPSenders))
		}
		select {
		case <-done:
			return
		default:
		}
	}
}
