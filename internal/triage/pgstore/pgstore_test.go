package pgstore_test

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/hush/internal/postgres"
	"github.com/linnemanlabs/hush/internal/triage"
	"github.com/linnemanlabs/hush/internal/triage/pgstore"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// openStore gives each test its own schema so tests can run against a
// shared database without seeing each other's rows.
func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("HUSH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("HUSH_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()

	admin, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(admin.Close)

	schemaName := "hush_test_" + strings.ToLower(ulid.Make().String())
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schemaName); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schemaName+" CASCADE")
	})

	u, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	q := u.Query()
	q.Set("search_path", schemaName)
	u.RawQuery = q.Encode()

	pool, err := postgres.NewPool(ctx, u.String(), postgres.PoolOptions{MaxConns: 8})
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)

	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func record(id, app string, v triage.Verdict, st triage.State, at time.Time) *triage.Notification {
	return &triage.Notification{
		ID: id, App: app, Sender: "Bob", Title: "hi", Body: "body",
		Verdict: v, Rationale: "test", State: st, ReceivedAt: at, UpdatedAt: at,
	}
}

func mustInsert(t *testing.T, s *pgstore.Store, n *triage.Notification) {
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

func TestInsertAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	n := record("n-1", "Teams", triage.VerdictDigest, triage.StatePending, t0)
	n.ConversationHint = "thread-7"
	n.Feedback = []triage.Feedback{{
		ID: "f-1", Text: "Bob matters", CreatedAt: t0,
		Proposal: &triage.PolicyOp{Kind: triage.OpAddVIP, Target: "Bob"},
	}}
	mustInsert(t, s, n)

	got, ok, err := s.Get(ctx, "n-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}
	assertEqual(t, "App", n.App, got.App)
	assertEqual(t, "Sender", n.Sender, got.Sender)
	assertEqual(t, "ConversationHint", n.ConversationHint, got.ConversationHint)
	assertEqual(t, "Verdict", string(n.Verdict), string(got.Verdict))
	assertEqual(t, "State", string(n.State), string(got.State))
	if !got.ReceivedAt.Equal(t0) {
		t.Errorf("ReceivedAt = %v, want %v", got.ReceivedAt, t0)
	}
	if len(got.Feedback) != 1 || got.Feedback[0].Proposal == nil || got.Feedback[0].Proposal.Target != "Bob" {
		t.Errorf("Feedback = %+v", got.Feedback)
	}

	if err := s.Insert(ctx, n); err == nil {
		t.Error("expected duplicate insert to fail")
	}
	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Errorf("Get missing: ok=%v err=%v", ok, err)
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	mustInsert(t, s, record("a", "Teams", triage.VerdictDigest, triage.StatePending, t0))
	mustInsert(t, s, record("b", "Outlook", triage.VerdictSurface, triage.StateSurfaced, t0.Add(time.Minute)))
	mustInsert(t, s, record("c", "teams", triage.VerdictDigest, triage.StatePending, t0.Add(2*time.Minute)))
	mustInsert(t, s, record("old", "Teams", triage.VerdictDigest, triage.StatePending, t0.Add(-48*time.Hour)))

	got, err := s.List(ctx, triage.Filter{App: "TEAMS", Since: t0.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Errorf("got %v, want [c a]", ids(got))
	}

	got, _ = s.List(ctx, triage.Filter{Limit: 1, Offset: 1})
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("paged = %v, want [b]", ids(got))
	}

	got, _ = s.List(ctx, triage.Filter{View: triage.ViewExpired, StaleBefore: t0.Add(-24 * time.Hour)})
	if len(got) != 1 || got[0].ID != "old" {
		t.Errorf("expired view = %v, want [old]", ids(got))
	}
}

func TestUpdateAppendsFeedback(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	mustInsert(t, s, record("n-1", "Teams", triage.VerdictDigest, triage.StatePending, t0))

	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.Update(ctx, "n-1", func(n *triage.Notification) error {
				n.UpdatedAt = t0.Add(time.Minute)
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
	if len(got.Feedback) != 5 {
		t.Errorf("Feedback len = %d, want 5", len(got.Feedback))
	}

	_, ok, err := s.Update(ctx, "n-1", func(*triage.Notification) error { return fmt.Errorf("abort") })
	if err == nil || !ok {
		t.Errorf("aborted update: ok=%v err=%v", ok, err)
	}
}

func TestClaimDigestIsExclusive(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	mustInsert(t, s, record("d1", "Teams", triage.VerdictDigest, triage.StatePending, t0))
	mustInsert(t, s, record("d2", "Slack", triage.VerdictDigest, triage.StatePending, t0))
	mustInsert(t, s, record("s1", "Teams", triage.VerdictSurface, triage.StatePending, t0))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.ClaimDigest(ctx, triage.DigestClaim{DigestID: fmt.Sprintf("dg-%d", i), At: t0})
			if err != nil {
				t.Errorf("ClaimDigest: %v", err)
				return
			}
			mu.Lock()
			total += len(got)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 2 {
		t.Errorf("claimed %d across builds, want 2", total)
	}
}

func TestExpirePurgeAndStats(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	mustInsert(t, s, record("stale", "Teams", triage.VerdictDigest, triage.StatePending, t0.Add(-30*time.Hour)))
	mustInsert(t, s, record("fresh", "Teams", triage.VerdictDigest, triage.StatePending, t0))
	mustInsert(t, s, record("done", "Outlook", triage.VerdictSurface, triage.StateArchived, t0.Add(-10*24*time.Hour)))

	st, err := s.Stats(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	assertEqual(t, "Total", 3, st.Total)
	assertEqual(t, "Pending", 2, st.Pending)
	if !st.OldestPending.Equal(t0.Add(-30 * time.Hour)) {
		t.Errorf("OldestPending = %v", st.OldestPending)
	}

	n, err := s.Expire(ctx, t0.Add(-24*time.Hour), t0)
	if err != nil || n != 1 {
		t.Errorf("Expire = %d, %v; want 1", n, err)
	}
	n, err = s.Purge(ctx, t0.Add(-7*24*time.Hour))
	if err != nil || n != 1 {
		t.Errorf("Purge = %d, %v; want 1", n, err)
	}
}

func TestPolicyOps(t *testing.T) {
	s := openStore(t)
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
		t.Error("first add should change")
	}
	if apply(triage.PolicyOp{Kind: triage.OpAddVIP, Target: "ALICE chen"}) {
		t.Error("duplicate add should not change")
	}
	until := t0.Add(time.Hour)
	apply(triage.PolicyOp{Kind: triage.OpMuteApp, Target: "Slack", Until: until})
	rule := triage.AppRule{App: "Slack", Ingest: true, DefaultAction: triage.ActionSummarize}
	apply(triage.PolicyOp{Kind: triage.OpSetAppRule, Target: "Slack", Rule: &rule})
	sched := []triage.ScheduleEntry{{Time: "09:00", Label: "morning"}}
	apply(triage.PolicyOp{Kind: triage.OpSetDigestSchedule, Schedule: sched})
	if apply(triage.PolicyOp{Kind: triage.OpSetDigestSchedule, Schedule: sched}) {
		t.Error("same schedule should not change")
	}

	p, err := s.LoadPolicy(ctx)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	assertEqual(t, "Version", int64(4), p.Version)
	if len(p.VIPSenders) != 1 || p.VIPSenders[0] != "Alice Chen" {
		t.Errorf("VIPSenders = %v", p.VIPSenders)
	}
	r := p.Rule("slack")
	if !r.Muted || !r.MuteUntil.Equal(until) || r.DefaultAction != triage.ActionSummarize {
		t.Errorf("rule = %+v", r)
	}
	if len(p.DigestSchedule) != 1 || p.DigestSchedule[0] != sched[0] {
		t.Errorf("DigestSchedule = %+v", p.DigestSchedule)
	}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %v, got %v", field, want, got)
	}
}
