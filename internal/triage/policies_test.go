package triage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

func newTestPolicies(store PolicyStore, clock *fakeClock, hooks Hooks) *Policies {
	return NewPolicies(store, log.Nop(), Options{Now: clock.Now, Hooks: hooks})
}

func TestPolicies_ApplyIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	pols := newTestPolicies(store, newFakeClock(), Hooks{})
	ctx := context.Background()

	first, err := pols.Apply(ctx, PolicyOp{Kind: OpAddVIP, Target: "Alice Chen"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !first.Changed || first.Version != 1 {
		t.Errorf("first = %+v, want changed at version 1", first)
	}

	again, err := pols.Apply(ctx, PolicyOp{Kind: OpAddVIP, Target: "alice chen"})
	if err != nil {
		t.Fatalf("Apply again: %v", err)
	}
	if again.Changed || again.Version != 1 {
		t.Errorf("again = %+v, want unchanged at version 1", again)
	}
	if again.Message != `added "alice chen" to VIP senders (no change)` {
		t.Errorf("Message = %q", again.Message)
	}

	gone, err := pols.Apply(ctx, PolicyOp{Kind: OpRemoveVIP, Target: "Nobody"})
	if err != nil {
		t.Fatalf("remove absent: %v", err)
	}
	if gone.Changed {
		t.Error("removing an absent VIP reported a change")
	}

	snap, _ := pols.Snapshot(ctx)
	if len(snap.VIPSenders) != 1 {
		t.Errorf("VIPSenders = %v", snap.VIPSenders)
	}
}

func TestPolicies_SnapshotIsCachedUntilEdit(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	pols := newTestPolicies(store, newFakeClock(), Hooks{})
	ctx := context.Background()

	a, _ := pols.Snapshot(ctx)
	b, _ := pols.Snapshot(ctx)
	if a != b {
		t.Error("expected the same cached snapshot")
	}
	if n := store.loadCount(); n != 1 {
		t.Errorf("loads = %d, want 1", n)
	}

	_, _ = pols.Apply(ctx, PolicyOp{Kind: OpAddKeyword, Target: "deadline"})
	c, _ := pols.Snapshot(ctx)
	if c == a {
		t.Error("expected a new snapshot after an edit")
	}
	if len(a.PriorityKeywords) != 0 {
		t.Error("old snapshot was mutated by the edit")
	}
	if len(c.PriorityKeywords) != 1 {
		t.Errorf("PriorityKeywords = %v", c.PriorityKeywords)
	}
}

func TestPolicies_SnapshotSeesEditsFromOtherWriters(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	pols := newTestPolicies(store, newFakeClock(), Hooks{})
	other := newTestPolicies(store, newFakeClock(), Hooks{})
	ctx := context.Background()

	before, _ := pols.Snapshot(ctx)
	if _, err := other.Apply(ctx, PolicyOp{Kind: OpAddVIP, Target: "Alice Chen"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	after, err := pols.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if after == before || after.Version != 1 || len(after.VIPSenders) != 1 {
		t.Errorf("snapshot version = %d vips = %v, want the other writer's edit", after.Version, after.VIPSenders)
	}
	if n := store.versionCount(); n == 0 {
		t.Error("cached snapshot served without checking the store version")
	}
}

func TestPolicies_VersionCheckFailureServesCache(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	clock := newFakeClock()
	var degraded atomic.Int32
	pols := newTestPolicies(store, clock, Hooks{OnPolicyDegraded: func() { degraded.Add(1) }})
	ctx := context.Background()

	cached, _ := pols.Snapshot(ctx)
	store.setLoadErr(errStoreDown)
	got, err := pols.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got != cached || degraded.Load() != 1 {
		t.Errorf("got cached = %v degraded = %d, want the cached snapshot once degraded", got == cached, degraded.Load())
	}

	// inside the backoff window the store is not asked again
	reads := store.versionCount()
	_, _ = pols.Snapshot(ctx)
	if store.versionCount() != reads {
		t.Error("version re-read inside backoff window")
	}
}

func TestPolicies_InvalidOpDoesNotTouchStore(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	var results []string
	pols := newTestPolicies(store, newFakeClock(), Hooks{
		OnPolicyOp: func(kind OpKind, result string) { results = append(results, string(kind)+":"+result) },
	})

	_, err := pols.Apply(context.Background(), PolicyOp{Kind: "rm_rf", Target: "x"})
	if !IsValidation(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if store.policy.Version != 0 {
		t.Error("store was modified")
	}
	if len(results) != 1 || results[0] != "unknown:invalid" {
		t.Errorf("hook results = %v", results)
	}
}

func TestPolicies_DegradedReadUsesCache(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.policy.VIPSenders = []string{"Alice Chen"}
	clock := newFakeClock()
	var degraded atomic.Int32
	pols := newTestPolicies(store, clock, Hooks{OnPolicyDegraded: func() { degraded.Add(1) }})
	ctx := context.Background()

	if _, err := pols.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	store.setLoadErr(errStoreDown)
	snap, err := pols.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload with cache: %v", err)
	}
	if len(snap.VIPSenders) != 1 {
		t.Errorf("degraded snapshot VIPSenders = %v", snap.VIPSenders)
	}

	// Within the backoff window the store is not retried.
	loads := store.loadCount()
	_, _ = pols.Snapshot(ctx)
	if store.loadCount() != loads {
		t.Error("store retried inside backoff window")
	}
	if degraded.Load() < 2 {
		t.Errorf("degraded hook calls = %d, want >= 2", degraded.Load())
	}

	store.setLoadErr(nil)
	clock.Advance(reloadBackoff + time.Second)
	if _, err := pols.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot after recovery: %v", err)
	}
	if store.loadCount() != loads+1 {
		t.Error("expected a reload after the backoff window")
	}
}

func TestPolicies_NoCacheFailsUnavailable(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.loadErr = errStoreDown
	pols := newTestPolicies(store, newFakeClock(), Hooks{})

	_, err := pols.Snapshot(context.Background())
	if !IsUnavailable(err) {
		t.Fatalf("err = %v, want StoreUnavailableError", err)
	}
}

func TestPolicies_WriteFailsLoudly(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.applyErr = errStoreDown
	pols := newTestPolicies(store, newFakeClock(), Hooks{})

	_, err := pols.Apply(context.Background(), PolicyOp{Kind: OpAddVIP, Target: "Alice"})
	if !IsUnavailable(err) {
		t.Fatalf("err = %v, want StoreUnavailableError", err)
	}
}

func TestPolicies_CommittedEditSurvivesRefreshFailure(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	pols := newTestPolicies(store, newFakeClock(), Hooks{})
	ctx := context.Background()
	_, _ = pols.Snapshot(ctx)

	store.setLoadErr(errStoreDown)
	change, err := pols.Apply(ctx, PolicyOp{Kind: OpAddKeyword, Target: "deadline"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !change.Changed {
		t.Error("expected change")
	}

	store.setLoadErr(nil)
	snap, err := pols.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(snap.PriorityKeywords) != 1 {
		t.Errorf("PriorityKeywords = %v, want the committed edit", snap.PriorityKeywords)
	}
}

func TestPolicies_ConcurrentEditsSerialize(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	pols := newTestPolicies(store, newFakeClock(), Hooks{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kw := string(rune('a' + i))
			if _, err := pols.Apply(ctx, PolicyOp{Kind: OpAddKeyword, Target: kw}); err != nil {
				t.Errorf("Apply(%s): %v", kw, err)
			}
			_, _ = pols.Snapshot(ctx)
		}()
	}
	wg.Wait()

	snap, _ := pols.Snapshot(ctx)
	if len(snap.PriorityKeywords) != 20 || snap.Version != 20 {
		t.Errorf("keywords = %d version = %d, want 20/20", len(snap.PriorityKeywords), snap.Version)
	}
}
