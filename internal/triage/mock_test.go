package triage

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"
)

var errStoreDown = errors.New("connection refused")

// mockStore implements Store for testing.
type mockStore struct {
	mu       sync.Mutex
	items    map[string]*Notification
	policy   *Policy
	loads    int
	loadErr  error
	applyErr error
	writeErr error
	// failUpdate fails Update for these ids with writeErr.
	failUpdate map[string]bool
	// updateErr fails every Update.
	updateErr error
	// versionReads counts PolicyVersion calls.
	versionReads int
}

func newMockStore() *mockStore {
	return &mockStore{
		items:      make(map[string]*Notification),
		policy:     NewPolicy(),
		failUpdate: make(map[string]bool),
	}
}

func (m *mockStore) Insert(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.items[n.ID] = n.Clone()
	return nil
}

func (m *mockStore) Get(_ context.Context, id string) (*Notification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return nil, false, nil
	}
	return n.Clone(), true, nil
}

func (m *mockStore) List(_ context.Context, f Filter) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Notification
	for _, n := range m.items {
		if f.Match(n) {
			out = append(out, n.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Notification) int {
		return cmp.Or(b.ReceivedAt.Compare(a.ReceivedAt), strings.Compare(b.ID, a.ID))
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *mockStore) Update(_ context.Context, id string, fn UpdateFunc) (*Notification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdate[id] {
		return nil, false, m.writeErr
	}
	if m.updateErr != nil {
		return nil, false, m.updateErr
	}
	cur, ok := m.items[id]
	if !ok {
		return nil, false, nil
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, true, err
	}
	m.items[id] = next
	return next.Clone(), true, nil
}

func (m *mockStore) ClaimDigest(_ context.Context, c DigestClaim) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return nil, m.writeErr
	}
	var out []*Notification
	for _, n := range m.items {
		if n.State != StatePending || n.Verdict != VerdictDigest {
			continue
		}
		if !c.Since.IsZero() && n.ReceivedAt.Before(c.Since) {
			continue
		}
		n.State, n.DigestID, n.UpdatedAt = StateArchived, c.DigestID, c.At
		out = append(out, n.Clone())
	}
	return out, nil
}

func (m *mockStore) Expire(_ context.Context, cutoff, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.items {
		if n.State == StatePending && n.ReceivedAt.Before(cutoff) {
			n.State, n.UpdatedAt = StateExpired, at
			count++
		}
	}
	return count, nil
}

func (m *mockStore) Purge(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, n := range m.items {
		if (n.State == StateArchived || n.State == StateExpired) && n.ReceivedAt.Before(cutoff) {
			delete(m.items, id)
			count++
		}
	}
	return count, nil
}

func (m *mockStore) Stats(_ context.Context, since time.Time) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*Notification
	for _, n := range m.items {
		items = append(items, n)
	}
	return ComputeStats(items, since), nil
}

func (m *mockStore) LoadPolicy(_ context.Context) (*Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.policy.Clone(), nil
}

func (m *mockStore) PolicyVersion(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versionReads++
	if m.loadErr != nil {
		return 0, m.loadErr
	}
	return m.policy.Version, nil
}

func (m *mockStore) ApplyPolicyOp(_ context.Context, op PolicyOp) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return false, m.applyErr
	}
	p := m.policy
	var changed bool
	switch op.Kind {
	case OpAddVIP:
		p.VIPSenders, changed = mockAdd(p.VIPSenders, op.Target)
	case OpRemoveVIP:
		p.VIPSenders, changed = mockRemove(p.VIPSenders, op.Target)
	case OpAddKeyword:
		p.PriorityKeywords, changed = mockAdd(p.PriorityKeywords, op.Target)
	case OpRemoveKeyword:
		p.PriorityKeywords, changed = mockRemove(p.PriorityKeywords, op.Target)
	case OpAddSuppressPattern:
		p.SuppressPatterns, changed = mockAdd(p.SuppressPatterns, op.Target)
	case OpRemoveSuppressPattern:
		p.SuppressPatterns, changed = mockRemove(p.SuppressPatterns, op.Target)
	case OpMuteApp:
		r := p.Rule(op.Target)
		r.Muted, r.MuteUntil = true, op.Until
		p.AppRules[Fold(op.Target)] = r
		changed = true
	case OpUnmuteApp:
		if r, ok := p.AppRules[Fold(op.Target)]; ok && r.Muted {
			r.Muted, r.MuteUntil = false, time.Time{}
			p.AppRules[Fold(op.Target)] = r
			changed = true
		}
	case OpSetAppRule:
		p.AppRules[Fold(op.Target)] = op.Rule.clone()
		changed = true
	case OpSetDigestSchedule:
		p.DigestSchedule = slices.Clone(op.Schedule)
		changed = true
	}
	if changed {
		p.Version++
	}
	return changed, nil
}

func (m *mockStore) setLoadErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

func (m *mockStore) versionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versionReads
}

func (m *mockStore) loadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

func mockAdd(list []string, v string) ([]string, bool) {
	if slices.ContainsFunc(list, func(s string) bool { return equalFold(s, v) }) {
		return list, false
	}
	return append(list, v), true
}

func mockRemove(list []string, v string) ([]string, bool) {
	out := slices.DeleteFunc(slices.Clone(list), func(s string) bool { return equalFold(s, v) })
	return out, len(out) != len(list)
}

// fakeClock is a settable Options.Now.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeNotifier records delivered toasts.
type fakeNotifier struct {
	mu     sync.Mutex
	toasts []Toast
	err    error
}

func (f *fakeNotifier) Send(_ context.Context, t Toast) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.toasts = append(f.toasts, t)
	return nil
}

func (f *fakeNotifier) sent() []Toast {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.toasts)
}
