// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/hush/internal/triage"
)

// Store holds the ledger and policy in memory. Suitable for dev/testing.
type Store struct {
	mu            sync.RWMutex
	notifications map[string]*triage.Notification
	policy        *triage.Policy
}

// New initializes a new in-memory Store with an empty policy.
func New() *Store {
	return &Store{
		notifications: make(map[string]*triage.Notification),
		policy:        triage.NewPolicy(),
	}
}

// Insert stores a copy of n. Ids are unique for the life of the store.
func (s *Store) Insert(_ context.Context, n *triage.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[n.ID]; ok {
		return fmt.Errorf("memstore: duplicate notification id %q", n.ID)
	}
	s.notifications[n.ID] = n.Clone()
	return nil
}

// Get retrieves a notification by id. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*triage.Notification, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, false, nil
	}
	return n.Clone(), true, nil
}

// List returns copies of matching notifications, most recent first.
func (s *Store) List(_ context.Context, f triage.Filter) ([]*triage.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*triage.Notification, 0)
	for _, n := range s.notifications {
		if f.Match(n) {
			out = append(out, n.Clone())
		}
	}
	sortRecentFirst(out)

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return out[:0], nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Update applies fn to a copy under the write lock and stores the copy
// only if fn succeeds.
func (s *Store) Update(_ context.Context, id string, fn triage.UpdateFunc) (*triage.Notification, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.notifications[id]
	if !ok {
		return nil, false, nil
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, true, err
	}
	s.notifications[id] = next
	return next.Clone(), true, nil
}

// ClaimDigest archives and returns pending digest entries since c.Since.
func (s *Store) ClaimDigest(_ context.Context, c triage.DigestClaim) ([]*triage.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*triage.Notification, 0)
	for _, n := range s.notifications {
		if n.State != triage.StatePending || n.Verdict != triage.VerdictDigest {
			continue
		}
		if !c.Since.IsZero() && n.ReceivedAt.Before(c.Since) {
			continue
		}
		n.State = triage.StateArchived
		n.DigestID = c.DigestID
		n.UpdatedAt = c.At
		out = append(out, n.Clone())
	}
	sortRecentFirst(out)
	return out, nil
}

// Expire marks pending entries received before cutoff as expired.
func (s *Store) Expire(_ context.Context, cutoff, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.notifications {
		if n.State == triage.StatePending && n.ReceivedAt.Before(cutoff) {
			n.State = triage.StateExpired
			n.UpdatedAt = at
			count++
		}
	}
	return count, nil
}

// Purge deletes archived and expired entries received before cutoff.
func (s *Store) Purge(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, n := range s.notifications {
		if (n.State == triage.StateArchived || n.State == triage.StateExpired) && n.ReceivedAt.Before(cutoff) {
			delete(s.notifications, id)
			count++
		}
	}
	return count, nil
}

// Stats aggregates notifications received at or after since.
func (s *Store) Stats(_ context.Context, since time.Time) (*triage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]*triage.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		items = append(items, n)
	}
	return triage.ComputeStats(items, since), nil
}

// LoadPolicy returns a copy of the stored policy.
func (s *Store) LoadPolicy(_ context.Context) (*triage.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy.Clone(), nil
}

// PolicyVersion returns the stored policy version.
func (s *Store) PolicyVersion(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy.Version, nil
}

// ApplyPolicyOp mutates the stored policy. The version increments only
// when something changed.
func (s *Store) ApplyPolicyOp(_ context.Context, op triage.PolicyOp) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.policy
	var changed bool
	switch op.Kind {
	case triage.OpAddVIP:
		p.VIPSenders, changed = addFolded(p.VIPSenders, op.Target)
	case triage.OpRemoveVIP:
		p.VIPSenders, changed = removeFolded(p.VIPSenders, op.Target)
	case triage.OpAddKeyword:
		p.PriorityKeywords, changed = addFolded(p.PriorityKeywords, op.Target)
	case triage.OpRemoveKeyword:
		p.PriorityKeywords, changed = removeFolded(p.PriorityKeywords, op.Target)
	case triage.OpAddSuppressPattern:
		p.SuppressPatterns, changed = addFolded(p.SuppressPatterns, op.Target)
	case triage.OpRemoveSuppressPattern:
		p.SuppressPatterns, changed = removeFolded(p.SuppressPatterns, op.Target)
	case triage.OpMuteApp, triage.OpUnmuteApp, triage.OpSetAppRule:
		key := triage.Fold(op.Target)
		prev, ok := p.AppRules[key]
		var next triage.AppRule
		if next, changed = triage.NextAppRule(prev, ok, op); changed {
			p.AppRules[key] = next
		}
	case triage.OpSetDigestSchedule:
		if !slices.Equal(p.DigestSchedule, op.Schedule) {
			p.DigestSchedule = slices.Clone(op.Schedule)
			changed = true
		}
	default:
		return false, &triage.ValidationError{Field: "operation", Reason: fmt.Sprintf("unknown operation %q", op.Kind)}
	}
	if changed {
		p.Version++
	}
	return changed, nil
}

func addFolded(list []string, v string) ([]string, bool) {
	f := triage.Fold(v)
	if slices.ContainsFunc(list, func(s string) bool { return triage.Fold(s) == f }) {
		return list, false
	}
	return append(list, strings.TrimSpace(v)), true
}

func removeFolded(list []string, v string) ([]string, bool) {
	f := triage.Fold(v)
	out := slices.DeleteFunc(list, func(s string) bool { return triage.Fold(s) == f })
	return out, len(out) != len(list)
}

func sortRecentFirst(ns []*triage.Notification) {
	slices.SortFunc(ns, func(a, b *triage.Notification) int {
		return cmp.Or(b.ReceivedAt.Compare(a.ReceivedAt), strings.Compare(b.ID, a.ID))
	})
}
