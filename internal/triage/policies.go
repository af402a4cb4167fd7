package triage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// reloadBackoff limits how often a stale cache retries an unreachable store.
const reloadBackoff = 5 * time.Second

// Policies owns the triage policy. The store is the source of truth; the
// cached snapshot is swapped whole after each committed edit, so a reader
// sees either the old or the new policy and never a partial edit. Edits
// serialize against each other.
type Policies struct {
	store  PolicyStore
	logger log.Logger
	opts   Options

	mu        sync.Mutex
	cur       atomic.Pointer[Policy]
	stale     atomic.Bool
	nextRetry atomic.Int64
}

// NewPolicies creates a policy owner over store.
func NewPolicies(store PolicyStore, logger log.Logger, opts Options) *Policies {
	if store == nil {
		panic(xerrors.New("policy store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	p := &Policies{store: store, logger: logger, opts: opts.withDefaults()}
	p.stale.Store(true)
	return p
}

// Snapshot returns a consistent read-only policy for one classification.
// The cached snapshot is served only while its version matches the store's,
// so edits committed by another process are seen on the next call. When the
// store is unreachable it returns the last cached snapshot if one exists,
// otherwise a StoreUnavailableError.
func (p *Policies) Snapshot(ctx context.Context) (*Policy, error) {
	cur := p.cur.Load()
	if cur != nil && p.opts.Now().UnixNano() < p.nextRetry.Load() {
		p.opts.Hooks.policyDegraded()
		return cur, nil
	}
	if cur == nil || p.stale.Load() {
		return p.reload(ctx, cur)
	}

	version, err := p.version(ctx)
	if err != nil {
		return p.degrade(ctx, cur, err), nil
	}
	if version == cur.Version {
		return cur, nil
	}
	return p.reload(ctx, cur)
}

// Reload forces the next snapshot to be read from the store.
func (p *Policies) Reload(ctx context.Context) (*Policy, error) {
	p.stale.Store(true)
	p.nextRetry.Store(0)
	return p.reload(ctx, nil)
}

// reload reads the policy from the store unless another caller already
// replaced seen with a fresh snapshot while this one waited for the lock.
func (p *Policies) reload(ctx context.Context, seen *Policy) (*Policy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur := p.cur.Load(); cur != nil && cur != seen && !p.stale.Load() {
		return cur, nil
	}

	pol, err := p.load(ctx)
	if err != nil {
		if cur := p.cur.Load(); cur != nil {
			return p.degrade(ctx, cur, err), nil
		}
		return nil, unavailable("load policy", err)
	}
	p.cur.Store(pol)
	p.stale.Store(false)
	return pol, nil
}

// degrade serves cur while the store is unreachable and holds off further
// store reads for reloadBackoff.
func (p *Policies) degrade(ctx context.Context, cur *Policy, err error) *Policy {
	p.nextRetry.Store(p.opts.Now().Add(reloadBackoff).UnixNano())
	p.opts.Hooks.policyDegraded()
	p.logger.Warn(ctx, "policy store unavailable, classifying with cached policy",
		"error", err,
		"policy_version", cur.Version,
	)
	return cur
}

func (p *Policies) version(ctx context.Context) (int64, error) {
	rctx, cancel := readContext(ctx, p.opts.StoreTimeout)
	defer cancel()
	return p.store.PolicyVersion(rctx)
}

func (p *Policies) load(ctx context.Context) (*Policy, error) {
	rctx, cancel := readContext(ctx, p.opts.StoreTimeout)
	defer cancel()
	pol, err := p.store.LoadPolicy(rctx)
	if err != nil {
		return nil, err
	}
	if pol == nil {
		pol = NewPolicy()
	}
	return pol.Seal(p.opts.VIPMatch), nil
}

// Apply validates op, commits it durably and then refreshes the cache.
// Success is reported only after the commit. If the refresh fails the
// cache stays marked stale and the next Snapshot reloads from the store.
func (p *Policies) Apply(ctx context.Context, op PolicyOp) (*PolicyChange, error) {
	if err := op.Validate(p.opts.Now()); err != nil {
		p.opts.Hooks.policyOp(op.Kind, "invalid")
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cctx, cancel := commitContext(ctx, p.opts.StoreTimeout)
	defer cancel()

	changed, err := p.store.ApplyPolicyOp(cctx, op)
	if err != nil {
		p.opts.Hooks.policyOp(op.Kind, "error")
		return nil, unavailable(fmt.Sprintf("apply %s", op.Kind), err)
	}
	p.stale.Store(true)

	change := &PolicyChange{Op: op, Changed: changed, Message: op.Describe()}
	if !changed {
		change.Message += " (no change)"
	}

	pol, err := p.load(cctx)
	if err != nil {
		p.logger.Warn(ctx, "policy committed but cache refresh failed", "op", string(op.Kind), "error", err)
	} else {
		p.cur.Store(pol)
		p.stale.Store(false)
		change.Version = pol.Version
	}

	p.opts.Hooks.policyOp(op.Kind, "ok")
	p.logger.Info(ctx, "policy updated",
		"op", string(op.Kind),
		"target", op.Target,
		"changed", changed,
		"policy_version", change.Version,
	)
	return change, nil
}
