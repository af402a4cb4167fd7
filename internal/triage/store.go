package triage

import (
	"context"
	"time"
)

// UpdateFunc mutates a notification inside a store transaction. Returning
// an error aborts the update with no effect. Feedback entries present when
// fn is called must be kept; stores only persist appended ones.
type UpdateFunc func(n *Notification) error

// DigestClaim selects and consumes digest-eligible entries.
type DigestClaim struct {
	DigestID string
	Since    time.Time
	At       time.Time
}

// LedgerStore is the persistence interface for recorded notifications.
type LedgerStore interface {
	Insert(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id string) (*Notification, bool, error)
	List(ctx context.Context, f Filter) ([]*Notification, error)
	// Update applies fn to the stored record atomically with respect to any
	// other Update or Claim of the same id. ok is false when id is absent.
	Update(ctx context.Context, id string, fn UpdateFunc) (n *Notification, ok bool, err error)
	// ClaimDigest archives every PENDING DIGEST entry received at or after
	// Since in one transaction and returns them, most recent first.
	ClaimDigest(ctx context.Context, c DigestClaim) ([]*Notification, error)
	// Expire marks PENDING entries received before cutoff as EXPIRED.
	Expire(ctx context.Context, cutoff, at time.Time) (int, error)
	// Purge deletes ARCHIVED and EXPIRED entries received before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
	Stats(ctx context.Context, since time.Time) (*Stats, error)
}

// PolicyStore is the persistence interface for the triage policy. Every
// operation must be idempotent: adding an existing entry or removing an
// absent one reports changed=false and no error.
type PolicyStore interface {
	LoadPolicy(ctx context.Context) (*Policy, error)
	// PolicyVersion returns the committed policy version. Callers compare it
	// against a cached snapshot to detect edits made by other processes.
	PolicyVersion(ctx context.Context) (int64, error)
	ApplyPolicyOp(ctx context.Context, op PolicyOp) (changed bool, err error)
}

// Store is a durable backend for both the ledger and the policy.
type Store interface {
	LedgerStore
	PolicyStore
}

// Toast is a fully-formed surface request for the toast sink.
type Toast struct {
	NotificationID string  `json:"notification_id,omitempty"`
	App            string  `json:"app,omitempty"`
	Title          string  `json:"title"`
	Body           string  `json:"body"`
	Urgency        Urgency `json:"urgency"`
	Rationale      string  `json:"rationale"`
}

// Notifier delivers toasts to the user.
type Notifier interface {
	Send(ctx context.Context, t Toast) error
}

// DigestLock guards digest generation across processes sharing a store.
// Acquire returns ok=false when another holder owns key.
type DigestLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}
