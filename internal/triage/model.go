package triage

import (
	"time"
)

// Verdict is the classification outcome for a notification.
type Verdict string

const (
	VerdictSurface  Verdict = "surface"
	VerdictDigest   Verdict = "digest"
	VerdictSuppress Verdict = "suppress"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictSurface, VerdictDigest, VerdictSuppress:
		return true
	}
	return false
}

// State is the lifecycle position of a recorded notification.
type State string

const (
	StatePending  State = "pending"
	StateSurfaced State = "surfaced"
	StateArchived State = "archived"
	StateExpired  State = "expired"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateSurfaced, StateArchived, StateExpired:
		return true
	}
	return false
}

// Urgency is the display priority passed to the toast sink.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// ParseUrgency maps free-form input to an Urgency, defaulting to normal.
func ParseUrgency(s string) Urgency {
	switch Urgency(s) {
	case UrgencyLow, UrgencyNormal, UrgencyHigh:
		return Urgency(s)
	}
	return UrgencyNormal
}

// RawNotification is an event as delivered by a notification source.
type RawNotification struct {
	App              string    `json:"app"`
	Sender           string    `json:"sender"`
	Title            string    `json:"title"`
	Body             string    `json:"body"`
	ConversationHint string    `json:"conversation_hint,omitempty"`
	ReceivedAt       time.Time `json:"received_at,omitzero"`
}

// Feedback is one user-supplied correction. Entries are append-only.
type Feedback struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Action    string    `json:"action,omitempty"`
	Ref       string    `json:"ref,omitempty"`
	Proposal  *PolicyOp `json:"proposal,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is a recorded notification with its triage outcome.
type Notification struct {
	ID               string     `json:"id"`
	App              string     `json:"app"`
	Sender           string     `json:"sender"`
	Title            string     `json:"title"`
	Body             string     `json:"body"`
	ConversationHint string     `json:"conversation_hint,omitempty"`
	ReceivedAt       time.Time  `json:"received_at"`
	Verdict          Verdict    `json:"verdict"`
	Rationale        string     `json:"rationale"`
	State            State      `json:"state"`
	DigestID         string     `json:"digest_id,omitempty"`
	Feedback         []Feedback `json:"feedback,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of n.
func (n *Notification) Clone() *Notification {
	cp := *n
	if n.Feedback != nil {
		cp.Feedback = make([]Feedback, len(n.Feedback))
		for i, f := range n.Feedback {
			cp.Feedback[i] = f
			if f.Proposal != nil {
				p := f.Proposal.clone()
				cp.Feedback[i].Proposal = &p
			}
		}
	}
	return &cp
}

// IngestResult is returned to the notification source for each event.
type IngestResult struct {
	ID            string  `json:"id"`
	Verdict       Verdict `json:"verdict"`
	Rationale     string  `json:"rationale"`
	State         State   `json:"state"`
	Delivered     bool    `json:"delivered"`
	DeliveryError string  `json:"delivery_error,omitempty"`
	// StateError is set when the toast was delivered but the SURFACED
	// state could not be stored. The notification is still recorded.
	StateError    string  `json:"state_error,omitempty"`
}

// Filter selects ledger entries. Zero values do not filter.
type Filter struct {
	App     string
	Sender  string
	State   State
	Verdict Verdict
	Since   time.Time
	Until   time.Time

	// View narrows by named view: "pending", "expired" or "all".
	// "expired" is PENDING and received before StaleBefore, or already EXPIRED.
	View        string
	StaleBefore time.Time

	Limit  int
	Offset int
}

const (
	ViewAll     = "all"
	ViewPending = "pending"
	ViewExpired = "expired"
)

// Match reports whether n satisfies every predicate of f except paging.
func (f *Filter) Match(n *Notification) bool {
	if f.App != "" && !equalFold(n.App, f.App) {
		return false
	}
	if f.Sender != "" && !equalFold(n.Sender, f.Sender) {
		return false
	}
	if f.State != "" && n.State != f.State {
		return false
	}
	if f.Verdict != "" && n.Verdict != f.Verdict {
		return false
	}
	if !f.Since.IsZero() && n.ReceivedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !n.ReceivedAt.Before(f.Until) {
		return false
	}
	switch f.View {
	case ViewPending:
		return n.State == StatePending
	case ViewExpired:
		if n.State == StateExpired {
			return true
		}
		return n.State == StatePending && n.ReceivedAt.Before(f.StaleBefore)
	}
	return true
}

// SenderCount is one row of the top senders table.
type SenderCount struct {
	Sender string `json:"sender"`
	Count  int    `json:"count"`
}

// Stats summarizes the ledger.
type Stats struct {
	Since            time.Time       `json:"since,omitzero"`
	Total            int             `json:"total"`
	ByVerdict        map[Verdict]int `json:"by_verdict"`
	ByState          map[State]int   `json:"by_state"`
	ByApp            map[string]int  `json:"by_app"`
	TopSenders       []SenderCount   `json:"top_senders"`
	Pending          int             `json:"pending"`
	OldestPending    time.Time       `json:"oldest_pending,omitzero"`
	OldestPendingAge time.Duration   `json:"oldest_pending_age"`
}

// NewStats returns a Stats with initialized maps.
func NewStats() *Stats {
	return &Stats{
		ByVerdict: make(map[Verdict]int),
		ByState:   make(map[State]int),
		ByApp:     make(map[string]int),
	}
}

const topSenderLimit = 10

// ComputeStats aggregates items received at or after since. Used by stores
// that hold records in memory.
func ComputeStats(items []*Notification, since time.Time) *Stats {
	st := NewStats()
	st.Since = since
	senders := make(map[string]int)
	for _, n := range items {
		if !since.IsZero() && n.ReceivedAt.Before(since) {
			continue
		}
		st.Total++
		st.ByVerdict[n.Verdict]++
		st.ByState[n.State]++
		st.ByApp[n.App]++
		if n.Sender != "" {
			senders[n.Sender]++
		}
		if n.State == StatePending {
			st.Pending++
			if st.OldestPending.IsZero() || n.ReceivedAt.Before(st.OldestPending) {
				st.OldestPending = n.ReceivedAt
			}
		}
	}
	st.TopSenders = topSenders(senders, topSenderLimit)
	return st
}

func topSenders(counts map[string]int, limit int) []SenderCount {
	out := make([]SenderCount, 0, len(counts))
	for s, c := range counts {
		out = append(out, SenderCount{Sender: s, Count: c})
	}
	sortSenderCounts(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
