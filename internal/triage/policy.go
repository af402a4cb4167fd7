package triage

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Action is the per-app default applied when no rule above it matched.
type Action string

const (
	ActionEvaluate  Action = "evaluate"
	ActionSurface   Action = "surface"
	ActionSuppress  Action = "suppress"
	ActionSummarize Action = "summarize"
)

// Valid reports whether a is a known default action.
func (a Action) Valid() bool {
	switch a {
	case ActionEvaluate, ActionSurface, ActionSuppress, ActionSummarize:
		return true
	}
	return false
}

// MatchMode controls how senders are compared against the VIP set.
type MatchMode string

const (
	// MatchExact compares case-folded, whitespace-normalized names.
	MatchExact MatchMode = "exact"
	// MatchFuzzy additionally accepts a sender whose word sequence contains
	// a VIP's full word sequence, e.g. "Alice Chen (Teams)" for "Alice Chen".
	MatchFuzzy MatchMode = "fuzzy"
)

// ParseMatchMode validates a configured match mode. Empty means exact.
func ParseMatchMode(s string) (MatchMode, error) {
	switch MatchMode(s) {
	case "", MatchExact:
		return MatchExact, nil
	case MatchFuzzy:
		return MatchFuzzy, nil
	}
	return "", &ValidationError{Field: "vip_match", Reason: fmt.Sprintf("unknown mode %q", s)}
}

// AppRule holds per-app gating and defaults.
type AppRule struct {
	App              string    `json:"app" yaml:"app"`
	Ingest           bool      `json:"ingest" yaml:"ingest"`
	DefaultAction    Action    `json:"default_action" yaml:"default_action"`
	EscalateKeywords []string  `json:"escalate_keywords,omitempty" yaml:"escalate_keywords,omitempty"`
	Muted            bool      `json:"muted" yaml:"muted"`
	MuteUntil        time.Time `json:"mute_until,omitzero" yaml:"mute_until,omitempty"`
}

// NewAppRule returns the rule an app gets when none is configured.
func NewAppRule(app string) AppRule {
	return AppRule{App: app, Ingest: true, DefaultAction: ActionEvaluate}
}

// MutedAt reports whether the app is muted at t. A zero MuteUntil on a
// muted rule means muted until explicitly unmuted.
func (r *AppRule) MutedAt(t time.Time) bool {
	if !r.Muted {
		return false
	}
	return r.MuteUntil.IsZero() || t.Before(r.MuteUntil)
}

// Equal reports whether r and o configure the app identically. Keyword
// order and case are ignored.
func (r AppRule) Equal(o AppRule) bool {
	if Fold(r.App) != Fold(o.App) || r.Ingest != o.Ingest || r.DefaultAction != o.DefaultAction ||
		r.Muted != o.Muted || !r.MuteUntil.Equal(o.MuteUntil) {
		return false
	}
	a, b := foldAll(r.EscalateKeywords), foldAll(o.EscalateKeywords)
	return slices.Equal(a, b)
}

func foldAll(list []string) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = Fold(s)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (r AppRule) clone() AppRule {
	r.EscalateKeywords = slices.Clone(r.EscalateKeywords)
	return r
}

// ScheduleEntry is one wall-clock digest trigger.
type ScheduleEntry struct {
	Time  string `json:"time" yaml:"time"`
	Label string `json:"label" yaml:"type"`
}

// Validate checks the HH:MM time and label.
func (e ScheduleEntry) Validate() error {
	if _, _, err := ParseClock(e.Time); err != nil {
		return &ValidationError{Field: "digest_schedule.time", Reason: err.Error()}
	}
	if strings.TrimSpace(e.Label) == "" {
		return &ValidationError{Field: "digest_schedule.label", Reason: "must not be empty"}
	}
	return nil
}

// ParseClock parses a 24h "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

// Policy is a read-only snapshot of the triage rules. Stores return one
// from LoadPolicy; Policies seals it before handing it to classification.
// Callers must not mutate a snapshot obtained from Policies.
type Policy struct {
	Version          int64              `json:"version"`
	VIPSenders       []string           `json:"vip_senders"`
	PriorityKeywords []string           `json:"priority_keywords"`
	SuppressPatterns []string           `json:"suppress_patterns"`
	AppRules         map[string]AppRule `json:"app_rules"`
	DigestSchedule   []ScheduleEntry    `json:"digest_schedule"`
	VIPMatch         MatchMode          `json:"vip_match"`

	vips     map[string]struct{}
	vipWords [][]string
	keywords []term
	suppress []term
	apps     map[string]*appIndex
}

type term struct {
	raw    string
	folded string
}

type appIndex struct {
	rule     AppRule
	escalate []term
}

// NewPolicy returns an empty policy.
func NewPolicy() *Policy {
	return &Policy{AppRules: make(map[string]AppRule)}
}

// Clone returns an unsealed deep copy.
func (p *Policy) Clone() *Policy {
	cp := &Policy{
		Version:          p.Version,
		VIPSenders:       slices.Clone(p.VIPSenders),
		PriorityKeywords: slices.Clone(p.PriorityKeywords),
		SuppressPatterns: slices.Clone(p.SuppressPatterns),
		AppRules:         make(map[string]AppRule, len(p.AppRules)),
		DigestSchedule:   slices.Clone(p.DigestSchedule),
		VIPMatch:         p.VIPMatch,
	}
	for k, r := range p.AppRules {
		cp.AppRules[k] = r.clone()
	}
	return cp
}

// Rule returns the rule for app, or the default rule when none exists.
func (p *Policy) Rule(app string) AppRule {
	if p.apps != nil {
		if ai, ok := p.apps[Fold(app)]; ok {
			return ai.rule
		}
		return NewAppRule(app)
	}
	if r, ok := p.AppRules[Fold(app)]; ok {
		return r
	}
	return NewAppRule(app)
}

// Seal sorts the entries and builds the lookup indexes classification uses.
// It returns p for chaining.
func (p *Policy) Seal(mode MatchMode) *Policy {
	if mode == "" {
		mode = MatchExact
	}
	p.VIPMatch = mode
	if p.AppRules == nil {
		p.AppRules = make(map[string]AppRule)
	}
	slices.SortFunc(p.VIPSenders, compareFolded)
	slices.SortFunc(p.PriorityKeywords, compareFolded)
	slices.SortFunc(p.SuppressPatterns, compareFolded)

	p.vips = make(map[string]struct{}, len(p.VIPSenders))
	p.vipWords = make([][]string, 0, len(p.VIPSenders))
	for _, v := range p.VIPSenders {
		f := Fold(v)
		p.vips[f] = struct{}{}
		if w := strings.Fields(f); len(w) > 0 {
			p.vipWords = append(p.vipWords, w)
		}
	}
	p.keywords = terms(p.PriorityKeywords)
	p.suppress = terms(p.SuppressPatterns)

	p.apps = make(map[string]*appIndex, len(p.AppRules))
	for _, k := range slices.Sorted(maps.Keys(p.AppRules)) {
		r := p.AppRules[k]
		slices.SortFunc(r.EscalateKeywords, compareFolded)
		p.AppRules[k] = r
		p.apps[k] = &appIndex{rule: r, escalate: terms(r.EscalateKeywords)}
	}
	return p
}

func (p *Policy) sealed() bool { return p.apps != nil }

func terms(list []string) []term {
	out := make([]term, 0, len(list))
	for _, s := range list {
		f := Fold(s)
		if f == "" {
			continue
		}
		out = append(out, term{raw: s, folded: f})
	}
	return out
}

// Fold normalizes s for case-insensitive comparison: NFKC, Unicode case
// folding and collapsed whitespace.
func Fold(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

func equalFold(a, b string) bool {
	return Fold(a) == Fold(b)
}

func compareFolded(a, b string) int {
	return cmp.Or(strings.Compare(Fold(a), Fold(b)), strings.Compare(a, b))
}

func sortSenderCounts(sc []SenderCount) {
	slices.SortFunc(sc, func(a, b SenderCount) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), strings.Compare(a.Sender, b.Sender))
	})
}
