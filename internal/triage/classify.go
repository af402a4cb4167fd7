package triage

import (
	"slices"
	"strings"
	"time"
)

// Rationale tags. Pattern and keyword rationales append the matched entry.
const (
	RationaleMuted      = "app muted"
	RationaleIngestOff  = "ingestion disabled"
	RationaleNoise      = "noise pattern: "
	RationaleVIP        = "VIP sender"
	RationaleKeyword    = "keyword: "
	RationaleAppDefault = "app default"
	RationaleNoSignal   = "no signal — batched"
)

// Decision is the outcome of classifying one notification.
type Decision struct {
	Verdict   Verdict
	Rationale string
	Urgency   Urgency
}

// Reason returns the rationale tag without the matched entry, suitable as
// a low-cardinality metric label.
func (d Decision) Reason() string {
	switch {
	case strings.HasPrefix(d.Rationale, RationaleNoise):
		return "noise_pattern"
	case strings.HasPrefix(d.Rationale, RationaleKeyword):
		return "keyword"
	}
	switch d.Rationale {
	case RationaleMuted:
		return "muted"
	case RationaleIngestOff:
		return "ingest_disabled"
	case RationaleVIP:
		return "vip"
	case RationaleAppDefault:
		return "app_default"
	}
	return "no_signal"
}

// Classify evaluates n against p at instant now. The first matching rule
// wins: app gating, suppress patterns, VIP sender, keywords, app default,
// then the digest fallback. Suppression is checked before escalation so a
// noise pattern beats a VIP sender. Classify always returns a verdict.
func Classify(n *Notification, p *Policy, now time.Time) Decision {
	if p == nil {
		p = NewPolicy()
	}
	if !p.sealed() {
		p = p.Clone().Seal(p.VIPMatch)
	}

	rule, ai := p.lookupApp(n.App)
	if rule.MutedAt(now) {
		return Decision{Verdict: VerdictSuppress, Rationale: RationaleMuted, Urgency: UrgencyLow}
	}
	if !rule.Ingest {
		return Decision{Verdict: VerdictSuppress, Rationale: RationaleIngestOff, Urgency: UrgencyLow}
	}

	title, body := Fold(n.Title), Fold(n.Body)
	for _, t := range p.suppress {
		if matchEither(title, body, t.folded) {
			return Decision{Verdict: VerdictSuppress, Rationale: RationaleNoise + t.raw, Urgency: UrgencyLow}
		}
	}

	if p.isVIP(n.Sender) {
		return Decision{Verdict: VerdictSurface, Rationale: RationaleVIP, Urgency: UrgencyHigh}
	}

	for _, t := range p.keywords {
		if matchEither(title, body, t.folded) {
			return Decision{Verdict: VerdictSurface, Rationale: RationaleKeyword + t.raw, Urgency: UrgencyNormal}
		}
	}
	if ai != nil {
		for _, t := range ai.escalate {
			if matchEither(title, body, t.folded) {
				return Decision{Verdict: VerdictSurface, Rationale: RationaleKeyword + t.raw, Urgency: UrgencyNormal}
			}
		}
	}

	switch rule.DefaultAction {
	case ActionSurface:
		return Decision{Verdict: VerdictSurface, Rationale: RationaleAppDefault, Urgency: UrgencyNormal}
	case ActionSuppress:
		return Decision{Verdict: VerdictSuppress, Rationale: RationaleAppDefault, Urgency: UrgencyLow}
	case ActionSummarize:
		return Decision{Verdict: VerdictDigest, Rationale: RationaleAppDefault, Urgency: UrgencyLow}
	}

	return Decision{Verdict: VerdictDigest, Rationale: RationaleNoSignal, Urgency: UrgencyLow}
}

// matchEither reports whether term occurs within title or within body. A
// match never spans the two.
func matchEither(title, body, term string) bool {
	return strings.Contains(title, term) || strings.Contains(body, term)
}

func (p *Policy) lookupApp(app string) (AppRule, *appIndex) {
	if ai, ok := p.apps[Fold(app)]; ok {
		return ai.rule, ai
	}
	return NewAppRule(app), nil
}

func (p *Policy) isVIP(sender string) bool {
	s := Fold(sender)
	if s == "" {
		return false
	}
	if _, ok := p.vips[s]; ok {
		return true
	}
	if p.VIPMatch != MatchFuzzy {
		return false
	}
	words := strings.Fields(tokenize(s))
	for _, vip := range p.vipWords {
		if containsRun(words, strings.Fields(tokenize(strings.Join(vip, " ")))) {
			return true
		}
	}
	return false
}

// tokenize replaces punctuation with spaces so "chen, alice (teams)" splits
// into words.
func tokenize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\'' || r == '-' || r == '.' || r == '@' || r == '_' {
			return r
		}
		if r < 0x80 && !('a' <= r && r <= 'z' || '0' <= r && r <= '9') {
			return ' '
		}
		return r
	}, s)
}

// containsRun reports whether needle appears as a contiguous run in hay.
func containsRun(hay, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(hay) {
		return false
	}
	for i := 0; i+len(needle) <= len(hay); i++ {
		if slices.Equal(hay[i:i+len(needle)], needle) {
			return true
		}
	}
	return false
}
