package triage

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// OpKind names a policy mutation.
type OpKind string

const (
	OpAddVIP                OpKind = "add_vip"
	OpRemoveVIP             OpKind = "remove_vip"
	OpAddKeyword            OpKind = "add_keyword"
	OpRemoveKeyword         OpKind = "remove_keyword"
	OpAddSuppressPattern    OpKind = "add_suppress_pattern"
	OpRemoveSuppressPattern OpKind = "remove_suppress_pattern"
	OpMuteApp               OpKind = "mute_app"
	OpUnmuteApp             OpKind = "unmute_app"
	OpSetAppRule            OpKind = "set_app_rule"
	OpSetDigestSchedule     OpKind = "set_digest_schedule"
)

func (k OpKind) known() bool {
	switch k {
	case OpAddVIP, OpRemoveVIP, OpAddKeyword, OpRemoveKeyword,
		OpAddSuppressPattern, OpRemoveSuppressPattern,
		OpMuteApp, OpUnmuteApp, OpSetAppRule, OpSetDigestSchedule:
		return true
	}
	return false
}

// PolicyOp is a single validated policy mutation. Which fields are used
// depends on Kind: Target for set and mute operations, Until for mute_app
// (zero mutes until unmuted), Rule for set_app_rule and Schedule for
// set_digest_schedule.
type PolicyOp struct {
	Kind     OpKind          `json:"op"`
	Target   string          `json:"target,omitempty"`
	Until    time.Time       `json:"until,omitzero"`
	Rule     *AppRule        `json:"rule,omitempty"`
	Schedule []ScheduleEntry `json:"schedule,omitempty"`
}

func (op PolicyOp) clone() PolicyOp {
	if op.Rule != nil {
		r := op.Rule.clone()
		op.Rule = &r
	}
	op.Schedule = slices.Clone(op.Schedule)
	return op
}

// Validate rejects malformed operations. now is used to reject mute
// windows that already ended.
func (op *PolicyOp) Validate(now time.Time) error {
	op.Target = strings.TrimSpace(op.Target)
	switch op.Kind {
	case OpAddVIP, OpRemoveVIP, OpAddKeyword, OpRemoveKeyword,
		OpAddSuppressPattern, OpRemoveSuppressPattern, OpUnmuteApp:
		if Fold(op.Target) == "" {
			return &ValidationError{Field: "target", Reason: fmt.Sprintf("%s requires a target", op.Kind)}
		}
	case OpMuteApp:
		if Fold(op.Target) == "" {
			return &ValidationError{Field: "target", Reason: "mute_app requires an app name"}
		}
		if !op.Until.IsZero() && !op.Until.After(now) {
			return &ValidationError{Field: "until", Reason: fmt.Sprintf("mute end %s is in the past", op.Until.Format(time.RFC3339))}
		}
	case OpSetAppRule:
		if op.Rule == nil {
			return &ValidationError{Field: "rule", Reason: "set_app_rule requires a rule"}
		}
		if op.Target == "" {
			op.Target = strings.TrimSpace(op.Rule.App)
		}
		if Fold(op.Target) == "" {
			return &ValidationError{Field: "target", Reason: "set_app_rule requires an app name"}
		}
		op.Rule.App = op.Target
		if op.Rule.DefaultAction == "" {
			op.Rule.DefaultAction = ActionEvaluate
		}
		if !op.Rule.DefaultAction.Valid() {
			return &ValidationError{Field: "default_action", Reason: fmt.Sprintf("unknown action %q", op.Rule.DefaultAction)}
		}
	case OpSetDigestSchedule:
		for _, e := range op.Schedule {
			if err := e.Validate(); err != nil {
				return err
			}
		}
	case "":
		return &ValidationError{Field: "operation", Reason: "missing operation"}
	default:
		return &ValidationError{Field: "operation", Reason: fmt.Sprintf("unknown operation %q", op.Kind)}
	}
	return nil
}

// Describe returns a one-line confirmation of the operation.
func (op PolicyOp) Describe() string {
	switch op.Kind {
	case OpAddVIP:
		return fmt.Sprintf("added %q to VIP senders", op.Target)
	case OpRemoveVIP:
		return fmt.Sprintf("removed %q from VIP senders", op.Target)
	case OpAddKeyword:
		return fmt.Sprintf("added %q to priority keywords", op.Target)
	case OpRemoveKeyword:
		return fmt.Sprintf("removed %q from priority keywords", op.Target)
	case OpAddSuppressPattern:
		return fmt.Sprintf("added %q to suppress patterns", op.Target)
	case OpRemoveSuppressPattern:
		return fmt.Sprintf("removed %q from suppress patterns", op.Target)
	case OpMuteApp:
		if op.Until.IsZero() {
			return fmt.Sprintf("muted %s until unmuted", op.Target)
		}
		return fmt.Sprintf("muted %s until %s", op.Target, op.Until.Format("2006-01-02 15:04"))
	case OpUnmuteApp:
		return fmt.Sprintf("unmuted %s", op.Target)
	case OpSetAppRule:
		return fmt.Sprintf("set rule for %s", op.Target)
	case OpSetDigestSchedule:
		return fmt.Sprintf("set digest schedule (%d entries)", len(op.Schedule))
	}
	return string(op.Kind)
}

// NextAppRule computes the stored rule for op.Target after a mute_app,
// unmute_app or set_app_rule operation. prev is the current rule and exists
// reports whether one is stored. A set_app_rule that does not itself mute
// keeps an existing mute window.
func NextAppRule(prev AppRule, exists bool, op PolicyOp) (AppRule, bool) {
	if !exists {
		prev = NewAppRule(op.Target)
	}
	next := prev.clone()
	switch op.Kind {
	case OpMuteApp:
		next.Muted, next.MuteUntil = true, op.Until
	case OpUnmuteApp:
		if !exists {
			return prev, false
		}
		next.Muted, next.MuteUntil = false, time.Time{}
	case OpSetAppRule:
		next = op.Rule.clone()
		if !next.Muted {
			next.Muted, next.MuteUntil = prev.Muted, prev.MuteUntil
		}
	default:
		return prev, false
	}
	return next, !exists || !prev.Equal(next)
}

// PolicyChange confirms an applied operation.
type PolicyChange struct {
	Op      PolicyOp `json:"op"`
	Changed bool     `json:"changed"`
	Version int64    `json:"version"`
	Message string   `json:"message"`
}

// ParsePolicyOp builds an operation from the manage_policy surface, where
// value is only meaningful for mute_app.
func ParsePolicyOp(operation, target, value string, now time.Time) (PolicyOp, error) {
	op := PolicyOp{Kind: OpKind(strings.TrimSpace(operation)), Target: target}
	if op.Kind == OpMuteApp {
		until, err := ParseMuteUntil(value, now)
		if err != nil {
			return PolicyOp{}, err
		}
		op.Until = until
	}
	if err := op.Validate(now); err != nil {
		return PolicyOp{}, err
	}
	return op, nil
}

const maxMuteDays = 365

// ParseMuteUntil turns a human mute duration into an end time. Accepted
// forms: "" (indefinite, zero time), Go durations like "2h" or "1h30m",
// days like "3d", and clock times "14:00", "2pm", "2:30pm", optionally
// prefixed with "until". A clock time already passed today means tomorrow.
func ParseMuteUntil(value string, now time.Time) (time.Time, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" || v == "indefinite" || v == "forever" {
		return time.Time{}, nil
	}
	v = strings.TrimSpace(strings.TrimPrefix(v, "until"))
	v = strings.TrimPrefix(v, "for ")

	if d, err := time.ParseDuration(v); err == nil {
		if d <= 0 {
			return time.Time{}, &ValidationError{Field: "until", Reason: fmt.Sprintf("duration %q must be positive", value)}
		}
		return now.Add(d), nil
	}
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.Atoi(days)
		if err == nil {
			if n <= 0 || n > maxMuteDays {
				return time.Time{}, &ValidationError{Field: "until", Reason: fmt.Sprintf("days %q must be between 1 and %d", value, maxMuteDays)}
			}
			return now.AddDate(0, 0, n), nil
		}
	}

	for _, layout := range []string{"15:04", "3pm", "3:04pm", "3 pm", "3:04 pm"} {
		t, err := time.Parse(layout, v)
		if err != nil {
			continue
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}

	return time.Time{}, &ValidationError{Field: "until", Reason: fmt.Sprintf("cannot parse mute duration %q", value)}
}
