package tools

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/hush/internal/triage"
)

// Triage is the subset of *triage.Service the tools drive.
type Triage interface {
	Ingest(ctx context.Context, raw triage.RawNotification) (*triage.IngestResult, error)
	ManagePolicy(ctx context.Context, op triage.PolicyOp) (*triage.PolicyChange, error)
	Policy(ctx context.Context) (*triage.Policy, error)
	TriggerDigest(ctx context.Context, label string, window time.Duration) (*triage.Digest, error)
	Summarize(ctx context.Context, window time.Duration, by triage.GroupBy) (*triage.Summary, error)
	Get(ctx context.Context, id string) (*triage.Notification, error)
	List(ctx context.Context, f triage.Filter) ([]*triage.Notification, error)
	Act(ctx context.Context, id, action, note string) (*triage.Notification, error)
	BulkUpdate(ctx context.Context, ids []string, action string) (*triage.BatchResult, error)
	Stats(ctx context.Context, window time.Duration) (*triage.Stats, error)
}

// RegisterTriage registers the triage tools backed by svc. now supplies the
// reference time for mute durations; nil means time.Now.
func RegisterTriage(r *Registry, svc Triage, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.Register(&IngestNotification{svc: svc})
	r.Register(&ManagePolicy{svc: svc, now: now})
	r.Register(&GenerateSummary{svc: svc})
	r.Register(&Notifications{svc: svc})
}

func decodeParams(params json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &triage.ValidationError{Field: "params", Reason: err.Error()}
	}
	return nil
}

func encodeResult(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return b, nil
}

func hoursWindow(hours float64, def time.Duration) (time.Duration, error) {
	switch {
	case hours == 0:
		return def, nil
	case hours < 0:
		return 0, &triage.ValidationError{Field: "hours", Reason: "must be positive"}
	case hours > 24*365:
		return 0, &triage.ValidationError{Field: "hours", Reason: "must be at most one year"}
	}
	return time.Duration(hours * float64(time.Hour)), nil
}

// IngestNotification classifies and records one notification.
type IngestNotification struct {
	svc Triage
}

func (t *IngestNotification) Name() string { return "ingest_notification" }

func (t *IngestNotification) Description() string {
	return `Classify one incoming notification against the current policy and record it.
Returns the verdict (surface, digest or suppress), the rationale naming the rule that decided it,
and whether a toast was delivered. Surfaced notifications are shown to the user immediately;
digest notifications wait for the next summary; suppressed ones are archived.`
}

func (t *IngestNotification) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "app": {"type": "string", "description": "Source application, e.g. \"Microsoft Teams\"."},
            "sender": {"type": "string", "description": "Sender display name, if any."},
            "title": {"type": "string", "description": "Notification title."},
            "body": {"type": "string", "description": "Notification body text."},
            "conversation_hint": {"type": "string", "description": "Channel or thread the notification came from."}
        },
        "required": ["app"]
    }`)
}

func (t *IngestNotification) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var raw triage.RawNotification
	if err := decodeParams(params, &raw); err != nil {
		return nil, err
	}
	res, err := t.svc.Ingest(ctx, raw)
	if err != nil {
		return nil, err
	}
	return encodeResult(res)
}

// ManagePolicy reads and mutates the triage policy.
type ManagePolicy struct {
	svc Triage
	now func() time.Time
}

// PolicyRequest is the manage_policy input, shared with the HTTP surface.
type PolicyRequest struct {
	Operation string                 `json:"operation"`
	Target    string                 `json:"target,omitempty"`
	Value     string                 `json:"value,omitempty"`
	Rule      *RuleRequest           `json:"rule,omitempty"`
	Schedule  []triage.ScheduleEntry `json:"schedule,omitempty"`
}

// RuleRequest is the settable part of an app rule. A missing ingest flag
// means ingest.
type RuleRequest struct {
	Ingest           *bool         `json:"ingest,omitempty"`
	DefaultAction    triage.Action `json:"default_action,omitempty"`
	EscalateKeywords []string      `json:"escalate_keywords,omitempty"`
}

func (in *RuleRequest) toRule(app string) *triage.AppRule {
	if in == nil {
		return nil
	}
	r := triage.NewAppRule(app)
	if in.Ingest != nil {
		r.Ingest = *in.Ingest
	}
	if in.DefaultAction != "" {
		r.DefaultAction = in.DefaultAction
	}
	r.EscalateKeywords = in.EscalateKeywords
	return &r
}

// ReadOnly reports whether the request only lists policy state.
func (in PolicyRequest) ReadOnly() bool {
	switch strings.TrimSpace(in.Operation) {
	case opListVIPs, opListKeywords, opListMuted, opListAll:
		return true
	}
	return false
}

// Op converts a mutating request into a policy operation. now anchors
// relative mute durations.
func (in PolicyRequest) Op(now time.Time) (triage.PolicyOp, error) {
	operation := strings.TrimSpace(in.Operation)
	switch triage.OpKind(operation) {
	case triage.OpSetAppRule:
		return triage.PolicyOp{Kind: triage.OpSetAppRule, Target: in.Target, Rule: in.Rule.toRule(in.Target)}, nil
	case triage.OpSetDigestSchedule:
		return triage.PolicyOp{Kind: triage.OpSetDigestSchedule, Schedule: in.Schedule}, nil
	}
	return triage.ParsePolicyOp(operation, in.Target, in.Value, now)
}

// PolicyResponse is the result of a mutating policy request.
type PolicyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Changed bool   `json:"changed"`
	Version int64  `json:"version"`
}

// read-only operations answered from the policy snapshot
const (
	opListVIPs     = "list_vips"
	opListKeywords = "list_keywords"
	opListMuted    = "list_muted"
	opListAll      = "list_all"
)

func (t *ManagePolicy) Name() string { return "manage_policy" }

func (t *ManagePolicy) Description() string {
	return `Manage notification filtering policies.

Mutating operations:
- add_vip / remove_vip: senders whose notifications always surface (target = sender name)
- add_keyword / remove_keyword: priority keywords that surface a notification (target = keyword)
- add_suppress_pattern / remove_suppress_pattern: text that suppresses a notification as noise
- mute_app / unmute_app: silence an app (target = app name)
- set_app_rule: replace an app's rule (target = app name, rule = {ingest, default_action, escalate_keywords})
- set_digest_schedule: replace the digest schedule (schedule = [{time: "HH:MM", label}])

Read operations: list_vips, list_keywords, list_muted, list_all.

For mute_app, use 'value' for the duration: "1h", "30m", "3d", "until 2pm", "until 14:00".
Omit it to mute until unmuted. Repeating an operation that is already in effect changes nothing.`
}

func (t *ManagePolicy) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "operation": {
                "type": "string",
                "enum": [
                    "add_vip", "remove_vip", "add_keyword", "remove_keyword",
                    "add_suppress_pattern", "remove_suppress_pattern",
                    "mute_app", "unmute_app", "set_app_rule", "set_digest_schedule",
                    "list_vips", "list_keywords", "list_muted", "list_all"
                ],
                "description": "The policy operation to perform."
            },
            "target": {
                "type": "string",
                "description": "Sender name, keyword, pattern or app name the operation applies to."
            },
            "value": {
                "type": "string",
                "description": "Mute duration for mute_app. Empty mutes until unmuted."
            },
            "rule": {
                "type": "object",
                "description": "App rule for set_app_rule.",
                "properties": {
                    "ingest": {"type": "boolean"},
                    "default_action": {"type": "string", "enum": ["evaluate", "surface", "suppress", "summarize"]},
                    "escalate_keywords": {"type": "array", "items": {"type": "string"}}
                }
            },
            "schedule": {
                "type": "array",
                "description": "Digest schedule for set_digest_schedule.",
                "items": {
                    "type": "object",
                    "properties": {
                        "time": {"type": "string", "description": "24h HH:MM"},
                        "label": {"type": "string", "description": "daily covers 24 hours, anything else one hour"}
                    },
                    "required": ["time", "label"]
                }
            }
        },
        "required": ["operation"]
    }`)
}

func (t *ManagePolicy) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var in PolicyRequest
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}

	if in.ReadOnly() {
		p, err := t.svc.Policy(ctx)
		if err != nil {
			return nil, err
		}
		return encodeResult(ListPolicy(strings.TrimSpace(in.Operation), p, t.now()))
	}

	op, err := in.Op(t.now())
	if err != nil {
		return nil, err
	}
	change, err := t.svc.ManagePolicy(ctx, op)
	if err != nil {
		return nil, err
	}
	return encodeResult(NewPolicyResponse(change))
}

// NewPolicyResponse reports an applied policy operation.
func NewPolicyResponse(change *triage.PolicyChange) PolicyResponse {
	return PolicyResponse{
		Success: true,
		Message: change.Message,
		Changed: change.Changed,
		Version: change.Version,
	}
}

type mutedApp struct {
	App   string    `json:"app"`
	Until time.Time `json:"until,omitzero"`
}

// ListPolicy answers a read-only policy request from snapshot p.
func ListPolicy(operation string, p *triage.Policy, now time.Time) map[string]any {
	switch operation {
	case opListVIPs:
		return map[string]any{"success": true, "count": len(p.VIPSenders), "vips": p.VIPSenders}
	case opListKeywords:
		return map[string]any{"success": true, "count": len(p.PriorityKeywords), "keywords": p.PriorityKeywords}
	case opListMuted:
		muted := make([]mutedApp, 0)
		for _, r := range p.AppRules {
			if r.MutedAt(now) {
				muted = append(muted, mutedApp{App: r.App, Until: r.MuteUntil})
			}
		}
		slices.SortFunc(muted, func(a, b mutedApp) int { return cmp.Compare(triage.Fold(a.App), triage.Fold(b.App)) })
		return map[string]any{"success": true, "count": len(muted), "muted_apps": muted}
	}
	return map[string]any{"success": true, "policies": p}
}

// GenerateSummary summarizes a window of the ledger, optionally consuming
// pending digest notifications.
type GenerateSummary struct {
	svc Triage
}

type summaryInput struct {
	Hours   float64 `json:"hours"`
	GroupBy string  `json:"group_by"`
	Consume bool    `json:"consume"`
	Label   string  `json:"label"`
}

const (
	defaultSummaryWindow = 24 * time.Hour
	onDemandLabel        = "on-demand"
)

func (t *GenerateSummary) Name() string { return "generate_summary" }

func (t *GenerateSummary) Description() string {
	return `Summarize recent notifications.

Parameters:
- hours: how far back to look (default 24)
- group_by: "app", "sender" or "time" (hourly buckets), default "app"
- consume: when true, build a digest that archives the pending batched notifications it includes
  and notifies the user; when false (default) the summary is read-only
- label: digest label when consuming (default "on-demand")`
}

func (t *GenerateSummary) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "hours": {"type": "number", "description": "How many hours back to look. Default 24 for summaries, everything pending when consuming."},
            "group_by": {"type": "string", "enum": ["app", "sender", "time"], "description": "Grouping for read-only summaries. Default app."},
            "consume": {"type": "boolean", "description": "Consume pending digest notifications. Default false."},
            "label": {"type": "string", "description": "Digest label when consuming."}
        }
    }`)
}

func (t *GenerateSummary) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var in summaryInput
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.Consume {
		// consuming defaults to everything pending
		window, err := hoursWindow(in.Hours, 0)
		if err != nil {
			return nil, err
		}
		label := strings.TrimSpace(in.Label)
		if label == "" {
			label = onDemandLabel
		}
		d, err := t.svc.TriggerDigest(ctx, label, window)
		if err != nil {
			return nil, err
		}
		return encodeResult(d)
	}

	window, err := hoursWindow(in.Hours, defaultSummaryWindow)
	if err != nil {
		return nil, err
	}
	by, err := triage.ParseGroupBy(in.GroupBy)
	if err != nil {
		return nil, err
	}
	s, err := t.svc.Summarize(ctx, window, by)
	if err != nil {
		return nil, err
	}
	return encodeResult(s)
}

// Notifications reads and updates ledger entries.
type Notifications struct {
	svc Triage
}

type notificationsInput struct {
	Operation string   `json:"operation"`
	ID        string   `json:"id"`
	IDs       []string `json:"ids"`
	Action    string   `json:"action"`
	Feedback  string   `json:"feedback"`
	Hours     float64  `json:"hours"`
	Filters   struct {
		View    string `json:"view"`
		App     string `json:"app"`
		Sender  string `json:"sender"`
		Verdict string `json:"verdict"`
		Limit   int    `json:"limit"`
		Offset  int    `json:"offset"`
	} `json:"filters"`
}

const defaultListLimit = 50

func (t *Notifications) Name() string { return "notifications" }

func (t *Notifications) Description() string {
	return `Manage notification triage items.

Examples:
- notifications(operation="stats", hours=24)
- notifications(operation="list", filters={"view": "pending", "limit": 20})
- notifications(operation="get", id="01J...")
- notifications(operation="update", id="01J...", action="dealt_with", feedback="replied already")
- notifications(operation="bulk_update", ids=["01J...", "01J..."], action="ignore")

Views: pending, expired (pending longer than the retention window), all.
Actions: dealt_with, ignore, already_handled, archive, mark_surfaced, mark_expired.
Bulk updates apply to each id independently and report per-id results.`
}

func (t *Notifications) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "operation": {"type": "string", "enum": ["list", "get", "update", "bulk_update", "stats"]},
            "id": {"type": "string", "description": "Notification id for get and update."},
            "ids": {"type": "array", "items": {"type": "string"}, "description": "Notification ids for bulk_update."},
            "action": {
                "type": "string",
                "enum": ["dealt_with", "ignore", "already_handled", "archive", "mark_surfaced", "mark_expired"],
                "description": "Action for update and bulk_update."
            },
            "feedback": {"type": "string", "description": "Note recorded with an update."},
            "hours": {"type": "number", "description": "Window for stats. Omit for all time."},
            "filters": {
                "type": "object",
                "properties": {
                    "view": {"type": "string", "enum": ["pending", "expired", "all"]},
                    "app": {"type": "string"},
                    "sender": {"type": "string"},
                    "verdict": {"type": "string", "enum": ["surface", "digest", "suppress"]},
                    "limit": {"type": "integer", "description": "Default 50."},
                    "offset": {"type": "integer"}
                }
            }
        },
        "required": ["operation"]
    }`)
}

func (t *Notifications) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var in notificationsInput
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}

	switch in.Operation {
	case "list":
		f := triage.Filter{
			View:    in.Filters.View,
			App:     in.Filters.App,
			Sender:  in.Filters.Sender,
			Verdict: triage.Verdict(strings.ToLower(in.Filters.Verdict)),
			Limit:   in.Filters.Limit,
			Offset:  in.Filters.Offset,
		}
		if f.Limit == 0 {
			f.Limit = defaultListLimit
		}
		items, err := t.svc.List(ctx, f)
		if err != nil {
			return nil, err
		}
		return encodeResult(map[string]any{"count": len(items), "items": items})

	case "get":
		if in.ID == "" {
			return nil, &triage.ValidationError{Field: "id", Reason: "required for get"}
		}
		n, err := t.svc.Get(ctx, in.ID)
		if err != nil {
			return nil, err
		}
		return encodeResult(n)

	case "update":
		if in.ID == "" {
			return nil, &triage.ValidationError{Field: "id", Reason: "required for update"}
		}
		n, err := t.svc.Act(ctx, in.ID, in.Action, in.Feedback)
		if err != nil {
			return nil, err
		}
		return encodeResult(n)

	case "bulk_update":
		res, err := t.svc.BulkUpdate(ctx, in.IDs, in.Action)
		if err != nil {
			return nil, err
		}
		return encodeResult(res)

	case "stats":
		window, err := hoursWindow(in.Hours, 0)
		if err != nil {
			return nil, err
		}
		s, err := t.svc.Stats(ctx, window)
		if err != nil {
			return nil, err
		}
		return encodeResult(s)

	case "":
		return nil, &triage.ValidationError{Field: "operation", Reason: "missing operation"}
	}
	return nil, &triage.ValidationError{Field: "operation", Reason: fmt.Sprintf("unknown operation %q", in.Operation)}
}
