package notifyapi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/hush/internal/triage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBulkIDs       = 500
)

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	var raw triage.RawNotification
	if err := decodeJSON(r, &raw); err != nil {
		a.writeError(w, r, err, "invalid notification payload")
		return
	}

	res, err := a.svc.Ingest(r.Context(), raw)
	if err != nil {
		a.writeError(w, r, err, "failed to ingest notification", "app", raw.App)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("hush.notification.id", res.ID),
		attribute.String("hush.verdict", string(res.Verdict)),
	)
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		a.writeError(w, r, err, "invalid list query")
		return
	}
	items, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err, "failed to list notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(items),
		"limit":  f.Limit,
		"offset": f.Offset,
		"items":  items,
	})
}

// parseFilter reads list query parameters. Times are RFC 3339.
func parseFilter(q url.Values) (triage.Filter, error) {
	f := triage.Filter{
		App:     strings.TrimSpace(q.Get("app")),
		Sender:  strings.TrimSpace(q.Get("sender")),
		State:   triage.State(strings.ToLower(q.Get("state"))),
		Verdict: triage.Verdict(strings.ToLower(q.Get("verdict"))),
		View:    strings.ToLower(q.Get("view")),
		Limit:   defaultListLimit,
	}
	var err error
	if f.Since, err = queryTime(q, "since"); err != nil {
		return f, err
	}
	if f.Until, err = queryTime(q, "until"); err != nil {
		return f, err
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 1 || f.Limit > maxListLimit {
			return f, &triage.ValidationError{Field: "limit", Reason: "must be between 1 and " + strconv.Itoa(maxListLimit)}
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil || f.Offset < 0 {
			return f, &triage.ValidationError{Field: "offset", Reason: "must be a non-negative integer"}
		}
	}
	return f, nil
}

func queryTime(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, &triage.ValidationError{Field: key, Reason: "must be an RFC 3339 timestamp"}
	}
	return t, nil
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("hush.notification.id", id))

	n, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to get notification", "id", id)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type updateRequest struct {
	State    triage.State `json:"state,omitempty"`
	Action   string       `json:"action,omitempty"`
	Feedback string       `json:"feedback,omitempty"`
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("hush.notification.id", id))

	var req updateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err, "invalid update payload")
		return
	}

	var (
		n   *triage.Notification
		err error
	)
	switch {
	case req.Action != "" && req.State != "":
		err = &triage.ValidationError{Field: "action", Reason: "set either action or state, not both"}
	case req.Action != "":
		n, err = a.svc.Act(r.Context(), id, req.Action, req.Feedback)
	default:
		p := triage.Patch{State: triage.State(strings.ToLower(string(req.State)))}
		if strings.TrimSpace(req.Feedback) != "" {
			p.Feedback = &triage.Feedback{Text: strings.TrimSpace(req.Feedback)}
		}
		n, err = a.svc.Update(r.Context(), id, p)
	}
	if err != nil {
		a.writeError(w, r, err, "failed to update notification", "id", id)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type bulkRequest struct {
	IDs    []string `json:"ids"`
	Action string   `json:"action"`
}

// handleBulkUpdate always answers 200 once the action is valid; per-id
// failures are reported in the body.
func (a *API) handleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err, "invalid bulk payload")
		return
	}
	if len(req.IDs) > maxBulkIDs {
		a.writeError(w, r, &triage.ValidationError{Field: "ids", Reason: "at most " + strconv.Itoa(maxBulkIDs) + " ids per request"}, "bulk too large")
		return
	}

	res, err := a.svc.BulkUpdate(r.Context(), req.IDs, req.Action)
	if err != nil {
		a.writeError(w, r, err, "failed to bulk update", "action", req.Action)
		return
	}
	failed := len(res.FailedIDs())
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("hush.bulk.items", len(res.Items)),
		attribute.Int("hush.bulk.failed", failed),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"action":    res.Action,
		"succeeded": len(res.Items) - failed,
		"failed":    failed,
		"items":     res.Items,
	})
}

func (a *API) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("hush.notification.id", id))

	var req triage.FeedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err, "invalid feedback payload")
		return
	}
	n, err := a.svc.ApplyFeedback(r.Context(), id, req)
	if err != nil {
		a.writeError(w, r, err, "failed to record feedback", "id", id)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (a *API) handleConfirmFeedback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	feedbackID := chi.URLParam(r, "feedbackID")
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("hush.notification.id", id),
		attribute.String("hush.feedback.id", feedbackID),
	)

	change, err := a.svc.ConfirmFeedback(r.Context(), id, feedbackID)
	if err != nil {
		a.writeError(w, r, err, "failed to confirm feedback", "id", id, "feedback_id", feedbackID)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (a *API) handleRetriage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("hush.notification.id", id))

	n, err := a.svc.Retriage(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to retriage notification", "id", id)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("hush.verdict", string(n.Verdict)))
	writeJSON(w, http.StatusOK, n)
}
