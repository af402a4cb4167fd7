package notifyapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/hush/internal/tools"
	"github.com/linnemanlabs/hush/internal/triage"
)

func (a *API) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.Policy(r.Context())
	if err != nil {
		a.writeError(w, r, err, "failed to load policy")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleManagePolicy(w http.ResponseWriter, r *http.Request) {
	var req tools.PolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err, "invalid policy payload")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("hush.policy.op", req.Operation))

	if req.ReadOnly() {
		p, err := a.svc.Policy(r.Context())
		if err != nil {
			a.writeError(w, r, err, "failed to load policy")
			return
		}
		writeJSON(w, http.StatusOK, tools.ListPolicy(strings.TrimSpace(req.Operation), p, a.now()))
		return
	}

	op, err := req.Op(a.now())
	if err != nil {
		a.writeError(w, r, err, "invalid policy operation")
		return
	}
	change, err := a.svc.ManagePolicy(r.Context(), op)
	if err != nil {
		a.writeError(w, r, err, "failed to apply policy operation", "op", req.Operation)
		return
	}
	writeJSON(w, http.StatusOK, tools.NewPolicyResponse(change))
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	window, err := queryHours(r, 0)
	if err != nil {
		a.writeError(w, r, err, "invalid stats query")
		return
	}
	s, err := a.svc.Stats(r.Context(), window)
	if err != nil {
		a.writeError(w, r, err, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func queryHours(r *http.Request, def time.Duration) (time.Duration, error) {
	v := r.URL.Query().Get("hours")
	if v == "" {
		return def, nil
	}
	h, err := strconv.ParseFloat(v, 64)
	if err != nil || h <= 0 || h > 24*365 {
		return 0, &triage.ValidationError{Field: "hours", Reason: "must be a positive number of hours up to one year"}
	}
	return time.Duration(h * float64(time.Hour)), nil
}

type digestRequest struct {
	Label   string  `json:"label,omitempty"`
	Hours   float64 `json:"hours,omitempty"`
	Summary bool    `json:"summary,omitempty"`
	GroupBy string  `json:"group_by,omitempty"`
}

// handleDigest builds a consuming digest, or a read-only summary when
// summary is set. Without hours, a digest consumes everything pending.
func (a *API) handleDigest(w http.ResponseWriter, r *http.Request) {
	var req digestRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		a.writeError(w, r, err, "invalid digest payload")
		return
	}
	if req.Hours < 0 || req.Hours > 24*365 {
		a.writeError(w, r, &triage.ValidationError{Field: "hours", Reason: "must be a positive number of hours up to one year"}, "invalid digest window")
		return
	}
	window := time.Duration(req.Hours * float64(time.Hour))
	span := trace.SpanFromContext(r.Context())

	if req.Summary {
		by, err := triage.ParseGroupBy(req.GroupBy)
		if err != nil {
			a.writeError(w, r, err, "invalid summary grouping")
			return
		}
		if window == 0 {
			window = 24 * time.Hour
		}
		s, err := a.svc.Summarize(r.Context(), window, by)
		if err != nil {
			a.writeError(w, r, err, "failed to summarize")
			return
		}
		writeJSON(w, http.StatusOK, s)
		return
	}

	d, err := a.svc.TriggerDigest(r.Context(), req.Label, window)
	if err != nil {
		a.writeError(w, r, err, "failed to build digest", "label", req.Label)
		return
	}
	span.SetAttributes(
		attribute.String("hush.digest.id", d.ID),
		attribute.Int("hush.digest.items", d.Total),
	)
	writeJSON(w, http.StatusOK, d)
}
