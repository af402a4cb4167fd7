package notifyapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/hush/internal/triage"
)

func (a *API) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": a.tools.ToToolDefs()})
}

func (a *API) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("hush.tool", name))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		a.writeError(w, r, &triage.ValidationError{Field: "body", Reason: err.Error()}, "failed to read tool params")
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		a.writeError(w, r, &triage.ValidationError{Field: "body", Reason: "invalid payload: not JSON"}, "invalid tool params")
		return
	}

	out, err := a.tools.Execute(r.Context(), name, body)
	if err != nil {
		a.writeError(w, r, err, "tool execution failed", "tool", name)
		return
	}
	writeRaw(w, http.StatusOK, out)
}
