package notifyapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/hush/internal/tools"
	"github.com/linnemanlabs/hush/internal/triage"
)

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// statusOf maps a core error onto an HTTP status.
func statusOf(err error) int {
	var unknownTool *tools.UnknownToolError
	switch {
	case triage.IsValidation(err):
		return http.StatusBadRequest
	case triage.IsNotFound(err), errors.As(err, &unknownTool):
		return http.StatusNotFound
	case errors.Is(err, triage.ErrDigestInProgress):
		return http.StatusConflict
	case triage.IsUnavailable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError renders err as {"error": ...}. Server-side failures are logged
// and their detail withheld from the client.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	status := statusOf(err)
	body := errorBody{Error: err.Error()}
	var ve *triage.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}

	if status >= http.StatusInternalServerError {
		span := trace.SpanFromContext(r.Context())
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		a.logger.Error(r.Context(), err, msg, kv...)
		body.Error = http.StatusText(status)
		if status == http.StatusServiceUnavailable {
			body.Error = "store unavailable"
		}
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a JSON body into v, rejecting unknown fields and
// trailing data.
func decodeJSON(r *http.Request, v any) error {
	return decodeBody(r, v, false)
}

// decodeOptionalJSON is decodeJSON but leaves v untouched on an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	return decodeBody(r, v, true)
}

func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return &triage.ValidationError{Field: "body", Reason: fmt.Sprintf("invalid payload: %v", err)}
	}
	if dec.More() {
		return &triage.ValidationError{Field: "body", Reason: "invalid payload: trailing data"}
	}
	return nil
}
