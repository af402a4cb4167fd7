package triage

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input. It is returned before any state
// changes and its message is safe to show to the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a reference to a notification id that does not exist.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("notification %q not found", e.ID)
}

// StoreUnavailableError wraps a failure of the durable store.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// unavailable wraps err unless it already carries a domain error.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		ve *ValidationError
		nf *NotFoundError
		su *StoreUnavailableError
	)
	if errors.As(err, &ve) || errors.As(err, &nf) || errors.As(err, &su) {
		return err
	}
	return &StoreUnavailableError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsUnavailable reports whether err is a StoreUnavailableError.
func IsUnavailable(err error) bool {
	var su *StoreUnavailableError
	return errors.As(err, &su)
}

// BatchItem is the outcome for one id of a bulk update.
type BatchItem struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	State State  `json:"state,omitempty"`
	Error string `json:"error,omitempty"`

	err error
}

// Err returns the underlying error for a failed item.
func (b BatchItem) Err() error { return b.err }

// BatchResult carries per-id outcomes of a bulk update. Items are applied
// independently; there is no atomicity across the batch, so a failed item
// does not roll back the ones that succeeded.
type BatchResult struct {
	Action string      `json:"action"`
	Items  []BatchItem `json:"items"`
}

// Failed returns the items that were not applied.
func (r *BatchResult) Failed() []BatchItem {
	var out []BatchItem
	for _, it := range r.Items {
		if !it.OK {
			out = append(out, it)
		}
	}
	return out
}

// FailedIDs returns the ids to retry.
func (r *BatchResult) FailedIDs() []string {
	var out []string
	for _, it := range r.Items {
		if !it.OK {
			out = append(out, it.ID)
		}
	}
	return out
}

// OK reports whether every item was applied.
func (r *BatchResult) OK() bool {
	for _, it := range r.Items {
		if !it.OK {
			return false
		}
	}
	return true
}
