// Package notifyapi is the HTTP surface of the triage daemon: remote
// notification sources post events, clients manage the ledger and policy,
// and the advisory layer calls the tool surfaces.
package notifyapi

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/hush/internal/tools"
	"github.com/linnemanlabs/hush/internal/triage"
)

// TriageService defines the business operations notifyapi needs.
type TriageService interface {
	tools.Triage
	Update(ctx context.Context, id string, p triage.Patch) (*triage.Notification, error)
	ApplyFeedback(ctx context.Context, id string, req triage.FeedbackRequest) (*triage.Notification, error)
	ConfirmFeedback(ctx context.Context, id, feedbackID string) (*triage.PolicyChange, error)
	Retriage(ctx context.Context, id string) (*triage.Notification, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    TriageService
	tools  *tools.Registry
	now    func() time.Time
}

// New creates a new API handler. A nil registry disables the tool routes.
func New(logger log.Logger, svc TriageService, reg *tools.Registry) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		tools:  reg,
		now:    time.Now,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/notifications", func(r chi.Router) {
			r.Post("/", a.handleIngest)
			r.Get("/", a.handleList)
			r.Post("/bulk", a.handleBulkUpdate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGet)
				r.Patch("/", a.handleUpdate)
				r.Post("/feedback", a.handleFeedback)
				r.Post("/feedback/{feedbackID}/confirm", a.handleConfirmFeedback)
				r.Post("/retriage", a.handleRetriage)
			})
		})
		r.Get("/stats", a.handleStats)
		r.Get("/policy", a.handleGetPolicy)
		r.Post("/policy", a.handleManagePolicy)
		r.Post("/digests", a.handleDigest)
		if a.tools != nil {
			r.Get("/tools", a.handleListTools)
			r.Post("/tools/{name}", a.handleExecuteTool)
		}
	})
}
