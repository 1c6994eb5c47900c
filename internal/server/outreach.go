package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"leadline/internal/app"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/mailer"
	"leadline/internal/repo"
)

type outreachPath struct {
	ID string `path:"id"`
}

func (a *api) registerOutreach(api huma.API) {
	e := a.svc.Engine

	huma.Register(api, huma.Operation{
		OperationID: "list-outreach",
		Method:      http.MethodGet,
		Path:        "/outreach",
		Summary:     "List outreach requests",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status" enum:"draft,queued,sending,sent,failed,delivered,replied,closed"`
		ContactEmail string `query:"contact_email"`
		DatasetID    string `query:"dataset_id"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedOutreach `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, badCursor(input.Cursor)
		}
		items, err := e.ListOutreach(ctx, repo.OutreachFilters{
			Status:          input.Status,
			ContactEmail:    input.ContactEmail,
			DatasetID:       input.DatasetID,
			Limit:           limit + 1,
			CursorCreatedAt: ts,
			CursorID:        id,
		})
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		resp := paginatedOutreach{Items: items}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedOutreach `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-outreach",
		Method:        http.MethodPost,
		Path:          "/outreach",
		Summary:       "Create outreach request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateOutreachRequest `json:"body"`
	}) (*struct {
		Body domain.OutreachRequest `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.CreateOutreach(ctx, engine.CreateOutreachOptions{
			DatasetID:        input.Body.DatasetID,
			LeadID:           input.Body.LeadID,
			RequesterEmail:   input.Body.RequesterEmail,
			RequesterName:    input.Body.RequesterName,
			ContactEmail:     input.Body.ContactEmail,
			ContactName:      input.Body.ContactName,
			Subject:          input.Body.Subject,
			Body:             input.Body.Body,
			Persona:          input.Body.Persona,
			ApprovalRequired: input.Body.ApprovalRequired,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		if input.Body.Enqueue && !o.ApprovalRequired {
			if o, err = e.Enqueue(ctx, o.ID, actorID); err != nil {
				return nil, a.handleError(ctx, err)
			}
		}
		return &struct {
			Body domain.OutreachRequest `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "outreach-stats",
		Method:      http.MethodGet,
		Path:        "/outreach/stats",
		Summary:     "Outreach statistics",
	}, func(ctx context.Context, input *struct {
		Days int `query:"days" default:"30" minimum:"1" maximum:"365"`
	}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		stats, err := e.Statistics(ctx, input.Days)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-outreach",
		Method:      http.MethodGet,
		Path:        "/outreach/{id}",
		Summary:     "Get outreach request with its transition history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *outreachPath) (*struct {
		Body OutreachDetail `json:"body"`
	}, error) {
		o, err := e.GetOutreach(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		history, err := e.OutreachHistory(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body OutreachDetail `json:"body"`
		}{Body: OutreachDetail{OutreachRequest: o, History: history}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "enqueue-outreach",
		Method:      http.MethodPost,
		Path:        "/outreach/{id}/enqueue",
		Summary:     "Queue a draft or failed outreach request",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *outreachPath) (*struct {
		Body domain.OutreachRequest `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.Enqueue(ctx, input.ID, actorID)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body domain.OutreachRequest `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-outreach",
		Method:      http.MethodPost,
		Path:        "/outreach/{id}/approve",
		Summary:     "Approve an outreach request",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *outreachPath) (*struct {
		Body domain.OutreachRequest `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.Approve(ctx, input.ID, actorID)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body domain.OutreachRequest `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-outreach",
		Method:      http.MethodPost,
		Path:        "/outreach/{id}/send",
		Summary:     "Send one outreach request now",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *outreachPath) (*struct {
		Body SendResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.SendOne(ctx, input.ID, actorID)
		resp := SendResponse{Outreach: o}
		if err != nil {
			var pe *mailer.ProviderError
			if !errors.As(err, &pe) {
				return nil, a.handleError(ctx, err)
			}
			resp.Error = pe.Error()
		}
		return &struct {
			Body SendResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-send-outreach",
		Method:      http.MethodPost,
		Path:        "/outreach/bulk-send",
		Summary:     "Send several outreach requests; the batch is validated as a whole",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body BulkSendRequest `json:"body"`
	}) (*struct {
		Body BulkSendResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.BulkSend(ctx, input.Body.OutreachIDs, actorID)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body BulkSendResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-outreach-status",
		Method:      http.MethodPost,
		Path:        "/outreach/{id}/status",
		Summary:     "Manually move an outreach request along its lifecycle",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateStatusRequest `json:"body"`
	}) (*struct {
		Body domain.OutreachRequest `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.UpdateStatus(ctx, input.ID, domain.OutreachStatus(input.Body.Status), actorID, input.Body.Reason)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body domain.OutreachRequest `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "process-outreach-queue",
		Method:        http.MethodPost,
		Path:          "/outreach/process-queue",
		Summary:       "Dispatch a queue drain",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BatchSize int `query:"batch_size"`
	}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		return a.dispatch(ctx, app.JobOutreachDrain, app.DrainPayload{BatchSize: input.BatchSize})
	})
}

// dispatch queues a tracked job for the caller.
func (a *api) dispatch(ctx context.Context, name string, payload any) (*struct {
	Body DispatchResponse `json:"body"`
}, error) {
	if _, authErr := actorIDFromContext(ctx); authErr != nil {
		return nil, authErr
	}
	d, err := a.svc.Dispatch(ctx, name, payload, userEmailFromContext(ctx))
	if err != nil {
		return nil, a.handleError(ctx, err)
	}
	return &struct {
		Body DispatchResponse `json:"body"`
	}{Body: d}, nil
}
