package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"leadline/internal/app"
	"leadline/internal/domain"
	"leadline/internal/reconcile"
	"leadline/internal/repo"
)

func (a *api) registerTasks(api huma.API) {
	e := a.svc.Engine

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List background tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"pending,running,completed,failed"`
		Type      string `query:"type"`
		UserEmail string `query:"user_email"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, badCursor(input.Cursor)
		}
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			Status:          input.Status,
			Type:            input.Type,
			UserEmail:       input.UserEmail,
			Limit:           limit + 1,
			CursorCreatedAt: ts,
			CursorID:        id,
		})
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		resp := paginatedTasks{Items: items}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/cancel",
		Summary:     "Cancel a pending or running task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CancelTask(ctx, input.ID, actorID)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-logs",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/logs",
		Summary:     "Provenance entries recorded for a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"100"`
	}) (*struct {
		Body provenanceList `json:"body"`
	}, error) {
		logs, err := e.TaskLogs(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body provenanceList `json:"body"`
		}{Body: provenanceList{Items: logs}}, nil
	})
}

func (a *api) registerProvenance(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-provenance",
		Method:      http.MethodGet,
		Path:        "/provenance",
		Summary:     "Query the provenance log",
	}, func(ctx context.Context, input *struct {
		Actor        string `query:"actor"`
		Action       string `query:"action"`
		ResourceType string `query:"resource_type"`
		ResourceID   string `query:"resource_id"`
		Since        string `query:"since" format:"date-time"`
		Limit        int    `query:"limit" default:"100"`
	}) (*struct {
		Body provenanceList `json:"body"`
	}, error) {
		items, err := a.svc.Repo.ListProvenance(ctx, repo.ProvenanceFilters{
			Actor:        input.Actor,
			Action:       input.Action,
			ResourceType: input.ResourceType,
			ResourceID:   input.ResourceID,
			Since:        input.Since,
			Limit:        normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body provenanceList `json:"body"`
		}{Body: provenanceList{Items: items}}, nil
	})
}

func (a *api) registerMonitoring(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "monitoring-health",
		Method:      http.MethodGet,
		Path:        "/monitoring/health",
		Summary:     "Liveness of the inbound email monitor",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body reconcile.Health `json:"body"`
	}, error) {
		h, err := a.svc.Reconciler.Health(ctx, a.svc.Config.Features.EmailMonitoring, a.svc.MonitoringInterval())
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body reconcile.Health `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "monitoring-check",
		Method:        http.MethodPost,
		Path:          "/monitoring/check",
		Summary:       "Dispatch an inbox poll",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		return a.dispatch(ctx, app.JobMonitoringInbound, nil)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "monitoring-check-missed",
		Method:        http.MethodPost,
		Path:          "/monitoring/check-missed",
		Summary:       "Dispatch a missed-reply sweep",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body *MissedRepliesRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		payload := app.MissedRepliesPayload{WindowHours: 24}
		if input.Body != nil && input.Body.WindowHours > 0 {
			payload.WindowHours = input.Body.WindowHours
		}
		return a.dispatch(ctx, app.JobMonitoringMissedReplies, payload)
	})
}
