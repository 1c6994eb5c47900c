package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"leadline/internal/app"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/repo"
)

type LeadStageRequest struct {
	Stage string `json:"stage" enum:"new,enriched,contacted,replied"`
	// Reset allows moving the lead backwards.
	Reset bool `json:"reset,omitempty"`
}

func (a *api) registerLeads(api huma.API) {
	e := a.svc.Engine

	huma.Register(api, huma.Operation{
		OperationID: "list-leads",
		Method:      http.MethodGet,
		Path:        "/leads",
		Summary:     "List leads",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage    string  `query:"stage" enum:"new,enriched,contacted,replied"`
		Repo     string  `query:"repo"`
		MinScore float64 `query:"min_score"`
		Limit    int     `query:"limit" default:"50"`
		Cursor   string  `query:"cursor"`
	}) (*struct {
		Body paginatedLeads `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, badCursor(input.Cursor)
		}
		items, err := e.ListLeads(ctx, repo.LeadFilters{
			Stage:           input.Stage,
			Repo:            input.Repo,
			MinScore:        input.MinScore,
			Limit:           limit + 1,
			CursorCreatedAt: ts,
			CursorID:        id,
		})
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		resp := paginatedLeads{Items: items}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedLeads `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lead-stats",
		Method:      http.MethodGet,
		Path:        "/leads/stats",
		Summary:     "Lead funnel statistics",
	}, func(ctx context.Context, input *struct {
		Days int `query:"days" default:"30" minimum:"1" maximum:"365"`
	}) (*struct {
		Body LeadStatsResponse `json:"body"`
	}, error) {
		stats, err := e.LeadStatistics(ctx, input.Days)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body LeadStatsResponse `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lead",
		Method:      http.MethodGet,
		Path:        "/leads/{id}",
		Summary:     "Get lead",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Lead `json:"body"`
	}, error) {
		l, err := e.GetLead(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body domain.Lead `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ingest-leads",
		Method:      http.MethodPost,
		Path:        "/leads/ingest",
		Summary:     "Score and store candidate leads",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body IngestLeadsRequest `json:"body"`
	}) (*struct {
		Body engine.IngestResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.IngestCandidates(ctx, input.Body.Candidates, actorID)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body engine.IngestResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "prospect-leads",
		Method:        http.MethodPost,
		Path:          "/leads/prospect",
		Summary:       "Dispatch prospecting for the given repositories",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ProspectRequest `json:"body"`
	}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		return a.dispatch(ctx, app.JobProspectingRepos, app.ProspectPayload{
			Repos:      input.Body.Repos,
			MaxPerRepo: input.Body.MaxPerRepo,
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-lead-stage",
		Method:      http.MethodPost,
		Path:        "/leads/{id}/stage",
		Summary:     "Advance a lead through the funnel",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body LeadStageRequest `json:"body"`
	}) (*struct {
		Body domain.Lead `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stage := domain.LeadStage(input.Body.Stage)
		var (
			l   domain.Lead
			err error
		)
		if input.Body.Reset {
			l, err = e.ResetLeadStage(ctx, input.ID, stage, actorID)
		} else {
			l, err = e.AdvanceLeadStage(ctx, input.ID, stage, actorID)
		}
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body domain.Lead `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "lead-outreach",
		Method:        http.MethodPost,
		Path:          "/leads/{id}/outreach",
		Summary:       "Dispatch automated outreach for one lead",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		if _, err := e.GetLead(ctx, input.ID); err != nil {
			return nil, a.handleError(ctx, err)
		}
		return a.dispatch(ctx, app.JobOutreachAutomated, app.AutomatedPayload{LeadID: input.ID})
	})
}
