package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"

	"github.com/danielgtaylor/huma/v2"

	"leadline/internal/reconcile"
)

func (a *api) registerWebhooks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "provider-webhook",
		Method:      http.MethodPost,
		Path:        "/webhooks/provider",
		Summary:     "Receive a mail provider event",
		Description: "Authenticated by the HMAC-SHA256 of the raw body in " + reconcile.SignatureHeader + " when a webhook secret is configured.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Signature string `header:"X-Provider-Signature"`
	}) (*struct {
		Body reconcile.Result `json:"body"`
	}, error) {
		res, err := a.svc.Reconciler.HandleWebhook(ctx, bodyBytes(ctx), input.Signature)
		if err != nil {
			ip, ua := clientInfo(ctx)
			a.logger.WarnContext(ctx, "webhook rejected",
				slog.String("error", err.Error()), slog.String("ip", ip), slog.String("user_agent", ua))
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body reconcile.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "webhook-config",
		Method:      http.MethodGet,
		Path:        "/webhooks/config",
		Summary:     "Webhook endpoint and feature flags",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WebhookConfigResponse `json:"body"`
	}, error) {
		cfg := a.svc.Config
		return &struct {
			Body WebhookConfigResponse `json:"body"`
		}{Body: WebhookConfigResponse{
			Endpoint:                 path.Join(a.basePath, "webhooks/provider"),
			SignatureHeader:          reconcile.SignatureHeader,
			SignatureRequired:        cfg.Webhooks.Secret != "",
			EmailMonitoringEnabled:   cfg.Features.EmailMonitoring,
			AutomatedOutreachEnabled: cfg.Features.AutomatedOutreach,
			ProspectingEnabled:       cfg.Features.Prospecting,
		}}, nil
	})
}
