package server

import (
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/jobs"
	"leadline/internal/repo"
)

// Request payloads

type CreateOutreachRequest struct {
	DatasetID        string `json:"dataset_id,omitempty"`
	LeadID           string `json:"lead_id,omitempty"`
	RequesterEmail   string `json:"requester_email,omitempty"`
	RequesterName    string `json:"requester_name,omitempty"`
	ContactEmail     string `json:"contact_email" format:"email"`
	ContactName      string `json:"contact_name,omitempty"`
	Subject          string `json:"email_subject,omitempty"`
	Body             string `json:"email_body,omitempty"`
	Persona          string `json:"persona,omitempty"`
	ApprovalRequired bool   `json:"approval_required,omitempty"`
	// Enqueue moves the new record straight to QUEUED when no approval is
	// required.
	Enqueue bool `json:"enqueue,omitempty"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" enum:"draft,queued,failed,delivered,replied,closed"`
	Reason string `json:"reason,omitempty"`
}

type BulkSendRequest struct {
	OutreachIDs []string `json:"outreach_ids" minItems:"1"`
}

type IngestLeadsRequest struct {
	Candidates []domain.Candidate `json:"candidates"`
}

type ProspectRequest struct {
	Repos      []string `json:"repos" minItems:"1"`
	MaxPerRepo int      `json:"max_per_repo,omitempty"`
}

type MissedRepliesRequest struct {
	WindowHours int `json:"window_hours,omitempty"`
}

// Responses

type paginatedOutreach struct {
	Items      []domain.OutreachRequest `json:"items"`
	NextCursor string                   `json:"next_cursor,omitempty"`
}

type paginatedLeads struct {
	Items      []domain.Lead `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type provenanceList struct {
	Items []domain.Provenance `json:"items"`
}

type OutreachDetail struct {
	domain.OutreachRequest
	History []domain.Event `json:"history,omitempty"`
}

// SendResponse carries the record after a send attempt. Error holds the
// provider error when the attempt left the record FAILED.
type SendResponse struct {
	Outreach domain.OutreachRequest `json:"outreach"`
	Error    string                 `json:"error,omitempty"`
}

type BulkSendResponse = engine.BulkResult

type DispatchResponse = jobs.Dispatched

type StatsResponse = engine.OutreachStats

type LeadStatsResponse = repo.LeadStats

type WebhookConfigResponse struct {
	Endpoint                 string `json:"endpoint"`
	SignatureHeader          string `json:"signature_header"`
	SignatureRequired        bool   `json:"signature_required"`
	EmailMonitoringEnabled   bool   `json:"email_monitoring_enabled"`
	AutomatedOutreachEnabled bool   `json:"automated_outreach_enabled"`
	ProspectingEnabled       bool   `json:"prospecting_enabled"`
}
