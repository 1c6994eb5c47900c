package engine

import (
	"context"
	"errors"
	"fmt"

	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/mailer"
)

// AutomatedResult reports what automated outreach did for one lead.
type AutomatedResult struct {
	LeadID     string `json:"lead_id"`
	Status     string `json:"status"`
	OutreachID string `json:"outreach_id,omitempty"`
	Persona    string `json:"persona,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

const (
	AutomatedSent            = "sent"
	AutomatedPendingApproval = "pending_approval"
	AutomatedSkipped         = "skipped"
)

const automatedActor = "automated_outreach"

// ScheduleAutomatedOutreach picks up to limit ENRICHED leads that have an
// email and no outreach inside the dedup window.
func (e Engine) ScheduleAutomatedOutreach(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
		if e.Config != nil && e.Config.Outreach.AutomatedLimit > 0 {
			limit = e.Config.Outreach.AutomatedLimit
		}
	}
	since := domain.FormatTime(e.now().Add(-e.dedupWindow()))
	leads, err := e.Repo.LeadsReadyForOutreach(ctx, domain.LeadEnriched, since, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(leads))
	for _, l := range leads {
		ids = append(ids, l.ID)
	}
	return ids, nil
}

// SendAutomatedOutreach composes and sends the first message to a lead.
// Without the automated_outreach feature the record is created awaiting
// approval instead of being sent. A provider error is returned after the
// record has been settled as FAILED, so callers can decide on a retry.
func (e Engine) SendAutomatedOutreach(ctx context.Context, leadID string) (AutomatedResult, error) {
	res := AutomatedResult{LeadID: leadID}
	lead, err := e.Repo.GetLead(ctx, leadID)
	if err != nil {
		return res, err
	}
	if lead.Email == nil || *lead.Email == "" {
		res.Status, res.Reason = AutomatedSkipped, "lead has no email"
		return res, nil
	}

	since := domain.FormatTime(e.now().Add(-e.dedupWindow()))
	existing, err := e.Repo.RecentOutreachForContact(ctx, nil, *lead.Email, since)
	switch {
	case err == nil:
		return e.resendExisting(ctx, res, lead, existing)
	case !errors.Is(err, domain.ErrNotFound):
		return res, err
	}

	persona, ok := SelectPersona(e.personas(), lead)
	if !ok {
		return res, fmt.Errorf("no personas configured")
	}
	res.Persona = persona.Key
	composer := e.Composer
	if composer == nil {
		composer = NewTemplateComposer(e.Config)
	}
	draft, err := composer.Compose(ctx, lead, persona)
	if err != nil {
		return res, fmt.Errorf("compose outreach for lead %s: %w", leadID, err)
	}
	approval := e.Config == nil || !e.Config.Features.AutomatedOutreach
	o, err := e.CreateOutreach(ctx, CreateOutreachOptions{
		LeadID:           lead.ID,
		ContactEmail:     *lead.Email,
		ContactName:      lead.UserLogin,
		Subject:          draft.Subject,
		Body:             draft.Body,
		Persona:          persona.Key,
		ApprovalRequired: approval,
		ActorID:          automatedActor,
	})
	if err != nil {
		var dup *domain.DuplicateError
		if errors.As(err, &dup) {
			res.Status, res.OutreachID, res.Reason = AutomatedSkipped, dup.ExistingID, "duplicate outreach"
			return res, nil
		}
		return res, err
	}
	res.OutreachID = o.ID
	if approval {
		res.Status = AutomatedPendingApproval
		return res, nil
	}
	if _, err := e.SendOne(ctx, o.ID, automatedActor); err != nil {
		res.Reason = err.Error()
		return res, err
	}
	res.Status = AutomatedSent
	return res, nil
}

// resendExisting retries an unsent record created for the same lead. Any
// other recent record to the contact counts as already reached.
func (e Engine) resendExisting(ctx context.Context, res AutomatedResult, lead domain.Lead, o domain.OutreachRequest) (AutomatedResult, error) {
	res.OutreachID = o.ID
	sameLead := o.LeadID != nil && *o.LeadID == lead.ID
	switch {
	case !sameLead:
		res.Status, res.Reason = AutomatedSkipped, "contact already reached"
		return res, nil
	case o.Status != domain.OutreachFailed && o.Status != domain.OutreachQueued && o.Status != domain.OutreachDraft:
		res.Status, res.Reason = AutomatedSkipped, "outreach already "+string(o.Status)
		return res, nil
	case o.AwaitingApproval():
		res.Status = AutomatedPendingApproval
		return res, nil
	}
	_, err := e.SendOne(ctx, o.ID, automatedActor)
	if err != nil {
		if domain.IsValidation(err) {
			res.Status, res.Reason = AutomatedSkipped, err.Error()
			return res, nil
		}
		res.Reason = err.Error()
		return res, err
	}
	res.Status = AutomatedSent
	return res, nil
}

func (e Engine) personas() []config.Persona {
	if e.Config == nil {
		return nil
	}
	return e.Config.Personas
}

// IsTransient reports whether err from a send is worth retrying.
func IsTransient(err error) bool {
	return mailer.IsTransient(err)
}
