package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"leadline/internal/domain"
	"leadline/internal/events"
	"leadline/internal/repo"
	"leadline/internal/scoring"
)

// IngestResult summarizes one batch of candidates.
type IngestResult struct {
	Evaluated int               `json:"evaluated"`
	Qualified int               `json:"qualified"`
	Inserted  []string          `json:"inserted"`
	Updated   []string          `json:"updated"`
	Rejected  map[string]string `json:"rejected,omitempty"`
}

// IngestCandidates scores candidates and upserts the qualified ones by issue
// URL. New leads start ENRICHED; re-ingesting keeps the stored stage.
func (e Engine) IngestCandidates(ctx context.Context, candidates []domain.Candidate, actorID string) (IngestResult, error) {
	res := IngestResult{Inserted: []string{}, Updated: []string{}, Rejected: map[string]string{}}
	var valid []domain.Candidate
	for _, c := range candidates {
		if err := c.Validate(); err != nil {
			key := c.IssueURL
			if key == "" {
				key = fmt.Sprintf("#%d", len(res.Rejected))
			}
			res.Rejected[key] = err.Error()
			continue
		}
		valid = append(valid, c)
	}
	res.Evaluated = len(valid)
	qualified := scoring.Qualify(valid, e.threshold())
	res.Qualified = len(qualified)
	if len(qualified) == 0 {
		return res, nil
	}

	err := e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.nowString()
		for _, sl := range qualified {
			l := leadFromScored(sl, now)
			id, inserted, err := e.Repo.UpsertLead(ctx, tx, l)
			if err != nil {
				return fmt.Errorf("upsert lead %s: %w", l.IssueURL, err)
			}
			if inserted {
				res.Inserted = append(res.Inserted, id)
			} else {
				res.Updated = append(res.Updated, id)
			}
			if err := e.events().Append(ctx, tx, events.LeadUpserted, "lead", id, actorID, events.EventPayload{
				"issue_url": l.IssueURL,
				"score":     l.NoviceScore,
				"inserted":  inserted,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}
	e.logger().Info("candidates ingested", "evaluated", res.Evaluated, "qualified", res.Qualified,
		"inserted", len(res.Inserted), "updated", len(res.Updated))
	return res, nil
}

func (e Engine) threshold() float64 {
	if e.Config == nil || e.Config.Scoring.Threshold <= 0 {
		return scoring.DefaultThreshold
	}
	return e.Config.Scoring.Threshold
}

func leadFromScored(sl domain.ScoredLead, now string) domain.Lead {
	c := sl.Candidate
	source := c.Source
	if source == "" {
		source = "github"
	}
	l := domain.Lead{
		ID:          uuid.NewString(),
		Source:      source,
		Repo:        c.Repo,
		IssueNumber: c.IssueNumber,
		IssueURL:    c.IssueURL,
		IssueTitle:  c.Title,
		IssueBody:   c.Body,
		IssueLabels: c.Labels,
		UserLogin:   c.UserLogin,
		ProfileURL:  c.ProfileURL,
		Email:       optionalString(c.Email),
		Website:     optionalString(c.Website),
		Signals:     sl.Signals,
		NoviceScore: sl.Score,
		Stage:       domain.LeadEnriched,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if c.IssueCreatedAt != nil {
		l.IssueCreatedAt = strPtr(domain.FormatTime(*c.IssueCreatedAt))
	}
	return l
}

func (e Engine) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	return e.Repo.GetLead(ctx, id)
}

func (e Engine) ListLeads(ctx context.Context, f repo.LeadFilters) ([]domain.Lead, error) {
	return e.Repo.ListLeads(ctx, f)
}

// AdvanceLeadStage moves a lead forward. Moving to the current or an earlier
// stage leaves the lead unchanged.
func (e Engine) AdvanceLeadStage(ctx context.Context, id string, stage domain.LeadStage, actorID string) (domain.Lead, error) {
	if stage.Rank() < 0 {
		return domain.Lead{}, &domain.ValidationError{Reason: fmt.Sprintf("unknown lead stage %q", stage), IDs: []string{id}}
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		return e.advanceLeadTx(ctx, tx, id, stage, actorID)
	})
	if err != nil {
		return domain.Lead{}, err
	}
	return e.Repo.GetLead(ctx, id)
}

func (e Engine) advanceLeadTx(ctx context.Context, tx *sql.Tx, id string, stage domain.LeadStage, actorID string) error {
	l, err := e.Repo.GetLeadTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		e.logger().Warn("lead missing for stage change", "lead_id", id, "stage", stage)
		return nil
	}
	if err != nil {
		return err
	}
	if stage.Rank() <= l.Stage.Rank() {
		return nil
	}
	return e.setLeadStage(ctx, tx, l, stage, actorID, "advance")
}

// ResetLeadStage sets any stage, backwards included.
func (e Engine) ResetLeadStage(ctx context.Context, id string, stage domain.LeadStage, actorID string) (domain.Lead, error) {
	if stage.Rank() < 0 {
		return domain.Lead{}, &domain.ValidationError{Reason: fmt.Sprintf("unknown lead stage %q", stage), IDs: []string{id}}
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		l, err := e.Repo.GetLeadTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if l.Stage == stage {
			return nil
		}
		return e.setLeadStage(ctx, tx, l, stage, actorID, "reset")
	})
	if err != nil {
		return domain.Lead{}, err
	}
	return e.Repo.GetLead(ctx, id)
}

func (e Engine) setLeadStage(ctx context.Context, tx *sql.Tx, l domain.Lead, stage domain.LeadStage, actorID, reason string) error {
	if err := e.Repo.SetLeadStage(ctx, tx, l.ID, stage, e.nowString()); err != nil {
		return err
	}
	return e.events().Append(ctx, tx, events.LeadStage, "lead", l.ID, actorID, events.EventPayload{
		"from":   string(l.Stage),
		"to":     string(stage),
		"reason": reason,
	})
}

// advanceLeadsByEmail moves every lead sharing email to stage. Leads already
// at or past stage are left alone.
func (e Engine) advanceLeadsByEmail(ctx context.Context, tx *sql.Tx, email string, stage domain.LeadStage, actorID string) error {
	leads, err := e.Repo.LeadsByEmail(ctx, tx, email)
	if err != nil {
		return err
	}
	for _, l := range leads {
		if stage.Rank() <= l.Stage.Rank() {
			continue
		}
		if err := e.setLeadStage(ctx, tx, l, stage, actorID, "reply"); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) LeadStatistics(ctx context.Context, days int) (repo.LeadStats, error) {
	if days <= 0 {
		days = 30
	}
	return e.Repo.LeadStatistics(ctx, domain.FormatTime(e.now().AddDate(0, 0, -days)))
}
