package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"leadline/internal/backoff"
	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/jobs"
	"leadline/internal/mailer"
)

const (
	JobProspectingDaily          = "prospecting.daily"
	JobProspectingRepos          = "prospecting.repos"
	JobOutreachDrain             = "outreach.drain"
	JobOutreachSendSingle        = "outreach.send_single"
	JobOutreachAutomated         = "outreach.automated"
	JobOutreachScheduleAutomated = "outreach.schedule_automated"
	JobMonitoringInbound         = "monitoring.inbound"
	JobMonitoringMissedReplies   = "monitoring.missed_replies"
	JobCleanupPeriodic           = "cleanup.periodic"
)

const taskActor = "task_worker"

type ProspectPayload struct {
	Repos      []string `json:"repos,omitempty"`
	MaxPerRepo int      `json:"max_per_repo,omitempty"`
}

type DrainPayload struct {
	BatchSize int `json:"batch_size,omitempty"`
}

type SendSinglePayload struct {
	OutreachID string `json:"outreach_id"`
}

type AutomatedPayload struct {
	LeadID string `json:"lead_id"`
}

type ScheduleAutomatedPayload struct {
	Limit int `json:"limit,omitempty"`
}

type MissedRepliesPayload struct {
	WindowHours int `json:"window_hours,omitempty"`
}

// ProspectResult is the task output of a prospecting run.
type ProspectResult struct {
	Fetched int `json:"fetched"`
	engine.IngestResult
	Error string `json:"error,omitempty"`
}

// DrainOutput extends a drain with the retries it dispatched.
type DrainOutput struct {
	engine.DrainResult
	Retries []string `json:"retries"`
}

type jobSpec struct {
	name      string
	queue     string
	retries   int
	base      time.Duration
	exclusive bool
	track     bool
	handler   jobs.HandlerFunc
}

func (s *Services) registerJobs() error {
	specs := []jobSpec{
		{JobProspectingDaily, "prospecting", 3, 60 * time.Second, true, true, s.handleProspectDaily},
		{JobProspectingRepos, "prospecting", 3, 30 * time.Second, false, true, s.handleProspectRepos},
		{JobOutreachDrain, "outreach", 0, 0, true, false, s.handleDrain},
		{JobOutreachSendSingle, "outreach", 2, 60 * time.Second, false, true, s.handleSendSingle},
		{JobOutreachAutomated, "outreach", 3, 300 * time.Second, false, true, s.handleAutomated},
		{JobOutreachScheduleAutomated, "outreach", 0, 0, true, false, s.handleScheduleAutomated},
		{JobMonitoringInbound, "monitoring", 3, 30 * time.Second, true, false, s.handleMonitoring},
		{JobMonitoringMissedReplies, "missed-replies", 3, 30 * time.Second, true, false, s.handleMissedReplies},
		{JobCleanupPeriodic, "cleanup", 1, 300 * time.Second, true, true, s.handleCleanup},
	}
	for _, sp := range specs {
		retry := s.Config.RetryFor(sp.name, config.Retry{MaxRetries: sp.retries, Backoff: sp.base})
		var strategy backoff.Strategy
		if retry.Backoff > 0 {
			strategy = backoff.NewExponential(retry.Backoff, time.Hour)
		}
		if err := s.Registry.Register(jobs.Definition{
			Name:        sp.name,
			Queue:       sp.queue,
			MaxRetries:  retry.MaxRetries,
			Backoff:     strategy,
			SoftTimeout: s.Config.Tasks.SoftTimeout,
			HardTimeout: s.Config.Tasks.HardTimeout,
			Exclusive:   sp.exclusive,
			Track:       sp.track,
			Handler:     sp.handler,
		}); err != nil {
			return err
		}
	}
	return nil
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, jobs.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	return v, nil
}

// classify marks errors that a retry cannot fix as permanent. Transient
// provider errors and unknown failures stay retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if mailer.IsTransient(err) {
		return err
	}
	var (
		pe  *mailer.ProviderError
		ve  *domain.ValidationError
		te  *domain.TransitionError
		ae  *domain.ApprovalRequiredError
		dup *domain.DuplicateError
	)
	switch {
	case errors.As(err, &pe), errors.As(err, &ve), errors.As(err, &te), errors.As(err, &ae), errors.As(err, &dup),
		errors.Is(err, domain.ErrNotFound):
		return jobs.Permanent(err)
	}
	return err
}

func (s *Services) handleProspectDaily(ctx context.Context, _ json.RawMessage) (any, error) {
	if !s.Config.Features.Prospecting {
		return nil, fmt.Errorf("%w: prospecting disabled", jobs.ErrSkipped)
	}
	return s.prospect(ctx, s.Config.Prospect.Repos, s.Config.Prospect.MaxPerRepo)
}

func (s *Services) handleProspectRepos(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[ProspectPayload](payload)
	if err != nil {
		return nil, err
	}
	if len(p.Repos) == 0 {
		return nil, jobs.Permanent(&domain.ValidationError{Reason: "repos is required"})
	}
	max := p.MaxPerRepo
	if max <= 0 {
		max = s.Config.Prospect.MaxPerRepo
	}
	return s.prospect(ctx, p.Repos, max)
}

// prospect ingests whatever the source returned. A source error only fails
// the job when nothing came back.
func (s *Services) prospect(ctx context.Context, repos []string, max int) (ProspectResult, error) {
	var res ProspectResult
	if len(repos) == 0 {
		return res, jobs.Permanent(&domain.ValidationError{Reason: "no repositories configured for prospecting"})
	}
	cands, srcErr := s.Prospector.Prospect(ctx, repos, max)
	res.Fetched = len(cands)
	if srcErr != nil {
		if len(cands) == 0 {
			return res, fmt.Errorf("prospect: %w", srcErr)
		}
		res.Error = srcErr.Error()
		s.Logger.Warn("prospecting returned partial results", "fetched", len(cands), "error", srcErr)
	}
	ingested, err := s.Engine.IngestCandidates(ctx, cands, taskActor)
	if err != nil {
		return res, err
	}
	res.IngestResult = ingested
	return res, nil
}

// handleDrain sends queued outreach and hands transient failures to
// send_single, which owns the retry budget for a single record.
func (s *Services) handleDrain(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[DrainPayload](payload)
	if err != nil {
		return nil, err
	}
	res, err := s.Engine.DrainQueue(ctx, p.BatchSize)
	out := DrainOutput{DrainResult: res, Retries: []string{}}
	if err != nil {
		return out, err
	}
	delay := s.Config.RetryFor(JobOutreachSendSingle, config.Retry{Backoff: 60 * time.Second}).Backoff
	for _, id := range res.Transient {
		_, derr := s.Dispatcher.Dispatch(ctx, JobOutreachSendSingle, SendSinglePayload{OutreachID: id}, jobs.DispatchOptions{
			UniqueKey: JobOutreachSendSingle + ":" + id,
			Delay:     delay,
			Track:     true,
		})
		switch {
		case derr == nil:
			out.Retries = append(out.Retries, id)
		case errors.Is(derr, jobs.ErrDuplicate):
		default:
			s.Logger.Error("dispatch send retry", "outreach_id", id, "error", derr)
		}
	}
	return out, nil
}

func (s *Services) handleSendSingle(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[SendSinglePayload](payload)
	if err != nil {
		return nil, err
	}
	if p.OutreachID == "" {
		return nil, jobs.Permanent(&domain.ValidationError{Reason: "outreach_id is required"})
	}
	o, err := s.Engine.SendOne(ctx, p.OutreachID, taskActor)
	if err != nil {
		return nil, classify(err)
	}
	return map[string]any{"outreach_id": o.ID, "status": o.Status, "message_id": o.MessageID}, nil
}

func (s *Services) handleAutomated(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[AutomatedPayload](payload)
	if err != nil {
		return nil, err
	}
	if p.LeadID == "" {
		return nil, jobs.Permanent(&domain.ValidationError{Reason: "lead_id is required"})
	}
	res, err := s.Engine.SendAutomatedOutreach(ctx, p.LeadID)
	if err != nil {
		return res, classify(err)
	}
	return res, nil
}

func (s *Services) handleScheduleAutomated(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[ScheduleAutomatedPayload](payload)
	if err != nil {
		return nil, err
	}
	ids, err := s.Engine.ScheduleAutomatedOutreach(ctx, p.Limit)
	if err != nil {
		return nil, err
	}
	scheduled := []string{}
	for _, id := range ids {
		_, derr := s.Dispatcher.Dispatch(ctx, JobOutreachAutomated, AutomatedPayload{LeadID: id}, jobs.DispatchOptions{
			UniqueKey: JobOutreachAutomated + ":" + id,
		})
		switch {
		case derr == nil:
			scheduled = append(scheduled, id)
		case errors.Is(derr, jobs.ErrDuplicate):
		default:
			return map[string]any{"scheduled": scheduled}, derr
		}
	}
	return map[string]any{"candidates": len(ids), "scheduled": scheduled}, nil
}

func (s *Services) handleMonitoring(ctx context.Context, _ json.RawMessage) (any, error) {
	if !s.Config.Features.EmailMonitoring {
		return nil, fmt.Errorf("%w: email monitoring disabled", jobs.ErrSkipped)
	}
	return s.Reconciler.PollInbound(ctx)
}

func (s *Services) handleMissedReplies(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[MissedRepliesPayload](payload)
	if err != nil {
		return nil, err
	}
	window := time.Duration(p.WindowHours) * time.Hour
	return s.Reconciler.SweepMissedReplies(ctx, window)
}

type purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

func (s *Services) handleCleanup(ctx context.Context, _ json.RawMessage) (any, error) {
	res, err := s.Engine.Cleanup(ctx)
	if err != nil {
		return res, err
	}
	out := map[string]any{
		"closed_failures":    res.ClosedFailures,
		"recovered_sending":  res.RecoveredSending,
		"tasks_deleted":      res.TasksDeleted,
		"provenance_deleted": res.ProvenanceDeleted,
	}
	if p, ok := s.Broker.(purger); ok {
		retention := s.Config.Tasks.Retention
		if retention <= 0 {
			retention = 30 * 24 * time.Hour
		}
		n, err := p.Purge(ctx, s.Now().UTC().Add(-retention))
		if err != nil {
			return out, err
		}
		out["jobs_purged"] = n
	}
	return out, nil
}
