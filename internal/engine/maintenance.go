package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"leadline/internal/audit"
	"leadline/internal/domain"
	"leadline/internal/repo"
)

// OutreachStats summarizes records created in the trailing window.
type OutreachStats struct {
	Days         int            `json:"days"`
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"by_status"`
	ReplyRate    float64        `json:"reply_rate"`
	DeliveryRate float64        `json:"delivery_rate"`
}

// Statistics counts records by status. Rates share the denominator
// sent+delivered+replied.
func (e Engine) Statistics(ctx context.Context, days int) (OutreachStats, error) {
	if days <= 0 {
		days = 30
	}
	counts, err := e.Repo.CountOutreachByStatus(ctx, domain.FormatTime(e.now().AddDate(0, 0, -days)))
	if err != nil {
		return OutreachStats{}, err
	}
	stats := OutreachStats{Days: days, ByStatus: map[string]int{}}
	for _, st := range domain.OutreachStatuses {
		stats.ByStatus[string(st)] = counts[st]
		stats.Total += counts[st]
	}
	sent, delivered, replied := counts[domain.OutreachSent], counts[domain.OutreachDelivered], counts[domain.OutreachReplied]
	if denom := sent + delivered + replied; denom > 0 {
		stats.ReplyRate = float64(replied) / float64(denom)
		stats.DeliveryRate = float64(delivered+replied) / float64(denom)
	}
	return stats, nil
}

// CloseAgedFailures closes FAILED records created before now-olderThan.
func (e Engine) CloseAgedFailures(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if olderThan <= 0 {
		olderThan = 90 * 24 * time.Hour
		if e.Config != nil && e.Config.Outreach.FailedMaxAge > 0 {
			olderThan = e.Config.Outreach.FailedMaxAge
		}
	}
	ids, err := e.Repo.ListOutreachIDs(ctx, domain.OutreachFailed, "created_at", domain.FormatTime(e.now().Add(-olderThan)))
	if err != nil {
		return nil, err
	}
	closed := []string{}
	for _, id := range ids {
		ok, err := e.settle(ctx, id, domain.OutreachFailed, domain.OutreachClosed, "aged out", func(now string) repo.OutreachPatch {
			return repo.OutreachPatch{ClosedAt: &now}
		})
		if err != nil {
			return closed, err
		}
		if ok {
			closed = append(closed, id)
		}
	}
	return closed, nil
}

// RecoverStaleSending fails records claimed before now-olderThan that never
// settled. Whether the provider accepted the message is unknown, so they
// are marked "send interrupted" and left for a human.
func (e Engine) RecoverStaleSending(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if olderThan <= 0 {
		olderThan = 30 * time.Minute
		if e.Config != nil && e.Config.Outreach.StaleSendingAfter > 0 {
			olderThan = e.Config.Outreach.StaleSendingAfter
		}
	}
	ids, err := e.Repo.ListOutreachIDs(ctx, domain.OutreachSending, "claimed_at", domain.FormatTime(e.now().Add(-olderThan)))
	if err != nil {
		return nil, err
	}
	recovered := []string{}
	for _, id := range ids {
		ok, err := e.settle(ctx, id, domain.OutreachSending, domain.OutreachFailed, SendInterrupted, func(string) repo.OutreachPatch {
			msg := SendInterrupted
			return repo.OutreachPatch{LastError: &msg, ClearClaim: true}
		})
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered = append(recovered, id)
			e.logger().Warn("stale send recovered", "outreach_id", id)
		}
	}
	return recovered, nil
}

func (e Engine) settle(ctx context.Context, id string, from, to domain.OutreachStatus, reason string, patch func(now string) repo.OutreachPatch) (bool, error) {
	var ok bool
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		o, err := e.Repo.GetOutreachTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if o.Status != from {
			return nil
		}
		ok, err = e.transition(ctx, tx, &o, to, "maintenance", reason, patch(e.nowString()))
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return ok, err
}

// CleanupResult counts what a cleanup pass removed or settled.
type CleanupResult struct {
	ClosedFailures    int   `json:"closed_failures"`
	RecoveredSending  int   `json:"recovered_sending"`
	TasksDeleted      int64 `json:"tasks_deleted"`
	ProvenanceDeleted int64 `json:"provenance_deleted"`
}

// Cleanup closes aged failures, recovers stale sends, and prunes finished
// tasks and monitoring provenance past their retention.
func (e Engine) Cleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	closed, err := e.CloseAgedFailures(ctx, 0)
	if err != nil {
		return res, err
	}
	res.ClosedFailures = len(closed)
	recovered, err := e.RecoverStaleSending(ctx, 0)
	if err != nil {
		return res, err
	}
	res.RecoveredSending = len(recovered)

	taskRetention, auditRetention := 30*24*time.Hour, 90*24*time.Hour
	if e.Config != nil {
		if e.Config.Tasks.Retention > 0 {
			taskRetention = e.Config.Tasks.Retention
		}
		if e.Config.Audit.Retention > 0 {
			auditRetention = e.Config.Audit.Retention
		}
	}
	if res.TasksDeleted, err = e.Repo.DeleteFinishedTasks(ctx, domain.FormatTime(e.now().Add(-taskRetention))); err != nil {
		return res, err
	}
	if res.ProvenanceDeleted, err = e.Repo.DeleteProvenance(ctx, audit.MonitoringActor, domain.FormatTime(e.now().Add(-auditRetention))); err != nil {
		return res, err
	}
	e.logger().Info("cleanup finished", "closed_failures", res.ClosedFailures, "recovered_sending", res.RecoveredSending,
		"tasks_deleted", res.TasksDeleted, "provenance_deleted", res.ProvenanceDeleted)
	return res, nil
}
