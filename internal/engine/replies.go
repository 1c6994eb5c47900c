package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"leadline/internal/domain"
	"leadline/internal/events"
	"leadline/internal/repo"
)

const (
	OutcomeOK      = "ok"
	OutcomeIgnored = "ignored"
)

// Outcome is the result of applying a provider event to a record.
type Outcome struct {
	Status     string `json:"status"`
	OutreachID string `json:"outreach_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func ignored(id, reason string) Outcome {
	return Outcome{Status: OutcomeIgnored, OutreachID: id, Reason: reason}
}

// RecordReply marks a SENT or DELIVERED record REPLIED at `at`. Replies that
// are not newer than the stored reply are no-ops; a newer reply on an already
// REPLIED record only moves replied_at. Attachments put the record behind the
// approval gate. Leads sharing the contact email move to REPLIED.
func (e Engine) RecordReply(ctx context.Context, id string, at time.Time, attachments bool, actorID string) (Outcome, error) {
	var out Outcome
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		o, err := e.Repo.GetOutreachTx(ctx, tx, id)
		if err != nil {
			return err
		}
		stamp := domain.FormatTime(at)
		if o.RepliedAt != nil && *o.RepliedAt >= stamp {
			out = ignored(id, "reply already recorded")
			return nil
		}
		patch := repo.OutreachPatch{RepliedAt: &stamp}
		if attachments && !o.ApprovalRequired {
			patch.ApprovalRequired = boolPtr(true)
		}
		switch o.Status {
		case domain.OutreachReplied:
			patch.UpdatedAt = e.nowString()
			ok, err := e.Repo.UpdateOutreach(ctx, tx, id, o.Status, patch)
			if err != nil {
				return err
			}
			if !ok {
				out = ignored(id, "record changed concurrently")
				return nil
			}
			if err := e.events().Append(ctx, tx, events.OutreachUpdated, "outreach", id, actorID, events.EventPayload{
				"replied_at": stamp,
			}); err != nil {
				return err
			}
		case domain.OutreachSent, domain.OutreachDelivered:
			ok, err := e.transition(ctx, tx, &o, domain.OutreachReplied, actorID, "reply received", patch)
			if err != nil {
				return err
			}
			if !ok {
				out = ignored(id, "record changed concurrently")
				return nil
			}
		default:
			out = ignored(id, fmt.Sprintf("reply not applicable to %s record", o.Status))
			return nil
		}
		out = Outcome{Status: OutcomeOK, OutreachID: id}
		return e.advanceLeadsByEmail(ctx, tx, o.ContactEmail, domain.LeadReplied, actorID)
	})
	return out, err
}

// RecordDelivered moves SENT to DELIVERED. Anything else is a duplicate or
// late receipt.
func (e Engine) RecordDelivered(ctx context.Context, id string, at time.Time, actorID string) (Outcome, error) {
	var out Outcome
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		o, err := e.Repo.GetOutreachTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if o.Status != domain.OutreachSent {
			out = ignored(id, fmt.Sprintf("delivery receipt for %s record", o.Status))
			return nil
		}
		stamp := domain.FormatTime(at)
		ok, err := e.transition(ctx, tx, &o, domain.OutreachDelivered, actorID, "delivered", repo.OutreachPatch{DeliveredAt: &stamp})
		if err != nil {
			return err
		}
		if !ok {
			out = ignored(id, "record changed concurrently")
			return nil
		}
		out = Outcome{Status: OutcomeOK, OutreachID: id}
		return nil
	})
	return out, err
}

// RecordBounce closes SENT, FAILED and REPLIED records. A bounce reported
// after delivery is ignored.
func (e Engine) RecordBounce(ctx context.Context, id, reason string, actorID string) (Outcome, error) {
	var out Outcome
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		o, err := e.Repo.GetOutreachTx(ctx, tx, id)
		if err != nil {
			return err
		}
		switch o.Status {
		case domain.OutreachSent, domain.OutreachFailed, domain.OutreachReplied:
		default:
			out = ignored(id, fmt.Sprintf("bounce for %s record", o.Status))
			return nil
		}
		now := e.nowString()
		if reason == "" {
			reason = "bounced"
		}
		ok, err := e.transition(ctx, tx, &o, domain.OutreachClosed, actorID, "bounced", repo.OutreachPatch{
			ClosedAt:  &now,
			LastError: &reason,
		})
		if err != nil {
			return err
		}
		if !ok {
			out = ignored(id, "record changed concurrently")
			return nil
		}
		out = Outcome{Status: OutcomeOK, OutreachID: id}
		return nil
	})
	return out, err
}
