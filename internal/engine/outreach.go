package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"leadline/internal/audit"
	"leadline/internal/domain"
	"leadline/internal/events"
	"leadline/internal/jobs"
	"leadline/internal/mailer"
	"leadline/internal/repo"
)

// SendInterrupted is the error stored on records whose send was cut short
// by a worker crash. They are never re-sent automatically.
const SendInterrupted = "send interrupted"

type CreateOutreachOptions struct {
	DatasetID        string
	LeadID           string
	RequesterEmail   string
	RequesterName    string
	ContactEmail     string
	ContactName      string
	Subject          string
	Body             string
	Persona          string
	ApprovalRequired bool
	ActorID          string
}

// CreateOutreach inserts a DRAFT record. A record to the same contact created
// inside the dedup window rejects the call with a DuplicateError.
func (e Engine) CreateOutreach(ctx context.Context, opts CreateOutreachOptions) (domain.OutreachRequest, error) {
	contact, err := normalizeEmail(opts.ContactEmail)
	if err != nil {
		return domain.OutreachRequest{}, &domain.ValidationError{Reason: "contact_email: " + err.Error()}
	}
	requesterEmail := opts.RequesterEmail
	requesterName := opts.RequesterName
	if requesterEmail == "" && e.Config != nil {
		requesterEmail = e.Config.Outreach.Requester.Email
		if requesterName == "" {
			requesterName = e.Config.Outreach.Requester.Name
		}
	}
	requester, err := normalizeEmail(requesterEmail)
	if err != nil {
		return domain.OutreachRequest{}, &domain.ValidationError{Reason: "requester_email: " + err.Error()}
	}

	now := e.nowString()
	o := domain.OutreachRequest{
		ID:               uuid.NewString(),
		DatasetID:        optionalString(opts.DatasetID),
		LeadID:           optionalString(opts.LeadID),
		RequesterEmail:   requester,
		RequesterName:    requesterName,
		ContactEmail:     contact,
		ContactName:      opts.ContactName,
		Status:           domain.OutreachDraft,
		Subject:          opts.Subject,
		Body:             opts.Body,
		Persona:          opts.Persona,
		ApprovalRequired: opts.ApprovalRequired,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		since := domain.FormatTime(e.now().Add(-e.dedupWindow()))
		existing, err := e.Repo.RecentOutreachForContact(ctx, tx, contact, since)
		switch {
		case err == nil:
			return &domain.DuplicateError{ContactEmail: contact, ExistingID: existing.ID}
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}
		if err := e.Repo.InsertOutreach(ctx, tx, o); err != nil {
			return fmt.Errorf("insert outreach: %w", err)
		}
		return e.events().Append(ctx, tx, events.OutreachCreated, "outreach", o.ID, opts.ActorID, events.EventPayload{
			"to":                string(o.Status),
			"contact_email":     contact,
			"approval_required": o.ApprovalRequired,
		})
	})
	if err != nil {
		return domain.OutreachRequest{}, err
	}
	e.audit(ctx, audit.Entry{Actor: opts.ActorID, Action: "outreach_created", ResourceType: "outreach", ResourceID: o.ID,
		Details: map[string]any{"contact_email": contact, "approval_required": o.ApprovalRequired}})
	return o, nil
}

func (e Engine) dedupWindow() time.Duration {
	if e.Config == nil || e.Config.Outreach.DedupWindow <= 0 {
		return 7 * 24 * time.Hour
	}
	return e.Config.Outreach.DedupWindow
}

func (e Engine) GetOutreach(ctx context.Context, id string) (domain.OutreachRequest, error) {
	return e.Repo.GetOutreach(ctx, id)
}

func (e Engine) ListOutreach(ctx context.Context, f repo.OutreachFilters) ([]domain.OutreachRequest, error) {
	return e.Repo.ListOutreach(ctx, f)
}

// Enqueue moves a DRAFT or FAILED record to QUEUED.
func (e Engine) Enqueue(ctx context.Context, id, actorID string) (domain.OutreachRequest, error) {
	var o domain.OutreachRequest
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		o, err = e.Repo.GetOutreachTx(ctx, tx, id)
		if err != nil {
			return err
		}
		ok, err := e.transition(ctx, tx, &o, domain.OutreachQueued, actorID, "enqueue", repo.OutreachPatch{ClearLastError: true})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("outreach %s changed concurrently", id)
		}
		return nil
	})
	if err != nil {
		return domain.OutreachRequest{}, err
	}
	return e.Repo.GetOutreach(ctx, id)
}

// Approve records the approval. A DRAFT record is queued in the same step.
// Approving twice keeps the first approval.
func (e Engine) Approve(ctx context.Context, id, approver string) (domain.OutreachRequest, error) {
	if strings.TrimSpace(approver) == "" {
		return domain.OutreachRequest{}, &domain.ValidationError{Reason: "approver is required", IDs: []string{id}}
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		o, err := e.Repo.GetOutreachTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if o.Status == domain.OutreachClosed {
			return &domain.TransitionError{From: o.Status, To: domain.OutreachQueued}
		}
		if o.ApprovedAt == nil {
			now := e.nowString()
			ok, err := e.Repo.UpdateOutreach(ctx, tx, o.ID, o.Status, repo.OutreachPatch{
				ApprovedAt: &now,
				ApprovedBy: &approver,
				UpdatedAt:  now,
			})
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("outreach %s changed concurrently", id)
			}
			o.ApprovedAt = &now
			o.ApprovedBy = &approver
			if err := e.events().Append(ctx, tx, events.OutreachApproved, "outreach", o.ID, approver, events.EventPayload{
				"status": string(o.Status),
			}); err != nil {
				return err
			}
		}
		if o.Status == domain.OutreachDraft {
			if _, err := e.transition(ctx, tx, &o, domain.OutreachQueued, approver, "approved", repo.OutreachPatch{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.OutreachRequest{}, err
	}
	e.audit(ctx, audit.Entry{Actor: approver, Action: "outreach_approved", ResourceType: "outreach", ResourceID: id})
	return e.Repo.GetOutreach(ctx, id)
}

// UpdateStatus applies a manual transition. SENDING and SENT are reserved
// for the send path.
func (e Engine) UpdateStatus(ctx context.Context, id string, to domain.OutreachStatus, actorID, reason string) (domain.OutreachRequest, error) {
	if to == domain.OutreachSending || to == domain.OutreachSent {
		return domain.OutreachRequest{}, &domain.ValidationError{Reason: fmt.Sprintf("status %s is set by the send path only", to), IDs: []string{id}}
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		o, err := e.Repo.GetOutreachTx(ctx, tx, id)
		if err != nil {
			return err
		}
		now := e.nowString()
		var patch repo.OutreachPatch
		switch to {
		case domain.OutreachDelivered:
			patch.DeliveredAt = &now
		case domain.OutreachReplied:
			patch.RepliedAt = &now
		case domain.OutreachClosed:
			patch.ClosedAt = &now
		case domain.OutreachQueued:
			patch.ClearLastError = true
		case domain.OutreachFailed:
			if reason != "" {
				patch.LastError = &reason
			}
		}
		ok, err := e.transition(ctx, tx, &o, to, actorID, reason, patch)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("outreach %s changed concurrently", id)
		}
		return nil
	})
	if err != nil {
		return domain.OutreachRequest{}, err
	}
	return e.Repo.GetOutreach(ctx, id)
}

// DrainResult lists what a drain did with each record it looked at.
type DrainResult struct {
	Processed int      `json:"processed"`
	Sent      []string `json:"sent"`
	Failed    []string `json:"failed"`
	// Transient lists failed ids whose error is worth retrying.
	Transient []string `json:"transient"`
	// Skipped lists records still waiting for approval or claimed by
	// another worker.
	Skipped []string `json:"skipped"`
}

// DrainQueue claims up to batchSize of the oldest QUEUED records and sends
// them one by one. Claims are compare-and-set, so concurrent drains never
// send the same record.
func (e Engine) DrainQueue(ctx context.Context, batchSize int) (DrainResult, error) {
	res := DrainResult{Sent: []string{}, Failed: []string{}, Transient: []string{}, Skipped: []string{}}
	if batchSize <= 0 {
		batchSize = e.batchSize()
	}
	gated, err := e.Repo.OldestQueued(ctx, batchSize, true)
	if err != nil {
		return res, err
	}
	for _, o := range gated {
		res.Skipped = append(res.Skipped, o.ID)
	}
	queued, err := e.Repo.OldestQueued(ctx, batchSize, false)
	if err != nil {
		return res, err
	}
	for _, o := range queued {
		if ctx.Err() != nil || jobs.SoftExpired(ctx, e.now()) {
			e.logger().Warn("drain stopped early", "processed", res.Processed, "remaining", len(queued)-res.Processed)
			break
		}
		claimed, ok, err := e.claim(ctx, o)
		if err != nil {
			return res, err
		}
		if !ok {
			res.Skipped = append(res.Skipped, o.ID)
			continue
		}
		res.Processed++
		sendErr := e.deliver(ctx, claimed)
		switch {
		case sendErr == nil:
			res.Sent = append(res.Sent, o.ID)
		case mailer.IsTransient(sendErr):
			res.Failed = append(res.Failed, o.ID)
			res.Transient = append(res.Transient, o.ID)
		default:
			res.Failed = append(res.Failed, o.ID)
		}
	}
	e.audit(ctx, audit.Entry{Actor: e.WorkerID, Action: "outreach_queue_processed", ResourceType: "outreach_queue",
		Details: map[string]any{"processed": res.Processed, "sent": len(res.Sent), "failed": len(res.Failed), "skipped": len(res.Skipped)}})
	return res, nil
}

func (e Engine) batchSize() int {
	if e.Config == nil || e.Config.Outreach.BatchSize <= 0 {
		return 10
	}
	return e.Config.Outreach.BatchSize
}

// claim moves a QUEUED record to SENDING. It reports false when the record
// was no longer QUEUED.
func (e Engine) claim(ctx context.Context, o domain.OutreachRequest) (domain.OutreachRequest, bool, error) {
	var ok bool
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.nowString()
		worker := e.WorkerID
		var err error
		ok, err = e.transition(ctx, tx, &o, domain.OutreachSending, worker, "claimed", repo.OutreachPatch{
			ClaimedBy:   &worker,
			ClaimedAt:   &now,
			IncAttempts: true,
		})
		return err
	})
	if err != nil {
		var ae *domain.ApprovalRequiredError
		if errors.As(err, &ae) {
			return o, false, nil
		}
		return o, false, err
	}
	return o, ok, nil
}

// deliver sends a SENDING record and settles it as SENT or FAILED. The
// returned error is the provider error, already recorded on the record.
func (e Engine) deliver(ctx context.Context, o domain.OutreachRequest) error {
	msg := mailer.Message{
		To:      o.ContactEmail,
		From:    o.RequesterEmail,
		Subject: o.Subject,
		Body:    o.Body,
		Labels:  []string{"outreach"},
		Metadata: map[string]string{
			"outreach_id": o.ID,
		},
	}
	if o.DatasetID != nil {
		msg.Metadata["dataset_id"] = *o.DatasetID
	}
	if o.Persona != "" {
		msg.Labels = append(msg.Labels, "persona:"+o.Persona)
	}
	result, sendErr := e.Mailer.Send(ctx, msg)
	// Settle even when ctx was cancelled mid-send.
	settleCtx := context.WithoutCancel(ctx)
	if sendErr != nil {
		errMsg := sendErr.Error()
		err := e.inTx(settleCtx, func(tx *sql.Tx) error {
			_, err := e.transition(settleCtx, tx, &o, domain.OutreachFailed, e.WorkerID, "send failed", repo.OutreachPatch{
				LastError:  &errMsg,
				ClearClaim: true,
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("record send failure for %s: %w (send error: %v)", o.ID, err, sendErr)
		}
		e.logger().Warn("outreach send failed", "outreach_id", o.ID, "transient", mailer.IsTransient(sendErr), "error", errMsg)
		e.audit(settleCtx, audit.Entry{Actor: e.WorkerID, Action: "outreach_send_failed", ResourceType: "outreach", ResourceID: o.ID,
			Details: map[string]any{"error": errMsg, "transient": mailer.IsTransient(sendErr)}})
		return sendErr
	}

	err := e.inTx(settleCtx, func(tx *sql.Tx) error {
		now := e.nowString()
		patch := repo.OutreachPatch{
			SentAt:         &now,
			ClearLastError: true,
			ClearClaim:     true,
		}
		if result.MessageID != "" {
			patch.MessageID = strPtr(result.MessageID)
		}
		if result.ThreadID != "" {
			patch.ThreadID = strPtr(result.ThreadID)
		}
		if _, err := e.transition(settleCtx, tx, &o, domain.OutreachSent, e.WorkerID, "sent", patch); err != nil {
			return err
		}
		if o.LeadID != nil {
			return e.advanceLeadTx(settleCtx, tx, *o.LeadID, domain.LeadContacted, e.WorkerID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record send of %s: %w", o.ID, err)
	}
	e.audit(settleCtx, audit.Entry{Actor: e.WorkerID, Action: "outreach_sent", ResourceType: "outreach", ResourceID: o.ID,
		Details: map[string]any{"message_id": result.MessageID, "simulated": result.Simulated}})
	return nil
}

// SendOne sends a single record. FAILED records are re-queued first and
// DRAFT records are enqueued, subject to the approval gate.
func (e Engine) SendOne(ctx context.Context, id, actorID string) (domain.OutreachRequest, error) {
	o, err := e.Repo.GetOutreach(ctx, id)
	if err != nil {
		return o, err
	}
	switch o.Status {
	case domain.OutreachFailed:
		if o.LastError != nil && *o.LastError == SendInterrupted {
			return o, &domain.ValidationError{Reason: "send was interrupted; re-queue manually after checking the provider", IDs: []string{id}}
		}
		if o, err = e.Enqueue(ctx, id, actorID); err != nil {
			return o, err
		}
	case domain.OutreachDraft:
		if o, err = e.Enqueue(ctx, id, actorID); err != nil {
			return o, err
		}
	case domain.OutreachQueued:
	default:
		return o, &domain.TransitionError{From: o.Status, To: domain.OutreachSending}
	}
	claimed, ok, err := e.claim(ctx, o)
	if err != nil {
		return o, err
	}
	if !ok {
		if o.AwaitingApproval() {
			return o, &domain.ApprovalRequiredError{ID: id}
		}
		return o, fmt.Errorf("outreach %s was claimed by another worker", id)
	}
	sendErr := e.deliver(ctx, claimed)
	current, err := e.Repo.GetOutreach(context.WithoutCancel(ctx), id)
	if err != nil {
		return current, err
	}
	return current, sendErr
}

// BulkResult reports the outcome of each record in a bulk send.
type BulkResult struct {
	Queued []string          `json:"queued"`
	Sent   []string          `json:"sent"`
	Failed map[string]string `json:"failed"`
}

// BulkSend validates every id before touching any of them: each must exist,
// be DRAFT or FAILED, and be approved when approval is required. A single
// violation rejects the whole batch with a ValidationError naming every
// offending id, and no mail is sent.
func (e Engine) BulkSend(ctx context.Context, ids []string, actorID string) (BulkResult, error) {
	res := BulkResult{Queued: []string{}, Sent: []string{}, Failed: map[string]string{}}
	maxBulk := 50
	if e.Config != nil && e.Config.Outreach.MaxBulk > 0 {
		maxBulk = e.Config.Outreach.MaxBulk
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return res, &domain.ValidationError{Reason: "no outreach ids given"}
	}
	if len(ids) > maxBulk {
		return res, &domain.ValidationError{Reason: fmt.Sprintf("bulk send accepts at most %d ids, got %d", maxBulk, len(ids))}
	}

	var records []domain.OutreachRequest
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var offending, problems []string
		for _, id := range ids {
			o, err := e.Repo.GetOutreachTx(ctx, tx, id)
			switch {
			case errors.Is(err, repo.ErrNotFound):
				offending = append(offending, id)
				problems = append(problems, id+": not found")
				continue
			case err != nil:
				return err
			}
			if o.Status != domain.OutreachDraft && o.Status != domain.OutreachFailed {
				offending = append(offending, id)
				problems = append(problems, fmt.Sprintf("%s: status %s", id, o.Status))
				continue
			}
			if o.AwaitingApproval() {
				offending = append(offending, id)
				problems = append(problems, id+": awaiting approval")
				continue
			}
			if o.Status == domain.OutreachFailed && o.LastError != nil && *o.LastError == SendInterrupted {
				offending = append(offending, id)
				problems = append(problems, id+": send interrupted")
				continue
			}
			records = append(records, o)
		}
		if len(offending) > 0 {
			return &domain.ValidationError{Reason: "bulk send rejected: " + strings.Join(problems, "; "), IDs: offending}
		}
		for i := range records {
			ok, err := e.transition(ctx, tx, &records[i], domain.OutreachQueued, actorID, "bulk send", repo.OutreachPatch{ClearLastError: true})
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("outreach %s changed concurrently", records[i].ID)
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	for _, o := range records {
		res.Queued = append(res.Queued, o.ID)
	}
	for _, o := range records {
		claimed, ok, err := e.claim(ctx, o)
		if err != nil {
			return res, err
		}
		if !ok {
			res.Failed[o.ID] = "claimed by another worker"
			continue
		}
		if err := e.deliver(ctx, claimed); err != nil {
			res.Failed[o.ID] = err.Error()
			continue
		}
		res.Sent = append(res.Sent, o.ID)
	}
	e.audit(ctx, audit.Entry{Actor: actorID, Action: "outreach_bulk_send", ResourceType: "outreach",
		Details: map[string]any{"requested": len(ids), "sent": len(res.Sent), "failed": len(res.Failed)}})
	return res, nil
}

func uniqueIDs(ids []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// OutreachHistory returns the journal of one record, oldest first.
func (e Engine) OutreachHistory(ctx context.Context, id string) ([]domain.Event, error) {
	if _, err := e.Repo.GetOutreach(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.EntityEvents(ctx, "outreach", id)
}
