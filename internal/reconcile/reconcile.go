package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"leadline/internal/audit"
	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/mailer"
	"leadline/internal/scheduler"
)

const (
	webhookActor = "webhook_receiver"

	StatusOK      = engine.OutcomeOK
	StatusIgnored = engine.OutcomeIgnored
)

// Result is the webhook response body.
type Result struct {
	Status     string `json:"status"`
	EventType  string `json:"event_type,omitempty"`
	OutreachID string `json:"outreach_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Stats are in-process monitoring counters.
type Stats struct {
	TotalChecks       int        `json:"total_checks"`
	MessagesProcessed int        `json:"messages_processed"`
	Errors            int        `json:"errors"`
	LastError         string     `json:"last_error,omitempty"`
	LastCheck         *time.Time `json:"last_check,omitempty"`
}

// Reconciler applies provider events and inbox polls to outreach records.
type Reconciler struct {
	Engine  engine.Engine
	Mailer  mailer.Mailer
	Audit   audit.Sink
	Logger  *slog.Logger
	Secret  string
	InboxID string
	Now     func() time.Time

	mu    sync.Mutex
	stats Stats
}

func New(eng engine.Engine, m mailer.Mailer, cfg *config.Config) *Reconciler {
	r := &Reconciler{Engine: eng, Mailer: m, Audit: eng.Audit, Logger: eng.Logger, Now: eng.Now}
	if cfg != nil {
		r.Secret = cfg.Webhooks.Secret
		r.InboxID = cfg.Mailer.InboxID
	}
	return r
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Reconciler) record(ctx context.Context, e audit.Entry) {
	if r.Audit != nil {
		r.Audit.Record(ctx, e)
	}
}

// HandleWebhook verifies and applies one webhook body. A bad signature
// returns domain.ErrSignature and an unparseable body ErrMalformed; in both
// cases nothing is written.
func (r *Reconciler) HandleWebhook(ctx context.Context, body []byte, signature string) (Result, error) {
	if r.Secret != "" {
		if err := VerifySignature(r.Secret, body, signature); err != nil {
			return Result{}, err
		}
	}
	ev, err := ParseEvent(body)
	if err != nil {
		return Result{}, err
	}
	if ev.Kind == "" {
		r.logger().Info("unhandled provider event", "event_type", ev.Type)
		return Result{Status: StatusIgnored, EventType: ev.Type, Reason: "unhandled event type"}, nil
	}
	res, err := r.Apply(ctx, ev, webhookActor)
	if err != nil {
		return res, err
	}
	r.record(ctx, audit.Entry{Actor: webhookActor, Action: "webhook_" + string(ev.Kind), ResourceType: "outreach", ResourceID: res.OutreachID,
		Details: map[string]any{"event_type": ev.Type, "status": res.Status, "reason": res.Reason, "attachments": ev.Attachments}})
	return res, nil
}

// Match finds the record an event refers to: thread id, then message id,
// then dataset id, then the contact address. It returns the key that
// matched, or domain.ErrNotFound.
func (r *Reconciler) Match(ctx context.Context, ev Event) (domain.OutreachRequest, string, error) {
	lookups := []struct{ column, value string }{
		{"thread_id", ev.ThreadID},
		{"message_id", ev.MessageID},
		{"dataset_id", ev.DatasetID},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		o, err := r.Engine.Repo.FindOutreachBy(ctx, l.column, l.value)
		if err == nil {
			return o, l.column, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return o, "", err
		}
	}
	contact := ev.To
	if ev.Kind == KindReceived {
		contact = ev.From
	}
	if contact == "" {
		return domain.OutreachRequest{}, "", domain.ErrNotFound
	}
	o, err := r.Engine.Repo.LatestSentToContact(ctx, contact)
	if err != nil {
		return o, "", err
	}
	return o, "contact_email", nil
}

// Apply matches ev and drives the state machine. A miss is reported as an
// ignored result.
func (r *Reconciler) Apply(ctx context.Context, ev Event, actorID string) (Result, error) {
	res := Result{EventType: "message." + string(ev.Kind)}
	o, matchedBy, err := r.Match(ctx, ev)
	if errors.Is(err, domain.ErrNotFound) {
		r.logger().Warn("provider event matched no outreach", "event_type", ev.Type, "thread_id", ev.ThreadID, "message_id", ev.MessageID)
		res.Status, res.Reason = StatusIgnored, "no matching outreach"
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("match event: %w", err)
	}
	res.OutreachID = o.ID

	at := ev.Timestamp
	if at.IsZero() {
		at = r.now()
	}
	var out engine.Outcome
	switch ev.Kind {
	case KindReceived:
		if ev.From != "" && ev.From == o.RequesterEmail {
			res.Status, res.Reason = StatusIgnored, "own message"
			return res, nil
		}
		if o.SentAt != nil {
			if sent, perr := domain.ParseTime(*o.SentAt); perr == nil && at.Before(sent) {
				res.Status, res.Reason = StatusIgnored, "message predates send"
				return res, nil
			}
		}
		out, err = r.Engine.RecordReply(ctx, o.ID, at, ev.Attachments > 0, actorID)
	case KindDelivered:
		out, err = r.Engine.RecordDelivered(ctx, o.ID, at, actorID)
	case KindBounced:
		out, err = r.Engine.RecordBounce(ctx, o.ID, ev.Reason, actorID)
	default:
		res.Status, res.Reason = StatusIgnored, "unhandled event type"
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("apply %s to %s: %w", ev.Kind, o.ID, err)
	}
	res.Status, res.Reason = out.Status, out.Reason
	r.logger().Debug("provider event applied", "outreach_id", o.ID, "kind", ev.Kind, "matched_by", matchedBy, "status", out.Status)
	return res, nil
}

func eventFromMessage(m mailer.InboundMessage) Event {
	return Event{
		Type:        "message.received",
		Kind:        KindReceived,
		ThreadID:    m.ThreadID,
		MessageID:   m.InReplyTo,
		From:        mailer.ExtractAddress(m.From),
		To:          mailer.ExtractAddress(m.To),
		Timestamp:   m.ReceivedAt,
		Attachments: m.Attachments,
	}
}

// PollResult counts one inbox poll.
type PollResult struct {
	Checked   int `json:"checked"`
	Processed int `json:"processed"`
	Ignored   int `json:"ignored"`
	Errors    int `json:"errors"`
}

// PollInbound lists the inbox and applies every message as a reply.
func (r *Reconciler) PollInbound(ctx context.Context) (PollResult, error) {
	var res PollResult
	r.record(ctx, audit.Entry{Actor: audit.MonitoringActor, Action: audit.ActionMonitoringStarted})
	msgs, err := r.Mailer.ListMessages(ctx, r.InboxID)
	if err != nil {
		r.finishCheck(0, err)
		r.record(ctx, audit.Entry{Actor: audit.MonitoringActor, Action: audit.ActionMonitoringFailed,
			Details: map[string]any{"error": err.Error()}})
		return res, fmt.Errorf("list inbound messages: %w", err)
	}
	var lastErr error
	for _, m := range msgs {
		res.Checked++
		out, err := r.Apply(ctx, eventFromMessage(m), audit.MonitoringActor)
		switch {
		case err != nil:
			res.Errors++
			lastErr = err
			r.logger().Error("inbound message failed", "message_id", m.ID, "error", err)
		case out.Status == StatusOK:
			res.Processed++
		default:
			res.Ignored++
		}
	}
	r.finishCheck(res.Processed, lastErr)
	r.record(ctx, audit.Entry{Actor: audit.MonitoringActor, Action: audit.ActionMonitoringCompleted,
		Details: map[string]any{"checked": res.Checked, "processed": res.Processed, "errors": res.Errors}})
	return res, nil
}

func (r *Reconciler) finishCheck(processed int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.stats.TotalChecks++
	r.stats.MessagesProcessed += processed
	r.stats.LastCheck = &now
	if err != nil {
		r.stats.Errors++
		r.stats.LastError = err.Error()
	}
}

func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// SweepResult counts one missed-reply sweep.
type SweepResult struct {
	Candidates int `json:"candidates"`
	Replies    int `json:"replies"`
	Errors     int `json:"errors"`
}

// SweepMissedReplies re-checks records sent inside window for replies the
// webhook or the poller missed: any inbox message from the contact newer than
// sent_at counts.
func (r *Reconciler) SweepMissedReplies(ctx context.Context, window time.Duration) (SweepResult, error) {
	var res SweepResult
	if window <= 0 {
		window = 24 * time.Hour
	}
	records, err := r.Engine.Repo.ListSentSince(ctx, domain.FormatTime(r.now().Add(-window)))
	if err != nil {
		return res, err
	}
	res.Candidates = len(records)
	if len(records) == 0 {
		return res, nil
	}
	msgs, err := r.Mailer.ListMessages(ctx, r.InboxID)
	if err != nil {
		return res, fmt.Errorf("list inbound messages: %w", err)
	}
	for _, o := range records {
		if o.SentAt == nil {
			continue
		}
		sentAt, err := domain.ParseTime(*o.SentAt)
		if err != nil {
			continue
		}
		var latest *mailer.InboundMessage
		for i := range msgs {
			m := &msgs[i]
			if mailer.ExtractAddress(m.From) != o.ContactEmail || !m.ReceivedAt.After(sentAt) {
				continue
			}
			if latest == nil || m.ReceivedAt.After(latest.ReceivedAt) {
				latest = m
			}
		}
		if latest == nil {
			continue
		}
		out, err := r.Engine.RecordReply(ctx, o.ID, latest.ReceivedAt, latest.Attachments > 0, audit.MonitoringActor)
		if err != nil {
			res.Errors++
			r.logger().Error("missed reply not recorded", "outreach_id", o.ID, "error", err)
			continue
		}
		if out.Status == StatusOK {
			res.Replies++
		}
	}
	r.record(ctx, audit.Entry{Actor: audit.MonitoringActor, Action: "missed_replies_checked",
		Details: map[string]any{"candidates": res.Candidates, "replies": res.Replies, "errors": res.Errors}})
	return res, nil
}

// Health reports liveness of the monitoring loop from provenance together
// with the in-process counters.
type Health struct {
	audit.Health
	Stats Stats `json:"stats"`
}

func (r *Reconciler) Health(ctx context.Context, enabled bool, interval time.Duration) (Health, error) {
	h, err := audit.Liveness(ctx, r.Engine.Repo, r.now(), time.Hour, interval, enabled)
	if err != nil {
		return Health{}, err
	}
	return Health{Health: h, Stats: r.Stats()}, nil
}

// ScheduleInterval returns the gap between two firings of a schedule
// expression, or zero when it does not parse.
func ScheduleInterval(expr string, now time.Time) time.Duration {
	s, err := scheduler.ParseSchedule(expr)
	if err != nil {
		return 0
	}
	next := s.Next(now)
	return s.Next(next).Sub(next)
}
