package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"leadline/internal/audit"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/mailer"
	"leadline/internal/migrate"
	"leadline/internal/repo"
)

func TestParseEventNormalizesTypes(t *testing.T) {
	cases := map[string]Kind{
		"message.received":  KindReceived,
		"email.replied":     KindReceived,
		"message.delivered": KindDelivered,
		"email.sent":        KindDelivered,
		"email.delivered":   KindDelivered,
		"message.bounced":   KindBounced,
		"email.failed":      KindBounced,
		"message.opened":    "",
	}
	for typ, want := range cases {
		ev, err := ParseEvent([]byte(`{"event_type":"` + typ + `"}`))
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if ev.Kind != want {
			t.Fatalf("%s: got %q want %q", typ, ev.Kind, want)
		}
	}
	ev, _ := ParseEvent([]byte(`{"type":"email.bounced","message_id":"m-1","reason":"mailbox full"}`))
	if ev.Kind != KindBounced || ev.MessageID != "m-1" || ev.Reason != "mailbox full" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, err := ParseEvent([]byte(`not json`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestParseEventReadsNestedMessage(t *testing.T) {
	body := `{"event_type":"message.received","message":{"id":"in-1","thread_id":"thread-9","from":"Alice <ALICE@example.com>",
"received_at":"2026-03-02T12:00:00Z","attachments":[{"name":"log.txt"}],"metadata":{"dataset_id":"ds-1"}}}`
	ev, err := ParseEvent([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	if ev.ThreadID != "thread-9" || ev.MessageID != "in-1" || ev.From != "alice@example.com" ||
		ev.DatasetID != "ds-1" || ev.Attachments != 1 || !ev.Timestamp.Equal(want) {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event_type":"message.delivered"}`)
	sig := Sign("s3cret", body)
	if err := VerifySignature("s3cret", body, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifySignature("s3cret", body, "sha256="+sig); err != nil {
		t.Fatalf("prefixed signature rejected: %v", err)
	}
	for _, bad := range []string{"", "zz", Sign("other", body)} {
		if err := VerifySignature("s3cret", body, bad); !errors.Is(err, domain.ErrSignature) {
			t.Fatalf("signature %q accepted", bad)
		}
	}
}

type env struct {
	rec   *Reconciler
	eng   engine.Engine
	mail  *mailer.Fake
	clock *time.Time
	ctx   context.Context
}

func newEnv(t *testing.T) env {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "leadline.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := &now
	mail := &mailer.Fake{}
	eng := engine.New(conn, config.Default(), mail)
	eng.Now = func() time.Time { return *clock }
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	eng.Audit = audit.Sync{Store: eng.Repo, Now: eng.Now}
	rec := New(eng, mail, config.Default())
	return env{rec: rec, eng: eng, mail: mail, clock: clock, ctx: context.Background()}
}

func (e env) sent(t *testing.T, contact, datasetID string) domain.OutreachRequest {
	t.Helper()
	o, err := e.eng.CreateOutreach(e.ctx, engine.CreateOutreachOptions{ContactEmail: contact, DatasetID: datasetID, Subject: "s", Body: "b"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	o, err = e.eng.SendOne(e.ctx, o.ID, "worker")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return o
}

func (e env) eventCount(t *testing.T) int {
	t.Helper()
	evts, err := e.eng.Repo.LatestEvents(e.ctx, repo.EventFilters{Limit: 1000})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	return len(evts)
}

func TestWebhookSignatureFailureWritesNothing(t *testing.T) {
	e := newEnv(t)
	o := e.sent(t, "bob@example.com", "")
	e.rec.Secret = "s3cret"
	before := e.eventCount(t)

	body := []byte(`{"event_type":"message.delivered","thread_id":"` + *o.ThreadID + `"}`)
	if _, err := e.rec.HandleWebhook(e.ctx, body, Sign("wrong", body)); !errors.Is(err, domain.ErrSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
	if _, err := e.rec.HandleWebhook(e.ctx, body, ""); !errors.Is(err, domain.ErrSignature) {
		t.Fatalf("expected signature error for missing header, got %v", err)
	}
	if got, _ := e.eng.GetOutreach(e.ctx, o.ID); got.Status != domain.OutreachSent {
		t.Fatalf("status changed to %s", got.Status)
	}
	if after := e.eventCount(t); after != before {
		t.Fatalf("journal grew from %d to %d", before, after)
	}

	res, err := e.rec.HandleWebhook(e.ctx, body, Sign("s3cret", body))
	if err != nil || res.Status != StatusOK || res.OutreachID != o.ID {
		t.Fatalf("signed webhook: %+v %v", res, err)
	}
}

func TestWebhookReplyIsIdempotent(t *testing.T) {
	e := newEnv(t)
	o := e.sent(t, "carol@example.com", "")
	body := []byte(`{"event_type":"message.received","message":{"thread_id":"` + *o.ThreadID +
		`","from":"carol@example.com","received_at":"2026-03-02T11:00:00Z"}}`)

	res, err := e.rec.HandleWebhook(e.ctx, body, "")
	if err != nil || res.Status != StatusOK || res.EventType != "message.received" {
		t.Fatalf("first reply: %+v %v", res, err)
	}
	before := e.eventCount(t)
	res, err = e.rec.HandleWebhook(e.ctx, body, "")
	if err != nil || res.Status != StatusIgnored {
		t.Fatalf("second reply: %+v %v", res, err)
	}
	if after := e.eventCount(t); after != before {
		t.Fatalf("duplicate reply wrote %d journal entries", after-before)
	}
	got, _ := e.eng.GetOutreach(e.ctx, o.ID)
	if got.Status != domain.OutreachReplied || *got.RepliedAt != "2026-03-02T11:00:00.000000Z" {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestMatchChain(t *testing.T) {
	e := newEnv(t)
	byDataset := e.sent(t, "dan@example.com", "ds-42")
	byContact := e.sent(t, "erin@example.com", "")

	cases := []struct {
		name string
		ev   Event
		id   string
		by   string
	}{
		{"message id", Event{Kind: KindDelivered, ThreadID: "nope", MessageID: *byContact.MessageID}, byContact.ID, "message_id"},
		{"dataset", Event{Kind: KindDelivered, DatasetID: "ds-42"}, byDataset.ID, "dataset_id"},
		{"recipient", Event{Kind: KindDelivered, To: "erin@example.com"}, byContact.ID, "contact_email"},
		{"sender", Event{Kind: KindReceived, From: "dan@example.com"}, byDataset.ID, "contact_email"},
	}
	for _, tc := range cases {
		o, by, err := e.rec.Match(e.ctx, tc.ev)
		if err != nil || o.ID != tc.id || by != tc.by {
			t.Fatalf("%s: got %s by %s (%v)", tc.name, o.ID, by, err)
		}
	}
	if _, _, err := e.rec.Match(e.ctx, Event{Kind: KindReceived, From: "stranger@example.com"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected no match, got %v", err)
	}

	res, err := e.rec.HandleWebhook(e.ctx, []byte(`{"event_type":"message.bounced","message_id":"unknown"}`), "")
	if err != nil || res.Status != StatusIgnored {
		t.Fatalf("unmatched event: %+v %v", res, err)
	}
	res, _ = e.rec.HandleWebhook(e.ctx, []byte(`{"event_type":"message.opened"}`), "")
	if res.Status != StatusIgnored || res.Reason != "unhandled event type" {
		t.Fatalf("unhandled event: %+v", res)
	}
}

func TestPollInboundAppliesReplies(t *testing.T) {
	e := newEnv(t)
	o := e.sent(t, "frank@example.com", "")
	e.mail.Inbox = []mailer.InboundMessage{
		{ID: "in-1", From: "Frank <frank@example.com>", ThreadID: *o.ThreadID, ReceivedAt: e.clock.Add(time.Hour), Attachments: 1},
		{ID: "in-2", From: "stranger@example.com", ReceivedAt: e.clock.Add(time.Hour)},
	}
	res, err := e.rec.PollInbound(e.ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Checked != 2 || res.Processed != 1 || res.Ignored != 1 {
		t.Fatalf("unexpected poll result %+v", res)
	}
	got, _ := e.eng.GetOutreach(e.ctx, o.ID)
	if got.Status != domain.OutreachReplied || !got.ApprovalRequired {
		t.Fatalf("unexpected record %+v", got)
	}
	if again, _ := e.rec.PollInbound(e.ctx); again.Processed != 0 {
		t.Fatalf("second poll reprocessed replies: %+v", again)
	}
	stats := e.rec.Stats()
	if stats.TotalChecks != 2 || stats.MessagesProcessed != 1 || stats.Errors != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	h, err := e.rec.Health(e.ctx, true, 30*time.Second)
	if err != nil || !h.AppearsActive || h.RecentChecks != 2 || h.ExpectedChecks != 120 {
		t.Fatalf("unexpected health %+v %v", h, err)
	}
}

func TestPollInboundFailure(t *testing.T) {
	e := newEnv(t)
	e.mail.ListErr = &mailer.ProviderError{StatusCode: 502, Message: "bad gateway"}
	if _, err := e.rec.PollInbound(e.ctx); err == nil {
		t.Fatalf("expected poll error")
	}
	stats := e.rec.Stats()
	if stats.Errors != 1 || stats.LastError == "" {
		t.Fatalf("unexpected stats %+v", stats)
	}
	failed, _ := e.eng.Repo.CountProvenance(e.ctx, audit.ActionMonitoringFailed, "")
	if failed != 1 {
		t.Fatalf("expected failure provenance, got %d", failed)
	}
	h, _ := e.rec.Health(e.ctx, true, time.Minute)
	if h.AppearsActive {
		t.Fatalf("loop without completed checks should not appear active")
	}
}

func TestSweepMissedReplies(t *testing.T) {
	e := newEnv(t)
	o := e.sent(t, "grace@example.com", "")
	quiet := e.sent(t, "heidi@example.com", "")
	e.mail.Inbox = []mailer.InboundMessage{
		{ID: "old", From: "heidi@example.com", ReceivedAt: e.clock.Add(-time.Hour)},
		{ID: "new", From: "grace@example.com", ReceivedAt: e.clock.Add(2 * time.Hour)},
	}
	*e.clock = e.clock.Add(3 * time.Hour)
	res, err := e.rec.SweepMissedReplies(e.ctx, 24*time.Hour)
	if err != nil || res.Candidates != 2 || res.Replies != 1 {
		t.Fatalf("sweep: %+v %v", res, err)
	}
	if got, _ := e.eng.GetOutreach(e.ctx, o.ID); got.Status != domain.OutreachReplied {
		t.Fatalf("expected replied, got %s", got.Status)
	}
	if got, _ := e.eng.GetOutreach(e.ctx, quiet.ID); got.Status != domain.OutreachSent {
		t.Fatalf("older message must not count, got %s", got.Status)
	}
}

func TestSweepMissedRepliesContinuesPastFailure(t *testing.T) {
	e := newEnv(t)
	broken := e.sent(t, "ivan@example.com", "")
	ok := e.sent(t, "judy@example.com", "")
	if _, err := e.eng.DB.Exec(`CREATE TRIGGER reject_update BEFORE UPDATE ON outreach_requests
WHEN OLD.id = '` + broken.ID + `' BEGIN SELECT RAISE(ABORT, 'locked record'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	e.mail.Inbox = []mailer.InboundMessage{
		{ID: "r1", From: "ivan@example.com", ReceivedAt: e.clock.Add(time.Hour)},
		{ID: "r2", From: "judy@example.com", ReceivedAt: e.clock.Add(time.Hour)},
	}
	*e.clock = e.clock.Add(2 * time.Hour)
	res, err := e.rec.SweepMissedReplies(e.ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("sweep should not fail on one record: %v", err)
	}
	if res.Candidates != 2 || res.Replies != 1 || res.Errors != 1 {
		t.Fatalf("unexpected sweep result %+v", res)
	}
	if got, _ := e.eng.GetOutreach(e.ctx, ok.ID); got.Status != domain.OutreachReplied {
		t.Fatalf("expected replied, got %s", got.Status)
	}
	if got, _ := e.eng.GetOutreach(e.ctx, broken.ID); got.Status != domain.OutreachSent {
		t.Fatalf("failed record should stay sent, got %s", got.Status)
	}
}

func TestScheduleInterval(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if got := ScheduleInterval("@every 30s", now); got != 30*time.Second {
		t.Fatalf("got %s", got)
	}
	if got := ScheduleInterval("@hourly", now); got != time.Hour {
		t.Fatalf("got %s", got)
	}
	if got := ScheduleInterval("bogus", now); got != 0 {
		t.Fatalf("got %s", got)
	}
}
