package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
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

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type testEnv struct {
	Engine engine.Engine
	Mail   *mailer.Fake
	Clock  *clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "leadline.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Personas = []config.Persona{
		{Key: "general", Name: "Ada", Intro: "We help newcomers."},
		{Key: "python", Name: "Guido", Repos: []string{"acme/pytool"}, Modalities: []string{"pip", "virtualenv"}, Intro: "Python setup help."},
	}
	c := &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	mail := &mailer.Fake{}
	eng := engine.New(conn, cfg, mail)
	eng.Now = c.now
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	eng.Audit = audit.Sync{Store: eng.Repo, Now: c.now}
	return testEnv{Engine: eng, Mail: mail, Clock: c, Ctx: context.Background()}
}

func (env testEnv) create(t *testing.T, contact string, approval bool) domain.OutreachRequest {
	t.Helper()
	o, err := env.Engine.CreateOutreach(env.Ctx, engine.CreateOutreachOptions{
		ContactEmail:     contact,
		Subject:          "Hello",
		Body:             "Body",
		ApprovalRequired: approval,
		ActorID:          "tester",
	})
	if err != nil {
		t.Fatalf("create outreach: %v", err)
	}
	return o
}

func (env testEnv) status(t *testing.T, id string) domain.OutreachRequest {
	t.Helper()
	o, err := env.Engine.GetOutreach(env.Ctx, id)
	if err != nil {
		t.Fatalf("get outreach: %v", err)
	}
	return o
}

// assertJournal checks that every status event is an edge of the lifecycle
// and that the chain of events ends in the current status.
func assertJournal(t *testing.T, env testEnv, id string, want ...domain.OutreachStatus) {
	t.Helper()
	evts, err := env.Engine.OutreachHistory(env.Ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var got []domain.OutreachStatus
	for _, ev := range evts {
		if ev.Type != "outreach.status" {
			continue
		}
		var p struct{ From, To domain.OutreachStatus }
		if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if !engine.CanTransition(p.From, p.To) {
			t.Fatalf("journal holds illegal edge %s -> %s", p.From, p.To)
		}
		if len(got) > 0 && got[len(got)-1] != p.From {
			t.Fatalf("journal chain broken at %s -> %s", p.From, p.To)
		}
		got = append(got, p.To)
	}
	if strings.Join(statusStrings(got), ",") != strings.Join(statusStrings(want), ",") {
		t.Fatalf("journal %v, want %v", got, want)
	}
}

func statusStrings(s []domain.OutreachStatus) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = string(v)
	}
	return out
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to domain.OutreachStatus
		ok       bool
	}{
		{domain.OutreachDraft, domain.OutreachQueued, true},
		{domain.OutreachDraft, domain.OutreachSent, false},
		{domain.OutreachQueued, domain.OutreachSending, true},
		{domain.OutreachSending, domain.OutreachFailed, true},
		{domain.OutreachSent, domain.OutreachClosed, true},
		{domain.OutreachDelivered, domain.OutreachReplied, true},
		{domain.OutreachDelivered, domain.OutreachClosed, false},
		{domain.OutreachFailed, domain.OutreachQueued, true},
		{domain.OutreachReplied, domain.OutreachClosed, true},
		{domain.OutreachClosed, domain.OutreachQueued, false},
	}
	for _, tc := range cases {
		if got := engine.CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestApproveDrainDeliverReply(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, "Alice@Example.com", true)
	if o.Status != domain.OutreachDraft || o.ContactEmail != "alice@example.com" {
		t.Fatalf("unexpected record %+v", o)
	}
	if _, err := env.Engine.Enqueue(env.Ctx, o.ID, "tester"); !errors.As(err, new(*domain.ApprovalRequiredError)) {
		t.Fatalf("expected approval required, got %v", err)
	}

	approved, err := env.Engine.Approve(env.Ctx, o.ID, "boss@example.com")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.OutreachQueued || approved.ApprovedBy == nil || *approved.ApprovedBy != "boss@example.com" {
		t.Fatalf("unexpected approved record %+v", approved)
	}

	res, err := env.Engine.DrainQueue(env.Ctx, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(res.Sent) != 1 || env.Mail.Calls() != 1 {
		t.Fatalf("expected one send, got %+v calls=%d", res, env.Mail.Calls())
	}
	sent := env.status(t, o.ID)
	if sent.Status != domain.OutreachSent || sent.MessageID == nil || *sent.MessageID != "msg-1" || sent.ClaimedBy != nil || sent.Attempts != 1 {
		t.Fatalf("unexpected sent record %+v", sent)
	}
	if env.Mail.Sent[0].Metadata["outreach_id"] != o.ID {
		t.Fatalf("send metadata missing outreach id")
	}

	env.Clock.t = env.Clock.t.Add(time.Minute)
	out, err := env.Engine.RecordDelivered(env.Ctx, o.ID, env.Clock.t, "webhook")
	if err != nil || out.Status != engine.OutcomeOK {
		t.Fatalf("delivered: %+v %v", out, err)
	}
	out, _ = env.Engine.RecordDelivered(env.Ctx, o.ID, env.Clock.t, "webhook")
	if out.Status != engine.OutcomeIgnored {
		t.Fatalf("duplicate delivery should be ignored, got %+v", out)
	}

	replyAt := env.Clock.t.Add(time.Hour)
	out, err = env.Engine.RecordReply(env.Ctx, o.ID, replyAt, false, "webhook")
	if err != nil || out.Status != engine.OutcomeOK {
		t.Fatalf("reply: %+v %v", out, err)
	}
	final := env.status(t, o.ID)
	if final.Status != domain.OutreachReplied || final.RepliedAt == nil || *final.RepliedAt != domain.FormatTime(replyAt) {
		t.Fatalf("unexpected replied record %+v", final)
	}
	assertJournal(t, env, o.ID, domain.OutreachQueued, domain.OutreachSending, domain.OutreachSent,
		domain.OutreachDelivered, domain.OutreachReplied)

	// approving again keeps the first approval
	again, err := env.Engine.Approve(env.Ctx, o.ID, "other@example.com")
	if err != nil || *again.ApprovedBy != "boss@example.com" {
		t.Fatalf("second approve changed record: %+v %v", again, err)
	}
}

func TestConcurrentDrainsSendEachRecordOnce(t *testing.T) {
	env := newTestEnv(t)
	const records, drainers = 20, 4
	ids := make([]string, 0, records)
	for i := 0; i < records; i++ {
		o := env.create(t, fmt.Sprintf("dev%d@example.com", i), false)
		if _, err := env.Engine.Enqueue(env.Ctx, o.ID, "tester"); err != nil {
			t.Fatalf("enqueue %s: %v", o.ID, err)
		}
		ids = append(ids, o.ID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, drainers)
	for w := 0; w < drainers; w++ {
		eng := env.Engine
		eng.WorkerID = fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.DrainQueue(env.Ctx, records); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("drain: %v", err)
	}

	if env.Mail.Calls() != records {
		t.Fatalf("expected %d sends, got %d", records, env.Mail.Calls())
	}
	for _, id := range ids {
		if got := env.status(t, id); got.Status != domain.OutreachSent {
			t.Fatalf("%s ended in %s", id, got.Status)
		}
		assertJournal(t, env, id, domain.OutreachQueued, domain.OutreachSending, domain.OutreachSent)
	}
}

func TestManualStatusUpdates(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, "bob@example.com", false)
	if _, err := env.Engine.UpdateStatus(env.Ctx, o.ID, domain.OutreachSent, "tester", ""); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for SENT, got %v", err)
	}
	if _, err := env.Engine.UpdateStatus(env.Ctx, o.ID, domain.OutreachDelivered, "tester", ""); !errors.As(err, new(*domain.TransitionError)) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if got := env.status(t, o.ID); got.Status != domain.OutreachDraft {
		t.Fatalf("rejected update changed status to %s", got.Status)
	}
	if _, err := env.Engine.UpdateStatus(env.Ctx, o.ID, domain.OutreachQueued, "tester", ""); err != nil {
		t.Fatalf("queue: %v", err)
	}
}

func TestCreateRejectsDuplicatesInsideWindow(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t, "carol@example.com", false)
	_, err := env.Engine.CreateOutreach(env.Ctx, engine.CreateOutreachOptions{ContactEmail: "CAROL@example.com", ActorID: "tester"})
	var dup *domain.DuplicateError
	if !errors.As(err, &dup) || dup.ExistingID != first.ID {
		t.Fatalf("expected duplicate of %s, got %v", first.ID, err)
	}
	if _, err := env.Engine.CreateOutreach(env.Ctx, engine.CreateOutreachOptions{ContactEmail: "not-an-email"}); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	env.Clock.t = env.Clock.t.Add(8 * 24 * time.Hour)
	if _, err := env.Engine.CreateOutreach(env.Ctx, engine.CreateOutreachOptions{ContactEmail: "carol@example.com"}); err != nil {
		t.Fatalf("create after window: %v", err)
	}
}

func TestBulkSendRejectsWholeBatch(t *testing.T) {
	env := newTestEnv(t)
	ok := env.create(t, "one@example.com", false)
	gated := env.create(t, "two@example.com", true)

	_, err := env.Engine.BulkSend(env.Ctx, []string{ok.ID, gated.ID, "missing"}, "tester")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if strings.Join(ve.IDs, ",") != gated.ID+",missing" {
		t.Fatalf("unexpected offending ids %v", ve.IDs)
	}
	if env.Mail.Calls() != 0 {
		t.Fatalf("rejected batch must not send, got %d calls", env.Mail.Calls())
	}
	if got := env.status(t, ok.ID); got.Status != domain.OutreachDraft {
		t.Fatalf("valid record touched by rejected batch: %s", got.Status)
	}

	res, err := env.Engine.BulkSend(env.Ctx, []string{ok.ID}, "tester")
	if err != nil || len(res.Sent) != 1 {
		t.Fatalf("bulk send: %+v %v", res, err)
	}
	if _, err := env.Engine.BulkSend(env.Ctx, nil, "tester"); !domain.IsValidation(err) {
		t.Fatalf("expected empty batch rejection, got %v", err)
	}
}

func TestTransientFailureThenSendOne(t *testing.T) {
	env := newTestEnv(t)
	env.Mail.Errs = []error{&mailer.ProviderError{StatusCode: 503, Message: "unavailable"}}
	o := env.create(t, "dave@example.com", false)
	if _, err := env.Engine.Enqueue(env.Ctx, o.ID, "tester"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res, err := env.Engine.DrainQueue(env.Ctx, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(res.Transient) != 1 || res.Transient[0] != o.ID {
		t.Fatalf("expected transient failure, got %+v", res)
	}
	failed := env.status(t, o.ID)
	if failed.Status != domain.OutreachFailed || failed.LastError == nil {
		t.Fatalf("unexpected failed record %+v", failed)
	}

	sent, err := env.Engine.SendOne(env.Ctx, o.ID, "worker")
	if err != nil {
		t.Fatalf("send one: %v", err)
	}
	if sent.Status != domain.OutreachSent || sent.Attempts != 2 || sent.LastError != nil {
		t.Fatalf("unexpected record after resend %+v", sent)
	}
	assertJournal(t, env, o.ID, domain.OutreachQueued, domain.OutreachSending, domain.OutreachFailed,
		domain.OutreachQueued, domain.OutreachSending, domain.OutreachSent)
}

func TestPermanentFailureIsReturned(t *testing.T) {
	env := newTestEnv(t)
	env.Mail.Errs = []error{&mailer.ProviderError{StatusCode: 422, Message: "bad recipient"}}
	o := env.create(t, "erin@example.com", false)
	_, err := env.Engine.SendOne(env.Ctx, o.ID, "worker")
	if err == nil || mailer.IsTransient(err) {
		t.Fatalf("expected permanent provider error, got %v", err)
	}
	if got := env.status(t, o.ID); got.Status != domain.OutreachFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
}

func TestStaleSendingIsNotResent(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, "frank@example.com", false)
	if _, err := env.Engine.Enqueue(env.Ctx, o.ID, "tester"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	sending := domain.OutreachSending
	claimedAt := domain.FormatTime(env.Clock.t)
	worker := "crashed-worker"
	if _, err := env.Engine.Repo.UpdateOutreach(env.Ctx, nil, o.ID, domain.OutreachQueued, repo.OutreachPatch{
		Status: &sending, ClaimedAt: &claimedAt, ClaimedBy: &worker, UpdatedAt: claimedAt,
	}); err != nil {
		t.Fatalf("simulate claim: %v", err)
	}

	env.Clock.t = env.Clock.t.Add(10 * time.Minute)
	if ids, _ := env.Engine.RecoverStaleSending(env.Ctx, 30*time.Minute); len(ids) != 0 {
		t.Fatalf("fresh claim recovered: %v", ids)
	}
	env.Clock.t = env.Clock.t.Add(time.Hour)
	ids, err := env.Engine.RecoverStaleSending(env.Ctx, 30*time.Minute)
	if err != nil || len(ids) != 1 {
		t.Fatalf("recover: %v %v", ids, err)
	}
	got := env.status(t, o.ID)
	if got.Status != domain.OutreachFailed || *got.LastError != engine.SendInterrupted || got.ClaimedBy != nil {
		t.Fatalf("unexpected recovered record %+v", got)
	}
	if _, err := env.Engine.SendOne(env.Ctx, o.ID, "worker"); !domain.IsValidation(err) {
		t.Fatalf("interrupted send must not be resent, got %v", err)
	}
	if env.Mail.Calls() != 0 {
		t.Fatalf("expected no mailer calls, got %d", env.Mail.Calls())
	}
}

func TestReplyHandling(t *testing.T) {
	env := newTestEnv(t)
	email := "grace@example.com"
	lead := domain.Lead{ID: "lead-1", Source: "github", Repo: "acme/tool", IssueURL: "https://github.com/acme/tool/issues/1",
		IssueTitle: "Install fails", Email: &email, Stage: domain.LeadContacted,
		CreatedAt: domain.FormatTime(env.Clock.t), UpdatedAt: domain.FormatTime(env.Clock.t)}
	if _, _, err := env.Engine.Repo.UpsertLead(env.Ctx, nil, lead); err != nil {
		t.Fatalf("seed lead: %v", err)
	}
	o := env.create(t, email, false)
	if _, err := env.Engine.SendOne(env.Ctx, o.ID, "worker"); err != nil {
		t.Fatalf("send: %v", err)
	}

	first := env.Clock.t.Add(time.Hour)
	if out, _ := env.Engine.RecordReply(env.Ctx, o.ID, first, true, "webhook"); out.Status != engine.OutcomeOK {
		t.Fatalf("first reply: %+v", out)
	}
	if out, _ := env.Engine.RecordReply(env.Ctx, o.ID, first, false, "webhook"); out.Status != engine.OutcomeIgnored {
		t.Fatalf("same reply twice should be ignored: %+v", out)
	}
	if out, _ := env.Engine.RecordReply(env.Ctx, o.ID, first.Add(-time.Minute), false, "webhook"); out.Status != engine.OutcomeIgnored {
		t.Fatalf("older reply should be ignored: %+v", out)
	}
	later := first.Add(time.Hour)
	if out, _ := env.Engine.RecordReply(env.Ctx, o.ID, later, false, "webhook"); out.Status != engine.OutcomeOK {
		t.Fatalf("newer reply: %+v", out)
	}
	got := env.status(t, o.ID)
	if got.Status != domain.OutreachReplied || *got.RepliedAt != domain.FormatTime(later) || !got.ApprovalRequired {
		t.Fatalf("unexpected record %+v", got)
	}
	l, _ := env.Engine.GetLead(env.Ctx, "lead-1")
	if l.Stage != domain.LeadReplied {
		t.Fatalf("lead stage %s, want replied", l.Stage)
	}

	if out, _ := env.Engine.RecordBounce(env.Ctx, o.ID, "mailbox full", "webhook"); out.Status != engine.OutcomeOK {
		t.Fatalf("bounce after reply should close: %+v", out)
	}
	if got := env.status(t, o.ID); got.Status != domain.OutreachClosed {
		t.Fatalf("expected CLOSED, got %s", got.Status)
	}
}

func TestBounceAfterDeliveryIgnored(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, "heidi@example.com", false)
	if _, err := env.Engine.SendOne(env.Ctx, o.ID, "worker"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := env.Engine.RecordDelivered(env.Ctx, o.ID, env.Clock.t, "webhook"); err != nil {
		t.Fatalf("delivered: %v", err)
	}
	out, err := env.Engine.RecordBounce(env.Ctx, o.ID, "", "webhook")
	if err != nil || out.Status != engine.OutcomeIgnored {
		t.Fatalf("expected ignored bounce, got %+v %v", out, err)
	}
}

func TestCloseAgedFailures(t *testing.T) {
	env := newTestEnv(t)
	env.Mail.Errs = []error{errors.New("rejected")}
	o := env.create(t, "ivan@example.com", false)
	_, _ = env.Engine.SendOne(env.Ctx, o.ID, "worker")

	env.Clock.t = env.Clock.t.Add(91 * 24 * time.Hour)
	closed, err := env.Engine.CloseAgedFailures(env.Ctx, 90*24*time.Hour)
	if err != nil || len(closed) != 1 {
		t.Fatalf("close aged: %v %v", closed, err)
	}
	if got := env.status(t, o.ID); got.Status != domain.OutreachClosed || got.ClosedAt == nil {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestStatistics(t *testing.T) {
	env := newTestEnv(t)
	for _, addr := range []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"} {
		o := env.create(t, addr, false)
		if _, err := env.Engine.SendOne(env.Ctx, o.ID, "worker"); err != nil {
			t.Fatalf("send: %v", err)
		}
		switch addr {
		case "a@example.com":
			_, _ = env.Engine.RecordDelivered(env.Ctx, o.ID, env.Clock.t, "webhook")
		case "b@example.com":
			_, _ = env.Engine.RecordReply(env.Ctx, o.ID, env.Clock.t, false, "webhook")
		}
	}
	stats, err := env.Engine.Statistics(env.Ctx, 30)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.ReplyRate != 0.25 || stats.DeliveryRate != 0.5 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func qualifyingCandidate(url, email string) domain.Candidate {
	young, few := 30, 1
	return domain.Candidate{
		Repo:      "acme/pytool",
		IssueURL:  url,
		Title:     "How to install with pip?",
		UserLogin: "newbie",
		Email:     email,
		Identity:  domain.Identity{AccountAgeDays: &young, Followers: &few, PublicRepos: &few},
	}
}

func TestIngestCandidatesUpsertsByIssueURL(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.IngestCandidates(env.Ctx, []domain.Candidate{
		qualifyingCandidate("https://github.com/acme/pytool/issues/1", "n@example.com"),
		qualifyingCandidate("https://github.com/acme/pytool/issues/2", ""),
		{Repo: "acme/pytool"},
	}, "prospector")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Evaluated != 2 || res.Qualified != 1 || len(res.Inserted) != 1 || len(res.Rejected) != 1 {
		t.Fatalf("unexpected ingest result %+v", res)
	}
	id := res.Inserted[0]
	if _, err := env.Engine.AdvanceLeadStage(env.Ctx, id, domain.LeadContacted, "tester"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if l, _ := env.Engine.AdvanceLeadStage(env.Ctx, id, domain.LeadNew, "tester"); l.Stage != domain.LeadContacted {
		t.Fatalf("advance must not move backwards, got %s", l.Stage)
	}

	res, err = env.Engine.IngestCandidates(env.Ctx, []domain.Candidate{
		qualifyingCandidate("https://github.com/acme/pytool/issues/1", "n@example.com"),
	}, "prospector")
	if err != nil || len(res.Updated) != 1 || res.Updated[0] != id {
		t.Fatalf("re-ingest: %+v %v", res, err)
	}
	l, _ := env.Engine.GetLead(env.Ctx, id)
	if l.Stage != domain.LeadContacted {
		t.Fatalf("re-ingest reset stage to %s", l.Stage)
	}
	if l, _ = env.Engine.ResetLeadStage(env.Ctx, id, domain.LeadEnriched, "tester"); l.Stage != domain.LeadEnriched {
		t.Fatalf("reset: got %s", l.Stage)
	}
}

func TestSelectPersona(t *testing.T) {
	personas := []config.Persona{
		{Key: "general"},
		{Key: "python", Repos: []string{"acme/pytool"}},
		{Key: "setup", Modalities: []string{"pip", "venv", "install"}},
	}
	lead := domain.Lead{Repo: "acme/pytool", IssueTitle: "pip install broken", IssueLabels: []string{"venv"}}
	if p, _ := engine.SelectPersona(personas, lead); p.Key != "setup" {
		t.Fatalf("expected setup (3 points), got %s", p.Key)
	}
	lead = domain.Lead{Repo: "acme/pytool", IssueTitle: "pipeline question"}
	if p, _ := engine.SelectPersona(personas, lead); p.Key != "python" {
		t.Fatalf("pipeline must not match pip; got %s", p.Key)
	}
	if p, _ := engine.SelectPersona(personas, domain.Lead{Repo: "other/repo"}); p.Key != "general" {
		t.Fatalf("expected fallback to first persona, got %s", p.Key)
	}
	if _, ok := engine.SelectPersona(nil, lead); ok {
		t.Fatalf("expected no persona")
	}
}

func TestTemplateComposer(t *testing.T) {
	c := engine.NewTemplateComposer(config.Default())
	d, err := c.Compose(context.Background(), domain.Lead{IssueTitle: "Setup fails", Repo: "acme/tool",
		IssueURL: "https://github.com/acme/tool/issues/3"}, config.Persona{Name: "Ada", Intro: "Hi from Ada."})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if d.Subject != "Re: Setup fails" || !strings.Contains(d.Body, "Hi there") || !strings.Contains(d.Body, "Hi from Ada.") {
		t.Fatalf("unexpected draft %+v", d)
	}

	cfg := config.Default()
	cfg.Outreach.Templates.Subject = "{{.Broken"
	if _, err := engine.NewTemplateComposer(cfg).Compose(context.Background(), domain.Lead{}, config.Persona{}); err == nil {
		t.Fatalf("expected template parse error")
	}
}

func TestAutomatedOutreach(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.IngestCandidates(env.Ctx, []domain.Candidate{
		qualifyingCandidate("https://github.com/acme/pytool/issues/9", "zoe@example.com"),
	}, "prospector")
	if err != nil || len(res.Inserted) != 1 {
		t.Fatalf("ingest: %+v %v", res, err)
	}
	leadID := res.Inserted[0]
	ids, err := env.Engine.ScheduleAutomatedOutreach(env.Ctx, 5)
	if err != nil || len(ids) != 1 || ids[0] != leadID {
		t.Fatalf("schedule: %v %v", ids, err)
	}

	// feature off: the record waits for approval
	out, err := env.Engine.SendAutomatedOutreach(env.Ctx, leadID)
	if err != nil || out.Status != engine.AutomatedPendingApproval || out.Persona != "python" {
		t.Fatalf("automated (disabled): %+v %v", out, err)
	}
	if env.Mail.Calls() != 0 {
		t.Fatalf("no mail expected before approval")
	}
	if ids, _ := env.Engine.ScheduleAutomatedOutreach(env.Ctx, 5); len(ids) != 0 {
		t.Fatalf("lead with pending outreach scheduled again: %v", ids)
	}

	if _, err := env.Engine.Approve(env.Ctx, out.OutreachID, "boss@example.com"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	env.Engine.Config.Features.AutomatedOutreach = true
	again, err := env.Engine.SendAutomatedOutreach(env.Ctx, leadID)
	if err != nil || again.Status != engine.AutomatedSent || again.OutreachID != out.OutreachID {
		t.Fatalf("automated resend: %+v %v", again, err)
	}
	l, _ := env.Engine.GetLead(env.Ctx, leadID)
	if l.Stage != domain.LeadContacted {
		t.Fatalf("lead stage %s, want contacted", l.Stage)
	}
	if third, _ := env.Engine.SendAutomatedOutreach(env.Ctx, leadID); third.Status != engine.AutomatedSkipped {
		t.Fatalf("sent lead must be skipped, got %+v", third)
	}
}

func TestTaskLifecycleAndCancel(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Engine.CreateTask(env.Ctx, "outreach.drain", json.RawMessage(`{"batch_size":5}`), "ops@example.com")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if ok, err := env.Engine.StartTask(env.Ctx, id); err != nil || !ok {
		t.Fatalf("start: %v %v", ok, err)
	}
	if err := env.Engine.CompleteTask(env.Ctx, id, map[string]int{"sent": 2}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	task, _ := env.Engine.GetTask(env.Ctx, id)
	if task.Status != domain.TaskCompleted || string(task.Output) != `{"sent":2}` {
		t.Fatalf("unexpected task %+v", task)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, id, "ops@example.com"); !domain.IsValidation(err) {
		t.Fatalf("cancelling a finished task should fail, got %v", err)
	}

	other, _ := env.Engine.CreateTask(env.Ctx, "prospecting.daily", nil, "ops@example.com")
	cancelled, err := env.Engine.CancelTask(env.Ctx, other, "ops@example.com")
	if err != nil || cancelled.Status != domain.TaskFailed || *cancelled.ErrorMessage != engine.TaskCancelled {
		t.Fatalf("cancel: %+v %v", cancelled, err)
	}
	if ok, _ := env.Engine.StartTask(env.Ctx, other); ok {
		t.Fatalf("cancelled task must not start")
	}
	logs, err := env.Engine.TaskLogs(env.Ctx, id, 0)
	if err != nil || len(logs) < 3 {
		t.Fatalf("expected task logs, got %d %v", len(logs), err)
	}
}

func TestCleanup(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.Engine.CreateTask(env.Ctx, "cleanup.periodic", nil, "system")
	_, _ = env.Engine.StartTask(env.Ctx, id)
	_ = env.Engine.CompleteTask(env.Ctx, id, nil)
	env.Engine.Audit.Record(env.Ctx, audit.Entry{Actor: audit.MonitoringActor, Action: audit.ActionMonitoringCompleted})

	env.Clock.t = env.Clock.t.Add(100 * 24 * time.Hour)
	res, err := env.Engine.Cleanup(env.Ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if res.TasksDeleted != 1 || res.ProvenanceDeleted != 1 {
		t.Fatalf("unexpected cleanup result %+v", res)
	}
	if _, err := env.Engine.GetTask(env.Ctx, id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected task deleted, got %v", err)
	}
}
