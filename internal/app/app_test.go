package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/jobs"
	"leadline/internal/mailer"
	"leadline/internal/repo"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type stubSource struct {
	cands []domain.Candidate
	err   error
}

func (s stubSource) Prospect(context.Context, []string, int) ([]domain.Candidate, error) {
	return s.cands, s.err
}

func newServices(t *testing.T, mail *mailer.Fake, src stubSource, mutate func(*config.Config)) (*Services, *clock) {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "leadline.db")
	if mutate != nil {
		mutate(cfg)
	}
	c := &clock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	s, err := Open(context.Background(), Options{
		Config:     cfg,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Mailer:     mail,
		Prospector: src,
		SyncAudit:  true,
		WorkerID:   "test-worker",
		Now:        c.Now,
	})
	if err != nil {
		t.Fatalf("open services: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, c
}

func TestRegistryMatchesJobTable(t *testing.T) {
	s, _ := newServices(t, &mailer.Fake{}, stubSource{}, nil)
	want := map[string]struct {
		queue   string
		retries int
	}{
		JobProspectingDaily:          {"prospecting", 3},
		JobProspectingRepos:          {"prospecting", 3},
		JobOutreachDrain:             {"outreach", 0},
		JobOutreachSendSingle:        {"outreach", 2},
		JobOutreachAutomated:         {"outreach", 3},
		JobOutreachScheduleAutomated: {"outreach", 0},
		JobMonitoringInbound:         {"monitoring", 3},
		JobMonitoringMissedReplies:   {"missed-replies", 3},
		JobCleanupPeriodic:           {"cleanup", 1},
	}
	if got := len(s.Registry.Names()); got != len(want) {
		t.Fatalf("expected %d jobs, got %d", len(want), got)
	}
	for name, w := range want {
		def, ok := s.Registry.Get(name)
		if !ok {
			t.Fatalf("job %s not registered", name)
		}
		if def.Queue != w.queue || def.MaxRetries != w.retries {
			t.Fatalf("job %s: queue=%s retries=%d", name, def.Queue, def.MaxRetries)
		}
	}
	def, _ := s.Registry.Get(JobOutreachSendSingle)
	if d := def.Backoff.Delay(1); d != 120*time.Second {
		t.Fatalf("send_single second retry delay = %s", d)
	}
}

func TestScheduleEntriesFollowFeatures(t *testing.T) {
	s, _ := newServices(t, &mailer.Fake{}, stubSource{}, nil)
	names := map[string]bool{}
	for _, e := range s.ScheduleEntries() {
		names[e.Name] = true
	}
	for _, n := range []string{"queue-processing", "monitoring", "missed-replies", "cleanup"} {
		if !names[n] {
			t.Fatalf("expected entry %s in %v", n, names)
		}
	}
	if names["prospecting"] || names["automated-outreach"] {
		t.Fatalf("prospecting entries present while disabled: %v", names)
	}
	if _, err := s.NewScheduler(); err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
}

func TestDrainRetriesTransientFailureThroughSendSingle(t *testing.T) {
	mail := &mailer.Fake{Errs: []error{&mailer.ProviderError{StatusCode: 503, Message: "unavailable"}}}
	s, c := newServices(t, mail, stubSource{}, nil)
	ctx := context.Background()

	o, err := s.Engine.CreateOutreach(ctx, engine.CreateOutreachOptions{ContactEmail: "dev@example.com", Subject: "Hi", Body: "Body", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Engine.Enqueue(ctx, o.ID, "tester"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Dispatch(ctx, JobOutreachDrain, DrainPayload{}, "ops@example.com"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	pool := s.NewPool(1)
	if n := pool.Drain(ctx); n != 1 {
		t.Fatalf("expected 1 job run, got %d", n)
	}
	got, _ := s.Engine.GetOutreach(ctx, o.ID)
	if got.Status != domain.OutreachFailed {
		t.Fatalf("expected FAILED after transient error, got %s", got.Status)
	}
	retries, err := s.Engine.ListTasks(ctx, repo.TaskFilters{Type: JobOutreachSendSingle})
	if err != nil || len(retries) != 1 {
		t.Fatalf("expected one send_single task, got %d (%v)", len(retries), err)
	}

	c.Advance(61 * time.Second)
	if n := pool.Drain(ctx); n != 1 {
		t.Fatalf("expected the retry to run, got %d", n)
	}
	got, _ = s.Engine.GetOutreach(ctx, o.ID)
	if got.Status != domain.OutreachSent {
		t.Fatalf("expected SENT after retry, got %s", got.Status)
	}
	if mail.Calls() != 2 || len(mail.Sent) != 1 {
		t.Fatalf("expected 2 attempts and 1 delivery, got %d/%d", mail.Calls(), len(mail.Sent))
	}
	task, err := s.Engine.GetTask(ctx, retries[0].ID)
	if err != nil || task.Status != domain.TaskCompleted {
		t.Fatalf("send_single task not completed: %+v %v", task, err)
	}
}

func TestSendSingleRejectsUnknownOutreachWithoutRetry(t *testing.T) {
	s, _ := newServices(t, &mailer.Fake{}, stubSource{}, nil)
	ctx := context.Background()
	d, err := s.Dispatch(ctx, JobOutreachSendSingle, SendSinglePayload{OutreachID: "missing"}, "ops@example.com")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s.NewPool(1).Drain(ctx)
	task, err := s.Engine.GetTask(ctx, d.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.TaskFailed {
		t.Fatalf("expected failed task, got %s", task.Status)
	}
	j, err := s.Broker.Get(ctx, d.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.State != jobs.StateFailed || j.Attempt != 0 {
		t.Fatalf("expected permanent failure without retry, got %s attempt %d", j.State, j.Attempt)
	}
}

func TestProspectReposIngestsCandidates(t *testing.T) {
	young, few := 30, 1
	src := stubSource{cands: []domain.Candidate{{
		Repo:      "acme/pytool",
		IssueURL:  "https://github.com/acme/pytool/issues/7",
		Title:     "How to install with pip?",
		UserLogin: "newbie",
		Email:     "newbie@example.com",
		Identity:  domain.Identity{AccountAgeDays: &young, Followers: &few, PublicRepos: &few},
	}}, err: errors.New("acme/other: status=502")}
	s, _ := newServices(t, &mailer.Fake{}, src, nil)
	ctx := context.Background()

	d, err := s.Dispatch(ctx, JobProspectingRepos, ProspectPayload{Repos: []string{"acme/pytool", "acme/other"}}, "ops@example.com")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s.NewPool(1).Drain(ctx)
	task, err := s.Engine.GetTask(ctx, d.TaskID)
	if err != nil || task.Status != domain.TaskCompleted {
		t.Fatalf("task not completed: %+v %v", task, err)
	}
	var out ProspectResult
	if err := json.Unmarshal(task.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Fetched != 1 || len(out.Inserted) != 1 || out.Error == "" {
		t.Fatalf("unexpected output %+v", out)
	}
	leads, err := s.Engine.ListLeads(ctx, repo.LeadFilters{})
	if err != nil || len(leads) != 1 || leads[0].Stage != domain.LeadEnriched {
		t.Fatalf("expected one enriched lead, got %+v (%v)", leads, err)
	}
}

func TestProspectRetriesWhenSourceReturnsNothing(t *testing.T) {
	s, _ := newServices(t, &mailer.Fake{}, stubSource{err: errors.New("github down")}, nil)
	ctx := context.Background()
	d, err := s.Dispatch(ctx, JobProspectingRepos, ProspectPayload{Repos: []string{"acme/pytool"}}, "ops@example.com")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s.NewPool(1).Drain(ctx)
	j, err := s.Broker.Get(ctx, d.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.State != jobs.StateRetrying || j.Attempt != 1 {
		t.Fatalf("expected a scheduled retry, got %s attempt %d", j.State, j.Attempt)
	}
}

func TestMonitoringSkippedWhenDisabled(t *testing.T) {
	s, _ := newServices(t, &mailer.Fake{}, stubSource{}, func(c *config.Config) {
		c.Features.EmailMonitoring = false
	})
	ctx := context.Background()
	d, err := s.Dispatch(ctx, JobMonitoringInbound, nil, "ops@example.com")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s.NewPool(1).Drain(ctx)
	task, err := s.Engine.GetTask(ctx, d.TaskID)
	if err != nil || task.Status != domain.TaskCompleted {
		t.Fatalf("expected skipped job to complete its task: %+v %v", task, err)
	}
	if len(s.ScheduleEntries()) != 2 {
		t.Fatalf("expected only queue-processing and cleanup, got %+v", s.ScheduleEntries())
	}
}
