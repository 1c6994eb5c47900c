package repo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "leadline.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func outreachFixture(id, email, created string, status domain.OutreachStatus) domain.OutreachRequest {
	return domain.OutreachRequest{
		ID:             id,
		RequesterEmail: "team@example.com",
		ContactEmail:   email,
		Status:         status,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestUpdateOutreachCompareAndSet(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	if err := r.InsertOutreach(ctx, nil, outreachFixture("o1", "a@example.com", "2026-01-01T00:00:00.000000Z", domain.OutreachQueued)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	sending := domain.OutreachSending
	owner := "worker-1"
	ok, err := r.UpdateOutreach(ctx, nil, "o1", domain.OutreachQueued, OutreachPatch{Status: &sending, ClaimedBy: &owner, UpdatedAt: "2026-01-01T00:00:01.000000Z"})
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	other := "worker-2"
	ok, err = r.UpdateOutreach(ctx, nil, "o1", domain.OutreachQueued, OutreachPatch{Status: &sending, ClaimedBy: &other})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatalf("expected second claim to lose")
	}
	got, err := r.GetOutreach(ctx, "o1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.OutreachSending || got.ClaimedBy == nil || *got.ClaimedBy != owner {
		t.Fatalf("unexpected record after claim: %+v", got)
	}
}

func TestRecentOutreachForContact(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	_ = r.InsertOutreach(ctx, nil, outreachFixture("old", "a@example.com", "2026-01-01T00:00:00.000000Z", domain.OutreachSent))
	_ = r.InsertOutreach(ctx, nil, outreachFixture("new", "a@example.com", "2026-01-05T00:00:00.000000Z", domain.OutreachDraft))

	got, err := r.RecentOutreachForContact(ctx, nil, "A@example.com", "2026-01-02T00:00:00.000000Z")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != "new" {
		t.Fatalf("expected newest record, got %s", got.ID)
	}
	if _, err := r.RecentOutreachForContact(ctx, nil, "a@example.com", "2026-01-06T00:00:00.000000Z"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found outside window, got %v", err)
	}
}

func TestUpsertLeadKeepsStageAndID(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	email := "dev@example.com"
	lead := domain.Lead{
		ID: "l1", Source: "github-issues", Repo: "org/repo", IssueNumber: 7,
		IssueURL: "https://github.com/org/repo/issues/7", IssueTitle: "help", Email: &email,
		NoviceScore: 0.7, Stage: domain.LeadEnriched,
		CreatedAt: "2026-01-01T00:00:00.000000Z", UpdatedAt: "2026-01-01T00:00:00.000000Z",
	}
	id, inserted, err := r.UpsertLead(ctx, nil, lead)
	if err != nil || !inserted || id != "l1" {
		t.Fatalf("insert: id=%s inserted=%v err=%v", id, inserted, err)
	}
	if err := r.SetLeadStage(ctx, nil, "l1", domain.LeadContacted, "2026-01-02T00:00:00.000000Z"); err != nil {
		t.Fatalf("stage: %v", err)
	}

	lead.ID = "l2"
	lead.IssueTitle = "still stuck"
	lead.NoviceScore = 0.9
	lead.Stage = domain.LeadEnriched
	lead.UpdatedAt = "2026-01-03T00:00:00.000000Z"
	id, inserted, err = r.UpsertLead(ctx, nil, lead)
	if err != nil || inserted || id != "l1" {
		t.Fatalf("update: id=%s inserted=%v err=%v", id, inserted, err)
	}
	got, err := r.GetLead(ctx, "l1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IssueTitle != "still stuck" || got.NoviceScore != 0.9 {
		t.Fatalf("fields not overwritten: %+v", got)
	}
	if got.Stage != domain.LeadContacted || got.CreatedAt != "2026-01-01T00:00:00.000000Z" {
		t.Fatalf("stage or created_at overwritten: %+v", got)
	}
}

func TestTaskLifecycleRespectsCancellation(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	now := "2026-01-01T00:00:00.000000Z"
	if err := r.InsertTask(ctx, nil, domain.Task{ID: "t1", Type: "outreach.drain", Status: domain.TaskPending, UserEmail: "system", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if ok, err := r.StartTask(ctx, "t1", now); err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}
	if ok, err := r.FailTask(ctx, "t1", "Task cancelled by user", now); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	if err := r.FinishTask(ctx, "t1", domain.TaskCompleted, []byte(`{"sent":1}`), nil, now); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, err := r.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.TaskFailed || got.ErrorMessage == nil || *got.ErrorMessage != "Task cancelled by user" {
		t.Fatalf("cancellation overwritten: %+v", got)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}
}

func TestAPIKeyListAndRevoke(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	for i, actor := range []string{"alice", "bob", "alice"} {
		key := domain.APIKey{
			ID:        "k" + string(rune('1'+i)),
			ActorID:   actor,
			KeyHash:   HashAPIKey("secret-" + string(rune('a'+i))),
			CreatedAt: "2026-01-0" + string(rune('1'+i)) + "T00:00:00.000000Z",
		}
		if err := r.InsertAPIKey(ctx, nil, key); err != nil {
			t.Fatalf("insert %s: %v", key.ID, err)
		}
	}
	keys, err := r.ListAPIKeys(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0].ID != "k3" || keys[1].ID != "k1" {
		t.Fatalf("unexpected keys %+v", keys)
	}
	if keys[0].KeyHash != "" {
		t.Fatalf("expected hash to be hidden")
	}
	if got, err := r.GetAPIKeyByHash(ctx, HashAPIKey(" secret-a ")); err != nil || got.ID != "k1" {
		t.Fatalf("lookup by hash: %+v %v", got, err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, HashAPIKey("secret-a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after revoke, got %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}
