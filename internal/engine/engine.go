package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"leadline/internal/audit"
	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/events"
	"leadline/internal/mailer"
	"leadline/internal/repo"
)

// Engine owns outreach records, leads and task records. Every state change
// runs in one transaction together with its journal entry.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Config   *config.Config
	Mailer   mailer.Mailer
	Audit    audit.Sink
	Composer Composer
	Logger   *slog.Logger
	// WorkerID names the claimant written to claimed_by.
	WorkerID string
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, m mailer.Mailer) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Config:   cfg,
		Mailer:   m,
		Audit:    audit.Nop{},
		Composer: NewTemplateComposer(cfg),
		Logger:   slog.Default(),
		WorkerID: "engine",
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) nowString() string {
	return domain.FormatTime(e.now())
}

func (e Engine) events() events.Writer {
	return events.Writer{DB: e.DB, Now: e.now}
}

func (e Engine) audit(ctx context.Context, entry audit.Entry) {
	if e.Audit == nil {
		return
	}
	e.Audit.Record(ctx, entry)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// outreachEdges is the lifecycle graph. CLOSED has no way out.
var outreachEdges = map[domain.OutreachStatus][]domain.OutreachStatus{
	domain.OutreachDraft:     {domain.OutreachQueued},
	domain.OutreachQueued:    {domain.OutreachSending},
	domain.OutreachSending:   {domain.OutreachSent, domain.OutreachFailed},
	domain.OutreachSent:      {domain.OutreachDelivered, domain.OutreachReplied, domain.OutreachClosed},
	domain.OutreachDelivered: {domain.OutreachReplied},
	domain.OutreachFailed:    {domain.OutreachQueued, domain.OutreachClosed},
	domain.OutreachReplied:   {domain.OutreachClosed},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to domain.OutreachStatus) bool {
	for _, next := range outreachEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

func ensureOutreachTransition(from, to domain.OutreachStatus) error {
	if !CanTransition(from, to) {
		return &domain.TransitionError{From: from, To: to}
	}
	return nil
}

// transition moves o to status `to` with compare-and-set on its current
// status and journals the change. It reports false when another writer
// changed the status first.
func (e Engine) transition(ctx context.Context, tx *sql.Tx, o *domain.OutreachRequest, to domain.OutreachStatus, actorID, reason string, patch repo.OutreachPatch) (bool, error) {
	if err := ensureOutreachTransition(o.Status, to); err != nil {
		return false, err
	}
	if (to == domain.OutreachQueued || to == domain.OutreachSending) && o.AwaitingApproval() {
		return false, &domain.ApprovalRequiredError{ID: o.ID}
	}
	patch.Status = &to
	patch.UpdatedAt = e.nowString()
	ok, err := e.Repo.UpdateOutreach(ctx, tx, o.ID, o.Status, patch)
	if err != nil {
		return false, fmt.Errorf("update outreach %s: %w", o.ID, err)
	}
	if !ok {
		return false, nil
	}
	if err := e.events().Transition(ctx, tx, o.ID, actorID, o.Status, to, reason); err != nil {
		return false, err
	}
	o.Status = to
	return true, nil
}

// inTx runs fn in a transaction and commits when fn succeeds.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func normalizeEmail(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("email is required")
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", fmt.Errorf("invalid email %q", s)
	}
	return strings.ToLower(addr.Address), nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolPtr(b bool) *bool { return &b }

func strPtr(s string) *string { return &s }
