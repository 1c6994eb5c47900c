package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"leadline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const outreachColumns = `id,dataset_id,lead_id,requester_email,requester_name,contact_email,contact_name,status,email_subject,email_body,persona,thread_id,message_id,approval_required,approved_at,approved_by,sent_at,delivered_at,replied_at,closed_at,last_error,attempts,claimed_by,claimed_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutreach(row rowScanner) (domain.OutreachRequest, error) {
	var o domain.OutreachRequest
	var datasetID, leadID, requesterName, contactName, subject, body, persona, threadID, messageID sql.NullString
	var approvedAt, approvedBy, sentAt, deliveredAt, repliedAt, closedAt, lastError, claimedBy, claimedAt sql.NullString
	var approval int
	err := row.Scan(&o.ID, &datasetID, &leadID, &o.RequesterEmail, &requesterName, &o.ContactEmail, &contactName, &o.Status,
		&subject, &body, &persona, &threadID, &messageID, &approval, &approvedAt, &approvedBy, &sentAt, &deliveredAt,
		&repliedAt, &closedAt, &lastError, &o.Attempts, &claimedBy, &claimedAt, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.DatasetID = ptr(datasetID)
	o.LeadID = ptr(leadID)
	o.RequesterName = requesterName.String
	o.ContactName = contactName.String
	o.Subject = subject.String
	o.Body = body.String
	o.Persona = persona.String
	o.ThreadID = ptr(threadID)
	o.MessageID = ptr(messageID)
	o.ApprovalRequired = approval != 0
	o.ApprovedAt = ptr(approvedAt)
	o.ApprovedBy = ptr(approvedBy)
	o.SentAt = ptr(sentAt)
	o.DeliveredAt = ptr(deliveredAt)
	o.RepliedAt = ptr(repliedAt)
	o.ClosedAt = ptr(closedAt)
	o.LastError = ptr(lastError)
	o.ClaimedBy = ptr(claimedBy)
	o.ClaimedAt = ptr(claimedAt)
	return o, nil
}

func (r Repo) InsertOutreach(ctx context.Context, tx *sql.Tx, o domain.OutreachRequest) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO outreach_requests(`+outreachColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, nullableStringPtr(o.DatasetID), nullableStringPtr(o.LeadID), o.RequesterEmail, nullable(o.RequesterName),
		o.ContactEmail, nullable(o.ContactName), o.Status, nullable(o.Subject), nullable(o.Body), nullable(o.Persona),
		nullableStringPtr(o.ThreadID), nullableStringPtr(o.MessageID), boolInt(o.ApprovalRequired),
		nullableStringPtr(o.ApprovedAt), nullableStringPtr(o.ApprovedBy), nullableStringPtr(o.SentAt),
		nullableStringPtr(o.DeliveredAt), nullableStringPtr(o.RepliedAt), nullableStringPtr(o.ClosedAt),
		nullableStringPtr(o.LastError), o.Attempts, nullableStringPtr(o.ClaimedBy), nullableStringPtr(o.ClaimedAt),
		o.CreatedAt, o.UpdatedAt)
	return err
}

func (r Repo) GetOutreach(ctx context.Context, id string) (domain.OutreachRequest, error) {
	return r.GetOutreachTx(ctx, nil, id)
}

func (r Repo) GetOutreachTx(ctx context.Context, tx *sql.Tx, id string) (domain.OutreachRequest, error) {
	return scanOutreach(r.q(tx).QueryRowContext(ctx, `SELECT `+outreachColumns+` FROM outreach_requests WHERE id=?`, id))
}

type OutreachFilters struct {
	Status          string
	ContactEmail    string
	DatasetID       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListOutreach(ctx context.Context, f OutreachFilters) ([]domain.OutreachRequest, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ContactEmail != "" {
		clauses = append(clauses, "contact_email=?")
		args = append(args, strings.ToLower(f.ContactEmail))
	}
	if f.DatasetID != "" {
		clauses = append(clauses, "dataset_id=?")
		args = append(args, f.DatasetID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + outreachColumns + ` FROM outreach_requests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryOutreach(ctx, nil, query, args...)
}

func (r Repo) queryOutreach(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.OutreachRequest, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutreachRequest
	for rows.Next() {
		o, err := scanOutreach(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// RecentOutreachForContact returns the newest record for the contact created
// at or after since.
func (r Repo) RecentOutreachForContact(ctx context.Context, tx *sql.Tx, email, since string) (domain.OutreachRequest, error) {
	return scanOutreach(r.q(tx).QueryRowContext(ctx, `SELECT `+outreachColumns+` FROM outreach_requests
WHERE contact_email=? AND created_at>=? ORDER BY created_at DESC, id DESC LIMIT 1`, strings.ToLower(email), since))
}

// OldestQueued returns up to limit QUEUED records in creation order. With
// gated set it returns only records still waiting for approval, otherwise
// only records that may be sent.
func (r Repo) OldestQueued(ctx context.Context, limit int, gated bool) ([]domain.OutreachRequest, error) {
	cond := `NOT (approval_required=1 AND approved_at IS NULL)`
	if gated {
		cond = `approval_required=1 AND approved_at IS NULL`
	}
	return r.queryOutreach(ctx, nil, `SELECT `+outreachColumns+` FROM outreach_requests WHERE status=? AND `+cond+`
ORDER BY created_at ASC, id ASC LIMIT ?`, domain.OutreachQueued, limit)
}

// FindOutreachBy looks a record up by a provider or dataset reference.
// Ties resolve to the most recently sent record.
func (r Repo) FindOutreachBy(ctx context.Context, column, value string) (domain.OutreachRequest, error) {
	switch column {
	case "thread_id", "message_id", "dataset_id":
	default:
		return domain.OutreachRequest{}, fmt.Errorf("unsupported lookup column %q", column)
	}
	return scanOutreach(r.DB.QueryRowContext(ctx, `SELECT `+outreachColumns+` FROM outreach_requests WHERE `+column+`=?
ORDER BY COALESCE(sent_at,'') DESC, created_at DESC LIMIT 1`, value))
}

// LatestSentToContact returns the record most recently sent to email.
func (r Repo) LatestSentToContact(ctx context.Context, email string) (domain.OutreachRequest, error) {
	return scanOutreach(r.DB.QueryRowContext(ctx, `SELECT `+outreachColumns+` FROM outreach_requests
WHERE contact_email=? AND sent_at IS NOT NULL ORDER BY sent_at DESC, created_at DESC LIMIT 1`, strings.ToLower(email)))
}

// ListOutreachIDs returns ids of records in status created or claimed before
// the cutoff. Column selects created_at or claimed_at.
func (r Repo) ListOutreachIDs(ctx context.Context, status domain.OutreachStatus, column, before string) ([]string, error) {
	switch column {
	case "created_at", "claimed_at", "updated_at":
	default:
		return nil, fmt.Errorf("unsupported cutoff column %q", column)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM outreach_requests WHERE status=? AND `+column+`<? ORDER BY created_at ASC`, status, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListSentSince returns SENT and DELIVERED records sent at or after since.
func (r Repo) ListSentSince(ctx context.Context, since string) ([]domain.OutreachRequest, error) {
	return r.queryOutreach(ctx, nil, `SELECT `+outreachColumns+` FROM outreach_requests
WHERE status IN (?,?) AND sent_at>=? ORDER BY sent_at ASC`, domain.OutreachSent, domain.OutreachDelivered, since)
}

// OutreachPatch lists column updates. Nil fields are left untouched.
type OutreachPatch struct {
	Status           *domain.OutreachStatus
	ApprovalRequired *bool
	ApprovedAt       *string
	ApprovedBy       *string
	SentAt           *string
	DeliveredAt      *string
	RepliedAt        *string
	ClosedAt         *string
	LastError        *string
	ClearLastError   bool
	ThreadID         *string
	MessageID        *string
	ClaimedBy        *string
	ClaimedAt        *string
	ClearClaim       bool
	IncAttempts      bool
	UpdatedAt        string
}

// UpdateOutreach applies patch. When expect is non-empty the update only
// happens while the row still has that status; the returned bool reports
// whether a row changed.
func (r Repo) UpdateOutreach(ctx context.Context, tx *sql.Tx, id string, expect domain.OutreachStatus, p OutreachPatch) (bool, error) {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	if p.Status != nil {
		set("status", *p.Status)
	}
	if p.ApprovalRequired != nil {
		set("approval_required", boolInt(*p.ApprovalRequired))
	}
	if p.ApprovedAt != nil {
		set("approved_at", *p.ApprovedAt)
	}
	if p.ApprovedBy != nil {
		set("approved_by", *p.ApprovedBy)
	}
	if p.SentAt != nil {
		set("sent_at", *p.SentAt)
	}
	if p.DeliveredAt != nil {
		set("delivered_at", *p.DeliveredAt)
	}
	if p.RepliedAt != nil {
		set("replied_at", *p.RepliedAt)
	}
	if p.ClosedAt != nil {
		set("closed_at", *p.ClosedAt)
	}
	if p.LastError != nil {
		set("last_error", *p.LastError)
	} else if p.ClearLastError {
		fields = append(fields, "last_error=NULL")
	}
	if p.ThreadID != nil {
		set("thread_id", *p.ThreadID)
	}
	if p.MessageID != nil {
		set("message_id", *p.MessageID)
	}
	if p.ClaimedBy != nil {
		set("claimed_by", *p.ClaimedBy)
	}
	if p.ClaimedAt != nil {
		set("claimed_at", *p.ClaimedAt)
	}
	if p.ClearClaim {
		fields = append(fields, "claimed_by=NULL", "claimed_at=NULL")
	}
	if p.IncAttempts {
		fields = append(fields, "attempts=attempts+1")
	}
	if len(fields) == 0 {
		return false, nil
	}
	if p.UpdatedAt != "" {
		set("updated_at", p.UpdatedAt)
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE outreach_requests SET %s WHERE id=?`, strings.Join(fields, ","))
	if expect != "" {
		query += " AND status=?"
		args = append(args, expect)
	}
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// CountOutreachByStatus counts records created at or after since.
func (r Repo) CountOutreachByStatus(ctx context.Context, since string) (map[domain.OutreachStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM outreach_requests WHERE created_at>=? GROUP BY status`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.OutreachStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[domain.OutreachStatus(status)] = count
	}
	return res, rows.Err()
}

func ptr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
