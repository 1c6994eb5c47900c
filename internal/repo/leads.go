package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"leadline/internal/domain"
)

const leadColumns = `id,source,repo,issue_number,issue_url,issue_title,issue_body,issue_labels,issue_created_at,user_login,profile_url,email,website,signals,novice_score,stage,created_at,updated_at`

func scanLead(row rowScanner) (domain.Lead, error) {
	var l domain.Lead
	var body, labels, issueCreatedAt, login, profile, email, website, signals sql.NullString
	err := row.Scan(&l.ID, &l.Source, &l.Repo, &l.IssueNumber, &l.IssueURL, &l.IssueTitle, &body, &labels, &issueCreatedAt,
		&login, &profile, &email, &website, &signals, &l.NoviceScore, &l.Stage, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.IssueBody = body.String
	l.IssueCreatedAt = ptr(issueCreatedAt)
	l.UserLogin = login.String
	l.ProfileURL = profile.String
	l.Email = ptr(email)
	l.Website = ptr(website)
	if labels.Valid && labels.String != "" {
		if err := json.Unmarshal([]byte(labels.String), &l.IssueLabels); err != nil {
			return l, fmt.Errorf("decode lead labels: %w", err)
		}
	}
	if signals.Valid && signals.String != "" {
		if err := json.Unmarshal([]byte(signals.String), &l.Signals); err != nil {
			return l, fmt.Errorf("decode lead signals: %w", err)
		}
	}
	return l, nil
}

// UpsertLead inserts the lead keyed by issue URL, or overwrites every field of
// the existing row except id, created_at and stage. It returns the stored id
// and whether a new row was created.
func (r Repo) UpsertLead(ctx context.Context, tx *sql.Tx, l domain.Lead) (string, bool, error) {
	labels, err := json.Marshal(l.IssueLabels)
	if err != nil {
		return "", false, fmt.Errorf("marshal labels: %w", err)
	}
	signals, err := json.Marshal(l.Signals)
	if err != nil {
		return "", false, fmt.Errorf("marshal signals: %w", err)
	}
	var existing string
	err = r.q(tx).QueryRowContext(ctx, `SELECT id FROM leads WHERE issue_url=?`, l.IssueURL).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = r.q(tx).ExecContext(ctx, `INSERT INTO leads(`+leadColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			l.ID, l.Source, l.Repo, l.IssueNumber, l.IssueURL, l.IssueTitle, nullable(l.IssueBody), string(labels),
			nullableStringPtr(l.IssueCreatedAt), nullable(l.UserLogin), nullable(l.ProfileURL), nullableStringPtr(l.Email),
			nullableStringPtr(l.Website), string(signals), l.NoviceScore, l.Stage, l.CreatedAt, l.UpdatedAt)
		if err != nil {
			return "", false, err
		}
		return l.ID, true, nil
	case err != nil:
		return "", false, err
	}
	_, err = r.q(tx).ExecContext(ctx, `UPDATE leads SET source=?,repo=?,issue_number=?,issue_title=?,issue_body=?,issue_labels=?,issue_created_at=?,
user_login=?,profile_url=?,email=?,website=?,signals=?,novice_score=?,updated_at=? WHERE id=?`,
		l.Source, l.Repo, l.IssueNumber, l.IssueTitle, nullable(l.IssueBody), string(labels), nullableStringPtr(l.IssueCreatedAt),
		nullable(l.UserLogin), nullable(l.ProfileURL), nullableStringPtr(l.Email), nullableStringPtr(l.Website), string(signals),
		l.NoviceScore, l.UpdatedAt, existing)
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

func (r Repo) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	return r.GetLeadTx(ctx, nil, id)
}

func (r Repo) GetLeadTx(ctx context.Context, tx *sql.Tx, id string) (domain.Lead, error) {
	return scanLead(r.q(tx).QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id))
}

type LeadFilters struct {
	Stage           string
	Repo            string
	MinScore        float64
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListLeads(ctx context.Context, f LeadFilters) ([]domain.Lead, error) {
	var clauses []string
	var args []any
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.Repo != "" {
		clauses = append(clauses, "repo=?")
		args = append(args, f.Repo)
	}
	if f.MinScore > 0 {
		clauses = append(clauses, "novice_score>=?")
		args = append(args, f.MinScore)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + leadColumns + ` FROM leads ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryLeads(ctx, nil, query, args...)
}

func (r Repo) queryLeads(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Lead, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// LeadsByEmail returns leads whose contact email matches, case-insensitively.
func (r Repo) LeadsByEmail(ctx context.Context, tx *sql.Tx, email string) ([]domain.Lead, error) {
	return r.queryLeads(ctx, tx, `SELECT `+leadColumns+` FROM leads WHERE lower(email)=?`, strings.ToLower(email))
}

// LeadsReadyForOutreach returns leads in stage with an email and no outreach
// to that email created at or after since, best score first.
func (r Repo) LeadsReadyForOutreach(ctx context.Context, stage domain.LeadStage, since string, limit int) ([]domain.Lead, error) {
	return r.queryLeads(ctx, nil, `SELECT `+leadColumns+` FROM leads
WHERE stage=? AND email IS NOT NULL AND email<>''
AND NOT EXISTS (SELECT 1 FROM outreach_requests o WHERE o.contact_email=lower(leads.email) AND o.created_at>=?)
ORDER BY novice_score DESC, created_at ASC LIMIT ?`, stage, since, limit)
}

func (r Repo) SetLeadStage(ctx context.Context, tx *sql.Tx, id string, stage domain.LeadStage, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE leads SET stage=?, updated_at=? WHERE id=?`, stage, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LeadStats groups leads created at or after since.
type LeadStats struct {
	Total    int            `json:"total"`
	ByStage  map[string]int `json:"by_stage"`
	ByRepo   map[string]int `json:"by_repo"`
	AvgScore float64        `json:"avg_score"`
}

func (r Repo) LeadStatistics(ctx context.Context, since string) (LeadStats, error) {
	stats := LeadStats{ByStage: map[string]int{}, ByRepo: map[string]int{}}
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(AVG(novice_score),0) FROM leads WHERE created_at>=?`, since).
		Scan(&stats.Total, &stats.AvgScore); err != nil {
		return stats, err
	}
	for _, g := range []struct {
		col string
		dst map[string]int
	}{{"stage", stats.ByStage}, {"repo", stats.ByRepo}} {
		rows, err := r.DB.QueryContext(ctx, `SELECT `+g.col+`, COUNT(*) FROM leads WHERE created_at>=? GROUP BY `+g.col, since)
		if err != nil {
			return stats, err
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return stats, err
			}
			g.dst[key] = n
		}
		if err := rows.Close(); err != nil {
			return stats, err
		}
	}
	return stats, nil
}
