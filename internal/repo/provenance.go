package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"leadline/internal/domain"
)

func (r Repo) InsertProvenance(ctx context.Context, p domain.Provenance) error {
	var details any
	if len(p.Details) > 0 {
		data, err := json.Marshal(p.Details)
		if err != nil {
			return fmt.Errorf("marshal provenance details: %w", err)
		}
		details = string(data)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO provenance(id,actor,action,resource_type,resource_id,details_json,ip_address,user_agent,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`, p.ID, p.Actor, p.Action, nullable(p.ResourceType), nullable(p.ResourceID), details,
		nullable(p.IPAddress), nullable(p.UserAgent), p.CreatedAt)
	return err
}

type ProvenanceFilters struct {
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Since        string
	Limit        int
}

func (r Repo) ListProvenance(ctx context.Context, f ProvenanceFilters) ([]domain.Provenance, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Actor != "" {
		clauses = append(clauses, "actor=?")
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.ResourceType != "" {
		clauses = append(clauses, "resource_type=?")
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		clauses = append(clauses, "resource_id=?")
		args = append(args, f.ResourceID)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at>=?")
		args = append(args, f.Since)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,actor,action,resource_type,resource_id,details_json,ip_address,user_agent,created_at FROM provenance
WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Provenance
	for rows.Next() {
		var p domain.Provenance
		var resType, resID, details, ip, ua sql.NullString
		if err := rows.Scan(&p.ID, &p.Actor, &p.Action, &resType, &resID, &details, &ip, &ua, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.ResourceType = resType.String
		p.ResourceID = resID.String
		p.IPAddress = ip.String
		p.UserAgent = ua.String
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &p.Details); err != nil {
				return nil, fmt.Errorf("decode provenance details: %w", err)
			}
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CountProvenance counts entries with action created at or after since.
func (r Repo) CountProvenance(ctx context.Context, action, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM provenance WHERE action=? AND created_at>=?`, action, since).Scan(&n)
	return n, err
}

// DeleteProvenance removes entries by actor created before the cutoff.
func (r Repo) DeleteProvenance(ctx context.Context, actor, before string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM provenance WHERE actor=? AND created_at<?`, actor, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
