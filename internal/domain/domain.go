package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// TimeLayout is fixed-width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts stored timestamps as well as RFC3339 values from providers.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

type OutreachStatus string

const (
	OutreachDraft     OutreachStatus = "draft"
	OutreachQueued    OutreachStatus = "queued"
	OutreachSending   OutreachStatus = "sending"
	OutreachSent      OutreachStatus = "sent"
	OutreachFailed    OutreachStatus = "failed"
	OutreachDelivered OutreachStatus = "delivered"
	OutreachReplied   OutreachStatus = "replied"
	OutreachClosed    OutreachStatus = "closed"
)

// OutreachStatuses lists every status in lifecycle order.
var OutreachStatuses = []OutreachStatus{
	OutreachDraft, OutreachQueued, OutreachSending, OutreachSent,
	OutreachFailed, OutreachDelivered, OutreachReplied, OutreachClosed,
}

func ParseOutreachStatus(s string) (OutreachStatus, bool) {
	for _, st := range OutreachStatuses {
		if string(st) == strings.ToLower(strings.TrimSpace(s)) {
			return st, true
		}
	}
	return "", false
}

type OutreachRequest struct {
	ID               string         `json:"id"`
	DatasetID        *string        `json:"dataset_id,omitempty"`
	LeadID           *string        `json:"lead_id,omitempty"`
	RequesterEmail   string         `json:"requester_email"`
	RequesterName    string         `json:"requester_name,omitempty"`
	ContactEmail     string         `json:"contact_email"`
	ContactName      string         `json:"contact_name,omitempty"`
	Status           OutreachStatus `json:"status" enum:"draft,queued,sending,sent,failed,delivered,replied,closed"`
	Subject          string         `json:"email_subject,omitempty"`
	Body             string         `json:"email_body,omitempty"`
	Persona          string         `json:"persona,omitempty"`
	ThreadID         *string        `json:"thread_id,omitempty"`
	MessageID        *string        `json:"message_id,omitempty"`
	ApprovalRequired bool           `json:"approval_required"`
	ApprovedAt       *string        `json:"approved_at,omitempty" format:"date-time"`
	ApprovedBy       *string        `json:"approved_by,omitempty"`
	SentAt           *string        `json:"sent_at,omitempty" format:"date-time"`
	DeliveredAt      *string        `json:"delivered_at,omitempty" format:"date-time"`
	RepliedAt        *string        `json:"replied_at,omitempty" format:"date-time"`
	ClosedAt         *string        `json:"closed_at,omitempty" format:"date-time"`
	LastError        *string        `json:"last_error,omitempty"`
	Attempts         int            `json:"attempts"`
	ClaimedBy        *string        `json:"claimed_by,omitempty"`
	ClaimedAt        *string        `json:"claimed_at,omitempty" format:"date-time"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
}

// AwaitingApproval reports whether the approval gate still blocks queueing.
func (o OutreachRequest) AwaitingApproval() bool {
	return o.ApprovalRequired && o.ApprovedAt == nil
}

type LeadStage string

const (
	LeadNew       LeadStage = "new"
	LeadEnriched  LeadStage = "enriched"
	LeadContacted LeadStage = "contacted"
	LeadReplied   LeadStage = "replied"
)

// Rank orders stages so forward-only moves can be checked.
func (s LeadStage) Rank() int {
	switch s {
	case LeadNew:
		return 0
	case LeadEnriched:
		return 1
	case LeadContacted:
		return 2
	case LeadReplied:
		return 3
	default:
		return -1
	}
}

func ParseLeadStage(s string) (LeadStage, bool) {
	st := LeadStage(strings.ToLower(strings.TrimSpace(s)))
	if st.Rank() < 0 {
		return "", false
	}
	return st, true
}

// Signals are the scoring inputs extracted from an issue and its author.
// Nil pointers mean the signal is unknown.
type Signals struct {
	Keywords          []string `json:"keywords"`
	CodeBlocks        *bool    `json:"code_blocks"`
	ErrorMessages     *bool    `json:"error_messages"`
	Frustration       *bool    `json:"frustration"`
	PunctuationExcess *bool    `json:"punctuation_excess"`
	BodyLength        *int     `json:"body_length"`
	Labels            []string `json:"labels"`
	AccountAgeDays    *int     `json:"account_age_days"`
	Followers         *int     `json:"followers"`
	PublicRepos       *int     `json:"public_repos"`
}

// Identity carries what is known about an issue author.
type Identity struct {
	AccountAgeDays *int `json:"account_age_days,omitempty" yaml:"account_age_days"`
	Followers      *int `json:"followers,omitempty" yaml:"followers"`
	PublicRepos    *int `json:"public_repos,omitempty" yaml:"public_repos"`
}

// Candidate is a raw prospect as produced by a prospecting source.
type Candidate struct {
	Source         string     `json:"source,omitempty" yaml:"source"`
	Repo           string     `json:"repo" yaml:"repo"`
	IssueNumber    int        `json:"issue_number" yaml:"issue_number"`
	IssueURL       string     `json:"issue_url" yaml:"issue_url"`
	Title          string     `json:"title" yaml:"title"`
	Body           string     `json:"body,omitempty" yaml:"body"`
	Labels         []string   `json:"labels,omitempty" yaml:"labels"`
	IssueCreatedAt *time.Time `json:"issue_created_at,omitempty" yaml:"issue_created_at"`
	UserLogin      string     `json:"user_login,omitempty" yaml:"user_login"`
	ProfileURL     string     `json:"profile_url,omitempty" yaml:"profile_url"`
	Email          string     `json:"email,omitempty" yaml:"email"`
	Website        string     `json:"website,omitempty" yaml:"website"`
	Identity       Identity   `json:"identity" yaml:"identity"`
}

// Validate rejects candidates missing the fields the pipeline keys on.
func (c Candidate) Validate() error {
	var missing []string
	if strings.TrimSpace(c.IssueURL) == "" {
		missing = append(missing, "issue_url")
	}
	if strings.TrimSpace(c.Repo) == "" {
		missing = append(missing, "repo")
	}
	if strings.TrimSpace(c.Title) == "" {
		missing = append(missing, "title")
	}
	if len(missing) > 0 {
		return &ValidationError{Reason: "candidate missing " + strings.Join(missing, ", "), IDs: []string{c.IssueURL}}
	}
	return nil
}

// ScoredLead is a candidate after the scoring pipeline.
type ScoredLead struct {
	Candidate Candidate `json:"candidate"`
	Signals   Signals   `json:"signals"`
	Score     float64   `json:"score"`
	Qualified bool      `json:"qualified"`
}

type Lead struct {
	ID             string    `json:"id"`
	Source         string    `json:"source"`
	Repo           string    `json:"repo"`
	IssueNumber    int       `json:"issue_number"`
	IssueURL       string    `json:"issue_url"`
	IssueTitle     string    `json:"issue_title"`
	IssueBody      string    `json:"issue_body,omitempty"`
	IssueLabels    []string  `json:"issue_labels,omitempty"`
	IssueCreatedAt *string   `json:"issue_created_at,omitempty" format:"date-time"`
	UserLogin      string    `json:"user_login,omitempty"`
	ProfileURL     string    `json:"profile_url,omitempty"`
	Email          *string   `json:"email,omitempty"`
	Website        *string   `json:"website,omitempty"`
	Signals        Signals   `json:"signals"`
	NoviceScore    float64   `json:"novice_score"`
	Stage          LeadStage `json:"stage" enum:"new,enriched,contacted,replied"`
	CreatedAt      string    `json:"created_at" format:"date-time"`
	UpdatedAt      string    `json:"updated_at" format:"date-time"`
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

type Task struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Status       TaskStatus      `json:"status" enum:"pending,running,completed,failed"`
	UserEmail    string          `json:"user_email"`
	Input        json.RawMessage `json:"input_data,omitempty"`
	Output       json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Attempts     int             `json:"attempts"`
	StartedAt    *string         `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  *string         `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
}

type Provenance struct {
	ID           string         `json:"id"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

// Event is an entry of the outreach transition journal.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
