package prospect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"leadline/internal/config"
)

func newGitHubServer(t *testing.T, userCalls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing auth header")
		}
		w.Write([]byte(`[
			{"number": 1, "html_url": "https://github.com/acme/widgets/issues/1", "title": "How do I install?",
			 "body": "first time", "created_at": "2026-10-01T10:00:00Z",
			 "labels": [{"name": "question"}], "user": {"login": "alice", "html_url": "https://github.com/alice"}},
			{"number": 2, "html_url": "https://github.com/acme/widgets/pull/2", "title": "Fix typo",
			 "pull_request": {"url": "x"}, "user": {"login": "bob"}},
			{"number": 3, "html_url": "https://github.com/acme/widgets/issues/3", "title": "Another question",
			 "created_at": "2026-10-02T10:00:00Z", "user": {"login": "alice"}}
		]`))
	})
	mux.HandleFunc("/repos/acme/broken/issues", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	mux.HandleFunc("/users/alice", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(userCalls, 1)
		w.Write([]byte(`{"login": "alice", "html_url": "https://github.com/alice", "email": "alice@example.com",
			"blog": "https://alice.dev", "followers": 3, "public_repos": 2, "created_at": "2026-09-16T00:00:00Z"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGitHubSourceSkipsPullRequestsAndCachesProfiles(t *testing.T) {
	var calls int32
	srv := newGitHubServer(t, &calls)
	src := NewGitHubSource(srv.URL, "tok")
	src.Now = func() time.Time { return time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC) }

	got, err := src.Prospect(context.Background(), []string{"acme/widgets"}, 10)
	if err != nil {
		t.Fatalf("prospect: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	c := got[0]
	if c.IssueNumber != 1 || c.Repo != "acme/widgets" || c.Source != "github" {
		t.Fatalf("unexpected candidate: %+v", c)
	}
	if c.Email != "alice@example.com" || c.Website != "https://alice.dev" {
		t.Fatalf("profile not applied: %+v", c)
	}
	if c.Identity.AccountAgeDays == nil || *c.Identity.AccountAgeDays != 30 {
		t.Fatalf("expected account age 30, got %v", c.Identity.AccountAgeDays)
	}
	if len(c.Labels) != 1 || c.Labels[0] != "question" {
		t.Fatalf("labels: %v", c.Labels)
	}
	if c.IssueCreatedAt == nil {
		t.Fatalf("issue_created_at not parsed")
	}

	if _, err := src.Prospect(context.Background(), []string{"acme/widgets"}, 10); err != nil {
		t.Fatalf("second prospect: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected one profile fetch, got %d", n)
	}
}

func TestGitHubSourceKeepsPartialResults(t *testing.T) {
	var calls int32
	srv := newGitHubServer(t, &calls)
	src := NewGitHubSource(srv.URL, "tok")

	got, err := src.Prospect(context.Background(), []string{"acme/widgets", "acme/broken"}, 1)
	if err == nil {
		t.Fatalf("expected error for broken repo")
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate from the healthy repo, got %d", len(got))
	}
}

func TestFileSourceFiltersAndCaps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "candidates.yml")
	data := `candidates:
  - repo: acme/widgets
    issue_url: https://github.com/acme/widgets/issues/1
    title: one
  - repo: acme/widgets
    issue_url: https://github.com/acme/widgets/issues/2
    title: two
  - repo: acme/other
    issue_url: https://github.com/acme/other/issues/1
    title: three
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := FileSource{Path: path}.Prospect(context.Background(), []string{"ACME/widgets"}, 1)
	if err != nil {
		t.Fatalf("prospect: %v", err)
	}
	if len(got) != 1 || got[0].Title != "one" || got[0].Source != "file" {
		t.Fatalf("unexpected candidates: %+v", got)
	}

	jsonPath := filepath.Join(dir, "candidates.json")
	if err := os.WriteFile(jsonPath, []byte(`[{"repo":"a/b","issue_url":"u","title":"t","issue_created_at":"2026-10-01T00:00:00Z"}]`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err = FileSource{Path: jsonPath}.Prospect(context.Background(), nil, 0)
	if err != nil {
		t.Fatalf("prospect json: %v", err)
	}
	if len(got) != 1 || got[0].IssueCreatedAt == nil {
		t.Fatalf("unexpected json candidates: %+v", got)
	}
}

func TestNewRejectsUnknownSource(t *testing.T) {
	if _, err := New(config.Prospect{Source: "gitlab"}, nil); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := New(config.Prospect{Source: "file"}, nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
	src, err := New(config.Prospect{Source: "file", File: "x.yml"}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := src.(FileSource); !ok {
		t.Fatalf("expected FileSource, got %T", src)
	}
}
