package prospect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sourcegraph/conc/pool"

	"leadline/internal/domain"
)

const defaultGitHubURL = "https://api.github.com"

// GitHubSource lists open issues through the GitHub REST API and enriches
// each author with profile data. Profiles are cached across runs.
type GitHubSource struct {
	BaseURL     string
	Token       string
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Concurrency int
	Now         func() time.Time

	profiles *lru.Cache[string, profile]
}

type profile struct {
	Login       string `json:"login"`
	HTMLURL     string `json:"html_url"`
	Email       string `json:"email"`
	Blog        string `json:"blog"`
	Followers   int    `json:"followers"`
	PublicRepos int    `json:"public_repos"`
	CreatedAt   string `json:"created_at"`
}

type issue struct {
	Number      int    `json:"number"`
	HTMLURL     string `json:"html_url"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	CreatedAt   string `json:"created_at"`
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	User struct {
		Login   string `json:"login"`
		HTMLURL string `json:"html_url"`
	} `json:"user"`
}

// StatusError is a non-2xx GitHub response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("github: status=%d %s", e.StatusCode, e.Body)
}

func NewGitHubSource(baseURL, token string) *GitHubSource {
	if baseURL == "" {
		baseURL = defaultGitHubURL
	}
	cache, _ := lru.New[string, profile](1024)
	return &GitHubSource{
		BaseURL:     baseURL,
		Token:       token,
		HTTPClient:  &http.Client{Timeout: 20 * time.Second},
		Concurrency: 4,
		Now:         time.Now,
		profiles:    cache,
	}
}

func (g *GitHubSource) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

// Prospect fetches repos concurrently. Repos that fail are logged and left
// out; the joined error is returned next to whatever was fetched.
func (g *GitHubSource) Prospect(ctx context.Context, repos []string, max int) ([]domain.Candidate, error) {
	if max <= 0 {
		max = 20
	}
	workers := g.Concurrency
	if workers <= 0 {
		workers = 1
	}
	p := pool.NewWithResults[[]domain.Candidate]().WithContext(ctx).WithMaxGoroutines(workers)
	for _, repo := range repos {
		repo := strings.TrimSpace(repo)
		if repo == "" {
			continue
		}
		p.Go(func(ctx context.Context) ([]domain.Candidate, error) {
			cands, err := g.repoCandidates(ctx, repo, max)
			if err != nil {
				g.logger().Warn("prospecting repo failed", "repo", repo, "error", err)
				return nil, fmt.Errorf("%s: %w", repo, err)
			}
			return cands, nil
		})
	}
	batches, err := p.Wait()
	var out []domain.Candidate
	for _, b := range batches {
		out = append(out, b...)
	}
	return out, err
}

func (g *GitHubSource) repoCandidates(ctx context.Context, repo string, max int) ([]domain.Candidate, error) {
	q := url.Values{}
	q.Set("state", "open")
	q.Set("sort", "created")
	q.Set("direction", "desc")
	q.Set("per_page", fmt.Sprint(max))
	var issues []issue
	if err := g.get(ctx, "repos/"+repo+"/issues?"+q.Encode(), &issues); err != nil {
		return nil, err
	}
	out := make([]domain.Candidate, 0, len(issues))
	for _, is := range issues {
		if is.PullRequest != nil {
			continue
		}
		c := domain.Candidate{
			Source:      "github",
			Repo:        repo,
			IssueNumber: is.Number,
			IssueURL:    is.HTMLURL,
			Title:       is.Title,
			Body:        is.Body,
			UserLogin:   is.User.Login,
			ProfileURL:  is.User.HTMLURL,
		}
		for _, l := range is.Labels {
			c.Labels = append(c.Labels, l.Name)
		}
		if t, err := time.Parse(time.RFC3339, is.CreatedAt); err == nil {
			c.IssueCreatedAt = &t
		}
		if is.User.Login != "" {
			p, err := g.profile(ctx, is.User.Login)
			if err != nil {
				g.logger().Debug("profile lookup failed", "login", is.User.Login, "error", err)
			} else {
				g.enrich(&c, p)
			}
		}
		out = append(out, c)
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

func (g *GitHubSource) profile(ctx context.Context, login string) (profile, error) {
	if g.profiles != nil {
		if p, ok := g.profiles.Get(login); ok {
			return p, nil
		}
	}
	var p profile
	if err := g.get(ctx, "users/"+url.PathEscape(login), &p); err != nil {
		return p, err
	}
	if g.profiles != nil {
		g.profiles.Add(login, p)
	}
	return p, nil
}

func (g *GitHubSource) enrich(c *domain.Candidate, p profile) {
	followers, repos := p.Followers, p.PublicRepos
	c.Identity.Followers = &followers
	c.Identity.PublicRepos = &repos
	if created, err := time.Parse(time.RFC3339, p.CreatedAt); err == nil {
		now := time.Now()
		if g.Now != nil {
			now = g.Now()
		}
		age := int(now.Sub(created).Hours() / 24)
		c.Identity.AccountAgeDays = &age
	}
	if c.Email == "" {
		c.Email = strings.TrimSpace(p.Email)
	}
	if c.Website == "" {
		c.Website = strings.TrimSpace(p.Blog)
	}
	if c.ProfileURL == "" {
		c.ProfileURL = p.HTMLURL
	}
}

func (g *GitHubSource) get(ctx context.Context, endpoint string, out any) error {
	target := strings.TrimRight(g.BaseURL, "/") + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}
	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("github: decode %s: %w", endpoint, err)
	}
	return nil
}
