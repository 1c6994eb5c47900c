// Package prospect produces raw lead candidates for the scoring pipeline.
package prospect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"leadline/internal/config"
	"leadline/internal/domain"
)

// Source returns up to max candidates per repo.
type Source interface {
	Prospect(ctx context.Context, repos []string, max int) ([]domain.Candidate, error)
}

// New builds the source named in config.
func New(cfg config.Prospect, logger *slog.Logger) (Source, error) {
	switch strings.ToLower(cfg.Source) {
	case "", "github":
		s := NewGitHubSource(cfg.GitHubBaseURL, cfg.GitHubToken)
		s.Logger = logger
		return s, nil
	case "file":
		if cfg.File == "" {
			return nil, fmt.Errorf("prospecting.file is required for the file source")
		}
		return FileSource{Path: cfg.File}, nil
	default:
		return nil, fmt.Errorf("unknown prospecting source %q", cfg.Source)
	}
}

// FileSource reads candidates from a YAML or JSON file, either a bare list or
// an object with a "candidates" list.
type FileSource struct {
	Path string
}

func (f FileSource) Prospect(_ context.Context, repos []string, max int) ([]domain.Candidate, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	all, err := decodeCandidates(data, strings.EqualFold(filepath.Ext(f.Path), ".json"))
	if err != nil {
		return nil, fmt.Errorf("read candidates from %s: %w", f.Path, err)
	}
	want := map[string]bool{}
	for _, r := range repos {
		want[strings.ToLower(r)] = true
	}
	perRepo := map[string]int{}
	var out []domain.Candidate
	for _, c := range all {
		key := strings.ToLower(c.Repo)
		if len(want) > 0 && !want[key] {
			continue
		}
		if max > 0 && perRepo[key] >= max {
			continue
		}
		perRepo[key]++
		if c.Source == "" {
			c.Source = "file"
		}
		out = append(out, c)
	}
	return out, nil
}

func decodeCandidates(data []byte, isJSON bool) ([]domain.Candidate, error) {
	var list []domain.Candidate
	var wrapped struct {
		Candidates []domain.Candidate `json:"candidates" yaml:"candidates"`
	}
	if isJSON {
		if err := json.Unmarshal(data, &list); err == nil {
			return list, nil
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, err
		}
		return wrapped.Candidates, nil
	}
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	if err := yaml.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Candidates, nil
}
