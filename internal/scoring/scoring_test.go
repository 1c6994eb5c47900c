package scoring

import (
	"testing"

	"leadline/internal/domain"
)

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

func TestScoreFullNoviceProfile(t *testing.T) {
	s := domain.Signals{
		AccountAgeDays:    intp(90),
		Followers:         intp(2),
		PublicRepos:       intp(1),
		Keywords:          []string{"help"},
		CodeBlocks:        boolp(false),
		Labels:            []string{"question"},
		BodyLength:        intp(120),
		PunctuationExcess: boolp(false),
	}
	if got := Score(s); got != 1.0 {
		t.Fatalf("expected 1.0, got %v", got)
	}
}

func TestScoreClampsAndIgnoresUnknown(t *testing.T) {
	s := domain.Signals{
		AccountAgeDays:    intp(1),
		Followers:         intp(0),
		PublicRepos:       intp(0),
		Keywords:          []string{"stuck"},
		CodeBlocks:        boolp(false),
		Labels:            []string{"Beginner"},
		BodyLength:        intp(10),
		PunctuationExcess: boolp(true),
	}
	if got := Points(s); got != 100 {
		t.Fatalf("expected clamp at 100 points, got %d", got)
	}
	if got := Score(domain.Signals{}); got != 0 {
		t.Fatalf("unknown signals should score 0, got %v", got)
	}
	// code blocks unknown contributes nothing, explicit true neither
	if Points(domain.Signals{CodeBlocks: boolp(true)}) != 0 {
		t.Fatalf("code blocks present should not add points")
	}
}

func TestQualifiesBoundary(t *testing.T) {
	cases := []struct {
		score float64
		email string
		want  bool
	}{
		{0.59, "a@example.com", false},
		{0.9, "", false},
		{0.6, "a@example.com", true},
		{float64(60) / 100, "a@example.com", true},
		{0.1 + 0.2 + 0.3, "a@example.com", true},
	}
	for _, tc := range cases {
		if got := Qualifies(tc.score, DefaultThreshold, tc.email); got != tc.want {
			t.Fatalf("Qualifies(%v,%q)=%v want %v", tc.score, tc.email, got, tc.want)
		}
	}
}

func TestExtract(t *testing.T) {
	c := domain.Candidate{
		Title:    "Install fails!!!",
		Body:     "I spent hours on this.\nTraceback (most recent call last):\n",
		Labels:   []string{"Question"},
		Identity: domain.Identity{Followers: intp(3)},
	}
	s := Extract(c)
	if s.PunctuationExcess == nil || !*s.PunctuationExcess {
		t.Fatalf("expected punctuation excess")
	}
	if s.ErrorMessages == nil || !*s.ErrorMessages {
		t.Fatalf("expected error trace detection")
	}
	if s.Frustration == nil || !*s.Frustration {
		t.Fatalf("expected frustration detection")
	}
	if s.CodeBlocks == nil || *s.CodeBlocks {
		t.Fatalf("expected no code blocks, got %v", s.CodeBlocks)
	}
	if len(s.Labels) != 1 || s.Labels[0] != "question" {
		t.Fatalf("labels not normalized: %v", s.Labels)
	}
	found := map[string]bool{}
	for _, k := range s.Keywords {
		found[k] = true
	}
	if !found["install"] || !found["fail"] {
		t.Fatalf("expected install and fail keywords, got %v", s.Keywords)
	}
	if s.AccountAgeDays != nil || s.Followers == nil {
		t.Fatalf("identity not carried: %+v", s)
	}

	empty := Extract(domain.Candidate{})
	if empty.BodyLength != nil || empty.CodeBlocks != nil || empty.PunctuationExcess != nil {
		t.Fatalf("empty body and title should leave signals unknown: %+v", empty)
	}
}

func TestExtractDetectsCode(t *testing.T) {
	s := Extract(domain.Candidate{Title: "x", Body: "run `go build` please"})
	if s.CodeBlocks == nil || !*s.CodeBlocks {
		t.Fatalf("expected inline code detection")
	}
}

func TestQualifySortsStable(t *testing.T) {
	young := domain.Identity{AccountAgeDays: intp(10), Followers: intp(1), PublicRepos: intp(1)}
	candidates := []domain.Candidate{
		{IssueURL: "a", Title: "need help", Body: "short", Email: "a@x.io", Identity: young},
		{IssueURL: "b", Title: "need help", Body: "short", Email: "", Identity: young},
		{IssueURL: "c", Title: "need help", Body: "short", Labels: []string{"question"}, Email: "c@x.io", Identity: young},
		{IssueURL: "d", Title: "need help", Body: "short", Email: "d@x.io", Identity: young},
		{IssueURL: "e", Title: "refactor", Body: "import os\n", Email: "e@x.io"},
	}
	got := Qualify(candidates, DefaultThreshold)
	var order []string
	for _, l := range got {
		order = append(order, l.Candidate.IssueURL)
	}
	want := []string{"c", "a", "d"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}
