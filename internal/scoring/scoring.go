// Package scoring turns issue and author signals into a novice score and a
// qualification decision. Everything here is pure.
package scoring

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"leadline/internal/domain"
)

// DefaultThreshold is the minimum score a qualified lead needs.
const DefaultThreshold = 0.6

var noviceKeywords = []string{
	"beginner", "new", "help", "install", "installation", "error", "problem",
	"stuck", "confused", "how to", "tutorial", "guide", "basic", "simple",
	"start", "getting started", "first time", "newbie", "documentation",
	"can't", "cannot", "unable", "fail", "failed", "wrong", "issue",
	"struggling", "trouble", "difficulty", "please help", "need help",
	"not working", "broken", "fix", "solve", "solution",
}

var noviceLabels = map[string]bool{
	"question":      true,
	"help wanted":   true,
	"usage":         true,
	"documentation": true,
	"beginner":      true,
}

var (
	codeMarkers = compileAll(
		"```[\\s\\S]*?```",
		"`[^`\\n]+`",
		`(?m)    [^\n]+`,
		`(?m)^\s*[a-zA-Z_][a-zA-Z0-9_]*\s*=`,
		`import\s+\w+`,
		`from\s+\w+\s+import`,
	)
	errorMarkers = compileAll(
		`(?i)traceback`,
		`(?i)error:`,
		`(?i)exception:`,
		`(?i)attributeerror`,
		`(?i)keyerror`,
		`(?i)valueerror`,
		`(?i)modulenotfounderror`,
		`(?i)importerror`,
	)
	frustrationMarkers = compileAll(
		`(?i)frustrat`,
		`(?i)annoying`,
		`(?i)driving me crazy`,
		`(?i)pulling my hair`,
		`(?i)spent hours`,
		`(?i)been trying for`,
		`(?i)why (is|does|doesn't|won't)`,
		`(?i)this (is|doesn't) work`,
	)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		res[i] = regexp.MustCompile(p)
	}
	return res
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Extract derives signals from an issue and the author's identity.
func Extract(c domain.Candidate) domain.Signals {
	title := strings.ToLower(c.Title)
	body := strings.ToLower(c.Body)

	s := domain.Signals{
		Keywords:       []string{},
		Labels:         make([]string, 0, len(c.Labels)),
		AccountAgeDays: c.Identity.AccountAgeDays,
		Followers:      c.Identity.Followers,
		PublicRepos:    c.Identity.PublicRepos,
	}
	for _, l := range c.Labels {
		s.Labels = append(s.Labels, strings.ToLower(l))
	}
	combined := title + " " + body
	for _, kw := range noviceKeywords {
		if strings.Contains(combined, kw) {
			s.Keywords = append(s.Keywords, kw)
		}
	}
	if body != "" {
		n := utf8.RuneCountInString(body)
		s.BodyLength = &n
		code := anyMatch(codeMarkers, body)
		errs := anyMatch(errorMarkers, body)
		frustration := anyMatch(frustrationMarkers, body)
		s.CodeBlocks = &code
		s.ErrorMessages = &errs
		s.Frustration = &frustration
	}
	if title != "" {
		marks := strings.Count(title, "!") + strings.Count(title, "?")
		excess := marks > 2
		s.PunctuationExcess = &excess
	}
	return s
}

// Points returns the score in hundredths. Unknown signals contribute nothing.
func Points(s domain.Signals) int {
	points := 0
	if s.AccountAgeDays != nil && *s.AccountAgeDays < 365 {
		points += 20
	}
	if s.Followers != nil && *s.Followers < 5 {
		points += 20
	}
	if s.PublicRepos != nil && *s.PublicRepos < 5 {
		points += 10
	}
	if len(s.Keywords) > 0 {
		points += 20
	}
	if s.CodeBlocks != nil && !*s.CodeBlocks {
		points += 10
	}
	for _, l := range s.Labels {
		if noviceLabels[strings.ToLower(l)] {
			points += 10
			break
		}
	}
	if s.BodyLength != nil && *s.BodyLength < 400 {
		points += 10
	}
	if s.PunctuationExcess != nil && *s.PunctuationExcess {
		points += 5
	}
	if points > 100 {
		points = 100
	}
	return points
}

// Score is Points scaled to [0,1].
func Score(s domain.Signals) float64 {
	return float64(Points(s)) / 100
}

// Qualifies reports whether score meets threshold and the lead is reachable.
// A small epsilon keeps a score of exactly the threshold qualifying.
func Qualifies(score, threshold float64, email string) bool {
	if strings.TrimSpace(email) == "" {
		return false
	}
	return score+1e-9 >= threshold
}

// Evaluate scores every candidate.
func Evaluate(candidates []domain.Candidate, threshold float64) []domain.ScoredLead {
	res := make([]domain.ScoredLead, 0, len(candidates))
	for _, c := range candidates {
		s := Extract(c)
		score := Score(s)
		res = append(res, domain.ScoredLead{
			Candidate: c,
			Signals:   s,
			Score:     score,
			Qualified: Qualifies(score, threshold, c.Email),
		})
	}
	return res
}

// Qualify keeps qualified leads ordered by descending score. Equal scores keep
// their input order.
func Qualify(candidates []domain.Candidate, threshold float64) []domain.ScoredLead {
	var res []domain.ScoredLead
	for _, l := range Evaluate(candidates, threshold) {
		if l.Qualified {
			res = append(res, l)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Score > res[j].Score })
	return res
}
