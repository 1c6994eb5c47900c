package engine

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"leadline/internal/config"
	"leadline/internal/domain"
)

// Draft is a composed subject and body.
type Draft struct {
	Subject string
	Body    string
}

// Composer renders the first message to a lead.
type Composer interface {
	Compose(ctx context.Context, lead domain.Lead, persona config.Persona) (Draft, error)
}

type templateData struct {
	IssueTitle  string
	IssueURL    string
	Repo        string
	UserLogin   string
	Intro       string
	PersonaName string
}

// TemplateComposer renders the outreach templates from config.
type TemplateComposer struct {
	subject *template.Template
	body    *template.Template
	err     error
}

func NewTemplateComposer(cfg *config.Config) *TemplateComposer {
	if cfg == nil {
		cfg = config.Default()
	}
	c := &TemplateComposer{}
	c.subject, c.err = template.New("subject").Parse(cfg.Outreach.Templates.Subject)
	if c.err != nil {
		c.err = fmt.Errorf("subject template: %w", c.err)
		return c
	}
	c.body, c.err = template.New("body").Parse(cfg.Outreach.Templates.Body)
	if c.err != nil {
		c.err = fmt.Errorf("body template: %w", c.err)
	}
	return c
}

func (c *TemplateComposer) Compose(_ context.Context, lead domain.Lead, persona config.Persona) (Draft, error) {
	if c.err != nil {
		return Draft{}, c.err
	}
	data := templateData{
		IssueTitle:  lead.IssueTitle,
		IssueURL:    lead.IssueURL,
		Repo:        lead.Repo,
		UserLogin:   lead.UserLogin,
		Intro:       persona.Intro,
		PersonaName: persona.Name,
	}
	var subject, body bytes.Buffer
	if err := c.subject.Execute(&subject, data); err != nil {
		return Draft{}, fmt.Errorf("render subject: %w", err)
	}
	if err := c.body.Execute(&body, data); err != nil {
		return Draft{}, fmt.Errorf("render body: %w", err)
	}
	return Draft{Subject: strings.TrimSpace(subject.String()), Body: strings.TrimSpace(body.String()) + "\n"}, nil
}

// SelectPersona scores each persona against the lead: two points per
// matching repo and one per modality keyword found as a whole word in the
// issue title or labels. Ties keep config order. With no match the first
// persona is used; ok is false when none are configured.
func SelectPersona(personas []config.Persona, lead domain.Lead) (config.Persona, bool) {
	if len(personas) == 0 {
		return config.Persona{}, false
	}
	text := strings.ToLower(lead.IssueTitle + " " + strings.Join(lead.IssueLabels, " "))
	best, bestScore := 0, 0
	for i, p := range personas {
		score := 0
		for _, r := range p.Repos {
			if strings.EqualFold(r, lead.Repo) {
				score += 2
			}
		}
		for _, m := range p.Modalities {
			if containsWord(text, strings.ToLower(m)) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return personas[best], true
}

func containsWord(text, word string) bool {
	if strings.TrimSpace(word) == "" {
		return false
	}
	re, err := regexp.Compile(`\b` + regexp.QuoteMeta(word) + `\b`)
	if err != nil {
		return false
	}
	return re.MatchString(text)
}
