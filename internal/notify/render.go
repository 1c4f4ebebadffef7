package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"
)

const (
	TemplateReminder      = "reminder"
	TemplateChainInstance = "chain_instance"
)

// Renderer turns a named template and its data into a message. It must not
// perform I/O.
type Renderer interface {
	Render(name string, data any) (Message, error)
}

// AppointmentData is the data passed to the built-in templates.
type AppointmentData struct {
	RecipientName string
	Title         string
	StartAt       time.Time
	Duration      time.Duration
	Position      int
	Total         int
}

type pair struct {
	subject *template.Template
	body    *template.Template
}

type TemplateRenderer struct {
	loc       *time.Location
	templates map[string]pair
}

var builtin = map[string][2]string{
	TemplateReminder: {
		`Reminder: {{.Title}} at {{when .StartAt}}`,
		`Hi {{.RecipientName}},

this is a reminder that "{{.Title}}" starts {{when .StartAt}} and lasts {{.Duration}}.`,
	},
	TemplateChainInstance: {
		`New session booked: {{.Title}}`,
		`Hi {{.RecipientName}},

session {{.Position}} of {{.Total}} of "{{.Title}}" is booked for {{when .StartAt}}.`,
	},
}

// NewTemplateRenderer parses the built-in templates. Times are shown in loc.
func NewTemplateRenderer(loc *time.Location) (*TemplateRenderer, error) {
	if loc == nil {
		loc = time.UTC
	}
	r := &TemplateRenderer{loc: loc, templates: map[string]pair{}}
	funcs := template.FuncMap{
		"when": func(t time.Time) string { return t.In(loc).Format("Mon 02 Jan 2006 15:04 MST") },
	}
	for name, src := range builtin {
		subj, err := template.New(name + ".subject").Funcs(funcs).Parse(src[0])
		if err != nil {
			return nil, fmt.Errorf("parse %s subject: %w", name, err)
		}
		body, err := template.New(name + ".body").Funcs(funcs).Option("missingkey=error").Parse(src[1])
		if err != nil {
			return nil, fmt.Errorf("parse %s body: %w", name, err)
		}
		r.templates[name] = pair{subject: subj, body: body}
	}
	return r, nil
}

func (r *TemplateRenderer) Render(name string, data any) (Message, error) {
	p, ok := r.templates[name]
	if !ok {
		return Message{}, fmt.Errorf("unknown template %q", name)
	}
	var subj, body bytes.Buffer
	if err := p.subject.Execute(&subj, data); err != nil {
		return Message{}, fmt.Errorf("render %s subject: %w", name, err)
	}
	if err := p.body.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("render %s body: %w", name, err)
	}
	return Message{Subject: strings.TrimSpace(subj.String()), Body: body.String()}, nil
}
