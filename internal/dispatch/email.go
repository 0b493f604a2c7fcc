package dispatch

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/flosch/pongo2/v6"

	"leadline/internal/domain"
)

//go:embed templates/*.tpl
var builtinTemplates embed.FS

const (
	subjectTemplate = "subject.tpl"
	textTemplate    = "lead.txt.tpl"
	htmlTemplate    = "lead.html.tpl"
)

// Message is a rendered lead notification ready for a Mailer.
type Message struct {
	FromName string
	From     string
	To       []string
	ReplyTo  string
	Subject  string
	Text     string
	HTML     string
}

// Mailer hands a message to an email provider.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Renderer turns a submission into subject, text and HTML bodies.
type Renderer struct {
	subject *pongo2.Template
	text    *pongo2.Template
	html    *pongo2.Template
}

// NewRenderer loads the built-in templates. When dir is set, templates found
// there take precedence.
func NewRenderer(dir string) (*Renderer, error) {
	sub, err := fs.Sub(builtinTemplates, "templates")
	if err != nil {
		return nil, err
	}
	var loaders []pongo2.TemplateLoader
	if strings.TrimSpace(dir) != "" {
		loader, err := pongo2.NewLocalFileSystemLoader(dir)
		if err != nil {
			return nil, fmt.Errorf("email templates %s: %w", dir, err)
		}
		loaders = append(loaders, loader)
	}
	loaders = append(loaders, pongo2.NewFSLoader(sub))
	set := pongo2.NewSet("leadline", loaders...)

	r := &Renderer{}
	for name, dst := range map[string]**pongo2.Template{
		subjectTemplate: &r.subject,
		textTemplate:    &r.text,
		htmlTemplate:    &r.html,
	} {
		tpl, err := set.FromFile(name)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		*dst = tpl
	}
	return r, nil
}

func (r *Renderer) Render(req domain.SubmissionRequest) (Message, error) {
	ctx := templateContext(req)
	subject, err := r.subject.Execute(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("render subject: %w", err)
	}
	text, err := r.text.Execute(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("render text body: %w", err)
	}
	html, err := r.html.Execute(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("render html body: %w", err)
	}
	return Message{
		Subject: strings.TrimSpace(subject),
		Text:    text,
		HTML:    html,
	}, nil
}

func templateContext(req domain.SubmissionRequest) pongo2.Context {
	fields := make([]map[string]any, 0, len(req.Fields()))
	values := make(map[string]any, len(req.Fields()))
	for _, f := range req.Fields() {
		v := formatValue(f.Value)
		if v == "" {
			continue
		}
		fields = append(fields, map[string]any{"id": f.ID, "label": f.Label, "value": v})
		values[f.ID] = v
	}
	return pongo2.Context{
		"id":           req.ID(),
		"request_type": req.RequestType(),
		"display_name": req.DisplayName(),
		"received_at":  req.ReceivedAt().UTC().Format(time.RFC1123),
		"client_addr":  req.ClientAddr(),
		"fields":       fields,
		"values":       values,
	}
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return strings.Join(t, ", ")
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := formatValue(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "yes"
		}
		return "no"
	default:
		return fmt.Sprint(t)
	}
}

// EmailNotifier renders submissions and mails them to the sales inbox.
type EmailNotifier struct {
	renderer *Renderer
	mailer   Mailer
	fromName string
	from     string
	to       []string
}

func NewEmailNotifier(renderer *Renderer, mailer Mailer, fromName, from string, to []string) (*EmailNotifier, error) {
	if renderer == nil || mailer == nil {
		return nil, errors.New("email notifier needs a renderer and a mailer")
	}
	if from == "" || len(to) == 0 {
		return nil, errors.New("email notifier needs from and to addresses")
	}
	return &EmailNotifier{renderer: renderer, mailer: mailer, fromName: fromName, from: from, to: to}, nil
}

func (n *EmailNotifier) Notify(ctx context.Context, req domain.SubmissionRequest) error {
	msg, err := n.renderer.Render(req)
	if err != nil {
		return err
	}
	msg.FromName = n.fromName
	msg.From = n.from
	msg.To = append([]string(nil), n.to...)
	if v, ok := req.Value("email"); ok {
		if addr, ok := v.(string); ok {
			msg.ReplyTo = addr
		}
	}
	return n.mailer.Send(ctx, msg)
}
