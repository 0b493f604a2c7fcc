package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const defaultSendGridHost = "https://api.sendgrid.com"

// SendGridMailer sends through the SendGrid v3 mail API.
type SendGridMailer struct {
	apiKey string
	host   string
}

// NewSendGridMailer uses the public API host unless host is set.
func NewSendGridMailer(apiKey, host string) *SendGridMailer {
	if strings.TrimSpace(host) == "" {
		host = defaultSendGridHost
	}
	return &SendGridMailer{apiKey: apiKey, host: strings.TrimRight(host, "/")}
}

func (m *SendGridMailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("sendgrid: no recipients")
	}
	from := mail.NewEmail(msg.FromName, msg.From)
	email := mail.NewSingleEmail(from, msg.Subject, mail.NewEmail("", msg.To[0]), msg.Text, msg.HTML)
	for _, addr := range msg.To[1:] {
		email.Personalizations[0].AddTos(mail.NewEmail("", addr))
	}
	if msg.ReplyTo != "" {
		email.SetReplyTo(mail.NewEmail("", msg.ReplyTo))
	}

	req := sendgrid.GetRequest(m.apiKey, "/v3/mail/send", m.host)
	req.Method = "POST"
	req.Body = mail.GetRequestBody(email)
	res, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("sendgrid: status %d: %s", res.StatusCode, strings.TrimSpace(res.Body))
	}
	return nil
}
