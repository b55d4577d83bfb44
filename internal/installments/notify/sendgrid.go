package notify

import (
	"context"
	"fmt"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// MailSender is the subset of the SendGrid client used here.
type MailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// Email sends notices to the payer's e-mail address through SendGrid.
type Email struct {
	client MailSender
	from   *mail.Email
}

// NewEmail wraps a SendGrid sender.
func NewEmail(client MailSender, fromName, fromAddress string) *Email {
	return &Email{client: client, from: mail.NewEmail(fromName, fromAddress)}
}

// NewSendGrid builds an Email notifier for an API key.
func NewSendGrid(apiKey, fromName, fromAddress string) *Email {
	return NewEmail(sendgrid.NewSendClient(apiKey), fromName, fromAddress)
}

func (e *Email) Notify(ctx context.Context, n Notice) error {
	if n.PayerEmail == "" {
		return nil
	}
	subject, body := render(n)
	msg := mail.NewSingleEmail(e.from, subject, mail.NewEmail("", n.PayerEmail), body, "<p>"+body+"</p>")
	resp, err := e.client.SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("sendgrid %s: %w", n.Kind, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid %s: status %d: %s", n.Kind, resp.StatusCode, resp.Body)
	}
	return nil
}
