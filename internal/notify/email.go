package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"

	"listing-sentinel/internal/model"
)

// MailSender is satisfied by *gomail.Dialer.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailOptions configure the SMTP channel.
type EmailOptions struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
}

// Email sends alerts as multipart text/html mail.
type Email struct {
	opts      EmailOptions
	sender    MailSender
	formatter Formatter
	logger    zerolog.Logger
}

// NewEmail constructs the SMTP channel backed by a gomail dialer.
func NewEmail(opts EmailOptions, formatter Formatter, logger zerolog.Logger) *Email {
	return NewEmailWithSender(opts, gomail.NewDialer(opts.Host, opts.Port, opts.Username, opts.Password), formatter, logger)
}

// NewEmailWithSender uses a custom sender.
func NewEmailWithSender(opts EmailOptions, sender MailSender, formatter Formatter, logger zerolog.Logger) *Email {
	if opts.From == "" {
		opts.From = opts.Username
	}
	return &Email{
		opts:      opts,
		sender:    sender,
		formatter: formatter,
		logger:    logger.With().Str("component", "alert_email").Logger(),
	}
}

func (e *Email) Deliver(ctx context.Context, ev model.AlertEvent) error {
	if len(e.opts.Recipients) == 0 {
		return fmt.Errorf("email: no recipients configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	htmlBody, err := e.renderHTML(ev)
	if err != nil {
		return fmt.Errorf("render email: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", e.opts.From)
	m.SetHeader("To", e.opts.Recipients...)
	m.SetHeader("Subject", e.formatter.Subject(ev))
	m.SetBody("text/plain", e.formatter.Text(ev))
	m.AddAlternative("text/html", htmlBody)

	if err := e.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	e.logger.Info().Str("listing_id", ev.ListingID).Str("kind", string(ev.Kind)).Int("recipients", len(e.opts.Recipients)).Msg("alert sent by email")
	return nil
}

var emailTemplate = template.Must(template.New("alert").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; }
    .header { background-color: {{.Color}}; color: white; padding: 20px; text-align: center; }
    .content { padding: 20px; }
    .box { background-color: #f8f9fa; border-left: 4px solid {{.Color}}; padding: 15px; margin: 20px 0; }
  </style>
</head>
<body>
  <div class="header"><h1>{{.Subject}}</h1></div>
  <div class="content"><div class="box"><pre>{{.Body}}</pre></div></div>
</body>
</html>`))

func (e *Email) renderHTML(ev model.AlertEvent) (string, error) {
	color := "#28a745"
	if ev.Kind == model.AlertPriceRise || ev.Kind == model.AlertSentimentDecline {
		color = "#dc3545"
	}

	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, struct {
		Color   string
		Subject string
		Body    string
	}{color, e.formatter.Subject(ev), e.formatter.Text(ev)})
	return buf.String(), err
}

var _ Dispatcher = (*Email)(nil)
