package delivery

import (
	"context"
	"fmt"
	"io"
	"net/mail"
	"net/textproto"

	"gopkg.in/gomail.v2"

	"github.com/teranos/reportd/am"
	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/pulse/retry"
	"github.com/teranos/reportd/pulse/schedule"
)

// Sender sends composed messages. *gomail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Email delivers reports as mail attachments over SMTP.
//
// Config keys: to (string or list, required), cc, subject, body.
type Email struct {
	from   string
	sender Sender
}

// NewEmail creates the email channel from SMTP settings
func NewEmail(cfg am.SMTPConfig) *Email {
	return NewEmailWithSender(cfg.From, gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password))
}

// NewEmailWithSender creates the email channel with a custom sender
func NewEmailWithSender(from string, sender Sender) *Email {
	return &Email{from: from, sender: sender}
}

func (e *Email) Channel() schedule.Channel { return schedule.ChannelEmail }

func (e *Email) Validate(cfg Config) error {
	to := cfg.Strings("to")
	if len(to) == 0 {
		return invalidConfig("to is required")
	}
	for _, field := range []string{"to", "cc"} {
		for _, addr := range cfg.Strings(field) {
			if _, err := mail.ParseAddress(addr); err != nil {
				return invalidConfig("%s: invalid address %q", field, addr)
			}
		}
	}
	return nil
}

func (e *Email) Deliver(ctx context.Context, cfg Config, env Envelope) (*Receipt, error) {
	if err := e.Validate(cfg); err != nil {
		return nil, err
	}
	if e.from == "" {
		return nil, invalidConfig("delivery.smtp.from is not configured")
	}

	to := cfg.Strings("to")
	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", to...)
	if cc := cfg.Strings("cc"); len(cc) > 0 {
		m.SetHeader("Cc", cc...)
	}
	m.SetHeader("Subject", cfg.StringOr("subject", defaultSubject(env)))
	m.SetBody("text/plain", cfg.StringOr("body", defaultBody(env)))

	if art := env.Artifact; art != nil && len(art.Data) > 0 {
		m.Attach(art.Filename,
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(art.Data)
				return err
			}),
			gomail.SetHeader(map[string][]string{"Content-Type": {art.ContentType}}),
		)
	}

	// gomail has no context support, so the send is raced against ctx.
	// An abandoned send finishes or fails on its own.
	done := make(chan error, 1)
	go func() { done <- e.sender.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "smtp send abandoned")
	case err := <-done:
		if err != nil {
			return nil, classifySMTP(err)
		}
	}
	return &Receipt{Detail: fmt.Sprintf("sent to %d recipient(s)", len(to))}, nil
}

// classifySMTP marks 5xx replies permanent; 4xx replies and network errors stay transient
func classifySMTP(err error) error {
	wrapped := errors.Wrap(err, "smtp send failed")
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return retry.Permanent(wrapped)
	}
	return wrapped
}

func defaultSubject(env Envelope) string {
	name := "report"
	if env.Schedule != nil {
		name = env.Schedule.Name
	}
	if env.Execution != nil {
		return fmt.Sprintf("%s: %s", name, env.Execution.ScheduledFor.Format("2006-01-02 15:04 MST"))
	}
	return name
}

func defaultBody(env Envelope) string {
	if env.Schedule == nil || env.Execution == nil {
		return "Your scheduled report is attached."
	}
	return fmt.Sprintf("Report %s for schedule %q, scheduled for %s.\nExecution: %s\n",
		env.Schedule.ReportID, env.Schedule.Name,
		env.Execution.ScheduledFor.Format("2006-01-02 15:04:05 MST"), env.Execution.ID)
}
