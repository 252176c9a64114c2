package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"

	apperrors "github.com/lupppig/backup/internal/errors"
)

type MailOptions struct {
	Events        `mapstructure:",squash"`
	Host          string   `mapstructure:"host"`
	Port          int      `mapstructure:"port"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	From          string   `mapstructure:"from"`
	To            []string `mapstructure:"to"`
	SubjectPrefix string   `mapstructure:"subject_prefix"`
	// StartTLS nil upgrades when offered, true requires it, false never tries.
	StartTLS *bool `mapstructure:"starttls"`
	// SSL connects with implicit TLS (port 465 by default).
	SSL bool `mapstructure:"ssl"`
}

type MailNotifier struct {
	opts   MailOptions
	client *mail.Client
	now    func() time.Time
}

func NewMailNotifier(opts MailOptions) (*MailNotifier, error) {
	if opts.Host == "" || opts.From == "" || len(opts.To) == 0 {
		return nil, apperrors.New(apperrors.TypeConfig, "mail notifier: host, from and to are required", "")
	}
	if opts.Port == 0 {
		opts.Port = 25
		if opts.SSL {
			opts.Port = 465
		}
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "[Backup]"
	}

	// addresses are checked here so a typo fails at load time
	check := mail.NewMsg()
	if err := check.From(opts.From); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, "mail notifier: invalid from address", "")
	}
	if err := check.To(opts.To...); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, "mail notifier: invalid to address", "")
	}

	policy := mail.TLSOpportunistic
	if opts.StartTLS != nil {
		policy = mail.NoTLS
		if *opts.StartTLS {
			policy = mail.TLSMandatory
		}
	}
	clientOpts := []mail.Option{
		mail.WithPort(opts.Port),
		mail.WithTLSPolicy(policy),
	}
	if opts.SSL {
		clientOpts = append(clientOpts, mail.WithSSL())
	}
	if opts.Username != "" {
		clientOpts = append(clientOpts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(opts.Username),
			mail.WithPassword(opts.Password),
		)
	}
	client, err := mail.NewClient(opts.Host, clientOpts...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, "mail notifier: invalid client options", "")
	}

	return &MailNotifier{opts: opts, client: client, now: time.Now}, nil
}

func (m *MailNotifier) Name() string { return "mail" }

func (m *MailNotifier) subject(stats Stats) string {
	status := map[Status]string{
		StatusSuccess: "Success",
		StatusWarning: "Warning",
		StatusFailure: "Failure",
	}[stats.Status]
	return fmt.Sprintf("%s %s (%s)", m.opts.SubjectPrefix, status, stats.Trigger)
}

func (m *MailNotifier) message(stats Stats) (*mail.Msg, error) {
	msg := mail.NewMsg(mail.WithEncoding(mail.NoEncoding))
	if err := msg.From(m.opts.From); err != nil {
		return nil, err
	}
	if err := msg.To(m.opts.To...); err != nil {
		return nil, err
	}
	msg.Subject(m.subject(stats))
	msg.SetDateWithValue(m.now())
	msg.SetBodyString(mail.TypeTextPlain, plainText(stats))
	return msg, nil
}

func (m *MailNotifier) Notify(ctx context.Context, stats Stats) error {
	msg, err := m.message(stats)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeNotifier, "failed to build mail", "")
	}
	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return apperrors.Wrap(err, apperrors.TypeNotifier,
			fmt.Sprintf("failed to send mail via %s:%d", m.opts.Host, m.opts.Port), "")
	}
	return nil
}
