package identity

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// CodeMailer delivers a login code to an email address. Delivery is an
// external concern; the service only needs success or failure.
type CodeMailer interface {
	SendLoginCode(ctx context.Context, email, code string) error
}

// SMTPMailerConfig configures the SMTP-backed code mailer.
type SMTPMailerConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends login codes over SMTP.
type SMTPMailer struct {
	client *mail.Client
	from   string
}

// NewSMTPMailer constructs an SMTP mailer from the provided configuration.
func NewSMTPMailer(cfg SMTPMailerConfig) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("identity: smtp host is required")
	}
	options := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		options = append(options,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, options...)
	if err != nil {
		return nil, fmt.Errorf("identity: smtp client: %w", err)
	}
	return &SMTPMailer{client: client, from: cfg.From}, nil
}

// SendLoginCode emails the verification code.
func (m *SMTPMailer) SendLoginCode(ctx context.Context, email, code string) error {
	message := mail.NewMsg()
	if err := message.From(m.from); err != nil {
		return fmt.Errorf("identity: invalid sender address: %w", err)
	}
	if err := message.To(email); err != nil {
		return fmt.Errorf("identity: invalid recipient address: %w", err)
	}
	message.Subject("Your Bloc.ai verification code")
	message.SetBodyString(mail.TypeTextPlain, fmt.Sprintf(
		"Your verification code is: %s\n\nThis code will expire in 5 minutes. If you didn't request this code, you can safely ignore this email.\n\nBuild a smarter, stronger mind — block by block\n",
		code,
	))

	if err := m.client.DialAndSendWithContext(ctx, message); err != nil {
		return fmt.Errorf("identity: send login code: %w", err)
	}
	return nil
}

// LogMailer writes codes to the log instead of sending mail. Used in local
// development when no SMTP host is configured.
type LogMailer struct {
	Logger *zap.Logger
}

// SendLoginCode logs the code at warn level so it stands out locally.
func (m LogMailer) SendLoginCode(_ context.Context, email, code string) error {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("smtp not configured, logging login code",
		zap.String("email", email),
		zap.String("code", code))
	return nil
}
