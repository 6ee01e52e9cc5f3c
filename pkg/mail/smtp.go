package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

type smtpSink struct {
	cfg    Config
	dialer *gomail.Dialer
	logger *zap.Logger
}

func newSMTPSink(cfg Config, logger *zap.Logger) *smtpSink {
	port := cfg.SMTP.Port
	if port == 0 {
		port = 587
	}
	d := gomail.NewDialer(cfg.SMTP.Host, port, cfg.SMTP.Username, cfg.SMTP.Password)
	d.SSL = cfg.SMTP.SSL
	if cfg.SMTP.SkipTLSVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: cfg.SMTP.Host} //nolint:gosec
	}
	return &smtpSink{cfg: cfg, dialer: d, logger: logger}
}

func (s *smtpSink) Name() string {
	return "smtp"
}

func (s *smtpSink) build(msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.cfg.From, s.cfg.FromName)
	m.SetHeader("To", nonEmpty(msg.Recipients.To)...)
	if cc := nonEmpty(msg.Recipients.CC); len(cc) > 0 {
		m.SetHeader("Cc", cc...)
	}
	if bcc := nonEmpty(msg.Recipients.BCC); len(bcc) > 0 {
		m.SetHeader("Bcc", bcc...)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	m.AddAlternative("text/html", htmlBody(msg.Body))

	if len(msg.Attachment) > 0 {
		data := msg.Attachment
		m.Attach(msg.Filename,
			gomail.SetHeader(map[string][]string{"Content-Type": {contentType(msg)}}),
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
		)
	}
	return m
}

// Send dials, delivers and hangs up. gomail has no context support, so ctx
// is only checked up front.
func (s *smtpSink) Send(ctx context.Context, msg Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.dialer.DialAndSend(s.build(msg)); err != nil {
		return fmt.Errorf("smtp send via %s:%d: %w", s.cfg.SMTP.Host, s.dialer.Port, err)
	}
	s.logger.Info("report mailed", zap.String("provider", "smtp"), zap.Int("recipients", msg.Recipients.Count()))
	return nil
}

// Ping opens and closes an authenticated SMTP session
func (s *smtpSink) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sc, err := s.dialer.Dial()
	if err != nil {
		return fmt.Errorf("smtp connect to %s:%d: %w", s.cfg.SMTP.Host, s.dialer.Port, err)
	}
	return sc.Close()
}
