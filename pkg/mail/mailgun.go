package mail

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/mailgun/mailgun-go/v4"
	"go.uber.org/zap"
)

type mailgunSink struct {
	cfg    Config
	mg     *mailgun.MailgunImpl
	logger *zap.Logger
}

func newMailgunSink(cfg Config, logger *zap.Logger) *mailgunSink {
	mg := mailgun.NewMailgun(cfg.Mailgun.Domain, cfg.Mailgun.APIKey)
	if cfg.Mailgun.APIBase != "" {
		mg.SetAPIBase(cfg.Mailgun.APIBase)
	}
	return &mailgunSink{cfg: cfg, mg: mg, logger: logger}
}

func (s *mailgunSink) Name() string {
	return "mailgun"
}

func (s *mailgunSink) sender() string {
	if s.cfg.FromName == "" {
		return s.cfg.From
	}
	return (&mail.Address{Name: s.cfg.FromName, Address: s.cfg.From}).String()
}

func (s *mailgunSink) Send(ctx context.Context, msg Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	m := s.mg.NewMessage(s.sender(), msg.Subject, msg.Body)
	for _, addr := range nonEmpty(msg.Recipients.To) {
		if err := m.AddRecipient(addr); err != nil {
			return fmt.Errorf("mailgun recipient %s: %w", addr, err)
		}
	}
	for _, addr := range nonEmpty(msg.Recipients.CC) {
		m.AddCC(addr)
	}
	for _, addr := range nonEmpty(msg.Recipients.BCC) {
		m.AddBCC(addr)
	}
	m.SetHtml(htmlBody(msg.Body))
	if len(msg.Attachment) > 0 {
		m.AddBufferAttachment(msg.Filename, msg.Attachment)
	}

	_, id, err := s.mg.Send(ctx, m)
	if err != nil {
		return fmt.Errorf("mailgun send: %w", err)
	}
	s.logger.Info("report mailed", zap.String("provider", "mailgun"), zap.String("message_id", id))
	return nil
}

// Ping only checks configuration
func (s *mailgunSink) Ping(ctx context.Context) error {
	if s.cfg.Mailgun.APIKey == "" || s.cfg.Mailgun.Domain == "" {
		return ErrNotConfigured
	}
	return ctx.Err()
}
