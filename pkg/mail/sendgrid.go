package mail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

type sendGridSink struct {
	cfg    Config
	logger *zap.Logger
}

func newSendGridSink(cfg Config, logger *zap.Logger) *sendGridSink {
	return &sendGridSink{cfg: cfg, logger: logger}
}

func (s *sendGridSink) Name() string {
	return "sendgrid"
}

func (s *sendGridSink) build(msg Message) *sgmail.SGMailV3 {
	m := sgmail.NewV3Mail()
	m.SetFrom(sgmail.NewEmail(s.cfg.FromName, s.cfg.From))
	m.Subject = msg.Subject

	p := sgmail.NewPersonalization()
	for _, addr := range nonEmpty(msg.Recipients.To) {
		p.AddTos(sgmail.NewEmail("", addr))
	}
	for _, addr := range nonEmpty(msg.Recipients.CC) {
		p.AddCCs(sgmail.NewEmail("", addr))
	}
	for _, addr := range nonEmpty(msg.Recipients.BCC) {
		p.AddBCCs(sgmail.NewEmail("", addr))
	}
	m.AddPersonalizations(p)
	m.AddContent(
		sgmail.NewContent("text/plain", msg.Body),
		sgmail.NewContent("text/html", htmlBody(msg.Body)),
	)

	if len(msg.Attachment) > 0 {
		a := sgmail.NewAttachment()
		a.SetContent(base64.StdEncoding.EncodeToString(msg.Attachment))
		a.SetType(contentType(msg))
		a.SetFilename(msg.Filename)
		a.SetDisposition("attachment")
		m.AddAttachment(a)
	}
	return m
}

func (s *sendGridSink) client() *sendgrid.Client {
	c := sendgrid.NewSendClient(s.cfg.SendGrid.APIKey)
	if s.cfg.SendGrid.Endpoint != "" {
		c.BaseURL = s.cfg.SendGrid.Endpoint
	}
	return c
}

func (s *sendGridSink) Send(ctx context.Context, msg Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	resp, err := s.client().SendWithContext(ctx, s.build(msg))
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sendgrid send: status %d: %s", resp.StatusCode, resp.Body)
	}
	s.logger.Info("report mailed", zap.String("provider", "sendgrid"), zap.Int("recipients", msg.Recipients.Count()))
	return nil
}

// Ping only checks configuration; the send API has no dry-run endpoint
func (s *sendGridSink) Ping(ctx context.Context) error {
	if s.cfg.SendGrid.APIKey == "" {
		return ErrNotConfigured
	}
	return ctx.Err()
}
