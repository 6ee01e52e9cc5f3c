// Package mail delivers finished reports through SMTP or a cloud mail API.
package mail

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
)

// ErrNotConfigured is returned when no mail provider is set up
var ErrNotConfigured = errors.New("mail delivery is not configured")

// Message is one report delivery
type Message struct {
	Recipients  model.Recipients
	Subject     string
	Body        string
	Filename    string
	Attachment  []byte
	ContentType string
}

// Sink delivers messages
type Sink interface {
	Send(ctx context.Context, msg Message) error
	// Ping checks that the backend is reachable or at least well configured
	Ping(ctx context.Context) error
	Name() string
}

// SMTPConfig configures the gomail dialer
type SMTPConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	SSL           bool   `mapstructure:"ssl"`
	SkipTLSVerify bool   `mapstructure:"skip_tls_verify"`
}

// SendGridConfig configures the SendGrid v3 API
type SendGridConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint"`
}

// MailgunConfig configures the Mailgun API
type MailgunConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Domain  string `mapstructure:"domain"`
	APIBase string `mapstructure:"api_base"`
}

// Config selects and configures the provider
type Config struct {
	Provider       string         `mapstructure:"provider"`
	From           string         `mapstructure:"from"`
	FromName       string         `mapstructure:"from_name"`
	AllowedDomains []string       `mapstructure:"allowed_domains"`
	SMTP           SMTPConfig     `mapstructure:"smtp"`
	SendGrid       SendGridConfig `mapstructure:"sendgrid"`
	Mailgun        MailgunConfig  `mapstructure:"mailgun"`
}

// NewSink builds the configured sink. It returns ErrNotConfigured when the
// provider is empty or "none".
func NewSink(cfg Config, logger *zap.Logger) (Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mail")

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" || provider == "none" {
		return nil, ErrNotConfigured
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("%w: mail.from is required", model.ErrInvalidConfig)
	}

	switch provider {
	case "smtp":
		if cfg.SMTP.Host == "" {
			return nil, fmt.Errorf("%w: mail.smtp.host is required", model.ErrInvalidConfig)
		}
		return newSMTPSink(cfg, logger), nil
	case "sendgrid":
		if cfg.SendGrid.APIKey == "" {
			return nil, fmt.Errorf("%w: mail.sendgrid.api_key is required", model.ErrInvalidConfig)
		}
		return newSendGridSink(cfg, logger), nil
	case "mailgun":
		if cfg.Mailgun.APIKey == "" || cfg.Mailgun.Domain == "" {
			return nil, fmt.Errorf("%w: mail.mailgun.api_key and mail.mailgun.domain are required", model.ErrInvalidConfig)
		}
		return newMailgunSink(cfg, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown mail provider %q", model.ErrInvalidConfig, cfg.Provider)
	}
}

func validateMessage(msg Message) error {
	if msg.Recipients.Count() == 0 {
		return errors.New("message has no recipients")
	}
	if len(msg.Attachment) > 0 && msg.Filename == "" {
		return errors.New("attachment without filename")
	}
	return nil
}

func contentType(msg Message) string {
	if msg.ContentType != "" {
		return msg.ContentType
	}
	return "application/pdf"
}

func nonEmpty(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// htmlBody renders a plain text body as minimal HTML
func htmlBody(body string) string {
	return "<p>" + strings.ReplaceAll(html.EscapeString(body), "\n", "<br>") + "</p>"
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// InterpolateTemplate replaces {{name}} placeholders with vars. Unknown
// placeholders are left untouched.
func InterpolateTemplate(tpl string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tpl, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}
