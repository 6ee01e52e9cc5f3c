package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
)

func TestInterpolateTemplate(t *testing.T) {
	vars := map[string]string{
		"schedule.name":   "Nightly",
		"dashboard.title": "Nodes",
	}
	tests := []struct {
		in, want string
	}{
		{"Report {{schedule.name}}", "Report Nightly"},
		{"{{ dashboard.title }} / {{schedule.name}}", "Nodes / Nightly"},
		{"{{unknown}} stays", "{{unknown}} stays"},
		{"no placeholders", "no placeholders"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InterpolateTemplate(tt.in, vars), tt.in)
	}
}

func TestNewSink(t *testing.T) {
	_, err := NewSink(Config{}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewSink(Config{Provider: "none"}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"smtp", Config{Provider: "smtp", From: "a@b.c", SMTP: SMTPConfig{Host: "localhost"}}, "smtp"},
		{"sendgrid", Config{Provider: "SendGrid", From: "a@b.c", SendGrid: SendGridConfig{APIKey: "k"}}, "sendgrid"},
		{"mailgun", Config{Provider: "mailgun", From: "a@b.c", Mailgun: MailgunConfig{APIKey: "k", Domain: "mg.b.c"}}, "mailgun"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSink(tt.cfg, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Name())
		})
	}

	invalid := []Config{
		{Provider: "smtp", SMTP: SMTPConfig{Host: "localhost"}},
		{Provider: "smtp", From: "a@b.c"},
		{Provider: "sendgrid", From: "a@b.c"},
		{Provider: "mailgun", From: "a@b.c", Mailgun: MailgunConfig{APIKey: "k"}},
		{Provider: "pigeon", From: "a@b.c"},
	}
	for _, cfg := range invalid {
		_, err := NewSink(cfg, nil)
		assert.ErrorIs(t, err, model.ErrInvalidConfig, cfg.Provider)
	}
}

func TestValidateMessage(t *testing.T) {
	assert.Error(t, validateMessage(Message{}))
	assert.Error(t, validateMessage(Message{
		Recipients: model.Recipients{To: []string{"a@b.c"}},
		Attachment: []byte("%PDF"),
	}))
	assert.NoError(t, validateMessage(Message{
		Recipients: model.Recipients{BCC: []string{"a@b.c"}},
	}))
}

func TestSMTPMessageHeaders(t *testing.T) {
	s := newSMTPSink(Config{From: "reports@example.com", FromName: "Reports", SMTP: SMTPConfig{Host: "localhost"}}, nil)
	assert.Equal(t, 587, s.dialer.Port)

	m := s.build(Message{
		Recipients: model.Recipients{To: []string{"a@example.com", " "}, CC: []string{"c@example.com"}},
		Subject:    "Nightly",
		Body:       "hello\nworld",
		Filename:   "report.pdf",
		Attachment: []byte("%PDF-1.3"),
	})
	assert.Equal(t, []string{"a@example.com"}, m.GetHeader("To"))
	assert.Equal(t, []string{"c@example.com"}, m.GetHeader("Cc"))
	assert.Empty(t, m.GetHeader("Bcc"))
	assert.Equal(t, []string{"Nightly"}, m.GetHeader("Subject"))

	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `filename="report.pdf"`)
	assert.Contains(t, buf.String(), "hello<br>world")
}

func TestSMTPSendRejectsCancelledContext(t *testing.T) {
	s := newSMTPSink(Config{From: "r@example.com", SMTP: SMTPConfig{Host: "127.0.0.1", Port: 1}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Send(ctx, Message{Recipients: model.Recipients{To: []string{"a@example.com"}}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendGridSend(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink, err := NewSink(Config{
		Provider: "sendgrid",
		From:     "reports@example.com",
		SendGrid: SendGridConfig{APIKey: "sg-key", Endpoint: srv.URL},
	}, nil)
	require.NoError(t, err)

	pdf := []byte("%PDF-1.3 test")
	err = sink.Send(context.Background(), Message{
		Recipients: model.Recipients{To: []string{"a@example.com"}, BCC: []string{"b@example.com"}},
		Subject:    "Weekly",
		Body:       "see attached",
		Filename:   "weekly.pdf",
		Attachment: pdf,
	})
	require.NoError(t, err)

	assert.Equal(t, "Weekly", got["subject"])
	attachments := got["attachments"].([]interface{})
	require.Len(t, attachments, 1)
	a := attachments[0].(map[string]interface{})
	assert.Equal(t, "weekly.pdf", a["filename"])
	assert.Equal(t, "application/pdf", a["type"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(pdf), a["content"])
}

func TestSendGridSendStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":[{"message":"bad key"}]}`))
	}))
	defer srv.Close()

	sink := newSendGridSink(Config{From: "r@example.com", SendGrid: SendGridConfig{APIKey: "x", Endpoint: srv.URL}}, nil)
	err := sink.Send(context.Background(), Message{Recipients: model.Recipients{To: []string{"a@example.com"}}})
	assert.ErrorContains(t, err, "status 401")
}

func TestMailgunSend(t *testing.T) {
	type request struct {
		user, key  string
		form       map[string][]string
		attachment string
		content    []byte
	}
	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/mg.example.com/messages") {
			http.NotFound(w, r)
			return
		}
		got.user, got.key, _ = r.BasicAuth()
		require.NoError(t, r.ParseMultipartForm(1<<20))
		got.form = r.MultipartForm.Value
		if files := r.MultipartForm.File["attachment"]; len(files) == 1 {
			got.attachment = files[0].Filename
			f, err := files[0].Open()
			require.NoError(t, err)
			got.content, _ = io.ReadAll(f)
			f.Close()
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"<20251015.1@mg.example.com>","message":"Queued. Thank you."}`))
	}))
	defer srv.Close()

	sink, err := NewSink(Config{
		Provider: "mailgun",
		From:     "reports@example.com",
		FromName: "Reports",
		Mailgun:  MailgunConfig{APIKey: "mg-key", Domain: "mg.example.com", APIBase: srv.URL + "/v3"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "mailgun", sink.Name())

	pdf := []byte("%PDF-1.3 test")
	err = sink.Send(context.Background(), Message{
		Recipients: model.Recipients{
			To:  []string{"a@example.com", "b@example.com"},
			CC:  []string{"c@example.com"},
			BCC: []string{"d@example.com"},
		},
		Subject:    "Weekly",
		Body:       "see attached",
		Filename:   "weekly.pdf",
		Attachment: pdf,
	})
	require.NoError(t, err)

	assert.Equal(t, "api", got.user)
	assert.Equal(t, "mg-key", got.key)
	assert.Equal(t, []string{"Weekly"}, got.form["subject"])
	assert.Contains(t, got.form["from"][0], "reports@example.com")
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com"}, got.form["to"])
	assert.Equal(t, []string{"c@example.com"}, got.form["cc"])
	assert.Equal(t, []string{"d@example.com"}, got.form["bcc"])
	assert.Equal(t, []string{"see attached"}, got.form["text"])
	assert.Equal(t, "weekly.pdf", got.attachment)
	assert.Equal(t, pdf, got.content)
}

func TestMailgunSendStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("Forbidden"))
	}))
	defer srv.Close()

	sink := newMailgunSink(Config{
		From:    "r@example.com",
		Mailgun: MailgunConfig{APIKey: "x", Domain: "mg.example.com", APIBase: srv.URL + "/v3"},
	}, zap.NewNop())
	err := sink.Send(context.Background(), Message{
		Recipients: model.Recipients{To: []string{"a@example.com"}},
		Subject:    "Weekly",
		Body:       "body",
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "mailgun send")
	assert.ErrorContains(t, err, "401")
}

func TestMailgunPingNeedsCredentials(t *testing.T) {
	sink := newMailgunSink(Config{Mailgun: MailgunConfig{Domain: "mg.example.com"}}, zap.NewNop())
	assert.ErrorIs(t, sink.Ping(context.Background()), ErrNotConfigured)
}
