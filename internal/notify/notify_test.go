package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"text/template"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lupppig/backup/internal/logger"
)

func sampleStats(status Status) Stats {
	s := Stats{
		Status:       status,
		Trigger:      "nightly",
		Label:        "Nightly production",
		Package:      "nightly.2024.01.01.00.00.00.tar.gz",
		Size:         1 << 20,
		Chunks:       1,
		Destinations: []string{"s3", "local"},
		Duration:     5 * time.Second,
		StartedAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if status == StatusFailure {
		s.Stage = "dump"
		s.Error = "pg_dump: connection refused"
	}
	if status == StatusWarning {
		s.Warnings = []string{"retention failed at s3"}
	}
	return s
}

type fakeNotifier struct {
	name  string
	calls int32
	err   error
	panic bool
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Notify(ctx context.Context, stats Stats) error {
	atomic.AddInt32(&f.calls, 1)
	if f.panic {
		panic("boom")
	}
	return f.err
}

func TestMultiNotifier_SwallowsFailures(t *testing.T) {
	failing := &fakeNotifier{name: "failing", err: errors.New("down")}
	panicking := &fakeNotifier{name: "panicking", panic: true}
	ok := &fakeNotifier{name: "ok"}

	var buf bytes.Buffer
	m := &MultiNotifier{
		Notifiers: []Notifier{failing, panicking, ok},
		Logger:    logger.New(logger.Config{Writer: &buf, NoColor: true}),
	}
	assert.NoError(t, m.Notify(context.Background(), sampleStats(StatusSuccess)))

	assert.EqualValues(t, 1, failing.calls)
	assert.EqualValues(t, 1, panicking.calls)
	assert.EqualValues(t, 1, ok.calls)
	assert.Contains(t, buf.String(), "down")
	assert.Contains(t, buf.String(), "panic: boom")
}

func TestFilter(t *testing.T) {
	no := false
	inner := &fakeNotifier{name: "inner"}
	n := Filter(inner, Events{OnSuccess: &no})
	assert.Equal(t, "inner", n.Name())

	require.NoError(t, n.Notify(context.Background(), sampleStats(StatusSuccess)))
	assert.EqualValues(t, 0, inner.calls)
	require.NoError(t, n.Notify(context.Background(), sampleStats(StatusWarning)))
	require.NoError(t, n.Notify(context.Background(), sampleStats(StatusFailure)))
	assert.EqualValues(t, 2, inner.calls)

	assert.Same(t, Notifier(inner), Filter(inner, Events{}))
}

func TestHeadline(t *testing.T) {
	assert.Equal(t, "✅ Backup succeeded: Nightly production (nightly)", headline(sampleStats(StatusSuccess)))
	assert.Contains(t, headline(sampleStats(StatusWarning)), "warnings")
	assert.Contains(t, headline(sampleStats(StatusFailure)), "failed")
	assert.Equal(t, "1.0 MiB", formatSize(1<<20))
}

func TestSlackNotifier_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload slackPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Len(t, payload.Attachments, 1)
		att := payload.Attachments[0]
		assert.Equal(t, "#36a64f", att.Color)
		assert.Contains(t, att.Title, "succeeded")
		assert.Equal(t, "#backups", payload.Channel)
		assert.Len(t, att.Fields, 5) // Trigger, Duration, Package, Size, Destinations

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n, err := NewSlackNotifier(SlackOptions{WebhookURL: server.URL, Channel: "#backups"})
	require.NoError(t, err)
	assert.NoError(t, n.Notify(context.Background(), sampleStats(StatusSuccess)))
}

func TestSlackNotifier_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload slackPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		att := payload.Attachments[0]
		assert.Equal(t, "#ff0000", att.Color)
		assert.Contains(t, att.Text, "connection refused")
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n, err := NewSlackNotifier(SlackOptions{WebhookURL: server.URL})
	require.NoError(t, err)
	err = n.Notify(context.Background(), sampleStats(StatusFailure))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestSlackNotifier_Config(t *testing.T) {
	_, err := NewSlackNotifier(SlackOptions{})
	assert.Error(t, err)
	_, err = NewSlackNotifier(SlackOptions{WebhookURL: "http://x", Template: "{{"})
	assert.Error(t, err)
}

func TestWebhookNotifier_DefaultJSON(t *testing.T) {
	var got Stats
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n, err := NewWebhookNotifier(WebhookOptions{
		URL:     server.URL,
		Method:  http.MethodPut,
		Headers: map[string]string{"X-Token": "secret"},
	})
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), sampleStats(StatusWarning)))
	assert.Equal(t, StatusWarning, got.Status)
	assert.Equal(t, []string{"retention failed at s3"}, got.Warnings)
}

func TestWebhookNotifier_Template(t *testing.T) {
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
	}))
	defer server.Close()

	n, err := NewWebhookNotifier(WebhookOptions{
		URL:      server.URL,
		Template: `{"text":"{{.Trigger}} {{.Status}} in {{.FormattedDuration}} ({{.FormattedSize}})"}`,
	})
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), sampleStats(StatusSuccess)))
	assert.Equal(t, `{"text":"nightly success in 5s (1.0 MiB)"}`, body)
}

func TestDiscordNotifier_Retries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var payload discordPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "@here", payload.Content)
		require.Len(t, payload.Embeds, 1)
		assert.Equal(t, 0xe74c3c, payload.Embeds[0].Color)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n, err := NewDiscordNotifier(DiscordOptions{WebhookURL: server.URL, Mention: "@here", Attempts: 3})
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), sampleStats(StatusFailure)))
	assert.EqualValues(t, 3, calls)
}

func TestDiscordNotifier_GivesUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	n, err := NewDiscordNotifier(DiscordOptions{WebhookURL: server.URL, Attempts: 2})
	require.NoError(t, err)
	err = n.Notify(context.Background(), sampleStats(StatusSuccess))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestTelegramNotifier(t *testing.T) {
	var text string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/bottoken/getMe":
			io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"backup","username":"backup_bot"}}`)
		case "/bottoken/sendMessage":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "42", r.FormValue("chat_id"))
			text = r.FormValue("text")
			io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	n, err := NewTelegramNotifier(TelegramOptions{
		BotToken:    "token",
		ChatID:      42,
		APIEndpoint: server.URL + "/bot%s/%s",
	})
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), sampleStats(StatusFailure)))
	assert.Contains(t, text, "Backup failed")
	assert.Contains(t, text, "Error: pg_dump: connection refused")

	_, err = NewTelegramNotifier(TelegramOptions{BotToken: "token"})
	assert.Error(t, err)
}

// fakeSMTP accepts one message and returns its DATA section.
func fakeSMTP(t *testing.T) (string, <-chan string) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	out := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		tp.PrintfLine("220 localhost ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
			switch cmd {
			case "EHLO", "HELO":
				tp.PrintfLine("250 localhost")
			case "MAIL", "RCPT", "NOOP", "RSET":
				tp.PrintfLine("250 OK")
			case "DATA":
				tp.PrintfLine("354 go ahead")
				data, err := io.ReadAll(tp.DotReader())
				if err != nil {
					return
				}
				out <- string(data)
				tp.PrintfLine("250 queued")
			case "QUIT":
				tp.PrintfLine("221 bye")
				return
			default:
				tp.PrintfLine("502 unsupported")
			}
		}
	}()
	return ln.Addr().String(), out
}

func TestMailNotifier(t *testing.T) {
	addr, out := fakeSMTP(t)
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	var p int
	_, err = fmt.Sscan(port, &p)
	require.NoError(t, err)

	n, err := NewMailNotifier(MailOptions{
		Host: host,
		Port: p,
		From: "backup@example.com",
		To:   []string{"ops@example.com"},
	})
	require.NoError(t, err)
	n.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Notify(ctx, sampleStats(StatusWarning)))

	msg := <-out
	assert.Contains(t, msg, "Subject: [Backup] Warning (nightly)")
	assert.Contains(t, msg, "ops@example.com")
	assert.Contains(t, msg, "Warning: retention failed at s3")
}

func TestMailNotifier_EncodesSubject(t *testing.T) {
	addr, out := fakeSMTP(t)
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var p int
	_, err = fmt.Sscan(port, &p)
	require.NoError(t, err)

	n, err := NewMailNotifier(MailOptions{
		Host:          host,
		Port:          p,
		From:          "backup@example.com",
		To:            []string{"ops@example.com"},
		SubjectPrefix: "[Sauvegarde é]",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Notify(ctx, sampleStats(StatusSuccess)))

	msg := <-out
	assert.Contains(t, msg, "Subject: =?UTF-8?")
	assert.NotContains(t, msg, "Subject: [Sauvegarde é]")
}

func TestMailNotifier_Config(t *testing.T) {
	_, err := NewMailNotifier(MailOptions{Host: "h", From: "not an address", To: []string{"ops@example.com"}})
	assert.Error(t, err)

	_, err = NewMailNotifier(MailOptions{Host: "h", From: "backup@example.com"})
	assert.Error(t, err)

	n, err := NewMailNotifier(MailOptions{Host: "smtp.example.com", SSL: true, From: "backup@example.com", To: []string{"ops@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, 465, n.opts.Port)
}

func TestRenderTemplate(t *testing.T) {
	tmpl := template.Must(template.New("t").Parse("{{.Headline}}|{{.Stage}}"))
	out, err := renderTemplate(tmpl, sampleStats(StatusFailure))
	require.NoError(t, err)
	assert.Equal(t, "❌ Backup failed: Nightly production (nightly)|dump", string(out))
}
