package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"text/template"
	"time"

	apperrors "github.com/lupppig/backup/internal/errors"
)

type SlackOptions struct {
	Events     `mapstructure:",squash"`
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
	Username   string `mapstructure:"username"`
	Template   string `mapstructure:"template"`
}

type SlackNotifier struct {
	opts   SlackOptions
	tmpl   *template.Template
	client *http.Client
}

func NewSlackNotifier(opts SlackOptions) (*SlackNotifier, error) {
	if opts.WebhookURL == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "slack notifier: webhook_url is required", "")
	}
	n := &SlackNotifier{opts: opts, client: &http.Client{Timeout: 15 * time.Second}}
	if opts.Template != "" {
		t, err := template.New("slack").Parse(opts.Template)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeConfig, "slack notifier: invalid template", "")
		}
		n.tmpl = t
	}
	return n, nil
}

func (s *SlackNotifier) Name() string { return "slack" }

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackPayload struct {
	Text        string            `json:"text,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

func slackColor(s Status) string {
	switch s {
	case StatusSuccess:
		return "#36a64f"
	case StatusWarning:
		return "#daa038"
	default:
		return "#ff0000"
	}
}

func (s *SlackNotifier) payload(stats Stats) ([]byte, error) {
	if s.tmpl != nil {
		return renderTemplate(s.tmpl, stats)
	}
	att := slackAttachment{
		Color:  slackColor(stats.Status),
		Title:  headline(stats),
		Text:   details(stats),
		Footer: "backup",
		Ts:     stats.StartedAt.Add(stats.Duration).Unix(),
	}
	for _, f := range fields(stats) {
		att.Fields = append(att.Fields, slackField{Title: f.Title, Value: f.Value, Short: f.Short})
	}
	return json.Marshal(slackPayload{
		Channel:     s.opts.Channel,
		Username:    s.opts.Username,
		Attachments: []slackAttachment{att},
	})
}

func (s *SlackNotifier) Notify(ctx context.Context, stats Stats) error {
	body, err := s.payload(stats)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeNotifier, "failed to render slack message", "")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeNotifier, "slack request failed", "")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.New(apperrors.TypeNotifier, fmt.Sprintf("slack notification failed with status: %s", resp.Status), "")
	}
	return nil
}

// renderTemplate executes a user template over the stats plus a few
// preformatted values.
func renderTemplate(t *template.Template, stats Stats) ([]byte, error) {
	var buf bytes.Buffer
	data := struct {
		Stats
		FormattedDuration string
		FormattedSize     string
		Headline          string
	}{
		Stats:             stats,
		FormattedDuration: stats.Duration.Truncate(time.Second).String(),
		FormattedSize:     formatSize(stats.Size),
		Headline:          headline(stats),
	}
	if err := t.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
