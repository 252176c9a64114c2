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

type WebhookOptions struct {
	Events   `mapstructure:",squash"`
	URL      string            `mapstructure:"url"`
	Method   string            `mapstructure:"method"`
	Template string            `mapstructure:"template"`
	Headers  map[string]string `mapstructure:"headers"`
	Timeout  time.Duration     `mapstructure:"timeout"`
}

// WebhookNotifier sends the stats as JSON, or the rendered template, to
// an arbitrary HTTP endpoint.
type WebhookNotifier struct {
	opts   WebhookOptions
	tmpl   *template.Template
	client *http.Client
}

func NewWebhookNotifier(opts WebhookOptions) (*WebhookNotifier, error) {
	if opts.URL == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "webhook notifier: url is required", "")
	}
	if opts.Method == "" {
		opts.Method = http.MethodPost
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	n := &WebhookNotifier{opts: opts, client: &http.Client{Timeout: opts.Timeout}}
	if opts.Template != "" {
		t, err := template.New("webhook").Parse(opts.Template)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeConfig, "webhook notifier: invalid template", "")
		}
		n.tmpl = t
	}
	return n, nil
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Notify(ctx context.Context, stats Stats) error {
	var (
		body []byte
		err  error
	)
	if n.tmpl != nil {
		body, err = renderTemplate(n.tmpl, stats)
	} else {
		body, err = json.Marshal(stats)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeNotifier, "failed to render webhook body", "")
	}

	req, err := http.NewRequestWithContext(ctx, n.opts.Method, n.opts.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeNotifier, "webhook request failed", "")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apperrors.New(apperrors.TypeNotifier, fmt.Sprintf("webhook returned status %d", resp.StatusCode), "")
	}
	return nil
}
