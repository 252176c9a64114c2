package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	apperrors "github.com/lupppig/backup/internal/errors"
)

type DiscordOptions struct {
	Events     `mapstructure:",squash"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Mention    string        `mapstructure:"mention"` // prepended on failure
	Attempts   int           `mapstructure:"attempts"`
	Backoff    time.Duration `mapstructure:"backoff"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type DiscordNotifier struct {
	opts   DiscordOptions
	host   string
	client *http.Client
}

type discordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
	Footer      *discordFooter `json:"footer,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordFooter struct {
	Text string `json:"text,omitempty"`
}

type discordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

func NewDiscordNotifier(opts DiscordOptions) (*DiscordNotifier, error) {
	if opts.WebhookURL == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "discord notifier: webhook_url is required", "")
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return &DiscordNotifier{opts: opts, host: host, client: &http.Client{Timeout: opts.Timeout}}, nil
}

func (d *DiscordNotifier) Name() string { return "discord" }

func discordColor(s Status) int {
	switch s {
	case StatusSuccess:
		return 0x2ecc71
	case StatusWarning:
		return 0xf1c40f
	default:
		return 0xe74c3c
	}
}

func (d *DiscordNotifier) Notify(ctx context.Context, stats Stats) error {
	embed := discordEmbed{
		Title:       headline(stats),
		Description: details(stats),
		Color:       discordColor(stats.Status),
		Timestamp:   stats.StartedAt.UTC().Format(time.RFC3339),
		Fields:      []discordField{{Name: "Host", Value: d.host, Inline: true}},
		Footer:      &discordFooter{Text: "backup"},
	}
	for _, f := range fields(stats) {
		embed.Fields = append(embed.Fields, discordField{Name: f.Title, Value: f.Value, Inline: f.Short})
	}
	payload := discordPayload{Embeds: []discordEmbed{embed}}
	if stats.Status == StatusFailure {
		payload.Content = d.opts.Mention
	}
	return d.send(ctx, payload)
}

func (d *DiscordNotifier) send(ctx context.Context, payload discordPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var last error
	for i := 0; i < d.opts.Attempts; i++ {
		if i > 0 && d.opts.Backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.opts.Backoff):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.opts.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.client.Do(req)
		if err != nil {
			last = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		last = fmt.Errorf("status %s", resp.Status)
	}
	return apperrors.Wrap(last, apperrors.TypeNotifier,
		fmt.Sprintf("discord webhook failed after %d attempts", d.opts.Attempts), "")
}
