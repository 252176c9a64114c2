package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

func headline(s Stats) string {
	name := s.Trigger
	if s.Label != "" {
		name = s.Label + " (" + s.Trigger + ")"
	}
	switch s.Status {
	case StatusSuccess:
		return "✅ Backup succeeded: " + name
	case StatusWarning:
		return "⚠️ Backup completed with warnings: " + name
	default:
		return "❌ Backup failed: " + name
	}
}

func formatSize(b int64) string {
	return humanize.IBytes(uint64(b))
}

type field struct {
	Title string
	Value string
	Short bool
}

// fields lists what every notifier shows besides the headline.
func fields(s Stats) []field {
	out := []field{
		{Title: "Trigger", Value: s.Trigger, Short: true},
		{Title: "Duration", Value: s.Duration.Truncate(time.Second).String(), Short: true},
	}
	if s.Package != "" {
		out = append(out, field{Title: "Package", Value: s.Package})
	}
	if s.Size > 0 {
		out = append(out, field{Title: "Size", Value: formatSize(s.Size), Short: true})
	}
	if s.Chunks > 1 {
		out = append(out, field{Title: "Chunks", Value: fmt.Sprint(s.Chunks), Short: true})
	}
	if len(s.Destinations) > 0 {
		out = append(out, field{Title: "Destinations", Value: strings.Join(s.Destinations, ", ")})
	}
	if s.Stage != "" {
		out = append(out, field{Title: "Stage", Value: s.Stage, Short: true})
	}
	return out
}

func details(s Stats) string {
	var b strings.Builder
	if s.Error != "" {
		b.WriteString("Error: " + s.Error)
	}
	for _, w := range s.Warnings {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Warning: " + w)
	}
	return b.String()
}

// plainText renders the report for text-only channels.
func plainText(s Stats) string {
	var b strings.Builder
	b.WriteString(headline(s))
	b.WriteString("\n")
	for _, f := range fields(s) {
		fmt.Fprintf(&b, "%s: %s\n", f.Title, f.Value)
	}
	if d := details(s); d != "" {
		b.WriteString("\n" + d + "\n")
	}
	return b.String()
}
