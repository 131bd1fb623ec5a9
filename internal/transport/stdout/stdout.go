// Package stdout implements a Transport that prints rendered mail instead of
// delivering it. It is meant for development.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/mailer-lite/internal/email"
	"github.com/shineum/mailer-lite/internal/parser"
	"github.com/shineum/mailer-lite/internal/transport"
)

// Name is the registry name of the stdout transport.
const Name = "stdout"

const separator = "========================================\n"

// Transport renders mail through the pipeline, decodes the result again and
// prints a readable summary, so what is shown is what would be sent.
type Transport struct {
	transport.Pipeline

	writer io.Writer
}

// New creates a Transport that writes to os.Stdout.
func New(pipeline transport.Pipeline) *Transport {
	return NewWithWriter(pipeline, os.Stdout)
}

// NewWithWriter creates a Transport that writes to w.
func NewWithWriter(pipeline transport.Pipeline, w io.Writer) *Transport {
	return &Transport{Pipeline: pipeline, writer: w}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return Name
}

// IsAvailable always reports true.
func (t *Transport) IsAvailable(context.Context) bool {
	return true
}

// Send validates and renders mail and prints its summary.
func (t *Transport) Send(_ context.Context, mail *email.Mail) error {
	env, err := t.Prepare(mail)
	if err != nil {
		return err
	}

	msg, err := parser.Parse(env.Raw())
	if err != nil {
		return fmt.Errorf("rendered mail does not parse: %w", err)
	}

	var b strings.Builder
	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&b, "Envelope: %s\n", strings.Join(env.Recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")

	body := msg.Text
	if body == "" {
		body = msg.HTML
	}
	b.WriteString(body + "\n")

	if len(msg.Parts) > 0 {
		parts := make([]string, 0, len(msg.Parts))
		for _, p := range msg.Parts {
			parts = append(parts, fmt.Sprintf("%s (%s)", p.Filename, formatSize(len(p.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(parts, ", "))
	}
	b.WriteString(separator)

	if _, err := io.WriteString(t.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write mail summary: %w", err)
	}
	return nil
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
