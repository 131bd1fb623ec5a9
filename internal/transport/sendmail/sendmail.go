// Package sendmail implements a Transport piping mail into the local
// sendmail binary.
package sendmail

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/shineum/mailer-lite/internal/email"
	"github.com/shineum/mailer-lite/internal/transport"
)

const (
	// Name is the registry name of the sendmail transport.
	Name = "sendmail"

	// Alias is the alternative registry name.
	Alias = "mail"

	// DefaultPath is the sendmail binary used when none is configured.
	DefaultPath = "/usr/sbin/sendmail"
)

// Transport hands rendered mail to sendmail. The envelope recipients are
// passed as arguments, so receivers dropped by validation are not delivered
// even though they remain in the To header; -i keeps a lone dot from ending
// the input.
type Transport struct {
	transport.Pipeline

	path   string
	logger *slog.Logger
}

// New creates a Transport running the binary at path. An empty path uses
// DefaultPath and a nil logger discards output.
func New(path string, pipeline transport.Pipeline, logger *slog.Logger) *Transport {
	if path == "" {
		path = DefaultPath
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Transport{
		Pipeline: pipeline,
		path:     path,
		logger:   logger,
	}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return Name
}

// IsAvailable always reports true; a missing binary surfaces on Send.
func (t *Transport) IsAvailable(context.Context) bool {
	return true
}

// Send validates and renders mail and writes it to sendmail's stdin.
func (t *Transport) Send(ctx context.Context, mail *email.Mail) error {
	env, err := t.Prepare(mail)
	if err != nil {
		return err
	}

	args := append([]string{"-i", "-f", env.From, "--"}, env.Recipients...)
	cmd := exec.CommandContext(ctx, t.path, args...)
	cmd.Stdin = bytes.NewReader(env.Raw())
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	t.logger.Debug("piping mail to sendmail",
		"path", t.path,
		"from", env.From,
		"recipients", len(env.Recipients),
	)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: sendmail %s: %v: %s",
			email.ErrConnection, t.path, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
