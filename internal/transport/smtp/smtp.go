// Package smtp implements a Transport delivering mail to an SMTP server
// with the wire protocol client from internal/smtp.
package smtp

import (
	"context"
	"log/slog"

	"github.com/shineum/mailer-lite/internal/email"
	smtpclient "github.com/shineum/mailer-lite/internal/smtp"
	"github.com/shineum/mailer-lite/internal/transport"
)

// Name is the registry name of the SMTP transport.
const Name = "smtp"

// Transport sends mail through one smtp.Client, one connection per Send.
// It is not safe for concurrent use.
type Transport struct {
	transport.Pipeline

	client *smtpclient.Client
	logger *slog.Logger
}

// New creates a Transport. A nil logger discards output.
func New(client *smtpclient.Client, pipeline transport.Pipeline, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Transport{
		Pipeline: pipeline,
		client:   client,
		logger:   logger,
	}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return Name
}

// IsAvailable probes the SMTP server.
func (t *Transport) IsAvailable(ctx context.Context) bool {
	return t.client.IsAvailable(ctx)
}

// Send validates and renders mail, then runs a full SMTP session for it.
// Invalid receivers are dropped unless the policy is strict, in which case
// validation already failed.
func (t *Transport) Send(ctx context.Context, mail *email.Mail) error {
	env, err := t.Prepare(mail)
	if err != nil {
		return err
	}

	t.logger.Debug("sending mail over smtp",
		"from", env.From,
		"recipients", len(env.Recipients),
		"bytes", len(env.Headers)+len(env.Body),
	)
	return t.client.Send(ctx, env.From, env.Recipients, env.Body, env.Headers)
}
