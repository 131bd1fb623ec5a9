// Package transport defines the interface for mail delivery backends and the
// dispatcher selecting between them.
package transport

import (
	"context"
	"strings"

	"github.com/shineum/mailer-lite/internal/email"
	"github.com/shineum/mailer-lite/internal/message"
	"github.com/shineum/mailer-lite/internal/validator"
)

// Transport is the interface that mail delivery backends implement.
type Transport interface {
	// Name returns the registry name of this transport.
	Name() string

	// IsAvailable reports whether the transport can deliver right now.
	IsAvailable(ctx context.Context) bool

	// Validate checks mail without performing any I/O.
	Validate(mail *email.Mail) error

	// Send validates, renders and delivers mail.
	Send(ctx context.Context, mail *email.Mail) error
}

// Pipeline validates and renders mail. Transports embed it to share the
// validator and builder.
type Pipeline struct {
	Validator *validator.Validator
	Builder   *message.Builder
}

// NewPipeline creates a Pipeline from a validation policy and builder options.
// The builder follows the policy's mail type.
func NewPipeline(policy validator.Policy, opts ...message.Option) Pipeline {
	v := validator.New(policy)
	opts = append([]message.Option{message.WithMailType(v.Policy().MailType)}, opts...)
	return Pipeline{
		Validator: v,
		Builder:   message.New(opts...),
	}
}

// Validate checks mail against the pipeline's policy.
func (p Pipeline) Validate(mail *email.Mail) error {
	return p.Validator.Validate(mail)
}

// Envelope is a rendered mail ready for transmission.
type Envelope struct {
	From       string
	Recipients []string
	Headers    string
	Body       string
}

// Raw returns the complete RFC 5322 message.
func (e *Envelope) Raw() []byte {
	return []byte(e.Headers + "\r\n" + e.Body)
}

// Prepare validates mail and renders it with a fresh boundary. Recipients are
// the valid receivers followed by Cc and Bcc, each address once.
func (p Pipeline) Prepare(mail *email.Mail) (*Envelope, error) {
	if err := p.Validate(mail); err != nil {
		return nil, err
	}

	headers, body, _ := p.Builder.Compose(mail)
	return &Envelope{
		From:       mail.From.Email,
		Recipients: recipients(p.Validator.ValidReceivers(mail), mail.Cc, mail.Bcc),
		Headers:    headers,
		Body:       body,
	}, nil
}

func recipients(lists ...[]email.Address) []string {
	seen := make(map[string]struct{})
	var result []string
	for _, list := range lists {
		for _, a := range list {
			key := strings.ToLower(a.Email)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			result = append(result, a.Email)
		}
	}
	return result
}
