// Package ses implements a Transport that sends rendered mail via AWS SES v2.
package ses

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/mailer-lite/internal/email"
	"github.com/shineum/mailer-lite/internal/transport"
)

// Name is the registry name of the SES transport.
const Name = "ses"

// Config holds the configuration for creating a Transport.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Sender overrides the envelope sender. When empty the mail's From
	// address is used.
	Sender string
}

// SendEmailAPI is the subset of the SES v2 client used by the transport.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Transport submits the builder's raw MIME output to SES.
type Transport struct {
	transport.Pipeline

	sender string
	client SendEmailAPI
	logger *slog.Logger
}

// New creates a Transport with credentials from cfg, or from the default AWS
// credential chain when no static keys are set.
func New(ctx context.Context, cfg Config, pipeline transport.Pipeline, logger *slog.Logger) (*Transport, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg), pipeline, logger), nil
}

// NewWithClient creates a Transport with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI, pipeline transport.Pipeline, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Transport{
		Pipeline: pipeline,
		sender:   sender,
		client:   client,
		logger:   logger,
	}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return Name
}

// IsAvailable reports whether a client is configured. SES reachability is
// only known once a request is made.
func (t *Transport) IsAvailable(context.Context) bool {
	return t.client != nil
}

// Send validates and renders mail and submits it as a raw message. The
// destination lists every envelope recipient so Bcc receivers are reached.
// Transient API failures are retried by the SDK's retryer.
func (t *Transport) Send(ctx context.Context, mail *email.Mail) error {
	env, err := t.Prepare(mail)
	if err != nil {
		return err
	}

	from := t.sender
	if from == "" {
		from = env.From
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: env.Recipients,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: env.Raw()},
		},
	}

	out, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("%w: SES API request failed: %v", email.ErrConnection, err)
	}

	t.logger.Debug("mail accepted by SES",
		"message_id", aws.ToString(out.MessageId),
		"recipients", len(env.Recipients),
	)
	return nil
}
