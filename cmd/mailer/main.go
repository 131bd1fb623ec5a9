// Package main is the entry point of the mailer command. It reads a mail
// request, dispatches it through the configured transport and exits 0 when
// the mail was accepted, 1 otherwise.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/shineum/mailer-lite/internal/config"
	"github.com/shineum/mailer-lite/internal/message"
	"github.com/shineum/mailer-lite/internal/smtp"
	mailtls "github.com/shineum/mailer-lite/internal/tls"
	"github.com/shineum/mailer-lite/internal/transport"
	"github.com/shineum/mailer-lite/internal/transport/graph"
	"github.com/shineum/mailer-lite/internal/transport/sendmail"
	"github.com/shineum/mailer-lite/internal/transport/ses"
	smtptransport "github.com/shineum/mailer-lite/internal/transport/smtp"
	"github.com/shineum/mailer-lite/internal/transport/stdout"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, out, errOut io.Writer) int {
	flags := pflag.NewFlagSet("mailer", pflag.ContinueOnError)
	flags.SetOutput(errOut)
	configPath := flags.StringP("config", "c", "", "path to YAML configuration file (optional)")
	mailPath := flags.StringP("mail", "m", "-", "path to the YAML mail request, - for stdin")
	transportName := flags.StringP("transport", "t", "", "transport to use instead of the configured default")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load configuration: %v\n", err)
		return 1
	}

	logger := newLogger(errOut, cfg.Logging.Level)

	data, err := readMail(*mailPath, stdin)
	if err != nil {
		logger.Error("failed to read mail request", "path", *mailPath, "error", err)
		return 1
	}

	dispatcher, err := newDispatcher(ctx, cfg, out, logger)
	if err != nil {
		logger.Error("failed to set up transports", "error", err)
		return 1
	}

	name := cfg.Transport.Default
	if *transportName != "" {
		name = *transportName
	}

	if !dispatcher.SendBy(ctx, name, data) {
		return 1
	}
	return 0
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func readMail(path string, stdin io.Reader) (*transport.Data, error) {
	if path == "-" {
		return transport.LoadData(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return transport.LoadData(f)
}

// newLogger returns a JSON logger writing to w at the given level.
func newLogger(w io.Writer, level string) *slog.Logger {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

// newDispatcher registers every transport the configuration allows. SES and
// Graph are only registered when configured.
func newDispatcher(ctx context.Context, cfg *config.Config, out io.Writer, logger *slog.Logger) (*transport.Dispatcher, error) {
	pipeline := transport.NewPipeline(cfg.Policy(),
		message.WithMailer(cfg.Mail.Mailer),
		message.WithLogger(logger),
	)

	tlsConfig, err := mailtls.ClientConfig("", cfg.SMTP.CAFile, cfg.SMTP.InsecureSkipVerify)
	if err != nil {
		return nil, err
	}
	client := smtp.New(smtp.Config{
		Host:      cfg.SMTP.Host,
		Port:      cfg.SMTP.Port,
		Username:  cfg.SMTP.Username,
		Password:  cfg.SMTP.Password,
		Timeout:   cfg.SMTP.Timeout,
		TimeLimit: cfg.SMTP.TimeLimit,
		VERP:      cfg.SMTP.VERP,
		LocalName: cfg.SMTP.LocalName,
		TLSConfig: tlsConfig,
	}, logger)

	d := transport.NewDispatcher(logger)
	d.Register(smtptransport.New(client, pipeline, logger))
	d.Register(sendmail.New(cfg.Sendmail.Path, pipeline, logger), sendmail.Alias)
	d.Register(stdout.NewWithWriter(pipeline, out))

	if cfg.SESConfigured() {
		t, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		}, pipeline, logger)
		if err != nil {
			return nil, err
		}
		d.Register(t)
	}

	if cfg.GraphConfigured() {
		d.Register(graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}, pipeline, logger))
	}

	if err := d.SetDefault(cfg.Transport.Default); err != nil {
		return nil, err
	}

	logger.Debug("transports registered",
		"transports", d.Names(),
		"default", cfg.Transport.Default,
		"smtp_host", cfg.SMTP.Host,
		"smtp_auth", cfg.AuthEnabled(),
	)
	return d, nil
}
