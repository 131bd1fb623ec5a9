// Package smtp implements an SMTP client that speaks the wire protocol
// directly over a socket: greeting, EHLO/HELO, STARTTLS, AUTH LOGIN and the
// MAIL/RCPT/DATA transaction with line wrapping and dot-stuffing.
package smtp

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/mailer-lite/internal/email"
	"github.com/shineum/mailer-lite/internal/stream"
)

// Defaults applied by New when the configuration leaves a field empty.
const (
	DefaultPort      = 25
	DefaultTimeout   = 5 * time.Second
	DefaultTimeLimit = 300 * time.Second
	DefaultLocalName = "localhost"
)

// Host prefixes selecting the connection security.
const (
	prefixStartTLS = "tls://"
	prefixTLS      = "ssl://"
)

// Config holds the SMTP client configuration.
type Config struct {
	// Host is the server hostname. A "tls://" prefix requests a STARTTLS
	// upgrade, an "ssl://" prefix an implicit TLS connection.
	Host string
	Port int

	// Username and Password enable AUTH LOGIN. Leave both empty for an
	// unauthenticated relay.
	Username string
	Password string

	// Timeout bounds connecting and every single socket read or write.
	Timeout time.Duration

	// TimeLimit bounds the wall-clock time of one command reply.
	// Zero means unlimited.
	TimeLimit time.Duration

	// VERP appends XVERP to MAIL FROM.
	VERP bool

	// LocalName is the name announced in EHLO/HELO.
	LocalName string

	// TLSConfig is used for STARTTLS and implicit TLS. When nil a default
	// config verifying the server name is used.
	TLSConfig *tls.Config
}

// hostname returns the host without its security prefix and whether
// STARTTLS or implicit TLS was requested.
func (c Config) hostname() (host string, startTLS, implicitTLS bool) {
	switch {
	case strings.HasPrefix(c.Host, prefixStartTLS):
		return strings.TrimPrefix(c.Host, prefixStartTLS), true, false
	case strings.HasPrefix(c.Host, prefixTLS):
		return strings.TrimPrefix(c.Host, prefixTLS), false, true
	default:
		return c.Host, false, false
	}
}

func (c Config) authEnabled() bool {
	return c.Username != "" && c.Password != ""
}

// Client is an SMTP protocol engine bound to one Backend. A Client runs one
// session at a time and is not safe for concurrent use.
type Client struct {
	cfg      Config
	startTLS bool
	backend  Backend
	stream   *stream.Stream
	logger   *slog.Logger

	// openErr keeps the failure of the last Connect; the stream only
	// reports success or failure.
	openErr error
}

// New creates a Client connecting over TCP according to cfg.
func New(cfg Config, logger *slog.Logger) *Client {
	cfg = withDefaults(cfg)
	host, _, implicitTLS := cfg.hostname()

	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = host
	}

	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Port))
	backend := newSocketBackend(addr, implicitTLS, cfg.Timeout, tlsConfig)
	return NewWithBackend(cfg, backend, logger)
}

// NewWithBackend creates a Client running on a custom Backend, used for
// testing.
func NewWithBackend(cfg Config, backend Backend, logger *slog.Logger) *Client {
	cfg = withDefaults(cfg)
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	_, startTLS, _ := cfg.hostname()

	c := &Client{
		cfg:      cfg,
		startTLS: startTLS,
		backend:  backend,
		logger:   logger,
	}
	c.stream = stream.New(resource{c},
		stream.WithName("smtp"),
		stream.WithLogger(logger),
		stream.WithAfterOpen(c.hello),
	)
	return c
}

func withDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.LocalName == "" {
		cfg.LocalName = DefaultLocalName
	}
	return cfg
}

// resource adapts the backend to stream.Resource and records open failures.
type resource struct {
	c *Client
}

func (r resource) Open(ctx context.Context) error {
	if err := r.c.backend.Open(ctx); err != nil {
		r.c.openErr = fmt.Errorf("%w: %v", email.ErrConnection, err)
		return r.c.openErr
	}
	return nil
}

func (r resource) Close() error {
	return r.c.backend.Close()
}

// Status returns the state of the underlying stream.
func (c *Client) Status() stream.Status {
	return c.stream.Status()
}

// IsAvailable probes whether the server accepts connections.
func (c *Client) IsAvailable(ctx context.Context) bool {
	if err := c.backend.Open(ctx); err != nil {
		c.logger.Warn("smtp server unavailable",
			"host", c.cfg.Host,
			"port", c.cfg.Port,
			"error", err,
		)
		return false
	}
	if err := c.backend.Close(); err != nil {
		c.logger.Debug("failed to close availability probe", "error", err)
	}
	return true
}

// Connect opens the connection, reads the greeting, introduces the client,
// upgrades to TLS if requested and authenticates. Any open session is closed
// first.
func (c *Client) Connect(ctx context.Context) error {
	c.openErr = nil
	if c.stream.Open(ctx, true) {
		return nil
	}
	if c.openErr != nil {
		return c.openErr
	}
	return fmt.Errorf("%w: failed to open smtp session", email.ErrConnection)
}

// Close releases the connection. Without force it is refused while a command
// is in flight, and a failed release is reported as false.
func (c *Client) Close(force bool) bool {
	return c.stream.Close(force)
}

// hello runs right after the socket is opened.
func (c *Client) hello(ctx context.Context) error {
	err := c.helloAndAuth(ctx)
	if err != nil {
		c.openErr = err
	}
	return err
}

func (c *Client) helloAndAuth(ctx context.Context) error {
	if err := c.expect(ctx, "greeting", c.cfg.TimeLimit, 220); err != nil {
		return err
	}

	extended := c.startTLS || c.cfg.authEnabled()
	if err := c.greet(ctx, extended); err != nil {
		return err
	}

	if c.startTLS {
		if err := c.SendCommand(ctx, "STARTTLS", "STARTTLS", 220); err != nil {
			return err
		}
		err := c.stream.Do(stream.OpSend, func() error {
			return c.backend.StartTLS(ctx)
		})
		if err != nil {
			return fmt.Errorf("%w: %v", email.ErrConnection, err)
		}
		c.logger.Debug("smtp connection upgraded to TLS", "host", c.cfg.Host)

		// The server forgets everything it learned before the upgrade.
		if err := c.greet(ctx, true); err != nil {
			return err
		}
	}

	if c.cfg.authEnabled() {
		return c.authenticate(ctx)
	}
	return nil
}

func (c *Client) greet(ctx context.Context, extended bool) error {
	if extended {
		return c.SendCommand(ctx, "EHLO", "EHLO "+c.cfg.LocalName, 250)
	}
	return c.SendCommand(ctx, "HELO", "HELO "+c.cfg.LocalName, 250)
}

// authenticate runs the AUTH LOGIN exchange.
func (c *Client) authenticate(ctx context.Context) error {
	if err := c.SendCommand(ctx, "AUTH", "AUTH LOGIN", 334); err != nil {
		return asAuthError(err)
	}
	user := base64.StdEncoding.EncodeToString([]byte(c.cfg.Username))
	if err := c.SendCommand(ctx, "USERNAME", user, 334); err != nil {
		return asAuthError(err)
	}
	pass := base64.StdEncoding.EncodeToString([]byte(c.cfg.Password))
	if err := c.SendCommand(ctx, "PASSWORD", pass, 235); err != nil {
		return asAuthError(err)
	}
	c.logger.Debug("smtp authentication succeeded", "username", c.cfg.Username)
	return nil
}

// SendCommand writes line and waits for a reply whose code is one of expect.
func (c *Client) SendCommand(ctx context.Context, name, line string, expect ...int) error {
	return c.sendCommand(ctx, name, line, c.cfg.TimeLimit, expect...)
}

func (c *Client) sendCommand(ctx context.Context, name, line string, limit time.Duration, expect ...int) error {
	if strings.ContainsAny(line, "\r\n") {
		c.logger.Error("smtp command rejected",
			"command", name,
			"error", ErrLineBreak,
		)
		return &CommandError{Command: name, Expected: expect, Err: fmt.Errorf("%w: %w", email.ErrProtocol, ErrLineBreak)}
	}

	if isSecret(name) {
		c.logger.Debug("smtp client", "command", name)
	} else {
		c.logger.Debug("smtp client", "command", name, "line", line)
	}

	if err := c.writeLine(line); err != nil {
		c.logger.Error("failed to send smtp command",
			"command", name,
			"error", err,
		)
		return &CommandError{Command: name, Expected: expect, Err: fmt.Errorf("%w: %v", email.ErrConnection, err)}
	}

	return c.expect(ctx, name, limit, expect...)
}

// expect reads one reply and checks its code.
func (c *Client) expect(ctx context.Context, name string, limit time.Duration, codes ...int) error {
	raw, readErr := c.GetResponse(ctx, limit)
	reply := ParseReply(raw)

	c.logger.Debug("smtp server",
		"command", name,
		"code", reply.Code,
		"reply", reply.Detail,
	)

	if slices.Contains(codes, reply.Code) {
		return nil
	}

	kind := email.ErrProtocol
	switch {
	case readErr != nil && isTimeout(readErr):
		kind = email.ErrTimeout
	case readErr != nil && reply.Code == 0:
		kind = email.ErrConnection
	}

	err := &CommandError{
		Command:  name,
		Expected: codes,
		Code:     reply.Code,
		Extended: reply.Extended,
		Detail:   reply.Detail,
		Err:      kind,
	}
	c.logger.Error("smtp command failed",
		"command", name,
		"expected", codes,
		"code", reply.Code,
		"extended", reply.Extended,
		"detail", reply.Detail,
		"error", kind,
	)
	return err
}

// GetResponse reads reply lines until the final line of a reply, end of
// stream, a read timeout, or until limit has elapsed. Whatever was read is
// returned; the error tells why reading stopped early.
func (c *Client) GetResponse(ctx context.Context, limit time.Duration) (string, error) {
	var end time.Time
	if limit > 0 {
		end = time.Now().Add(limit)
	}
	if deadline, ok := ctx.Deadline(); ok && (end.IsZero() || deadline.Before(end)) {
		end = deadline
	}

	var b strings.Builder
	for {
		deadline := time.Now().Add(c.cfg.Timeout)
		if !end.IsZero() && end.Before(deadline) {
			deadline = end
		}

		var line string
		err := c.stream.Do(stream.OpRead, func() error {
			var rerr error
			line, rerr = c.backend.ReadLine(deadline)
			return rerr
		})
		b.WriteString(line)

		if err != nil {
			if isTimeout(err) {
				c.logger.Warn("smtp reply timed out",
					"timeout", c.cfg.Timeout,
					"time_limit", limit,
					"received", b.String(),
				)
			}
			return b.String(), err
		}
		if isFinalLine(line) {
			return b.String(), nil
		}
		if !end.IsZero() && time.Now().After(end) {
			c.logger.Warn("smtp reply time limit reached",
				"time_limit", limit,
				"received", b.String(),
			)
			return b.String(), fmt.Errorf("%w after %s", email.ErrTimeout, limit)
		}
	}
}

// SendMail runs one mail transaction on the open session: MAIL FROM, one
// RCPT TO per receiver, DATA, the header and message lines and the final
// dot. The first failing step aborts the transaction.
func (c *Client) SendMail(ctx context.Context, from string, receivers []string, message, headers string) error {
	if len(receivers) == 0 {
		return fmt.Errorf("%w: no receivers", email.ErrValidation)
	}

	mailFrom := "MAIL FROM:<" + from + ">"
	if c.cfg.VERP {
		mailFrom += " XVERP"
	}
	if err := c.SendCommand(ctx, "MAIL FROM", mailFrom, 250); err != nil {
		return err
	}

	for _, rcpt := range receivers {
		if err := c.SendCommand(ctx, "RCPT TO", "RCPT TO:<"+rcpt+">", 250, 251); err != nil {
			return err
		}
	}

	if err := c.SendCommand(ctx, "DATA", "DATA", 354); err != nil {
		return err
	}

	if headers != "" {
		for _, line := range dataLines(strings.TrimRight(headers, "\r\n"), true) {
			if err := c.writeData(line); err != nil {
				return err
			}
		}
		if err := c.writeData(""); err != nil {
			return err
		}
	}
	for _, line := range dataLines(message, false) {
		if err := c.writeData(line); err != nil {
			return err
		}
	}

	// The server may take a while to accept the message.
	return c.sendCommand(ctx, "END DATA", ".", c.cfg.TimeLimit*2, 250)
}

// Quit ends the session politely.
func (c *Client) Quit(ctx context.Context) error {
	return c.SendCommand(ctx, "QUIT", "QUIT", 221)
}

// Send delivers one message over a fresh connection: connect, transaction,
// QUIT, and a forced close whatever the outcome. A failing QUIT or close
// after an accepted message is logged but does not fail the send.
func (c *Client) Send(ctx context.Context, from string, receivers []string, message, headers string) error {
	if err := c.Connect(ctx); err != nil {
		c.Close(true)
		return err
	}
	defer c.release()

	if err := c.SendMail(ctx, from, receivers, message, headers); err != nil {
		return err
	}

	if err := c.Quit(ctx); err != nil {
		c.logger.Warn("smtp QUIT failed after message was accepted", "error", err)
	}
	return nil
}

// release closes the session, logging a close failure before forcing it.
func (c *Client) release() {
	if c.stream.Close(false) {
		return
	}
	c.logger.Error("smtp session not closed cleanly",
		"status", c.stream.Status().String(),
		"error", email.ErrClose,
	)
	c.stream.Close(true)
}

func (c *Client) writeData(line string) error {
	if err := c.writeLine(line); err != nil {
		c.logger.Error("failed to send message data", "error", err)
		return &CommandError{Command: "DATA", Err: fmt.Errorf("%w: %v", email.ErrConnection, err)}
	}
	return nil
}

func (c *Client) writeLine(line string) error {
	return c.stream.Do(stream.OpWrite, func() error {
		return c.backend.Write([]byte(line + "\r\n"))
	})
}

func isSecret(name string) bool {
	return name == "USERNAME" || name == "PASSWORD"
}

